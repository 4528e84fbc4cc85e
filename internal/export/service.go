package export

import (
	"fmt"
	"html/template"
)

// Service renders proposals into downloadable artifacts.
type Service struct{}

// NewService creates a new export service
func NewService() *Service {
	return &Service{}
}

// Export renders the proposal document in the requested format.
func (s *Service) Export(doc Document, format Format) (*Result, error) {
	data := TemplateData{
		ProjectName:   doc.ProjectName,
		ClientName:    doc.ClientName,
		Summary:       doc.Summary,
		ContentHTML:   template.HTML(doc.ContentHTML),
		Phase:         doc.Phase,
		Status:        doc.Status,
		VersionNumber: doc.VersionNumber,
		Author:        doc.Author,
		UpdatedAt:     doc.UpdatedAt,
	}

	html, err := RenderProposalHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch format {
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(doc.ProjectName) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return exportPDF(html, doc.ProjectName)
	case FormatDOCX:
		return exportDOCX(html, doc.ProjectName)
	case FormatMarkdown:
		return exportMarkdown(html, doc.ProjectName)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}
