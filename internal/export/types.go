// Package export renders proposals to HTML, PDF, DOCX, and Markdown.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatHTML     Format = "html"
	FormatPDF      Format = "pdf"
	FormatDOCX     Format = "docx"
	FormatMarkdown Format = "markdown"
)

// ParseFormat validates a format string.
func ParseFormat(s string) (Format, bool) {
	switch Format(s) {
	case FormatHTML, FormatPDF, FormatDOCX, FormatMarkdown:
		return Format(s), true
	}
	return "", false
}

// Document represents the proposal content for export
type Document struct {
	ProposalID    string
	ProjectName   string
	ClientName    string
	Summary       string
	ContentHTML   string
	Phase         string
	Status        string
	VersionNumber int
	Author        string
	UpdatedAt     time.Time
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
