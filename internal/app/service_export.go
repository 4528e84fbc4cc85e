package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"prospect/api/internal/export"
	"prospect/api/internal/store"
)

// ExportResult carries the rendered artifact back to the HTTP layer together
// with its export record.
type ExportResult struct {
	Data     []byte
	Filename string
	MimeType string
	ExportID string
}

// Export renders the proposal's current version in the requested format,
// stores the artifact when object storage is configured, and records the
// export against the proposal.
func (s *Service) Export(ctx context.Context, sess Session, proposalID, formatName string) (*ExportResult, error) {
	format, ok := export.ParseFormat(formatName)
	if !ok {
		return nil, validationError("unsupported export format", map[string]any{"format": formatName})
	}
	if s.exporter == nil {
		return nil, conflict("export is not configured")
	}

	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	version, err := s.store.CurrentVersion(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	result, err := s.exporter.Export(export.Document{
		ProposalID:    proposal.ID,
		ProjectName:   proposal.ProjectName,
		ClientName:    proposal.ClientName,
		Summary:       proposal.Summary,
		ContentHTML:   version.Content,
		Phase:         string(proposal.CurrentPhase),
		Status:        string(proposal.Status),
		VersionNumber: version.VersionNumber,
		Author:        sess.UserName,
		UpdatedAt:     proposal.UpdatedAt,
	}, format)
	if err != nil {
		if errors.Is(err, export.ErrPDFDependencyMissing) || errors.Is(err, export.ErrDOCXDependencyMissing) {
			return nil, conflict(err.Error())
		}
		return nil, fmt.Errorf("render %s export: %w", format, err)
	}

	storagePath := ""
	if s.blobs != nil {
		objectName := fmt.Sprintf("%s/%d-%s", proposal.ID, time.Now().Unix(), result.Filename)
		path, err := s.blobs.Upload(ctx, objectName, result.Data, result.MimeType)
		if err != nil {
			log.Printf("app: store export artifact: %v", err)
		} else {
			storagePath = path
		}
	}

	record, err := s.store.RecordExport(ctx, store.RecordExportParams{
		ProposalID:      proposalID,
		Format:          string(format),
		FileName:        result.Filename,
		StoragePath:     storagePath,
		ByteSize:        int64(len(result.Data)),
		VersionExported: version.VersionNumber,
		Actor:           s.actor(sess),
	})
	if err != nil {
		return nil, err
	}

	return &ExportResult{
		Data:     result.Data,
		Filename: result.Filename,
		MimeType: result.MimeType,
		ExportID: record.ID,
	}, nil
}

// DownloadExport re-serves a stored artifact and bumps its download counter.
// Downloads are counted but not audited.
func (s *Service) DownloadExport(ctx context.Context, exportID string) (*ExportResult, error) {
	record, err := s.store.GetExport(ctx, exportID)
	if err != nil {
		return nil, err
	}
	if record.StoragePath == "" || s.blobs == nil {
		return nil, notFound("export artifact is not stored")
	}

	// StoragePath is bucket/objectName; strip the bucket.
	objectName := record.StoragePath
	if idx := strings.IndexByte(objectName, '/'); idx >= 0 {
		objectName = objectName[idx+1:]
	}
	data, err := s.blobs.Download(ctx, objectName)
	if err != nil {
		return nil, fmt.Errorf("fetch export artifact: %w", err)
	}

	if err := s.store.TrackDownload(ctx, exportID); err != nil {
		return nil, err
	}

	return &ExportResult{
		Data:     data,
		Filename: record.FileName,
		MimeType: mimeForFormat(record.Format),
		ExportID: record.ID,
	}, nil
}

func (s *Service) ListExports(ctx context.Context, proposalID string) (map[string]any, error) {
	if _, err := s.store.GetProposal(ctx, proposalID); err != nil {
		return nil, err
	}

	exports, err := s.store.ListExports(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(exports))
	for _, e := range exports {
		items = append(items, map[string]any{
			"id":               e.ID,
			"proposalId":       e.ProposalID,
			"format":           e.Format,
			"fileName":         e.FileName,
			"byteSize":         e.ByteSize,
			"versionExported":  e.VersionExported,
			"downloadCount":    e.DownloadCount,
			"lastDownloadedAt": e.LastDownloadedAt,
			"stored":           e.StoragePath != "",
			"exportedBy":       e.ExportedBy,
			"createdAt":        e.CreatedAt,
		})
	}
	return map[string]any{"proposalId": proposalID, "exports": items, "count": len(items)}, nil
}

func mimeForFormat(format string) string {
	switch format {
	case "pdf":
		return "application/pdf"
	case "docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case "markdown":
		return "text/markdown; charset=utf-8"
	default:
		return "text/html; charset=utf-8"
	}
}
