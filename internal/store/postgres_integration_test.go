package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// openIntegrationStore connects to the database named by
// PROSPECT_TEST_DATABASE_URL, resets the public schema, and applies the
// migrations. Tests are skipped when the variable is not set.
func openIntegrationStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("PROSPECT_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("PROSPECT_TEST_DATABASE_URL is not set")
	}

	ctx := context.Background()
	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

func seedProposal(t *testing.T, s *PostgresStore) (Proposal, Actor) {
	t.Helper()

	ctx := context.Background()
	user, err := s.EnsureUserByName(ctx, "Integration Runner")
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	actor := Actor{ID: user.ID, Name: user.DisplayName}

	p, err := s.CreateProposal(ctx, CreateProposalParams{
		ClientName:  "Acme",
		ProjectName: "Data Warehouse",
		Summary:     "Warehouse build-out",
		Content:     "<p>Initial draft</p>",
		Actor:       actor,
	})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	return p, actor
}

func TestVersionNumberingKeepsSingleCurrent(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()
	p, actor := seedProposal(t, s)

	if _, err := s.CreateVersion(ctx, p.ID, "<p>Second</p>", "Refined scope", actor); err != nil {
		t.Fatalf("create version 2: %v", err)
	}
	v3, err := s.CreateVersion(ctx, p.ID, "<p>Third</p>", "Added pricing", actor)
	if err != nil {
		t.Fatalf("create version 3: %v", err)
	}
	if v3.VersionNumber != 3 || !v3.IsCurrent {
		t.Fatalf("unexpected version %+v", v3)
	}

	versions, err := s.ListVersions(ctx, p.ID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(versions))
	}
	for i, v := range versions {
		if want := 3 - i; v.VersionNumber != want {
			t.Errorf("expected gapless numbering, got %d at index %d", v.VersionNumber, i)
		}
	}

	var current int
	if err := s.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM proposal_versions WHERE proposal_id=$1 AND is_current`, p.ID).Scan(&current); err != nil {
		t.Fatalf("count current versions: %v", err)
	}
	if current != 1 {
		t.Fatalf("expected exactly one current version, got %d", current)
	}

	cv, err := s.CurrentVersion(ctx, p.ID)
	if err != nil {
		t.Fatalf("current version: %v", err)
	}
	if cv.VersionNumber != 3 {
		t.Errorf("expected version 3 current, got %d", cv.VersionNumber)
	}
}

func TestAdvancePhaseWalksPipelineOnce(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()
	p, actor := seedProposal(t, s)

	var tracker ProjectTracker
	var err error
	for i := 0; i < 3; i++ {
		tracker, err = s.AdvancePhase(ctx, p.ID, "", actor)
		if err != nil {
			t.Fatalf("advance %d: %v", i+1, err)
		}
	}
	if tracker.CurrentPhase != PhaseDeployment {
		t.Fatalf("expected deployment after three advances, got %s", tracker.CurrentPhase)
	}
	if !tracker.ExploratoryCompleted || !tracker.DiscoveryCompleted || !tracker.DevelopmentCompleted {
		t.Fatalf("expected first three phases completed, got %+v", tracker)
	}
	if tracker.DeploymentCompleted || tracker.ActualCompletion != nil {
		t.Fatalf("deployment should still be open, got %+v", tracker)
	}

	tracker, err = s.AdvancePhase(ctx, p.ID, "Handover signed", actor)
	if err != nil {
		t.Fatalf("final advance: %v", err)
	}
	if !tracker.DeploymentCompleted || tracker.ActualCompletion == nil {
		t.Fatalf("expected completed deployment with a completion time, got %+v", tracker)
	}
	if tracker.CurrentPhase != PhaseDeployment {
		t.Errorf("expected phase held at deployment, got %s", tracker.CurrentPhase)
	}

	if _, err := s.AdvancePhase(ctx, p.ID, "", actor); !errors.Is(err, ErrFinalPhase) {
		t.Fatalf("expected ErrFinalPhase, got %v", err)
	}

	got, err := s.GetProposal(ctx, p.ID)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if got.CurrentPhase != PhaseDeployment {
		t.Errorf("proposal phase out of sync with tracker: %s", got.CurrentPhase)
	}
}

func TestExportAndDownloadCounters(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()
	p, actor := seedProposal(t, s)

	exp, err := s.RecordExport(ctx, RecordExportParams{
		ProposalID:      p.ID,
		Format:          "pdf",
		FileName:        "Data-Warehouse.pdf",
		ByteSize:        2048,
		VersionExported: 1,
		Actor:           actor,
	})
	if err != nil {
		t.Fatalf("record export: %v", err)
	}

	got, err := s.GetProposal(ctx, p.ID)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if got.ExportCount != 1 || got.LastExportedAt == nil {
		t.Fatalf("expected export counters bumped, got count=%d", got.ExportCount)
	}

	before, err := s.AuditLog(ctx, p.ID, "", 0)
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}

	if err := s.TrackDownload(ctx, exp.ID); err != nil {
		t.Fatalf("track download: %v", err)
	}
	stored, err := s.GetExport(ctx, exp.ID)
	if err != nil {
		t.Fatalf("get export: %v", err)
	}
	if stored.DownloadCount != 1 || stored.LastDownloadedAt == nil {
		t.Fatalf("expected download counters bumped, got %+v", stored)
	}

	after, err := s.AuditLog(ctx, p.ID, "", 0)
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}
	if len(after) != len(before) {
		t.Errorf("downloads must not write audit entries: %d before, %d after", len(before), len(after))
	}
}

func TestDuplicateProposalAuditsSourceOnly(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()
	p, actor := seedProposal(t, s)

	dup, err := s.DuplicateProposal(ctx, p.ID, "", "", actor)
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if dup.ProjectName != "Data Warehouse (Copy)" {
		t.Errorf("unexpected copy name %s", dup.ProjectName)
	}

	srcLog, err := s.AuditLog(ctx, p.ID, AuditUpdated, 0)
	if err != nil {
		t.Fatalf("source audit log: %v", err)
	}
	if len(srcLog) != 1 || srcLog[0].Details["duplicated_to"] != dup.ID {
		t.Fatalf("expected one duplication entry on the source, got %+v", srcLog)
	}

	dupLog, err := s.AuditLog(ctx, dup.ID, "", 0)
	if err != nil {
		t.Fatalf("copy audit log: %v", err)
	}
	if len(dupLog) != 0 {
		t.Fatalf("expected the copy to start with an empty trail, got %d entries", len(dupLog))
	}
}
