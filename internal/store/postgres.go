package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"prospect/api/internal/util"
)

// ErrFinalPhase is returned when a phase advance is requested for a project
// that already completed the deployment phase.
var ErrFinalPhase = errors.New("project already completed the final phase")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Actor identifies who performed a mutation, for the audit trail.
type Actor struct {
	ID   string
	Name string
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	const findUser = `SELECT id, display_name, email, created_at, updated_at FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt, &user.UpdatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	insertUser := `
		INSERT INTO users (id, display_name, email)
		VALUES ($1, $2, CONCAT(LOWER(REPLACE($2, ' ', '.')), '@local.prospect.dev'))
		RETURNING id, display_name, email, created_at, updated_at
	`
	id := util.NewID("usr")
	if err := s.db.QueryRowContext(ctx, insertUser, id, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, created_at, updated_at FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

type CreateProposalParams struct {
	ClientName   string
	ProjectName  string
	Summary      string
	Transcript   string
	Requirements map[string]any
	Content      string
	InitialPhase Phase
	Actor        Actor
}

// CreateProposal inserts the proposal root, version 1, and the project
// tracker, and writes the creation audit entry, all in one transaction.
func (s *PostgresStore) CreateProposal(ctx context.Context, params CreateProposalParams) (Proposal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Proposal{}, fmt.Errorf("begin create proposal: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	reqJSON, err := marshalRequirements(params.Requirements)
	if err != nil {
		return Proposal{}, err
	}

	phase := params.InitialPhase
	if phase == "" {
		phase = PhaseExploratory
	}
	p := Proposal{
		ID:           util.NewID("prop"),
		ClientName:   params.ClientName,
		ProjectName:  params.ProjectName,
		Status:       StatusDraft,
		CurrentPhase: phase,
		Summary:      params.Summary,
		Transcript:   params.Transcript,
		Requirements: params.Requirements,
		ShareToken:   util.NewShareToken(),
		CreatedBy:    params.Actor.ID,
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO proposals (id, client_name, project_name, status, current_phase, summary, transcript, requirements, share_token, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`, p.ID, p.ClientName, p.ProjectName, p.Status, p.CurrentPhase, p.Summary, p.Transcript, reqJSON, p.ShareToken, p.CreatedBy).
		Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Proposal{}, fmt.Errorf("insert proposal: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO proposal_versions (id, proposal_id, version_number, content, change_summary, is_current, created_by)
		VALUES ($1, $2, 1, $3, 'Initial version', TRUE, $4)
	`, util.NewID("ver"), p.ID, params.Content, params.Actor.ID); err != nil {
		return Proposal{}, fmt.Errorf("insert initial version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO project_trackers (id, proposal_id, current_phase)
		VALUES ($1, $2, $3)
	`, util.NewID("trk"), p.ID, phase); err != nil {
		return Proposal{}, fmt.Errorf("insert tracker: %w", err)
	}

	if err := appendAuditTx(ctx, tx, AuditEntry{
		ProposalID:  p.ID,
		Action:      AuditCreated,
		ActorID:     params.Actor.ID,
		ActorName:   params.Actor.Name,
		Description: fmt.Sprintf("Created proposal for %s", p.ClientName),
		Details:     map[string]any{"project_name": p.ProjectName},
	}); err != nil {
		return Proposal{}, err
	}

	if err := tx.Commit(); err != nil {
		return Proposal{}, fmt.Errorf("commit create proposal: %w", err)
	}
	return p, nil
}

const proposalColumns = `id, client_name, project_name, status, current_phase, summary, transcript, requirements, share_token, export_count, last_exported_at, created_by, created_at, updated_at`

func scanProposal(row interface{ Scan(...any) error }) (Proposal, error) {
	var p Proposal
	var reqJSON []byte
	err := row.Scan(&p.ID, &p.ClientName, &p.ProjectName, &p.Status, &p.CurrentPhase,
		&p.Summary, &p.Transcript, &reqJSON, &p.ShareToken, &p.ExportCount,
		&p.LastExportedAt, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Proposal{}, err
	}
	if len(reqJSON) > 0 {
		if err := json.Unmarshal(reqJSON, &p.Requirements); err != nil {
			return Proposal{}, fmt.Errorf("decode requirements: %w", err)
		}
	}
	return p, nil
}

func (s *PostgresStore) GetProposal(ctx context.Context, proposalID string) (Proposal, error) {
	return scanProposal(s.db.QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE id=$1`, proposalID))
}

func (s *PostgresStore) GetProposalByPublicToken(ctx context.Context, token string) (Proposal, error) {
	return scanProposal(s.db.QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE share_token=$1`, token))
}

type ProposalFilter struct {
	Phase  Phase
	Status Status
	Limit  int
	Offset int
}

func (s *PostgresStore) ListProposals(ctx context.Context, filter ProposalFilter) ([]Proposal, error) {
	where := []string{}
	args := []any{}
	if filter.Phase != "" {
		args = append(args, filter.Phase)
		where = append(where, fmt.Sprintf("current_phase = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + proposalColumns + ` FROM proposals`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	items := make([]Proposal, 0)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proposals: %w", err)
	}
	return items, nil
}

// UpdateProposalStatus changes the review status and audits the transition.
func (s *PostgresStore) UpdateProposalStatus(ctx context.Context, proposalID string, status Status, actor Actor) (Proposal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Proposal{}, fmt.Errorf("begin status update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := scanProposal(tx.QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE id=$1 FOR UPDATE`, proposalID))
	if err != nil {
		return Proposal{}, err
	}

	p, err := scanProposal(tx.QueryRowContext(ctx, `
		UPDATE proposals SET status=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING `+proposalColumns, proposalID, status))
	if err != nil {
		return Proposal{}, fmt.Errorf("update status: %w", err)
	}

	if err := appendAuditTx(ctx, tx, AuditEntry{
		ProposalID:  proposalID,
		Action:      AuditStatusChanged,
		ActorID:     actor.ID,
		ActorName:   actor.Name,
		Description: fmt.Sprintf("Status changed from %s to %s", prev.Status, status),
		Details:     map[string]any{"from": string(prev.Status), "to": string(status)},
	}); err != nil {
		return Proposal{}, err
	}

	if err := tx.Commit(); err != nil {
		return Proposal{}, fmt.Errorf("commit status update: %w", err)
	}
	return p, nil
}

// CreateVersion appends a new version as the current one. The proposal row is
// locked first so concurrent writers cannot compute the same version number.
func (s *PostgresStore) CreateVersion(ctx context.Context, proposalID, content, changeSummary string, actor Actor) (ProposalVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ProposalVersion{}, fmt.Errorf("begin create version: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var lockedID string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM proposals WHERE id=$1 FOR UPDATE`, proposalID).Scan(&lockedID); err != nil {
		return ProposalVersion{}, err
	}

	var nextNumber int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version_number), 0) + 1 FROM proposal_versions WHERE proposal_id=$1
	`, proposalID).Scan(&nextNumber); err != nil {
		return ProposalVersion{}, fmt.Errorf("next version number: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE proposal_versions SET is_current=FALSE WHERE proposal_id=$1 AND is_current
	`, proposalID); err != nil {
		return ProposalVersion{}, fmt.Errorf("clear current version: %w", err)
	}

	v := ProposalVersion{
		ID:            util.NewID("ver"),
		ProposalID:    proposalID,
		VersionNumber: nextNumber,
		Content:       content,
		ChangeSummary: changeSummary,
		IsCurrent:     true,
		CreatedBy:     actor.ID,
	}
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO proposal_versions (id, proposal_id, version_number, content, change_summary, is_current, created_by)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6)
		RETURNING created_at
	`, v.ID, v.ProposalID, v.VersionNumber, v.Content, v.ChangeSummary, v.CreatedBy).Scan(&v.CreatedAt); err != nil {
		return ProposalVersion{}, fmt.Errorf("insert version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE proposals SET updated_at=NOW() WHERE id=$1`, proposalID); err != nil {
		return ProposalVersion{}, fmt.Errorf("touch proposal: %w", err)
	}

	if err := appendAuditTx(ctx, tx, AuditEntry{
		ProposalID:  proposalID,
		Action:      AuditVersionCreated,
		ActorID:     actor.ID,
		ActorName:   actor.Name,
		Description: fmt.Sprintf("Created version %d", v.VersionNumber),
		Details:     map[string]any{"version_number": v.VersionNumber, "change_summary": changeSummary},
	}); err != nil {
		return ProposalVersion{}, err
	}

	if err := tx.Commit(); err != nil {
		return ProposalVersion{}, fmt.Errorf("commit create version: %w", err)
	}
	return v, nil
}

const versionColumns = `id, proposal_id, version_number, content, change_summary, is_current, created_by, created_at`

func (s *PostgresStore) ListVersions(ctx context.Context, proposalID string) ([]ProposalVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+` FROM proposal_versions
		WHERE proposal_id=$1
		ORDER BY version_number DESC
	`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]ProposalVersion, 0)
	for rows.Next() {
		var v ProposalVersion
		if err := rows.Scan(&v.ID, &v.ProposalID, &v.VersionNumber, &v.Content, &v.ChangeSummary, &v.IsCurrent, &v.CreatedBy, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CurrentVersion(ctx context.Context, proposalID string) (ProposalVersion, error) {
	var v ProposalVersion
	err := s.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+` FROM proposal_versions
		WHERE proposal_id=$1 AND is_current
	`, proposalID).Scan(&v.ID, &v.ProposalID, &v.VersionNumber, &v.Content, &v.ChangeSummary, &v.IsCurrent, &v.CreatedBy, &v.CreatedAt)
	if err != nil {
		return ProposalVersion{}, err
	}
	return v, nil
}

const trackerColumns = `id, proposal_id, current_phase, exploratory_completed, discovery_completed, development_completed, deployment_completed, actual_completion, created_at, updated_at`

func scanTracker(row interface{ Scan(...any) error }) (ProjectTracker, error) {
	var t ProjectTracker
	err := row.Scan(&t.ID, &t.ProposalID, &t.CurrentPhase, &t.ExploratoryCompleted,
		&t.DiscoveryCompleted, &t.DevelopmentCompleted, &t.DeploymentCompleted,
		&t.ActualCompletion, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return ProjectTracker{}, err
	}
	return t, nil
}

func (s *PostgresStore) GetTracker(ctx context.Context, proposalID string) (ProjectTracker, error) {
	return scanTracker(s.db.QueryRowContext(ctx,
		`SELECT `+trackerColumns+` FROM project_trackers WHERE proposal_id=$1`, proposalID))
}

// AdvancePhase marks the current phase completed and moves the project to the
// successor phase. The tracker row is locked so concurrent advances serialize;
// the loser re-reads committed state and advances from there.
func (s *PostgresStore) AdvancePhase(ctx context.Context, proposalID, notes string, actor Actor) (ProjectTracker, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ProjectTracker{}, fmt.Errorf("begin advance phase: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	t, err := scanTracker(tx.QueryRowContext(ctx,
		`SELECT `+trackerColumns+` FROM project_trackers WHERE proposal_id=$1 FOR UPDATE`, proposalID))
	if err != nil {
		return ProjectTracker{}, err
	}

	from := t.CurrentPhase
	if from == PhaseDeployment && t.DeploymentCompleted {
		return ProjectTracker{}, ErrFinalPhase
	}

	next, hasNext := from.Successor()
	column := completedColumn(from)

	var description string
	set := "current_phase=$2, " + column + "=TRUE, updated_at=NOW()"
	if hasNext {
		description = fmt.Sprintf("Advanced project from %s to %s", from, next)
	} else {
		description = fmt.Sprintf("Completed final phase %s", from)
		set += ", actual_completion=NOW()"
	}

	t, err = scanTracker(tx.QueryRowContext(ctx, `
		UPDATE project_trackers
		SET `+set+`
		WHERE proposal_id=$1
		RETURNING `+trackerColumns, proposalID, next))
	if err != nil {
		return ProjectTracker{}, fmt.Errorf("update tracker: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE proposals SET current_phase=$2, updated_at=NOW() WHERE id=$1
	`, proposalID, next); err != nil {
		return ProjectTracker{}, fmt.Errorf("update proposal phase: %w", err)
	}

	details := map[string]any{"from_phase": string(from), "to_phase": string(next)}
	if notes != "" {
		details["completion_notes"] = notes
	}
	if err := appendAuditTx(ctx, tx, AuditEntry{
		ProposalID:  proposalID,
		Action:      AuditStatusChanged,
		ActorID:     actor.ID,
		ActorName:   actor.Name,
		Description: description,
		Details:     details,
	}); err != nil {
		return ProjectTracker{}, err
	}

	if err := tx.Commit(); err != nil {
		return ProjectTracker{}, fmt.Errorf("commit advance phase: %w", err)
	}
	return t, nil
}

func completedColumn(p Phase) string {
	switch p {
	case PhaseExploratory:
		return "exploratory_completed"
	case PhaseDiscovery:
		return "discovery_completed"
	case PhaseDevelopment:
		return "development_completed"
	default:
		return "deployment_completed"
	}
}

type CreateShareParams struct {
	ProposalID      string
	SharedWithUser  *string
	SharedWithEmail *string
	PermissionLevel PermissionLevel
	CanDownload     bool
	CanComment      bool
	PasswordHash    *string
	ExpiresAt       *time.Time
	Actor           Actor
}

func (s *PostgresStore) CreateShare(ctx context.Context, params CreateShareParams) (ProposalShare, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ProposalShare{}, fmt.Errorf("begin create share: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var lockedID string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM proposals WHERE id=$1`, params.ProposalID).Scan(&lockedID); err != nil {
		return ProposalShare{}, err
	}

	sh := ProposalShare{
		ID:              util.NewID("shr"),
		ProposalID:      params.ProposalID,
		SharedWithUser:  params.SharedWithUser,
		SharedWithEmail: params.SharedWithEmail,
		PermissionLevel: params.PermissionLevel,
		CanDownload:     params.CanDownload,
		CanComment:      params.CanComment,
		ShareToken:      util.NewShareToken(),
		PasswordHash:    params.PasswordHash,
		IsActive:        true,
		ExpiresAt:       params.ExpiresAt,
		CreatedBy:       params.Actor.ID,
	}
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO proposal_shares (id, proposal_id, shared_with_user, shared_with_email, permission_level, can_download, can_comment, share_token, password_hash, is_active, expires_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE, $10, $11)
		RETURNING created_at
	`, sh.ID, sh.ProposalID, sh.SharedWithUser, sh.SharedWithEmail, sh.PermissionLevel,
		sh.CanDownload, sh.CanComment, sh.ShareToken, sh.PasswordHash, sh.ExpiresAt, sh.CreatedBy).Scan(&sh.CreatedAt); err != nil {
		return ProposalShare{}, fmt.Errorf("insert share: %w", err)
	}

	recipient := ""
	if sh.SharedWithUser != nil {
		recipient = *sh.SharedWithUser
	} else if sh.SharedWithEmail != nil {
		recipient = *sh.SharedWithEmail
	}
	if err := appendAuditTx(ctx, tx, AuditEntry{
		ProposalID:  params.ProposalID,
		Action:      AuditShared,
		ActorID:     params.Actor.ID,
		ActorName:   params.Actor.Name,
		Description: fmt.Sprintf("Shared with %s (%s)", recipient, sh.PermissionLevel),
		Details:     map[string]any{"share_id": sh.ID, "permission_level": string(sh.PermissionLevel)},
	}); err != nil {
		return ProposalShare{}, err
	}

	if err := tx.Commit(); err != nil {
		return ProposalShare{}, fmt.Errorf("commit create share: %w", err)
	}
	return sh, nil
}

const shareColumns = `id, proposal_id, shared_with_user, shared_with_email, permission_level, can_download, can_comment, share_token, password_hash, is_active, expires_at, access_count, last_accessed_at, created_by, created_at, revoked_at`

func scanShare(row interface{ Scan(...any) error }) (ProposalShare, error) {
	var sh ProposalShare
	err := row.Scan(&sh.ID, &sh.ProposalID, &sh.SharedWithUser, &sh.SharedWithEmail,
		&sh.PermissionLevel, &sh.CanDownload, &sh.CanComment, &sh.ShareToken, &sh.PasswordHash,
		&sh.IsActive, &sh.ExpiresAt, &sh.AccessCount, &sh.LastAccessedAt, &sh.CreatedBy,
		&sh.CreatedAt, &sh.RevokedAt)
	if err != nil {
		return ProposalShare{}, err
	}
	return sh, nil
}

// RevokeShare deactivates a share. Revoking an already-inactive share is a
// no-op that writes no audit entry.
func (s *PostgresStore) RevokeShare(ctx context.Context, shareID string, actor Actor) (ProposalShare, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ProposalShare{}, fmt.Errorf("begin revoke share: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sh, err := scanShare(tx.QueryRowContext(ctx,
		`SELECT `+shareColumns+` FROM proposal_shares WHERE id=$1 FOR UPDATE`, shareID))
	if err != nil {
		return ProposalShare{}, err
	}

	if !sh.IsActive {
		if err := tx.Commit(); err != nil {
			return ProposalShare{}, fmt.Errorf("commit revoke share: %w", err)
		}
		return sh, nil
	}

	sh, err = scanShare(tx.QueryRowContext(ctx, `
		UPDATE proposal_shares SET is_active=FALSE, revoked_at=NOW()
		WHERE id=$1
		RETURNING `+shareColumns, shareID))
	if err != nil {
		return ProposalShare{}, fmt.Errorf("revoke share: %w", err)
	}

	if err := appendAuditTx(ctx, tx, AuditEntry{
		ProposalID:  sh.ProposalID,
		Action:      AuditAccessRevoked,
		ActorID:     actor.ID,
		ActorName:   actor.Name,
		Description: "Share access revoked",
		Details:     map[string]any{"share_id": sh.ID},
	}); err != nil {
		return ProposalShare{}, err
	}

	if err := tx.Commit(); err != nil {
		return ProposalShare{}, fmt.Errorf("commit revoke share: %w", err)
	}
	return sh, nil
}

func (s *PostgresStore) ListShares(ctx context.Context, proposalID string) ([]ProposalShare, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+shareColumns+` FROM proposal_shares
		WHERE proposal_id=$1
		ORDER BY created_at DESC
	`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	defer rows.Close()

	items := make([]ProposalShare, 0)
	for rows.Next() {
		sh, err := scanShare(rows)
		if err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		items = append(items, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shares: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetShare(ctx context.Context, shareID string) (ProposalShare, error) {
	return scanShare(s.db.QueryRowContext(ctx,
		`SELECT `+shareColumns+` FROM proposal_shares WHERE id=$1`, shareID))
}

func (s *PostgresStore) GetShareByToken(ctx context.Context, token string) (ProposalShare, error) {
	return scanShare(s.db.QueryRowContext(ctx,
		`SELECT `+shareColumns+` FROM proposal_shares WHERE share_token=$1`, token))
}

// TouchShareAccess bumps the share's access counters and records the access.
func (s *PostgresStore) TouchShareAccess(ctx context.Context, shareID string, actorName string) (ProposalShare, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ProposalShare{}, fmt.Errorf("begin touch share: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sh, err := scanShare(tx.QueryRowContext(ctx, `
		UPDATE proposal_shares SET access_count=access_count+1, last_accessed_at=NOW()
		WHERE id=$1
		RETURNING `+shareColumns, shareID))
	if err != nil {
		return ProposalShare{}, err
	}

	if err := appendAuditTx(ctx, tx, AuditEntry{
		ProposalID:  sh.ProposalID,
		Action:      AuditAccessGranted,
		ActorName:   actorName,
		Description: "Shared proposal accessed",
		Details:     map[string]any{"share_id": sh.ID, "access_count": sh.AccessCount},
	}); err != nil {
		return ProposalShare{}, err
	}

	if err := tx.Commit(); err != nil {
		return ProposalShare{}, fmt.Errorf("commit touch share: %w", err)
	}
	return sh, nil
}

type RecordExportParams struct {
	ProposalID      string
	Format          string
	FileName        string
	StoragePath     string
	ByteSize        int64
	VersionExported int
	Actor           Actor
}

// RecordExport stores the export row and bumps the proposal's export counters
// in the same transaction as the audit entry.
func (s *PostgresStore) RecordExport(ctx context.Context, params RecordExportParams) (ProposalExport, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ProposalExport{}, fmt.Errorf("begin record export: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	e := ProposalExport{
		ID:              util.NewID("exp"),
		ProposalID:      params.ProposalID,
		Format:          params.Format,
		FileName:        params.FileName,
		StoragePath:     params.StoragePath,
		ByteSize:        params.ByteSize,
		VersionExported: params.VersionExported,
		ExportedBy:      params.Actor.ID,
	}
	if e.VersionExported <= 0 {
		e.VersionExported = 1
	}
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO proposal_exports (id, proposal_id, format, file_name, storage_path, byte_size, version_exported, exported_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, e.ID, e.ProposalID, e.Format, e.FileName, e.StoragePath, e.ByteSize, e.VersionExported, e.ExportedBy).Scan(&e.CreatedAt); err != nil {
		return ProposalExport{}, fmt.Errorf("insert export: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE proposals SET export_count=export_count+1, last_exported_at=NOW(), updated_at=NOW()
		WHERE id=$1
	`, params.ProposalID)
	if err != nil {
		return ProposalExport{}, fmt.Errorf("bump export count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ProposalExport{}, sql.ErrNoRows
	}

	if err := appendAuditTx(ctx, tx, AuditEntry{
		ProposalID:  params.ProposalID,
		Action:      AuditExported,
		ActorID:     params.Actor.ID,
		ActorName:   params.Actor.Name,
		Description: fmt.Sprintf("Exported as %s", params.Format),
		Details:     map[string]any{"format": params.Format, "file_name": params.FileName},
	}); err != nil {
		return ProposalExport{}, err
	}

	if err := tx.Commit(); err != nil {
		return ProposalExport{}, fmt.Errorf("commit record export: %w", err)
	}
	return e, nil
}

// TrackDownload bumps the download counter. Downloads are not audited.
func (s *PostgresStore) TrackDownload(ctx context.Context, exportID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE proposal_exports SET download_count=download_count+1, last_downloaded_at=NOW() WHERE id=$1
	`, exportID)
	if err != nil {
		return fmt.Errorf("track download: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

const exportColumns = `id, proposal_id, format, file_name, storage_path, byte_size, version_exported, download_count, last_downloaded_at, exported_by, created_at`

func scanExport(row interface{ Scan(...any) error }) (ProposalExport, error) {
	var e ProposalExport
	err := row.Scan(&e.ID, &e.ProposalID, &e.Format, &e.FileName, &e.StoragePath,
		&e.ByteSize, &e.VersionExported, &e.DownloadCount, &e.LastDownloadedAt,
		&e.ExportedBy, &e.CreatedAt)
	if err != nil {
		return ProposalExport{}, err
	}
	return e, nil
}

func (s *PostgresStore) GetExport(ctx context.Context, exportID string) (ProposalExport, error) {
	return scanExport(s.db.QueryRowContext(ctx,
		`SELECT `+exportColumns+` FROM proposal_exports WHERE id=$1`, exportID))
}

func (s *PostgresStore) ListExports(ctx context.Context, proposalID string) ([]ProposalExport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+exportColumns+` FROM proposal_exports
		WHERE proposal_id=$1
		ORDER BY created_at DESC
	`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list exports: %w", err)
	}
	defer rows.Close()

	items := make([]ProposalExport, 0)
	for rows.Next() {
		e, err := scanExport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan export: %w", err)
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exports: %w", err)
	}
	return items, nil
}

// AppendAudit writes a standalone audit entry. Used for mutations that touch
// no other rows, like milestone updates.
func (s *PostgresStore) AppendAudit(ctx context.Context, entry AuditEntry) error {
	detailsJSON, err := marshalDetails(entry.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO proposal_audit_log (proposal_id, action, actor_id, actor_name, description, details)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ProposalID, entry.Action, entry.ActorID, entry.ActorName, entry.Description, detailsJSON)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *PostgresStore) AuditLog(ctx context.Context, proposalID, action string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, proposal_id, action, actor_id, actor_name, description, details, created_at
		FROM proposal_audit_log
		WHERE proposal_id=$1
	`
	args := []any{proposalID}
	if action != "" {
		query += ` AND action=$2`
		args = append(args, action)
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	items := make([]AuditEntry, 0)
	for rows.Next() {
		var entry AuditEntry
		var detailsJSON []byte
		if err := rows.Scan(&entry.ID, &entry.ProposalID, &entry.Action, &entry.ActorID, &entry.ActorName, &entry.Description, &detailsJSON, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &entry.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
		}
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log: %w", err)
	}
	return items, nil
}

// Analytics summarizes one proposal's activity.
type Analytics struct {
	ProposalID       string
	TotalEvents      int
	ActionCounts     map[string]int
	VersionCount     int
	CurrentVersion   int
	ShareCount       int
	ActiveShareCount int
	TotalAccessCount int
	ExportCount      int
	FormatsUsed      []string
	TotalDownloads   int
	LastActivityAt   *time.Time
	RecentEntries    []AuditEntry
}

func (s *PostgresStore) AnalyticsSummary(ctx context.Context, proposalID string) (Analytics, error) {
	a := Analytics{ProposalID: proposalID, ActionCounts: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT action, COUNT(*) FROM proposal_audit_log
		WHERE proposal_id=$1
		GROUP BY action
	`, proposalID)
	if err != nil {
		return Analytics{}, fmt.Errorf("audit counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var action string
		var count int
		if err := rows.Scan(&action, &count); err != nil {
			return Analytics{}, fmt.Errorf("scan audit count: %w", err)
		}
		a.ActionCounts[action] = count
		a.TotalEvents += count
	}
	if err := rows.Err(); err != nil {
		return Analytics{}, fmt.Errorf("iterate audit counts: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM proposal_versions WHERE proposal_id=$1),
			(SELECT COALESCE(MAX(version_number), 0) FROM proposal_versions WHERE proposal_id=$1 AND is_current),
			(SELECT COUNT(*) FROM proposal_shares WHERE proposal_id=$1),
			(SELECT COUNT(*) FROM proposal_shares WHERE proposal_id=$1 AND is_active),
			(SELECT COALESCE(SUM(access_count), 0) FROM proposal_shares WHERE proposal_id=$1),
			(SELECT COUNT(*) FROM proposal_exports WHERE proposal_id=$1),
			(SELECT COALESCE(SUM(download_count), 0) FROM proposal_exports WHERE proposal_id=$1),
			(SELECT MAX(created_at) FROM proposal_audit_log WHERE proposal_id=$1)
	`, proposalID).Scan(&a.VersionCount, &a.CurrentVersion, &a.ShareCount, &a.ActiveShareCount,
		&a.TotalAccessCount, &a.ExportCount, &a.TotalDownloads, &a.LastActivityAt)
	if err != nil {
		return Analytics{}, fmt.Errorf("analytics counts: %w", err)
	}

	formatRows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT format FROM proposal_exports WHERE proposal_id=$1 ORDER BY format
	`, proposalID)
	if err != nil {
		return Analytics{}, fmt.Errorf("export formats: %w", err)
	}
	defer formatRows.Close()
	a.FormatsUsed = make([]string, 0)
	for formatRows.Next() {
		var format string
		if err := formatRows.Scan(&format); err != nil {
			return Analytics{}, fmt.Errorf("scan export format: %w", err)
		}
		a.FormatsUsed = append(a.FormatsUsed, format)
	}
	if err := formatRows.Err(); err != nil {
		return Analytics{}, fmt.Errorf("iterate export formats: %w", err)
	}

	recent, err := s.AuditLog(ctx, proposalID, "", 5)
	if err != nil {
		return Analytics{}, err
	}
	a.RecentEntries = recent
	return a, nil
}

// DashboardStats aggregates proposal counts for the dashboard view.
type DashboardStats struct {
	TotalProposals int
	ByPhase        map[Phase]int
	ByStatus       map[Status]int
	Recent         []Proposal
}

func (s *PostgresStore) DashboardStats(ctx context.Context) (DashboardStats, error) {
	stats := DashboardStats{
		ByPhase:  make(map[Phase]int),
		ByStatus: make(map[Status]int),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT current_phase, status, COUNT(*) FROM proposals
		GROUP BY current_phase, status
	`)
	if err != nil {
		return DashboardStats{}, fmt.Errorf("dashboard counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var phase Phase
		var status Status
		var count int
		if err := rows.Scan(&phase, &status, &count); err != nil {
			return DashboardStats{}, fmt.Errorf("scan dashboard count: %w", err)
		}
		stats.ByPhase[phase] += count
		stats.ByStatus[status] += count
		stats.TotalProposals += count
	}
	if err := rows.Err(); err != nil {
		return DashboardStats{}, fmt.Errorf("iterate dashboard counts: %w", err)
	}

	recent, err := s.ListProposals(ctx, ProposalFilter{Limit: 10})
	if err != nil {
		return DashboardStats{}, err
	}
	stats.Recent = recent
	return stats, nil
}

// DuplicateProposal copies the proposal root, its current content as version 1
// of the copy, and the tracker state. Shares, exports, and audit history are
// not copied. The source gets an audit entry pointing at the copy. Empty name
// overrides keep the source names, with " (Copy)" appended to the project.
func (s *PostgresStore) DuplicateProposal(ctx context.Context, sourceID, newProjectName, newClientName string, actor Actor) (Proposal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Proposal{}, fmt.Errorf("begin duplicate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	src, err := scanProposal(tx.QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE id=$1`, sourceID))
	if err != nil {
		return Proposal{}, err
	}

	var content string
	err = tx.QueryRowContext(ctx, `
		SELECT content FROM proposal_versions WHERE proposal_id=$1 AND is_current
	`, sourceID).Scan(&content)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Proposal{}, fmt.Errorf("read current content: %w", err)
	}

	srcTracker, err := scanTracker(tx.QueryRowContext(ctx,
		`SELECT `+trackerColumns+` FROM project_trackers WHERE proposal_id=$1`, sourceID))
	if err != nil {
		return Proposal{}, fmt.Errorf("read source tracker: %w", err)
	}

	reqJSON, err := marshalRequirements(src.Requirements)
	if err != nil {
		return Proposal{}, err
	}

	dup := src
	dup.ID = util.NewID("prop")
	dup.ProjectName = src.ProjectName + " (Copy)"
	if newProjectName != "" {
		dup.ProjectName = newProjectName
	}
	if newClientName != "" {
		dup.ClientName = newClientName
	}
	dup.Status = StatusDraft
	dup.ShareToken = util.NewShareToken()
	dup.ExportCount = 0
	dup.LastExportedAt = nil
	dup.CreatedBy = actor.ID

	err = tx.QueryRowContext(ctx, `
		INSERT INTO proposals (id, client_name, project_name, status, current_phase, summary, transcript, requirements, share_token, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`, dup.ID, dup.ClientName, dup.ProjectName, dup.Status, dup.CurrentPhase, dup.Summary,
		dup.Transcript, reqJSON, dup.ShareToken, dup.CreatedBy).Scan(&dup.CreatedAt, &dup.UpdatedAt)
	if err != nil {
		return Proposal{}, fmt.Errorf("insert duplicate: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO proposal_versions (id, proposal_id, version_number, content, change_summary, is_current, created_by)
		VALUES ($1, $2, 1, $3, $4, TRUE, $5)
	`, util.NewID("ver"), dup.ID, content, fmt.Sprintf("Duplicated from %s", src.ProjectName), actor.ID); err != nil {
		return Proposal{}, fmt.Errorf("insert duplicate version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO project_trackers (id, proposal_id, current_phase, exploratory_completed, discovery_completed, development_completed, deployment_completed)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, util.NewID("trk"), dup.ID, srcTracker.CurrentPhase, srcTracker.ExploratoryCompleted,
		srcTracker.DiscoveryCompleted, srcTracker.DevelopmentCompleted, srcTracker.DeploymentCompleted); err != nil {
		return Proposal{}, fmt.Errorf("insert duplicate tracker: %w", err)
	}

	if err := appendAuditTx(ctx, tx, AuditEntry{
		ProposalID:  src.ID,
		Action:      AuditUpdated,
		ActorID:     actor.ID,
		ActorName:   actor.Name,
		Description: "Proposal duplicated",
		Details:     map[string]any{"duplicated_to": dup.ID},
	}); err != nil {
		return Proposal{}, err
	}

	if err := tx.Commit(); err != nil {
		return Proposal{}, fmt.Errorf("commit duplicate: %w", err)
	}
	return dup, nil
}

// DeleteProposal removes the proposal and everything hanging off it via
// cascading foreign keys. Returns false when nothing was deleted.
func (s *PostgresStore) DeleteProposal(ctx context.Context, proposalID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM proposals WHERE id=$1`, proposalID)
	if err != nil {
		return false, fmt.Errorf("delete proposal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete proposal rows: %w", err)
	}
	return n > 0, nil
}

func appendAuditTx(ctx context.Context, tx *sql.Tx, entry AuditEntry) error {
	detailsJSON, err := marshalDetails(entry.Details)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO proposal_audit_log (proposal_id, action, actor_id, actor_name, description, details)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ProposalID, entry.Action, entry.ActorID, entry.ActorName, entry.Description, detailsJSON)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func marshalRequirements(reqs map[string]any) ([]byte, error) {
	if reqs == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("encode requirements: %w", err)
	}
	return b, nil
}

func marshalDetails(details map[string]any) ([]byte, error) {
	if details == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("encode audit details: %w", err)
	}
	return b, nil
}
