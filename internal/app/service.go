package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"prospect/api/internal/auth"
	"prospect/api/internal/blobstore"
	"prospect/api/internal/config"
	"prospect/api/internal/email"
	"prospect/api/internal/export"
	"prospect/api/internal/genai"
	"prospect/api/internal/search"
	"prospect/api/internal/sharecache"
	"prospect/api/internal/store"
	"prospect/api/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	JTI       string
	ExpiresAt time.Time
}

type LoginInput struct {
	Name string `json:"name"`
}

type CreateProposalInput struct {
	ClientName   string         `json:"clientName"`
	ProjectName  string         `json:"projectName"`
	Summary      string         `json:"summary"`
	Transcript   string         `json:"transcript"`
	Requirements map[string]any `json:"requirements"`
	InitialPhase string         `json:"initialPhase"`
}

type UpdateStatusInput struct {
	Status string `json:"status"`
}

type DuplicateInput struct {
	NewProjectName string `json:"newProjectName"`
	NewClientName  string `json:"newClientName"`
}

type AdvancePhaseInput struct {
	CompletionNotes string `json:"completionNotes"`
}

type CreateVersionInput struct {
	Content       string `json:"content"`
	ChangeSummary string `json:"changeSummary"`
}

type AddBlockInput struct {
	Title    string `json:"title"`
	BodyHTML string `json:"bodyHtml"`
	BlockID  string `json:"blockId"`
	Position *int   `json:"position"`
}

type ContextUpdateInput struct {
	Summary      *string        `json:"summary"`
	Requirements map[string]any `json:"requirements"`
	TargetPhase  string         `json:"targetPhase"`
}

type MilestoneInput struct {
	Phase     string `json:"phase"`
	Milestone string `json:"milestone"`
	Status    string `json:"status"`
	Notes     string `json:"notes"`
}

type CreateShareInput struct {
	SharedWithUser  string `json:"sharedWithUser"`
	SharedWithEmail string `json:"sharedWithEmail"`
	PermissionLevel string `json:"permissionLevel"`
	CanDownload     *bool  `json:"canDownload"`
	CanComment      bool   `json:"canComment"`
	Password        string `json:"password"`
	ExpiresInDays   int    `json:"expiresInDays"`
}

// dataStore is the persistence surface the service depends on. PostgresStore
// implements it; tests substitute a fake.
type dataStore interface {
	Ping(context.Context) error
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	CreateProposal(context.Context, store.CreateProposalParams) (store.Proposal, error)
	GetProposal(context.Context, string) (store.Proposal, error)
	GetProposalByPublicToken(context.Context, string) (store.Proposal, error)
	ListProposals(context.Context, store.ProposalFilter) ([]store.Proposal, error)
	UpdateProposalStatus(context.Context, string, store.Status, store.Actor) (store.Proposal, error)
	CreateVersion(ctx context.Context, proposalID, content, changeSummary string, actor store.Actor) (store.ProposalVersion, error)
	ListVersions(context.Context, string) ([]store.ProposalVersion, error)
	CurrentVersion(context.Context, string) (store.ProposalVersion, error)
	GetTracker(context.Context, string) (store.ProjectTracker, error)
	AdvancePhase(ctx context.Context, proposalID, notes string, actor store.Actor) (store.ProjectTracker, error)
	CreateShare(context.Context, store.CreateShareParams) (store.ProposalShare, error)
	RevokeShare(context.Context, string, store.Actor) (store.ProposalShare, error)
	ListShares(context.Context, string) ([]store.ProposalShare, error)
	GetShare(context.Context, string) (store.ProposalShare, error)
	GetShareByToken(context.Context, string) (store.ProposalShare, error)
	TouchShareAccess(ctx context.Context, shareID, actorName string) (store.ProposalShare, error)
	RecordExport(context.Context, store.RecordExportParams) (store.ProposalExport, error)
	GetExport(context.Context, string) (store.ProposalExport, error)
	TrackDownload(context.Context, string) error
	ListExports(context.Context, string) ([]store.ProposalExport, error)
	AppendAudit(context.Context, store.AuditEntry) error
	AuditLog(ctx context.Context, proposalID, action string, limit int) ([]store.AuditEntry, error)
	AnalyticsSummary(context.Context, string) (store.Analytics, error)
	DashboardStats(context.Context) (store.DashboardStats, error)
	DuplicateProposal(ctx context.Context, sourceID, newProjectName, newClientName string, actor store.Actor) (store.Proposal, error)
	DeleteProposal(context.Context, string) (bool, error)
}

type contentGenerator interface {
	Generate(context.Context, genai.Request) (string, error)
	ExtractRequirements(context.Context, string) (map[string]any, error)
}

type documentExporter interface {
	Export(export.Document, export.Format) (*export.Result, error)
}

type searchIndex interface {
	Search(search.Query) search.Response
	IndexProposal(search.ProposalRecord)
	DeleteProposal(string)
}

type shareCache interface {
	Save(ctx context.Context, token string, entry sharecache.Entry, expiresAt *time.Time) error
	Lookup(ctx context.Context, token string) (sharecache.Entry, error)
	Invalidate(ctx context.Context, token string) error
}

type mailer interface {
	IsConfigured() bool
	SendShareNotification(to string, data email.ShareNotificationData) error
}

type blobUploader interface {
	Upload(ctx context.Context, objectName string, data []byte, contentType string) (string, error)
	Download(ctx context.Context, objectName string) ([]byte, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	gen      contentGenerator
	exporter documentExporter
	search   searchIndex
	cache    shareCache
	mail     mailer
	blobs    blobUploader
}

func New(cfg config.Config, st *store.PostgresStore, gen *genai.Generator, exp *export.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		gen:      gen,
		exporter: exp,
	}
}

// WithSearch wires the search facade. Safe to call with nil.
func (s *Service) WithSearch(idx *search.Service) *Service {
	if idx != nil {
		s.search = idx
	}
	return s
}

// WithShareCache wires the Redis share-token cache. Safe to call with nil.
func (s *Service) WithShareCache(c *sharecache.RedisStore) *Service {
	if c != nil {
		s.cache = c
	}
	return s
}

// WithMailer wires outbound email. Safe to call with nil.
func (s *Service) WithMailer(m *email.Service) *Service {
	if m != nil {
		s.mail = m
	}
	return s
}

// WithBlobstore wires object storage for export artifacts. Safe to call with nil.
func (s *Service) WithBlobstore(b *blobstore.Service) *Service {
	if b != nil {
		s.blobs = b
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Login(ctx context.Context, input LoginInput) (Session, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return Session{}, validationError("name is required", nil)
	}

	user, err := s.store.EnsureUserByName(ctx, name)
	if err != nil {
		return Session{}, fmt.Errorf("ensure user: %w", err)
	}

	jti := util.NewID("jti")
	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) actor(sess Session) store.Actor {
	return store.Actor{ID: sess.UserID, Name: sess.UserName}
}

func (s *Service) CreateProposal(ctx context.Context, sess Session, input CreateProposalInput) (map[string]any, error) {
	if strings.TrimSpace(input.ClientName) == "" {
		return nil, validationError("clientName is required", nil)
	}
	if strings.TrimSpace(input.ProjectName) == "" {
		return nil, validationError("projectName is required", nil)
	}
	initialPhase := store.PhaseExploratory
	if input.InitialPhase != "" {
		initialPhase = store.Phase(input.InitialPhase)
		if !initialPhase.Valid() {
			return nil, validationError("unknown phase", map[string]any{"phase": input.InitialPhase})
		}
	}

	requirements := input.Requirements
	if len(requirements) == 0 && strings.TrimSpace(input.Transcript) != "" && s.gen != nil {
		extracted, err := s.gen.ExtractRequirements(ctx, input.Transcript)
		if err == nil {
			requirements = extracted
		}
	}

	content := ""
	if s.gen != nil {
		generated, err := s.gen.Generate(ctx, genai.Request{
			ClientName:   input.ClientName,
			ProjectName:  input.ProjectName,
			Phase:        string(initialPhase),
			Summary:      input.Summary,
			Requirements: requirements,
		})
		if err == nil {
			content = generated
		}
	}

	proposal, err := s.store.CreateProposal(ctx, store.CreateProposalParams{
		ClientName:   input.ClientName,
		ProjectName:  input.ProjectName,
		Summary:      input.Summary,
		Transcript:   input.Transcript,
		Requirements: requirements,
		Content:      content,
		InitialPhase: initialPhase,
		Actor:        s.actor(sess),
	})
	if err != nil {
		return nil, err
	}

	s.indexProposal(proposal)
	return s.proposalPayload(ctx, proposal)
}

func (s *Service) GetProposal(ctx context.Context, proposalID string) (map[string]any, error) {
	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	return s.proposalPayload(ctx, proposal)
}

func (s *Service) ListProposals(ctx context.Context, phase, status string, limit, offset int) (map[string]any, error) {
	filter := store.ProposalFilter{Limit: limit, Offset: offset}
	if phase != "" {
		p := store.Phase(phase)
		if !p.Valid() {
			return nil, validationError("unknown phase", map[string]any{"phase": phase})
		}
		filter.Phase = p
	}
	if status != "" {
		st := store.Status(status)
		if !st.Valid() {
			return nil, validationError("unknown status", map[string]any{"status": status})
		}
		filter.Status = st
	}

	proposals, err := s.store.ListProposals(ctx, filter)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(proposals))
	for _, p := range proposals {
		items = append(items, proposalSummary(p))
	}
	return map[string]any{"proposals": items, "count": len(items)}, nil
}

func (s *Service) UpdateStatus(ctx context.Context, sess Session, proposalID string, input UpdateStatusInput) (map[string]any, error) {
	status := store.Status(input.Status)
	if !status.Valid() {
		return nil, validationError("unknown status", map[string]any{"status": input.Status})
	}

	proposal, err := s.store.UpdateProposalStatus(ctx, proposalID, status, s.actor(sess))
	if err != nil {
		return nil, err
	}

	s.indexProposal(proposal)
	return proposalSummary(proposal), nil
}

func (s *Service) Duplicate(ctx context.Context, sess Session, proposalID string, input DuplicateInput) (map[string]any, error) {
	dup, err := s.store.DuplicateProposal(ctx, proposalID, strings.TrimSpace(input.NewProjectName), strings.TrimSpace(input.NewClientName), s.actor(sess))
	if err != nil {
		return nil, err
	}
	s.indexProposal(dup)
	return s.proposalPayload(ctx, dup)
}

// Delete is idempotent: deleting a proposal that does not exist reports
// deleted=false rather than an error.
func (s *Service) Delete(ctx context.Context, sess Session, proposalID string) (bool, error) {
	shareToken := ""
	if proposal, err := s.store.GetProposal(ctx, proposalID); err == nil {
		shareToken = proposal.ShareToken
	}

	deleted, err := s.store.DeleteProposal(ctx, proposalID)
	if err != nil {
		return false, err
	}
	if !deleted {
		return false, nil
	}

	if s.search != nil {
		s.search.DeleteProposal(proposalID)
	}
	if s.cache != nil && shareToken != "" {
		_ = s.cache.Invalidate(ctx, shareToken)
	}
	return true, nil
}

func (s *Service) Dashboard(ctx context.Context) (map[string]any, error) {
	stats, err := s.store.DashboardStats(ctx)
	if err != nil {
		return nil, err
	}

	recent := make([]map[string]any, 0, len(stats.Recent))
	for _, p := range stats.Recent {
		recent = append(recent, proposalSummary(p))
	}
	return map[string]any{
		"totalProposals": stats.TotalProposals,
		"byPhase":        stats.ByPhase,
		"byStatus":       stats.ByStatus,
		"recent":         recent,
	}, nil
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) History(ctx context.Context, proposalID, action string, limit int) (map[string]any, error) {
	if _, err := s.store.GetProposal(ctx, proposalID); err != nil {
		return nil, err
	}

	entries, err := s.store.AuditLog(ctx, proposalID, action, limit)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		items = append(items, map[string]any{
			"id":          e.ID,
			"action":      e.Action,
			"actorId":     e.ActorID,
			"actorName":   e.ActorName,
			"description": e.Description,
			"details":     e.Details,
			"createdAt":   e.CreatedAt,
		})
	}
	return map[string]any{"proposalId": proposalID, "entries": items, "count": len(items)}, nil
}

func (s *Service) Analytics(ctx context.Context, proposalID string) (map[string]any, error) {
	if _, err := s.store.GetProposal(ctx, proposalID); err != nil {
		return nil, err
	}

	a, err := s.store.AnalyticsSummary(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	recent := make([]map[string]any, 0, len(a.RecentEntries))
	for _, e := range a.RecentEntries {
		recent = append(recent, map[string]any{
			"action":      e.Action,
			"actorName":   e.ActorName,
			"description": e.Description,
			"createdAt":   e.CreatedAt,
		})
	}
	return map[string]any{
		"proposalId":       proposalID,
		"totalEvents":      a.TotalEvents,
		"actionCounts":     a.ActionCounts,
		"versionCount":     a.VersionCount,
		"currentVersion":   a.CurrentVersion,
		"shareCount":       a.ShareCount,
		"activeShares":     a.ActiveShareCount,
		"totalAccessCount": a.TotalAccessCount,
		"exportCount":      a.ExportCount,
		"formatsUsed":      a.FormatsUsed,
		"totalDownloads":   a.TotalDownloads,
		"lastActivityAt":   a.LastActivityAt,
		"recentActivity":   recent,
	}, nil
}

func (s *Service) indexProposal(p store.Proposal) {
	if s.search == nil {
		return
	}
	s.search.IndexProposal(search.ProposalRecord{
		ID:          p.ID,
		ProjectName: p.ProjectName,
		ClientName:  p.ClientName,
		Summary:     p.Summary,
		Phase:       string(p.CurrentPhase),
		Status:      string(p.Status),
	})
}

// proposalPayload is the full projection: the proposal row plus its current
// version and tracker state.
func (s *Service) proposalPayload(ctx context.Context, p store.Proposal) (map[string]any, error) {
	payload := proposalSummary(p)
	payload["transcript"] = p.Transcript
	payload["requirements"] = p.Requirements

	version, err := s.store.CurrentVersion(ctx, p.ID)
	if err == nil {
		payload["currentVersion"] = versionPayload(version)
	}

	tracker, err := s.store.GetTracker(ctx, p.ID)
	if err == nil {
		payload["tracker"] = trackerPayload(tracker)
	}
	return payload, nil
}

func proposalSummary(p store.Proposal) map[string]any {
	return map[string]any{
		"id":             p.ID,
		"clientName":     p.ClientName,
		"projectName":    p.ProjectName,
		"status":         string(p.Status),
		"currentPhase":   string(p.CurrentPhase),
		"summary":        p.Summary,
		"shareToken":     p.ShareToken,
		"exportCount":    p.ExportCount,
		"lastExportedAt": p.LastExportedAt,
		"createdBy":      p.CreatedBy,
		"createdAt":      p.CreatedAt,
		"updatedAt":      p.UpdatedAt,
	}
}

func versionPayload(v store.ProposalVersion) map[string]any {
	return map[string]any{
		"id":            v.ID,
		"proposalId":    v.ProposalID,
		"versionNumber": v.VersionNumber,
		"content":       v.Content,
		"changeSummary": v.ChangeSummary,
		"isCurrent":     v.IsCurrent,
		"createdBy":     v.CreatedBy,
		"createdAt":     v.CreatedAt,
	}
}

func trackerPayload(t store.ProjectTracker) map[string]any {
	phases := make([]map[string]any, 0, len(store.Phases))
	for _, p := range store.Phases {
		phases = append(phases, map[string]any{
			"phase":     string(p),
			"completed": t.PhaseCompleted(p),
			"current":   p == t.CurrentPhase,
		})
	}
	return map[string]any{
		"id":               t.ID,
		"proposalId":       t.ProposalID,
		"currentPhase":     string(t.CurrentPhase),
		"phases":           phases,
		"actualCompletion": t.ActualCompletion,
		"updatedAt":        t.UpdatedAt,
	}
}
