package store

import "time"

// Phase is one stop on the fixed delivery pipeline. Phases always move
// forward; there is no transition back.
type Phase string

const (
	PhaseExploratory Phase = "exploratory"
	PhaseDiscovery   Phase = "discovery"
	PhaseDevelopment Phase = "development"
	PhaseDeployment  Phase = "deployment"
)

// Phases lists the pipeline in order.
var Phases = []Phase{PhaseExploratory, PhaseDiscovery, PhaseDevelopment, PhaseDeployment}

// Successor returns the next phase and false when the phase is terminal.
func (p Phase) Successor() (Phase, bool) {
	for i, ph := range Phases {
		if ph == p && i+1 < len(Phases) {
			return Phases[i+1], true
		}
	}
	return p, false
}

// Valid reports whether p names a known phase.
func (p Phase) Valid() bool {
	for _, ph := range Phases {
		if ph == p {
			return true
		}
	}
	return false
}

// Status is the review/approval state of a proposal. It moves independently
// of the delivery phase.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusInReview Status = "in_review"
	StatusApproved Status = "approved"
	StatusSent     Status = "sent"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

var Statuses = []Status{StatusDraft, StatusInReview, StatusApproved, StatusSent, StatusAccepted, StatusRejected}

func (s Status) Valid() bool {
	for _, st := range Statuses {
		if st == s {
			return true
		}
	}
	return false
}

// PermissionLevel orders share permissions from weakest to strongest.
type PermissionLevel string

const (
	PermissionViewOnly   PermissionLevel = "view_only"
	PermissionComment    PermissionLevel = "comment"
	PermissionEdit       PermissionLevel = "edit"
	PermissionFullAccess PermissionLevel = "full_access"
)

var permissionRank = map[PermissionLevel]int{
	PermissionViewOnly:   0,
	PermissionComment:    1,
	PermissionEdit:       2,
	PermissionFullAccess: 3,
}

func (p PermissionLevel) Valid() bool {
	_, ok := permissionRank[p]
	return ok
}

// AtLeast reports whether p grants everything min grants.
func (p PermissionLevel) AtLeast(min PermissionLevel) bool {
	return permissionRank[p] >= permissionRank[min]
}

// Audit actions. Every mutation writes exactly one of these in the same
// transaction as the rows it changes.
const (
	AuditCreated        = "created"
	AuditUpdated        = "updated"
	AuditShared         = "shared"
	AuditExported       = "exported"
	AuditStatusChanged  = "status_changed"
	AuditVersionCreated = "version_created"
	AuditAccessGranted  = "access_granted"
	AuditAccessRevoked  = "access_revoked"
)

type User struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Proposal struct {
	ID             string
	ClientName     string
	ProjectName    string
	Status         Status
	CurrentPhase   Phase
	Summary        string
	Transcript     string
	Requirements   map[string]any
	ShareToken     string
	ExportCount    int
	LastExportedAt *time.Time
	CreatedBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type ProposalVersion struct {
	ID            string
	ProposalID    string
	VersionNumber int
	Content       string
	ChangeSummary string
	IsCurrent     bool
	CreatedBy     string
	CreatedAt     time.Time
}

// ProjectTracker carries the delivery-phase state for one proposal.
// Completion flags are monotonic; once a phase is marked done it stays done.
type ProjectTracker struct {
	ID                   string
	ProposalID           string
	CurrentPhase         Phase
	ExploratoryCompleted bool
	DiscoveryCompleted   bool
	DevelopmentCompleted bool
	DeploymentCompleted  bool
	ActualCompletion     *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// PhaseCompleted reports the completion flag for the given phase.
func (t ProjectTracker) PhaseCompleted(p Phase) bool {
	switch p {
	case PhaseExploratory:
		return t.ExploratoryCompleted
	case PhaseDiscovery:
		return t.DiscoveryCompleted
	case PhaseDevelopment:
		return t.DevelopmentCompleted
	case PhaseDeployment:
		return t.DeploymentCompleted
	}
	return false
}

// CompletedCount counts phases marked done.
func (t ProjectTracker) CompletedCount() int {
	n := 0
	for _, p := range Phases {
		if t.PhaseCompleted(p) {
			n++
		}
	}
	return n
}

type ProposalShare struct {
	ID              string
	ProposalID      string
	SharedWithUser  *string
	SharedWithEmail *string
	PermissionLevel PermissionLevel
	CanDownload     bool
	CanComment      bool
	ShareToken      string
	PasswordHash    *string
	IsActive        bool
	ExpiresAt       *time.Time
	AccessCount     int
	LastAccessedAt  *time.Time
	CreatedBy       string
	CreatedAt       time.Time
	RevokedAt       *time.Time
}

// IsUsable is the single gate for honoring a share: it must be active and,
// when an expiry is set, the expiry must still be in the future.
func (s ProposalShare) IsUsable(now time.Time) bool {
	if !s.IsActive {
		return false
	}
	if s.ExpiresAt != nil && !s.ExpiresAt.After(now) {
		return false
	}
	return true
}

type ProposalExport struct {
	ID               string
	ProposalID       string
	Format           string
	FileName         string
	StoragePath      string
	ByteSize         int64
	VersionExported  int
	DownloadCount    int
	LastDownloadedAt *time.Time
	ExportedBy       string
	CreatedAt        time.Time
}

type AuditEntry struct {
	ID          int64
	ProposalID  string
	Action      string
	ActorID     string
	ActorName   string
	Description string
	Details     map[string]any
	CreatedAt   time.Time
}
