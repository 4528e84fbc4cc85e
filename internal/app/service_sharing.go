package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"prospect/api/internal/email"
	"prospect/api/internal/sharecache"
	"prospect/api/internal/store"
)

// CreateShare grants a recipient access to a proposal through a tokenized
// link. Exactly one of sharedWithUser and sharedWithEmail must be set.
func (s *Service) CreateShare(ctx context.Context, sess Session, proposalID string, input CreateShareInput) (map[string]any, error) {
	user := strings.TrimSpace(input.SharedWithUser)
	emailAddr := strings.TrimSpace(input.SharedWithEmail)
	if (user == "") == (emailAddr == "") {
		return nil, validationError("exactly one of sharedWithUser and sharedWithEmail is required", nil)
	}

	level := store.PermissionLevel(input.PermissionLevel)
	if input.PermissionLevel == "" {
		level = store.PermissionViewOnly
	}
	if !level.Valid() {
		return nil, validationError("unknown permission level", map[string]any{"permissionLevel": input.PermissionLevel})
	}
	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	canDownload := true
	if input.CanDownload != nil {
		canDownload = *input.CanDownload
	}
	params := store.CreateShareParams{
		ProposalID:      proposalID,
		PermissionLevel: level,
		CanDownload:     canDownload,
		CanComment:      input.CanComment || level.AtLeast(store.PermissionComment),
		Actor:           s.actor(sess),
	}
	if user != "" {
		params.SharedWithUser = &user
	} else {
		params.SharedWithEmail = &emailAddr
	}
	if input.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash share password: %w", err)
		}
		hashed := string(hash)
		params.PasswordHash = &hashed
	}
	// Zero means no expiry. Negative values backdate the expiry, so the
	// share exists but is never usable.
	if input.ExpiresInDays != 0 {
		expires := time.Now().Add(time.Duration(input.ExpiresInDays) * 24 * time.Hour)
		params.ExpiresAt = &expires
	}

	share, err := s.store.CreateShare(ctx, params)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Save(ctx, share.ShareToken, sharecache.Entry{
			ProposalID: proposalID,
			ShareID:    share.ID,
		}, share.ExpiresAt); err != nil {
			log.Printf("app: cache share token: %v", err)
		}
	}

	if emailAddr != "" && s.mail != nil && s.mail.IsConfigured() {
		data := email.ShareNotificationData{
			SharedBy:        sess.UserName,
			ProjectName:     proposal.ProjectName,
			ClientName:      proposal.ClientName,
			PermissionLevel: string(share.PermissionLevel),
			ShareURL:        s.portalURL(share.ShareToken),
		}
		if share.ExpiresAt != nil {
			data.ExpiresNote = fmt.Sprintf("This link expires on %s.", share.ExpiresAt.Format("January 2, 2006"))
		}
		if err := s.mail.SendShareNotification(emailAddr, data); err != nil {
			log.Printf("app: share notification to %s: %v", emailAddr, err)
		}
	}

	return sharePayload(share, time.Now()), nil
}

// RevokeShare deactivates a share. Revoking an already-inactive share is a
// no-op and succeeds.
func (s *Service) RevokeShare(ctx context.Context, sess Session, shareID string) (map[string]any, error) {
	share, err := s.store.RevokeShare(ctx, shareID, s.actor(sess))
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, share.ShareToken); err != nil {
			log.Printf("app: invalidate share token: %v", err)
		}
	}
	return sharePayload(share, time.Now()), nil
}

func (s *Service) ListShares(ctx context.Context, proposalID string) (map[string]any, error) {
	if _, err := s.store.GetProposal(ctx, proposalID); err != nil {
		return nil, err
	}

	shares, err := s.store.ListShares(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	items := make([]map[string]any, 0, len(shares))
	for _, sh := range shares {
		items = append(items, sharePayload(sh, now))
	}
	return map[string]any{"proposalId": proposalID, "shares": items, "count": len(items)}, nil
}

// Portal resolves a public token into a read view of the proposal. Share
// tokens take precedence; the proposal's own token works as a view-only link
// once the proposal has gone out for review.
func (s *Service) Portal(ctx context.Context, token, password string) (map[string]any, error) {
	if token == "" {
		return nil, notFound("share not found")
	}

	// A cache hit resolves the share by id without touching the token
	// column; stale entries fall through to the token lookup.
	var share store.ProposalShare
	cached := false
	if s.cache != nil {
		entry, err := s.cache.Lookup(ctx, token)
		switch {
		case err == nil:
			share, err = s.store.GetShare(ctx, entry.ShareID)
			if err == nil {
				cached = true
			} else if !errors.Is(err, sql.ErrNoRows) {
				return nil, err
			}
		case !errors.Is(err, sharecache.ErrNotFound):
			log.Printf("app: share cache lookup: %v", err)
		}
	}
	if !cached {
		var err error
		share, err = s.store.GetShareByToken(ctx, token)
		if errors.Is(err, sql.ErrNoRows) {
			return s.publicPortal(ctx, token)
		}
		if err != nil {
			return nil, err
		}
	}

	if !share.IsUsable(time.Now()) {
		return nil, forbidden("share link is no longer active")
	}
	if share.PasswordHash != nil {
		if password == "" {
			return nil, domainError(401, "PASSWORD_REQUIRED", "this share link is password protected", nil)
		}
		if bcrypt.CompareHashAndPassword([]byte(*share.PasswordHash), []byte(password)) != nil {
			return nil, forbidden("incorrect share password")
		}
	}

	accessor := "client"
	if share.SharedWithUser != nil {
		accessor = *share.SharedWithUser
	} else if share.SharedWithEmail != nil {
		accessor = *share.SharedWithEmail
	}
	touched, err := s.store.TouchShareAccess(ctx, share.ID, accessor)
	if err != nil {
		return nil, err
	}
	share = touched

	if s.cache != nil {
		if err := s.cache.Save(ctx, token, sharecache.Entry{
			ProposalID: share.ProposalID,
			ShareID:    share.ID,
		}, share.ExpiresAt); err != nil {
			log.Printf("app: cache share token: %v", err)
		}
	}

	proposal, err := s.store.GetProposal(ctx, share.ProposalID)
	if err != nil {
		return nil, err
	}
	payload, err := s.portalPayload(ctx, proposal)
	if err != nil {
		return nil, err
	}
	payload["permissionLevel"] = string(share.PermissionLevel)
	return payload, nil
}

// publicPortal handles the proposal's own share token. It only works once the
// proposal has been approved or sent, and grants view-only access.
func (s *Service) publicPortal(ctx context.Context, token string) (map[string]any, error) {
	proposal, err := s.store.GetProposalByPublicToken(ctx, token)
	if err != nil {
		return nil, err
	}

	switch proposal.Status {
	case store.StatusApproved, store.StatusSent, store.StatusAccepted:
	default:
		return nil, forbidden("proposal is not available for viewing")
	}

	payload, err := s.portalPayload(ctx, proposal)
	if err != nil {
		return nil, err
	}
	payload["permissionLevel"] = string(store.PermissionViewOnly)
	return payload, nil
}

// portalPayload is the client-facing projection: no transcript, no internal
// requirement notes.
func (s *Service) portalPayload(ctx context.Context, p store.Proposal) (map[string]any, error) {
	payload := map[string]any{
		"proposalId":   p.ID,
		"clientName":   p.ClientName,
		"projectName":  p.ProjectName,
		"status":       string(p.Status),
		"currentPhase": string(p.CurrentPhase),
		"summary":      p.Summary,
		"updatedAt":    p.UpdatedAt,
	}
	if version, err := s.store.CurrentVersion(ctx, p.ID); err == nil {
		payload["content"] = version.Content
		payload["versionNumber"] = version.VersionNumber
	}
	if tracker, err := s.store.GetTracker(ctx, p.ID); err == nil {
		payload["progressPercentage"] = phaseProgress(tracker)
	}
	return payload, nil
}

func (s *Service) portalURL(token string) string {
	base := s.cfg.CORSOrigin
	if base == "" || base == "*" {
		base = "http://localhost:8787"
	}
	return strings.TrimRight(base, "/") + "/portal/" + token
}

func sharePayload(sh store.ProposalShare, now time.Time) map[string]any {
	return map[string]any{
		"id":              sh.ID,
		"proposalId":      sh.ProposalID,
		"sharedWithUser":  sh.SharedWithUser,
		"sharedWithEmail": sh.SharedWithEmail,
		"permissionLevel": string(sh.PermissionLevel),
		"canDownload":     sh.CanDownload,
		"canComment":      sh.CanComment,
		"shareToken":      sh.ShareToken,
		"hasPassword":     sh.PasswordHash != nil,
		"isActive":        sh.IsActive,
		"isUsable":        sh.IsUsable(now),
		"expiresAt":       sh.ExpiresAt,
		"accessCount":     sh.AccessCount,
		"lastAccessedAt":  sh.LastAccessedAt,
		"createdBy":       sh.CreatedBy,
		"createdAt":       sh.CreatedAt,
		"revokedAt":       sh.RevokedAt,
	}
}
