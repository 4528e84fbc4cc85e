package app

import (
	"context"
	"errors"
	"fmt"

	"prospect/api/internal/store"
)

// AdvancePhase marks the current phase complete and moves the project to the
// next one. Advancing past deployment is a conflict.
func (s *Service) AdvancePhase(ctx context.Context, sess Session, proposalID string, input AdvancePhaseInput) (map[string]any, error) {
	tracker, err := s.store.AdvancePhase(ctx, proposalID, input.CompletionNotes, s.actor(sess))
	if err != nil {
		if errors.Is(err, store.ErrFinalPhase) {
			return nil, conflict("project already completed the final phase")
		}
		return nil, err
	}

	payload := trackerPayload(tracker)
	payload["progressPercentage"] = phaseProgress(tracker)
	return payload, nil
}

// UpdateMilestone records progress against one of the fixed phase milestones.
// Milestones are catalog entries; the update lives in the audit trail.
func (s *Service) UpdateMilestone(ctx context.Context, sess Session, proposalID string, input MilestoneInput) (map[string]any, error) {
	tracker, err := s.store.GetTracker(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	phase := tracker.CurrentPhase
	if input.Phase != "" {
		phase = store.Phase(input.Phase)
		if !phase.Valid() {
			return nil, validationError("unknown phase", map[string]any{"phase": input.Phase})
		}
	}
	if !validMilestone(phase, input.Milestone) {
		return nil, validationError("unknown milestone for phase", map[string]any{
			"phase":     string(phase),
			"milestone": input.Milestone,
			"known":     milestoneCatalog[phase],
		})
	}
	weight, ok := milestoneWeights[input.Status]
	if !ok {
		return nil, validationError("unknown milestone status", map[string]any{"status": input.Status})
	}

	impact := weight / float64(len(milestoneCatalog[phase])) * 100
	details := map[string]any{
		"milestone":              input.Milestone,
		"milestone_status":       input.Status,
		"phase":                  string(phase),
		"weight":                 weight,
		"estimated_phase_impact": impact,
	}
	if input.Notes != "" {
		details["notes"] = input.Notes
	}

	if err := s.store.AppendAudit(ctx, store.AuditEntry{
		ProposalID:  proposalID,
		Action:      store.AuditUpdated,
		ActorID:     sess.UserID,
		ActorName:   sess.UserName,
		Description: fmt.Sprintf("Milestone '%s' marked %s", input.Milestone, input.Status),
		Details:     details,
	}); err != nil {
		return nil, err
	}

	return map[string]any{
		"proposalId":           proposalID,
		"phase":                string(phase),
		"milestone":            input.Milestone,
		"status":               input.Status,
		"weight":               weight,
		"estimatedPhaseImpact": impact,
	}, nil
}

// GetStatus reports where the project stands: completed phases, overall
// progress, and the milestone checklist for the current phase.
func (s *Service) GetStatus(ctx context.Context, proposalID string) (map[string]any, error) {
	tracker, err := s.store.GetTracker(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	payload := trackerPayload(tracker)
	payload["progressPercentage"] = phaseProgress(tracker)
	payload["milestones"] = milestoneCatalog[tracker.CurrentPhase]

	if !tracker.PhaseCompleted(tracker.CurrentPhase) {
		payload["nextPhase"] = string(tracker.CurrentPhase)
	} else if next, ok := tracker.CurrentPhase.Successor(); ok {
		payload["nextPhase"] = string(next)
	} else {
		payload["nextPhase"] = nil
	}
	return payload, nil
}

func phaseProgress(t store.ProjectTracker) float64 {
	return float64(t.CompletedCount()) / float64(len(store.Phases)) * 100
}
