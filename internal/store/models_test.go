package store

import (
	"testing"
	"time"
)

func TestPhaseSuccessor(t *testing.T) {
	next, ok := PhaseExploratory.Successor()
	if !ok || next != PhaseDiscovery {
		t.Fatalf("exploratory successor = %s, %v", next, ok)
	}
	next, ok = PhaseDevelopment.Successor()
	if !ok || next != PhaseDeployment {
		t.Fatalf("development successor = %s, %v", next, ok)
	}
	if _, ok := PhaseDeployment.Successor(); ok {
		t.Fatal("deployment must be terminal")
	}
}

func TestPermissionAtLeast(t *testing.T) {
	if !PermissionFullAccess.AtLeast(PermissionComment) {
		t.Error("full_access should cover comment")
	}
	if PermissionViewOnly.AtLeast(PermissionEdit) {
		t.Error("view_only should not cover edit")
	}
	if !PermissionComment.AtLeast(PermissionComment) {
		t.Error("a level covers itself")
	}
}

func TestShareIsUsable(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	cases := []struct {
		name  string
		share ProposalShare
		want  bool
	}{
		{"active without expiry", ProposalShare{IsActive: true}, true},
		{"active before expiry", ProposalShare{IsActive: true, ExpiresAt: &future}, true},
		{"active past expiry", ProposalShare{IsActive: true, ExpiresAt: &past}, false},
		{"revoked", ProposalShare{IsActive: false}, false},
		{"revoked with future expiry", ProposalShare{IsActive: false, ExpiresAt: &future}, false},
	}
	for _, tc := range cases {
		if got := tc.share.IsUsable(now); got != tc.want {
			t.Errorf("%s: IsUsable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestTrackerCompletedCount(t *testing.T) {
	tracker := ProjectTracker{
		CurrentPhase:         PhaseDevelopment,
		ExploratoryCompleted: true,
		DiscoveryCompleted:   true,
	}
	if got := tracker.CompletedCount(); got != 2 {
		t.Errorf("CompletedCount = %d, want 2", got)
	}
	if !tracker.PhaseCompleted(PhaseDiscovery) {
		t.Error("discovery should be completed")
	}
	if tracker.PhaseCompleted(PhaseDeployment) {
		t.Error("deployment should not be completed")
	}
}
