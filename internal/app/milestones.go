package app

import "prospect/api/internal/store"

// Each phase carries a fixed four-item checklist. Milestones are catalog
// entries, not rows; updates are recorded through the audit trail only.
var milestoneCatalog = map[store.Phase][]string{
	store.PhaseExploratory: {
		"Initial Client Meeting",
		"Requirements Gathering",
		"Feasibility Assessment",
		"Proposal Creation",
	},
	store.PhaseDiscovery: {
		"Detailed Requirements",
		"Architecture Design",
		"Technology Stack Selection",
		"Project Planning",
	},
	store.PhaseDevelopment: {
		"Development Environment Setup",
		"Core Functionality Implementation",
		"Integration Testing",
		"User Acceptance Testing",
	},
	store.PhaseDeployment: {
		"Production Environment Setup",
		"System Deployment",
		"Go-Live Support",
		"Project Handover",
	},
}

// milestoneWeights maps a milestone status to its contribution toward phase
// progress. Blocked work counts against the phase.
var milestoneWeights = map[string]float64{
	"not_started": 0,
	"in_progress": 0.5,
	"completed":   1.0,
	"blocked":     -0.2,
}

func validMilestone(phase store.Phase, name string) bool {
	for _, m := range milestoneCatalog[phase] {
		if m == name {
			return true
		}
	}
	return false
}
