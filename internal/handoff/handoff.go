// Package handoff resolves what an agent turn decided to do next, trying
// four tiers of increasing effort before giving up to a human.
package handoff

import (
	"encoding/json"
	"fmt"
)

// NextAgent is who should pick up the workflow next, or a terminal state.
type NextAgent string

const (
	AgentImplementation NextAgent = "implementation"
	AgentQualityReview  NextAgent = "quality_review"
	AgentReleaseManager NextAgent = "release_manager"
	AgentUXSpecialist   NextAgent = "ux_specialist"
	AgentArchitect      NextAgent = "architect"
	AgentPlanner        NextAgent = "planner"
	AgentDone           NextAgent = "DONE"
	AgentBlocked        NextAgent = "BLOCKED"
)

var validAgents = map[NextAgent]bool{
	AgentImplementation: true,
	AgentQualityReview:  true,
	AgentReleaseManager: true,
	AgentUXSpecialist:   true,
	AgentArchitect:      true,
	AgentPlanner:        true,
	AgentDone:           true,
	AgentBlocked:        true,
}

// CIStatus is the state of a handed-off PR's CI run, if any.
type CIStatus string

const (
	CIPending CIStatus = "pending"
	CIPassed  CIStatus = "passed"
	CIFailed  CIStatus = "failed"
)

// Handoff is what one agent turn decided should happen next.
type Handoff struct {
	NextAgent NextAgent `json:"next_agent" yaml:"next_agent"`
	Context   string    `json:"context" yaml:"context"`
	PRNumber  int       `json:"pr_number,omitempty" yaml:"pr_number,omitempty"`
	CIStatus  CIStatus  `json:"ci_status,omitempty" yaml:"ci_status,omitempty"`
}

// Validate rejects a handoff whose next_agent is outside the valid set.
// Context being a string is enforced at parse time by decodeHandoffMap in
// wire.go; an empty or missing context is still valid.
func (h Handoff) Validate() error {
	if !validAgents[h.NextAgent] {
		return fmt.Errorf("invalid next_agent %q", h.NextAgent)
	}
	return nil
}

// MarshalJSON round-trips PRNumber as a JSON number.
func (h Handoff) MarshalJSON() ([]byte, error) {
	type alias Handoff
	return json.Marshal(alias(h))
}
