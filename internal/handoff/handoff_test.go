package handoff

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandoffValidateRejectsUnknownAgent(t *testing.T) {
	h := Handoff{NextAgent: "sorcerer"}
	assert.Error(t, h.Validate())
}

func TestHandoffValidateAcceptsKnownAgents(t *testing.T) {
	for _, a := range []NextAgent{AgentImplementation, AgentQualityReview, AgentReleaseManager, AgentUXSpecialist, AgentArchitect, AgentPlanner, AgentDone, AgentBlocked} {
		h := Handoff{NextAgent: a}
		assert.NoError(t, h.Validate(), "agent %s should be valid", a)
	}
}
