package consensus

import (
	"errors"
	"fmt"

	"agentflow/internal/domain"
)

var ErrNoProposals = errors.New("consensus vote requires at least one proposal")

// Vote combines independent worker proposals into a single decision.
// The proposal with the single highest self-reported confidence wins;
// ties keep the earlier submission. The reported aggregate confidence
// is the arithmetic mean of ALL submitted confidences — it expresses
// how certain the group is as a whole, not how certain the winner is.
func Vote(proposals []domain.Proposal) (domain.ConsensusDecision, error) {
	if len(proposals) == 0 {
		return domain.ConsensusDecision{}, ErrNoProposals
	}

	winner := proposals[0]
	sum := 0.0
	for _, p := range proposals {
		sum += p.Confidence
		if p.Confidence > winner.Confidence {
			winner = p
		}
	}

	return domain.ConsensusDecision{
		Winner:     winner,
		Confidence: sum / float64(len(proposals)),
		Reasoning: fmt.Sprintf(
			"selected proposal from %s (confidence %.2f) out of %d proposals",
			winner.AgentType, winner.Confidence, len(proposals),
		),
	}, nil
}
