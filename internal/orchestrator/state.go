package orchestrator

import (
	"fmt"

	"agentflow/internal/domain"
)

// allowedTransitions is the complete job lifecycle graph. Terminal
// states map to empty sets; any transition not listed here is a bug in
// the caller, not a recoverable condition.
var allowedTransitions = map[domain.JobStatus][]domain.JobStatus{
	domain.JobStatusQueued:           {domain.JobStatusPlanning, domain.JobStatusCancelled},
	domain.JobStatusPlanning:         {domain.JobStatusExecuting, domain.JobStatusAwaitingApproval, domain.JobStatusFailed, domain.JobStatusCancelled},
	domain.JobStatusAwaitingApproval: {domain.JobStatusExecuting, domain.JobStatusCancelled},
	domain.JobStatusExecuting:        {domain.JobStatusTesting, domain.JobStatusFailed, domain.JobStatusCancelled},
	domain.JobStatusTesting:          {domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCancelled},
	domain.JobStatusCompleted:        {},
	domain.JobStatusFailed:           {},
	domain.JobStatusCancelled:        {},
}

func ValidateTransition(from, to domain.JobStatus) error {
	allowed, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("unknown job status %q", from)
	}
	for _, candidate := range allowed {
		if candidate == to {
			return nil
		}
	}
	return fmt.Errorf("invalid job transition %s -> %s", from, to)
}
