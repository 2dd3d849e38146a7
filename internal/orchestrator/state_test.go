package orchestrator

import (
	"testing"

	"agentflow/internal/domain"
)

func TestValidTransitions(t *testing.T) {
	valid := [][2]domain.JobStatus{
		{domain.JobStatusQueued, domain.JobStatusPlanning},
		{domain.JobStatusQueued, domain.JobStatusCancelled},
		{domain.JobStatusPlanning, domain.JobStatusExecuting},
		{domain.JobStatusPlanning, domain.JobStatusAwaitingApproval},
		{domain.JobStatusAwaitingApproval, domain.JobStatusExecuting},
		{domain.JobStatusAwaitingApproval, domain.JobStatusCancelled},
		{domain.JobStatusExecuting, domain.JobStatusTesting},
		{domain.JobStatusExecuting, domain.JobStatusFailed},
		{domain.JobStatusTesting, domain.JobStatusCompleted},
		{domain.JobStatusTesting, domain.JobStatusFailed},
	}
	for _, pair := range valid {
		if err := ValidateTransition(pair[0], pair[1]); err != nil {
			t.Fatalf("expected %s -> %s to be valid: %v", pair[0], pair[1], err)
		}
	}
}

func TestInvalidTransitions(t *testing.T) {
	invalid := [][2]domain.JobStatus{
		{domain.JobStatusQueued, domain.JobStatusExecuting},
		{domain.JobStatusQueued, domain.JobStatusCompleted},
		{domain.JobStatusExecuting, domain.JobStatusCompleted},
		{domain.JobStatusAwaitingApproval, domain.JobStatusFailed},
		{domain.JobStatusCompleted, domain.JobStatusExecuting},
		{domain.JobStatusFailed, domain.JobStatusQueued},
		{domain.JobStatusCancelled, domain.JobStatusPlanning},
	}
	for _, pair := range invalid {
		if err := ValidateTransition(pair[0], pair[1]); err == nil {
			t.Fatalf("expected %s -> %s to be rejected", pair[0], pair[1])
		}
	}
}

func TestTerminalStatesHaveNoSuccessors(t *testing.T) {
	for _, status := range []domain.JobStatus{domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCancelled} {
		if !status.Terminal() {
			t.Fatalf("%s must be terminal", status)
		}
		if len(allowedTransitions[status]) != 0 {
			t.Fatalf("%s must have no outgoing transitions", status)
		}
	}
}
