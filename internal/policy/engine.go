package policy

import (
	"fmt"
	"strings"

	"agentflow/internal/domain"
)

// Engine applies governance rules to job requests: structural admission
// validation and the risk gate that decides whether a job needs human
// sign-off before execution.
type Engine struct{}

func New() *Engine {
	return &Engine{}
}

// ValidateRequest rejects malformed requests synchronously, before a
// job is ever created.
func (e *Engine) ValidateRequest(req domain.JobRequest) error {
	if strings.TrimSpace(req.TaskType) == "" {
		return fmt.Errorf("task type is required")
	}
	if strings.TrimSpace(req.Spec) == "" {
		return fmt.Errorf("specification text is required")
	}
	switch req.Risk {
	case domain.RiskLow, domain.RiskMedium, domain.RiskHigh, domain.RiskCritical:
	default:
		return fmt.Errorf("invalid risk profile: %q", req.Risk)
	}
	switch req.Autonomy {
	case domain.AutonomyAutonomous, domain.AutonomyAssist, domain.AutonomyAudit:
	default:
		return fmt.Errorf("invalid autonomy level: %q", req.Autonomy)
	}
	if req.Priority < 0 {
		return fmt.Errorf("priority must not be negative")
	}
	if req.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// RequiresApproval reports whether a job must suspend at the
// pre-execution checkpoint for a human decision: high or critical risk
// combined with any non-autonomous autonomy level.
func (e *Engine) RequiresApproval(risk domain.RiskProfile, autonomy domain.AutonomyLevel) bool {
	if autonomy == domain.AutonomyAutonomous {
		return false
	}
	return risk == domain.RiskHigh || risk == domain.RiskCritical
}
