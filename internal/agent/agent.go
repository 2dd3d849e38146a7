// Package agent ships the built-in stub workers used by the demo
// bootstrap. Real deployments register their own capabilities; these
// exist so a fresh checkout can run jobs end to end.
package agent

import (
	"context"
	"fmt"
	"log"
	"strings"

	"agentflow/internal/domain"
)

// Worker is a deterministic stand-in for a real agent. It reports what
// it was asked to do and leaves a note artifact behind.
type Worker struct {
	agentType  string
	confidence float64
	logger     *log.Logger
}

func NewWorker(agentType string, confidence float64, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.Default()
	}
	if confidence <= 0 || confidence > 1 {
		confidence = 0.85
	}
	return &Worker{agentType: agentType, confidence: confidence, logger: logger}
}

func (w *Worker) Execute(ctx context.Context, task domain.AgentTask) (domain.AgentResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.AgentResult{}, err
	}
	w.logger.Printf("%s executing: %s", w.agentType, task.Description)

	note := fmt.Sprintf("# %s\n\n%s\n\n## Specification\n\n%s\n", w.agentType, task.Description, task.Spec)
	return domain.AgentResult{
		Success:    true,
		Summary:    fmt.Sprintf("%s handled: %s", w.agentType, task.Description),
		Confidence: w.confidence,
		Artifacts: []domain.Artifact{
			{Name: "notes.md", Data: []byte(note)},
		},
	}, nil
}

// Verifier is the stub testing-phase agent. It rejects output for
// obviously empty work orders and accepts everything else.
type Verifier struct {
	logger *log.Logger
}

func NewVerifier(logger *log.Logger) *Verifier {
	if logger == nil {
		logger = log.Default()
	}
	return &Verifier{logger: logger}
}

func (v *Verifier) Execute(ctx context.Context, task domain.AgentTask) (domain.AgentResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.AgentResult{}, err
	}
	if strings.TrimSpace(task.Spec) == "" {
		return domain.AgentResult{
			Success: false,
			Summary: "nothing to verify: empty specification",
		}, nil
	}
	v.logger.Printf("verifier checked: %s", task.Description)
	return domain.AgentResult{
		Success:    true,
		Summary:    "verification passed",
		Confidence: 0.9,
	}, nil
}
