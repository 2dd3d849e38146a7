package planner

import (
	"context"
	"fmt"

	"agentflow/internal/domain"
	"agentflow/internal/registry"
)

// StrategyKey in the request context selects how routed agents are
// arranged. The default is a sequential pipeline; "consensus" runs all
// routed agents on one step and lets the vote pick the result.
const StrategyKey = "strategy"

const StrategyConsensus = "consensus"

// Planner turns a job request into an ordered step plan using the
// static routing table. It is deliberately rule-based: the plan shape
// is fully determined by the request and the installed routes.
type Planner struct {
	registry *registry.Registry
}

func New(reg *registry.Registry) *Planner {
	return &Planner{registry: reg}
}

func (p *Planner) BuildPlan(ctx context.Context, req domain.JobRequest) ([]domain.Step, error) {
	agents := req.RequiredAgents
	if len(agents) == 0 {
		agents = p.registry.ResolveForTask(req.TaskType)
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("no route for task type %q and no required agents given", req.TaskType)
	}

	if req.Context[StrategyKey] == StrategyConsensus && len(agents) > 1 {
		return []domain.Step{{
			ID:          "step-1",
			Description: fmt.Sprintf("consensus decision for %s task", req.TaskType),
			AgentType:   agents[0],
			Candidates:  append([]string(nil), agents...),
			Status:      domain.StepStatusPending,
		}}, nil
	}

	plan := make([]domain.Step, 0, len(agents))
	for i, agentType := range agents {
		step := domain.Step{
			ID:          fmt.Sprintf("step-%d", i+1),
			Description: fmt.Sprintf("%s stage %d of %s task", agentType, i+1, req.TaskType),
			AgentType:   agentType,
			Status:      domain.StepStatusPending,
		}
		if i > 0 {
			step.DependsOn = []string{fmt.Sprintf("step-%d", i)}
		}
		plan = append(plan, step)
	}
	return plan, nil
}
