package orchestrator

import (
	"fmt"

	"agentflow/internal/domain"
)

// CyclicDependencyError names a step on the cycle so the rejection is
// actionable for the caller that authored the plan.
type CyclicDependencyError struct {
	StepID string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("plan dependency cycle through step %s", e.StepID)
}

func validatePlan(plan []domain.Step) error {
	if len(plan) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	seen := make(map[string]bool, len(plan))
	for _, step := range plan {
		if step.ID == "" {
			return fmt.Errorf("plan step missing id")
		}
		if seen[step.ID] {
			return fmt.Errorf("duplicate plan step id %s", step.ID)
		}
		seen[step.ID] = true
	}
	for _, step := range plan {
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				return fmt.Errorf("step %s depends on itself", step.ID)
			}
			if !seen[dep] {
				return fmt.Errorf("step %s depends on unknown step %s", step.ID, dep)
			}
		}
	}
	return nil
}

// topoSort orders a validated plan so every step follows its
// dependencies. Depth-first with a temporary mark: revisiting a
// temporarily marked step means a cycle.
func topoSort(plan []domain.Step) ([]domain.Step, error) {
	byID := make(map[string]domain.Step, len(plan))
	for _, step := range plan {
		byID[step.ID] = step
	}

	const (
		unmarked = 0
		visiting = 1
		done     = 2
	)
	marks := make(map[string]int, len(plan))
	ordered := make([]domain.Step, 0, len(plan))

	var visit func(id string) error
	visit = func(id string) error {
		switch marks[id] {
		case done:
			return nil
		case visiting:
			return &CyclicDependencyError{StepID: id}
		}
		marks[id] = visiting
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		marks[id] = done
		ordered = append(ordered, byID[id])
		return nil
	}

	for _, step := range plan {
		if err := visit(step.ID); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
