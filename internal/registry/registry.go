package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"agentflow/internal/domain"
)

var ErrAgentNotFound = errors.New("agent type is not registered")

// Agent is the opaque worker capability contract. The registry resolves
// references to agents but never executes them.
type Agent interface {
	Execute(ctx context.Context, task domain.AgentTask) (domain.AgentResult, error)
}

// Func adapts a plain function to the Agent contract.
type Func func(ctx context.Context, task domain.AgentTask) (domain.AgentResult, error)

func (f Func) Execute(ctx context.Context, task domain.AgentTask) (domain.AgentResult, error) {
	return f(ctx, task)
}

type entry struct {
	agent Agent
	tags  []string
}

// RoutingTable is the static task-type-to-agent-types mapping used by
// ResolveForTask. It is a fixed table, not a learned routing decision.
type RoutingTable struct {
	Routes    map[string][]string `yaml:"routes"`
	Verifiers map[string]string   `yaml:"verifiers"`
}

// Registry maps agent-type names to capabilities and their advertised
// tags. Read-heavy and write-rare: registrations normally happen once
// at process start.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]entry
	routes RoutingTable
}

func New() *Registry {
	return &Registry{
		agents: make(map[string]entry),
		routes: RoutingTable{
			Routes:    map[string][]string{},
			Verifiers: map[string]string{},
		},
	}
}

// Register binds an agent type to a capability. Re-registering the same
// type overwrites; the returned flag lets the orchestration layer log
// the overwrite as a provenance-worthy event.
func (r *Registry) Register(agentType string, agent Agent, tags []string) (replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, replaced = r.agents[agentType]
	r.agents[agentType] = entry{agent: agent, tags: append([]string(nil), tags...)}
	return replaced
}

func (r *Registry) Resolve(agentType string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[agentType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentType)
	}
	return e.agent, nil
}

func (r *Registry) Tags(agentType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[agentType]
	if !ok {
		return nil
	}
	return append([]string(nil), e.tags...)
}

// ResolveForTask returns the ordered agent-type names routed for a task
// type, or nil when the task type has no route.
func (r *Registry) ResolveForTask(taskType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	route, ok := r.routes.Routes[taskType]
	if !ok {
		return nil
	}
	return append([]string(nil), route...)
}

// VerifierFor returns the agent type routed for the task type's testing
// phase, if any.
func (r *Registry) VerifierFor(taskType string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.routes.Verifiers[taskType]
	return v, ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// SetRoutes replaces the routing table.
func (r *Registry) SetRoutes(table RoutingTable) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if table.Routes == nil {
		table.Routes = map[string][]string{}
	}
	if table.Verifiers == nil {
		table.Verifiers = map[string]string{}
	}
	r.routes = table
}

// LoadRoutesFile reads a YAML routing table and installs it.
func (r *Registry) LoadRoutesFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read routing table %s: %w", path, err)
	}
	var table RoutingTable
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return fmt.Errorf("decode routing table: %w", err)
	}
	r.SetRoutes(table)
	return nil
}
