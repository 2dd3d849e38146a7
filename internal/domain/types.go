package domain

import (
	"time"
)

type JobStatus string

const (
	JobStatusQueued           JobStatus = "queued"
	JobStatusPlanning         JobStatus = "planning"
	JobStatusAwaitingApproval JobStatus = "awaiting_approval"
	JobStatusExecuting        JobStatus = "executing"
	JobStatusTesting          JobStatus = "testing"
	JobStatusCompleted        JobStatus = "completed"
	JobStatusFailed           JobStatus = "failed"
	JobStatusCancelled        JobStatus = "cancelled"
)

type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

type RiskProfile string

const (
	RiskLow      RiskProfile = "low"
	RiskMedium   RiskProfile = "medium"
	RiskHigh     RiskProfile = "high"
	RiskCritical RiskProfile = "critical"
)

type AutonomyLevel string

const (
	AutonomyAutonomous AutonomyLevel = "autonomous"
	AutonomyAssist     AutonomyLevel = "assist"
	AutonomyAudit      AutonomyLevel = "audit"
)

type ExecutionOutcome string

const (
	OutcomeOK    ExecutionOutcome = "ok"
	OutcomeWarn  ExecutionOutcome = "warn"
	OutcomeError ExecutionOutcome = "error"
)

type ApprovalDecision string

const (
	ApprovalPending  ApprovalDecision = "pending"
	ApprovalApproved ApprovalDecision = "approved"
	ApprovalRejected ApprovalDecision = "rejected"
)

// JobRequest is the immutable submission input. The scheduler never
// interprets Spec content, only the declared structure around it.
type JobRequest struct {
	TaskType       string            `json:"task_type"`
	Spec           string            `json:"spec"`
	Risk           RiskProfile       `json:"risk"`
	Autonomy       AutonomyLevel     `json:"autonomy"`
	Priority       int               `json:"priority"`
	Timeout        time.Duration     `json:"timeout,omitempty"`
	RequiredAgents []string          `json:"required_agents,omitempty"`
	Context        map[string]string `json:"context,omitempty"`
}

// Step is one node of a job plan. AgentType is the primary executor;
// when Candidates lists more than one agent type the step is a
// decision point and every candidate runs, with consensus picking the
// winning result.
type Step struct {
	ID                string        `json:"id"`
	Description       string        `json:"description"`
	AgentType         string        `json:"agent_type"`
	Candidates        []string      `json:"candidates,omitempty"`
	DependsOn         []string      `json:"depends_on,omitempty"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
	Status            StepStatus    `json:"status"`
}

// AgentTask is the input handed to a worker agent for one step.
type AgentTask struct {
	Description string            `json:"description"`
	Spec        string            `json:"spec"`
	Context     map[string]string `json:"context,omitempty"`
}

type Artifact struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// AgentResult is the worker-side output contract. Confidence outside
// (0, 1] is normalized to the configured default at the orchestrator
// boundary rather than trusted as-is.
type AgentResult struct {
	Success     bool       `json:"success"`
	Summary     string     `json:"summary"`
	Confidence  float64    `json:"confidence"`
	Artifacts   []Artifact `json:"artifacts,omitempty"`
	Warnings    []string   `json:"warnings,omitempty"`
	Explanation string     `json:"explanation,omitempty"`
}

// AgentExecution is the immutable record of one worker invocation.
// Retries create new records, never edits.
type AgentExecution struct {
	ID         string           `json:"id"`
	StepID     string           `json:"step_id"`
	AgentType  string           `json:"agent_type"`
	StartedAt  time.Time        `json:"started_at"`
	EndedAt    time.Time        `json:"ended_at"`
	Outcome    ExecutionOutcome `json:"outcome"`
	Details    string           `json:"details"`
	Confidence float64          `json:"confidence"`
	Artifacts  []string         `json:"artifacts,omitempty"`
}

type ProvenanceRecord struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Component    string    `json:"component"`
	Decision     string    `json:"decision"`
	Alternatives []string  `json:"alternatives,omitempty"`
	Reasoning    string    `json:"reasoning"`
	Confidence   float64   `json:"confidence"`
}

type HumanApproval struct {
	Checkpoint  string           `json:"checkpoint"`
	RequestedAt time.Time        `json:"requested_at"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty"`
	Approver    string           `json:"approver,omitempty"`
	Decision    ApprovalDecision `json:"decision"`
	Comments    string           `json:"comments,omitempty"`
}

// Job is the core mutable aggregate, owned exclusively by the scheduler
// for its lifetime. Plan is set exactly once at planning time and never
// reordered afterwards; step status fields are the only part of Plan
// that mutate during execution.
type Job struct {
	ID          string             `json:"id"`
	Request     JobRequest         `json:"request"`
	Status      JobStatus          `json:"status"`
	Plan        []Step             `json:"plan,omitempty"`
	Executions  []AgentExecution   `json:"executions,omitempty"`
	Provenance  []ProvenanceRecord `json:"provenance,omitempty"`
	Approvals   []HumanApproval    `json:"approvals,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Err         string             `json:"error,omitempty"`
}

// JobTrace is the immutable snapshot exposed to external consumers in
// place of the live Job.
type JobTrace struct {
	JobID       string             `json:"job_id"`
	TaskType    string             `json:"task_type"`
	Status      JobStatus          `json:"status"`
	Plan        []Step             `json:"plan,omitempty"`
	Executions  []AgentExecution   `json:"executions,omitempty"`
	Provenance  []ProvenanceRecord `json:"provenance,omitempty"`
	Approvals   []HumanApproval    `json:"approvals,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Err         string             `json:"error,omitempty"`
}

// Proposal is one worker's candidate output for a decision point.
type Proposal struct {
	AgentType  string  `json:"agent_type"`
	Proposal   string  `json:"proposal"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

type ConsensusDecision struct {
	Winner     Proposal `json:"winner"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
}

// JobEvent is a lifecycle notification published on the event bus for
// observers (log sinks, compliance exporters).
type JobEvent struct {
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	Decision  string    `json:"decision"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}
