package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentflow/internal/consensus"
	"agentflow/internal/domain"
	"agentflow/internal/queue"
	"agentflow/internal/registry"
)

const orchestratorComponent = "orchestrator"

const approvalCheckpoint = "pre_execution"

type Store interface {
	CreateJob(ctx context.Context, job domain.Job) error
	UpdateJobStatus(ctx context.Context, jobID string, status domain.JobStatus, lastError string) error
	SetJobPlan(ctx context.Context, jobID string, plan []domain.Step) error
	AppendProvenance(ctx context.Context, jobID string, rec domain.ProvenanceRecord) error
	AppendExecution(ctx context.Context, jobID string, exec domain.AgentExecution) error
	AppendApproval(ctx context.Context, jobID string, approval domain.HumanApproval) error
	ResolveApproval(ctx context.Context, jobID string, checkpoint string, approval domain.HumanApproval) error
	GetJob(ctx context.Context, jobID string) (domain.Job, error)
	GetJobTrace(ctx context.Context, jobID string) (domain.JobTrace, error)
	ListJobs(ctx context.Context) ([]domain.Job, error)
	CountJobsByStatus(ctx context.Context) (map[domain.JobStatus]int, error)
}

type Planner interface {
	BuildPlan(ctx context.Context, req domain.JobRequest) ([]domain.Step, error)
}

type Policy interface {
	ValidateRequest(req domain.JobRequest) error
	RequiresApproval(risk domain.RiskProfile, autonomy domain.AutonomyLevel) bool
}

type EventBus interface {
	Publish(evt domain.JobEvent)
}

type ArtifactSink interface {
	Store(jobID, stepID string, artifact domain.Artifact) (string, error)
}

type Config struct {
	MaxConcurrentJobs int
	MaxQueueDepth     int
	TickInterval      time.Duration
	WatchdogInterval  time.Duration
	CancelGrace       time.Duration
	BudgetUnits       int
	DefaultPriority   int
	DefaultConfidence float64
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 5
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = 256
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 1 * time.Second
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 2 * time.Second
	}
	if c.BudgetUnits <= 0 {
		c.BudgetUnits = 32
	}
	if c.DefaultPriority <= 0 {
		c.DefaultPriority = 5
	}
	if c.DefaultConfidence <= 0 || c.DefaultConfidence > 1 {
		c.DefaultConfidence = 0.8
	}
	return c
}

// Service owns every admitted job from submission to its terminal
// state. Jobs are mutated only by the service; external consumers see
// snapshots and traces.
type Service struct {
	store     Store
	planner   Planner
	policy    Policy
	bus       EventBus
	artifacts ArtifactSink
	registry  *registry.Registry
	cfg       Config
	logger    *log.Logger

	queue  *queue.Queue
	budget *Budget

	// slots caps concurrently running jobs. A suspended job holds no
	// slot; resuming re-acquires one.
	slots chan struct{}

	wg      sync.WaitGroup
	baseCtx context.Context

	mu        sync.Mutex
	jobs      map[string]*domain.Job
	cancels   map[string]context.CancelFunc
	deadlines map[string]time.Time
}

func New(store Store, planner Planner, policy Policy, bus EventBus, artifacts ArtifactSink, reg *registry.Registry, cfg Config, logger *log.Logger) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		store:     store,
		planner:   planner,
		policy:    policy,
		bus:       bus,
		artifacts: artifacts,
		registry:  reg,
		cfg:       cfg,
		logger:    logger,
		queue:     queue.New(cfg.MaxQueueDepth),
		budget:    NewBudget(cfg.BudgetUnits),
		slots:     make(chan struct{}, cfg.MaxConcurrentJobs),
		baseCtx:   context.Background(),
		jobs:      make(map[string]*domain.Job),
		cancels:   make(map[string]context.CancelFunc),
		deadlines: make(map[string]time.Time),
	}
}

func (s *Service) Start(ctx context.Context) {
	s.baseCtx = ctx
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.schedulerLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.watchdogLoop(ctx)
	}()
}

func (s *Service) Wait() {
	s.wg.Wait()
}

// RegisterAgent installs a worker capability. Overwriting a live
// registration is legal but loud, since routed jobs change behavior
// from that point on.
func (s *Service) RegisterAgent(agentType string, agent registry.Agent, tags []string) {
	if replaced := s.registry.Register(agentType, agent, tags); replaced {
		s.logger.Printf("agent type %s re-registered, previous capability replaced", agentType)
	}
}

func (s *Service) SubmitJob(ctx context.Context, req domain.JobRequest) (string, error) {
	if req.Risk == "" {
		req.Risk = domain.RiskLow
	}
	if req.Autonomy == "" {
		req.Autonomy = domain.AutonomyAutonomous
	}
	if err := s.policy.ValidateRequest(req); err != nil {
		return "", fmt.Errorf("reject job request: %w", err)
	}
	if req.Priority <= 0 {
		req.Priority = s.cfg.DefaultPriority
	}
	if s.queue.Len() >= s.cfg.MaxQueueDepth {
		return "", queue.ErrQueueFull
	}
	if err := s.budget.Acquire(1); err != nil {
		return "", err
	}

	job := &domain.Job{
		ID:        newJobID(),
		Request:   req,
		Status:    domain.JobStatusQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateJob(ctx, *job); err != nil {
		s.budget.Release(1)
		return "", err
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	if req.Timeout > 0 {
		s.deadlines[job.ID] = job.CreatedAt.Add(req.Timeout)
	}
	s.mu.Unlock()

	if err := s.queue.Enqueue(job); err != nil {
		s.mu.Lock()
		delete(s.jobs, job.ID)
		delete(s.deadlines, job.ID)
		s.mu.Unlock()
		s.budget.Release(1)
		_ = s.store.UpdateJobStatus(ctx, job.ID, domain.JobStatusFailed, err.Error())
		return "", err
	}

	s.recordProvenance(job.ID, "job_queued", fmt.Sprintf("admitted %s job at priority %d", req.TaskType, req.Priority), nil, 0)
	s.publish(job.ID, domain.JobStatusQueued, "job_queued", "")
	return job.ID, nil
}

// GetJob returns a point-in-time copy. Mutating the copy has no effect
// on the live job.
// GetJob prefers the live in-memory view and falls back to the store,
// so jobs from previous process lifetimes stay addressable.
func (s *Service) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if ok {
		snap := snapshotJob(job)
		s.mu.Unlock()
		return snap, nil
	}
	s.mu.Unlock()
	return s.store.GetJob(ctx, jobID)
}

func (s *Service) GetJobTrace(ctx context.Context, jobID string) (domain.JobTrace, error) {
	return s.store.GetJobTrace(ctx, jobID)
}

func (s *Service) ListJobs(ctx context.Context) ([]domain.Job, error) {
	return s.store.ListJobs(ctx)
}

type Stats struct {
	QueueDepth      int                      `json:"queue_depth"`
	RunningJobs     int                      `json:"running_jobs"`
	BudgetAvailable int                      `json:"budget_available"`
	RegisteredTypes int                      `json:"registered_types"`
	JobsByStatus    map[domain.JobStatus]int `json:"jobs_by_status"`
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.store.CountJobsByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		QueueDepth:      s.queue.Len(),
		RunningJobs:     len(s.slots),
		BudgetAvailable: s.budget.Available(),
		RegisteredTypes: s.registry.Count(),
		JobsByStatus:    counts,
	}, nil
}

// CancelJob is cooperative. Queued and suspended jobs cancel
// immediately; a running job is signalled through its context and
// force-finalized only after the grace window.
func (s *Service) CancelJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job not found: %s", jobID)
	}
	status := job.Status
	cancel := s.cancels[jobID]
	s.mu.Unlock()

	if status.Terminal() {
		return fmt.Errorf("job %s is already final (%s)", jobID, status)
	}

	switch status {
	case domain.JobStatusQueued:
		s.queue.Remove(jobID)
		s.finishJob(jobID, domain.JobStatusCancelled, "cancelled while queued", "job_cancelled")
		return nil
	case domain.JobStatusAwaitingApproval:
		s.finishJob(jobID, domain.JobStatusCancelled, "cancelled while awaiting approval", "job_cancelled")
		return nil
	}

	if cancel != nil {
		cancel()
	}
	grace := s.cfg.CancelGrace
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-time.After(grace):
		case <-s.baseCtx.Done():
			return
		}
		s.mu.Lock()
		stale := s.jobs[jobID] != nil && !s.jobs[jobID].Status.Terminal()
		s.mu.Unlock()
		if stale {
			s.finishJob(jobID, domain.JobStatusCancelled, "cancelled after grace timeout", "job_cancelled")
		}
	}()
	return nil
}

// ResolveApproval settles the pending pre-execution checkpoint.
// Approval resumes execution on a fresh concurrency slot; rejection
// cancels the job.
func (s *Service) ResolveApproval(ctx context.Context, jobID string, decision domain.ApprovalDecision, approver, comments string) error {
	if decision != domain.ApprovalApproved && decision != domain.ApprovalRejected {
		return fmt.Errorf("invalid approval decision %q", decision)
	}

	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job not found: %s", jobID)
	}
	if job.Status != domain.JobStatusAwaitingApproval {
		status := job.Status
		s.mu.Unlock()
		return fmt.Errorf("job %s is not awaiting approval (%s)", jobID, status)
	}
	s.mu.Unlock()

	resolvedAt := time.Now().UTC()
	approval := domain.HumanApproval{
		Checkpoint: approvalCheckpoint,
		Decision:   decision,
		Approver:   approver,
		Comments:   comments,
		ResolvedAt: &resolvedAt,
	}
	if err := s.store.ResolveApproval(ctx, jobID, approvalCheckpoint, approval); err != nil {
		return err
	}

	s.mu.Lock()
	for i := len(job.Approvals) - 1; i >= 0; i-- {
		if job.Approvals[i].Checkpoint == approvalCheckpoint && job.Approvals[i].Decision == domain.ApprovalPending {
			job.Approvals[i].Decision = decision
			job.Approvals[i].Approver = approver
			job.Approvals[i].Comments = comments
			job.Approvals[i].ResolvedAt = &resolvedAt
			break
		}
	}
	s.mu.Unlock()

	s.recordProvenance(jobID, "approval_resolved", fmt.Sprintf("checkpoint %s %s by %s", approvalCheckpoint, decision, approver), nil, 0)

	if decision == domain.ApprovalRejected {
		s.finishJob(jobID, domain.JobStatusCancelled, "approval rejected", "job_cancelled")
		return nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case s.slots <- struct{}{}:
		case <-s.baseCtx.Done():
			return
		}
		defer func() { <-s.slots }()

		jobCtx, cancel := context.WithCancel(s.baseCtx)
		s.setCancel(jobID, cancel)
		defer cancel()
		s.executeAndVerify(jobCtx, jobID)
	}()
	return nil
}

func (s *Service) schedulerLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchOnce(ctx)
		}
	}
}

func (s *Service) dispatchOnce(ctx context.Context) {
	for {
		select {
		case s.slots <- struct{}{}:
		default:
			return
		}
		job := s.queue.DequeueNext()
		if job == nil {
			<-s.slots
			return
		}
		s.wg.Add(1)
		go func(job *domain.Job) {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			s.runJob(ctx, job)
		}(job)
	}
}

func (s *Service) runJob(ctx context.Context, job *domain.Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	s.setCancel(job.ID, cancel)
	defer cancel()

	if err := s.transition(job.ID, domain.JobStatusPlanning, ""); err != nil {
		s.logger.Printf("job %s: %v", job.ID, err)
		return
	}
	s.recordProvenance(job.ID, "job_planning", "planner engaged", nil, 0)

	plan, err := s.planner.BuildPlan(jobCtx, job.Request)
	if err != nil {
		if jobCtx.Err() != nil {
			s.finishJob(job.ID, domain.JobStatusCancelled, "cancelled during planning", "job_cancelled")
			return
		}
		s.finishJob(job.ID, domain.JobStatusFailed, fmt.Sprintf("planning failed: %v", err), "job_failed")
		return
	}
	if jobCtx.Err() != nil {
		s.finishJob(job.ID, domain.JobStatusCancelled, "cancelled during planning", "job_cancelled")
		return
	}
	if err := validatePlan(plan); err != nil {
		s.finishJob(job.ID, domain.JobStatusFailed, fmt.Sprintf("invalid plan: %v", err), "job_failed")
		return
	}
	ordered, err := topoSort(plan)
	if err != nil {
		s.finishJob(job.ID, domain.JobStatusFailed, fmt.Sprintf("invalid plan: %v", err), "job_failed")
		return
	}
	if err := s.checkAgentsResolvable(ordered); err != nil {
		s.finishJob(job.ID, domain.JobStatusFailed, err.Error(), "job_failed")
		return
	}
	s.installPlan(job.ID, ordered)

	if s.policy.RequiresApproval(job.Request.Risk, job.Request.Autonomy) {
		if err := s.transition(job.ID, domain.JobStatusAwaitingApproval, ""); err != nil {
			s.logger.Printf("job %s: %v", job.ID, err)
			return
		}
		approval := domain.HumanApproval{
			Checkpoint:  approvalCheckpoint,
			RequestedAt: time.Now().UTC(),
			Decision:    domain.ApprovalPending,
		}
		s.mu.Lock()
		s.jobs[job.ID].Approvals = append(s.jobs[job.ID].Approvals, approval)
		s.mu.Unlock()
		if err := s.store.AppendApproval(s.baseCtx, job.ID, approval); err != nil {
			s.logger.Printf("job %s: persist approval: %v", job.ID, err)
		}
		s.recordProvenance(job.ID, "approval_requested",
			fmt.Sprintf("risk %s with autonomy %s requires a human checkpoint", job.Request.Risk, job.Request.Autonomy), nil, 0)
		// Slot released on return; the resume path re-acquires one.
		return
	}

	s.executeAndVerify(jobCtx, job.ID)
}

func (s *Service) executeAndVerify(ctx context.Context, jobID string) {
	if err := s.transition(jobID, domain.JobStatusExecuting, ""); err != nil {
		s.logger.Printf("job %s: %v", jobID, err)
		return
	}
	s.recordProvenance(jobID, "job_executing", "plan dispatch started", nil, 0)

	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	plan := append([]domain.Step(nil), job.Plan...)
	req := job.Request
	deadline, hasDeadline := s.deadlines[jobID]
	s.mu.Unlock()

	for _, step := range plan {
		if step.Status == domain.StepStatusCompleted {
			continue
		}
		if ctx.Err() != nil {
			s.finishJob(jobID, domain.JobStatusCancelled, "cancelled during execution", "job_cancelled")
			return
		}

		execCtx := ctx
		var execCancel context.CancelFunc
		if hasDeadline {
			execCtx, execCancel = context.WithDeadline(ctx, deadline)
		}
		s.setStepStatus(jobID, step.ID, domain.StepStatusRunning)
		err := s.executeStep(execCtx, jobID, req, step)
		if execCancel != nil {
			execCancel()
		}
		if err != nil {
			s.setStepStatus(jobID, step.ID, domain.StepStatusFailed)
			switch {
			case hasDeadline && errors.Is(err, context.DeadlineExceeded):
				s.finishJob(jobID, domain.JobStatusFailed, "job timeout exceeded", "job_timeout")
			case ctx.Err() != nil:
				s.finishJob(jobID, domain.JobStatusCancelled, "cancelled during execution", "job_cancelled")
			default:
				s.finishJob(jobID, domain.JobStatusFailed, fmt.Sprintf("step %s failed: %v", step.ID, err), "job_failed")
			}
			return
		}
		s.setStepStatus(jobID, step.ID, domain.StepStatusCompleted)
	}

	if err := s.transition(jobID, domain.JobStatusTesting, ""); err != nil {
		s.logger.Printf("job %s: %v", jobID, err)
		return
	}
	s.recordProvenance(jobID, "job_testing", "verification phase", nil, 0)

	if err := s.verify(ctx, jobID, req); err != nil {
		switch {
		case ctx.Err() != nil:
			s.finishJob(jobID, domain.JobStatusCancelled, "cancelled during verification", "job_cancelled")
		default:
			s.finishJob(jobID, domain.JobStatusFailed, fmt.Sprintf("verification failed: %v", err), "job_failed")
		}
		return
	}

	s.finishJob(jobID, domain.JobStatusCompleted, "", "job_completed")
}

// executeStep runs every candidate agent for the step. A single
// candidate must succeed outright; with multiple candidates, each
// successful result becomes a proposal and consensus picks the winner.
func (s *Service) executeStep(ctx context.Context, jobID string, req domain.JobRequest, step domain.Step) error {
	candidates := step.Candidates
	if len(candidates) == 0 {
		candidates = []string{step.AgentType}
	}

	task := domain.AgentTask{
		Description: step.Description,
		Spec:        req.Spec,
		Context:     req.Context,
	}

	var proposals []domain.Proposal
	var lastErr error
	for _, agentType := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		agent, err := s.registry.Resolve(agentType)
		if err != nil {
			now := time.Now().UTC()
			s.recordExecution(jobID, domain.AgentExecution{
				ID:        uuid.NewString(),
				StepID:    step.ID,
				AgentType: agentType,
				Outcome:   domain.OutcomeError,
				Details:   err.Error(),
				StartedAt: now,
				EndedAt:   now,
			})
			lastErr = err
			continue
		}

		started := time.Now().UTC()
		result, err := agent.Execute(ctx, task)
		ended := time.Now().UTC()

		exec := domain.AgentExecution{
			ID:        uuid.NewString(),
			StepID:    step.ID,
			AgentType: agentType,
			StartedAt: started,
			EndedAt:   ended,
		}
		if err != nil {
			exec.Outcome = domain.OutcomeError
			exec.Details = err.Error()
			s.recordExecution(jobID, exec)
			lastErr = err
			continue
		}

		exec.Confidence = s.normalizeConfidence(result.Confidence)
		exec.Details = result.Summary
		switch {
		case !result.Success:
			exec.Outcome = domain.OutcomeError
		case len(result.Warnings) > 0:
			exec.Outcome = domain.OutcomeWarn
			exec.Details = fmt.Sprintf("%s (warnings: %d)", result.Summary, len(result.Warnings))
		default:
			exec.Outcome = domain.OutcomeOK
		}
		exec.Artifacts = s.storeArtifacts(jobID, step.ID, result.Artifacts)
		s.recordExecution(jobID, exec)

		if !result.Success {
			lastErr = fmt.Errorf("agent %s reported failure: %s", agentType, result.Summary)
			continue
		}
		proposals = append(proposals, domain.Proposal{
			AgentType:  agentType,
			Proposal:   result.Summary,
			Confidence: exec.Confidence,
			Reasoning:  result.Explanation,
		})
	}

	if len(proposals) == 0 {
		if lastErr != nil {
			return lastErr
		}
		return fmt.Errorf("no agent produced a result for step %s", step.ID)
	}

	if len(candidates) > 1 {
		decision, err := consensus.Vote(proposals)
		if err != nil {
			return err
		}
		var losers []string
		for _, p := range proposals {
			if p.AgentType != decision.Winner.AgentType {
				losers = append(losers, p.AgentType)
			}
		}
		s.recordProvenance(jobID, "step_consensus",
			fmt.Sprintf("step %s: %s", step.ID, decision.Reasoning), losers, decision.Confidence)
	}
	return nil
}

func (s *Service) verify(ctx context.Context, jobID string, req domain.JobRequest) error {
	verifierType, ok := s.registry.VerifierFor(req.TaskType)
	if !ok {
		return nil
	}
	agent, err := s.registry.Resolve(verifierType)
	if err != nil {
		return err
	}

	started := time.Now().UTC()
	result, err := agent.Execute(ctx, domain.AgentTask{
		Description: fmt.Sprintf("verify %s job output", req.TaskType),
		Spec:        req.Spec,
		Context:     req.Context,
	})
	ended := time.Now().UTC()

	exec := domain.AgentExecution{
		ID:        uuid.NewString(),
		StepID:    "verify",
		AgentType: verifierType,
		StartedAt: started,
		EndedAt:   ended,
	}
	if err != nil {
		exec.Outcome = domain.OutcomeError
		exec.Details = err.Error()
		s.recordExecution(jobID, exec)
		return err
	}
	exec.Confidence = s.normalizeConfidence(result.Confidence)
	exec.Details = result.Summary
	exec.Outcome = domain.OutcomeOK
	if !result.Success {
		exec.Outcome = domain.OutcomeError
	}
	exec.Artifacts = s.storeArtifacts(jobID, "verify", result.Artifacts)
	s.recordExecution(jobID, exec)

	if !result.Success {
		return fmt.Errorf("verifier %s rejected the output: %s", verifierType, result.Summary)
	}
	return nil
}

func (s *Service) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.watchdogOnce()
		}
	}
}

// watchdogOnce expires jobs whose deadline passed while they held no
// running goroutine. Running jobs enforce the same deadline through
// their execution context.
func (s *Service) watchdogOnce() {
	now := time.Now().UTC()

	s.mu.Lock()
	var expired []string
	for jobID, deadline := range s.deadlines {
		job, ok := s.jobs[jobID]
		if !ok || now.Before(deadline) {
			continue
		}
		if job.Status == domain.JobStatusQueued || job.Status == domain.JobStatusAwaitingApproval {
			expired = append(expired, jobID)
		}
	}
	s.mu.Unlock()

	for _, jobID := range expired {
		s.queue.Remove(jobID)
		s.finishJob(jobID, domain.JobStatusCancelled, "job timeout exceeded", "job_timeout")
	}
}

func (s *Service) checkAgentsResolvable(plan []domain.Step) error {
	for _, step := range plan {
		candidates := step.Candidates
		if len(candidates) == 0 {
			candidates = []string{step.AgentType}
		}
		for _, agentType := range candidates {
			if _, err := s.registry.Resolve(agentType); err != nil {
				return fmt.Errorf("step %s: %w", step.ID, err)
			}
		}
	}
	return nil
}

func (s *Service) installPlan(jobID string, plan []domain.Step) {
	for i := range plan {
		if plan[i].Status == "" {
			plan[i].Status = domain.StepStatusPending
		}
	}
	s.mu.Lock()
	if job, ok := s.jobs[jobID]; ok {
		job.Plan = plan
	}
	s.mu.Unlock()
	if err := s.store.SetJobPlan(s.baseCtx, jobID, plan); err != nil {
		s.logger.Printf("job %s: persist plan: %v", jobID, err)
	}
}

func (s *Service) setStepStatus(jobID, stepID string, status domain.StepStatus) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	var plan []domain.Step
	if ok {
		for i := range job.Plan {
			if job.Plan[i].ID == stepID {
				job.Plan[i].Status = status
				break
			}
		}
		plan = append([]domain.Step(nil), job.Plan...)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := s.store.SetJobPlan(s.baseCtx, jobID, plan); err != nil {
		s.logger.Printf("job %s: persist step status: %v", jobID, err)
	}
}

func (s *Service) transition(jobID string, to domain.JobStatus, errMsg string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job not found: %s", jobID)
	}
	if err := ValidateTransition(job.Status, to); err != nil {
		s.mu.Unlock()
		return err
	}
	job.Status = to
	now := time.Now().UTC()
	if to == domain.JobStatusPlanning && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if to.Terminal() {
		job.CompletedAt = &now
		job.Err = errMsg
	}
	s.mu.Unlock()

	if err := s.store.UpdateJobStatus(s.baseCtx, jobID, to, errMsg); err != nil {
		s.logger.Printf("job %s: persist status %s: %v", jobID, to, err)
	}
	return nil
}

// finishJob drives a job to a terminal state and releases its budget
// unit. Safe to call from racing paths; only the first valid
// transition wins.
func (s *Service) finishJob(jobID string, to domain.JobStatus, reason, decision string) {
	if err := s.transition(jobID, to, reason); err != nil {
		return
	}
	s.recordProvenance(jobID, decision, reason, nil, 0)
	s.publish(jobID, to, decision, reason)

	s.mu.Lock()
	if cancel, ok := s.cancels[jobID]; ok {
		delete(s.cancels, jobID)
		defer cancel()
	}
	delete(s.deadlines, jobID)
	s.mu.Unlock()

	s.budget.Release(1)
	if reason != "" {
		s.logger.Printf("job %s finished %s: %s", jobID, to, reason)
	} else {
		s.logger.Printf("job %s finished %s", jobID, to)
	}
}

func (s *Service) setCancel(jobID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels[jobID] = cancel
	s.mu.Unlock()
}

func (s *Service) recordProvenance(jobID, decision, reasoning string, alternatives []string, confidence float64) {
	rec := domain.ProvenanceRecord{
		ID:           uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Component:    orchestratorComponent,
		Decision:     decision,
		Alternatives: alternatives,
		Reasoning:    reasoning,
		Confidence:   confidence,
	}
	s.mu.Lock()
	if job, ok := s.jobs[jobID]; ok {
		job.Provenance = append(job.Provenance, rec)
	}
	s.mu.Unlock()
	if err := s.store.AppendProvenance(s.baseCtx, jobID, rec); err != nil {
		s.logger.Printf("job %s: persist provenance: %v", jobID, err)
	}
}

func (s *Service) recordExecution(jobID string, exec domain.AgentExecution) {
	s.mu.Lock()
	if job, ok := s.jobs[jobID]; ok {
		job.Executions = append(job.Executions, exec)
	}
	s.mu.Unlock()
	if err := s.store.AppendExecution(s.baseCtx, jobID, exec); err != nil {
		s.logger.Printf("job %s: persist execution: %v", jobID, err)
	}
}

func (s *Service) storeArtifacts(jobID, stepID string, artifacts []domain.Artifact) []string {
	if s.artifacts == nil || len(artifacts) == 0 {
		return nil
	}
	paths := make([]string, 0, len(artifacts))
	for _, artifact := range artifacts {
		path, err := s.artifacts.Store(jobID, stepID, artifact)
		if err != nil {
			s.logger.Printf("job %s: store artifact %s: %v", jobID, artifact.Name, err)
			continue
		}
		paths = append(paths, path)
	}
	return paths
}

func (s *Service) publish(jobID string, status domain.JobStatus, decision, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(domain.JobEvent{
		JobID:     jobID,
		Status:    status,
		Decision:  decision,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	})
}

func (s *Service) normalizeConfidence(v float64) float64 {
	if v <= 0 || v > 1 {
		return s.cfg.DefaultConfidence
	}
	return v
}

func snapshotJob(job *domain.Job) domain.Job {
	copied := *job
	copied.Plan = append([]domain.Step(nil), job.Plan...)
	copied.Executions = append([]domain.AgentExecution(nil), job.Executions...)
	copied.Provenance = append([]domain.ProvenanceRecord(nil), job.Provenance...)
	copied.Approvals = append([]domain.HumanApproval(nil), job.Approvals...)
	return copied
}
