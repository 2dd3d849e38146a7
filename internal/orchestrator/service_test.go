package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"agentflow/internal/domain"
	"agentflow/internal/fs"
	"agentflow/internal/policy"
	"agentflow/internal/registry"
	"agentflow/internal/store/sqlite"
)

type plannerFunc func(ctx context.Context, req domain.JobRequest) ([]domain.Step, error)

func (f plannerFunc) BuildPlan(ctx context.Context, req domain.JobRequest) ([]domain.Step, error) {
	return f(ctx, req)
}

func singleStepPlanner(agentType string) plannerFunc {
	return func(ctx context.Context, req domain.JobRequest) ([]domain.Step, error) {
		return []domain.Step{{ID: "step-1", Description: "do the work", AgentType: agentType}}, nil
	}
}

func okAgent(confidence float64) registry.Func {
	return func(ctx context.Context, task domain.AgentTask) (domain.AgentResult, error) {
		return domain.AgentResult{Success: true, Summary: "done", Confidence: confidence}, nil
	}
}

func blockingAgent(release <-chan struct{}) registry.Func {
	return func(ctx context.Context, task domain.AgentTask) (domain.AgentResult, error) {
		select {
		case <-release:
			return domain.AgentResult{Success: true, Summary: "done", Confidence: 0.9}, nil
		case <-ctx.Done():
			return domain.AgentResult{}, ctx.Err()
		}
	}
}

func newTestService(t *testing.T, planner Planner, cfg Config) (*Service, context.CancelFunc) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	gateway, err := fs.NewGateway(t.TempDir())
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	if cfg.TickInterval == 0 {
		cfg.TickInterval = 10 * time.Millisecond
	}
	if cfg.WatchdogInterval == 0 {
		cfg.WatchdogInterval = 20 * time.Millisecond
	}
	if cfg.CancelGrace == 0 {
		cfg.CancelGrace = 200 * time.Millisecond
	}

	svc := New(store, planner, policy.New(), nil, gateway, registry.New(), cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	return svc, cancel
}

func waitForStatus(t *testing.T, svc *Service, jobID string, want domain.JobStatus) domain.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := svc.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Status == want {
			return job
		}
		if job.Status.Terminal() && job.Status != want {
			t.Fatalf("job %s reached terminal %s (error %q), want %s", jobID, job.Status, job.Err, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := svc.GetJob(context.Background(), jobID)
	t.Fatalf("job %s stuck in %s, want %s", jobID, job.Status, want)
	return domain.Job{}
}

func TestJobCompletesFullLifecycle(t *testing.T) {
	svc, cancel := newTestService(t, singleStepPlanner("coder"), Config{})
	defer cancel()
	svc.RegisterAgent("coder", okAgent(0.95), []string{"golang"})

	jobID, err := svc.SubmitJob(context.Background(), domain.JobRequest{
		TaskType: "code_generation",
		Spec:     "write a widget",
		Risk:     domain.RiskLow,
		Autonomy: domain.AutonomyAutonomous,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	job := waitForStatus(t, svc, jobID, domain.JobStatusCompleted)
	if job.StartedAt == nil || job.CompletedAt == nil {
		t.Fatalf("expected timestamps, got %v %v", job.StartedAt, job.CompletedAt)
	}

	trace, err := svc.GetJobTrace(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get trace: %v", err)
	}
	decisions := make([]string, 0, len(trace.Provenance))
	for _, rec := range trace.Provenance {
		decisions = append(decisions, rec.Decision)
	}
	for _, want := range []string{"job_queued", "job_planning", "job_executing", "job_testing", "job_completed"} {
		if !containsString(decisions, want) {
			t.Fatalf("provenance missing %s: %v", want, decisions)
		}
	}
	if len(trace.Executions) != 1 || trace.Executions[0].Outcome != domain.OutcomeOK {
		t.Fatalf("unexpected executions: %+v", trace.Executions)
	}
}

func TestFailFastSkipsDownstreamSteps(t *testing.T) {
	var thirdRuns atomic.Int32
	planner := plannerFunc(func(ctx context.Context, req domain.JobRequest) ([]domain.Step, error) {
		return []domain.Step{
			{ID: "s1", Description: "first", AgentType: "first"},
			{ID: "s2", Description: "second", AgentType: "second", DependsOn: []string{"s1"}},
			{ID: "s3", Description: "third", AgentType: "third", DependsOn: []string{"s2"}},
		}, nil
	})
	svc, cancel := newTestService(t, planner, Config{})
	defer cancel()
	svc.RegisterAgent("first", okAgent(0.9), nil)
	svc.RegisterAgent("second", registry.Func(func(ctx context.Context, task domain.AgentTask) (domain.AgentResult, error) {
		return domain.AgentResult{}, errors.New("compile error")
	}), nil)
	svc.RegisterAgent("third", registry.Func(func(ctx context.Context, task domain.AgentTask) (domain.AgentResult, error) {
		thirdRuns.Add(1)
		return domain.AgentResult{Success: true}, nil
	}), nil)

	jobID, err := svc.SubmitJob(context.Background(), domain.JobRequest{TaskType: "pipeline", Spec: "chain"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	job := waitForStatus(t, svc, jobID, domain.JobStatusFailed)
	if job.Err == "" {
		t.Fatalf("expected failure reason")
	}
	if thirdRuns.Load() != 0 {
		t.Fatalf("downstream step ran after upstream failure")
	}
	for _, step := range job.Plan {
		switch step.ID {
		case "s2":
			if step.Status != domain.StepStatusFailed {
				t.Fatalf("s2 status=%s", step.Status)
			}
		case "s3":
			if step.Status != domain.StepStatusPending {
				t.Fatalf("s3 status=%s", step.Status)
			}
		}
	}
}

func TestHighRiskAssistedJobWaitsForApproval(t *testing.T) {
	svc, cancel := newTestService(t, singleStepPlanner("deployer"), Config{})
	defer cancel()
	svc.RegisterAgent("deployer", okAgent(0.9), nil)

	jobID, err := svc.SubmitJob(context.Background(), domain.JobRequest{
		TaskType: "deployment",
		Spec:     "ship to prod",
		Risk:     domain.RiskCritical,
		Autonomy: domain.AutonomyAssist,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	job := waitForStatus(t, svc, jobID, domain.JobStatusAwaitingApproval)
	if len(job.Approvals) != 1 || job.Approvals[0].Decision != domain.ApprovalPending {
		t.Fatalf("expected one pending approval, got %+v", job.Approvals)
	}

	if err := svc.ResolveApproval(context.Background(), jobID, domain.ApprovalApproved, "ops", "plan looks sane"); err != nil {
		t.Fatalf("resolve approval: %v", err)
	}
	waitForStatus(t, svc, jobID, domain.JobStatusCompleted)

	trace, err := svc.GetJobTrace(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get trace: %v", err)
	}
	if len(trace.Approvals) != 1 || trace.Approvals[0].Decision != domain.ApprovalApproved || trace.Approvals[0].ResolvedAt == nil {
		t.Fatalf("approval not persisted as resolved: %+v", trace.Approvals)
	}
}

func TestApprovalRejectionCancelsJob(t *testing.T) {
	svc, cancel := newTestService(t, singleStepPlanner("deployer"), Config{})
	defer cancel()
	svc.RegisterAgent("deployer", okAgent(0.9), nil)

	jobID, err := svc.SubmitJob(context.Background(), domain.JobRequest{
		TaskType: "deployment",
		Spec:     "ship to prod",
		Risk:     domain.RiskHigh,
		Autonomy: domain.AutonomyAudit,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitForStatus(t, svc, jobID, domain.JobStatusAwaitingApproval)
	if err := svc.ResolveApproval(context.Background(), jobID, domain.ApprovalRejected, "ops", "too risky today"); err != nil {
		t.Fatalf("resolve approval: %v", err)
	}
	waitForStatus(t, svc, jobID, domain.JobStatusCancelled)
}

func TestConcurrencyCeilingHoldsExcessJobsQueued(t *testing.T) {
	release := make(chan struct{})
	svc, cancel := newTestService(t, singleStepPlanner("worker"), Config{MaxConcurrentJobs: 2})
	defer cancel()
	svc.RegisterAgent("worker", blockingAgent(release), nil)

	var jobIDs []string
	for i := 0; i < 3; i++ {
		jobID, err := svc.SubmitJob(context.Background(), domain.JobRequest{TaskType: "batch", Spec: fmt.Sprintf("item %d", i)})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		jobIDs = append(jobIDs, jobID)
	}

	waitForStatus(t, svc, jobIDs[0], domain.JobStatusExecuting)
	waitForStatus(t, svc, jobIDs[1], domain.JobStatusExecuting)

	// The third job must stay queued while both slots are held.
	time.Sleep(100 * time.Millisecond)
	third, err := svc.GetJob(context.Background(), jobIDs[2])
	if err != nil {
		t.Fatalf("get third job: %v", err)
	}
	if third.Status != domain.JobStatusQueued {
		t.Fatalf("third job status=%s want queued", third.Status)
	}

	close(release)
	for _, jobID := range jobIDs {
		waitForStatus(t, svc, jobID, domain.JobStatusCompleted)
	}
}

func TestCancelQueuedJobIsPermanent(t *testing.T) {
	release := make(chan struct{})
	svc, cancel := newTestService(t, singleStepPlanner("worker"), Config{MaxConcurrentJobs: 1})
	defer cancel()
	svc.RegisterAgent("worker", blockingAgent(release), nil)

	first, err := svc.SubmitJob(context.Background(), domain.JobRequest{TaskType: "batch", Spec: "one"})
	if err != nil {
		t.Fatalf("submit first: %v", err)
	}
	waitForStatus(t, svc, first, domain.JobStatusExecuting)

	second, err := svc.SubmitJob(context.Background(), domain.JobRequest{TaskType: "batch", Spec: "two"})
	if err != nil {
		t.Fatalf("submit second: %v", err)
	}
	if err := svc.CancelJob(context.Background(), second); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	waitForStatus(t, svc, second, domain.JobStatusCancelled)

	close(release)
	waitForStatus(t, svc, first, domain.JobStatusCompleted)

	job, err := svc.GetJob(context.Background(), second)
	if err != nil {
		t.Fatalf("get second: %v", err)
	}
	if job.Status != domain.JobStatusCancelled {
		t.Fatalf("cancelled job resurrected to %s", job.Status)
	}
}

func TestCancelRunningJobIsCooperative(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	svc, cancel := newTestService(t, singleStepPlanner("worker"), Config{})
	defer cancel()
	svc.RegisterAgent("worker", blockingAgent(release), nil)

	jobID, err := svc.SubmitJob(context.Background(), domain.JobRequest{TaskType: "batch", Spec: "long haul"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForStatus(t, svc, jobID, domain.JobStatusExecuting)

	if err := svc.CancelJob(context.Background(), jobID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitForStatus(t, svc, jobID, domain.JobStatusCancelled)
}

func TestCancelDuringPlanningEndsCancelled(t *testing.T) {
	planning := make(chan struct{})
	planner := plannerFunc(func(ctx context.Context, req domain.JobRequest) ([]domain.Step, error) {
		close(planning)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	svc, cancel := newTestService(t, planner, Config{})
	defer cancel()

	jobID, err := svc.SubmitJob(context.Background(), domain.JobRequest{TaskType: "batch", Spec: "slow plan"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case <-planning:
	case <-time.After(5 * time.Second):
		t.Fatalf("planner never engaged")
	}
	if err := svc.CancelJob(context.Background(), jobID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	job := waitForStatus(t, svc, jobID, domain.JobStatusCancelled)
	if job.Err != "cancelled during planning" {
		t.Fatalf("error=%q", job.Err)
	}

	trace, err := svc.GetJobTrace(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get trace: %v", err)
	}
	found := false
	for _, rec := range trace.Provenance {
		if rec.Decision == "job_cancelled" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected job_cancelled provenance record")
	}
}

func TestJobTimeoutFailsRunningJob(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	svc, cancel := newTestService(t, singleStepPlanner("worker"), Config{})
	defer cancel()
	svc.RegisterAgent("worker", blockingAgent(release), nil)

	jobID, err := svc.SubmitJob(context.Background(), domain.JobRequest{
		TaskType: "batch",
		Spec:     "slow",
		Timeout:  200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	job := waitForStatus(t, svc, jobID, domain.JobStatusFailed)
	if job.Err != "job timeout exceeded" {
		t.Fatalf("error=%q", job.Err)
	}

	trace, err := svc.GetJobTrace(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get trace: %v", err)
	}
	found := false
	for _, rec := range trace.Provenance {
		if rec.Decision == "job_timeout" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected job_timeout provenance record")
	}
}

func TestConsensusStepPicksHighestConfidence(t *testing.T) {
	planner := plannerFunc(func(ctx context.Context, req domain.JobRequest) ([]domain.Step, error) {
		return []domain.Step{{
			ID:          "decide",
			Description: "pick an approach",
			AgentType:   "optimist",
			Candidates:  []string{"optimist", "pessimist"},
		}}, nil
	})
	svc, cancel := newTestService(t, planner, Config{})
	defer cancel()
	svc.RegisterAgent("optimist", okAgent(0.9), nil)
	svc.RegisterAgent("pessimist", okAgent(0.4), nil)

	jobID, err := svc.SubmitJob(context.Background(), domain.JobRequest{TaskType: "analysis", Spec: "choose"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForStatus(t, svc, jobID, domain.JobStatusCompleted)

	trace, err := svc.GetJobTrace(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get trace: %v", err)
	}
	if len(trace.Executions) != 2 {
		t.Fatalf("executions=%d want 2", len(trace.Executions))
	}
	var consensusRec *domain.ProvenanceRecord
	for i := range trace.Provenance {
		if trace.Provenance[i].Decision == "step_consensus" {
			consensusRec = &trace.Provenance[i]
		}
	}
	if consensusRec == nil {
		t.Fatalf("expected step_consensus provenance")
	}
	if len(consensusRec.Alternatives) != 1 || consensusRec.Alternatives[0] != "pessimist" {
		t.Fatalf("alternatives=%v", consensusRec.Alternatives)
	}
}

func TestBudgetExhaustionRejectsSubmission(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	svc, cancel := newTestService(t, singleStepPlanner("worker"), Config{BudgetUnits: 1})
	defer cancel()
	svc.RegisterAgent("worker", blockingAgent(release), nil)

	if _, err := svc.SubmitJob(context.Background(), domain.JobRequest{TaskType: "batch", Spec: "one"}); err != nil {
		t.Fatalf("submit first: %v", err)
	}
	if _, err := svc.SubmitJob(context.Background(), domain.JobRequest{TaskType: "batch", Spec: "two"}); !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("expected ErrBudgetExhausted, got %v", err)
	}
}

func TestSubmissionRejectsInvalidRequest(t *testing.T) {
	svc, cancel := newTestService(t, singleStepPlanner("worker"), Config{})
	defer cancel()

	if _, err := svc.SubmitJob(context.Background(), domain.JobRequest{TaskType: "", Spec: "no type"}); err == nil {
		t.Fatalf("expected validation error")
	}
	if _, err := svc.SubmitJob(context.Background(), domain.JobRequest{TaskType: "x", Spec: "bad risk", Risk: "extreme"}); err == nil {
		t.Fatalf("expected risk validation error")
	}
}

func TestUnresolvableAgentRecordsErrorExecution(t *testing.T) {
	svc, cancel := newTestService(t, singleStepPlanner("coder"), Config{})
	defer cancel()
	svc.RegisterAgent("coder", okAgent(0.9), nil)

	jobID, err := svc.SubmitJob(context.Background(), domain.JobRequest{TaskType: "batch", Spec: "work"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForStatus(t, svc, jobID, domain.JobStatusCompleted)

	step := domain.Step{ID: "step-ghost", Description: "phantom work", AgentType: "ghost"}
	if err := svc.executeStep(context.Background(), jobID, domain.JobRequest{Spec: "work"}, step); err == nil {
		t.Fatalf("expected resolution error")
	}

	trace, err := svc.GetJobTrace(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get trace: %v", err)
	}
	found := false
	for _, exec := range trace.Executions {
		if exec.AgentType == "ghost" && exec.Outcome == domain.OutcomeError {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected error execution for unresolvable agent, got %+v", trace.Executions)
	}
}

func TestGetJobFallsBackToStoreAfterRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "restart.db")
	store, err := sqlite.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	gateway, err := fs.NewGateway(t.TempDir())
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	cfg := Config{TickInterval: 10 * time.Millisecond, WatchdogInterval: 20 * time.Millisecond}

	first := New(store, singleStepPlanner("coder"), policy.New(), nil, gateway, registry.New(), cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	first.Start(ctx)
	first.RegisterAgent("coder", okAgent(0.9), nil)

	jobID, err := first.SubmitJob(context.Background(), domain.JobRequest{TaskType: "batch", Spec: "survive restart"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForStatus(t, first, jobID, domain.JobStatusCompleted)
	cancel()
	first.Wait()

	second := New(store, singleStepPlanner("coder"), policy.New(), nil, gateway, registry.New(), cfg, nil)
	job, err := second.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get job after restart: %v", err)
	}
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status=%s want completed", job.Status)
	}
	if job.Request.Spec != "survive restart" {
		t.Fatalf("request spec=%q", job.Request.Spec)
	}
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
