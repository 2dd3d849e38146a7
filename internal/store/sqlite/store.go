package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agentflow/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	task_type TEXT NOT NULL,
	spec TEXT NOT NULL,
	risk TEXT NOT NULL,
	autonomy TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	timeout_ms INTEGER NOT NULL DEFAULT 0,
	request TEXT NOT NULL,
	status TEXT NOT NULL,
	plan TEXT NOT NULL DEFAULT '[]',
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	started_at INTEGER NULL,
	completed_at INTEGER NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at);

CREATE TABLE IF NOT EXISTS provenance (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	component TEXT NOT NULL,
	decision TEXT NOT NULL,
	alternatives TEXT NOT NULL DEFAULT '[]',
	reasoning TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(job_id) REFERENCES jobs(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_provenance_job ON provenance(job_id, created_at);

CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	agent_type TEXT NOT NULL,
	outcome TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0,
	artifacts TEXT NOT NULL DEFAULT '[]',
	started_at INTEGER NOT NULL,
	ended_at INTEGER NOT NULL,
	FOREIGN KEY(job_id) REFERENCES jobs(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_executions_job ON executions(job_id, started_at);

CREATE TABLE IF NOT EXISTS approvals (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	checkpoint TEXT NOT NULL,
	decision TEXT NOT NULL,
	approver TEXT NOT NULL DEFAULT '',
	comments TEXT NOT NULL DEFAULT '',
	requested_at INTEGER NOT NULL,
	resolved_at INTEGER NULL,
	FOREIGN KEY(job_id) REFERENCES jobs(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_approvals_job ON approvals(job_id, requested_at);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) CreateJob(ctx context.Context, job domain.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = domain.JobStatusQueued
	}

	request, err := json.Marshal(job.Request)
	if err != nil {
		return fmt.Errorf("marshal job request: %w", err)
	}
	plan, err := marshalPlan(job.Plan)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO jobs(
			id, task_type, spec, risk, autonomy, priority, timeout_ms,
			request, status, plan, last_error, created_at, started_at, completed_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Request.TaskType, job.Request.Spec, string(job.Request.Risk), string(job.Request.Autonomy),
		job.Request.Priority, job.Request.Timeout.Milliseconds(), string(request), string(job.Status),
		plan, job.Err, job.CreatedAt.Unix(), nullableUnix(job.StartedAt), nullableUnix(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status domain.JobStatus, lastError string) error {
	now := time.Now().UTC().Unix()
	var err error
	switch {
	case status == domain.JobStatusPlanning:
		_, err = s.db.ExecContext(
			ctx,
			`UPDATE jobs SET status = ?, last_error = ?, started_at = COALESCE(started_at, ?) WHERE id = ?`,
			string(status), lastError, now, jobID,
		)
	case status.Terminal():
		_, err = s.db.ExecContext(
			ctx,
			`UPDATE jobs SET status = ?, last_error = ?, completed_at = ? WHERE id = ?`,
			string(status), lastError, now, jobID,
		)
	default:
		_, err = s.db.ExecContext(
			ctx,
			`UPDATE jobs SET status = ?, last_error = ? WHERE id = ?`,
			string(status), lastError, jobID,
		)
	}
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return nil
}

func (s *Store) SetJobPlan(ctx context.Context, jobID string, plan []domain.Step) error {
	encoded, err := marshalPlan(plan)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE jobs SET plan = ? WHERE id = ?`, encoded, jobID); err != nil {
		return fmt.Errorf("set job plan: %w", err)
	}
	return nil
}

func (s *Store) AppendProvenance(ctx context.Context, jobID string, rec domain.ProvenanceRecord) error {
	alternatives, err := json.Marshal(emptyIfNil(rec.Alternatives))
	if err != nil {
		return fmt.Errorf("marshal alternatives: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO provenance(id, job_id, component, decision, alternatives, reasoning, confidence, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, jobID, rec.Component, rec.Decision, string(alternatives), rec.Reasoning,
		rec.Confidence, rec.Timestamp.UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("append provenance: %w", err)
	}
	return nil
}

func (s *Store) AppendExecution(ctx context.Context, jobID string, exec domain.AgentExecution) error {
	artifacts, err := json.Marshal(emptyIfNil(exec.Artifacts))
	if err != nil {
		return fmt.Errorf("marshal execution artifacts: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO executions(id, job_id, step_id, agent_type, outcome, details, confidence, artifacts, started_at, ended_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, jobID, exec.StepID, exec.AgentType, string(exec.Outcome), exec.Details,
		exec.Confidence, string(artifacts), exec.StartedAt.UTC().Unix(), exec.EndedAt.UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("append execution: %w", err)
	}
	return nil
}

func (s *Store) AppendApproval(ctx context.Context, jobID string, approval domain.HumanApproval) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO approvals(job_id, checkpoint, decision, approver, comments, requested_at, resolved_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		jobID, approval.Checkpoint, string(approval.Decision), approval.Approver, approval.Comments,
		approval.RequestedAt.UTC().Unix(), nullableUnix(approval.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("append approval: %w", err)
	}
	return nil
}

func (s *Store) ResolveApproval(ctx context.Context, jobID string, checkpoint string, approval domain.HumanApproval) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE approvals
		SET decision = ?, approver = ?, comments = ?, resolved_at = ?
		WHERE job_id = ? AND checkpoint = ? AND resolved_at IS NULL`,
		string(approval.Decision), approval.Approver, approval.Comments,
		nullableUnix(approval.ResolvedAt), jobID, checkpoint,
	)
	if err != nil {
		return fmt.Errorf("resolve approval: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve approval affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("no pending approval for job %s checkpoint %s", jobID, checkpoint)
	}
	return nil
}

func (s *Store) GetJobTrace(ctx context.Context, jobID string) (domain.JobTrace, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, task_type, status, plan, last_error, created_at, started_at, completed_at
		FROM jobs WHERE id = ?`,
		jobID,
	)

	var trace domain.JobTrace
	var status string
	var plan string
	var created int64
	var started, completed sql.NullInt64
	if err := row.Scan(&trace.JobID, &trace.TaskType, &status, &plan, &trace.Err, &created, &started, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.JobTrace{}, fmt.Errorf("job not found: %s", jobID)
		}
		return domain.JobTrace{}, fmt.Errorf("get job: %w", err)
	}
	trace.Status = domain.JobStatus(status)
	trace.CreatedAt = unixToTime(created)
	trace.StartedAt = int64ToTimePtr(started)
	trace.CompletedAt = int64ToTimePtr(completed)
	if err := json.Unmarshal([]byte(plan), &trace.Plan); err != nil {
		return domain.JobTrace{}, fmt.Errorf("decode job plan: %w", err)
	}

	executions, err := s.listExecutions(ctx, jobID)
	if err != nil {
		return domain.JobTrace{}, err
	}
	trace.Executions = executions

	provenance, err := s.listProvenance(ctx, jobID)
	if err != nil {
		return domain.JobTrace{}, err
	}
	trace.Provenance = provenance

	approvals, err := s.listApprovals(ctx, jobID)
	if err != nil {
		return domain.JobTrace{}, err
	}
	trace.Approvals = approvals

	return trace, nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, request, status, plan, last_error, created_at, started_at, completed_at
		FROM jobs WHERE id = ?`,
		jobID,
	)

	var job domain.Job
	var request, status, plan string
	var created int64
	var started, completed sql.NullInt64
	if err := row.Scan(&job.ID, &request, &status, &plan, &job.Err, &created, &started, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("job not found: %s", jobID)
		}
		return domain.Job{}, fmt.Errorf("get job: %w", err)
	}
	if err := json.Unmarshal([]byte(request), &job.Request); err != nil {
		return domain.Job{}, fmt.Errorf("decode job request: %w", err)
	}
	if err := json.Unmarshal([]byte(plan), &job.Plan); err != nil {
		return domain.Job{}, fmt.Errorf("decode job plan: %w", err)
	}
	job.Status = domain.JobStatus(status)
	job.CreatedAt = unixToTime(created)
	job.StartedAt = int64ToTimePtr(started)
	job.CompletedAt = int64ToTimePtr(completed)
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, request, status, plan, last_error, created_at, started_at, completed_at
		FROM jobs ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Job, 0)
	for rows.Next() {
		var job domain.Job
		var request, status, plan string
		var created int64
		var started, completed sql.NullInt64
		if err := rows.Scan(&job.ID, &request, &status, &plan, &job.Err, &created, &started, &completed); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if err := json.Unmarshal([]byte(request), &job.Request); err != nil {
			return nil, fmt.Errorf("decode job request: %w", err)
		}
		if err := json.Unmarshal([]byte(plan), &job.Plan); err != nil {
			return nil, fmt.Errorf("decode job plan: %w", err)
		}
		job.Status = domain.JobStatus(status)
		job.CreatedAt = unixToTime(created)
		job.StartedAt = int64ToTimePtr(started)
		job.CompletedAt = int64ToTimePtr(completed)
		result = append(result, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return result, nil
}

func (s *Store) CountJobsByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.JobStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[domain.JobStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job counts: %w", err)
	}
	return counts, nil
}

func (s *Store) listExecutions(ctx context.Context, jobID string) ([]domain.AgentExecution, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, step_id, agent_type, outcome, details, confidence, artifacts, started_at, ended_at
		FROM executions WHERE job_id = ? ORDER BY started_at ASC, id ASC`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var result []domain.AgentExecution
	for rows.Next() {
		var exec domain.AgentExecution
		var outcome, artifacts string
		var started, ended int64
		if err := rows.Scan(
			&exec.ID, &exec.StepID, &exec.AgentType, &outcome, &exec.Details,
			&exec.Confidence, &artifacts, &started, &ended,
		); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		if err := json.Unmarshal([]byte(artifacts), &exec.Artifacts); err != nil {
			return nil, fmt.Errorf("decode execution artifacts: %w", err)
		}
		exec.Outcome = domain.ExecutionOutcome(outcome)
		exec.StartedAt = unixToTime(started)
		exec.EndedAt = unixToTime(ended)
		result = append(result, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return result, nil
}

func (s *Store) listProvenance(ctx context.Context, jobID string) ([]domain.ProvenanceRecord, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, component, decision, alternatives, reasoning, confidence, created_at
		FROM provenance WHERE job_id = ? ORDER BY created_at ASC, id ASC`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("list provenance: %w", err)
	}
	defer rows.Close()

	var result []domain.ProvenanceRecord
	for rows.Next() {
		var rec domain.ProvenanceRecord
		var alternatives string
		var created int64
		if err := rows.Scan(&rec.ID, &rec.Component, &rec.Decision, &alternatives, &rec.Reasoning, &rec.Confidence, &created); err != nil {
			return nil, fmt.Errorf("scan provenance: %w", err)
		}
		if err := json.Unmarshal([]byte(alternatives), &rec.Alternatives); err != nil {
			return nil, fmt.Errorf("decode provenance alternatives: %w", err)
		}
		rec.Timestamp = unixToTime(created)
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate provenance: %w", err)
	}
	return result, nil
}

func (s *Store) listApprovals(ctx context.Context, jobID string) ([]domain.HumanApproval, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT checkpoint, decision, approver, comments, requested_at, resolved_at
		FROM approvals WHERE job_id = ? ORDER BY requested_at ASC, id ASC`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var result []domain.HumanApproval
	for rows.Next() {
		var approval domain.HumanApproval
		var decision string
		var requested int64
		var resolved sql.NullInt64
		if err := rows.Scan(&approval.Checkpoint, &decision, &approval.Approver, &approval.Comments, &requested, &resolved); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		approval.Decision = domain.ApprovalDecision(decision)
		approval.RequestedAt = unixToTime(requested)
		approval.ResolvedAt = int64ToTimePtr(resolved)
		result = append(result, approval)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return result, nil
}

func marshalPlan(plan []domain.Step) (string, error) {
	if plan == nil {
		plan = []domain.Step{}
	}
	encoded, err := json.Marshal(plan)
	if err != nil {
		return "", fmt.Errorf("marshal plan: %w", err)
	}
	return string(encoded), nil
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func int64ToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}
