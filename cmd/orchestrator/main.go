package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"agentflow/internal/agent"
	"agentflow/internal/config"
	"agentflow/internal/domain"
	"agentflow/internal/fs"
	"agentflow/internal/messaging/inproc"
	"agentflow/internal/orchestrator"
	"agentflow/internal/planner"
	"agentflow/internal/policy"
	"agentflow/internal/registry"
	sqlitestore "agentflow/internal/store/sqlite"
)

type app struct {
	cfg config.Config
	svc *orchestrator.Service
}

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.agentflow/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	artifactsFlag := flag.String("artifacts", "", "artifact root directory override")
	routesFlag := flag.String("routes", "", "yaml routing table path override")
	demo := flag.Bool("demo", false, "register stub agents and submit a demo job on startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// A missing config file is fine; flags and defaults carry the rest.
		if !errors.Is(err, os.ErrNotExist) {
			log.Printf("load config: %v", err)
		}
		cfg = config.Config{}
	}

	addr := firstNonEmpty(*addrFlag, cfg.Orchestrator.Addr, ":8094")
	dbPath := filepath.Clean(firstNonEmpty(*dbPathFlag, cfg.Orchestrator.DBPath, "data/agentflow.db"))
	artifactRoot := filepath.Clean(firstNonEmpty(*artifactsFlag, cfg.Orchestrator.ArtifactRoot, "artifacts"))
	routesPath := firstNonEmpty(*routesFlag, cfg.Orchestrator.RoutingPath, "")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}
	if err := os.MkdirAll(artifactRoot, 0o755); err != nil {
		log.Fatalf("create artifact directory: %v", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	reg := registry.New()
	if routesPath != "" {
		if err := reg.LoadRoutesFile(routesPath); err != nil {
			log.Fatalf("load routing table: %v", err)
		}
	}

	artifacts, err := fs.NewGateway(artifactRoot)
	if err != nil {
		log.Fatalf("create artifact gateway: %v", err)
	}
	bus := inproc.New(256)

	orchCfg := orchestrator.Config{
		MaxConcurrentJobs: intOrDefault(cfg.Orchestrator.MaxConcurrentJobs, 5),
		MaxQueueDepth:     intOrDefault(cfg.Orchestrator.MaxQueueDepth, 256),
		TickInterval:      durationMS(cfg.Orchestrator.TickIntervalMS, 100*time.Millisecond),
		WatchdogInterval:  durationMS(cfg.Orchestrator.WatchdogIntervalMS, 1*time.Second),
		CancelGrace:       durationMS(cfg.Orchestrator.CancelGraceMS, 2*time.Second),
		BudgetUnits:       intOrDefault(cfg.Orchestrator.BudgetUnits, 32),
		DefaultConfidence: cfg.Orchestrator.DefaultConfidence,
	}
	svc := orchestrator.New(store, planner.New(reg), policy.New(), bus, artifacts, reg, orchCfg, log.Default())
	svc.Start(ctx)

	// Log sink for lifecycle events; a compliance exporter would hang
	// off the same bus.
	events := bus.Subscribe("event-log")
	go func() {
		for evt := range events {
			log.Printf("event job=%s status=%s decision=%s", evt.JobID, evt.Status, evt.Decision)
		}
	}()

	if *demo {
		if err := bootstrapDemo(ctx, svc, reg); err != nil {
			log.Printf("demo bootstrap failed: %v", err)
		}
	}

	a := &app{cfg: cfg, svc: svc}
	r := chi.NewRouter()
	r.Use(loggingMiddleware)
	r.Get("/healthz", a.handleHealth)
	r.Get("/stats", a.handleStats)
	r.Post("/jobs", a.handleSubmitJob)
	r.Get("/jobs", a.handleListJobs)
	r.Get("/jobs/{jobID}", a.handleGetJob)
	r.Get("/jobs/{jobID}/trace", a.handleGetTrace)
	r.Post("/jobs/{jobID}/cancel", a.handleCancelJob)
	r.Post("/jobs/{jobID}/approvals", a.handleResolveApproval)

	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("agentflow started addr=%s db=%s artifacts=%s routes=%s", addr, dbPath, artifactRoot, routesPath)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
}

type submitJobRequest struct {
	TaskType       string            `json:"task_type"`
	Spec           string            `json:"spec"`
	Risk           string            `json:"risk,omitempty"`
	Autonomy       string            `json:"autonomy,omitempty"`
	Priority       int               `json:"priority,omitempty"`
	TimeoutMS      int               `json:"timeout_ms,omitempty"`
	RequiredAgents []string          `json:"required_agents,omitempty"`
	Context        map[string]string `json:"context,omitempty"`
}

func (a *app) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var in submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	req := domain.JobRequest{
		TaskType:       in.TaskType,
		Spec:           in.Spec,
		Risk:           domain.RiskProfile(in.Risk),
		Autonomy:       domain.AutonomyLevel(in.Autonomy),
		Priority:       in.Priority,
		Timeout:        time.Duration(in.TimeoutMS) * time.Millisecond,
		RequiredAgents: in.RequiredAgents,
		Context:        in.Context,
	}
	jobID, err := a.svc.SubmitJob(r.Context(), req)
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, orchestrator.ErrBudgetExhausted) {
			code = http.StatusTooManyRequests
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"job_id": jobID})
}

func (a *app) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := a.svc.ListJobs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (a *app) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.svc.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *app) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	trace, err := a.svc.GetJobTrace(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, trace)
}

func (a *app) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := a.svc.CancelJob(r.Context(), jobID); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID, "cancelling": true})
}

type resolveApprovalRequest struct {
	Decision string `json:"decision"`
	Approver string `json:"approver"`
	Comments string `json:"comments,omitempty"`
}

func (a *app) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	var in resolveApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	jobID := chi.URLParam(r, "jobID")
	if err := a.svc.ResolveApproval(r.Context(), jobID, domain.ApprovalDecision(in.Decision), in.Approver, in.Comments); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "decision": in.Decision})
}

func (a *app) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.svc.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func bootstrapDemo(ctx context.Context, svc *orchestrator.Service, reg *registry.Registry) error {
	svc.RegisterAgent("architect", agent.NewWorker("architect", 0.9, log.Default()), []string{"design"})
	svc.RegisterAgent("coder", agent.NewWorker("coder", 0.85, log.Default()), []string{"golang"})
	svc.RegisterAgent("reviewer", agent.NewWorker("reviewer", 0.8, log.Default()), []string{"review"})
	svc.RegisterAgent("verifier", agent.NewVerifier(log.Default()), []string{"testing"})

	if len(reg.ResolveForTask("code_generation")) == 0 {
		reg.SetRoutes(registry.RoutingTable{
			Routes: map[string][]string{
				"code_generation": {"architect", "coder", "reviewer"},
			},
			Verifiers: map[string]string{
				"code_generation": "verifier",
			},
		})
	}

	jobID, err := svc.SubmitJob(ctx, domain.JobRequest{
		TaskType: "code_generation",
		Spec:     "implement a hello endpoint returning the build version",
		Risk:     domain.RiskLow,
		Autonomy: domain.AutonomyAutonomous,
		Priority: 5,
	})
	if err != nil {
		return err
	}
	log.Printf("demo job submitted id=%s", jobID)
	return nil
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func intOrDefault(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
