package core

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/51f0x/personal-kanban/config"
	"github.com/51f0x/personal-kanban/internal/assistant/telemetry"
)

var orchestratorTracer trace.Tracer = otel.Tracer("personal-kanban/internal/assistant/orchestrator")

// Orchestrator coordinates the planning agents over a dependency graph and
// manages run state.
type Orchestrator struct {
	config    *config.Config
	logger    *log.Logger
	telemetry *telemetry.Telemetry

	agents      map[string]Agent
	llmProvider LLMProvider
	brains      BrainRepository
	indexer     SourceIndexer

	// Live run state.
	running map[string]*RunStatus
	mu      sync.RWMutex

	// Concurrency control across runs.
	semaphore chan struct{}
}

// NewOrchestrator creates an orchestrator instance. The brain repository and
// source indexer are optional; without a repository every run is ephemeral.
func NewOrchestrator(cfg *config.Config, logger *log.Logger, tele *telemetry.Telemetry, brains BrainRepository, indexer SourceIndexer, search []SearchClient, fetcher PageFetcher) (*Orchestrator, error) {
	llmProvider, err := NewLLMProvider(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM provider: %w", err)
	}

	agents, err := NewAgents(cfg, llmProvider, tele, search, fetcher, indexer)
	if err != nil {
		return nil, fmt.Errorf("failed to create agents: %w", err)
	}

	maxRuns := cfg.Agents.MaxConcurrentRuns
	if maxRuns <= 0 {
		maxRuns = 1
	}

	return &Orchestrator{
		config:      cfg,
		logger:      logger,
		telemetry:   tele,
		agents:      agents,
		llmProvider: llmProvider,
		brains:      brains,
		indexer:     indexer,
		running:     make(map[string]*RunStatus),
		semaphore:   make(chan struct{}, maxRuns),
	}, nil
}

// LLM exposes the orchestrator's underlying LLM provider.
func (o *Orchestrator) LLM() LLMProvider {
	return o.llmProvider
}

// ProcessPlanning runs one planning request through the job graph and
// returns the assembled response. Only construction defects are returned as
// an error; job failures, deadlocks and assembly failures are captured in
// the response per the partial-failure policy.
func (o *Orchestrator) ProcessPlanning(ctx context.Context, req PlanningRequest) (PlanningResponse, error) {
	startTime := time.Now()
	ctx, span := orchestratorTracer.Start(ctx, "assistant.process_planning",
		trace.WithAttributes(
			attribute.String("request.id", req.RequestID),
			attribute.String("project.id", req.ProjectID),
		))
	defer span.End()

	if req.Task == "" {
		err := fmt.Errorf("planning request %s has empty task", req.RequestID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return PlanningResponse{}, err
	}

	status := &RunStatus{
		RequestID:   req.RequestID,
		Status:      "pending",
		CreatedAt:   time.Now(),
		LastUpdated: time.Now(),
	}
	o.mu.Lock()
	o.running[req.RequestID] = status
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, req.RequestID)
		o.mu.Unlock()
	}()

	select {
	case o.semaphore <- struct{}{}:
		defer func() { <-o.semaphore }()
	case <-ctx.Done():
		return PlanningResponse{}, ctx.Err()
	}

	runEvent := telemetry.RunEvent{ID: req.RequestID, Objective: req.Task, StartTime: startTime}
	defer func() {
		runEvent.EndTime = time.Now()
		runEvent.ProcessingTime = runEvent.EndTime.Sub(runEvent.StartTime)
		o.telemetry.RecordRunEvent(ctx, runEvent)
	}()

	o.logger.Printf("[ORCH] starting planning run %s", req.RequestID)

	reporter := NewReporter(o.logger)
	reporter.Report(ProgressEvent{RunID: req.RequestID, Stage: "loading", Progress: 0, Message: "Loading knowledge store"})

	brain, err := o.loadBrain(ctx, req)
	if err != nil {
		// Persistence problems degrade to an ephemeral run rather than
		// failing the request.
		o.logger.Printf("[ORCH] warn: loading brain for project %s failed: %v", req.ProjectID, err)
		brain = NewBrain(req)
	}

	invoke := o.agentInvoker(req, brain, reporter)
	jobs, err := BuildPlanningGraph(req.RequestID, req, brain, o.agents, invoke)
	if err != nil {
		// Construction defect: fail closed, no partial deliverable.
		o.updateStatus(status, "failed", 0, err.Error())
		runEvent.Success = false
		runEvent.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return PlanningResponse{}, fmt.Errorf("building job graph: %w", err)
	}

	o.updateStatus(status, "executing", 5, "Executing agent graph")
	o.mu.Lock()
	status.TotalJobs = len(jobs)
	o.mu.Unlock()
	span.AddEvent("graph.built", trace.WithAttributes(attribute.Int("graph.job_count", len(jobs))))

	execCtx, execSpan := orchestratorTracer.Start(ctx, "assistant.execute_graph")
	sched := NewWaveScheduler(o.logger, WithProgress(req.RequestID, reporter))
	report := sched.Run(execCtx, jobs)
	execSpan.SetAttributes(
		attribute.Int("graph.waves", report.Waves),
		attribute.Int("graph.failed", len(report.Failed)),
		attribute.Int("graph.deadlocked", len(report.Deadlocked)),
	)
	if len(report.Deadlocked) > 0 {
		execSpan.SetStatus(codes.Error, "deadlock")
	} else {
		execSpan.SetStatus(codes.Ok, "completed")
	}
	execSpan.End()
	o.mu.Lock()
	status.CompletedJobs = len(jobs) - len(report.Deadlocked)
	o.mu.Unlock()

	o.updateStatus(status, "assembling", 90, "Assembling deliverable")
	reporter.Report(ProgressEvent{RunID: req.RequestID, Stage: "assembling", Progress: 90, Message: "Assembling deliverable"})

	resp := PlanningResponse{
		RequestID: req.RequestID,
		Errors:    report.Errors,
	}

	// The assemble job writes the deliverable into history; if it never ran
	// (deadlock, cancellation) assemble directly from whatever the brain holds.
	var deliverable PlanDeliverable
	var asmErr error
	if !brain.Snapshot().LatestOutput(AgentAssemble, &deliverable) {
		deliverable, asmErr = NewAssembler(o.indexer).Assemble(req.RequestID, brain.Snapshot())
	}
	if asmErr != nil {
		resp.Success = false
		resp.Error = asmErr.Error()
		o.updateStatus(status, "failed", 100, asmErr.Error())
		span.RecordError(asmErr)
		span.SetStatus(codes.Error, asmErr.Error())
	} else {
		resp.Success = true
		resp.Result = &deliverable
		o.updateStatus(status, "completed", 100, "Planning completed")
		span.SetStatus(codes.Ok, "completed")
	}

	if req.ProjectID != "" && o.brains != nil {
		if err := o.brains.SaveBrain(ctx, req.ProjectID, brain); err != nil {
			o.logger.Printf("[ORCH] warn: saving brain for project %s failed: %v", req.ProjectID, err)
		}
	}

	// The per-run source index is only needed while the run is live.
	if o.indexer != nil {
		o.indexer.DropRun(req.RequestID)
	}

	reporter.Report(ProgressEvent{RunID: req.RequestID, Stage: "done", Progress: 100, Message: "Run finished"})
	resp.Progress = reporter.Events()
	resp.ProcessingTimeMs = time.Since(startTime).Milliseconds()

	runEvent.Success = resp.Success
	runEvent.Error = resp.Error
	runEvent.JobErrors = len(report.Errors)
	span.SetAttributes(attribute.Int("run.errors", len(resp.Errors)))
	o.logger.Printf("[ORCH] finished planning run %s in %v (%d job errors)", req.RequestID, time.Since(startTime), len(report.Errors))

	return resp, nil
}

// agentInvoker returns the read-invoke-merge closure shared by every job in
// the run. The snapshot is taken when the job starts, which by the wave
// barrier is always across a wave boundary.
func (o *Orchestrator) agentInvoker(req PlanningRequest, brain *Brain, reporter *Reporter) func(ctx context.Context, agent Agent) error {
	return func(ctx context.Context, agent Agent) error {
		if timeout := o.config.Agents.AgentTimeout; timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		started := time.Now()
		input := AgentInput{Request: req, Snapshot: brain.Snapshot()}
		result, err := agent.Execute(ctx, input)

		o.telemetry.RecordAgentEvent(ctx, telemetry.AgentEvent{
			AgentID:    agent.ID(),
			Duration:   time.Since(started),
			Success:    err == nil && result.Success,
			Error:      result.Error,
			Confidence: result.Confidence,
		})

		if err != nil {
			return fmt.Errorf("execute: %w", err)
		}
		if !result.Success {
			if result.Error != "" {
				return fmt.Errorf("agent reported failure: %s", result.Error)
			}
			return fmt.Errorf("agent reported failure")
		}

		brain.Merge(req.RequestID, result)
		reporter.Report(ProgressEvent{
			RunID:   req.RequestID,
			Stage:   agent.ID(),
			Message: fmt.Sprintf("%s finished in %v", agent.ID(), time.Since(started).Round(time.Millisecond)),
		})
		return nil
	}
}

func (o *Orchestrator) loadBrain(ctx context.Context, req PlanningRequest) (*Brain, error) {
	if req.ProjectID == "" || o.brains == nil {
		return NewBrain(req), nil
	}
	brain, found, err := o.brains.LoadBrain(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if !found || brain == nil {
		return NewBrain(req), nil
	}
	brain.ApplyRequest(req)
	return brain, nil
}

func (o *Orchestrator) updateStatus(status *RunStatus, newStatus string, progress float64, stage string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	status.Status = newStatus
	status.Progress = progress
	status.CurrentStage = stage
	status.LastUpdated = time.Now()
}

// GetStatus returns the live status of a running request.
func (o *Orchestrator) GetStatus(requestID string) (RunStatus, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	status, exists := o.running[requestID]
	if !exists {
		return RunStatus{}, fmt.Errorf("run not found: %s", requestID)
	}
	return *status, nil
}
