package telemetry

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/51f0x/personal-kanban/config"
)

// Telemetry provides run and agent monitoring plus LLM cost tracking. Counts
// are mirrored into Prometheus collectors; the in-memory aggregates back the
// admin endpoints.
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
	mu          sync.RWMutex

	runsTotal       *prometheus.CounterVec
	runDuration     prometheus.Histogram
	agentExecutions *prometheus.CounterVec
	agentDuration   *prometheus.HistogramVec
	llmTokens       *prometheus.CounterVec
	llmCost         prometheus.Counter
}

// Metrics holds aggregated performance metrics.
type Metrics struct {
	TotalRuns      int64
	SuccessfulRuns int64
	FailedRuns     int64
	AverageRunTime time.Duration

	AgentExecutions   map[string]int64
	AgentSuccessRates map[string]float64
	AgentAverageTimes map[string]time.Duration

	LLMRequests   map[string]int64
	LLMTokensUsed map[string]int64
}

// CostTracker tracks LLM spend per model.
type CostTracker struct {
	ModelCosts  map[string]float64
	TotalCost   float64
	TotalTokens int64
}

// RunEvent describes one completed planning run.
type RunEvent struct {
	ID             string
	Objective      string
	StartTime      time.Time
	EndTime        time.Time
	ProcessingTime time.Duration
	Success        bool
	Error          string
	JobErrors      int
}

// AgentEvent describes one agent execution within a run.
type AgentEvent struct {
	AgentID    string
	Duration   time.Duration
	Success    bool
	Error      string
	Confidence float64
}

// NewTelemetry creates a telemetry instance and registers its collectors with
// the default Prometheus registry.
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	return newTelemetry(cfg, prometheus.DefaultRegisterer)
}

func newTelemetry(cfg config.TelemetryConfig, reg prometheus.Registerer) *Telemetry {
	factory := promauto.With(reg)
	return &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			AgentExecutions:   make(map[string]int64),
			AgentSuccessRates: make(map[string]float64),
			AgentAverageTimes: make(map[string]time.Duration),
			LLMRequests:       make(map[string]int64),
			LLMTokensUsed:     make(map[string]int64),
		},
		costTracker: &CostTracker{ModelCosts: make(map[string]float64)},
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kanban_planning_runs_total",
			Help: "Completed planning runs by success.",
		}, []string{"success"}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "kanban_planning_run_duration_seconds",
			Help:    "Wall-clock duration of planning runs.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		agentExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kanban_agent_executions_total",
			Help: "Agent executions by agent id and success.",
		}, []string{"agent", "success"}),
		agentDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kanban_agent_duration_seconds",
			Help:    "Duration of agent executions.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"agent"}),
		llmTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kanban_llm_tokens_total",
			Help: "LLM tokens by model and direction.",
		}, []string{"model", "direction"}),
		llmCost: factory.NewCounter(prometheus.CounterOpts{
			Name: "kanban_llm_cost_dollars_total",
			Help: "Estimated cumulative LLM spend in dollars.",
		}),
	}
}

// RecordRunEvent records one completed planning run.
func (t *Telemetry) RecordRunEvent(ctx context.Context, event RunEvent) {
	if t == nil || !t.config.Enabled {
		return
	}

	t.runsTotal.WithLabelValues(strconv.FormatBool(event.Success)).Inc()
	t.runDuration.Observe(event.ProcessingTime.Seconds())

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.TotalRuns++
	if event.Success {
		t.metrics.SuccessfulRuns++
	} else {
		t.metrics.FailedRuns++
	}
	if t.metrics.TotalRuns == 1 {
		t.metrics.AverageRunTime = event.ProcessingTime
	} else {
		total := t.metrics.AverageRunTime * time.Duration(t.metrics.TotalRuns-1)
		t.metrics.AverageRunTime = (total + event.ProcessingTime) / time.Duration(t.metrics.TotalRuns)
	}

	t.logger.Printf("Run Event: ID=%s, Success=%t, Duration=%v, JobErrors=%d",
		event.ID, event.Success, event.ProcessingTime, event.JobErrors)
}

// RecordAgentEvent records one agent execution.
func (t *Telemetry) RecordAgentEvent(ctx context.Context, event AgentEvent) {
	if t == nil || !t.config.Enabled {
		return
	}

	t.agentExecutions.WithLabelValues(event.AgentID, strconv.FormatBool(event.Success)).Inc()
	t.agentDuration.WithLabelValues(event.AgentID).Observe(event.Duration.Seconds())

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.AgentExecutions[event.AgentID]++
	executions := t.metrics.AgentExecutions[event.AgentID]

	currentSuccess := t.metrics.AgentSuccessRates[event.AgentID] * float64(executions-1)
	if event.Success {
		currentSuccess += 1.0
	}
	t.metrics.AgentSuccessRates[event.AgentID] = currentSuccess / float64(executions)

	currentAvg := t.metrics.AgentAverageTimes[event.AgentID]
	if executions == 1 {
		t.metrics.AgentAverageTimes[event.AgentID] = event.Duration
	} else {
		total := currentAvg * time.Duration(executions-1)
		t.metrics.AgentAverageTimes[event.AgentID] = (total + event.Duration) / time.Duration(executions)
	}

	t.logger.Printf("Agent Event: Agent=%s, Success=%t, Duration=%v, Confidence=%.2f",
		event.AgentID, event.Success, event.Duration, event.Confidence)
}

// RecordLLMUsage records token usage and spend for one LLM call.
func (t *Telemetry) RecordLLMUsage(ctx context.Context, model string, inputTokens, outputTokens int64, cost float64) {
	if t == nil || !t.config.Enabled {
		return
	}

	t.llmTokens.WithLabelValues(model, "input").Add(float64(inputTokens))
	t.llmTokens.WithLabelValues(model, "output").Add(float64(outputTokens))
	if t.config.CostTracking {
		t.llmCost.Add(cost)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.LLMRequests[model]++
	t.metrics.LLMTokensUsed[model] += inputTokens + outputTokens
	t.costTracker.TotalTokens += inputTokens + outputTokens
	if t.config.CostTracking {
		t.costTracker.TotalCost += cost
		t.costTracker.ModelCosts[model] += cost
	}
}

// GetMetrics returns a copy of the current metrics.
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	metrics := *t.metrics
	metrics.AgentExecutions = copyMap(t.metrics.AgentExecutions)
	metrics.AgentSuccessRates = copyMap(t.metrics.AgentSuccessRates)
	metrics.AgentAverageTimes = copyMap(t.metrics.AgentAverageTimes)
	metrics.LLMRequests = copyMap(t.metrics.LLMRequests)
	metrics.LLMTokensUsed = copyMap(t.metrics.LLMTokensUsed)
	return metrics
}

// CostSummary provides a summary of LLM spend.
type CostSummary struct {
	TotalCost   float64            `json:"total_cost"`
	TotalTokens int64              `json:"total_tokens"`
	ModelCosts  map[string]float64 `json:"model_costs"`
}

// GetCostSummary returns the current cost summary.
func (t *Telemetry) GetCostSummary() CostSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return CostSummary{
		TotalCost:   t.costTracker.TotalCost,
		TotalTokens: t.costTracker.TotalTokens,
		ModelCosts:  copyMap(t.costTracker.ModelCosts),
	}
}

// Shutdown logs a final report.
func (t *Telemetry) Shutdown() {
	metrics := t.GetMetrics()
	costs := t.GetCostSummary()

	t.logger.Printf("Final Report: Runs=%d (ok=%d, failed=%d), AvgTime=%v, Cost=$%.4f, Tokens=%d",
		metrics.TotalRuns, metrics.SuccessfulRuns, metrics.FailedRuns,
		metrics.AverageRunTime, costs.TotalCost, costs.TotalTokens)
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
