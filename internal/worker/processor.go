package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/51f0x/personal-kanban/config"
	"github.com/51f0x/personal-kanban/internal/assistant/core"
	"github.com/51f0x/personal-kanban/internal/enrich"
	"github.com/51f0x/personal-kanban/internal/queue/streams"
	"github.com/51f0x/personal-kanban/internal/store"
)

// StoreAPI captures the store methods the processor needs.
type StoreAPI interface {
	ClaimRun(ctx context.Context, requestID, projectID string) (bool, error)
	FinishRun(ctx context.Context, requestID string, success bool, errMsg string, response []byte) error
}

var _ StoreAPI = (*store.Store)(nil)

// Orchestrator is the planning entrypoint the processor drives.
type Orchestrator interface {
	ProcessPlanning(ctx context.Context, req core.PlanningRequest) (core.PlanningResponse, error)
}

// Enricher runs one task enrichment chain.
type Enricher interface {
	Run(ctx context.Context, req enrich.Request) (enrich.Result, error)
}

// Processor consumes planning and enrichment requests from Redis Streams,
// runs them, and publishes completions. Request ids are claimed in postgres
// before processing so redelivered messages are acked without a second run.
type Processor struct {
	cfg       *config.Config
	logger    *log.Logger
	store     StoreAPI
	orch      Orchestrator
	enricher  Enricher
	consumer  *streams.Consumer
	publisher *streams.Publisher
	tracer    trace.Tracer
}

func NewProcessor(cfg *config.Config, logger *log.Logger, st StoreAPI, orch Orchestrator, enricher Enricher, cons *streams.Consumer, pub *streams.Publisher) *Processor {
	if logger == nil {
		logger = log.New(log.Writer(), "[WORKER] ", log.LstdFlags)
	}
	return &Processor{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		orch:      orch,
		enricher:  enricher,
		consumer:  cons,
		publisher: pub,
		tracer:    otel.Tracer("personal-kanban/internal/worker"),
	}
}

// Run drives the consume loop until the context is cancelled. On startup it
// reclaims messages a dead consumer left pending.
func (p *Processor) Run(ctx context.Context) error {
	wcfg := p.cfg.Worker

	p.reclaim(ctx, wcfg.PlanningStream)
	p.reclaim(ctx, wcfg.EnrichStream)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := p.consumer.Read(ctx, wcfg.PlanningStream,
			streams.WithBlock(wcfg.ReadBlock), streams.WithCount(wcfg.ReadCount))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Printf("[WORKER] read %s failed: %v", wcfg.PlanningStream, err)
		}
		for _, msg := range msgs {
			p.handlePlanning(ctx, msg)
		}

		emsgs, err := p.consumer.Read(ctx, wcfg.EnrichStream, streams.WithCount(wcfg.ReadCount))
		if err != nil && ctx.Err() == nil {
			p.logger.Printf("[WORKER] read %s failed: %v", wcfg.EnrichStream, err)
		}
		for _, msg := range emsgs {
			p.handleEnrich(ctx, msg)
		}
	}
}

// reclaim takes over messages left pending by crashed consumers.
func (p *Processor) reclaim(ctx context.Context, stream string) {
	start := "0-0"
	for {
		msgs, next, err := p.consumer.AutoClaim(ctx, stream, p.cfg.Worker.ClaimMinIdle, start, p.cfg.Worker.ReadCount)
		if err != nil {
			p.logger.Printf("[WORKER] autoclaim %s failed: %v", stream, err)
			return
		}
		for _, msg := range msgs {
			switch msg.Envelope.EventType {
			case streams.EventPlanningRequested:
				p.handlePlanning(ctx, msg)
			case streams.EventEnrichRequested:
				p.handleEnrich(ctx, msg)
			default:
				_ = p.consumer.Ack(ctx, stream, msg.ID)
			}
		}
		if next == "0-0" || len(msgs) == 0 {
			return
		}
		start = next
	}
}

func (p *Processor) handlePlanning(ctx context.Context, msg streams.Message) {
	wcfg := p.cfg.Worker

	var payload streams.PlanningRequested
	if err := streams.DecodePayload(msg.Envelope, streams.EventPlanningRequested, &payload); err != nil {
		p.logger.Printf("[WORKER] dropping malformed planning message %s: %v", msg.ID, err)
		_ = p.consumer.Ack(ctx, wcfg.PlanningStream, msg.ID)
		return
	}
	req := payload.Request

	ctx, span := p.tracer.Start(ctx, "worker.handle_planning",
		trace.WithAttributes(attribute.String("request.id", req.RequestID)))
	defer span.End()

	claimed, err := p.store.ClaimRun(ctx, req.RequestID, req.ProjectID)
	if err != nil {
		// Leave the message pending so a later reclaim retries it.
		p.logger.Printf("[WORKER] claim %s failed: %v", req.RequestID, err)
		span.RecordError(err)
		return
	}
	if !claimed {
		p.logger.Printf("[WORKER] request %s already claimed, acking redelivery", req.RequestID)
		_ = p.consumer.Ack(ctx, wcfg.PlanningStream, msg.ID)
		return
	}

	resp, err := p.orch.ProcessPlanning(ctx, req)
	if err != nil {
		p.logger.Printf("[WORKER] planning %s failed: %v", req.RequestID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		_ = p.store.FinishRun(ctx, req.RequestID, false, err.Error(), nil)
		p.publishCompleted(ctx, streams.PlanningCompleted{
			RequestID: req.RequestID,
			ProjectID: req.ProjectID,
			Success:   false,
			Error:     err.Error(),
		})
		_ = p.consumer.Ack(ctx, wcfg.PlanningStream, msg.ID)
		return
	}

	doc, merr := json.Marshal(resp)
	if merr != nil {
		p.logger.Printf("[WORKER] encode response %s failed: %v", req.RequestID, merr)
	}
	if err := p.store.FinishRun(ctx, req.RequestID, resp.Success, resp.Error, doc); err != nil {
		p.logger.Printf("[WORKER] finish run %s failed: %v", req.RequestID, err)
	}
	p.publishCompleted(ctx, streams.PlanningCompleted{
		RequestID: req.RequestID,
		ProjectID: req.ProjectID,
		Success:   resp.Success,
		Error:     resp.Error,
		Response:  doc,
	})
	span.SetStatus(codes.Ok, "completed")
	_ = p.consumer.Ack(ctx, wcfg.PlanningStream, msg.ID)
}

func (p *Processor) publishCompleted(ctx context.Context, payload streams.PlanningCompleted) {
	_, err := p.publisher.PublishEvent(ctx, p.cfg.Worker.CompletedStream, streams.EventPlanningCompleted, payload,
		streams.WithMaxLenApprox(10000))
	if err != nil {
		p.logger.Printf("[WORKER] publish completion %s failed: %v", payload.RequestID, err)
	}
}

func (p *Processor) handleEnrich(ctx context.Context, msg streams.Message) {
	wcfg := p.cfg.Worker

	var payload streams.EnrichRequested
	if err := streams.DecodePayload(msg.Envelope, streams.EventEnrichRequested, &payload); err != nil {
		p.logger.Printf("[WORKER] dropping malformed enrich message %s: %v", msg.ID, err)
		_ = p.consumer.Ack(ctx, wcfg.EnrichStream, msg.ID)
		return
	}
	if p.enricher == nil {
		_ = p.consumer.Ack(ctx, wcfg.EnrichStream, msg.ID)
		return
	}

	result, err := p.enricher.Run(ctx, enrich.Request{TaskID: payload.TaskID, Title: payload.Title, URL: payload.URL})
	if err != nil {
		p.logger.Printf("[WORKER] enrich %s failed: %v", payload.TaskID, err)
	} else if len(result.Errors) > 0 {
		p.logger.Printf("[WORKER] enrich %s finished with errors: %v", payload.TaskID, result.Errors)
	} else {
		p.logger.Printf("[WORKER] enrich %s: %d tags", payload.TaskID, len(result.Tags))
	}
	_ = p.consumer.Ack(ctx, wcfg.EnrichStream, msg.ID)
}

// EnsureGroups creates the consumer groups the processor reads from.
func EnsureGroups(ctx context.Context, cfg config.WorkerConfig, client *redis.Client) error {
	for _, stream := range []string{cfg.PlanningStream, cfg.EnrichStream} {
		if err := streams.EnsureGroup(ctx, client, stream, cfg.ConsumerGroup); err != nil {
			return fmt.Errorf("ensure group for %s: %w", stream, err)
		}
	}
	return nil
}
