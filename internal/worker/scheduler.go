package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/51f0x/personal-kanban/config"
	"github.com/51f0x/personal-kanban/internal/assistant/core"
	"github.com/51f0x/personal-kanban/internal/queue/streams"
	"github.com/51f0x/personal-kanban/internal/store"
)

// SchedulerStore captures the store methods the scheduler needs.
type SchedulerStore interface {
	ListProjectsWithReplanCron(ctx context.Context) ([]store.Project, error)
	LatestRunTime(ctx context.Context, projectID string) (time.Time, error)
}

var _ SchedulerStore = (*store.Store)(nil)

// Scheduler enqueues recurring replanning runs for projects carrying a cron
// expression. A redis lock keeps multiple workers from double-enqueueing the
// same project in one tick.
type Scheduler struct {
	cfg       *config.Config
	logger    *log.Logger
	store     SchedulerStore
	rdb       *redis.Client
	publisher *streams.Publisher
	stop      chan struct{}
}

func NewScheduler(cfg *config.Config, logger *log.Logger, st SchedulerStore, rdb *redis.Client, pub *streams.Publisher) *Scheduler {
	if logger == nil {
		logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	return &Scheduler{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		rdb:       rdb,
		publisher: pub,
		stop:      make(chan struct{}),
	}
}

// Start runs the tick loop in the background until Stop is called.
func (s *Scheduler) Start() {
	tick := s.cfg.Worker.SchedulerTick
	if tick <= 0 {
		tick = time.Hour
	}
	ticker := time.NewTicker(tick)
	go func() {
		for {
			select {
			case <-s.stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick(context.Background())
			}
		}
	}()
}

func (s *Scheduler) Stop() { close(s.stop) }

func (s *Scheduler) tick(ctx context.Context) {
	projects, err := s.store.ListProjectsWithReplanCron(ctx)
	if err != nil {
		s.logger.Printf("[SCHED] listing projects failed: %v", err)
		return
	}
	for _, p := range projects {
		last, err := s.store.LatestRunTime(ctx, p.ID)
		if err != nil {
			s.logger.Printf("[SCHED] latest run for %s failed: %v", p.ID, err)
			continue
		}
		if !isDue(p.ReplanCron, last, time.Now()) {
			continue
		}

		if s.rdb != nil {
			lockKey := "sched:lock:" + p.ID
			ok, err := s.rdb.SetNX(ctx, lockKey, "1", 2*time.Minute).Result()
			if err != nil || !ok {
				continue
			}
		}

		if err := s.enqueueReplan(ctx, p); err != nil {
			s.logger.Printf("[SCHED] enqueue replan for %s failed: %v", p.ID, err)
			continue
		}
		s.logger.Printf("[SCHED] enqueued replanning for project %s", p.ID)
	}
}

func (s *Scheduler) enqueueReplan(ctx context.Context, p store.Project) error {
	req := core.PlanningRequest{
		RequestID: uuid.NewString(),
		Task:      fmt.Sprintf("Replan project %q against its current state", p.Name),
		ProjectID: p.ID,
		Context:   map[string]interface{}{"trigger": "replan_cron"},
	}
	_, err := s.publisher.PublishEvent(ctx, s.cfg.Worker.PlanningStream, streams.EventPlanningRequested,
		streams.PlanningRequested{Request: req, UserID: p.OwnerID})
	return err
}

// isDue reports whether the cron expression has a firing time between the
// last run and now. An unparsable expression never fires.
func isDue(cronSpec string, last, now time.Time) bool {
	expr, err := cronexpr.Parse(cronSpec)
	if err != nil {
		return false
	}
	if last.IsZero() {
		return true
	}
	next := expr.Next(last)
	return !next.IsZero() && !next.After(now)
}
