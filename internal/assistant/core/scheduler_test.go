package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// recorder tracks job execution order and overlap.
type recorder struct {
	mu      sync.Mutex
	order   []string
	active  int
	maxSeen int
}

func (r *recorder) start(id string) {
	r.mu.Lock()
	r.order = append(r.order, id)
	r.active++
	if r.active > r.maxSeen {
		r.maxSeen = r.active
	}
	r.mu.Unlock()
}

func (r *recorder) finish() {
	r.mu.Lock()
	r.active--
	r.mu.Unlock()
}

func (r *recorder) ran() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.order))
	for i, id := range r.order {
		out[id] = i
	}
	return out
}

func jobOf(rec *recorder, id string, deps ...string) Job {
	return Job{
		ID:        id,
		AgentID:   id,
		DependsOn: deps,
		Run: func(ctx context.Context) error {
			rec.start(id)
			time.Sleep(5 * time.Millisecond)
			rec.finish()
			return nil
		},
	}
}

func failingJob(rec *recorder, id string, deps ...string) Job {
	return Job{
		ID:        id,
		AgentID:   id,
		DependsOn: deps,
		Run: func(ctx context.Context) error {
			rec.start(id)
			rec.finish()
			return fmt.Errorf("boom")
		},
	}
}

func TestSchedulerLinearChainOrder(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	jobs := []Job{
		jobOf(rec, "c", "b"),
		jobOf(rec, "a"),
		jobOf(rec, "b", "a"),
	}

	report := NewWaveScheduler(discardLogger()).Run(context.Background(), jobs)
	if len(report.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", report.Errors)
	}
	if report.Waves != 3 {
		t.Fatalf("expected 3 waves, got %d", report.Waves)
	}
	ran := rec.ran()
	if !(ran["a"] < ran["b"] && ran["b"] < ran["c"]) {
		t.Fatalf("chain executed out of order: %v", rec.order)
	}
}

func TestSchedulerFanOutRunsConcurrently(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	jobs := []Job{
		jobOf(rec, "root"),
		jobOf(rec, "left", "root"),
		jobOf(rec, "right", "root"),
		jobOf(rec, "join", "left", "right"),
	}

	report := NewWaveScheduler(discardLogger()).Run(context.Background(), jobs)
	if len(report.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", report.Errors)
	}
	if rec.maxSeen < 2 {
		t.Fatalf("expected left and right to overlap, max concurrency was %d", rec.maxSeen)
	}
	ran := rec.ran()
	if ran["join"] < ran["left"] || ran["join"] < ran["right"] {
		t.Fatalf("join ran before its dependencies: %v", rec.order)
	}
}

func TestSchedulerNoPrematureExecution(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	depDone := false
	jobs := []Job{
		{ID: "dep", AgentID: "dep", Run: func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			depDone = true
			mu.Unlock()
			return nil
		}},
		{ID: "dependent", AgentID: "dependent", DependsOn: []string{"dep"}, Run: func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			if !depDone {
				return errors.New("ran before dependency completed")
			}
			return nil
		}},
	}

	report := NewWaveScheduler(discardLogger()).Run(context.Background(), jobs)
	if len(report.Errors) != 0 {
		t.Fatalf("dependent observed incomplete dependency: %v", report.Errors)
	}
}

func TestSchedulerDeadlockTerminates(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	jobs := []Job{
		jobOf(rec, "a", "b"),
		jobOf(rec, "b", "a"),
		jobOf(rec, "free"),
	}

	done := make(chan RunReport, 1)
	go func() {
		done <- NewWaveScheduler(discardLogger()).Run(context.Background(), jobs)
	}()

	var report RunReport
	select {
	case report = <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduler hung on cyclic graph")
	}

	if len(report.Deadlocked) != 2 {
		t.Fatalf("expected 2 deadlocked jobs, got %v", report.Deadlocked)
	}
	if report.Deadlocked[0] != "a" || report.Deadlocked[1] != "b" {
		t.Fatalf("unexpected deadlock set: %v", report.Deadlocked)
	}
	if len(report.Errors) == 0 {
		t.Fatalf("deadlock produced no diagnostic")
	}
	if _, ok := rec.ran()["free"]; !ok {
		t.Fatalf("free job should have run before the deadlock was detected")
	}
}

func TestSchedulerFailureDoesNotStarveDependentsByDefault(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	jobs := []Job{
		failingJob(rec, "flaky"),
		jobOf(rec, "downstream", "flaky"),
	}

	report := NewWaveScheduler(discardLogger()).Run(context.Background(), jobs)
	if len(report.Failed) != 1 || report.Failed[0] != "flaky" {
		t.Fatalf("expected flaky in failed set, got %v", report.Failed)
	}
	if _, ok := rec.ran()["downstream"]; !ok {
		t.Fatalf("downstream starved by failed dependency under resolve policy")
	}
	if len(report.Errors) != 1 {
		t.Fatalf("expected one error entry, got %v", report.Errors)
	}
}

func TestSchedulerSkipDependentsPolicy(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	jobs := []Job{
		failingJob(rec, "flaky"),
		jobOf(rec, "child", "flaky"),
		jobOf(rec, "grandchild", "child"),
		jobOf(rec, "unrelated"),
	}

	report := NewWaveScheduler(discardLogger(), WithFailurePolicy(FailurePolicySkipDependents)).
		Run(context.Background(), jobs)

	ran := rec.ran()
	if _, ok := ran["child"]; ok {
		t.Fatalf("child ran despite failed dependency")
	}
	if _, ok := ran["grandchild"]; ok {
		t.Fatalf("grandchild ran despite transitively failed dependency")
	}
	if _, ok := ran["unrelated"]; !ok {
		t.Fatalf("unrelated job should still run")
	}
	if len(report.Skipped) != 2 {
		t.Fatalf("expected 2 skipped jobs, got %v", report.Skipped)
	}
	// One failure plus one error per skip.
	if len(report.Errors) != 3 {
		t.Fatalf("expected 3 error entries, got %v", report.Errors)
	}
}

func TestSchedulerPanicBecomesFailure(t *testing.T) {
	t.Parallel()
	jobs := []Job{
		{ID: "panicky", AgentID: "panicky", Run: func(ctx context.Context) error {
			panic("agent bug")
		}},
	}

	report := NewWaveScheduler(discardLogger()).Run(context.Background(), jobs)
	if len(report.Failed) != 1 {
		t.Fatalf("panic not recorded as failure: %+v", report)
	}
}

func TestSchedulerEveryJobAccountedFor(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	jobs := []Job{
		jobOf(rec, "a"),
		failingJob(rec, "b", "a"),
		jobOf(rec, "c", "b"),
		jobOf(rec, "d", "a"),
	}

	report := NewWaveScheduler(discardLogger(), WithFailurePolicy(FailurePolicySkipDependents)).
		Run(context.Background(), jobs)

	accounted := len(rec.ran()) + len(report.Skipped) + len(report.Deadlocked)
	if accounted != len(jobs) {
		t.Fatalf("jobs unaccounted for: ran=%v skipped=%v deadlocked=%v", rec.ran(), report.Skipped, report.Deadlocked)
	}
}

func TestSchedulerReportsWaveProgress(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	jobs := []Job{
		jobOf(rec, "a"),
		jobOf(rec, "b", "a"),
	}

	reporter := NewReporter(discardLogger())
	NewWaveScheduler(discardLogger(), WithProgress("run-1", reporter)).Run(context.Background(), jobs)

	events := reporter.Events()
	if len(events) != 2 {
		t.Fatalf("expected one event per wave, got %d", len(events))
	}
	if events[0].Progress >= events[1].Progress {
		t.Fatalf("progress not monotonic: %v then %v", events[0].Progress, events[1].Progress)
	}
	for _, ev := range events {
		if ev.RunID != "run-1" || ev.Stage != "executing" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	}
}
