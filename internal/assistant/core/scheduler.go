package core

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
)

// FailurePolicy controls what happens to the dependents of a failed job.
type FailurePolicy int

const (
	// FailurePolicyResolve treats a failed job as resolved: its dependents
	// run against a brain missing that contribution. This is the default.
	FailurePolicyResolve FailurePolicy = iota
	// FailurePolicySkipDependents transitively skips every job that depends
	// on a failed job, recording each skip in the run's error list.
	FailurePolicySkipDependents
)

// WaveScheduler executes a job graph wave by wave: each iteration computes
// the set of jobs whose dependencies are satisfied, runs that set
// concurrently, and waits for the entire wave to settle before computing the
// next. A job therefore never observes a partially-merged sibling from its
// own wave, only fully-merged results from strictly earlier waves.
type WaveScheduler struct {
	logger   *log.Logger
	policy   FailurePolicy
	reporter *Reporter
	runID    string
}

// SchedulerOption configures a WaveScheduler.
type SchedulerOption func(*WaveScheduler)

// WithFailurePolicy overrides the default resolve-on-failure policy.
func WithFailurePolicy(p FailurePolicy) SchedulerOption {
	return func(s *WaveScheduler) { s.policy = p }
}

// WithProgress attaches a progress reporter for per-wave events.
func WithProgress(runID string, r *Reporter) SchedulerOption {
	return func(s *WaveScheduler) {
		s.runID = runID
		s.reporter = r
	}
}

// NewWaveScheduler creates a scheduler. The logger is required; pass a
// discard logger in tests if output is unwanted.
func NewWaveScheduler(logger *log.Logger, opts ...SchedulerOption) *WaveScheduler {
	s := &WaveScheduler{logger: logger, policy: FailurePolicyResolve}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunReport summarizes one scheduler invocation. Errors holds one entry per
// failed, skipped or deadlocked job; the scheduler itself never returns an
// error for job failures.
type RunReport struct {
	Errors     []string
	Failed     []string
	Skipped    []string
	Deadlocked []string
	Waves      int
}

// Run drives the graph to completion. Every job ends up accounted for:
// completed (successfully or not), skipped under FailurePolicySkipDependents,
// or reported as deadlocked. Jobs are never retried; a failed job is marked
// completed so its dependents are not starved. Cancellation is the caller's
// concern: a cancelled context surfaces as job failures.
func (s *WaveScheduler) Run(ctx context.Context, jobs []Job) RunReport {
	var report RunReport
	completed := make(map[string]bool, len(jobs))
	failed := make(map[string]bool)
	running := make(map[string]bool)
	var mu sync.Mutex

	for len(completed) < len(jobs) {
		if s.policy == FailurePolicySkipDependents {
			s.skipDependents(jobs, completed, failed, &report)
			if len(completed) >= len(jobs) {
				break
			}
		}

		var ready []Job
		for _, job := range jobs {
			if completed[job.ID] || running[job.ID] {
				continue
			}
			ok := true
			for _, dep := range job.DependsOn {
				if !completed[dep] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, job)
			}
		}

		if len(ready) == 0 {
			// No job can make progress and nothing is in flight: the
			// remaining jobs form a cycle or reference work that will never
			// complete. Report and stop rather than spin.
			var stuck []string
			for _, job := range jobs {
				if !completed[job.ID] {
					stuck = append(stuck, job.ID)
				}
			}
			sort.Strings(stuck)
			report.Deadlocked = stuck
			diag := fmt.Sprintf("deadlock: jobs %s can never become ready", strings.Join(stuck, ", "))
			report.Errors = append(report.Errors, diag)
			s.logger.Printf("[SCHED] %s", diag)
			return report
		}

		report.Waves++
		s.reportWave(report.Waves, len(completed), len(jobs), ready)

		var wg sync.WaitGroup
		for _, job := range ready {
			running[job.ID] = true
			wg.Add(1)
			go func(j Job) {
				defer wg.Done()
				err := runJob(ctx, j)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failed[j.ID] = true
					report.Failed = append(report.Failed, j.ID)
					report.Errors = append(report.Errors, fmt.Sprintf("agent %s: %v", j.AgentID, err))
					s.logger.Printf("[SCHED] job %s failed: %v", j.ID, err)
				}
			}(job)
		}
		// Barrier: the whole wave settles before the next ready computation,
		// so a later wave only ever sees a consistent, fully-merged brain.
		wg.Wait()

		for _, job := range ready {
			delete(running, job.ID)
			completed[job.ID] = true
		}
	}
	return report
}

// runJob isolates a single job invocation, converting panics into failures so
// one misbehaving agent cannot take down the run.
func runJob(ctx context.Context, j Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return j.Run(ctx)
}

// skipDependents marks every uncompleted job with a failed or skipped
// dependency as completed-without-running, transitively.
func (s *WaveScheduler) skipDependents(jobs []Job, completed, failed map[string]bool, report *RunReport) {
	for {
		changed := false
		for _, job := range jobs {
			if completed[job.ID] {
				continue
			}
			for _, dep := range job.DependsOn {
				if failed[dep] {
					completed[job.ID] = true
					failed[job.ID] = true // propagate to transitive dependents
					report.Skipped = append(report.Skipped, job.ID)
					report.Errors = append(report.Errors, fmt.Sprintf("agent %s: skipped, dependency %s failed", job.AgentID, dep))
					s.logger.Printf("[SCHED] job %s skipped: dependency %s failed", job.ID, dep)
					changed = true
					break
				}
			}
		}
		if !changed {
			return
		}
	}
}

func (s *WaveScheduler) reportWave(wave, done, total int, ready []Job) {
	if s.reporter == nil {
		return
	}
	ids := make([]string, len(ready))
	for i, j := range ready {
		ids[i] = j.ID
	}
	pct := 0.0
	if total > 0 {
		pct = float64(done) / float64(total) * 100
	}
	s.reporter.Report(ProgressEvent{
		RunID:    s.runID,
		Stage:    "executing",
		Progress: pct,
		Message:  fmt.Sprintf("wave %d: running %s", wave, strings.Join(ids, ", ")),
		Details:  map[string]interface{}{"wave": wave, "jobs": ids},
	})
}
