package fanout

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"storyreel/internal/config"
)

// ErrAbandoned marks a task that was still in flight when the cancel
// grace period expired, or that never started before cancellation.
var ErrAbandoned = errors.New("task abandoned")

// Task is one unit of per-scene work. report receives scalar 0..100
// progress for this task only.
type Task func(ctx context.Context, report func(int)) error

// Snapshot is the aggregate progress across all tasks of one Run.
type Snapshot struct {
	PerTask      map[int]int
	Completed    int
	Total        int
	CurrentIndex int
}

// Runner executes task lists with a fixed in-flight bound. A zero or
// negative limit falls back to the configured default; limits above the
// hard cap are clamped.
type Runner struct {
	limit int
	grace time.Duration
}

// NewRunner creates a runner with the given concurrency limit.
func NewRunner(limit int) *Runner {
	if limit <= 0 {
		limit = config.ClipConcurrency
	}
	if limit > config.MaxClipConcurrency {
		limit = config.MaxClipConcurrency
	}
	return &Runner{limit: limit, grace: config.CancelGrace}
}

// Limit returns the effective concurrency bound.
func (r *Runner) Limit() int { return r.limit }

// Run executes tasks with at most limit in flight and returns one error
// slot per task, indexed by task position. A task failure never affects
// its siblings. When ctx is cancelled, in-flight tasks are given the
// cancel grace period to wind down; whatever has not finished by then is
// reported as ErrAbandoned.
func (r *Runner) Run(ctx context.Context, tasks []Task, onProgress func(Snapshot)) []error {
	n := len(tasks)
	results := make([]error, n)
	for i := range results {
		results[i] = ErrAbandoned
	}

	agg := &aggregator{
		perTask:    make(map[int]int, n),
		total:      n,
		onProgress: onProgress,
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, r.limit)

	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task Task) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				mu.Lock()
				results[i] = ctx.Err()
				mu.Unlock()
				return
			}
			defer func() { <-sem }()

			err := task(ctx, func(p int) { agg.report(i, p) })
			mu.Lock()
			results[i] = err
			mu.Unlock()
			agg.finish(i, err == nil)
		}(i, task)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Give in-flight tasks a bounded window to observe ctx and
		// return, then hand back whatever completed.
		select {
		case <-done:
		case <-time.After(r.grace):
			slog.Warn("Fan-out cancel grace expired", "grace", r.grace)
		}
	}

	mu.Lock()
	out := make([]error, n)
	copy(out, results)
	mu.Unlock()
	return out
}

// aggregator folds per-task reports into snapshots.
type aggregator struct {
	mu         sync.Mutex
	perTask    map[int]int
	completed  int
	total      int
	onProgress func(Snapshot)
}

func (a *aggregator) report(i, p int) {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	a.mu.Lock()
	if p > a.perTask[i] {
		a.perTask[i] = p
	}
	snap := a.snapshotLocked(i)
	a.mu.Unlock()
	a.emit(snap)
}

func (a *aggregator) finish(i int, ok bool) {
	a.mu.Lock()
	if ok {
		a.perTask[i] = 100
	}
	a.completed++
	snap := a.snapshotLocked(i)
	a.mu.Unlock()
	a.emit(snap)
}

func (a *aggregator) snapshotLocked(current int) Snapshot {
	perTask := make(map[int]int, len(a.perTask))
	for k, v := range a.perTask {
		perTask[k] = v
	}
	return Snapshot{
		PerTask:      perTask,
		Completed:    a.completed,
		Total:        a.total,
		CurrentIndex: current,
	}
}

func (a *aggregator) emit(snap Snapshot) {
	if a.onProgress != nil {
		a.onProgress(snap)
	}
}
