package sync

import (
	"context"
	"sync"
	"time"
)

// RecurringTask runs a task every interval, measured from the end of the previous run.
type RecurringTask struct {
	interval time.Duration
	task     func(context.Context) error
	onError  func(error)
	clock    func() time.Time

	mu         sync.Mutex
	ctx        context.Context
	timer      *time.Timer
	generation uint64
	nextRun    time.Time
	started    bool
}

// NewRecurringTask builds a stopped task.
func NewRecurringTask(interval time.Duration, task func(context.Context) error, clock func() time.Time, onError func(error)) *RecurringTask {
	if clock == nil {
		clock = time.Now
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &RecurringTask{interval: interval, task: task, clock: clock, onError: onError}
}

// Start schedules the first run one interval from now. Runs stop when ctx ends.
func (t *RecurringTask) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true
	t.ctx = ctx
	t.scheduleLocked()
	go func() {
		<-ctx.Done()
		t.Stop()
	}()
}

// Stop cancels the pending run. A run already executing completes.
func (t *RecurringTask) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.generation++
	t.nextRun = time.Time{}
}

// Reschedule pushes the next run to one interval from now.
func (t *RecurringTask) Reschedule() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return
	}
	t.scheduleLocked()
}

// AproximateNextRun returns when the next run is due, or false when stopped.
func (t *RecurringTask) AproximateNextRun() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return time.Time{}, false
	}
	return t.nextRun, true
}

func (t *RecurringTask) scheduleLocked() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.generation++
	generation := t.generation
	t.nextRun = t.clock().Add(t.interval)
	t.timer = time.AfterFunc(t.interval, func() {
		t.fire(generation)
	})
}

func (t *RecurringTask) fire(generation uint64) {
	t.mu.Lock()
	if !t.started || t.generation != generation {
		t.mu.Unlock()
		return
	}
	ctx := t.ctx
	t.mu.Unlock()

	if err := t.task(ctx); err != nil {
		t.onError(err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started && t.generation == generation {
		t.scheduleLocked()
	}
}
