package provider

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lexa946/downloader-video/internal/task"
)

// publishInterval coalesces progress writes so a fast transfer does not
// flood the store and the event bus.
const publishInterval = 100 * time.Millisecond

// speedSmoothing is the EWMA weight given to the newest speed sample.
const speedSmoothing = 0.3

// StatusStore is the slice of the task store a tracker needs.
type StatusStore interface {
	PutTask(ctx context.Context, t *task.Task) error
	IsCanceled(ctx context.Context, id string) (bool, error)
}

// Tracker accumulates byte counts from one or more goroutines, maps them
// onto the current phase's percent window and publishes the task's status
// block. It also surfaces the cancel flag to the adapter at every chunk.
type Tracker struct {
	store StatusStore
	task  *task.Task

	mu          sync.Mutex
	phaseLo     float64
	phaseHi     float64
	total       int64
	done        int64
	speedBPS    float64
	lastSample  time.Time
	sampleBytes int64
	lastPublish time.Time
}

// NewTracker wraps the task with a fresh progress tracker.
func NewTracker(store StatusStore, t *task.Task) *Tracker {
	return &Tracker{
		store:   store,
		task:    t,
		phaseHi: 100,
	}
}

// Task returns the tracked task record.
func (tr *Tracker) Task() *task.Task { return tr.task }

// BeginPhase starts a named phase covering the [lo, hi] percent window
// and publishes the new description immediately. Total may be 0 when the
// size is unknown upfront.
func (tr *Tracker) BeginPhase(ctx context.Context, description string, lo, hi float64, total int64) {
	tr.mu.Lock()
	tr.phaseLo, tr.phaseHi = lo, hi
	tr.total, tr.done = total, 0
	tr.speedBPS, tr.sampleBytes = 0, 0
	tr.lastSample = time.Now()
	tr.task.Description = description
	tr.task.SetProgress(lo, 0, 0)
	tr.mu.Unlock()
	tr.flush(ctx)
}

// SetTotal records the expected byte count of the current phase.
func (tr *Tracker) SetTotal(total int64) {
	tr.mu.Lock()
	tr.total = total
	tr.mu.Unlock()
}

// Add accounts n transferred bytes, checks the cancel flag and publishes
// a coalesced status update. It returns ErrCanceled once a cancel was
// requested.
func (tr *Tracker) Add(ctx context.Context, n int) error {
	if err := tr.checkCanceled(ctx); err != nil {
		return err
	}

	tr.mu.Lock()
	tr.done += int64(n)
	tr.sampleBytes += int64(n)

	now := time.Now()
	if elapsed := now.Sub(tr.lastSample); elapsed >= publishInterval {
		sample := float64(tr.sampleBytes) / elapsed.Seconds()
		if tr.speedBPS == 0 {
			tr.speedBPS = sample
		} else {
			tr.speedBPS = speedSmoothing*sample + (1-speedSmoothing)*tr.speedBPS
		}
		tr.sampleBytes = 0
		tr.lastSample = now
	}

	percent := tr.phaseLo
	if tr.total > 0 {
		percent += (tr.phaseHi - tr.phaseLo) * float64(tr.done) / float64(tr.total)
	}
	var eta int64
	if tr.speedBPS > 0 && tr.total > tr.done {
		eta = int64(float64(tr.total-tr.done) / tr.speedBPS)
	}
	tr.task.SetProgress(percent, tr.speedBPS, eta)

	publish := now.Sub(tr.lastPublish) >= publishInterval
	if publish {
		tr.lastPublish = now
	}
	tr.mu.Unlock()

	if publish {
		tr.flush(ctx)
	}
	return nil
}

// SetPercent maps an externally computed fraction of the current phase
// (0..1) onto its percent window. Time-based pipelines report through
// this instead of byte counts.
func (tr *Tracker) SetPercent(ctx context.Context, fraction float64) error {
	if err := tr.checkCanceled(ctx); err != nil {
		return err
	}

	tr.mu.Lock()
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	tr.task.SetProgress(tr.phaseLo+(tr.phaseHi-tr.phaseLo)*fraction, tr.task.SpeedBPS, tr.task.ETASeconds)
	now := time.Now()
	publish := now.Sub(tr.lastPublish) >= publishInterval
	if publish {
		tr.lastPublish = now
	}
	tr.mu.Unlock()

	if publish {
		tr.flush(ctx)
	}
	return nil
}

// Flush force-publishes the current status block, ignoring coalescing.
func (tr *Tracker) Flush(ctx context.Context) {
	tr.mu.Lock()
	tr.lastPublish = time.Now()
	tr.mu.Unlock()
	tr.flush(ctx)
}

func (tr *Tracker) checkCanceled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return ErrCanceled
	}
	canceled, err := tr.store.IsCanceled(ctx, tr.task.ID)
	if err != nil {
		slog.Warn("Failed to check cancel flag", "task_id", tr.task.ID, "error", err)
		return nil
	}
	if canceled {
		return ErrCanceled
	}
	return nil
}

func (tr *Tracker) flush(ctx context.Context) {
	if err := tr.store.PutTask(ctx, tr.task); err != nil {
		slog.Warn("Failed to publish progress", "task_id", tr.task.ID, "error", err)
	}
}
