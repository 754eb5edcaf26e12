// Package worker is the queue consumer that turns pending tasks into
// files on disk.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lexa946/downloader-video/internal/config"
	"github.com/lexa946/downloader-video/internal/media"
	"github.com/lexa946/downloader-video/internal/metrics"
	"github.com/lexa946/downloader-video/internal/provider"
	"github.com/lexa946/downloader-video/internal/queue"
	"github.com/lexa946/downloader-video/internal/store"
	"github.com/lexa946/downloader-video/internal/task"
)

// dequeueRetryDelay throttles the loop after a queue error so a broken
// connection does not spin.
const dequeueRetryDelay = time.Second

// Worker consumes task ids from the queue and runs the matching
// provider's download pipeline.
type Worker struct {
	store      *store.Store
	queue      *queue.Queue
	registry   *provider.Registry
	ffmpeg     *media.FFmpeg
	root       string
	jobTimeout time.Duration
}

// New builds a worker from the shared components.
func New(st *store.Store, q *queue.Queue, registry *provider.Registry, ffmpeg *media.FFmpeg, cfg *config.Config) *Worker {
	return &Worker{
		store:      st,
		queue:      q,
		registry:   registry,
		ffmpeg:     ffmpeg,
		root:       cfg.DownloadRoot,
		jobTimeout: cfg.JobTimeout,
	}
}

// Run consumes the queue until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("Worker started", "download_root", w.root, "job_timeout", w.jobTimeout)
	for {
		if ctx.Err() != nil {
			slog.Info("Worker stopping")
			return nil
		}
		id, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("Worker stopping")
				return nil
			}
			slog.Error("Failed to dequeue task", "error", err)
			select {
			case <-time.After(dequeueRetryDelay):
			case <-ctx.Done():
			}
			continue
		}
		if id == "" {
			continue
		}
		w.Process(ctx, id)
	}
}

// Process runs one task end to end, converting every failure mode into
// a terminal status write.
func (w *Worker) Process(parent context.Context, id string) {
	ctx, cancel := context.WithTimeout(parent, w.jobTimeout)
	defer cancel()
	// Terminal status writes must land even after the job deadline has
	// expired, or the task stays pending and holds the user's lock.
	writeCtx := context.WithoutCancel(parent)

	t, err := w.store.GetTask(ctx, id)
	if err != nil {
		slog.Error("Failed to load task", "task_id", id, "error", err)
		return
	}
	if t == nil {
		slog.Warn("Dequeued unknown task", "task_id", id)
		return
	}
	if t.Status != task.StatusPending {
		slog.Info("Skipping task in terminal state", "task_id", id, "status", t.Status)
		return
	}

	// A cancel may arrive while the task is still queued.
	if canceled, err := w.store.IsCanceled(ctx, id); err == nil && canceled {
		w.finishCanceled(writeCtx, t)
		return
	}

	if t.Request == nil {
		t.Fail("task parameters lost")
		w.put(writeCtx, t)
		metrics.TasksFinished.WithLabelValues(string(task.StatusError)).Inc()
		return
	}

	p, err := w.registry.Find(t.Request.URL)
	if err != nil {
		t.Fail("unsupported url")
		w.put(writeCtx, t)
		metrics.TasksFinished.WithLabelValues(string(task.StatusError)).Inc()
		return
	}

	slog.Info("Processing task", "task_id", id, "provider", p.Name(), "url", t.Request.URL)
	metrics.ActiveDownloads.Inc()
	defer metrics.ActiveDownloads.Dec()

	tracker := provider.NewTracker(w.store, t)
	job := &provider.Job{
		TaskID:  id,
		Media:   t.Media,
		Request: t.Request,
		Dir:     w.root,
	}

	path, err := p.Download(ctx, job, tracker)
	if err == nil && t.Request.Clipped() {
		path, err = w.clip(ctx, t, tracker, path)
	}
	if err != nil {
		// The tracker reports every context error as a cancel, so the
		// deadline has to be told apart first.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			slog.Error("Download timed out", "task_id", id, "provider", p.Name(), "timeout", w.jobTimeout)
			t.Fail("job timed out")
			w.put(writeCtx, t)
			metrics.TasksFinished.WithLabelValues(string(task.StatusError)).Inc()
			return
		}
		if errors.Is(err, provider.ErrCanceled) || errors.Is(ctx.Err(), context.Canceled) {
			w.finishCanceled(writeCtx, t)
			return
		}
		slog.Error("Download failed", "task_id", id, "provider", p.Name(), "error", err)
		t.Fail(err.Error())
		w.put(writeCtx, t)
		metrics.TasksFinished.WithLabelValues(string(task.StatusError)).Inc()
		return
	}

	t.Complete(path)
	w.put(writeCtx, t)
	metrics.TasksFinished.WithLabelValues(string(task.StatusCompleted)).Inc()
	slog.Info("Task completed", "task_id", id, "filepath", path)
}

// clip cuts the requested window out of the finished file.
func (w *Worker) clip(ctx context.Context, t *task.Task, tracker *provider.Tracker, path string) (string, error) {
	tracker.BeginPhase(ctx, "Clipping selected fragment", t.Percent, 100, 0)

	ext := filepath.Ext(path)
	clipped := strings.TrimSuffix(path, ext) + "_clip" + ext
	if err := w.ffmpeg.Clip(ctx, path, clipped, t.Request.StartSeconds, t.Request.EndSeconds); err != nil {
		return "", err
	}
	if err := os.Remove(path); err != nil {
		slog.Warn("Failed to remove unclipped file", "filepath", path, "error", err)
	}
	return clipped, nil
}

func (w *Worker) finishCanceled(ctx context.Context, t *task.Task) {
	t.Cancel("canceled by user")
	w.put(ctx, t)
	if err := w.store.ClearCancel(ctx, t.ID); err != nil {
		slog.Warn("Failed to clear cancel flag", "task_id", t.ID, "error", err)
	}
	metrics.TasksFinished.WithLabelValues(string(task.StatusCanceled)).Inc()
	slog.Info("Task canceled", "task_id", t.ID)
}

func (w *Worker) put(ctx context.Context, t *task.Task) {
	if err := w.store.PutTask(ctx, t); err != nil {
		slog.Error("Failed to store task status", "task_id", t.ID, "status", t.Status, "error", err)
	}
}
