// Package orchestrator owns the task lifecycle: admission under the
// per-user single-flight lock, task creation and enqueueing, cancel
// propagation, and restart recovery.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/lexa946/downloader-video/internal/metrics"
	"github.com/lexa946/downloader-video/internal/provider"
	"github.com/lexa946/downloader-video/internal/queue"
	"github.com/lexa946/downloader-video/internal/store"
	"github.com/lexa946/downloader-video/internal/task"
)

// ErrActiveTask rejects a second download while the user's current one
// is still pending.
var ErrActiveTask = errors.New("user already has an active task")

// ErrTaskNotFound is returned for unknown task ids.
var ErrTaskNotFound = errors.New("task not found")

// PreviewSink re-hosts provider thumbnails on durable storage. A nil
// sink leaves the provider URL untouched.
type PreviewSink interface {
	Upload(ctx context.Context, sourceURL, title, author string) (string, error)
}

// Orchestrator coordinates the store, the work queue and the provider
// registry on behalf of the HTTP endpoints.
type Orchestrator struct {
	store    *store.Store
	queue    *queue.Queue
	registry *provider.Registry
	preview  PreviewSink
}

// New wires an orchestrator. preview may be nil.
func New(st *store.Store, q *queue.Queue, registry *provider.Registry, preview PreviewSink) *Orchestrator {
	return &Orchestrator{store: st, queue: q, registry: registry, preview: preview}
}

// GetFormats resolves the media metadata for a URL, serving repeated
// lookups from the advisory cache.
func (o *Orchestrator) GetFormats(ctx context.Context, url string) (*task.Media, error) {
	if cached, err := o.store.GetMeta(ctx, url); err == nil && cached != nil {
		metrics.MetaCacheLookups.WithLabelValues("hit").Inc()
		return cached, nil
	} else if err != nil {
		slog.Warn("Meta cache lookup failed", "url", url, "error", err)
	}
	metrics.MetaCacheLookups.WithLabelValues("miss").Inc()

	p, err := o.registry.Find(url)
	if err != nil {
		return nil, err
	}
	media, err := p.ResolveFormats(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("resolve formats via %s: %w", p.Name(), err)
	}

	if o.preview != nil && media.PreviewURL != "" {
		hosted, err := o.preview.Upload(ctx, media.PreviewURL, media.Title, media.Author)
		if err != nil {
			slog.Warn("Preview upload failed, keeping provider url", "url", media.PreviewURL, "error", err)
		} else {
			media.PreviewURL = hosted
		}
	}

	if err := o.store.PutMeta(ctx, url, media); err != nil {
		slog.Warn("Meta cache write failed", "url", url, "error", err)
	}
	return media, nil
}

// StartDownload admits, records and enqueues a new download task.
func (o *Orchestrator) StartDownload(ctx context.Context, user string, req *task.Request) (*task.Task, error) {
	p, err := o.registry.Find(req.URL)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	locked := false
	if user != store.AnonymousUser {
		if err := o.admit(ctx, user, id); err != nil {
			return nil, err
		}
		locked = true
	}
	release := func() {
		if !locked {
			return
		}
		if err := o.store.ReleaseLock(ctx, user, id); err != nil {
			slog.Warn("Failed to release lock after aborted start", "user_id", user, "error", err)
		}
	}

	media, err := o.GetFormats(ctx, req.URL)
	if err != nil {
		release()
		return nil, err
	}

	t := task.New(id, media, req)
	if err := o.store.SetTaskUser(ctx, id, user); err != nil {
		release()
		return nil, err
	}
	if err := o.store.PutTask(ctx, t); err != nil {
		release()
		return nil, err
	}
	if err := o.store.AppendUserTask(ctx, user, id); err != nil {
		slog.Warn("Failed to append task to history", "user_id", user, "task_id", id, "error", err)
	}
	if err := o.queue.Enqueue(ctx, id); err != nil {
		t.Fail("failed to enqueue download")
		if putErr := o.store.PutTask(ctx, t); putErr != nil {
			slog.Warn("Failed to record enqueue failure", "task_id", id, "error", putErr)
		}
		release()
		return nil, fmt.Errorf("enqueue task %s: %w", id, err)
	}

	metrics.TasksStarted.WithLabelValues(p.Name()).Inc()
	slog.Info("Download task started", "task_id", id, "user_id", user, "url", req.URL, "provider", p.Name())
	return t, nil
}

// admit takes the user's lock for the new task, force-releasing locks
// whose task is gone, finished or unresumable.
func (o *Orchestrator) admit(ctx context.Context, user, id string) error {
	active, err := o.store.ActiveTask(ctx, user)
	if err != nil {
		return err
	}
	if active != "" {
		current, err := o.store.GetTask(ctx, active)
		if err != nil {
			return err
		}
		stale := current == nil ||
			current.Status.Terminal() ||
			(current.Status == task.StatusPending && current.Request == nil)
		if !stale {
			return ErrActiveTask
		}
		slog.Info("Releasing stale lock", "user_id", user, "task_id", active)
		if err := o.store.ReleaseLock(ctx, user, ""); err != nil {
			return err
		}
	}

	ok, err := o.store.AcquireLock(ctx, user, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrActiveTask
	}
	return nil
}

// CancelDownload marks the task canceled, raises the cancel flag for the
// worker and releases the owner's lock. Repeated calls are no-ops.
func (o *Orchestrator) CancelDownload(ctx context.Context, id string) error {
	t, err := o.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t == nil {
		return ErrTaskNotFound
	}
	if t.Status.Terminal() {
		return nil
	}

	if err := o.store.SetCancel(ctx, id); err != nil {
		return err
	}
	t.Cancel("canceled by user")
	if err := o.store.PutTask(ctx, t); err != nil {
		return err
	}
	slog.Info("Download task canceled", "task_id", id)
	return nil
}

// GetStatus loads the current task record.
func (o *Orchestrator) GetStatus(ctx context.Context, id string) (*task.Task, error) {
	t, err := o.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrTaskNotFound
	}
	return t, nil
}

// Recover reconciles stored tasks after a restart: resumable pending
// tasks are re-enqueued, unresumable ones are failed, and locks held by
// finished tasks are released.
func (o *Orchestrator) Recover(ctx context.Context) error {
	tasks, err := o.store.ScanTasks(ctx)
	if err != nil {
		return fmt.Errorf("scan tasks for recovery: %w", err)
	}

	var requeued, failed int
	for _, t := range tasks {
		switch {
		case t.Status == task.StatusPending && t.Request != nil:
			if err := o.queue.Enqueue(ctx, t.ID); err != nil {
				slog.Warn("Failed to re-enqueue task", "task_id", t.ID, "error", err)
				continue
			}
			requeued++
		case t.Status == task.StatusPending:
			t.Fail("server restarted; task parameters lost")
			if err := o.store.PutTask(ctx, t); err != nil {
				slog.Warn("Failed to fail unresumable task", "task_id", t.ID, "error", err)
				continue
			}
			failed++
		default:
			// Terminal: make sure no lock is left behind.
			user, err := o.store.GetTaskUser(ctx, t.ID)
			if err != nil || user == "" || user == store.AnonymousUser {
				continue
			}
			if err := o.store.ReleaseLock(ctx, user, t.ID); err != nil {
				slog.Warn("Failed to release lock during recovery", "user_id", user, "task_id", t.ID, "error", err)
			}
		}
	}

	slog.Info("Restart recovery finished", "total", len(tasks), "requeued", requeued, "failed", failed)
	return nil
}
