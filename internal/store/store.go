// Package store is the typed gateway to the shared key-value store. It
// owns the key layout for task records, per-user history, single-flight
// locks, cancel flags, the metadata cache and the per-task event channel.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lexa946/downloader-video/internal/config"
	"github.com/lexa946/downloader-video/internal/task"
)

// HistoryLimit is how many task ids a user's rolling history keeps.
const HistoryLimit = 6

// AnonymousUser is the shared id for clients without a user cookie. It is
// exempt from the single-flight lock.
const AnonymousUser = "0"

// releaseScript deletes the lock key only while it still names the given
// task, so a later acquirer is never clobbered.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// pendingWriteScript stores a pending snapshot only while the existing
// record is still pending, so a progress write racing a terminal
// transition can never roll the status back.
var pendingWriteScript = redis.NewScript(`
local existing = redis.call("GET", KEYS[1])
if existing then
	local ok, record = pcall(cjson.decode, existing)
	if ok and record.status and record.status ~= "pending" then
		return 0
	end
end
redis.call("SET", KEYS[1], ARGV[1])
return 1
`)

// Store wraps a Redis client with the task-centric operations the
// orchestrator, workers and endpoints need.
type Store struct {
	client  *redis.Client
	prefix  string
	lockTTL time.Duration
	metaTTL time.Duration
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg *config.Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr(),
		DB:   cfg.RedisDB,
	})
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	slog.Info("Task store initialized", "addr", cfg.RedisAddr(), "prefix", cfg.KeyPrefix)
	return &Store{
		client:  client,
		prefix:  cfg.KeyPrefix,
		lockTTL: cfg.LockTTL,
		metaTTL: cfg.MetaTTL,
	}, nil
}

// NewWithClient builds a store around an existing client (for testing).
func NewWithClient(client *redis.Client, prefix string) *Store {
	return &Store{
		client:  client,
		prefix:  prefix,
		lockTTL: time.Hour,
		metaTTL: 10 * time.Minute,
	}
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client exposes the underlying Redis client so the queue can share one
// connection pool.
func (s *Store) Client() *redis.Client { return s.client }

func (s *Store) taskKey(id string) string     { return s.prefix + "task:" + id }
func (s *Store) userKey(user string) string   { return s.prefix + "user:" + user }
func (s *Store) lockKey(user string) string   { return s.prefix + "active:" + user }
func (s *Store) taskUserKey(id string) string { return s.prefix + "task_user:" + id }
func (s *Store) cancelKey(id string) string   { return s.prefix + "cancel:" + id }
func (s *Store) metaKey(url string) string    { return s.prefix + "meta:" + url }

// EventsChannel returns the pub/sub channel name for one task.
func (s *Store) EventsChannel(id string) string { return s.prefix + "events:" + id }

// PutTask serializes and writes the task record, publishes its status
// block to subscribers, and on a terminal status releases the owner's
// lock. Publish and release failures never mask a successful write. A
// pending snapshot is silently dropped when a terminal record is
// already stored.
func (s *Store) PutTask(ctx context.Context, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	// Task records carry no TTL: history must outlive one session.
	if t.Status == task.StatusPending {
		wrote, err := pendingWriteScript.Run(ctx, s.client, []string{s.taskKey(t.ID)}, data).Int()
		if err != nil {
			return fmt.Errorf("store task %s: %w", t.ID, err)
		}
		if wrote == 0 {
			return nil
		}
	} else if err := s.client.Set(ctx, s.taskKey(t.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("store task %s: %w", t.ID, err)
	}

	if err := s.publish(ctx, t); err != nil {
		slog.Warn("Failed to publish task snapshot", "task_id", t.ID, "error", err)
	}

	if t.Status.Terminal() {
		user, err := s.GetTaskUser(ctx, t.ID)
		if err != nil {
			slog.Warn("Failed to resolve task owner for lock release", "task_id", t.ID, "error", err)
		} else if user != "" && user != AnonymousUser {
			if err := s.ReleaseLock(ctx, user, t.ID); err != nil {
				slog.Warn("Failed to release user lock", "user_id", user, "task_id", t.ID, "error", err)
			}
		}
	}
	return nil
}

func (s *Store) publish(ctx context.Context, t *task.Task) error {
	payload, err := json.Marshal(t.StatusBlock())
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.EventsChannel(t.ID), payload).Err()
}

// GetTask loads a task record; it returns (nil, nil) when the id is
// unknown.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	data, err := s.client.Get(ctx, s.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}

// TaskExists reports whether a record is stored under the id.
func (s *Store) TaskExists(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.taskKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("check task %s: %w", id, err)
	}
	return n > 0, nil
}

// DeleteTask removes the record together with its reverse mapping and
// cancel flag. Deleting an unknown id is a no-op.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.taskKey(id), s.taskUserKey(id), s.cancelKey(id)).Err(); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// AppendUserTask prepends the task id to the user's history and trims it
// to HistoryLimit entries. Records evicted by the trim are deleted
// best-effort.
func (s *Store) AppendUserTask(ctx context.Context, user, id string) error {
	key := s.userKey(user)
	if err := s.client.LPush(ctx, key, id).Err(); err != nil {
		return fmt.Errorf("append history for %s: %w", user, err)
	}
	evicted, err := s.client.LRange(ctx, key, HistoryLimit, -1).Result()
	if err != nil {
		return fmt.Errorf("inspect history for %s: %w", user, err)
	}
	if err := s.client.LTrim(ctx, key, 0, HistoryLimit-1).Err(); err != nil {
		return fmt.Errorf("trim history for %s: %w", user, err)
	}
	for _, old := range evicted {
		if err := s.DeleteTask(ctx, old); err != nil {
			slog.Warn("Failed to delete evicted task", "task_id", old, "error", err)
		}
	}
	return nil
}

// UserTasks returns the user's task ids, most recent first.
func (s *Store) UserTasks(ctx context.Context, user string) ([]string, error) {
	ids, err := s.client.LRange(ctx, s.userKey(user), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", user, err)
	}
	return ids, nil
}

// RemoveUserTask drops a dangling task id from the user's history list.
func (s *Store) RemoveUserTask(ctx context.Context, user, id string) error {
	if err := s.client.LRem(ctx, s.userKey(user), 0, id).Err(); err != nil {
		return fmt.Errorf("remove %s from history of %s: %w", id, user, err)
	}
	return nil
}

// AcquireLock takes the user's single-flight lock for the task. It is
// idempotent when the lock already names the same task.
func (s *Store) AcquireLock(ctx context.Context, user, id string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.lockKey(user), id, s.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock for %s: %w", user, err)
	}
	if ok {
		return true, nil
	}
	current, err := s.client.Get(ctx, s.lockKey(user)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("inspect lock for %s: %w", user, err)
	}
	return current == id, nil
}

// ReleaseLock clears the user's lock, but only while it still names the
// given task. An empty id force-clears the lock (stale recovery).
func (s *Store) ReleaseLock(ctx context.Context, user, id string) error {
	if id == "" {
		if err := s.client.Del(ctx, s.lockKey(user)).Err(); err != nil {
			return fmt.Errorf("force-release lock for %s: %w", user, err)
		}
		return nil
	}
	if err := releaseScript.Run(ctx, s.client, []string{s.lockKey(user)}, id).Err(); err != nil {
		return fmt.Errorf("release lock for %s: %w", user, err)
	}
	return nil
}

// ActiveTask returns the task id currently holding the user's lock, or ""
// when the lock is absent.
func (s *Store) ActiveTask(ctx context.Context, user string) (string, error) {
	id, err := s.client.Get(ctx, s.lockKey(user)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("inspect lock for %s: %w", user, err)
	}
	return id, nil
}

// SetTaskUser records which user owns the task, so terminal transitions
// in worker context can release the right lock.
func (s *Store) SetTaskUser(ctx context.Context, id, user string) error {
	if err := s.client.Set(ctx, s.taskUserKey(id), user, 0).Err(); err != nil {
		return fmt.Errorf("map task %s to user: %w", id, err)
	}
	return nil
}

// GetTaskUser returns the owning user id, or "" when unmapped.
func (s *Store) GetTaskUser(ctx context.Context, id string) (string, error) {
	user, err := s.client.Get(ctx, s.taskUserKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve owner of task %s: %w", id, err)
	}
	return user, nil
}

// SetCancel raises the per-task cancel flag observed by the worker at
// chunk boundaries. The flag expires with the lock TTL.
func (s *Store) SetCancel(ctx context.Context, id string) error {
	if err := s.client.Set(ctx, s.cancelKey(id), "1", s.lockTTL).Err(); err != nil {
		return fmt.Errorf("set cancel flag for %s: %w", id, err)
	}
	return nil
}

// ClearCancel drops the cancel flag.
func (s *Store) ClearCancel(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.cancelKey(id)).Err(); err != nil {
		return fmt.Errorf("clear cancel flag for %s: %w", id, err)
	}
	return nil
}

// IsCanceled reports whether a cancel was requested for the task.
func (s *Store) IsCanceled(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.cancelKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("check cancel flag for %s: %w", id, err)
	}
	return n > 0, nil
}

// GetMeta returns the cached media snapshot for the URL, or nil on a
// cache miss.
func (s *Store) GetMeta(ctx context.Context, url string) (*task.Media, error) {
	data, err := s.client.Get(ctx, s.metaKey(url)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load meta for %s: %w", url, err)
	}
	var m task.Media
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode meta for %s: %w", url, err)
	}
	return &m, nil
}

// PutMeta caches the media snapshot with the advisory TTL.
func (s *Store) PutMeta(ctx context.Context, url string, m *task.Media) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal meta for %s: %w", url, err)
	}
	if err := s.client.Set(ctx, s.metaKey(url), data, s.metaTTL).Err(); err != nil {
		return fmt.Errorf("cache meta for %s: %w", url, err)
	}
	return nil
}

// ScanTasks iterates every stored task record. Undecodable records are
// skipped with a warning so one bad key cannot block restart recovery.
func (s *Store) ScanTasks(ctx context.Context) ([]*task.Task, error) {
	var tasks []*task.Task
	iter := s.client.Scan(ctx, 0, s.taskKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("scan task %s: %w", key, err)
		}
		var t task.Task
		if err := json.Unmarshal(data, &t); err != nil {
			slog.Warn("Skipping undecodable task record", "key", key, "error", err)
			continue
		}
		tasks = append(tasks, &t)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan tasks: %w", err)
	}
	return tasks, nil
}

// Subscribe opens the task's event channel. The caller owns the returned
// PubSub and must close it.
func (s *Store) Subscribe(ctx context.Context, id string) *redis.PubSub {
	return s.client.Subscribe(ctx, s.EventsChannel(id))
}
