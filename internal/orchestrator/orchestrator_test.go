package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexa946/downloader-video/internal/provider"
	"github.com/lexa946/downloader-video/internal/queue"
	"github.com/lexa946/downloader-video/internal/store"
	"github.com/lexa946/downloader-video/internal/task"
)

type stubProvider struct {
	mu       sync.Mutex
	resolves int
	media    *task.Media
}

func (s *stubProvider) Name() string          { return "stub" }
func (s *stubProvider) Match(url string) bool { return true }

func (s *stubProvider) ResolveFormats(ctx context.Context, url string) (*task.Media, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolves++
	m := *s.media
	m.URL = url
	return &m, nil
}

func (s *stubProvider) Download(ctx context.Context, job *provider.Job, tr *provider.Tracker) (string, error) {
	return "", nil
}

type stubSink struct {
	uploads []string
}

func (s *stubSink) Upload(ctx context.Context, sourceURL, title, author string) (string, error) {
	s.uploads = append(s.uploads, sourceURL)
	return "https://cdn.example/previews/" + title + ".jpg", nil
}

func setup(t *testing.T) (*Orchestrator, *store.Store, *queue.Queue, *stubProvider) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewWithClient(client, "vdl:")
	q := queue.NewWithClient(client, "vdl:")
	p := &stubProvider{media: &task.Media{
		Title:  "clip",
		Author: "author",
		Formats: []task.Variant{
			{Quality: "720p", VideoFormatID: "720", AudioFormatID: "720"},
		},
	}}
	return New(st, q, provider.NewRegistry(p), nil), st, q, p
}

func TestStartDownload(t *testing.T) {
	o, st, q, _ := setup(t)
	ctx := context.Background()

	created, err := o.StartDownload(ctx, "u1", &task.Request{URL: "https://vkvideo.ru/video-1_2", VideoFormatID: "720", AudioFormatID: "720"})
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, created.Status)
	assert.NotNil(t, created.Media)
	assert.NotNil(t, created.Request)

	stored, err := st.GetTask(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)

	queued, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, created.ID, queued)

	history, err := st.UserTasks(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{created.ID}, history)

	active, err := st.ActiveTask(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, active)

	owner, err := st.GetTaskUser(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", owner)
}

func TestStartDownloadConflict(t *testing.T) {
	o, _, _, _ := setup(t)
	ctx := context.Background()
	req := &task.Request{URL: "https://vkvideo.ru/video-1_2", VideoFormatID: "720", AudioFormatID: "720"}

	_, err := o.StartDownload(ctx, "u1", req)
	require.NoError(t, err)

	_, err = o.StartDownload(ctx, "u1", req)
	assert.ErrorIs(t, err, ErrActiveTask)
}

func TestStartDownloadAnonymousUnlimited(t *testing.T) {
	o, _, _, _ := setup(t)
	ctx := context.Background()
	req := &task.Request{URL: "https://vkvideo.ru/video-1_2", VideoFormatID: "720", AudioFormatID: "720"}

	_, err := o.StartDownload(ctx, store.AnonymousUser, req)
	require.NoError(t, err)
	_, err = o.StartDownload(ctx, store.AnonymousUser, req)
	require.NoError(t, err)
}

func TestStartDownloadStaleLockForceReleased(t *testing.T) {
	o, st, _, _ := setup(t)
	ctx := context.Background()

	// A lock pointing at a task that no longer exists must not block the
	// user forever.
	acquired, err := st.AcquireLock(ctx, "u1", "ghost")
	require.NoError(t, err)
	require.True(t, acquired)

	created, err := o.StartDownload(ctx, "u1", &task.Request{URL: "https://vkvideo.ru/video-1_2", VideoFormatID: "720", AudioFormatID: "720"})
	require.NoError(t, err)

	active, err := st.ActiveTask(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, active)
}

func TestStartDownloadUnsupportedURL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewWithClient(client, "vdl:")
	q := queue.NewWithClient(client, "vdl:")
	o := New(st, q, provider.NewRegistry(), nil)

	_, err := o.StartDownload(context.Background(), "u1", &task.Request{URL: "https://example.com/x"})
	assert.ErrorIs(t, err, provider.ErrUnsupportedURL)

	// The failed admission must not leave a lock behind.
	active, err := st.ActiveTask(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestGetFormatsUsesCache(t *testing.T) {
	o, _, _, p := setup(t)
	ctx := context.Background()

	first, err := o.GetFormats(ctx, "https://vkvideo.ru/video-1_2")
	require.NoError(t, err)
	second, err := o.GetFormats(ctx, "https://vkvideo.ru/video-1_2")
	require.NoError(t, err)

	assert.Equal(t, first.Title, second.Title)
	assert.Equal(t, 1, p.resolves)
}

func TestGetFormatsRehostsPreview(t *testing.T) {
	o, _, _, p := setup(t)
	p.media.PreviewURL = "https://provider.example/p.jpg"
	sink := &stubSink{}
	o.preview = sink

	media, err := o.GetFormats(context.Background(), "https://vkvideo.ru/video-1_2")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/previews/clip.jpg", media.PreviewURL)
	assert.Equal(t, []string{"https://provider.example/p.jpg"}, sink.uploads)
}

func TestCancelDownload(t *testing.T) {
	o, st, _, _ := setup(t)
	ctx := context.Background()

	created, err := o.StartDownload(ctx, "u1", &task.Request{URL: "https://vkvideo.ru/video-1_2", VideoFormatID: "720", AudioFormatID: "720"})
	require.NoError(t, err)

	require.NoError(t, o.CancelDownload(ctx, created.ID))

	stored, err := st.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCanceled, stored.Status)
	assert.Equal(t, "canceled by user", stored.Description)

	canceled, err := st.IsCanceled(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, canceled)

	active, err := st.ActiveTask(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, active)

	// Safe to repeat.
	require.NoError(t, o.CancelDownload(ctx, created.ID))
}

func TestCancelDownloadUnknown(t *testing.T) {
	o, _, _, _ := setup(t)
	assert.ErrorIs(t, o.CancelDownload(context.Background(), "nope"), ErrTaskNotFound)
}

func TestGetStatusUnknown(t *testing.T) {
	o, _, _, _ := setup(t)
	_, err := o.GetStatus(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestRecover(t *testing.T) {
	o, st, q, _ := setup(t)
	ctx := context.Background()

	resumable := task.New("resumable", nil, &task.Request{URL: "https://vkvideo.ru/video-1_2"})
	require.NoError(t, st.PutTask(ctx, resumable))

	orphan := task.New("orphan", nil, nil)
	require.NoError(t, st.PutTask(ctx, orphan))

	finished := task.New("finished", nil, &task.Request{URL: "u"})
	finished.Complete("/tmp/x.mp4")
	require.NoError(t, st.PutTask(ctx, finished))
	require.NoError(t, st.SetTaskUser(ctx, "finished", "u2"))
	acquired, err := st.AcquireLock(ctx, "u2", "finished")
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, o.Recover(ctx))

	queued, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "resumable", queued)

	stored, err := st.GetTask(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, task.StatusError, stored.Status)
	assert.Equal(t, "server restarted; task parameters lost", stored.Description)

	active, err := st.ActiveTask(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, active)
}
