package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexa946/downloader-video/internal/media"
	"github.com/lexa946/downloader-video/internal/provider"
	"github.com/lexa946/downloader-video/internal/queue"
	"github.com/lexa946/downloader-video/internal/store"
	"github.com/lexa946/downloader-video/internal/task"
)

type stubProvider struct {
	err      error
	block    bool
	produced string
}

func (s *stubProvider) Name() string          { return "stub" }
func (s *stubProvider) Match(url string) bool { return true }

func (s *stubProvider) ResolveFormats(ctx context.Context, url string) (*task.Media, error) {
	return &task.Media{URL: url}, nil
}

func (s *stubProvider) Download(ctx context.Context, job *provider.Job, tr *provider.Tracker) (string, error) {
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if s.err != nil {
		return "", s.err
	}
	path := filepath.Join(job.Dir, job.TaskID+".mp4")
	if err := os.WriteFile(path, []byte("video"), 0o644); err != nil {
		return "", err
	}
	s.produced = path
	return path, nil
}

// fakeClipper mimics the clip invocation by writing the output path,
// which ffmpeg passes as the final argument.
func fakeClipper(t *testing.T) *media.FFmpeg {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\nfor arg; do out=\"$arg\"; done\necho clipped > \"$out\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return media.New(path)
}

func setup(t *testing.T, p provider.Provider) (*Worker, *store.Store, *queue.Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewWithClient(client, "vdl:")
	q := queue.NewWithClient(client, "vdl:")
	w := &Worker{
		store:      st,
		queue:      q,
		registry:   provider.NewRegistry(p),
		ffmpeg:     fakeClipper(t),
		root:       t.TempDir(),
		jobTimeout: time.Minute,
	}
	return w, st, q
}

func TestProcessCompletesTask(t *testing.T) {
	p := &stubProvider{}
	w, st, _ := setup(t, p)
	ctx := context.Background()

	tsk := task.New("t1", &task.Media{Title: "x"}, &task.Request{URL: "https://vkvideo.ru/video-1_2", VideoFormatID: "720"})
	require.NoError(t, st.PutTask(ctx, tsk))

	w.Process(ctx, "t1")

	stored, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, stored.Status)
	assert.Equal(t, 100.0, stored.Percent)
	assert.Equal(t, p.produced, stored.Filepath)
}

func TestProcessClipsWhenWindowRequested(t *testing.T) {
	p := &stubProvider{}
	w, st, _ := setup(t, p)
	ctx := context.Background()

	start := 5.0
	tsk := task.New("t1", nil, &task.Request{URL: "https://vkvideo.ru/video-1_2", VideoFormatID: "720", StartSeconds: &start})
	require.NoError(t, st.PutTask(ctx, tsk))

	w.Process(ctx, "t1")

	stored, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, stored.Status)
	assert.Contains(t, stored.Filepath, "_clip")

	_, err = os.Stat(stored.Filepath)
	require.NoError(t, err)
	// The unclipped original is gone.
	_, err = os.Stat(p.produced)
	assert.True(t, os.IsNotExist(err))
}

func TestProcessDownloadError(t *testing.T) {
	w, st, _ := setup(t, &stubProvider{err: errors.New("upstream gone")})
	ctx := context.Background()

	require.NoError(t, st.PutTask(ctx, task.New("t1", nil, &task.Request{URL: "u", VideoFormatID: "720"})))

	w.Process(ctx, "t1")

	stored, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusError, stored.Status)
	assert.Equal(t, "upstream gone", stored.Description)
}

func TestProcessCanceledError(t *testing.T) {
	w, st, _ := setup(t, &stubProvider{err: provider.ErrCanceled})
	ctx := context.Background()

	require.NoError(t, st.PutTask(ctx, task.New("t1", nil, &task.Request{URL: "u", VideoFormatID: "720"})))

	w.Process(ctx, "t1")

	stored, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCanceled, stored.Status)
	assert.Equal(t, "canceled by user", stored.Description)
}

func TestProcessJobTimeout(t *testing.T) {
	w, st, _ := setup(t, &stubProvider{block: true})
	w.jobTimeout = 50 * time.Millisecond
	ctx := context.Background()

	require.NoError(t, st.PutTask(ctx, task.New("t1", nil, &task.Request{URL: "u", VideoFormatID: "720"})))

	w.Process(ctx, "t1")

	// The terminal write must survive the expired job deadline, or the
	// task stays pending forever.
	stored, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusError, stored.Status)
	assert.Equal(t, "job timed out", stored.Description)
}

func TestProcessCancelRequestedWhileQueued(t *testing.T) {
	p := &stubProvider{}
	w, st, _ := setup(t, p)
	ctx := context.Background()

	require.NoError(t, st.PutTask(ctx, task.New("t1", nil, &task.Request{URL: "u", VideoFormatID: "720"})))
	require.NoError(t, st.SetCancel(ctx, "t1"))

	w.Process(ctx, "t1")

	stored, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCanceled, stored.Status)
	// The provider never ran.
	assert.Empty(t, p.produced)

	canceled, err := st.IsCanceled(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, canceled)
}

func TestProcessTaskWithoutRequest(t *testing.T) {
	w, st, _ := setup(t, &stubProvider{})
	ctx := context.Background()

	require.NoError(t, st.PutTask(ctx, task.New("t1", nil, nil)))

	w.Process(ctx, "t1")

	stored, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusError, stored.Status)
	assert.Equal(t, "task parameters lost", stored.Description)
}

func TestProcessSkipsTerminalTask(t *testing.T) {
	p := &stubProvider{}
	w, st, _ := setup(t, p)
	ctx := context.Background()

	tsk := task.New("t1", nil, &task.Request{URL: "u"})
	tsk.Fail("already failed")
	require.NoError(t, st.PutTask(ctx, tsk))

	w.Process(ctx, "t1")

	assert.Empty(t, p.produced)
	stored, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusError, stored.Status)
}

func TestProcessUnknownTask(t *testing.T) {
	w, _, _ := setup(t, &stubProvider{})
	// Must not panic or write anything.
	w.Process(context.Background(), "ghost")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	w, _, _ := setup(t, &stubProvider{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop")
	}
}
