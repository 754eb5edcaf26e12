package provider

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexa946/downloader-video/internal/task"
)

// fakeStore records published snapshots and lets tests raise the cancel
// flag mid-transfer.
type fakeStore struct {
	mu        sync.Mutex
	snapshots []task.StatusBlock
	canceled  bool
}

func (f *fakeStore) PutTask(ctx context.Context, t *task.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, t.StatusBlock())
	return nil
}

func (f *fakeStore) IsCanceled(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canceled, nil
}

func (f *fakeStore) cancel() {
	f.mu.Lock()
	f.canceled = true
	f.mu.Unlock()
}

func (f *fakeStore) last() task.StatusBlock {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.snapshots) == 0 {
		return task.StatusBlock{}
	}
	return f.snapshots[len(f.snapshots)-1]
}

type stubProvider struct {
	name    string
	markers []string
}

func (s *stubProvider) Name() string          { return s.name }
func (s *stubProvider) Match(url string) bool { return matchAny(url, s.markers...) }
func (s *stubProvider) ResolveFormats(ctx context.Context, url string) (*task.Media, error) {
	return &task.Media{URL: url}, nil
}
func (s *stubProvider) Download(ctx context.Context, job *Job, tr *Tracker) (string, error) {
	return "", nil
}

func TestRegistryMatchesInOrder(t *testing.T) {
	yt := &stubProvider{name: "youtube", markers: []string{"youtube.com", "youtu.be"}}
	vk := &stubProvider{name: "vk", markers: []string{"vk.com", "vkvideo.ru"}}
	reg := NewRegistry(yt, vk)

	cases := map[string]string{
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ": "youtube",
		"https://youtu.be/dQw4w9WgXcQ":                "youtube",
		"https://www.youtube.com/shorts/abc12345678":  "youtube",
		"https://vkvideo.ru/video-1234_5678":          "vk",
		"https://VK.COM/video-1_2":                    "vk",
	}
	for url, want := range cases {
		p, err := reg.Find(url)
		require.NoError(t, err, url)
		assert.Equal(t, want, p.Name(), url)
	}
}

func TestRegistryUnsupportedURL(t *testing.T) {
	reg := NewRegistry(&stubProvider{name: "vk", markers: []string{"vk.com"}})

	_, err := reg.Find("https://example.com/video/1")
	assert.ErrorIs(t, err, ErrUnsupportedURL)
}
