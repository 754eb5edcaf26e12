package provider

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexa946/downloader-video/internal/task"
)

func TestVKParseID(t *testing.T) {
	owner, video, err := vkParseID("https://vkvideo.ru/video-12345_67890")
	require.NoError(t, err)
	assert.Equal(t, "12345", owner)
	assert.Equal(t, "67890", video)

	owner, video, err = vkParseID("https://vk.com/video1_2")
	require.NoError(t, err)
	assert.Equal(t, "1", owner)
	assert.Equal(t, "2", video)

	_, _, err = vkParseID("https://vk.com/feed")
	assert.Error(t, err)
}

func TestVKParsePayloadShapes(t *testing.T) {
	params := `{"md_title":"Title","md_author":"Author","jpg":"https://cdn/p.jpg","duration":120,"url480":"https://cdn/480.mp4","url720":"https://cdn/720.mp4"}`

	shapes := []string{
		fmt.Sprintf(`{"payload":[0,[null,1,null,null,{"player":{"params":[%s]}}]]}`, params),
		fmt.Sprintf(`{"params":[%s]}`, params),
		params,
	}
	for i, body := range shapes {
		video, err := vkParsePayload([]byte(body))
		require.NoError(t, err, "shape %d", i)
		assert.Equal(t, "Title", video.Title, "shape %d", i)
		assert.Equal(t, "Author", video.Author, "shape %d", i)
		assert.Equal(t, 120, video.Duration, "shape %d", i)
		assert.Equal(t, "https://cdn/720.mp4", video.contentURL(720), "shape %d", i)
		assert.Empty(t, video.contentURL(1080), "shape %d", i)
	}
}

func TestVKParsePayloadGarbage(t *testing.T) {
	_, err := vkParsePayload([]byte(`<!doctype html>`))
	assert.Error(t, err)
	_, err = vkParsePayload([]byte(`{"payload":[0,[]]}`))
	assert.Error(t, err)
}

func TestMergeParts(t *testing.T) {
	dir := t.TempDir()
	var parts []string
	for i, chunk := range []string{"aaa", "bbb", "ccc"} {
		part := filepath.Join(dir, fmt.Sprintf("part_%d.tmp", i))
		require.NoError(t, os.WriteFile(part, []byte(chunk), 0o644))
		parts = append(parts, part)
	}

	target := filepath.Join(dir, "out", "final.mp4")
	require.NoError(t, mergeParts(parts, target))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "aaabbbccc", string(data))
	for _, part := range parts {
		_, err := os.Stat(part)
		assert.True(t, os.IsNotExist(err))
	}
}

func TestVKDownloadParallelRanges(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789"), 1000)
	modTime := time.Now()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	payload := fmt.Sprintf(
		`{"params":[{"md_title":"Cool Video","md_author":"Some Author","duration":10,"url720":"%s/stream.mp4"}]}`,
		srv.URL,
	)
	mux.HandleFunc("/al_video.php", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, payload)
	})
	mux.HandleFunc("/stream.mp4", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "stream.mp4", modTime, bytes.NewReader(content))
	})

	vk := NewVKWithClient(srv.Client(), nil)
	vk.infoURL = srv.URL + "/al_video.php"

	store := &fakeStore{}
	tsk := task.New("t1", nil, nil)
	tr := NewTracker(store, tsk)
	root := t.TempDir()

	job := &Job{
		TaskID:  "t1",
		Request: &task.Request{URL: "https://vkvideo.ru/video-1_2", VideoFormatID: "720", AudioFormatID: "720"},
		Dir:     root,
	}

	final, err := vk.Download(context.Background(), job, tr)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "Some_Author", "t1_Cool_Video.mp4"), final)

	data, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, content, data)

	// The scratch directory with part files is gone.
	_, err = os.Stat(PartDir(root, "t1"))
	assert.True(t, os.IsNotExist(err))

	assert.True(t, strings.HasPrefix(store.last().Description, "Merging"))
}

func TestVKDownloadTinyStream(t *testing.T) {
	// Fewer bytes than parallel connections; the range split must not
	// produce empty or inverted ranges.
	content := []byte("tiny")
	modTime := time.Now()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	payload := fmt.Sprintf(
		`{"params":[{"md_title":"T","md_author":"A","url480":"%s/stream.mp4"}]}`,
		srv.URL,
	)
	mux.HandleFunc("/al_video.php", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, payload)
	})
	mux.HandleFunc("/stream.mp4", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "stream.mp4", modTime, bytes.NewReader(content))
	})

	vk := NewVKWithClient(srv.Client(), nil)
	vk.infoURL = srv.URL + "/al_video.php"

	tr := NewTracker(&fakeStore{}, task.New("t1", nil, nil))
	job := &Job{
		TaskID:  "t1",
		Request: &task.Request{URL: "https://vkvideo.ru/video-1_2", VideoFormatID: "480", AudioFormatID: "480"},
		Dir:     t.TempDir(),
	}

	final, err := vk.Download(context.Background(), job, tr)
	require.NoError(t, err)

	data, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestVKDownloadCanceled(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 10000)
	modTime := time.Now()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	payload := fmt.Sprintf(
		`{"params":[{"md_title":"T","md_author":"A","url480":"%s/stream.mp4"}]}`,
		srv.URL,
	)
	mux.HandleFunc("/al_video.php", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, payload)
	})
	mux.HandleFunc("/stream.mp4", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "stream.mp4", modTime, bytes.NewReader(content))
	})

	vk := NewVKWithClient(srv.Client(), nil)
	vk.infoURL = srv.URL + "/al_video.php"

	store := &fakeStore{}
	store.cancel()
	tr := NewTracker(store, task.New("t1", nil, nil))

	job := &Job{
		TaskID:  "t1",
		Request: &task.Request{URL: "https://vkvideo.ru/video-1_2", VideoFormatID: "480", AudioFormatID: "480"},
		Dir:     t.TempDir(),
	}

	_, err := vk.Download(context.Background(), job, tr)
	assert.ErrorIs(t, err, ErrCanceled)
}
