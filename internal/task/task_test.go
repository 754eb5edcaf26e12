package task

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusError.Terminal())
	assert.True(t, StatusCanceled.Terminal())
	assert.True(t, StatusDone.Terminal())
}

func TestNewTask(t *testing.T) {
	media := &Media{URL: "https://youtube.com/watch?v=X", Title: "clip", Author: "someone"}
	req := &Request{URL: media.URL, VideoFormatID: "22", AudioFormatID: "140"}

	tsk := New("abc", media, req)

	assert.Equal(t, StatusPending, tsk.Status)
	assert.Zero(t, tsk.Percent)
	assert.NotZero(t, tsk.CreatedAt)
	assert.Equal(t, media, tsk.Media)
	assert.Equal(t, req, tsk.Request)
	assert.Empty(t, tsk.Filepath)
}

func TestTaskJSONRoundTrip(t *testing.T) {
	start := 10.0
	end := 25.0
	tsk := New("task-1", &Media{
		URL:      "https://vkvideo.ru/video-1_2",
		Title:    "title",
		Author:   "author",
		Duration: 120,
		Formats: []Variant{
			{Quality: "720p", VideoFormatID: "720", AudioFormatID: "720", Filesize: 1024},
			{Quality: "Audio only", AudioFormatID: "144"},
		},
	}, &Request{
		URL:           "https://vkvideo.ru/video-1_2",
		VideoFormatID: "720",
		AudioFormatID: "720",
		StartSeconds:  &start,
		EndSeconds:    &end,
	})
	tsk.Filepath = "/tmp/out.mp4"
	tsk.SetProgress(42.5, 1_000_000, 30)

	data, err := json.Marshal(tsk)
	require.NoError(t, err)

	var back Task
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, *tsk, back)
}

func TestLegacyRecordWithoutRequest(t *testing.T) {
	// Older records may miss the request block; they must still decode.
	raw := `{"task_id":"old","status":"pending","percent":10}`

	var tsk Task
	require.NoError(t, json.Unmarshal([]byte(raw), &tsk))
	assert.Nil(t, tsk.Request)
	assert.Equal(t, StatusPending, tsk.Status)
}

func TestSetProgressClampsAndNeverRollsBack(t *testing.T) {
	tsk := New("p", nil, nil)

	tsk.SetProgress(150, 0, 0)
	assert.Equal(t, 100.0, tsk.Percent)

	tsk.Percent = 50
	tsk.SetProgress(30, 0, 0)
	assert.Equal(t, 50.0, tsk.Percent)

	tsk.SetProgress(-5, 0, 0)
	assert.Equal(t, 50.0, tsk.Percent)
}

func TestTerminalTransitions(t *testing.T) {
	tsk := New("t", nil, nil)

	tsk.Complete("/tmp/file.mp4")
	assert.Equal(t, StatusCompleted, tsk.Status)
	assert.Equal(t, 100.0, tsk.Percent)
	assert.Equal(t, "/tmp/file.mp4", tsk.Filepath)

	tsk2 := New("t2", nil, nil)
	tsk2.Fail("upstream gone")
	assert.Equal(t, StatusError, tsk2.Status)
	assert.Equal(t, "upstream gone", tsk2.Description)

	tsk3 := New("t3", nil, nil)
	tsk3.Cancel("canceled by user")
	assert.Equal(t, StatusCanceled, tsk3.Status)
}

func TestStatusBlockHidesServerFields(t *testing.T) {
	tsk := New("s", &Media{Title: "x"}, &Request{URL: "u"})
	tsk.Filepath = "/secret/path"

	data, err := json.Marshal(tsk.StatusBlock())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "filepath")
	assert.NotContains(t, string(data), "/secret/path")
	assert.NotContains(t, string(data), "request")
}

func TestRequestHelpers(t *testing.T) {
	assert.True(t, Request{AudioFormatID: "140"}.AudioOnly())
	assert.False(t, Request{VideoFormatID: "22"}.AudioOnly())

	s := 1.0
	assert.True(t, Request{StartSeconds: &s}.Clipped())
	assert.True(t, Request{EndSeconds: &s}.Clipped())
	assert.False(t, Request{}.Clipped())
}
