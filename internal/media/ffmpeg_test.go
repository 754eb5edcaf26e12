package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFFmpeg writes a shell script that mimics ffmpeg's -progress output.
func fakeFFmpeg(t *testing.T, body string) *FFmpeg {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\n" + body
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return New(path)
}

func TestFetchHLSReportsProgress(t *testing.T) {
	f := fakeFFmpeg(t, `
echo "frame=1"
echo "out_time_ms=5000000"
echo "out_time_ms=10000000"
echo "progress=end"
`)

	var fractions []float64
	err := f.FetchHLS(context.Background(), "http://example/master.m3u8", "", "/dev/null", nil, 20, func(fr float64) error {
		fractions = append(fractions, fr)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.25, 0.5}, fractions)
}

func TestFetchHLSAbortsOnCallbackError(t *testing.T) {
	f := fakeFFmpeg(t, `
echo "out_time_ms=1000000"
sleep 5
`)

	stop := errors.New("stop now")
	err := f.FetchHLS(context.Background(), "http://example/master.m3u8", "", "/dev/null", nil, 10, func(fr float64) error {
		return stop
	})
	assert.ErrorIs(t, err, stop)
}

func TestFetchHLSSurfacesStderr(t *testing.T) {
	f := fakeFFmpeg(t, `
echo "Connection refused" >&2
exit 1
`)

	err := f.FetchHLS(context.Background(), "http://example/master.m3u8", "", "/dev/null", nil, 10, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Connection refused")
}

func TestFetchHLSMuxesSeparateAudioRendition(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	f := fakeFFmpeg(t, `echo "$@" > `+argsFile+"\n")

	headers := map[string]string{"Referer": "https://rutube.ru/video/x/", "User-Agent": "ua"}
	err := f.FetchHLS(context.Background(), "http://cdn/video/360/index.m3u8", "http://cdn/audio/a1/index.m3u8", "/dev/null", headers, 10, nil)
	require.NoError(t, err)

	raw, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	args := string(raw)

	assert.Equal(t, 2, strings.Count(args, "-i "))
	assert.Contains(t, args, "-i http://cdn/video/360/index.m3u8")
	assert.Contains(t, args, "-i http://cdn/audio/a1/index.m3u8")
	assert.Contains(t, args, "-map 0:v:0")
	assert.Contains(t, args, "-map 1:a:0")
	assert.Equal(t, 2, strings.Count(args, "-headers "))
	assert.Contains(t, args, "Referer: https://rutube.ru/video/x/")
	assert.Contains(t, args, "User-Agent: ua")
}

func TestRunWrapsOutput(t *testing.T) {
	f := fakeFFmpeg(t, `
echo "No such file or directory"
exit 1
`)

	err := f.ToAudio(context.Background(), "in.mp4", "out.mp3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No such file or directory")
}

func TestFormatSeconds(t *testing.T) {
	assert.Equal(t, "12.500", formatSeconds(12.5))
	assert.Equal(t, "0.000", formatSeconds(0))
}

func TestTailTruncatesLongOutput(t *testing.T) {
	long := strings.Repeat("x", 5000) + "END"
	got := tail([]byte(long))
	assert.True(t, strings.HasPrefix(got, "..."))
	assert.True(t, strings.HasSuffix(got, "END"))
	assert.LessOrEqual(t, len(got), 2051)
}
