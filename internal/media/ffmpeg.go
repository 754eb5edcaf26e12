// Package media wraps the ffmpeg binary for the post-download steps:
// muxing separate tracks, audio extraction, clipping and HLS capture.
package media

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
)

// FFmpeg runs the configured ffmpeg binary.
type FFmpeg struct {
	path string
}

// New returns a runner for the given ffmpeg binary path.
func New(path string) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{path: path}
}

func (f *FFmpeg) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, f.path, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg error: %w, output: %s", err, tail(output))
	}
	return nil
}

// Mux combines a video-only and an audio-only track into one container
// without re-encoding. The shorter track bounds the output.
func (f *FFmpeg) Mux(ctx context.Context, videoPath, audioPath, outPath string) error {
	return f.run(ctx,
		"-y",
		"-i", videoPath,
		"-i", audioPath,
		"-c", "copy",
		"-shortest",
		outPath,
	)
}

// ToAudio extracts the audio track as MP3.
func (f *FFmpeg) ToAudio(ctx context.Context, inPath, outPath string) error {
	return f.run(ctx,
		"-y",
		"-i", inPath,
		"-vn",
		"-codec:a", "libmp3lame",
		"-q:a", "2",
		outPath,
	)
}

// Clip cuts the [start, end] window out of the input without re-encoding.
// A nil bound leaves that side open.
func (f *FFmpeg) Clip(ctx context.Context, inPath, outPath string, start, end *float64) error {
	args := []string{"-y"}
	if start != nil {
		args = append(args, "-ss", formatSeconds(*start))
	}
	args = append(args, "-i", inPath)
	if end != nil {
		args = append(args, "-to", formatSeconds(*end))
	}
	args = append(args, "-c", "copy", outPath)
	return f.run(ctx, args...)
}

// FetchHLS captures HLS playlists into a local MP4. audioURL may name a
// separate audio rendition whose track is muxed in alongside the video
// stream; headers are forwarded to every playlist request. The progress
// callback receives the completed fraction of the expected duration; a
// non-nil return aborts the capture.
func (f *FFmpeg) FetchHLS(ctx context.Context, videoURL, audioURL, outPath string, headers map[string]string, durationSeconds int, progress func(fraction float64) error) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hdr := headerBlock(headers)
	args := []string{"-y"}
	if hdr != "" {
		args = append(args, "-headers", hdr)
	}
	args = append(args, "-i", videoURL)
	if audioURL != "" {
		if hdr != "" {
			args = append(args, "-headers", hdr)
		}
		args = append(args, "-i", audioURL, "-map", "0:v:0", "-map", "1:a:0")
	}
	args = append(args,
		"-c", "copy",
		"-bsf:a", "aac_adtstoasc",
		"-progress", "pipe:1",
		"-nostats",
		outPath,
	)
	cmd := exec.CommandContext(runCtx, f.path, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	var abortErr error
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		// ffmpeg emits key=value progress lines; out_time_ms is in
		// microseconds despite its name.
		if !strings.HasPrefix(line, "out_time_ms=") {
			continue
		}
		us, err := strconv.ParseInt(strings.TrimPrefix(line, "out_time_ms="), 10, 64)
		if err != nil {
			continue
		}
		if progress == nil || durationSeconds <= 0 {
			continue
		}
		if err := progress(float64(us) / 1e6 / float64(durationSeconds)); err != nil {
			abortErr = err
			cancel()
			break
		}
	}

	waitErr := cmd.Wait()
	if abortErr != nil {
		return abortErr
	}
	if waitErr != nil {
		return fmt.Errorf("ffmpeg error: %w, output: %s", waitErr, tail(stderr.Bytes()))
	}
	return nil
}

// headerBlock renders headers in the CRLF form ffmpeg's -headers flag
// expects, in a stable order.
func headerBlock(headers map[string]string) string {
	if len(headers) == 0 {
		return ""
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(headers[k])
		b.WriteString("\r\n")
	}
	return b.String()
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

// tail keeps error output readable when ffmpeg dumps its full banner.
func tail(output []byte) string {
	const limit = 2048
	s := strings.TrimSpace(string(output))
	if len(s) > limit {
		s = "..." + s[len(s)-limit:]
	}
	return s
}
