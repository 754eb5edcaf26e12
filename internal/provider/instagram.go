package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lrstanley/go-ytdlp"

	"github.com/lexa946/downloader-video/internal/media"
	"github.com/lexa946/downloader-video/internal/task"
)

// Instagram delegates to yt-dlp, which keeps up with the site's markup
// churn better than any hand-rolled scraper.
type Instagram struct {
	ffmpeg     *media.FFmpeg
	cookieFile string
}

// NewInstagram builds the adapter. cookieFile may be empty; without
// cookies only public posts resolve.
func NewInstagram(ffmpeg *media.FFmpeg, cookieFile string) *Instagram {
	return &Instagram{ffmpeg: ffmpeg, cookieFile: cookieFile}
}

func (ig *Instagram) Name() string { return "instagram" }

func (ig *Instagram) Match(url string) bool {
	return matchAny(url, "instagram.com")
}

func (ig *Instagram) command() *ytdlp.Command {
	dl := ytdlp.New().
		Continue().
		NoCheckCertificates().
		Format("best[ext=mp4]")
	if ig.cookieFile != "" {
		dl = dl.Cookies(ig.cookieFile)
	}
	return dl
}

func (ig *Instagram) ResolveFormats(ctx context.Context, rawURL string) (*task.Media, error) {
	result, err := ig.command().SkipDownload().Run(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("instagram: resolve media info: %w", err)
	}
	info, err := result.GetExtractedInfo()
	if err != nil || len(info) == 0 {
		return nil, fmt.Errorf("instagram: no media info extracted: %w", err)
	}

	m := &task.Media{
		URL:    rawURL,
		Title:  "instagram_video",
		Author: "instagram",
		Formats: []task.Variant{
			{Quality: "MP4", VideoFormatID: "best", AudioFormatID: "best"},
			{Quality: "Audio only", AudioFormatID: "best"},
		},
	}
	if info[0].Title != nil {
		m.Title = *info[0].Title
	}
	if info[0].Uploader != nil && *info[0].Uploader != "" {
		m.Author = *info[0].Uploader
	}
	if info[0].Duration != nil {
		m.Duration = int(*info[0].Duration)
	}
	if info[0].Thumbnail != nil {
		m.PreviewURL = *info[0].Thumbnail
	}
	return m, nil
}

func (ig *Instagram) Download(ctx context.Context, job *Job, tr *Tracker) (string, error) {
	title := "instagram_video"
	author := "instagram"
	if job.Media != nil {
		if job.Media.Title != "" {
			title = job.Media.Title
		}
		if job.Media.Author != "" {
			author = job.Media.Author
		}
	}

	audioOnly := job.Request.AudioOnly()
	phase := "Downloading video track"
	downloadHi := 100.0
	if audioOnly {
		phase = "Downloading audio track"
		downloadHi = 80
	}

	outDir := filepath.Join(job.Dir, Sanitize(author))
	template := filepath.Join(outDir, job.TaskID+"_%(title)s.%(ext)s")

	// A cancel surfaces through SetPercent; stopping yt-dlp right there
	// keeps the transfer from running to completion first.
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	dl := ig.command().Output(template)
	dl.ProgressFunc(publishInterval, func(update ytdlp.ProgressUpdate) {
		if update.TotalBytes > 0 {
			tr.SetTotal(int64(update.TotalBytes))
			if err := tr.SetPercent(ctx, float64(update.DownloadedBytes)/float64(update.TotalBytes)); errors.Is(err, ErrCanceled) {
				stop()
			}
		}
	})

	tr.BeginPhase(ctx, phase, 0, downloadHi, 0)
	result, err := dl.Run(runCtx, job.Request.URL)
	if canceled, cancelErr := checkTrackerCancel(ctx, tr); cancelErr != nil || canceled {
		if canceled {
			removePartial(outDir, job.TaskID)
			return "", ErrCanceled
		}
		return "", cancelErr
	}
	if err != nil {
		return "", fmt.Errorf("instagram: download failed: %w", err)
	}

	downloaded := ""
	if info, err := result.GetExtractedInfo(); err == nil && len(info) > 0 && info[0].Filename != nil {
		downloaded = *info[0].Filename
	}
	if downloaded == "" {
		return "", fmt.Errorf("instagram: downloaded file path unknown")
	}

	if audioOnly {
		final := BuildPath(job.Dir, author, job.TaskID, title, "mp3")
		tr.BeginPhase(ctx, "Converting to MP3", downloadHi, 100, 0)
		if err := ig.ffmpeg.ToAudio(ctx, downloaded, final); err != nil {
			return "", err
		}
		os.Remove(downloaded)
		return final, nil
	}
	return downloaded, nil
}

// checkTrackerCancel is the post-run check; it catches cancels that
// arrive after the last progress update.
func checkTrackerCancel(ctx context.Context, tr *Tracker) (bool, error) {
	err := tr.checkCanceled(ctx)
	if errors.Is(err, ErrCanceled) {
		return true, nil
	}
	return false, err
}

// removePartial deletes whatever yt-dlp left under the task's output
// prefix after an aborted run.
func removePartial(dir, taskID string) {
	matches, err := filepath.Glob(filepath.Join(dir, taskID+"_*"))
	if err != nil {
		return
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			slog.Warn("Failed to remove partial download", "filepath", m, "error", err)
		}
	}
}
