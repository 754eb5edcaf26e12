package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/lexa946/downloader-video/internal/media"
	"github.com/lexa946/downloader-video/internal/task"
)

const (
	tikwmAPIURL = "https://www.tikwm.com/api/"
	// tiktokAudioBitrate estimates the soundtrack size when the API
	// reports none.
	tiktokAudioBitrate = 128000
)

// TikTok resolves clips through the tikwm.com public API.
type TikTok struct {
	client *http.Client
	ffmpeg *media.FFmpeg
	apiURL string
}

// NewTikTok builds the adapter with the default HTTP client.
func NewTikTok(ffmpeg *media.FFmpeg) *TikTok {
	return NewTikTokWithClient(http.DefaultClient, ffmpeg)
}

// NewTikTokWithClient builds the adapter around an existing client (for
// testing).
func NewTikTokWithClient(client *http.Client, ffmpeg *media.FFmpeg) *TikTok {
	return &TikTok{client: client, ffmpeg: ffmpeg, apiURL: tikwmAPIURL}
}

func (t *TikTok) Name() string { return "tiktok" }

func (t *TikTok) Match(url string) bool { return matchAny(url, "tiktok.com") }

// tikwmClip is the slice of the tikwm response the adapter uses.
type tikwmClip struct {
	Title       string          `json:"title"`
	Duration    int             `json:"duration"`
	Cover       string          `json:"cover"`
	OriginCover string          `json:"origin_cover"`
	HDPlay      string          `json:"hdplay"`
	WMPlay      string          `json:"wmplay"`
	Play        string          `json:"play"`
	Music       string          `json:"music"`
	Author      json.RawMessage `json:"author"`
}

func (c *tikwmClip) videoURL() string {
	for _, u := range []string{c.HDPlay, c.WMPlay, c.Play} {
		if u != "" {
			return u
		}
	}
	return ""
}

// authorName handles both shapes tikwm uses for the author field: an
// object with ids and a bare string.
func (c *tikwmClip) authorName() string {
	var obj struct {
		UniqueID string `json:"unique_id"`
		Nickname string `json:"nickname"`
	}
	if err := json.Unmarshal(c.Author, &obj); err == nil {
		if obj.UniqueID != "" {
			return obj.UniqueID
		}
		if obj.Nickname != "" {
			return obj.Nickname
		}
	}
	var s string
	if err := json.Unmarshal(c.Author, &s); err == nil && s != "" {
		return s
	}
	return "tiktok"
}

func (c *tikwmClip) preview() string {
	if c.Cover != "" {
		return c.Cover
	}
	return c.OriginCover
}

// normalizeURL pins the page language so tikwm resolves consistently.
func normalizeTikTokURL(raw string) string {
	if strings.Contains(raw, "?lang=") || strings.Contains(raw, "&lang=") {
		return raw
	}
	if strings.Contains(raw, "?") {
		return raw + "&lang=en"
	}
	return raw + "?lang=en"
}

func (t *TikTok) resolveClip(ctx context.Context, rawURL string) (*tikwmClip, error) {
	apiURL := t.apiURL + "?url=" + url.QueryEscape(normalizeTikTokURL(rawURL)) + "&hd=1"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("tiktok: build api request: %w", err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)
	req.Header.Set("Referer", "https://www.tikwm.com/")
	req.Header.Set("Accept", "application/json, text/plain, */*")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tiktok: fetch api: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tiktok: api status %d", resp.StatusCode)
	}

	var payload struct {
		Code int        `json:"code"`
		Msg  string     `json:"msg"`
		Data *tikwmClip `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("tiktok: decode api response: %w", err)
	}
	if payload.Code != 0 || payload.Data == nil {
		return nil, fmt.Errorf("tiktok: cannot resolve media urls: %s", payload.Msg)
	}
	if payload.Data.Title == "" {
		payload.Data.Title = "tiktok_video"
	}
	return payload.Data, nil
}

func (t *TikTok) ResolveFormats(ctx context.Context, rawURL string) (*task.Media, error) {
	clip, err := t.resolveClip(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	videoSize := t.contentLength(ctx, clip.videoURL())
	audioSize := t.contentLength(ctx, clip.Music)
	if audioSize == 0 && clip.Duration > 0 {
		audioSize = tiktokAudioBitrate / 8 * int64(clip.Duration)
	}

	return &task.Media{
		URL:        rawURL,
		Title:      clip.Title,
		Author:     clip.authorName(),
		Duration:   clip.Duration,
		PreviewURL: clip.preview(),
		Formats: []task.Variant{
			{Quality: "MP4", VideoFormatID: "video", AudioFormatID: "audio", Filesize: videoSize},
			{Quality: "Audio only", AudioFormatID: "audio", Filesize: audioSize},
		},
	}, nil
}

func (t *TikTok) contentLength(ctx context.Context, streamURL string) int64 {
	if streamURL == "" {
		return 0
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, streamURL, nil)
	if err != nil {
		return 0
	}
	req.Header.Set("User-Agent", defaultUserAgent)
	resp, err := t.client.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0
	}
	return max(resp.ContentLength, 0)
}

func (t *TikTok) Download(ctx context.Context, job *Job, tr *Tracker) (string, error) {
	clip, err := t.resolveClip(ctx, job.Request.URL)
	if err != nil {
		return "", err
	}

	audioOnly := job.Request.AudioOnly()
	sourceURL := clip.videoURL()
	phase := "Downloading video track"
	ext := "mp4"
	if audioOnly {
		phase = "Downloading audio track"
		ext = "mp3"
		if clip.Music != "" {
			sourceURL = clip.Music
		}
	}
	if sourceURL == "" {
		return "", fmt.Errorf("tiktok: no suitable media stream")
	}

	final := BuildPath(job.Dir, clip.authorName(), job.TaskID, clip.Title, ext)

	// The soundtrack endpoint already serves MP3; conversion is only
	// needed when the audio has to be ripped from the video stream.
	needsConvert := audioOnly && clip.Music == ""
	target := final
	downloadHi := 100.0
	if needsConvert {
		target = TempPath(final)
		downloadHi = 80
	}

	tr.BeginPhase(ctx, phase, 0, downloadHi, 0)
	if err := fetchToFile(ctx, t.client, sourceURL, nil, target, tr); err != nil {
		os.Remove(target)
		return "", err
	}

	if needsConvert {
		tr.BeginPhase(ctx, "Converting to MP3", downloadHi, 100, 0)
		if err := t.ffmpeg.ToAudio(ctx, target, final); err != nil {
			return "", err
		}
		os.Remove(target)
	}
	return final, nil
}
