package provider

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/lexa946/downloader-video/internal/media"
	"github.com/lexa946/downloader-video/internal/task"
)

const (
	vkInfoURL = "https://vkvideo.ru/al_video.php?act=show"
	// vkConnections is how many byte ranges are fetched in parallel.
	vkConnections = 10
)

// vkQualities is the fixed set of progressive qualities VK may expose.
var vkQualities = []int{144, 240, 360, 480, 720, 1080}

var vkIDPattern = regexp.MustCompile(`video-?(\d+_\d+)`)

var vkPlayerParamsPattern = regexp.MustCompile(`var\s+playerParams\s*=\s*(\{[\s\S]*?\});`)

// VK downloads progressive MP4 streams from VK video pages, splitting the
// transfer across parallel byte ranges.
type VK struct {
	client  *http.Client
	ffmpeg  *media.FFmpeg
	infoURL string
}

// NewVK builds the adapter with a TLS-relaxed client; VK edge hosts
// present certificates that do not always match.
func NewVK(ffmpeg *media.FFmpeg) *VK {
	return NewVKWithClient(&http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}, ffmpeg)
}

// NewVKWithClient builds the adapter around an existing client (for
// testing).
func NewVKWithClient(client *http.Client, ffmpeg *media.FFmpeg) *VK {
	return &VK{client: client, ffmpeg: ffmpeg, infoURL: vkInfoURL}
}

func (v *VK) Name() string { return "vk" }

func (v *VK) Match(url string) bool {
	return matchAny(url, "vk.com", "vkvideo.ru", "vk.ru")
}

// vkVideo is the player params block carrying direct stream URLs.
type vkVideo struct {
	Title    string `json:"md_title"`
	Author   string `json:"md_author"`
	Preview  string `json:"jpg"`
	Duration int    `json:"duration"`
	URL144   string `json:"url144"`
	URL240   string `json:"url240"`
	URL360   string `json:"url360"`
	URL480   string `json:"url480"`
	URL720   string `json:"url720"`
	URL1080  string `json:"url1080"`
}

func (vv *vkVideo) contentURL(quality int) string {
	switch quality {
	case 144:
		return vv.URL144
	case 240:
		return vv.URL240
	case 360:
		return vv.URL360
	case 480:
		return vv.URL480
	case 720:
		return vv.URL720
	case 1080:
		return vv.URL1080
	}
	return ""
}

func (v *VK) headers(ownerID, videoID string) map[string]string {
	return map[string]string{
		"X-Requested-With": "XMLHttpRequest",
		"Referer":          fmt.Sprintf("https://vkvideo.ru/video-%s_%s", ownerID, videoID),
	}
}

func vkParseID(rawURL string) (string, string, error) {
	m := vkIDPattern.FindStringSubmatch(rawURL)
	if m == nil {
		return "", "", fmt.Errorf("vk: cannot extract video id from %s", rawURL)
	}
	parts := strings.SplitN(m[1], "_", 2)
	return parts[0], parts[1], nil
}

// resolveInfo asks the video page API for the player params, falling back
// to the embed page when the API returns an empty payload.
func (v *VK) resolveInfo(ctx context.Context, rawURL string) (*vkVideo, error) {
	ownerID, videoID, err := vkParseID(rawURL)
	if err != nil {
		return nil, err
	}
	headers := v.headers(ownerID, videoID)

	form := url.Values{
		"al":            {"1"},
		"is_video_page": {"true"},
		"video":         {fmt.Sprintf("-%s_%s", ownerID, videoID)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.infoURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("vk: build info request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", defaultUserAgent)
	for k, h := range headers {
		req.Header.Set(k, h)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vk: fetch video info: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("vk: read video info: %w", err)
	}

	if video, err := vkParsePayload(body); err == nil {
		return video, nil
	}

	// Embed fallback: the player params live inline in the page script.
	embedURL := fmt.Sprintf("https://vk.com/video_ext.php?oid=%s&id=%s", ownerID, videoID)
	embedReq, err := http.NewRequestWithContext(ctx, http.MethodGet, embedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("vk: build embed request: %w", err)
	}
	embedReq.Header.Set("User-Agent", defaultUserAgent)
	embedResp, err := v.client.Do(embedReq)
	if err != nil {
		return nil, fmt.Errorf("vk: fetch embed page: %w", err)
	}
	defer embedResp.Body.Close()
	html, err := io.ReadAll(embedResp.Body)
	if err != nil {
		return nil, fmt.Errorf("vk: read embed page: %w", err)
	}
	m := vkPlayerParamsPattern.FindSubmatch(html)
	if m == nil {
		return nil, fmt.Errorf("vk: player params not found in embed page")
	}
	return vkParsePayload(m[1])
}

// vkParsePayload digs the player params out of the three response shapes
// VK is known to produce.
func vkParsePayload(body []byte) (*vkVideo, error) {
	var envelope struct {
		Payload []json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Payload) > 1 {
		var items []json.RawMessage
		if err := json.Unmarshal(envelope.Payload[1], &items); err == nil && len(items) > 4 {
			var wrapped struct {
				Player struct {
					Params []vkVideo `json:"params"`
				} `json:"player"`
			}
			if err := json.Unmarshal(items[4], &wrapped); err == nil && len(wrapped.Player.Params) > 0 {
				return &wrapped.Player.Params[0], nil
			}
		}
	}

	var direct struct {
		Params []vkVideo `json:"params"`
	}
	if err := json.Unmarshal(body, &direct); err == nil && len(direct.Params) > 0 {
		return &direct.Params[0], nil
	}

	var plain vkVideo
	if err := json.Unmarshal(body, &plain); err == nil && vkHasStreams(&plain) {
		return &plain, nil
	}
	return nil, fmt.Errorf("vk: cannot parse video info payload")
}

func vkHasStreams(vv *vkVideo) bool {
	for _, q := range vkQualities {
		if vv.contentURL(q) != "" {
			return true
		}
	}
	return false
}

func (v *VK) ResolveFormats(ctx context.Context, rawURL string) (*task.Media, error) {
	video, err := v.resolveInfo(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if !vkHasStreams(video) {
		return nil, fmt.Errorf("vk: no stream urls in video info")
	}

	var formats []task.Variant
	minQuality := 0
	var minSize int64
	for _, q := range vkQualities {
		streamURL := video.contentURL(q)
		if streamURL == "" {
			continue
		}
		size := v.contentLength(ctx, streamURL)
		id := strconv.Itoa(q)
		formats = append(formats, task.Variant{
			Quality:       id + "p",
			VideoFormatID: id,
			AudioFormatID: id,
			Filesize:      size,
		})
		if minQuality == 0 {
			minQuality, minSize = q, size
		}
	}
	formats = append(formats, task.Variant{
		Quality:       "Audio only",
		AudioFormatID: strconv.Itoa(minQuality),
		Filesize:      minSize,
	})

	return &task.Media{
		URL:        rawURL,
		Title:      video.Title,
		Author:     video.Author,
		Duration:   video.Duration,
		PreviewURL: video.Preview,
		Formats:    formats,
	}, nil
}

func (v *VK) contentLength(ctx context.Context, streamURL string) int64 {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, streamURL, nil)
	if err != nil {
		return 0
	}
	req.Header.Set("User-Agent", defaultUserAgent)
	resp, err := v.client.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0
	}
	return max(resp.ContentLength, 0)
}

func (v *VK) Download(ctx context.Context, job *Job, tr *Tracker) (string, error) {
	video, err := v.resolveInfo(ctx, job.Request.URL)
	if err != nil {
		return "", err
	}
	ownerID, videoID, err := vkParseID(job.Request.URL)
	if err != nil {
		return "", err
	}
	headers := v.headers(ownerID, videoID)

	audioOnly := job.Request.AudioOnly()
	formatID := job.Request.VideoFormatID
	if audioOnly {
		formatID = job.Request.AudioFormatID
	}
	quality, err := strconv.Atoi(formatID)
	if err != nil {
		return "", fmt.Errorf("vk: bad format id %q", formatID)
	}
	contentURL := video.contentURL(quality)
	if contentURL == "" {
		return "", fmt.Errorf("vk: quality %s not available", formatID)
	}

	ext := "mp4"
	phase := "Downloading video track"
	if audioOnly {
		ext = "mp3"
		phase = "Downloading audio track"
	}
	final := BuildPath(job.Dir, video.Author, job.TaskID, video.Title, ext)
	target := final
	if audioOnly {
		target = TempPath(final)
	}

	total := v.contentLength(ctx, contentURL)
	if total <= 0 {
		return "", fmt.Errorf("vk: cannot determine stream size")
	}

	downloadHi := 95.0
	if audioOnly {
		downloadHi = 80
	}
	tr.BeginPhase(ctx, phase, 0, downloadHi, total)

	partDir := PartDir(job.Dir, job.TaskID)
	parts, err := v.fetchRanges(ctx, contentURL, headers, partDir, total, tr)
	if err != nil {
		os.RemoveAll(partDir)
		return "", err
	}

	tr.BeginPhase(ctx, "Merging parts", downloadHi, downloadHi+4, 0)
	if err := mergeParts(parts, target); err != nil {
		os.RemoveAll(partDir)
		return "", err
	}
	os.RemoveAll(partDir)

	if audioOnly {
		tr.BeginPhase(ctx, "Converting to MP3", 84, 100, 0)
		if err := v.ffmpeg.ToAudio(ctx, target, final); err != nil {
			return "", err
		}
		os.Remove(target)
	}
	return final, nil
}

// fetchRanges splits the stream into vkConnections byte ranges and pulls
// them concurrently into numbered part files.
func (v *VK) fetchRanges(ctx context.Context, contentURL string, headers map[string]string, partDir string, total int64, tr *Tracker) ([]string, error) {
	if err := os.MkdirAll(partDir, 0o755); err != nil {
		return nil, fmt.Errorf("vk: create part dir: %w", err)
	}

	// A stream shorter than the connection count would produce empty
	// chunks and inverted byte ranges.
	connections := vkConnections
	if total < int64(connections) {
		connections = int(total)
	}

	chunk := total / int64(connections)
	parts := make([]string, connections)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < connections; i++ {
		start := int64(i) * chunk
		end := start + chunk - 1
		if i == connections-1 {
			end = total - 1
		}
		part := filepath.Join(partDir, fmt.Sprintf("part_%d.tmp", i))
		parts[i] = part
		g.Go(func() error {
			return v.fetchRange(gctx, contentURL, headers, part, start, end, tr)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return parts, nil
}

func (v *VK) fetchRange(ctx context.Context, contentURL string, headers map[string]string, part string, start, end int64, tr *Tracker) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, contentURL, nil)
	if err != nil {
		return fmt.Errorf("vk: build range request: %w", err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)
	for k, h := range headers {
		req.Header.Set(k, h)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("vk: fetch range: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vk: range request status %d", resp.StatusCode)
	}

	out, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("vk: create part file: %w", err)
	}
	defer out.Close()
	return copyTracked(ctx, out, resp.Body, tr)
}

// mergeParts concatenates the numbered part files into the target and
// removes them.
func mergeParts(parts []string, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("vk: create destination dir: %w", err)
	}
	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("vk: create output file: %w", err)
	}
	defer out.Close()
	for _, part := range parts {
		in, err := os.Open(part)
		if err != nil {
			return fmt.Errorf("vk: open part file: %w", err)
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			return fmt.Errorf("vk: merge part file: %w", err)
		}
		os.Remove(part)
	}
	return nil
}
