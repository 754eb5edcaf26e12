package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/lexa946/downloader-video/internal/media"
	"github.com/lexa946/downloader-video/internal/task"
)

const (
	youtubePlayerURL = "https://www.youtube.com/youtubei/v1/player"
	// The ANDROID client receives plain stream URLs without signature
	// ciphering.
	youtubeClientName    = "ANDROID"
	youtubeClientVersion = "19.09.37"
	youtubeUserAgent     = "com.google.android.youtube/19.09.37 (Linux; U; Android 11) gzip"
)

var youtubeIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[?&]v=([\w\-]{11})`),
	regexp.MustCompile(`youtu\.be/([\w\-]{11})`),
	regexp.MustCompile(`/shorts/([\w\-]{11})`),
	regexp.MustCompile(`/embed/([\w\-]{11})`),
}

// YouTube talks to the innertube player API and downloads the separate
// video and audio tracks before muxing them.
type YouTube struct {
	client    *http.Client
	ffmpeg    *media.FFmpeg
	playerURL string
}

// NewYouTube builds the adapter with the default HTTP client.
func NewYouTube(ffmpeg *media.FFmpeg) *YouTube {
	return NewYouTubeWithClient(http.DefaultClient, ffmpeg)
}

// NewYouTubeWithClient builds the adapter around an existing client (for
// testing).
func NewYouTubeWithClient(client *http.Client, ffmpeg *media.FFmpeg) *YouTube {
	return &YouTube{client: client, ffmpeg: ffmpeg, playerURL: youtubePlayerURL}
}

func (y *YouTube) Name() string { return "youtube" }

func (y *YouTube) Match(url string) bool {
	return matchAny(url, "youtube.com", "youtu.be")
}

func youtubeParseID(rawURL string) (string, error) {
	for _, p := range youtubeIDPatterns {
		if m := p.FindStringSubmatch(rawURL); m != nil {
			return m[1], nil
		}
	}
	return "", fmt.Errorf("youtube: cannot extract video id from %s", rawURL)
}

// youtubeFormat is one entry of streamingData.formats/adaptiveFormats.
type youtubeFormat struct {
	Itag          int    `json:"itag"`
	URL           string `json:"url"`
	MimeType      string `json:"mimeType"`
	QualityLabel  string `json:"qualityLabel"`
	Bitrate       int64  `json:"bitrate"`
	ContentLength string `json:"contentLength"`
	AudioQuality  string `json:"audioQuality"`
}

func (f *youtubeFormat) size() int64 {
	n, _ := strconv.ParseInt(f.ContentLength, 10, 64)
	return n
}

func (f *youtubeFormat) isVideo() bool {
	return strings.HasPrefix(f.MimeType, "video/mp4") && strings.Contains(f.MimeType, "avc1") && f.AudioQuality == ""
}

func (f *youtubeFormat) isAudio() bool {
	return strings.HasPrefix(f.MimeType, "audio/mp4")
}

type youtubePlayerResponse struct {
	PlayabilityStatus struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	} `json:"playabilityStatus"`
	VideoDetails struct {
		VideoID       string `json:"videoId"`
		Title         string `json:"title"`
		Author        string `json:"author"`
		LengthSeconds string `json:"lengthSeconds"`
		Thumbnail     struct {
			Thumbnails []struct {
				URL    string `json:"url"`
				Width  int    `json:"width"`
				Height int    `json:"height"`
			} `json:"thumbnails"`
		} `json:"thumbnail"`
	} `json:"videoDetails"`
	StreamingData struct {
		Formats         []youtubeFormat `json:"formats"`
		AdaptiveFormats []youtubeFormat `json:"adaptiveFormats"`
	} `json:"streamingData"`
}

func (y *YouTube) fetchPlayer(ctx context.Context, videoID string) (*youtubePlayerResponse, error) {
	payload := map[string]any{
		"videoId": videoID,
		"context": map[string]any{
			"client": map[string]any{
				"clientName":        youtubeClientName,
				"clientVersion":     youtubeClientVersion,
				"androidSdkVersion": 30,
				"hl":                "en",
				"timeZone":          "UTC",
				"utcOffsetMinutes":  0,
			},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("youtube: marshal player request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, y.playerURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("youtube: build player request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", youtubeUserAgent)

	resp, err := y.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("youtube: fetch player response: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("youtube: player api status %d", resp.StatusCode)
	}

	var player youtubePlayerResponse
	if err := json.NewDecoder(resp.Body).Decode(&player); err != nil {
		return nil, fmt.Errorf("youtube: decode player response: %w", err)
	}
	if status := player.PlayabilityStatus.Status; status != "OK" {
		return nil, fmt.Errorf("youtube: video not playable: %s (%s)", status, player.PlayabilityStatus.Reason)
	}
	return &player, nil
}

// bestAudio picks the highest-bitrate MP4 audio rendition.
func bestAudio(formats []youtubeFormat) *youtubeFormat {
	var best *youtubeFormat
	for i := range formats {
		f := &formats[i]
		if !f.isAudio() || f.URL == "" {
			continue
		}
		if best == nil || f.Bitrate > best.Bitrate {
			best = f
		}
	}
	return best
}

// videoFormats returns the avc1 video-only renditions, one per quality
// label, lowest first.
func videoFormats(formats []youtubeFormat) []youtubeFormat {
	byLabel := map[string]youtubeFormat{}
	for _, f := range formats {
		if !f.isVideo() || f.URL == "" || f.QualityLabel == "" {
			continue
		}
		if prev, ok := byLabel[f.QualityLabel]; !ok || f.Bitrate < prev.Bitrate {
			byLabel[f.QualityLabel] = f
		}
	}
	out := make([]youtubeFormat, 0, len(byLabel))
	for _, f := range byLabel {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		return labelHeight(out[i].QualityLabel) < labelHeight(out[j].QualityLabel)
	})
	return out
}

func labelHeight(label string) int {
	n, _ := strconv.Atoi(strings.TrimRight(strings.SplitN(label, "p", 2)[0], "p"))
	return n
}

func (y *YouTube) ResolveFormats(ctx context.Context, rawURL string) (*task.Media, error) {
	videoID, err := youtubeParseID(rawURL)
	if err != nil {
		return nil, err
	}
	player, err := y.fetchPlayer(ctx, videoID)
	if err != nil {
		return nil, err
	}

	audio := bestAudio(player.StreamingData.AdaptiveFormats)
	if audio == nil {
		return nil, fmt.Errorf("youtube: no audio stream available")
	}
	videos := videoFormats(player.StreamingData.AdaptiveFormats)
	if len(videos) == 0 {
		return nil, fmt.Errorf("youtube: no video streams available")
	}

	formats := make([]task.Variant, 0, len(videos)+1)
	for _, v := range videos {
		formats = append(formats, task.Variant{
			Quality:       v.QualityLabel,
			VideoFormatID: strconv.Itoa(v.Itag),
			AudioFormatID: strconv.Itoa(audio.Itag),
			Filesize:      v.size() + audio.size(),
		})
	}
	formats = append(formats, task.Variant{
		Quality:       "Audio only",
		AudioFormatID: strconv.Itoa(audio.Itag),
		Filesize:      audio.size(),
	})

	duration, _ := strconv.Atoi(player.VideoDetails.LengthSeconds)
	var preview string
	if thumbs := player.VideoDetails.Thumbnail.Thumbnails; len(thumbs) > 0 {
		preview = thumbs[len(thumbs)-1].URL
	}

	return &task.Media{
		URL:        rawURL,
		Title:      player.VideoDetails.Title,
		Author:     player.VideoDetails.Author,
		Duration:   duration,
		PreviewURL: preview,
		Formats:    formats,
	}, nil
}

func findByItag(formats []youtubeFormat, itag string) *youtubeFormat {
	for i := range formats {
		if strconv.Itoa(formats[i].Itag) == itag {
			return &formats[i]
		}
	}
	return nil
}

func (y *YouTube) Download(ctx context.Context, job *Job, tr *Tracker) (string, error) {
	videoID, err := youtubeParseID(job.Request.URL)
	if err != nil {
		return "", err
	}
	// Stream URLs expire, so they are resolved again at download time.
	player, err := y.fetchPlayer(ctx, videoID)
	if err != nil {
		return "", err
	}
	adaptive := player.StreamingData.AdaptiveFormats

	audioFormat := findByItag(adaptive, job.Request.AudioFormatID)
	if audioFormat == nil || audioFormat.URL == "" {
		return "", fmt.Errorf("youtube: audio itag %s not available", job.Request.AudioFormatID)
	}

	title := player.VideoDetails.Title
	author := player.VideoDetails.Author

	if job.Request.AudioOnly() {
		final := BuildPath(job.Dir, author, job.TaskID, title, "mp3")
		temp := TempPath(final)
		tr.BeginPhase(ctx, "Downloading audio track", 0, 80, audioFormat.size())
		if err := fetchToFile(ctx, y.client, audioFormat.URL, nil, temp, tr); err != nil {
			os.Remove(temp)
			return "", err
		}
		tr.BeginPhase(ctx, "Converting to MP3", 80, 100, 0)
		if err := y.ffmpeg.ToAudio(ctx, temp, final); err != nil {
			return "", err
		}
		os.Remove(temp)
		return final, nil
	}

	videoFormat := findByItag(adaptive, job.Request.VideoFormatID)
	if videoFormat == nil || videoFormat.URL == "" {
		return "", fmt.Errorf("youtube: video itag %s not available", job.Request.VideoFormatID)
	}

	final := BuildPath(job.Dir, author, job.TaskID, title, "mp4")
	videoTemp := final + ".video.tmp"
	audioTemp := final + ".audio.tmp"

	tr.BeginPhase(ctx, "Downloading video track", 0, 60, videoFormat.size())
	if err := fetchToFile(ctx, y.client, videoFormat.URL, nil, videoTemp, tr); err != nil {
		os.Remove(videoTemp)
		return "", err
	}

	tr.BeginPhase(ctx, "Downloading audio track", 60, 90, audioFormat.size())
	if err := fetchToFile(ctx, y.client, audioFormat.URL, nil, audioTemp, tr); err != nil {
		os.Remove(videoTemp)
		os.Remove(audioTemp)
		return "", err
	}

	tr.BeginPhase(ctx, "Merging tracks", 90, 100, 0)
	err = y.ffmpeg.Mux(ctx, videoTemp, audioTemp, final)
	os.Remove(videoTemp)
	os.Remove(audioTemp)
	if err != nil {
		return "", err
	}
	return final, nil
}
