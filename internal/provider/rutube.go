package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/lexa946/downloader-video/internal/media"
	"github.com/lexa946/downloader-video/internal/task"
)

const (
	rutubeOptionsURL = "https://rutube.ru/api/play/options/%s/?no_404=true"
	rutubeMetaURL    = "https://rutube.ru/api/video/%s/?format=json"
	// rutubeAudioBitrate is assumed for separate audio renditions when
	// estimating sizes.
	rutubeAudioBitrate = 128000
)

var rutubeIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rutube\.ru/video/([a-zA-Z0-9\-]+)/?`),
	regexp.MustCompile(`rutube\.ru/(?:play/embed|play/private|embed)/([a-zA-Z0-9\-]+)/?`),
	regexp.MustCompile(`[?&]v=([a-zA-Z0-9\-]+)`),
}

var rutubeM3U8Pattern = regexp.MustCompile(`https?://[^'"\s]+\.m3u8[^'"\s]*`)

var (
	hlsResolutionParam = regexp.MustCompile(`RESOLUTION=(\d+)x(\d+)`)
	hlsAudioGroupParam = regexp.MustCompile(`AUDIO="([^"]+)"`)
	hlsBandwidthParam  = regexp.MustCompile(`AVERAGE-BANDWIDTH=(\d+)`)
	hlsRawBandwidth    = regexp.MustCompile(`BANDWIDTH=(\d+)`)
	hlsMediaAttrs      = regexp.MustCompile(`([A-Z\-]+)=("[^"]*"|[^,]*)`)
)

// hlsVariant is one renditions row of a master playlist: a video stream
// plus its optional separate audio rendition.
type hlsVariant struct {
	Height    int
	VideoURL  string
	AudioURL  string
	Bandwidth int64
}

// rutubeVideo is the resolved playback description of one RuTube page.
type rutubeVideo struct {
	Title      string
	Author     string
	Duration   int
	PreviewURL string
	Variants   map[string]hlsVariant
}

// RuTube captures HLS streams from rutube.ru through ffmpeg.
type RuTube struct {
	client     *http.Client
	ffmpeg     *media.FFmpeg
	optionsURL string
	metaURL    string
}

// NewRuTube builds the adapter with the default HTTP client.
func NewRuTube(ffmpeg *media.FFmpeg) *RuTube {
	return NewRuTubeWithClient(http.DefaultClient, ffmpeg)
}

// NewRuTubeWithClient builds the adapter around an existing client (for
// testing).
func NewRuTubeWithClient(client *http.Client, ffmpeg *media.FFmpeg) *RuTube {
	return &RuTube{
		client:     client,
		ffmpeg:     ffmpeg,
		optionsURL: rutubeOptionsURL,
		metaURL:    rutubeMetaURL,
	}
}

func (r *RuTube) Name() string { return "rutube" }

func (r *RuTube) Match(url string) bool { return matchAny(url, "rutube.ru") }

func rutubeParseID(rawURL string) (string, error) {
	for _, p := range rutubeIDPatterns {
		if m := p.FindStringSubmatch(rawURL); m != nil {
			return m[1], nil
		}
	}
	return "", fmt.Errorf("rutube: cannot extract video id from %s", rawURL)
}

func (r *RuTube) getJSON(ctx context.Context, rawURL string, referer string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("rutube: build request: %w", err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)
	req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Referer", referer)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("rutube: fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rutube: %s returned status %d", rawURL, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rutube: decode %s: %w", rawURL, err)
	}
	return nil
}

// resolve walks play options, the video meta API and finally the master
// playlist to a full playback description.
func (r *RuTube) resolve(ctx context.Context, rawURL string) (*rutubeVideo, error) {
	videoID, err := rutubeParseID(rawURL)
	if err != nil {
		return nil, err
	}

	var options struct {
		VideoBalancer struct {
			M3U8 string `json:"m3u8"`
		} `json:"video_balancer"`
		Title        string  `json:"title"`
		Duration     float64 `json:"duration"`
		ThumbnailURL string  `json:"thumbnail_url"`
		Author       struct {
			Name string `json:"name"`
		} `json:"author"`
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(r.optionsURL, videoID), nil)
	if err != nil {
		return nil, fmt.Errorf("rutube: build options request: %w", err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)
	req.Header.Set("Referer", rawURL)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rutube: fetch play options: %w", err)
	}
	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return nil, fmt.Errorf("rutube: read play options: %w", readErr)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rutube: play options status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, &options); err != nil {
		return nil, fmt.Errorf("rutube: decode play options: %w", err)
	}

	masterURL := options.VideoBalancer.M3U8
	if masterURL == "" {
		// Some responses bury the playlist elsewhere; any m3u8 URL in
		// the body will do.
		if m := rutubeM3U8Pattern.Find(body); m != nil {
			masterURL = string(m)
		}
	}
	if masterURL == "" {
		return nil, fmt.Errorf("rutube: hls playlist not found")
	}

	video := &rutubeVideo{
		Title:      options.Title,
		Author:     options.Author.Name,
		Duration:   int(options.Duration),
		PreviewURL: options.ThumbnailURL,
	}

	if video.Title == "" || video.Author == "" || video.PreviewURL == "" {
		var meta struct {
			Title  string `json:"title"`
			Author struct {
				Name string `json:"name"`
			} `json:"author"`
			ThumbnailURL string  `json:"thumbnail_url"`
			Duration     float64 `json:"duration"`
		}
		if err := r.getJSON(ctx, fmt.Sprintf(r.metaURL, videoID), rawURL, &meta); err == nil {
			if video.Title == "" {
				video.Title = meta.Title
			}
			if video.Author == "" {
				video.Author = meta.Author.Name
			}
			if video.PreviewURL == "" {
				video.PreviewURL = meta.ThumbnailURL
			}
			if video.Duration == 0 {
				video.Duration = int(meta.Duration)
			}
		}
	}
	if video.Title == "" {
		video.Title = "rutube_" + videoID
	}
	if video.Author == "" {
		video.Author = "rutube"
	}

	masterReq, err := http.NewRequestWithContext(ctx, http.MethodGet, masterURL, nil)
	if err != nil {
		return nil, fmt.Errorf("rutube: build playlist request: %w", err)
	}
	masterReq.Header.Set("User-Agent", defaultUserAgent)
	masterReq.Header.Set("Referer", rawURL)
	masterResp, err := r.client.Do(masterReq)
	if err != nil {
		return nil, fmt.Errorf("rutube: fetch master playlist: %w", err)
	}
	defer masterResp.Body.Close()
	if masterResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rutube: master playlist status %d", masterResp.StatusCode)
	}
	masterText, err := io.ReadAll(masterResp.Body)
	if err != nil {
		return nil, fmt.Errorf("rutube: read master playlist: %w", err)
	}

	video.Variants = parseMasterPlaylist(string(masterText), masterResp.Request.URL.String())
	if len(video.Variants) == 0 {
		return nil, fmt.Errorf("rutube: no hls variants in master playlist")
	}
	return video, nil
}

// parseMasterPlaylist extracts the video renditions and their audio
// groups from an HLS master playlist.
func parseMasterPlaylist(masterText, baseURL string) map[string]hlsVariant {
	base, _ := url.Parse(baseURL)
	resolve := func(ref string) string {
		if base == nil {
			return ref
		}
		u, err := url.Parse(ref)
		if err != nil {
			return ref
		}
		return base.ResolveReference(u).String()
	}

	var lines []string
	for _, line := range strings.Split(masterText, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}

	// Audio renditions first; DEFAULT=YES wins within a group.
	audioGroups := map[string]string{}
	audioDefaults := map[string]string{}
	for _, line := range lines {
		if !strings.HasPrefix(line, "#EXT-X-MEDIA") || !strings.Contains(line, "TYPE=AUDIO") {
			continue
		}
		attrs := map[string]string{}
		for _, m := range hlsMediaAttrs.FindAllStringSubmatch(line, -1) {
			attrs[m[1]] = strings.Trim(m[2], `"`)
		}
		groupID, uri := attrs["GROUP-ID"], attrs["URI"]
		if groupID == "" || uri == "" {
			continue
		}
		full := resolve(uri)
		if attrs["DEFAULT"] == "YES" {
			audioDefaults[groupID] = full
		} else if _, ok := audioGroups[groupID]; !ok {
			audioGroups[groupID] = full
		}
	}

	variants := map[string]hlsVariant{}
	for i, line := range lines {
		if !strings.HasPrefix(line, "#EXT-X-STREAM-INF") || i+1 >= len(lines) {
			continue
		}
		v := hlsVariant{VideoURL: resolve(lines[i+1])}
		if m := hlsResolutionParam.FindStringSubmatch(line); m != nil {
			v.Height, _ = strconv.Atoi(m[2])
		}
		if m := hlsBandwidthParam.FindStringSubmatch(line); m != nil {
			v.Bandwidth, _ = strconv.ParseInt(m[1], 10, 64)
		} else if m := hlsRawBandwidth.FindStringSubmatch(line); m != nil {
			v.Bandwidth, _ = strconv.ParseInt(m[1], 10, 64)
		}
		if m := hlsAudioGroupParam.FindStringSubmatch(line); m != nil {
			if u, ok := audioDefaults[m[1]]; ok {
				v.AudioURL = u
			} else if u, ok := audioGroups[m[1]]; ok {
				v.AudioURL = u
			}
		}
		key := strconv.Itoa(v.Height)
		if v.Height == 0 {
			key = strconv.Itoa(len(variants))
		}
		variants[key] = v
	}
	return variants
}

func sortedVariantKeys(variants map[string]hlsVariant) []string {
	keys := make([]string, 0, len(variants))
	for k := range variants {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, _ := strconv.Atoi(keys[i])
		b, _ := strconv.Atoi(keys[j])
		return a < b
	})
	return keys
}

func (r *RuTube) ResolveFormats(ctx context.Context, rawURL string) (*task.Media, error) {
	video, err := r.resolve(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	var formats []task.Variant
	for _, key := range sortedVariantKeys(video.Variants) {
		v := video.Variants[key]
		var estimated int64
		if video.Duration > 0 && v.Bandwidth > 0 {
			total := v.Bandwidth
			if v.AudioURL != "" {
				total += rutubeAudioBitrate
			}
			estimated = total / 8 * int64(video.Duration)
		}
		formats = append(formats, task.Variant{
			Quality:       key + "p",
			VideoFormatID: key,
			AudioFormatID: key,
			Filesize:      estimated,
		})
	}
	minKey := sortedVariantKeys(video.Variants)[0]
	var audioEstimate int64
	if video.Duration > 0 {
		audioEstimate = rutubeAudioBitrate / 8 * int64(video.Duration)
	}
	formats = append(formats, task.Variant{
		Quality:       "Audio only",
		AudioFormatID: minKey,
		Filesize:      audioEstimate,
	})

	return &task.Media{
		URL:        rawURL,
		Title:      video.Title,
		Author:     video.Author,
		Duration:   video.Duration,
		PreviewURL: video.PreviewURL,
		Formats:    formats,
	}, nil
}

func (r *RuTube) Download(ctx context.Context, job *Job, tr *Tracker) (string, error) {
	video, err := r.resolve(ctx, job.Request.URL)
	if err != nil {
		return "", err
	}

	audioOnly := job.Request.AudioOnly()
	chosen := job.Request.VideoFormatID
	if audioOnly {
		chosen = job.Request.AudioFormatID
	}
	variant, ok := video.Variants[chosen]
	if !ok {
		// The rendition set may have changed since format resolution;
		// fall back to the closest edge.
		keys := sortedVariantKeys(video.Variants)
		if audioOnly {
			chosen = keys[0]
		} else {
			chosen = keys[len(keys)-1]
		}
		variant = video.Variants[chosen]
	}

	ext := "mp4"
	phase := "Downloading video track"
	videoURL := variant.VideoURL
	// A separate audio rendition is muxed in alongside the video stream.
	audioURL := variant.AudioURL
	if audioOnly {
		ext = "mp3"
		phase = "Downloading audio track"
		if variant.AudioURL != "" {
			videoURL = variant.AudioURL
		}
		audioURL = ""
	}

	final := BuildPath(job.Dir, video.Author, job.TaskID, video.Title, ext)
	target := final
	downloadHi := 100.0
	if audioOnly {
		target = TempPath(final) + ".mp4"
		downloadHi = 80
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", fmt.Errorf("rutube: create destination dir: %w", err)
	}

	headers := map[string]string{
		"User-Agent": defaultUserAgent,
		"Referer":    job.Request.URL,
	}

	tr.BeginPhase(ctx, phase, 0, downloadHi, 0)
	err = r.ffmpeg.FetchHLS(ctx, videoURL, audioURL, target, headers, video.Duration, func(fraction float64) error {
		return tr.SetPercent(ctx, fraction)
	})
	if err != nil {
		os.Remove(target)
		return "", err
	}

	if audioOnly {
		tr.BeginPhase(ctx, "Converting to MP3", downloadHi, 100, 0)
		if err := r.ffmpeg.ToAudio(ctx, target, final); err != nil {
			return "", err
		}
		os.Remove(target)
	}
	return final, nil
}
