// Package preview re-hosts provider thumbnail images on S3-compatible
// storage (AWS S3 or R2) so clients never load images from the source
// platforms directly.
package preview

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/lexa946/downloader-video/internal/config"
	"github.com/lexa946/downloader-video/internal/provider"
)

const keyPrefix = "previews"

// objectPutter is the slice of the S3 client the sink needs.
type objectPutter interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Sink copies a thumbnail from its source URL into the bucket and hands
// back a stable public URL.
type Sink struct {
	client     objectPutter
	httpClient *http.Client
	bucket     string
	baseURL    string
	publicRead bool
}

// New builds a sink from the process configuration. An empty bucket
// disables re-hosting and returns a nil sink.
func New(ctx context.Context, cfg *config.Config) (*Sink, error) {
	if cfg.S3Bucket == "" {
		return nil, nil
	}
	if cfg.S3BaseURL == "" {
		return nil, fmt.Errorf("S3_BASE_URL is required when S3_BUCKET is set")
	}

	var awsCfg aws.Config
	var err error
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.S3AccessKey, cfg.S3SecretKey, "",
			)),
			awsconfig.WithRegion(cfg.S3Region),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	}
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.S3EndpointURL)
			// R2 requires path-style addressing.
			o.UsePathStyle = true
		}
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.S3Bucket)}); err != nil {
		return nil, fmt.Errorf("access bucket %s: %w", cfg.S3Bucket, err)
	}

	slog.Info("Preview storage initialized", "bucket", cfg.S3Bucket, "endpoint", cfg.S3EndpointURL)
	return &Sink{
		client:     client,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		bucket:     cfg.S3Bucket,
		baseURL:    cfg.S3BaseURL,
		publicRead: cfg.S3PublicRead,
	}, nil
}

// Upload fetches the thumbnail at sourceURL and stores it under a key
// derived from the media identity, returning the hosted URL.
func (s *Sink) Upload(ctx context.Context, sourceURL, title, author string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("build preview request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch preview: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("fetch preview: unexpected status %s", resp.Status)
	}

	contentType := resp.Header.Get("Content-Type")
	key := objectKey(sourceURL, title, author, contentType)

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   resp.Body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if resp.ContentLength > 0 {
		input.ContentLength = aws.Int64(resp.ContentLength)
	}
	if s.publicRead {
		input.ACL = types.ObjectCannedACLPublicRead
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("upload preview: %w", err)
	}

	hosted := s.objectURL(key)
	slog.Info("Preview uploaded", "key", key, "bucket", s.bucket)
	return hosted, nil
}

func (s *Sink) objectURL(key string) string {
	return fmt.Sprintf("%s/%s", strings.TrimRight(s.baseURL, "/"), key)
}

// objectKey derives a stable bucket key: repeated uploads of the same
// source image land on the same object.
func objectKey(sourceURL, title, author, contentType string) string {
	sum := sha256.Sum256([]byte(sourceURL))
	name := provider.Sanitize(title)
	if name == "unnamed" {
		name = "preview"
	}
	return path.Join(keyPrefix, provider.Sanitize(author),
		fmt.Sprintf("%s_%s%s", name, hex.EncodeToString(sum[:8]), extensionFor(sourceURL, contentType)))
}

func extensionFor(sourceURL, contentType string) string {
	if u, err := url.Parse(sourceURL); err == nil {
		if ext := path.Ext(u.Path); ext != "" {
			return ext
		}
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".jpg"
}
