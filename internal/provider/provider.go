// Package provider contains the source-site adapters. Each adapter knows
// how to resolve the selectable formats for a URL and how to produce a
// local media file for one download job.
package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/lexa946/downloader-video/internal/task"
)

// ErrUnsupportedURL is returned when no adapter claims the URL.
var ErrUnsupportedURL = errors.New("unsupported url")

// ErrCanceled aborts a running download after the task's cancel flag was
// raised.
var ErrCanceled = errors.New("download canceled")

// Job carries everything an adapter needs to perform one download.
type Job struct {
	TaskID  string
	Media   *task.Media
	Request *task.Request
	// Dir is the root directory downloads are written under.
	Dir string
}

// Provider is one source-site adapter.
type Provider interface {
	// Name identifies the adapter in logs.
	Name() string
	// Match reports whether the adapter handles the URL.
	Match(url string) bool
	// ResolveFormats fetches the media metadata and selectable variants.
	ResolveFormats(ctx context.Context, url string) (*task.Media, error)
	// Download produces the final local file and returns its path. The
	// tracker carries progress out and the cancel signal in.
	Download(ctx context.Context, job *Job, tr *Tracker) (string, error)
}

// Registry matches URLs to adapters in registration order.
type Registry struct {
	providers []Provider
}

// NewRegistry builds a registry over the given adapters.
func NewRegistry(providers ...Provider) *Registry {
	return &Registry{providers: providers}
}

// Find returns the first adapter claiming the URL.
func (r *Registry) Find(url string) (Provider, error) {
	for _, p := range r.providers {
		if p.Match(url) {
			return p, nil
		}
	}
	return nil, ErrUnsupportedURL
}

// matchAny reports whether the URL contains one of the markers. Adapters
// share this for their keyword matching.
func matchAny(url string, markers ...string) bool {
	lower := strings.ToLower(url)
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
