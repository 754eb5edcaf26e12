// Package task defines the download task record: an immutable header
// (id, original request, resolved media, creation time) plus a mutable
// status block owned by the worker that produces the file.
package task

import (
	"time"
)

// Status is the lifecycle state of a download task.
type Status string

const (
	// StatusPending — created, queued or actively downloading.
	StatusPending Status = "pending"
	// StatusCompleted — file produced, waiting for delivery.
	StatusCompleted Status = "completed"
	// StatusError — failed; Description carries the reason.
	StatusError Status = "error"
	// StatusCanceled — aborted on user request.
	StatusCanceled Status = "canceled"
	// StatusDone — delivered to the client and removed from disk.
	StatusDone Status = "done"
)

// Terminal reports whether no further transitions are expected, except
// that a completed task may still flip to done after delivery.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCanceled, StatusDone:
		return true
	}
	return false
}

// Variant is one selectable (quality, video stream, audio stream) tuple
// offered by a provider. An audio-only pseudo-variant has an empty
// VideoFormatID.
type Variant struct {
	Quality       string `json:"quality"`
	VideoFormatID string `json:"video_format_id"`
	AudioFormatID string `json:"audio_format_id"`
	Filesize      int64  `json:"filesize,omitempty"`
}

// Media is the resolved metadata snapshot for a source URL.
type Media struct {
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	Author     string    `json:"author"`
	Duration   int       `json:"duration"`
	PreviewURL string    `json:"preview_url,omitempty"`
	Formats    []Variant `json:"formats"`
}

// Request holds the original download parameters. It is never mutated
// after task creation; a stored task without a request cannot be resumed.
type Request struct {
	URL           string   `json:"url"`
	VideoFormatID string   `json:"video_format_id"`
	AudioFormatID string   `json:"audio_format_id"`
	StartSeconds  *float64 `json:"start_seconds,omitempty"`
	EndSeconds    *float64 `json:"end_seconds,omitempty"`
}

// AudioOnly reports whether the request selects the audio-only
// pseudo-variant.
func (r Request) AudioOnly() bool { return r.VideoFormatID == "" }

// Clipped reports whether a time window was requested.
func (r Request) Clipped() bool { return r.StartSeconds != nil || r.EndSeconds != nil }

// Task is the authoritative record of one download.
type Task struct {
	ID          string   `json:"task_id"`
	Status      Status   `json:"status"`
	Description string   `json:"description,omitempty"`
	Percent     float64  `json:"percent"`
	SpeedBPS    float64  `json:"speed_bps,omitempty"`
	ETASeconds  int64    `json:"eta_seconds,omitempty"`
	CreatedAt   int64    `json:"created_at,omitempty"`
	Media       *Media   `json:"media,omitempty"`
	Request     *Request `json:"request,omitempty"`
	// Filepath is local to the producing worker and never exposed to
	// clients. Empty until the destination is known.
	Filepath string `json:"filepath,omitempty"`
}

// New creates a pending task record with a zeroed progress block.
func New(id string, media *Media, req *Request) *Task {
	return &Task{
		ID:        id,
		Status:    StatusPending,
		Percent:   0,
		CreatedAt: time.Now().Unix(),
		Media:     media,
		Request:   req,
	}
}

// StatusBlock is the client-visible projection of a task: everything a
// subscriber or history reader may see. Filepath and the raw request stay
// server-side.
type StatusBlock struct {
	TaskID      string  `json:"task_id"`
	Status      Status  `json:"status"`
	Description string  `json:"description,omitempty"`
	Percent     float64 `json:"percent"`
	SpeedBPS    float64 `json:"speed_bps,omitempty"`
	ETASeconds  int64   `json:"eta_seconds,omitempty"`
	CreatedAt   int64   `json:"created_at,omitempty"`
	Media       *Media  `json:"media,omitempty"`
}

// StatusBlock returns the projection published on the progress bus and
// served by the status, events and history endpoints.
func (t *Task) StatusBlock() StatusBlock {
	return StatusBlock{
		TaskID:      t.ID,
		Status:      t.Status,
		Description: t.Description,
		Percent:     t.Percent,
		SpeedBPS:    t.SpeedBPS,
		ETASeconds:  t.ETASeconds,
		CreatedAt:   t.CreatedAt,
		Media:       t.Media,
	}
}

// SetProgress updates the progress fields, keeping percent inside [0,100]
// and never rolling it backwards while pending.
func (t *Task) SetProgress(percent, speedBPS float64, etaSeconds int64) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if t.Status == StatusPending && percent < t.Percent {
		percent = t.Percent
	}
	t.Percent = percent
	t.SpeedBPS = speedBPS
	t.ETASeconds = etaSeconds
}

// Fail moves the task to the error state with a human description.
func (t *Task) Fail(description string) {
	t.Status = StatusError
	t.Description = description
}

// Cancel moves the task to the canceled state.
func (t *Task) Cancel(description string) {
	t.Status = StatusCanceled
	t.Description = description
}

// Done marks the file as delivered and removed from disk.
func (t *Task) Done() {
	t.Status = StatusDone
	t.Description = string(StatusDone)
	t.Filepath = ""
}

// Complete marks the produced file ready for delivery.
func (t *Task) Complete(filepath string) {
	t.Status = StatusCompleted
	t.Description = string(StatusCompleted)
	t.Percent = 100
	t.Filepath = filepath
}
