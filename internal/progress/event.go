// Package progress tracks per-upload progress sessions and fans their
// events out to subscribers.
//
// Each upload id owns a Session holding a bounded drop-oldest Channel and
// an out-of-band copy of the most recent event. Producers never block;
// subscribers may miss intermediate events under overflow but always
// recover the terminal one from the session.
package progress

import "time"

// Stage classifies a progress event.
type Stage string

const (
	StageStarted           Stage = "started"
	StageProgress          Stage = "progress"
	StageCompleted         Stage = "completed"
	StageValidationFailed  Stage = "validation_failed"
	StageAborted           Stage = "aborted"
	StageIOError           Stage = "io_error"
	StageError             Stage = "error"
	// StageDuplicateUploadID is never published: the rejected request does
	// not own the session, and the owner's stream must keep running.
	StageDuplicateUploadID Stage = "duplicate_upload_id"
	StageServerBusy        Stage = "server_busy"
)

// Event is an immutable snapshot of an upload's progress.
type Event struct {
	UploadID       string    `json:"uploadId"`
	Percent        int       `json:"percent"`
	Stage          Stage     `json:"stage"`
	IsCompleted    bool      `json:"isCompleted"`
	IsError        bool      `json:"isError"`
	Message        string    `json:"message,omitempty"`
	BytesProcessed *int64    `json:"bytesProcessed,omitempty"`
	TotalBytes     *int64    `json:"totalBytes,omitempty"`
	Timestamp      time.Time `json:"timestamp"`

	// Seq is assigned by the session that records the event.
	Seq uint64 `json:"-"`
}

// Terminal reports whether the event ends the upload.
func (e Event) Terminal() bool {
	return e.IsCompleted || e.IsError
}

// ID is the event id used on the wire: the timestamp in unix milliseconds
// followed by three digits of the session sequence, so events recorded in
// the same millisecond still get increasing ids.
func (e Event) ID() int64 {
	return e.Timestamp.UnixMilli()*1000 + int64(e.Seq%1000)
}

// ClampPercent bounds p to [0, 100].
func ClampPercent(p int64) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return int(p)
	}
}

// Percent computes the integer completion percentage of done out of total.
func Percent(done, total int64) int {
	if total <= 0 {
		return 0
	}
	return ClampPercent(done * 100 / total)
}

// Option customizes an event built by NewEvent.
type Option func(*Event)

// WithMessage sets a human readable message.
func WithMessage(msg string) Option {
	return func(e *Event) { e.Message = msg }
}

// WithBytes records the processed byte count.
func WithBytes(done int64) Option {
	return func(e *Event) { e.BytesProcessed = &done }
}

// WithTotal records the expected byte count.
func WithTotal(total int64) Option {
	return func(e *Event) { e.TotalBytes = &total }
}

// Completed marks the event as the successful terminal event.
func Completed() Option {
	return func(e *Event) { e.IsCompleted = true }
}

// Failed marks the event as a terminal failure.
func Failed() Option {
	return func(e *Event) {
		e.IsCompleted = true
		e.IsError = true
	}
}

// NewEvent builds an event stamped with now. The percentage is clamped.
func NewEvent(uploadID string, percent int, stage Stage, now time.Time, opts ...Option) Event {
	ev := Event{
		UploadID:  uploadID,
		Percent:   ClampPercent(int64(percent)),
		Stage:     stage,
		Timestamp: now.UTC(),
	}
	for _, opt := range opts {
		opt(&ev)
	}
	return ev
}
