// Package sse writes progress events as a text/event-stream response.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/conneroisu/uprelay/internal/progress"
)

// DefaultWriteTimeout bounds a single frame write to a slow client.
const DefaultWriteTimeout = 10 * time.Second

var keepAliveFrame = []byte(": keep-alive\n\n")

// Writer is a progress.Sink over an HTTP response.
type Writer struct {
	w            http.ResponseWriter
	rc           *http.ResponseController
	writeTimeout time.Duration
	scratch      []byte
}

var _ progress.Sink = (*Writer)(nil)

// Start sends the event-stream headers and a 200 status and flushes them
// so the client sees the stream open before the first event.
func Start(w http.ResponseWriter, writeTimeout time.Duration) (*Writer, error) {
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache, no-store")
	header.Set("Pragma", "no-cache")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s := &Writer{
		w:            w,
		rc:           http.NewResponseController(w),
		writeTimeout: writeTimeout,
	}
	if err := s.flush(); err != nil {
		return nil, err
	}
	return s, nil
}

// AppendFrame appends the SSE frame for ev to dst: the event id, the stage
// as the event name and the JSON encoded event as data.
func AppendFrame(dst []byte, ev progress.Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return dst, fmt.Errorf("encoding progress event: %w", err)
	}
	dst = fmt.Appendf(dst, "id: %d\nevent: %s\ndata: ", ev.ID(), ev.Stage)
	dst = append(dst, data...)
	return append(dst, '\n', '\n'), nil
}

// Send writes one event frame and flushes it.
func (s *Writer) Send(ctx context.Context, ev progress.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := AppendFrame(s.scratch[:0], ev)
	if err != nil {
		return err
	}
	s.scratch = frame
	return s.write(frame)
}

// KeepAlive writes a comment line so proxies keep the connection open.
func (s *Writer) KeepAlive(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.write(keepAliveFrame)
}

func (s *Writer) write(frame []byte) error {
	if s.writeTimeout > 0 {
		err := s.rc.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		if err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	return s.flush()
}

func (s *Writer) flush() error {
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
