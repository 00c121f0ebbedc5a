// Package websocket delivers progress events over a WebSocket connection.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/conneroisu/uprelay/internal/progress"
)

const (
	// DefaultWriteTimeout bounds a single message or ping.
	DefaultWriteTimeout = 10 * time.Second

	closeReasonDone = "upload finished"
)

// Options configures the upgrade.
type Options struct {
	// OriginPatterns lists the extra hosts allowed to connect from a
	// browser. The request's own host is always allowed.
	OriginPatterns []string
	WriteTimeout   time.Duration
}

// Sink is a progress.Sink writing each event as a JSON text message and
// using pings as keep-alives.
type Sink struct {
	conn         *websocket.Conn
	ctx          context.Context
	writeTimeout time.Duration
}

var _ progress.Sink = (*Sink)(nil)

// Accept upgrades the request. On failure the response has already been
// written.
func Accept(w http.ResponseWriter, r *http.Request, opts Options) (*Sink, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  opts.OriginPatterns,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	// Subscribers only listen. Reading in the background answers pings
	// and ends the context when the peer goes away.
	conn.SetReadLimit(512)
	ctx := conn.CloseRead(r.Context())

	timeout := opts.WriteTimeout
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	return &Sink{conn: conn, ctx: ctx, writeTimeout: timeout}, nil
}

// Context is done when the peer disconnects or the request ends.
func (s *Sink) Context() context.Context {
	return s.ctx
}

// Send writes ev as a JSON text message.
func (s *Sink) Send(ctx context.Context, ev progress.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding progress event: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return s.conn.Write(writeCtx, websocket.MessageText, data)
}

// KeepAlive pings the peer.
func (s *Sink) KeepAlive(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return s.conn.Ping(pingCtx)
}

// Close ends the connection, normally when streaming finished without
// error.
func (s *Sink) Close(streamErr error) error {
	if streamErr != nil {
		return s.conn.Close(websocket.StatusInternalError, "progress stream failed")
	}
	err := s.conn.Close(websocket.StatusNormalClosure, closeReasonDone)
	if isClosed(err) {
		return nil
	}
	return err
}

func isClosed(err error) bool {
	if err == nil {
		return true
	}
	status := websocket.CloseStatus(err)
	return status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway ||
		errors.Is(err, context.Canceled)
}
