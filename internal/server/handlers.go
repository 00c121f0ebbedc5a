package server

import (
	"context"
	"encoding/json"
	"net/http"

	uperrors "github.com/conneroisu/uprelay/internal/errors"
	"github.com/conneroisu/uprelay/internal/ingest"
	"github.com/conneroisu/uprelay/internal/progress"
	"github.com/conneroisu/uprelay/internal/sse"
	"github.com/conneroisu/uprelay/internal/websocket"
)

const (
	transportSSE       = "sse"
	transportWebSocket = "websocket"
)

// handleProcess streams one multipart upload to disk.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if !s.uploads.Begin() {
		s.writeError(w, r, uperrors.NewCancellationError(http.ErrServerClosed))
		return
	}
	defer s.uploads.Done()

	s.registry.Sweep(s.registry.Now())

	body := http.MaxBytesReader(w, r.Body, s.pipeline.Config().MaxBodySize())
	defer body.Close()

	result, err := s.pipeline.Process(r.Context(), r.Header.Get("Content-Type"), r.ContentLength, body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, r, http.StatusOK, result)
}

// handleProgress streams the progress of one upload as server-sent events.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	session, ok := s.subscribe(w, r)
	if !ok {
		return
	}

	ctx, cancel := s.streamContext(r.Context())
	defer cancel()

	writer, err := sse.Start(w, streamWriteTimeout)
	if err != nil {
		s.logger.Warn(ctx, err, "Failed to open event stream")
		return
	}

	s.metrics.SubscriberConnected(transportSSE)
	defer s.metrics.SubscriberDisconnected(transportSSE)

	if err := progress.Follow(ctx, session, s.config.Progress.KeepAlive, writer); err != nil {
		s.logger.Warn(ctx, err, "Progress stream ended with error", "upload_id", session.ID())
	}
}

// handleProgressWebSocket delivers the same stream as WebSocket messages.
func (s *Server) handleProgressWebSocket(w http.ResponseWriter, r *http.Request) {
	session, ok := s.subscribe(w, r)
	if !ok {
		return
	}

	sink, err := websocket.Accept(w, r, websocket.Options{
		OriginPatterns: s.config.Server.AllowedOrigins,
		WriteTimeout:   streamWriteTimeout,
	})
	if err != nil {
		s.logger.Warn(r.Context(), err, "WebSocket upgrade failed")
		return
	}

	ctx, cancel := s.streamContext(sink.Context())
	defer cancel()

	s.metrics.SubscriberConnected(transportWebSocket)
	defer s.metrics.SubscriberDisconnected(transportWebSocket)

	streamErr := progress.Follow(ctx, session, s.config.Progress.KeepAlive, sink)
	if streamErr != nil {
		s.logger.Warn(ctx, streamErr, "Progress stream ended with error", "upload_id", session.ID())
	}
	if err := sink.Close(streamErr); err != nil {
		s.logger.Debug(ctx, "WebSocket close failed", "error", err.Error())
	}
}

// subscribe validates the path id and returns its session, creating it so
// a subscriber may attach before the upload starts.
func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) (*progress.Session, bool) {
	uploadID := r.PathValue("uploadId")
	if !ingest.ValidUploadID(uploadID) {
		s.writeError(w, r, ingest.ErrInvalidUploadID())
		return nil, false
	}

	s.registry.Sweep(s.registry.Now())
	return s.registry.GetOrCreate(uploadID), true
}

// streamContext ends with parent or when the server starts shutting down.
func (s *Server) streamContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(s.streams, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// handleMetrics returns a snapshot of every recorded metric.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	s.writeJSON(w, r, http.StatusOK, s.metrics.Collector().GatherMetrics())
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ue := uperrors.As(err)
	s.writeJSON(w, r, ue.Status, ue.Response())
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug(r.Context(), "Failed to write response", "error", err.Error())
	}
}
