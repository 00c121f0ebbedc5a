package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/uprelay/internal/progress"
)

const testID = "0123456789abcdef0123456789abcdef"

func followServer(t *testing.T, registry *progress.Registry, keepAlive time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sink, err := Accept(w, r, Options{})
		if err != nil {
			return
		}
		session := registry.GetOrCreate(testID)
		err = progress.Follow(sink.Context(), session, keepAlive, sink)
		_ = sink.Close(err)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+srv.URL[len("http"):], nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) progress.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)

	var ev progress.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestSinkStreamsUntilTerminal(t *testing.T) {
	registry := progress.NewRegistry(progress.DefaultRegistryConfig())
	srv := followServer(t, registry, time.Minute)
	conn := dial(t, srv)

	now := time.Now()
	registry.Publish(progress.NewEvent(testID, 0, progress.StageStarted, now))
	registry.Publish(progress.NewEvent(testID, 60, progress.StageProgress, now))

	stages := []progress.Stage{readEvent(t, conn).Stage, readEvent(t, conn).Stage}

	// The subscriber is attached now, so the terminal event arrives live.
	registry.Publish(progress.NewEvent(testID, 100, progress.StageCompleted, now, progress.Completed()))
	stages = append(stages, readEvent(t, conn).Stage)

	assert.Equal(t, []progress.Stage{progress.StageStarted, progress.StageProgress, progress.StageCompleted}, stages)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestSinkTerminalSessionSendsOnlyFinalEvent(t *testing.T) {
	registry := progress.NewRegistry(progress.DefaultRegistryConfig())
	now := time.Now()
	registry.Publish(progress.NewEvent(testID, 0, progress.StageStarted, now))
	registry.Publish(progress.NewEvent(testID, 3, progress.StageServerBusy, now,
		progress.Failed(), progress.WithMessage("Upload queue is full. Please retry.")))

	srv := followServer(t, registry, time.Minute)
	conn := dial(t, srv)

	ev := readEvent(t, conn)
	assert.Equal(t, progress.StageServerBusy, ev.Stage)
	assert.True(t, ev.IsError)
	assert.Equal(t, "Upload queue is full. Please retry.", ev.Message)
}

func TestSinkRejectsForeignOrigin(t *testing.T) {
	registry := progress.NewRegistry(progress.DefaultRegistryConfig())
	srv := followServer(t, registry, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.Dial(ctx, "ws"+srv.URL[len("http"):], &websocket.DialOptions{HTTPHeader: header})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
