// Package testutils holds helpers shared by the HTTP-level tests.
package testutils

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conneroisu/uprelay/internal/config"
	"github.com/conneroisu/uprelay/internal/progress"
)

// CreateTestConfig returns the default configuration listening on a free
// loopback port and storing uploads in a fresh temporary directory.
func CreateTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.Environment = "test"
	cfg.Upload.Root = t.TempDir()
	cfg.Progress.KeepAlive = time.Second
	return &cfg
}

// UploadID derives a valid 32 hex digit upload id from n.
func UploadID(n int) string {
	return strings.Repeat("0", 24) + strconv.FormatInt(int64(0x10000000+n), 16)[:8]
}

// Payload returns n deterministic bytes.
func Payload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i * 7)
	}
	return p
}

// UploadForm encodes a well-formed upload request and returns its content
// type and body.
func UploadForm(t *testing.T, uploadID, fileName string, data []byte) (string, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("uploadId", uploadID))
	require.NoError(t, mw.WriteField("fileSize", strconv.Itoa(len(data))))
	fw, err := mw.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return mw.FormDataContentType(), &buf
}

// ReadSSE decodes event-stream frames from r until a terminal event or the
// end of the stream.
func ReadSSE(t *testing.T, r io.Reader) []progress.Event {
	t.Helper()
	var events []progress.Event
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev progress.Event
		require.NoError(t, json.Unmarshal([]byte(data), &ev))
		events = append(events, ev)
		if ev.Terminal() {
			return events
		}
	}
	require.NoError(t, scanner.Err())
	return events
}

// RequireMonotonic fails unless percents never decrease.
func RequireMonotonic(t *testing.T, events []progress.Event) {
	t.Helper()
	for i := 1; i < len(events); i++ {
		require.GreaterOrEqual(t, events[i].Percent, events[i-1].Percent,
			"percent decreased at event %d", i)
	}
}
