package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/uprelay/internal/admission"
	uperrors "github.com/conneroisu/uprelay/internal/errors"
	"github.com/conneroisu/uprelay/internal/logging"
	"github.com/conneroisu/uprelay/internal/monitoring"
	"github.com/conneroisu/uprelay/internal/progress"
	"github.com/conneroisu/uprelay/internal/storage"
)

const testID = "0123456789abcdef0123456789abcdef"

type harness struct {
	pipeline   *Pipeline
	registry   *progress.Registry
	controller *admission.Controller
	store      *storage.Store
	collector  *monitoring.MetricsCollector
}

func newHarness(t *testing.T, config Config, slots int, queueTimeout time.Duration) *harness {
	t.Helper()

	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)

	registry := progress.NewRegistry(progress.DefaultRegistryConfig())
	controller := admission.NewController(slots, queueTimeout)
	collector := monitoring.NewMetricsCollector("")

	return &harness{
		pipeline: New(config, store, registry, controller,
			WithMetrics(monitoring.NewUploadMetrics(collector))),
		registry:   registry,
		controller: controller,
		store:      store,
		collector:  collector,
	}
}

func (h *harness) process(ctx context.Context, contentType string, body []byte) (*Result, error) {
	return h.pipeline.Process(ctx, contentType, int64(len(body)), bytes.NewReader(body))
}

// storedFiles lists the regular files in the upload root.
func (h *harness) storedFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.store.Root())
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func (h *harness) assertReleased(t *testing.T) {
	t.Helper()
	stats := h.controller.Stats()
	assert.Zero(t, stats.InUse, "slot released")
	assert.Zero(t, stats.ActiveUploads, "upload id unregistered")
}

// events returns everything retained in the session's channel.
func (h *harness) events(t *testing.T, uploadID string) []progress.Event {
	t.Helper()
	session, ok := h.registry.Lookup(uploadID)
	require.True(t, ok, "session for %s", uploadID)

	cursor := session.Channel().Subscribe()
	var out []progress.Event
	for {
		ev, ok := cursor.TryRead()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

type form struct {
	buf bytes.Buffer
	w   *multipart.Writer
}

func newForm() *form {
	f := &form{}
	f.w = multipart.NewWriter(&f.buf)
	return f
}

func (f *form) field(name, value string) *form {
	w, err := f.w.CreateFormField(name)
	if err != nil {
		panic(err)
	}
	_, _ = io.WriteString(w, value)
	return f
}

func (f *form) file(name, fileName string, data []byte) *form {
	w, err := f.w.CreateFormFile(name, fileName)
	if err != nil {
		panic(err)
	}
	_, _ = w.Write(data)
	return f
}

func (f *form) part(disposition string, data string) *form {
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", disposition)
	w, err := f.w.CreatePart(header)
	if err != nil {
		panic(err)
	}
	_, _ = io.WriteString(w, data)
	return f
}

// fileWithHeaders writes a file section carrying extra header lines.
func (f *form) fileWithHeaders(extra textproto.MIMEHeader, fileName string, data []byte) *form {
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="file"; filename="`+fileName+`"`)
	header.Set("Content-Type", "application/octet-stream")
	for k, vs := range extra {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	w, err := f.w.CreatePart(header)
	if err != nil {
		panic(err)
	}
	_, _ = w.Write(data)
	return f
}

func (f *form) build() (string, []byte) {
	if err := f.w.Close(); err != nil {
		panic(err)
	}
	return f.w.FormDataContentType(), f.buf.Bytes()
}

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	return data
}

func validForm(data []byte) *form {
	return newForm().
		field(FieldUploadID, testID).
		field(FieldFileSize, strconv.Itoa(len(data))).
		file(FieldFile, "Report.PDF", data)
}

func TestProcessStoresFile(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 2, time.Second)
	data := payload(1 << 20)

	contentType, body := validForm(data).build()
	result, err := h.process(context.Background(), contentType, body)
	require.NoError(t, err)

	sum := sha256.Sum256(data)
	assert.Equal(t, testID, result.UploadID)
	assert.Equal(t, "Report.PDF", result.OriginalFileName)
	assert.True(t, strings.HasSuffix(result.StoredFileName, "_"+testID+".pdf"), result.StoredFileName)
	assert.Equal(t, int64(len(data)), result.BytesProcessed)
	assert.Equal(t, hex.EncodeToString(sum[:]), result.DigestHex)
	assert.Equal(t, strings.ToLower(result.DigestHex), result.DigestHex, "digest is lowercase hex")
	assert.False(t, result.CompletedAt.Before(result.StartedAt))

	stored, err := os.ReadFile(h.store.Root() + "/" + result.StoredFileName)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, stored))

	events := h.events(t, testID)
	require.GreaterOrEqual(t, len(events), 2)

	first, last := events[0], events[len(events)-1]
	assert.Equal(t, progress.StageStarted, first.Stage)
	assert.Equal(t, 0, first.Percent)
	assert.Equal(t, progress.StageCompleted, last.Stage)
	assert.Equal(t, 100, last.Percent)
	assert.True(t, last.IsCompleted)
	assert.False(t, last.IsError)
	require.NotNil(t, last.BytesProcessed)
	assert.Equal(t, int64(len(data)), *last.BytesProcessed)

	previous := -1
	for _, ev := range events[1 : len(events)-1] {
		assert.Equal(t, progress.StageProgress, ev.Stage)
		assert.Greater(t, ev.Percent, previous, "percent only moves forward")
		previous = ev.Percent
	}

	session, _ := h.registry.Lookup(testID)
	assert.True(t, session.IsTerminal())
	h.assertReleased(t)

	completed, _ := h.collector.Value(monitoring.MetricUploadsCompleted, nil)
	assert.Equal(t, 1.0, completed)

	var copies float64
	for _, m := range h.collector.GatherMetrics() {
		if m.Name == monitoring.MetricUploadCopy+"_duration_seconds_count" {
			copies = m.Value
		}
	}
	assert.Equal(t, 1.0, copies, "file copy is timed")
}

func TestProcessSmallFileEmitsEveryPercent(t *testing.T) {
	config := DefaultConfig()
	config.BufferSize = 1
	h := newHarness(t, config, 2, time.Second)
	data := payload(200)

	contentType, body := validForm(data).build()
	_, err := h.process(context.Background(), contentType, body)
	require.NoError(t, err)

	events := h.events(t, testID)
	// started, 100 distinct percentages, completed
	require.Len(t, events, 102)
	for i, ev := range events[1:101] {
		assert.Equal(t, i+1, ev.Percent)
	}
}

func TestProcessRejections(t *testing.T) {
	small := DefaultConfig()
	small.MaxFileSize = 1024

	testCases := []struct {
		name        string
		config      Config
		contentType string
		length      int64
		form        func() *form
		code        string
		status      int
		stage       progress.Stage
	}{
		{
			name:        "not multipart",
			contentType: "application/json",
			form:        func() *form { return validForm(payload(10)) },
			code:        uperrors.CodeInvalidContentType,
			status:      http.StatusBadRequest,
		},
		{
			name:        "missing boundary",
			contentType: "multipart/form-data",
			form:        func() *form { return validForm(payload(10)) },
			code:        uperrors.CodeInvalidContentType,
			status:      http.StatusBadRequest,
		},
		{
			name:        "boundary too long",
			contentType: "multipart/form-data; boundary=" + strings.Repeat("b", 300),
			form:        func() *form { return validForm(payload(10)) },
			code:        uperrors.CodeInvalidBoundary,
			status:      http.StatusBadRequest,
		},
		{
			name:   "declared body too large",
			length: DefaultConfig().MaxBodySize() + 1,
			form:   func() *form { return validForm(payload(10)) },
			code:   uperrors.CodePayloadTooLarge,
			status: http.StatusRequestEntityTooLarge,
		},
		{
			name: "too many section headers",
			form: func() *form {
				extra := textproto.MIMEHeader{}
				for i := 0; i < MaxPartHeaders; i++ {
					extra.Add("X-Extra-"+strconv.Itoa(i), "v")
				}
				return newForm().
					field(FieldUploadID, testID).
					field(FieldFileSize, "10").
					fileWithHeaders(extra, "a.txt", payload(10))
			},
			code:   uperrors.CodeInvalidFormData,
			status: http.StatusBadRequest,
			stage:  progress.StageValidationFailed,
		},
		{
			name: "section headers too long",
			form: func() *form {
				extra := textproto.MIMEHeader{}
				extra.Set("X-Padding", strings.Repeat("p", MaxPartHeaderBytes))
				return newForm().
					field(FieldUploadID, testID).
					field(FieldFileSize, "10").
					fileWithHeaders(extra, "a.txt", payload(10))
			},
			code:   uperrors.CodeInvalidFormData,
			status: http.StatusBadRequest,
			stage:  progress.StageValidationFailed,
		},
		{
			name:   "empty form",
			form:   newForm,
			code:   uperrors.CodeMissingUploadID,
			status: http.StatusBadRequest,
		},
		{
			name: "fileSize before uploadId",
			form: func() *form {
				return newForm().field(FieldFileSize, "10").field(FieldUploadID, testID)
			},
			code:   uperrors.CodeMissingUploadID,
			status: http.StatusBadRequest,
		},
		{
			name: "file before uploadId",
			form: func() *form {
				return newForm().file(FieldFile, "a.txt", payload(10))
			},
			code:   uperrors.CodeMissingUploadID,
			status: http.StatusBadRequest,
		},
		{
			name: "invalid upload id",
			form: func() *form {
				return newForm().field(FieldUploadID, "not-hex")
			},
			code:   uperrors.CodeInvalidUploadID,
			status: http.StatusBadRequest,
		},
		{
			name: "file before fileSize",
			form: func() *form {
				return newForm().field(FieldUploadID, testID).file(FieldFile, "a.txt", payload(10))
			},
			code:   uperrors.CodeMissingFileSize,
			status: http.StatusBadRequest,
			stage:  progress.StageValidationFailed,
		},
		{
			name: "uploadId twice",
			form: func() *form {
				return newForm().field(FieldUploadID, testID).field(FieldUploadID, testID)
			},
			code:   uperrors.CodeDuplicateUploadIDField,
			status: http.StatusBadRequest,
			stage:  progress.StageValidationFailed,
		},
		{
			name: "fileSize twice",
			form: func() *form {
				return newForm().field(FieldUploadID, testID).
					field(FieldFileSize, "10").field(FieldFileSize, "10")
			},
			code:   uperrors.CodeDuplicateFileSizeField,
			status: http.StatusBadRequest,
			stage:  progress.StageValidationFailed,
		},
		{
			name: "zero fileSize",
			form: func() *form {
				return newForm().field(FieldUploadID, testID).field(FieldFileSize, "0")
			},
			code:   uperrors.CodeInvalidFileSize,
			status: http.StatusBadRequest,
			stage:  progress.StageValidationFailed,
		},
		{
			name: "non numeric fileSize",
			form: func() *form {
				return newForm().field(FieldUploadID, testID).field(FieldFileSize, "-12")
			},
			code:   uperrors.CodeInvalidFileSize,
			status: http.StatusBadRequest,
			stage:  progress.StageValidationFailed,
		},
		{
			name: "declared fileSize too large",
			form: func() *form {
				return newForm().field(FieldUploadID, testID).
					field(FieldFileSize, strconv.FormatInt(DefaultMaxFileSize+1, 10))
			},
			code:   uperrors.CodeFileTooLarge,
			status: http.StatusRequestEntityTooLarge,
			stage:  progress.StageValidationFailed,
		},
		{
			name: "unknown field",
			form: func() *form {
				return newForm().field(FieldUploadID, testID).field("extra", "1")
			},
			code:   uperrors.CodeUnexpectedField,
			status: http.StatusBadRequest,
			stage:  progress.StageValidationFailed,
		},
		{
			name: "file under another name",
			form: func() *form {
				return newForm().field(FieldUploadID, testID).field(FieldFileSize, "10").
					file("attachment", "a.txt", payload(10))
			},
			code:   uperrors.CodeUnexpectedField,
			status: http.StatusBadRequest,
			stage:  progress.StageValidationFailed,
		},
		{
			name: "no file",
			form: func() *form {
				return newForm().field(FieldUploadID, testID).field(FieldFileSize, "10")
			},
			code:   uperrors.CodeInvalidFileCount,
			status: http.StatusBadRequest,
			stage:  progress.StageValidationFailed,
		},
		{
			name: "field value too long",
			form: func() *form {
				return newForm().field(FieldUploadID, strings.Repeat("a", 200))
			},
			code:   uperrors.CodeInvalidFormData,
			status: http.StatusBadRequest,
		},
		{
			name: "bad disposition",
			form: func() *form {
				return newForm().part(`attachment; name="uploadId"`, testID)
			},
			code:   uperrors.CodeInvalidFormData,
			status: http.StatusBadRequest,
		},
		{
			name: "missing field name",
			form: func() *form {
				return newForm().part(`form-data; filename="a.txt"`, "x")
			},
			code:   uperrors.CodeInvalidFormData,
			status: http.StatusBadRequest,
		},
		{
			name: "unusable file name",
			form: func() *form {
				return newForm().field(FieldUploadID, testID).field(FieldFileSize, "10").
					file(FieldFile, "uploads/", payload(10))
			},
			code:   uperrors.CodeInvalidFileName,
			status: http.StatusBadRequest,
			stage:  progress.StageValidationFailed,
		},
		{
			name: "fewer bytes than declared",
			form: func() *form {
				return newForm().field(FieldUploadID, testID).field(FieldFileSize, "10").
					file(FieldFile, "a.txt", payload(5))
			},
			code:   uperrors.CodeInvalidFileSize,
			status: http.StatusBadRequest,
			stage:  progress.StageValidationFailed,
		},
		{
			name: "more bytes than declared",
			form: func() *form {
				return newForm().field(FieldUploadID, testID).field(FieldFileSize, "5").
					file(FieldFile, "a.txt", payload(10))
			},
			code:   uperrors.CodeInvalidFileSize,
			status: http.StatusBadRequest,
			stage:  progress.StageValidationFailed,
		},
		{
			name: "empty file",
			form: func() *form {
				return newForm().field(FieldUploadID, testID).field(FieldFileSize, "5").
					file(FieldFile, "a.txt", nil)
			},
			code:   uperrors.CodeEmptyFile,
			status: http.StatusBadRequest,
			stage:  progress.StageValidationFailed,
		},
		{
			name:   "file exceeds limit while streaming",
			config: small,
			form: func() *form {
				return newForm().field(FieldUploadID, testID).field(FieldFileSize, "1024").
					file(FieldFile, "a.txt", payload(2048))
			},
			code:   uperrors.CodeFileTooLarge,
			status: http.StatusRequestEntityTooLarge,
			stage:  progress.StageValidationFailed,
		},
		{
			name: "second file",
			form: func() *form {
				return validForm(payload(10)).file(FieldFile, "b.txt", payload(10))
			},
			code:   uperrors.CodeInvalidFileCount,
			status: http.StatusBadRequest,
			stage:  progress.StageValidationFailed,
		},
		{
			name: "field after file",
			form: func() *form {
				return validForm(payload(10)).field("note", "hi")
			},
			code:   uperrors.CodeUnexpectedField,
			status: http.StatusBadRequest,
			stage:  progress.StageValidationFailed,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			config := tc.config
			if config.MaxFileSize == 0 {
				config = DefaultConfig()
			}
			h := newHarness(t, config, 2, time.Second)

			contentType, body := tc.form().build()
			if tc.contentType != "" {
				contentType = tc.contentType
			}
			length := int64(len(body))
			if tc.length != 0 {
				length = tc.length
			}

			result, err := h.pipeline.Process(context.Background(), contentType, length, bytes.NewReader(body))
			require.Error(t, err)
			assert.Nil(t, result)

			ue := uperrors.As(err)
			assert.Equal(t, tc.code, ue.Code, ue.Error())
			assert.Equal(t, tc.status, ue.Status)

			assert.Empty(t, h.storedFiles(t), "no file is left behind")
			h.assertReleased(t)

			failed, _ := h.collector.Value(monitoring.MetricUploadsFailed, map[string]string{"code": tc.code})
			assert.Equal(t, 1.0, failed)

			session, ok := h.registry.Lookup(testID)
			if tc.stage == "" {
				assert.False(t, ok, "no session without a claimed upload id")
				return
			}
			require.True(t, ok)
			last, ok := session.LastEvent()
			require.True(t, ok)
			assert.Equal(t, tc.stage, last.Stage)
			assert.True(t, last.IsError)
			assert.True(t, last.IsCompleted)
			assert.Equal(t, ue.Message, last.Message)
		})
	}
}

func TestProcessDuplicateUploadID(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 2, time.Second)
	require.True(t, h.controller.Register(testID))

	contentType, body := validForm(payload(10)).build()
	_, err := h.process(context.Background(), contentType, body)

	ue := uperrors.As(err)
	assert.Equal(t, uperrors.CodeDuplicateUploadID, ue.Code)
	assert.Equal(t, http.StatusConflict, ue.Status)

	assert.True(t, h.controller.IsActive(testID), "the owner keeps its id")
	_, ok := h.registry.Lookup(testID)
	assert.False(t, ok, "the owner's session is not touched")
	assert.Empty(t, h.storedFiles(t))
}

func TestProcessConcurrentDuplicateKeepsOwnerSession(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 2, time.Second)
	data := payload(64 * 1024)
	contentType, body := validForm(data).build()

	// The owner's body stalls halfway through the file.
	pr, pw := io.Pipe()
	half := len(body) / 2

	var (
		wg          sync.WaitGroup
		ownerResult *Result
		ownerErr    error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		ownerResult, ownerErr = h.pipeline.Process(context.Background(), contentType, int64(len(body)), pr)
	}()

	_, err := pw.Write(body[:half])
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.controller.IsActive(testID) }, time.Second, time.Millisecond)

	_, err = h.process(context.Background(), contentType, body)
	assert.True(t, uperrors.HasCode(err, uperrors.CodeDuplicateUploadID))

	_, err = pw.Write(body[half:])
	require.NoError(t, err)
	require.NoError(t, pw.Close())
	wg.Wait()

	require.NoError(t, ownerErr)
	assert.Equal(t, int64(len(data)), ownerResult.BytesProcessed)

	session, ok := h.registry.Lookup(testID)
	require.True(t, ok)
	last, _ := session.LastEvent()
	assert.Equal(t, progress.StageCompleted, last.Stage)
	assert.False(t, last.IsError)
	for _, ev := range h.events(t, testID) {
		assert.NotEqual(t, progress.StageDuplicateUploadID, ev.Stage)
	}
	h.assertReleased(t)
}

func TestProcessServerBusy(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 1, 20*time.Millisecond)
	held, err := h.controller.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	contentType, body := validForm(payload(10)).build()
	_, err = h.process(context.Background(), contentType, body)

	ue := uperrors.As(err)
	assert.Equal(t, uperrors.CodeServerBusy, ue.Code)
	assert.Equal(t, http.StatusServiceUnavailable, ue.Status)
	assert.False(t, h.controller.IsActive(testID))

	session, ok := h.registry.Lookup(testID)
	require.True(t, ok)
	last, _ := session.LastEvent()
	assert.Equal(t, progress.StageServerBusy, last.Stage)
	assert.True(t, last.IsError)
	assert.Empty(t, h.storedFiles(t))
}

func TestProcessTruncatedBodyIsAbort(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 2, time.Second)
	data := payload(32 * 1024)

	contentType, body := validForm(data).build()
	truncated := body[:len(body)-1024]

	_, err := h.process(context.Background(), contentType, truncated)
	ue := uperrors.As(err)
	assert.Equal(t, uperrors.CodeUploadAborted, ue.Code)
	assert.Equal(t, uperrors.StatusClientClosedRequest, ue.Status)

	assert.Empty(t, h.storedFiles(t), "partial file removed")
	h.assertReleased(t)

	session, ok := h.registry.Lookup(testID)
	require.True(t, ok)
	last, _ := session.LastEvent()
	assert.Equal(t, progress.StageAborted, last.Stage)
	require.NotNil(t, last.BytesProcessed)
	assert.Greater(t, *last.BytesProcessed, int64(0))
	require.NotNil(t, last.TotalBytes)
	assert.Equal(t, int64(len(data)), *last.TotalBytes)
}

// cancelingReader cancels its context once more than after bytes were read.
type cancelingReader struct {
	r      io.Reader
	read   int
	after  int
	cancel context.CancelFunc
}

func (c *cancelingReader) Read(p []byte) (int, error) {
	if len(p) > 512 {
		p = p[:512]
	}
	n, err := c.r.Read(p)
	c.read += n
	if c.read > c.after {
		c.cancel()
	}
	return n, err
}

func TestProcessCanceledMidStream(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 2, time.Second)
	data := payload(256 * 1024)
	contentType, body := validForm(data).build()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader := &cancelingReader{r: bytes.NewReader(body), after: 64 * 1024, cancel: cancel}

	_, err := h.pipeline.Process(ctx, contentType, int64(len(body)), reader)
	assert.True(t, uperrors.IsCancellation(err))
	assert.Empty(t, h.storedFiles(t))
	h.assertReleased(t)

	session, ok := h.registry.Lookup(testID)
	require.True(t, ok)
	last, _ := session.LastEvent()
	assert.Equal(t, progress.StageAborted, last.Stage)
	assert.Greater(t, last.Percent, 0)
	assert.Less(t, last.Percent, 100)
}

func TestProcessMaxBytesReader(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 2, time.Second)
	data := payload(8 * 1024)
	contentType, body := validForm(data).build()

	limited := http.MaxBytesReader(httptest.NewRecorder(), io.NopCloser(bytes.NewReader(body)), 4*1024)
	_, err := h.pipeline.Process(context.Background(), contentType, -1, limited)

	ue := uperrors.As(err)
	assert.Equal(t, uperrors.CodePayloadTooLarge, ue.Code)
	assert.Equal(t, http.StatusRequestEntityTooLarge, ue.Status)
	assert.Empty(t, h.storedFiles(t))
	h.assertReleased(t)
}

// panicReader yields its prefix and then panics.
type panicReader struct {
	prefix []byte
}

func (p *panicReader) Read(b []byte) (int, error) {
	if len(p.prefix) == 0 {
		panic("disk on fire")
	}
	n := copy(b, p.prefix)
	p.prefix = p.prefix[n:]
	return n, nil
}

func TestProcessRecoversPanic(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 2, time.Second)
	f := newForm().field(FieldUploadID, testID).field(FieldFileSize, "10")
	contentType, body := f.build()
	// Drop the closing boundary so the reader is asked for more.
	prefix := body[:bytes.LastIndex(body, []byte("--"+f.w.Boundary()+"--"))]

	var err error
	assert.NotPanics(t, func() {
		_, err = h.pipeline.Process(context.Background(), contentType, -1, &panicReader{prefix: prefix})
	})

	ue := uperrors.As(err)
	assert.Equal(t, uperrors.CodeServerError, ue.Code)
	assert.Equal(t, "Unexpected upload failure.", ue.Message)
	h.assertReleased(t)

	session, ok := h.registry.Lookup(testID)
	require.True(t, ok)
	last, _ := session.LastEvent()
	assert.Equal(t, progress.StageError, last.Stage)
}

func TestProcessReusesIDAfterFailure(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 2, time.Second)

	contentType, body := newForm().field(FieldUploadID, testID).field(FieldFileSize, "0").build()
	_, err := h.process(context.Background(), contentType, body)
	require.Error(t, err)

	contentType, body = validForm(payload(100)).build()
	_, err = h.process(context.Background(), contentType, body)
	require.NoError(t, err)

	session, _ := h.registry.Lookup(testID)
	last, _ := session.LastEvent()
	assert.Equal(t, progress.StageCompleted, last.Stage, "last terminal event wins")
}

func TestProcessAcceptsHeadersAtLimit(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 2, time.Second)
	data := payload(10)

	// Content-Disposition and Content-Type plus the extras reach the limit.
	extra := textproto.MIMEHeader{}
	for i := 0; i < MaxPartHeaders-2; i++ {
		extra.Add("X-Extra-"+strconv.Itoa(i), "v")
	}
	contentType, body := newForm().
		field(FieldUploadID, testID).
		field(FieldFileSize, strconv.Itoa(len(data))).
		fileWithHeaders(extra, "a.txt", data).
		build()

	_, err := h.process(context.Background(), contentType, body)
	require.NoError(t, err)
	h.assertReleased(t)
}

func TestProcessStorageFailure(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 2, time.Second)
	var logs bytes.Buffer
	h.pipeline = New(DefaultConfig(), h.store, h.registry, h.controller,
		WithMetrics(monitoring.NewUploadMetrics(h.collector)),
		WithLogger(logging.NewLogger(&logging.LoggerConfig{
			Level:  logging.LevelInfo,
			Format: "json",
			Output: &logs,
		})),
	)
	require.NoError(t, os.RemoveAll(h.store.Root()))

	contentType, body := validForm(payload(10)).build()
	_, err := h.process(context.Background(), contentType, body)

	ue := uperrors.As(err)
	assert.Equal(t, uperrors.CodeIOError, ue.Code)
	assert.Equal(t, http.StatusInternalServerError, ue.Status)
	assert.Contains(t, ue.Context, "stored_file")
	h.assertReleased(t)

	session, ok := h.registry.Lookup(testID)
	require.True(t, ok)
	last, ok := session.LastEvent()
	require.True(t, ok)
	assert.Equal(t, progress.StageIOError, last.Stage)
	assert.True(t, last.IsError)

	out := logs.String()
	assert.Contains(t, out, `"level":"ERROR"`)
	assert.Contains(t, out, `"stored_file":"`)
	assert.Contains(t, out, `"code":"io_error"`)
}
