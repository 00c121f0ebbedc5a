// Package ingest streams multipart upload requests to the upload root while
// publishing progress for the upload id they carry.
//
// A request must carry exactly three sections in this order: the uploadId
// field, the fileSize field and the file. The file is copied in fixed-size
// chunks, hashed with SHA-256 and synced before completion is reported.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/conneroisu/uprelay/internal/admission"
	uperrors "github.com/conneroisu/uprelay/internal/errors"
	"github.com/conneroisu/uprelay/internal/logging"
	"github.com/conneroisu/uprelay/internal/monitoring"
	"github.com/conneroisu/uprelay/internal/progress"
	"github.com/conneroisu/uprelay/internal/storage"
)

const (
	// DefaultMaxFileSize is the largest accepted file.
	DefaultMaxFileSize int64 = 50 << 20
	// DefaultMaxBoundaryLength bounds the multipart boundary.
	DefaultMaxBoundaryLength = 256
	// DefaultMaxFieldValueBytes bounds the uploadId and fileSize values.
	DefaultMaxFieldValueBytes = 128

	// bodyOverhead is the allowance for multipart framing on top of the file.
	bodyOverhead int64 = 1 << 20

	// MaxPartHeaders bounds the header lines of one multipart section.
	MaxPartHeaders = 16
	// MaxPartHeaderBytes bounds the total header size of one section.
	MaxPartHeaderBytes = 16 << 10
)

// Config holds the request limits of the pipeline.
type Config struct {
	MaxFileSize        int64
	MaxBoundaryLength  int
	MaxFieldValueBytes int
	BufferSize         int
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		MaxFileSize:        DefaultMaxFileSize,
		MaxBoundaryLength:  DefaultMaxBoundaryLength,
		MaxFieldValueBytes: DefaultMaxFieldValueBytes,
		BufferSize:         DefaultBufferSize,
	}
}

// MaxBodySize is the largest accepted request body.
func (c Config) MaxBodySize() int64 {
	return c.MaxFileSize + bodyOverhead
}

// Result describes a stored upload. DigestHex is the SHA-256 of the file
// in lowercase hex.
type Result struct {
	UploadID         string    `json:"uploadId"`
	OriginalFileName string    `json:"originalFileName"`
	StoredFileName   string    `json:"storedFileName"`
	BytesProcessed   int64     `json:"bytesProcessed"`
	DigestHex        string    `json:"digestHex"`
	StartedAt        time.Time `json:"startedAt"`
	CompletedAt      time.Time `json:"completedAt"`
}

// Pipeline processes upload requests. It is safe for concurrent use.
type Pipeline struct {
	config    Config
	store     *storage.Store
	registry  *progress.Registry
	admission *admission.Controller
	metrics   *monitoring.UploadMetrics
	logger    logging.Logger
	buffers   *bufferPool
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(logger logging.Logger) Option {
	return func(p *Pipeline) { p.logger = logger.WithComponent("ingest") }
}

// WithMetrics records upload metrics.
func WithMetrics(metrics *monitoring.UploadMetrics) Option {
	return func(p *Pipeline) { p.metrics = metrics }
}

// New creates a pipeline storing files in store, publishing to registry and
// admitting uploads through controller. Zero limits take their defaults.
func New(
	config Config,
	store *storage.Store,
	registry *progress.Registry,
	controller *admission.Controller,
	opts ...Option,
) *Pipeline {
	def := DefaultConfig()
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = def.MaxFileSize
	}
	if config.MaxBoundaryLength <= 0 {
		config.MaxBoundaryLength = def.MaxBoundaryLength
	}
	if config.MaxFieldValueBytes <= 0 {
		config.MaxFieldValueBytes = def.MaxFieldValueBytes
	}
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}

	p := &Pipeline{
		config:    config,
		store:     store,
		registry:  registry,
		admission: controller,
		logger:    logging.NewNop(),
		buffers:   newBufferPool(config.BufferSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the effective limits.
func (p *Pipeline) Config() Config {
	return p.config
}

type state int

const (
	stateAwaitingUploadID state = iota
	stateAwaitingFileSize
	stateAwaitingFile
	stateStreaming
	stateCompleted
	stateFailed
)

// upload is the per-request state of one Process call.
type upload struct {
	p     *Pipeline
	ctx   context.Context
	state state

	uploadID   string
	registered bool
	slot       *admission.Slot

	declared    int64
	hasDeclared bool
	processed   int64
	lastPercent int

	storedName string
	startedAt  time.Time
}

// Process consumes one multipart upload request. contentLength is the
// declared body length, or -1 when unknown. Every returned error is an
// *errors.UploadError carrying the response code and HTTP status.
//
// Whatever the outcome, the admission slot and the upload id are released
// before Process returns, a partially written file is removed, and a
// failure of a request that claimed its upload id ends that id's session
// with a terminal error event.
func (p *Pipeline) Process(
	ctx context.Context,
	contentType string,
	contentLength int64,
	body io.Reader,
) (result *Result, err error) {
	u := &upload{
		p:         p,
		ctx:       ctx,
		state:     stateAwaitingUploadID,
		startedAt: p.registry.Now(),
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = uperrors.NewInternalError(fmt.Errorf("panic during upload: %v", r))
		}
		err = u.finish(err)
	}()

	return u.run(contentType, contentLength, body)
}

func (u *upload) run(contentType string, contentLength int64, body io.Reader) (*Result, error) {
	boundary, err := multipartBoundary(contentType, u.p.config.MaxBoundaryLength)
	if err != nil {
		return nil, err
	}
	if contentLength > u.p.config.MaxBodySize() {
		return nil, u.payloadTooLarge()
	}

	reader := multipart.NewReader(body, boundary)
	for {
		part, err := u.nextPart(reader)
		if err != nil {
			return nil, err
		}
		if part == nil {
			break
		}

		info, err := parseDisposition(part)
		if err != nil {
			return nil, err
		}

		if !info.isFile {
			if err := u.acceptField(info.name, part); err != nil {
				return nil, err
			}
			continue
		}

		original, err := u.acceptFile(info)
		if err != nil {
			return nil, err
		}
		result, err := u.streamFile(part, original)
		if err != nil {
			return nil, err
		}
		if err := u.expectEnd(reader); err != nil {
			return nil, err
		}
		u.complete(result)
		return result, nil
	}

	if u.state == stateAwaitingUploadID {
		return nil, uperrors.NewValidationError(uperrors.CodeMissingUploadID, "uploadId is required.")
	}
	return nil, uperrors.NewValidationError(uperrors.CodeInvalidFileCount, "Exactly one file is required.")
}

// nextPart returns the next section, or nil at the final boundary.
func (u *upload) nextPart(reader *multipart.Reader) (*multipart.Part, error) {
	if err := u.ctx.Err(); err != nil {
		return nil, uperrors.NewCancellationError(err)
	}
	part, err := reader.NextRawPart()
	// A wrapped io.EOF means the body ended before the final boundary.
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, u.readError(err, false)
	}
	if err := checkPartHeaders(part.Header); err != nil {
		return nil, err
	}
	return part, nil
}

// checkPartHeaders applies the section header limits. Each line is counted
// as "Key: value" plus CRLF.
func checkPartHeaders(header textproto.MIMEHeader) error {
	lines, size := 0, 0
	for key, values := range header {
		for _, value := range values {
			lines++
			size += len(key) + len(value) + 4
		}
	}
	if lines > MaxPartHeaders {
		return uperrors.NewValidationError(uperrors.CodeInvalidFormData,
			fmt.Sprintf("Multipart section has more than %d headers.", MaxPartHeaders))
	}
	if size > MaxPartHeaderBytes {
		return uperrors.NewValidationError(uperrors.CodeInvalidFormData,
			fmt.Sprintf("Multipart section headers exceed %d bytes.", MaxPartHeaderBytes))
	}
	return nil
}

func (u *upload) acceptField(name string, part *multipart.Part) error {
	switch name {
	case FieldUploadID:
		if u.state != stateAwaitingUploadID {
			return uperrors.NewValidationError(uperrors.CodeDuplicateUploadIDField,
				"uploadId can only be provided once.")
		}
		value, err := u.readValue(part)
		if err != nil {
			return err
		}
		return u.claim(value)

	case FieldFileSize:
		switch u.state {
		case stateAwaitingUploadID:
			return uperrors.NewValidationError(uperrors.CodeMissingUploadID,
				"uploadId must be provided before fileSize.")
		case stateAwaitingFile:
			return uperrors.NewValidationError(uperrors.CodeDuplicateFileSizeField,
				"fileSize can only be provided once.")
		}
		value, err := u.readValue(part)
		if err != nil {
			return err
		}
		size, err := ParseFileSize(value, u.p.config.MaxFileSize)
		if err != nil {
			return err
		}
		u.declared, u.hasDeclared = size, true
		u.state = stateAwaitingFile
		return nil

	default:
		return uperrors.NewValidationError(uperrors.CodeUnexpectedField,
			fmt.Sprintf("Unexpected multipart field '%s'.", name))
	}
}

// claim registers the upload id and waits for an admission slot.
func (u *upload) claim(uploadID string) error {
	if !ValidUploadID(uploadID) {
		return ErrInvalidUploadID()
	}
	u.uploadID = uploadID
	u.startedAt = u.p.registry.Now()

	if !u.p.admission.Register(uploadID) {
		return uperrors.NewAdmissionError(uperrors.CodeDuplicateUploadID,
			"An upload with this uploadId is already in progress.", http.StatusConflict)
	}
	u.registered = true

	slot, err := u.p.admission.Acquire(u.ctx)
	if err != nil {
		if errors.Is(err, admission.ErrServerBusy) {
			return uperrors.NewAdmissionError(uperrors.CodeServerBusy,
				"Upload queue is full. Please retry.", http.StatusServiceUnavailable)
		}
		return uperrors.NewCancellationError(err)
	}
	u.slot = slot
	u.state = stateAwaitingFileSize
	return nil
}

func (u *upload) readValue(part io.Reader) (string, error) {
	limit := u.p.config.MaxFieldValueBytes
	data, err := io.ReadAll(io.LimitReader(part, int64(limit)+1))
	if err != nil {
		return "", u.readError(err, false)
	}
	if len(data) > limit {
		return "", uperrors.NewValidationError(uperrors.CodeInvalidFormData,
			fmt.Sprintf("Form field exceeds %d bytes.", limit))
	}
	return strings.TrimSpace(string(data)), nil
}

// acceptFile checks that a file section may start now and returns its
// sanitized original name.
func (u *upload) acceptFile(info partInfo) (string, error) {
	if info.name != FieldFile {
		return "", uperrors.NewValidationError(uperrors.CodeUnexpectedField,
			"Only multipart field 'file' is allowed for file content.")
	}
	switch u.state {
	case stateAwaitingUploadID:
		return "", uperrors.NewValidationError(uperrors.CodeMissingUploadID,
			"uploadId must be provided before file content.")
	case stateAwaitingFileSize:
		return "", uperrors.NewValidationError(uperrors.CodeMissingFileSize,
			"fileSize must be provided before file content.")
	}

	original := storage.SanitizeFileName(info.fileName)
	if original == "" {
		return "", uperrors.NewValidationError(uperrors.CodeInvalidFileName,
			"A valid file name is required.")
	}
	return original, nil
}

func (u *upload) streamFile(part io.Reader, original string) (*Result, error) {
	name := storage.StoredFileName(u.p.registry.Now(), u.uploadID, original)
	file, err := u.p.store.Create(name)
	if err != nil {
		return nil, ioFailure(err).WithContext("stored_file", name)
	}
	u.storedName = name
	defer file.Close()

	u.state = stateStreaming
	u.p.metrics.UploadStarted()
	u.publish(0, progress.StageStarted,
		progress.WithMessage("Server started processing."),
		progress.WithBytes(0),
		progress.WithTotal(u.declared))

	stopCopy := u.p.metrics.StartCopy()
	digest := sha256.New()
	bufp := u.p.buffers.Get()
	defer u.p.buffers.Put(bufp)
	buf := *bufp

	for {
		if err := u.ctx.Err(); err != nil {
			return nil, uperrors.NewCancellationError(err)
		}
		n, readErr := part.Read(buf)
		if n > 0 {
			if err := u.consume(file, digest, buf[:n]); err != nil {
				return nil, err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, u.readError(readErr, true)
		}
	}
	stopCopy()

	if u.processed == 0 {
		return nil, uperrors.NewValidationError(uperrors.CodeEmptyFile, "Empty files are not allowed.")
	}
	if u.processed != u.declared {
		return nil, uperrors.NewValidationError(uperrors.CodeInvalidFileSize,
			"Uploaded bytes do not match declared fileSize.")
	}
	if err := file.Sync(); err != nil {
		return nil, ioFailure(err)
	}
	if err := file.Close(); err != nil {
		return nil, ioFailure(err)
	}

	return &Result{
		UploadID:         u.uploadID,
		OriginalFileName: original,
		StoredFileName:   name,
		BytesProcessed:   u.processed,
		DigestHex:        hex.EncodeToString(digest.Sum(nil)),
		StartedAt:        u.startedAt,
	}, nil
}

// consume checks and writes one chunk. Limits are enforced before the
// chunk touches the disk.
func (u *upload) consume(file *os.File, digest hash.Hash, chunk []byte) error {
	next := u.processed + int64(len(chunk))
	if next > u.p.config.MaxFileSize {
		return uperrors.NewTooLargeError(uperrors.CodeFileTooLarge,
			fmt.Sprintf("File exceeded %d bytes while streaming.", u.p.config.MaxFileSize))
	}
	if next > u.declared {
		return uperrors.NewValidationError(uperrors.CodeInvalidFileSize,
			"Uploaded bytes exceed declared fileSize.")
	}

	if _, err := file.Write(chunk); err != nil {
		return ioFailure(err)
	}
	digest.Write(chunk)
	u.processed = next

	if percent := progress.Percent(next, u.declared); percent != u.lastPercent {
		u.lastPercent = percent
		u.publish(percent, progress.StageProgress,
			progress.WithBytes(next),
			progress.WithTotal(u.declared))
	}
	return nil
}

// expectEnd requires the file to be the last section.
func (u *upload) expectEnd(reader *multipart.Reader) error {
	part, err := u.nextPart(reader)
	if err != nil || part == nil {
		return err
	}
	info, err := parseDisposition(part)
	if err != nil {
		return err
	}
	if info.isFile {
		return uperrors.NewValidationError(uperrors.CodeInvalidFileCount, "Exactly one file is required.")
	}
	return uperrors.NewValidationError(uperrors.CodeUnexpectedField,
		"Only uploadId, fileSize, and one file are allowed.")
}

func (u *upload) complete(result *Result) {
	result.CompletedAt = u.p.registry.Now()
	u.state = stateCompleted

	u.publish(100, progress.StageCompleted,
		progress.WithMessage("Upload completed successfully."),
		progress.Completed(),
		progress.WithBytes(u.processed),
		progress.WithTotal(u.declared))

	u.p.metrics.UploadCompleted(u.processed, result.CompletedAt.Sub(result.StartedAt))
	u.p.logger.Info(u.ctx, "Upload completed",
		"upload_id", u.uploadID,
		"stored_file", result.StoredFileName,
		"bytes", u.processed,
		"sha256", result.DigestHex)
}

// finish runs on every exit of Process.
func (u *upload) finish(err error) error {
	defer func() {
		u.slot.Release()
		if u.registered {
			u.p.admission.Unregister(u.uploadID)
		}
	}()

	if err == nil {
		return nil
	}

	ue := uperrors.As(err)
	u.state = stateFailed

	if u.storedName != "" {
		if rmErr := u.p.store.Remove(u.storedName); rmErr != nil {
			u.p.logger.Warn(u.ctx, rmErr, "Failed to delete partial upload file",
				"upload_id", u.uploadID,
				"stored_file", u.storedName)
		}
	}

	if u.registered {
		opts := []progress.Option{
			progress.WithMessage(ue.Message),
			progress.Failed(),
			progress.WithBytes(u.processed),
		}
		if u.hasDeclared {
			opts = append(opts, progress.WithTotal(u.declared))
		}
		u.publish(u.lastPercent, failureStage(ue), opts...)
	}

	u.p.metrics.UploadFailed(ue.Code)
	u.logFailure(ue)
	return ue
}

func (u *upload) logFailure(ue *uperrors.UploadError) {
	fields := []interface{}{
		"upload_id", u.uploadID,
		"code", ue.Code,
		"status", ue.Status,
		"bytes_processed", u.processed,
	}

	keys := make([]string, 0, len(ue.Context))
	for k := range ue.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, k, ue.Context[k])
	}

	switch {
	case uperrors.IsCancellation(ue):
		u.p.logger.Info(u.ctx, "Upload aborted by client", fields...)
	case uperrors.IsIO(ue), ue.Type == uperrors.ErrorTypeInternal:
		u.p.logger.Error(u.ctx, ue, "Upload failed", fields...)
	default:
		u.p.logger.Warn(u.ctx, ue, "Upload rejected", fields...)
	}
}

func (u *upload) publish(percent int, stage progress.Stage, opts ...progress.Option) {
	u.p.registry.Publish(progress.NewEvent(u.uploadID, percent, stage, u.p.registry.Now(), opts...))
}

// readError classifies a failure to read the request body. A body that
// ends in the middle of the file is treated as a client abort.
func (u *upload) readError(err error, streaming bool) error {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return u.payloadTooLarge()
	case u.ctx.Err() != nil:
		return uperrors.NewCancellationError(u.ctx.Err())
	case streaming && errors.Is(err, io.ErrUnexpectedEOF):
		return uperrors.NewCancellationError(err)
	default:
		return uperrors.NewValidationError(uperrors.CodeInvalidFormData,
			"Malformed multipart body.").WithCause(err)
	}
}

func (u *upload) payloadTooLarge() error {
	return uperrors.NewTooLargeError(uperrors.CodePayloadTooLarge,
		fmt.Sprintf("Request exceeds %d bytes.", u.p.config.MaxBodySize()))
}

func ioFailure(err error) *uperrors.UploadError {
	return uperrors.NewIOError("I/O failure while storing upload.", err)
}

// failureStage maps an error to the stage of the terminal event. Only
// requests that registered their upload id publish one, so a duplicate id
// never reaches here.
func failureStage(ue *uperrors.UploadError) progress.Stage {
	switch {
	case uperrors.IsValidation(ue):
		return progress.StageValidationFailed
	case uperrors.HasCode(ue, uperrors.CodeServerBusy):
		return progress.StageServerBusy
	case uperrors.IsCancellation(ue):
		return progress.StageAborted
	case uperrors.IsIO(ue):
		return progress.StageIOError
	default:
		return progress.StageError
	}
}
