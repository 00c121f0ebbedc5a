package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Limits enforced by validation.
const (
	MaxBoundaryLengthLimit  = 1024
	MinFieldValueBytes      = 32
	MinBufferSize           = 1 << 10
	MaxBufferSize           = 8 << 20
	MaxChannelCapacityLimit = 1 << 16
)

// ValidationError is a single configuration problem.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (ve *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ve.Field, ve.Message)
}

// ValidationResult holds the result of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// HasErrors returns true if there are any validation errors.
func (vr *ValidationResult) HasErrors() bool {
	return len(vr.Errors) > 0
}

// Err joins the validation errors, or returns nil.
func (vr *ValidationResult) Err() error {
	if !vr.HasErrors() {
		return nil
	}
	errs := make([]error, len(vr.Errors))
	for i := range vr.Errors {
		errs[i] = &vr.Errors[i]
	}
	return errors.Join(errs...)
}

// String formats every issue one per line.
func (vr *ValidationResult) String() string {
	var b strings.Builder
	for _, e := range vr.Errors {
		fmt.Fprintf(&b, "error: %s: %s\n", e.Field, e.Message)
	}
	for _, w := range vr.Warnings {
		fmt.Fprintf(&b, "warning: %s: %s\n", w.Field, w.Message)
	}
	return b.String()
}

func (vr *ValidationResult) addError(field string, value interface{}, format string, args ...interface{}) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: fmt.Sprintf(format, args...)})
}

func (vr *ValidationResult) addWarning(field string, value interface{}, format string, args ...interface{}) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: fmt.Sprintf(format, args...)})
}

// Validate returns the joined validation errors for config, if any.
func Validate(config *Config) error {
	return Check(config).Err()
}

// Check validates config and reports errors and warnings.
func Check(config *Config) *ValidationResult {
	result := &ValidationResult{}
	checkServer(&config.Server, result)
	checkUpload(&config.Upload, result)
	checkProgress(&config.Progress, result)
	checkLog(&config.Log, result)
	return result
}

func checkServer(s *ServerConfig, result *ValidationResult) {
	// Port 0 asks the kernel for a free port.
	if s.Port < 0 || s.Port > 65535 {
		result.addError("server.port", s.Port, "port %d is not in valid range 0-65535", s.Port)
	}
	if strings.ContainsAny(s.Host, " \t\r\n;&|$`<>\"'\\/") {
		result.addError("server.host", s.Host, "host contains invalid characters")
	}
	if s.MaxConnections < 0 {
		result.addError("server.max_connections", s.MaxConnections, "must not be negative")
	}
	if s.ReadHeaderTimeout < 0 {
		result.addError("server.read_header_timeout", s.ReadHeaderTimeout, "must not be negative")
	}
	if s.ShutdownTimeout < 0 {
		result.addError("server.shutdown_timeout", s.ShutdownTimeout, "must not be negative")
	}
	switch s.Environment {
	case "development", "production", "test":
	default:
		result.addError("server.environment", s.Environment, "unknown environment %q", s.Environment)
	}
	for _, origin := range s.AllowedOrigins {
		if strings.TrimSpace(origin) == "" {
			result.addError("server.allowed_origins", s.AllowedOrigins, "empty origin pattern")
		}
	}
	if s.Environment == "production" && (s.Host == "localhost" || s.Host == "127.0.0.1") {
		result.addWarning("server.host", s.Host, "production server only listens on loopback")
	}
}

func checkUpload(u *UploadConfig, result *ValidationResult) {
	if u.Root == "" {
		result.addError("upload.root", u.Root, "upload root is required")
	} else if strings.ContainsRune(u.Root, 0) {
		result.addError("upload.root", u.Root, "upload root contains a NUL byte")
	} else if !filepath.IsAbs(u.Root) && strings.HasPrefix(filepath.Clean(u.Root), "..") {
		result.addWarning("upload.root", u.Root, "upload root is outside the working directory")
	}
	if u.MaxFileSize <= 0 {
		result.addError("upload.max_file_size", u.MaxFileSize, "must be positive")
	}
	if u.MaxBoundaryLength < 1 || u.MaxBoundaryLength > MaxBoundaryLengthLimit {
		result.addError("upload.max_boundary_length", u.MaxBoundaryLength,
			"must be between 1 and %d", MaxBoundaryLengthLimit)
	}
	if u.MaxFieldValueBytes < MinFieldValueBytes {
		result.addError("upload.max_field_value_bytes", u.MaxFieldValueBytes,
			"must be at least %d to hold an upload id", MinFieldValueBytes)
	}
	if u.BufferSize < MinBufferSize || u.BufferSize > MaxBufferSize {
		result.addError("upload.buffer_size", u.BufferSize,
			"must be between %d and %d", MinBufferSize, MaxBufferSize)
	}
	if u.MaxConcurrent < 0 {
		result.addError("upload.max_concurrent", u.MaxConcurrent, "must not be negative")
	} else if u.MaxConcurrent > MaxConcurrentUploads {
		result.addWarning("upload.max_concurrent", u.MaxConcurrent, "capped at %d", MaxConcurrentUploads)
	}
	if u.QueueTimeout <= 0 {
		result.addError("upload.queue_timeout", u.QueueTimeout, "must be positive")
	}
}

func checkProgress(p *ProgressConfig, result *ValidationResult) {
	if p.ChannelCapacity < 1 || p.ChannelCapacity > MaxChannelCapacityLimit {
		result.addError("progress.channel_capacity", p.ChannelCapacity,
			"must be between 1 and %d", MaxChannelCapacityLimit)
	}
	if p.KeepAlive <= 0 {
		result.addError("progress.keep_alive", p.KeepAlive, "must be positive")
	}
	if p.SweepInterval <= 0 {
		result.addError("progress.sweep_interval", p.SweepInterval, "must be positive")
	}
	if p.IdleTimeout <= 0 {
		result.addError("progress.idle_timeout", p.IdleTimeout, "must be positive")
	}
	if p.TerminalRetention <= 0 {
		result.addError("progress.terminal_retention", p.TerminalRetention, "must be positive")
	}
	if p.TerminalRetention > 0 && p.IdleTimeout > 0 && p.TerminalRetention > p.IdleTimeout {
		result.addWarning("progress.terminal_retention", p.TerminalRetention,
			"finished sessions outlive idle ones")
	}
}

func checkLog(l *LogConfig, result *ValidationResult) {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		result.addError("log.level", l.Level, "unknown log level %q", l.Level)
	}
	switch l.Format {
	case "text", "json":
	default:
		result.addError("log.format", l.Format, "format must be text or json")
	}
}
