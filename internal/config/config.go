// Package config provides configuration management for uprelay using Viper
// for loading from files, environment variables, and command-line flags.
//
// Environment variables use the UPRELAY_ prefix with dots replaced by
// underscores (UPRELAY_UPLOAD_MAX_FILE_SIZE, UPRELAY_SERVER_PORT, ...).
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/conneroisu/uprelay/internal/admission"
)

const (
	// EnvPrefix is the prefix for environment overrides.
	EnvPrefix = "UPRELAY"

	// DefaultConfigName is looked up in the working directory.
	DefaultConfigName = ".uprelay"

	// MaxConcurrentUploads caps the explicit slot override.
	MaxConcurrentUploads = 256

	// bodyOverhead covers multipart framing and the small fields.
	bodyOverhead = 1 << 20
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server" json:"server"`
	Upload   UploadConfig   `mapstructure:"upload" yaml:"upload" json:"upload"`
	Progress ProgressConfig `mapstructure:"progress" yaml:"progress" json:"progress"`
	Log      LogConfig      `mapstructure:"log" yaml:"log" json:"log"`
}

type ServerConfig struct {
	Host              string        `mapstructure:"host" yaml:"host" json:"host"`
	Port              int           `mapstructure:"port" yaml:"port" json:"port"`
	Environment       string        `mapstructure:"environment" yaml:"environment" json:"environment"`
	MaxConnections    int           `mapstructure:"max_connections" yaml:"max_connections" json:"max_connections"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins" yaml:"allowed_origins" json:"allowed_origins"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout" json:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

type UploadConfig struct {
	Root               string        `mapstructure:"root" yaml:"root" json:"root"`
	MaxFileSize        int64         `mapstructure:"max_file_size" yaml:"max_file_size" json:"max_file_size"`
	MaxBoundaryLength  int           `mapstructure:"max_boundary_length" yaml:"max_boundary_length" json:"max_boundary_length"`
	MaxFieldValueBytes int           `mapstructure:"max_field_value_bytes" yaml:"max_field_value_bytes" json:"max_field_value_bytes"`
	BufferSize         int           `mapstructure:"buffer_size" yaml:"buffer_size" json:"buffer_size"`
	MaxConcurrent      int           `mapstructure:"max_concurrent" yaml:"max_concurrent" json:"max_concurrent"`
	QueueTimeout       time.Duration `mapstructure:"queue_timeout" yaml:"queue_timeout" json:"queue_timeout"`
}

type ProgressConfig struct {
	ChannelCapacity   int           `mapstructure:"channel_capacity" yaml:"channel_capacity" json:"channel_capacity"`
	KeepAlive         time.Duration `mapstructure:"keep_alive" yaml:"keep_alive" json:"keep_alive"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval" json:"sweep_interval"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" json:"idle_timeout"`
	TerminalRetention time.Duration `mapstructure:"terminal_retention" yaml:"terminal_retention" json:"terminal_retention"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level"`
	Format string `mapstructure:"format" yaml:"format" json:"format"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:              "localhost",
			Port:              8080,
			Environment:       "development",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Upload: UploadConfig{
			Root:               "App_Data/uploads",
			MaxFileSize:        50 << 20,
			MaxBoundaryLength:  256,
			MaxFieldValueBytes: 128,
			BufferSize:         64 << 10,
			QueueTimeout:       admission.DefaultQueueTimeout,
		},
		Progress: ProgressConfig{
			ChannelCapacity:   256,
			KeepAlive:         15 * time.Second,
			SweepInterval:     30 * time.Second,
			IdleTimeout:       10 * time.Minute,
			TerminalRetention: 2 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// SetDefaults registers every default with v so environment overrides are
// visible to Unmarshal even when no config file sets the key.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.environment", d.Server.Environment)
	v.SetDefault("server.max_connections", d.Server.MaxConnections)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.read_header_timeout", d.Server.ReadHeaderTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("upload.root", d.Upload.Root)
	v.SetDefault("upload.max_file_size", d.Upload.MaxFileSize)
	v.SetDefault("upload.max_boundary_length", d.Upload.MaxBoundaryLength)
	v.SetDefault("upload.max_field_value_bytes", d.Upload.MaxFieldValueBytes)
	v.SetDefault("upload.buffer_size", d.Upload.BufferSize)
	v.SetDefault("upload.max_concurrent", d.Upload.MaxConcurrent)
	v.SetDefault("upload.queue_timeout", d.Upload.QueueTimeout)

	v.SetDefault("progress.channel_capacity", d.Progress.ChannelCapacity)
	v.SetDefault("progress.keep_alive", d.Progress.KeepAlive)
	v.SetDefault("progress.sweep_interval", d.Progress.SweepInterval)
	v.SetDefault("progress.idle_timeout", d.Progress.IdleTimeout)
	v.SetDefault("progress.terminal_retention", d.Progress.TerminalRetention)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// BindEnv makes UPRELAY_<SECTION>_<KEY> variables override file values.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// Load reads the configuration from the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads, defaults and validates the configuration held by v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	config, err := Decode(v)
	if err != nil {
		return nil, err
	}

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Decode reads and defaults the configuration held by v without
// validating it.
func Decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}

	applyDefaults(&config)

	return &config, nil
}

// applyDefaults fills in zero values that were not set anywhere.
func applyDefaults(config *Config) {
	d := Defaults()

	if config.Server.Host == "" {
		config.Server.Host = d.Server.Host
	}
	if config.Server.Environment == "" {
		config.Server.Environment = d.Server.Environment
	}
	if config.Server.ReadHeaderTimeout == 0 {
		config.Server.ReadHeaderTimeout = d.Server.ReadHeaderTimeout
	}
	if config.Server.ShutdownTimeout == 0 {
		config.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}

	if config.Upload.Root == "" {
		config.Upload.Root = d.Upload.Root
	}
	if config.Upload.MaxFileSize == 0 {
		config.Upload.MaxFileSize = d.Upload.MaxFileSize
	}
	if config.Upload.MaxBoundaryLength == 0 {
		config.Upload.MaxBoundaryLength = d.Upload.MaxBoundaryLength
	}
	if config.Upload.MaxFieldValueBytes == 0 {
		config.Upload.MaxFieldValueBytes = d.Upload.MaxFieldValueBytes
	}
	if config.Upload.BufferSize == 0 {
		config.Upload.BufferSize = d.Upload.BufferSize
	}
	if config.Upload.QueueTimeout == 0 {
		config.Upload.QueueTimeout = d.Upload.QueueTimeout
	}

	if config.Progress.ChannelCapacity == 0 {
		config.Progress.ChannelCapacity = d.Progress.ChannelCapacity
	}
	if config.Progress.KeepAlive == 0 {
		config.Progress.KeepAlive = d.Progress.KeepAlive
	}
	if config.Progress.SweepInterval == 0 {
		config.Progress.SweepInterval = d.Progress.SweepInterval
	}
	if config.Progress.IdleTimeout == 0 {
		config.Progress.IdleTimeout = d.Progress.IdleTimeout
	}
	if config.Progress.TerminalRetention == 0 {
		config.Progress.TerminalRetention = d.Progress.TerminalRetention
	}

	if config.Log.Level == "" {
		config.Log.Level = d.Log.Level
	}
	if config.Log.Format == "" {
		config.Log.Format = d.Log.Format
	}
}

// Address is the host:port the server listens on.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// MaxBodySize is the request body cap: the file limit plus framing overhead.
func (c *Config) MaxBodySize() int64 {
	return c.Upload.MaxFileSize + bodyOverhead
}

// ConcurrentUploads is the admission slot count. Zero sizes it from the
// CPU count.
func (c *Config) ConcurrentUploads() int {
	n := c.Upload.MaxConcurrent
	switch {
	case n <= 0:
		return admission.SlotsFor(runtime.NumCPU())
	case n > MaxConcurrentUploads:
		return MaxConcurrentUploads
	default:
		return n
	}
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}
