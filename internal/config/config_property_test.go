//go:build property
// +build property

package config

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestConfigurationProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	// Property: defaults always validate
	properties.Property("default config validity", prop.ForAll(
		func() bool {
			config := Defaults()
			return Validate(&config) == nil
		},
	))

	// Property: only ports in 0-65535 are accepted
	properties.Property("port validation", prop.ForAll(
		func(port int) bool {
			config := Defaults()
			config.Server.Port = port
			err := Validate(&config)
			if port >= 0 && port <= 65535 {
				return err == nil
			}
			return err != nil
		},
		gen.IntRange(-1000, 70000),
	))

	// Property: plain hostnames validate
	properties.Property("hostname validation", prop.ForAll(
		func(host string) bool {
			config := Defaults()
			config.Server.Host = host
			return Validate(&config) == nil
		},
		gen.RegexMatch(`^[a-zA-Z0-9.-]{1,40}$`),
	))

	// Property: the explicit slot override is clamped to [1, MaxConcurrentUploads]
	properties.Property("concurrent uploads bounded", prop.ForAll(
		func(n int) bool {
			config := Defaults()
			config.Upload.MaxConcurrent = n
			slots := config.ConcurrentUploads()
			return slots >= 1 && slots <= MaxConcurrentUploads
		},
		gen.IntRange(-10, 10*MaxConcurrentUploads),
	))

	// Property: the body cap always exceeds the file cap
	properties.Property("body cap covers file cap", prop.ForAll(
		func(size int64) bool {
			config := Defaults()
			config.Upload.MaxFileSize = size
			return config.MaxBodySize() > config.Upload.MaxFileSize
		},
		gen.Int64Range(1, 1<<40),
	))

	// Property: non-positive durations are rejected
	properties.Property("durations must be positive", prop.ForAll(
		func(seconds int64) bool {
			config := Defaults()
			config.Progress.KeepAlive = time.Duration(seconds) * time.Second
			err := Validate(&config)
			if seconds > 0 {
				return err == nil
			}
			return err != nil
		},
		gen.Int64Range(-60, 60),
	))

	properties.TestingRun(t)
}
