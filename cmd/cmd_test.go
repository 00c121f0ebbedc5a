package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/uprelay/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	resetFlags := func() {
		versionFormat, versionShort = "text", false
		configFormat, configStrict = "yaml", false
	}
	resetFlags()
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		resetFlags()
	})

	err := rootCmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".uprelay.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version", "--format", "json")
	require.NoError(t, err)

	var info map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Contains(t, info, "version")
	assert.Contains(t, info, "go_version")

	out, err = execute(t, "version", "--short")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "\n"))

	out, err = execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version: ")
	assert.Contains(t, out, "Platform: ")

	_, err = execute(t, "version", "--format", "xml")
	assert.Error(t, err)
}

func TestConfigShow(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9191
upload:
  root: /srv/uploads
progress:
  keep_alive: 5s
`)

	out, err := execute(t, "config", "show", "--config", path)
	require.NoError(t, err)

	var shown config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &shown))
	assert.Equal(t, 9191, shown.Server.Port)
	assert.Equal(t, "/srv/uploads", shown.Upload.Root)
	assert.Contains(t, out, "keep_alive: 5s")
	assert.Contains(t, out, "max_file_size: 52428800")

	out, err = execute(t, "config", "show", "--config", path, "--format", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"port": 9191`)
}

func TestConfigValidate(t *testing.T) {
	valid := writeConfig(t, `
upload:
  max_concurrent: 4
`)
	out, err := execute(t, "config", "validate", "--config", valid)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid.")

	invalid := writeConfig(t, `
log:
  format: xml
upload:
  buffer_size: 3
`)
	out, err = execute(t, "config", "validate", "--config", invalid)
	require.Error(t, err)
	assert.Contains(t, out, "error: log.format")
	assert.Contains(t, out, "error: upload.buffer_size")

	warned := writeConfig(t, `
progress:
  terminal_retention: 1h
`)
	_, err = execute(t, "config", "validate", "--config", warned)
	require.NoError(t, err)
	out, err = execute(t, "config", "validate", "--config", warned, "--strict")
	require.Error(t, err)
	assert.Contains(t, out, "warning: progress.terminal_retention")
}

func TestMissingConfigFile(t *testing.T) {
	_, err := execute(t, "config", "show", "--config", filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}

func TestLogLevelFlagValidation(t *testing.T) {
	_, err := execute(t, "version", "--log-level", "chatty")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown log level")
}

func TestValidatePort(t *testing.T) {
	for _, port := range []string{"0", "80", "65535"} {
		assert.NoError(t, ValidatePort(port), port)
	}
	for _, port := range []string{"-1", "65536", "http", ""} {
		assert.Error(t, ValidatePort(port), port)
	}
}

func TestNewLoggerAddsSourceOutsideProduction(t *testing.T) {
	cfg := config.Defaults()
	cfg.Log.Level = "debug"

	var buf bytes.Buffer
	newLogger(&cfg, &buf).Info(context.Background(), "listening")
	assert.Contains(t, buf.String(), "source=")
	assert.Contains(t, buf.String(), "cmd_test.go")

	cfg.Server.Environment = "production"
	buf.Reset()
	newLogger(&cfg, &buf).Info(context.Background(), "listening")
	assert.Contains(t, buf.String(), "msg=listening")
	assert.NotContains(t, buf.String(), "source=")
}
