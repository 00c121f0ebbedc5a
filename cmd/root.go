// Package cmd provides the uprelay command-line interface.
//
// Configuration is resolved from, highest priority first: command-line
// flags, UPRELAY_<SECTION>_<KEY> environment variables, and the config
// file named by --config, by UPRELAY_CONFIG_FILE, or .uprelay.yml in the
// working directory.
package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/uprelay/internal/config"
	"github.com/conneroisu/uprelay/internal/logging"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "uprelay",
	Short: "Upload relay with live progress streaming",
	Long: `uprelay accepts multipart file uploads, stores them on disk and streams
per-upload progress to subscribers over server-sent events or WebSockets.

Quick Start:
  uprelay serve                  Start the relay on localhost:8080
  uprelay config show            Print the effective configuration
  uprelay version                Show build information`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is .uprelay.yml, can also use UPRELAY_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")

	AddFlagValidation(rootCmd.PersistentFlags(), "log-level", ValidateLogLevel)
	mustBindFlags(rootCmd.PersistentFlags(), map[string]string{
		"log-level": "log.level",
	})
}

// initConfig resolves the config file and environment bindings. A missing
// default file is not an error; an explicitly named one that cannot be read
// is reported when the configuration is loaded.
func initConfig() {
	v := viper.GetViper()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("UPRELAY_CONFIG_FILE"); envConfigFile != "" {
		v.SetConfigFile(envConfigFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName(config.DefaultConfigName)
	}

	config.SetDefaults(v)
	config.BindEnv(v)

	configReadErr = nil
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			configReadErr = fmt.Errorf("reading %s: %w", v.ConfigFileUsed(), err)
		}
	}
}

var configReadErr error

// loadConfig returns the validated configuration for a command.
func loadConfig() (*config.Config, error) {
	if configReadErr != nil {
		return nil, configReadErr
	}
	return config.Load()
}

// newLogger builds the process logger for cfg, writing to w.
func newLogger(cfg *config.Config, w io.Writer) logging.Logger {
	return logging.NewLogger(&logging.LoggerConfig{
		Level:     logging.ParseLevel(cfg.Log.Level),
		Format:    strings.ToLower(cfg.Log.Format),
		Output:    w,
		AddSource: strings.EqualFold(cfg.Log.Level, "debug") && !cfg.IsProduction(),
	})
}
