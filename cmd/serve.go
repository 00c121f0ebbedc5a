package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conneroisu/uprelay/internal/server"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Start the upload relay server",
	Long: `Start the HTTP server that accepts uploads and streams their progress.

Routes:
  POST /api/uploads/process                  multipart upload (uploadId, fileSize, file)
  GET  /api/uploads/progress/{uploadId}      progress as server-sent events
  GET  /api/uploads/progress/{uploadId}/ws   progress over a WebSocket
  GET  /health                               health report
  GET  /api/metrics                          metrics snapshot

Examples:
  uprelay serve                              # Serve on localhost:8080
  uprelay serve --host 0.0.0.0 --port 9000   # Listen on all interfaces
  uprelay serve --upload-root /srv/uploads   # Store files elsewhere`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8080, "Port to serve on")
	serveCmd.Flags().String("host", "localhost", "Host to bind to")
	serveCmd.Flags().String("upload-root", "App_Data/uploads", "Directory uploaded files are stored in")

	AddFlagValidation(serveCmd.Flags(), "port", ValidatePort)
	AddFlagValidation(serveCmd.Flags(), "upload-root", ValidateNotEmpty)
	mustBindFlags(serveCmd.Flags(), map[string]string{
		"port":        "server.port",
		"host":        "server.host",
		"upload-root": "upload.root",
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := newLogger(cfg, cmd.ErrOrStderr())

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	served := make(chan error, 1)
	go func() { served <- srv.Start(ctx) }()

	fmt.Fprintf(cmd.OutOrStdout(), "Starting uprelay at http://%s\n", cfg.Address())

	select {
	case err := <-served:
		if err != nil {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "Signal received, draining uploads",
		"timeout", cfg.Server.ShutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	shutdownErr := srv.Shutdown(shutdownCtx)
	if err := <-served; err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if shutdownErr != nil {
		return fmt.Errorf("shutdown: %w", shutdownErr)
	}
	return nil
}
