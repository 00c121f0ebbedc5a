// Package server exposes the upload pipeline and progress streams over
// HTTP and owns the lifecycle of the background workers they share.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/conneroisu/uprelay/internal/admission"
	"github.com/conneroisu/uprelay/internal/config"
	"github.com/conneroisu/uprelay/internal/ingest"
	"github.com/conneroisu/uprelay/internal/logging"
	"github.com/conneroisu/uprelay/internal/monitoring"
	"github.com/conneroisu/uprelay/internal/progress"
	"github.com/conneroisu/uprelay/internal/storage"
	"github.com/conneroisu/uprelay/internal/version"
)

const (
	// MetricsPrefix prefixes every exported metric name.
	MetricsPrefix = "uprelay"

	streamWriteTimeout = 10 * time.Second
	goroutineLimit     = 10000
)

// Server is the upload relay HTTP server.
type Server struct {
	config    *config.Config
	logger    logging.Logger
	store     *storage.Store
	inventory *storage.Inventory
	registry  *progress.Registry
	admission *admission.Controller
	pipeline  *ingest.Pipeline
	metrics   *monitoring.UploadMetrics
	health    *monitoring.HealthMonitor

	httpServer *http.Server

	// streams ends open progress streams on shutdown; uploads are left to
	// drain until the shutdown deadline.
	streams       context.Context
	cancelStreams context.CancelFunc
	// base parents every request context. It is cancelled when the
	// shutdown deadline passes with uploads still running.
	base       context.Context
	cancelBase context.CancelFunc
	uploads    uploadTracker

	cancelWorkers context.CancelFunc
	workersMutex  sync.Mutex
	shutdownOnce  sync.Once
}

// New wires the storage, registry, admission and ingest components
// described by cfg.
func New(cfg *config.Config, logger logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	store, err := storage.NewStore(cfg.Upload.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare upload root: %w", err)
	}

	inventory, err := storage.NewInventory(store.Root(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage inventory: %w", err)
	}

	metrics := monitoring.NewUploadMetrics(monitoring.NewMetricsCollector(MetricsPrefix))

	registry := progress.NewRegistry(progress.RegistryConfig{
		Capacity:          cfg.Progress.ChannelCapacity,
		SweepInterval:     cfg.Progress.SweepInterval,
		IdleTimeout:       cfg.Progress.IdleTimeout,
		TerminalRetention: cfg.Progress.TerminalRetention,
	},
		progress.WithLogger(logger),
		progress.WithSweepHook(metrics.SessionsSwept),
	)

	controller := admission.NewController(cfg.ConcurrentUploads(), cfg.Upload.QueueTimeout)

	pipeline := ingest.New(ingest.Config{
		MaxFileSize:        cfg.Upload.MaxFileSize,
		MaxBoundaryLength:  cfg.Upload.MaxBoundaryLength,
		MaxFieldValueBytes: cfg.Upload.MaxFieldValueBytes,
		BufferSize:         cfg.Upload.BufferSize,
	}, store, registry, controller,
		ingest.WithLogger(logger),
		ingest.WithMetrics(metrics),
	)

	streams, cancelStreams := context.WithCancel(context.Background())
	base, cancelBase := context.WithCancel(context.Background())

	s := &Server{
		config:        cfg,
		logger:        logger.WithComponent("server"),
		store:         store,
		inventory:     inventory,
		registry:      registry,
		admission:     controller,
		pipeline:      pipeline,
		metrics:       metrics,
		streams:       streams,
		cancelStreams: cancelStreams,
		base:          base,
		cancelBase:    cancelBase,
	}
	s.health = s.newHealthMonitor(logger)

	s.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	s.httpServer.RegisterOnShutdown(cancelStreams)

	return s, nil
}

func (s *Server) newHealthMonitor(logger logging.Logger) *monitoring.HealthMonitor {
	hm := monitoring.NewHealthMonitor(logger, version.GetShortVersion())
	hm.RegisterCheck(monitoring.FileSystemHealthChecker(s.store.Root()))
	hm.RegisterCheck(monitoring.GoroutineHealthChecker(goroutineLimit))
	hm.RegisterDetail("sessions", func() interface{} { return s.registry.Len() })
	hm.RegisterDetail("admission", func() interface{} { return s.admission.Stats() })
	hm.RegisterDetail("storage", func() interface{} { return s.inventory.Stats() })
	return hm
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/uploads/process", s.handleProcess)
	mux.HandleFunc("GET /api/uploads/progress/{uploadId}", s.handleProgress)
	mux.HandleFunc("GET /api/uploads/progress/{uploadId}/ws", s.handleProgressWebSocket)
	mux.HandleFunc("GET /health", s.health.HTTPHandler())
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)

	return chain(mux,
		requestID,
		accessLog(s.logger, s.metrics),
		recoverPanics(s.logger),
	)
}

// Metrics returns the server's metrics recorder.
func (s *Server) Metrics() *monitoring.UploadMetrics {
	return s.metrics
}

// Registry returns the progress session registry.
func (s *Server) Registry() *progress.Registry {
	return s.registry
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve starts the session janitor and the storage inventory and serves
// HTTP on ln until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if limit := s.config.Server.MaxConnections; limit > 0 {
		ln = netutil.LimitListener(ln, limit)
	}

	workers, cancel := context.WithCancel(ctx)
	s.workersMutex.Lock()
	s.cancelWorkers = cancel
	s.workersMutex.Unlock()

	go s.registry.Run(workers)
	s.inventory.Start(workers)

	s.logger.Info(ctx, "Upload relay listening",
		"addr", ln.Addr().String(),
		"upload_root", s.store.Root(),
		"slots", s.admission.Stats().Capacity,
	)

	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("server error: %w", err)
}

// Shutdown ends open progress streams and waits for in-flight uploads
// until ctx is done. Uploads still running then are aborted, and Shutdown
// returns only after each has removed its partial file and published its
// terminal event. The background workers stop last.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.logger.Info(ctx, "Shutting down server")

		s.cancelStreams()
		shutdownErr = s.httpServer.Shutdown(ctx)
		if shutdownErr != nil {
			s.logger.Warn(ctx, shutdownErr, "Aborting uploads still in flight",
				"uploads", s.uploads.Len())
			s.cancelBase()
			if err := s.httpServer.Close(); err != nil {
				s.logger.Warn(ctx, err, "Failed to close connections")
			}
		}
		s.uploads.CloseAndWait()
		s.cancelBase()

		s.workersMutex.Lock()
		if s.cancelWorkers != nil {
			s.cancelWorkers()
		}
		s.workersMutex.Unlock()

		if err := s.inventory.Stop(); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
	})

	return shutdownErr
}

// uploadTracker counts running upload handlers so shutdown can wait for
// their cleanup after the HTTP server gave up on them.
type uploadTracker struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	n      int
	closed bool
}

// Begin registers an upload. It returns false once CloseAndWait was called.
func (t *uploadTracker) Begin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.n++
	t.wg.Add(1)
	return true
}

// Done marks an upload registered by Begin as finished.
func (t *uploadTracker) Done() {
	t.mu.Lock()
	t.n--
	t.mu.Unlock()
	t.wg.Done()
}

// Len returns the number of running uploads.
func (t *uploadTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

// CloseAndWait refuses new uploads and waits for the running ones.
func (t *uploadTracker) CloseAndWait() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.wg.Wait()
}
