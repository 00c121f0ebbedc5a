package progress

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conneroisu/uprelay/internal/logging"
)

// RegistryConfig controls session buffering and expiry.
type RegistryConfig struct {
	Capacity          int
	SweepInterval     time.Duration
	IdleTimeout       time.Duration
	TerminalRetention time.Duration
}

// DefaultRegistryConfig returns the production defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Capacity:          DefaultCapacity,
		SweepInterval:     30 * time.Second,
		IdleTimeout:       10 * time.Minute,
		TerminalRetention: 2 * time.Minute,
	}
}

// Registry maps upload ids to sessions. It is safe for concurrent use.
type Registry struct {
	sessions  sync.Map // string -> *Session
	config    RegistryConfig
	lastSweep atomic.Int64 // unix nanoseconds
	now       func() time.Time
	logger    logging.Logger
	onSweep   func(removed int)
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the registry logger.
func WithLogger(logger logging.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger.WithComponent("progress") }
}

// WithSweepHook registers a callback invoked after each sweep that removed
// sessions.
func WithSweepHook(fn func(removed int)) RegistryOption {
	return func(r *Registry) { r.onSweep = fn }
}

// NewRegistry creates an empty registry.
func NewRegistry(config RegistryConfig, opts ...RegistryOption) *Registry {
	def := DefaultRegistryConfig()
	if config.Capacity <= 0 {
		config.Capacity = def.Capacity
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = def.SweepInterval
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	if config.TerminalRetention <= 0 {
		config.TerminalRetention = def.TerminalRetention
	}

	r := &Registry{
		config: config,
		now:    time.Now,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.lastSweep.Store(r.now().UnixNano())
	return r
}

// Now returns the registry's current time.
func (r *Registry) Now() time.Time {
	return r.now()
}

// GetOrCreate returns the session for uploadID, creating it if needed, and
// marks it as active.
func (r *Registry) GetOrCreate(uploadID string) *Session {
	now := r.now()
	r.Sweep(now)

	if existing, ok := r.sessions.Load(uploadID); ok {
		s := existing.(*Session)
		s.Touch(now)
		return s
	}

	actual, _ := r.sessions.LoadOrStore(uploadID, newSession(uploadID, r.config.Capacity, now))
	s := actual.(*Session)
	s.Touch(now)
	return s
}

// Lookup returns the session for uploadID without creating one.
func (r *Registry) Lookup(uploadID string) (*Session, bool) {
	v, ok := r.sessions.Load(uploadID)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Publish records ev on its upload's session. A publish racing a sweep may
// recreate the session; the new session simply holds the stray event.
func (r *Registry) Publish(ev Event) {
	r.GetOrCreate(ev.UploadID).Publish(ev)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	n := 0
	r.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Sweep removes expired sessions. It does nothing unless SweepInterval has
// elapsed since the previous sweep, and only one of several concurrent
// callers wins the right to sweep. It returns the number of sessions removed.
func (r *Registry) Sweep(now time.Time) int {
	previous := r.lastSweep.Load()
	if now.UnixNano()-previous < int64(r.config.SweepInterval) {
		return 0
	}
	if !r.lastSweep.CompareAndSwap(previous, now.UnixNano()) {
		return 0
	}

	removed := 0
	r.sessions.Range(func(key, value any) bool {
		s := value.(*Session)
		ttl := r.config.IdleTimeout
		if s.IsTerminal() {
			ttl = r.config.TerminalRetention
		}
		if now.Sub(s.LastTouched()) <= ttl {
			return true
		}
		if r.sessions.CompareAndDelete(key, s) {
			s.channel.Close()
			removed++
		}
		return true
	})

	if removed > 0 {
		r.logger.Debug(context.Background(), "Swept expired sessions", "removed", removed)
		if r.onSweep != nil {
			r.onSweep(removed)
		}
	}
	return removed
}

// Run sweeps on every SweepInterval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}
