// Package admission bounds the number of uploads streaming at once and
// keeps the set of upload ids currently in flight.
package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	// MinSlots and MaxSlots bound the automatically sized slot pool.
	MinSlots = 2
	MaxSlots = 16

	// DefaultQueueTimeout is how long an upload waits for a slot.
	DefaultQueueTimeout = 20 * time.Second
)

// ErrServerBusy is returned when no slot freed up within the queue timeout.
var ErrServerBusy = errors.New("admission: upload queue is full")

// SlotsFor sizes the slot pool from the available parallelism.
func SlotsFor(parallelism int) int {
	switch {
	case parallelism < MinSlots:
		return MinSlots
	case parallelism > MaxSlots:
		return MaxSlots
	default:
		return parallelism
	}
}

// Controller is the global upload admission gate.
type Controller struct {
	sem          *semaphore.Weighted
	capacity     int64
	queueTimeout time.Duration
	inUse        atomic.Int64
	active       sync.Map // upload id -> struct{}
	activeCount  atomic.Int64
}

// NewController creates a controller with the given number of slots.
func NewController(slots int, queueTimeout time.Duration) *Controller {
	if slots < 1 {
		slots = MinSlots
	}
	if queueTimeout <= 0 {
		queueTimeout = DefaultQueueTimeout
	}
	return &Controller{
		sem:          semaphore.NewWeighted(int64(slots)),
		capacity:     int64(slots),
		queueTimeout: queueTimeout,
	}
}

// Slot is one acquired unit of upload concurrency.
type Slot struct {
	once    sync.Once
	release func()
}

// Release returns the slot to the pool. Extra calls are ignored.
func (s *Slot) Release() {
	if s == nil {
		return
	}
	s.once.Do(s.release)
}

// Acquire waits up to the queue timeout for a free slot. It returns
// ErrServerBusy on timeout and ctx.Err() when ctx is canceled first.
func (c *Controller) Acquire(ctx context.Context) (*Slot, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.queueTimeout)
	defer cancel()

	if err := c.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrServerBusy
	}

	c.inUse.Add(1)
	return &Slot{release: func() {
		c.inUse.Add(-1)
		c.sem.Release(1)
	}}, nil
}

// Register marks uploadID as in flight. It returns false when another
// request already holds it.
func (c *Controller) Register(uploadID string) bool {
	if _, loaded := c.active.LoadOrStore(uploadID, struct{}{}); loaded {
		return false
	}
	c.activeCount.Add(1)
	return true
}

// Unregister releases uploadID.
func (c *Controller) Unregister(uploadID string) {
	if _, loaded := c.active.LoadAndDelete(uploadID); loaded {
		c.activeCount.Add(-1)
	}
}

// IsActive reports whether uploadID is in flight.
func (c *Controller) IsActive(uploadID string) bool {
	_, ok := c.active.Load(uploadID)
	return ok
}

// Stats is a point-in-time view of the controller.
type Stats struct {
	Capacity      int64 `json:"capacity"`
	InUse         int64 `json:"in_use"`
	ActiveUploads int64 `json:"active_uploads"`
}

// Stats returns the current slot usage.
func (c *Controller) Stats() Stats {
	return Stats{
		Capacity:      c.capacity,
		InUse:         c.inUse.Load(),
		ActiveUploads: c.activeCount.Load(),
	}
}
