package progress

import "sync"

// DefaultCapacity is the number of events a session buffers.
const DefaultCapacity = 256

// Channel is a bounded multi-writer, multi-reader event ring. A full ring
// evicts its oldest event to admit a new one, so publishers never block.
type Channel struct {
	mu     sync.Mutex
	buf    []Event
	head   uint64 // sequence of the oldest retained event
	next   uint64 // sequence the next published event receives
	closed bool
	notify chan struct{} // closed and replaced on every publish or close
}

// NewChannel creates a channel holding at most capacity events.
func NewChannel(capacity int) *Channel {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Channel{
		buf:    make([]Event, capacity),
		notify: make(chan struct{}),
	}
}

// Publish appends ev, evicting the oldest event when full. It returns false
// when the channel has been closed; the event is then discarded.
func (c *Channel) Publish(ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	c.buf[c.next%uint64(len(c.buf))] = ev
	c.next++
	if c.next-c.head > uint64(len(c.buf)) {
		c.head = c.next - uint64(len(c.buf))
	}
	c.wakeLocked()
	return true
}

// Close stops the channel accepting events. Buffered events stay readable.
// Close is idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.wakeLocked()
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Len returns the number of retained events.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.next - c.head)
}

// Cap returns the channel capacity.
func (c *Channel) Cap() int {
	return len(c.buf)
}

func (c *Channel) wakeLocked() {
	close(c.notify)
	c.notify = make(chan struct{})
}

// Subscribe returns a cursor positioned at the oldest retained event.
func (c *Channel) Subscribe() *Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Cursor{ch: c, next: c.head}
}

// Cursor is one reader's position in a Channel. A Cursor is not safe for
// concurrent use; each subscriber owns its own.
type Cursor struct {
	ch      *Channel
	next    uint64
	dropped uint64
}

// TryRead returns the next event without blocking.
func (r *Cursor) TryRead() (Event, bool) {
	c := r.ch
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.next < c.head {
		r.dropped += c.head - r.next
		r.next = c.head
	}
	if r.next >= c.next {
		return Event{}, false
	}

	ev := c.buf[r.next%uint64(len(c.buf))]
	r.next++
	return ev, true
}

// Ready returns a channel that is closed once an event is available to this
// cursor or the Channel is closed. If either already holds, the returned
// channel is closed.
func (r *Cursor) Ready() <-chan struct{} {
	c := r.ch
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.next < c.next || c.closed {
		return closedSignal
	}
	return c.notify
}

// Drained reports whether the channel is closed and this cursor has read
// everything retained.
func (r *Cursor) Drained() bool {
	c := r.ch
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed && r.next >= c.next
}

// Dropped returns how many events were evicted before this cursor read them.
func (r *Cursor) Dropped() uint64 {
	return r.dropped
}

var closedSignal = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
