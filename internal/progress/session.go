package progress

import (
	"sync"
	"sync/atomic"
	"time"
)

// Session tracks one upload's event stream and terminal state.
type Session struct {
	id      string
	channel *Channel

	lastTouched atomic.Int64 // unix nanoseconds
	terminal    atomic.Bool

	mu      sync.RWMutex
	last    Event
	hasLast bool
	seq     uint64
}

func newSession(id string, capacity int, now time.Time) *Session {
	s := &Session{
		id:      id,
		channel: NewChannel(capacity),
	}
	s.Touch(now)
	return s
}

// ID returns the upload id.
func (s *Session) ID() string { return s.id }

// Channel returns the session's event ring.
func (s *Session) Channel() *Channel { return s.channel }

// Touch records activity at t.
func (s *Session) Touch(t time.Time) {
	s.lastTouched.Store(t.UnixNano())
}

// LastTouched returns the time of the most recent activity.
func (s *Session) LastTouched() time.Time {
	return time.Unix(0, s.lastTouched.Load())
}

// IsTerminal reports whether a terminal event was recorded. Once true it
// stays true.
func (s *Session) IsTerminal() bool {
	return s.terminal.Load()
}

// LastEvent returns the retained event, if any.
func (s *Session) LastEvent() (Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.hasLast
}

// Record stores ev as the current event and returns it with its sequence
// number assigned. After the session turned terminal only terminal events
// replace the retained one; ok is false when ev was not accepted as current.
func (s *Session) Record(ev Event) (recorded Event, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Touch(ev.Timestamp)

	if s.terminal.Load() && !ev.Terminal() {
		return ev, false
	}

	s.seq++
	ev.Seq = s.seq
	s.last = ev
	s.hasLast = true

	if ev.Terminal() {
		s.terminal.Store(true)
	}
	return ev, true
}

// Publish records ev and enqueues it for subscribers. Events published
// after the channel closed are still recorded so late subscribers can read
// them from LastEvent.
func (s *Session) Publish(ev Event) {
	recorded, ok := s.Record(ev)
	if !ok {
		return
	}
	s.channel.Publish(recorded)
}
