package progress

import (
	"context"
	"time"
)

// Sink receives the events streamed to one subscriber.
type Sink interface {
	Send(ctx context.Context, ev Event) error
	KeepAlive(ctx context.Context) error
}

// Follow streams session events to sink until a terminal event has been
// delivered, the session's channel is closed and drained, or ctx is done.
// A subscriber of an already terminal session gets the retained terminal
// event and nothing else. Cancellation of ctx is not reported as an error.
func Follow(ctx context.Context, session *Session, keepAlive time.Duration, sink Sink) error {
	if session.IsTerminal() {
		if ev, ok := session.LastEvent(); ok {
			return ignoreCanceled(ctx, sink.Send(ctx, ev))
		}
	}

	cursor := session.Channel().Subscribe()

	var (
		lastSent Event
		sentAny  bool
	)

	timer := time.NewTimer(keepAlive)
	defer timer.Stop()

	for {
		for {
			ev, ok := cursor.TryRead()
			if !ok {
				break
			}
			if err := sink.Send(ctx, ev); err != nil {
				return ignoreCanceled(ctx, err)
			}
			lastSent, sentAny = ev, true
			if ev.Terminal() {
				return nil
			}
		}

		if session.IsTerminal() {
			final, ok := session.LastEvent()
			if ok && (!sentAny || final.Seq != lastSent.Seq) {
				return ignoreCanceled(ctx, sink.Send(ctx, final))
			}
			return nil
		}

		if cursor.Drained() {
			return nil
		}

		resetTimer(timer, keepAlive)

		select {
		case <-ctx.Done():
			return nil
		case <-cursor.Ready():
		case <-timer.C:
			if err := sink.KeepAlive(ctx); err != nil {
				return ignoreCanceled(ctx, err)
			}
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func ignoreCanceled(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
