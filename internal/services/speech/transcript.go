package speech

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrCancelled is carried by the terminal event of a cancelled subscription
var ErrCancelled = errors.New("speech recognition cancelled")

// Event is one step of a recognition stream. Revisions carry the full
// transcript so far; the last event has Done set.
type Event struct {
	Transcript string
	Done       bool
	Err        error
}

// Subscription is a stream of transcript revisions ending with exactly one
// terminal event. Publishing after the terminal event is a no-op.
type Subscription struct {
	mu     sync.Mutex
	events chan Event
	last   string
	closed bool
}

// NewSubscription creates a subscription with the given buffer size
func NewSubscription(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	return &Subscription{events: make(chan Event, buffer)}
}

// Events returns the receive side of the stream
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Publish records a new transcript revision. When the buffer is full the
// oldest unread revision is dropped; revisions carry the whole transcript.
func (s *Subscription) Publish(transcript string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.last = transcript
	s.sendLocked(Event{Transcript: transcript})
	return true
}

// Transcript returns the most recent revision
func (s *Subscription) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Finish ends the stream with the last revision as final transcript
func (s *Subscription) Finish() {
	s.terminate(nil)
}

// Cancel ends the stream with ErrCancelled
func (s *Subscription) Cancel() {
	s.terminate(ErrCancelled)
}

func (s *Subscription) terminate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.sendLocked(Event{Transcript: s.last, Done: true, Err: err})
	close(s.events)
}

// sendLocked never blocks. Only the subscription sends, so once a slot is
// freed under s.mu the send succeeds.
func (s *Subscription) sendLocked(ev Event) {
	for {
		select {
		case s.events <- ev:
			return
		default:
		}
		select {
		case <-s.events:
		default:
		}
	}
}

// Collect drains events until the terminal one and returns the final transcript, trimmed
func Collect(ctx context.Context, events <-chan Event) (string, error) {
	var last string
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return strings.TrimSpace(last), nil
			}
			if ev.Err != nil {
				return "", ev.Err
			}
			last = ev.Transcript
			if ev.Done {
				return strings.TrimSpace(last), nil
			}
		}
	}
}
