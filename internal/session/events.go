package session

import (
	"sync"

	"rdv-chat/internal/chat"
)

type EventKind int

const (
	// EventMessage carries a new_message push.
	EventMessage EventKind = iota + 1
	// EventServerError carries the text of an error push.
	EventServerError
	// EventParseError reports a dropped frame that could not be decoded.
	EventParseError
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventServerError:
		return "server_error"
	case EventParseError:
		return "parse_error"
	}
	return "unknown"
}

// Event is one decoded inbound frame.
type Event struct {
	Kind    EventKind
	Message chat.Message
	Text    string
}

// Subscription is one consumer's view of the inbound stream. Events are
// queued without bound and delivered in receipt order; the channel closes
// after Disconnect once the backlog is drained, or right away on Close.
type Subscription struct {
	session *Session
	out     chan Event
	wake    chan struct{}
	done    chan struct{}

	mu    sync.Mutex
	queue []Event
	ended bool

	closeOnce sync.Once
}

func newSubscription(s *Session) *Subscription {
	sub := &Subscription{
		session: s,
		out:     make(chan Event),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go sub.pump()
	return sub
}

// Events returns the receive side of the stream.
func (sub *Subscription) Events() <-chan Event {
	return sub.out
}

// Close detaches the subscription and drops anything still queued.
func (sub *Subscription) Close() {
	sub.closeOnce.Do(func() {
		sub.session.removeSubscription(sub)
		close(sub.done)
	})
}

func (sub *Subscription) push(ev Event) {
	sub.mu.Lock()
	if sub.ended {
		sub.mu.Unlock()
		return
	}
	sub.queue = append(sub.queue, ev)
	sub.mu.Unlock()
	sub.signal()
}

// end lets the pump drain the backlog and then close the channel.
func (sub *Subscription) end() {
	sub.mu.Lock()
	sub.ended = true
	sub.mu.Unlock()
	sub.signal()
}

func (sub *Subscription) signal() {
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *Subscription) pump() {
	defer close(sub.out)

	for {
		sub.mu.Lock()
		if len(sub.queue) == 0 {
			ended := sub.ended
			sub.mu.Unlock()
			if ended {
				return
			}
			select {
			case <-sub.wake:
				continue
			case <-sub.done:
				return
			}
		}
		ev := sub.queue[0]
		sub.queue[0] = Event{}
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		select {
		case sub.out <- ev:
		case <-sub.done:
			return
		}
	}
}

// Events is Subscribe for consumers that only need the channel and a way to
// stop listening.
func (s *Session) Events() (<-chan Event, func()) {
	sub := s.Subscribe()
	return sub.Events(), sub.Close
}
