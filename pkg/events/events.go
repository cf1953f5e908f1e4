package events

import (
	"sync"
)

// Type identifies a worker lifecycle event
type Type string

const (
	// TypeOnline fires exactly once, when the child signals it began executing.
	TypeOnline Type = "online"

	// TypeMessage carries one inter-process message from the child.
	TypeMessage Type = "message"

	// TypeExit is the terminal event of a normally exiting worker.
	TypeExit Type = "exit"

	// TypeError is the terminal event of a faulted or disconnected worker.
	TypeError Type = "error"
)

// Event is one occurrence in a worker's life. Data is set for message
// events, Code for exit events, and Err for error events.
type Event struct {
	Type Type
	Data []byte
	Code int
	Err  error
}

// Subscriber receives the ordered event stream of one worker handle
type Subscriber struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// C returns the subscriber's event channel. The channel is closed after the
// terminal event has been delivered or the subscription is cancelled.
func (s *Subscriber) C() <-chan Event {
	return s.ch
}

func (s *Subscriber) cancel() {
	s.once.Do(func() { close(s.done) })
}

// Broker distributes one worker's lifecycle events to its subscribers.
//
// Delivery is ordered and lossless: Publish blocks until every subscriber
// has taken the event (or unsubscribed), so a slow consumer throttles the
// producer instead of dropping events. A handle has exactly one publishing
// goroutine, which keeps the per-subscriber order identical to the order
// events arrived from the node.
//
// The broker also keeps the full event history, and a new subscription
// replays it before live delivery. A caller that subscribes after the
// worker came online (or even after it exited) still observes the complete
// ordered sequence, so there is no race between spawning a worker and
// attaching a listener to it.
type Broker struct {
	mu      sync.Mutex
	subs    map[*Subscriber]struct{}
	history []Event
	closed  bool
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subs: make(map[*Subscriber]struct{}),
	}
}

// Subscribe creates a new subscription. Events published before the call
// are replayed into the channel first; if the broker is already closed the
// channel holds the full history and is closed.
func (b *Broker) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ch:   make(chan Event, len(b.history)+16),
		done: make(chan struct{}),
	}
	for _, ev := range b.history {
		sub.ch <- ev
	}

	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// while a Publish is blocked on this subscriber.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	sub.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish records an event and delivers it to all current subscribers,
// blocking on each until it is taken or the subscriber cancels. The lock is
// held across delivery; Unsubscribe signals done before acquiring it, so a
// publisher blocked on a departing subscriber always unblocks. Publish
// after Close is dropped and does not enter the history.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.history = append(b.history, ev)
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		}
	}
}

// Close closes all subscriber channels. Publish calls after Close are
// dropped. Called once, after the terminal event has been published.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.cancel()
		close(sub.ch)
		delete(b.subs, sub)
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
