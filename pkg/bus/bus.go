// Package bus is the in-process broadcast fabric between engines. Fusion
// publishes fused events and anomalies, safety publishes warnings, dispatch
// and continuity publish operational notifications.
//
// Delivery is best-effort per subscriber: every subscriber owns a bounded
// buffer, a publish never blocks, and a subscriber that stays full for
// consecutive publishes is disconnected rather than allowed to back the
// system up. Publishers treat subscriber failure as partial failure: the
// publish itself succeeds.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Message is the envelope every topic carries.
type Message struct {
	Topic   string
	Time    time.Time
	Payload interface{}
}

// PublishResult reports fan-out effects of a single publish.
type PublishResult struct {
	Matched      int // subscribers whose topic filter matched
	Delivered    int
	Dropped      int // full buffers skipped this publish
	Disconnected int // subscribers removed for repeated full buffers
}

// Subscription is one subscriber's handle. Receive from C; call Close to
// detach. The channel closes when the subscriber is disconnected for
// falling behind or when the bus shuts down.
type Subscription struct {
	id      int
	ch      chan Message
	topics  map[string]struct{} // empty means all topics
	strikes int

	bus    *Bus
	closed bool
}

// C returns the receive channel.
func (s *Subscription) C() <-chan Message { return s.ch }

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.remove(s.id)
}

// Bus fans messages out to subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
	closed bool

	bufSize    int
	maxStrikes int
	clock      func() time.Time
	logger     *slog.Logger
}

// New builds a bus. bufSize is the per-subscriber buffer; maxStrikes is how
// many consecutive full-buffer publishes a subscriber survives before it is
// disconnected.
func New(bufSize, maxStrikes int, logger *slog.Logger) *Bus {
	if bufSize <= 0 {
		bufSize = 64
	}
	if maxStrikes <= 0 {
		maxStrikes = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:       make(map[int]*Subscription),
		bufSize:    bufSize,
		maxStrikes: maxStrikes,
		clock:      time.Now,
		logger:     logger,
	}
}

// WithClock overrides the message timestamp source. Tests drive this.
func (b *Bus) WithClock(clock func() time.Time) *Bus {
	b.clock = clock
	return b
}

// Subscribe registers a subscriber for the given topics; no topics means
// every topic.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		id:     b.nextID,
		ch:     make(chan Message, b.bufSize),
		topics: make(map[string]struct{}, len(topics)),
		bus:    b,
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}
	b.nextID++
	if b.closed {
		close(sub.ch)
		sub.closed = true
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers payload to every matching subscriber without blocking.
func (b *Bus) Publish(topic string, payload interface{}) PublishResult {
	msg := Message{Topic: topic, Time: b.clock(), Payload: payload}

	b.mu.Lock()
	defer b.mu.Unlock()

	var res PublishResult
	if b.closed {
		return res
	}

	for id, sub := range b.subs {
		if len(sub.topics) > 0 {
			if _, ok := sub.topics[topic]; !ok {
				continue
			}
		}
		res.Matched++

		select {
		case sub.ch <- msg:
			sub.strikes = 0
			res.Delivered++
		default:
			sub.strikes++
			res.Dropped++
			if sub.strikes >= b.maxStrikes {
				b.logger.Warn("bus: disconnecting slow subscriber",
					"subscriber", id, "topic", topic, "strikes", sub.strikes)
				delete(b.subs, id)
				close(sub.ch)
				sub.closed = true
				res.Disconnected++
			}
		}
	}
	return res
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
		sub.closed = true
	}
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
	sub.closed = true
}

// Len reports the current subscriber count.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
