// Package broker is the in-process publish/subscribe hub that feeds live
// event streams. Delivery is best effort while subscribed: events published
// before a subscription exists are never seen by it.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/kalambet/drinkwatch/internal/metrics"
)

var (
	// ErrUnknownSubscription is returned by Unsubscribe for a handle that is
	// not (or no longer) registered.
	ErrUnknownSubscription = errors.New("unknown subscription")

	// ErrSubscriptionClosed is returned by Next once the subscription has been removed.
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// Event is one message delivered to subscribers. Name is the stream event
// type ("" for the default message type) and ID an optional event id.
type Event struct {
	Name string `json:"event,omitempty"`
	Data string `json:"data"`
	ID   string `json:"id,omitempty"`
}

// Mirror receives a copy of every published event after local delivery.
// Implementations must not block.
type Mirror interface {
	Mirror(ev Event, target uuid.UUID)
}

// Broker fans events out to subscribers. The zero value is not usable; call New.
type Broker struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64

	mirror Mirror
	logger *slog.Logger
}

// Option configures a Broker.
type Option func(*Broker)

// WithMirror forwards every published event to m.
func WithMirror(m Mirror) Option {
	return func(b *Broker) { b.mirror = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

func New(opts ...Option) *Broker {
	b := &Broker{
		subs:   make(map[uint64]*Subscription),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new subscriber. A zero target (uuid.Nil) makes it a
// broadcast subscriber that sees every event; otherwise it only sees events
// published untargeted or to the same target.
func (b *Broker) Subscribe(target uuid.UUID) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		target: target,
		ready:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	b.subs[sub.id] = sub
	metrics.BrokerSubscribers.Set(float64(len(b.subs)))

	b.logger.Debug("broker subscription added", "subscription", sub.id, "target", targetAttr(target))
	return sub
}

// Publish delivers ev to every subscriber that matches target. A subscriber
// matches when its own target is unset, when target is uuid.Nil, or when the
// two are equal. Publish never blocks on slow subscribers.
func (b *Broker) Publish(ev Event, target uuid.UUID) {
	b.mu.RLock()
	delivered := 0
	for _, sub := range b.subs {
		if !sub.matches(target) {
			continue
		}
		if sub.push(ev) {
			delivered++
		}
	}
	b.mu.RUnlock()

	scope := "broadcast"
	if target != uuid.Nil {
		scope = "targeted"
	}
	metrics.BrokerEventsPublished.WithLabelValues(eventLabel(ev.Name), scope).Inc()
	b.logger.Debug("broker event published", "event", ev.Name, "target", targetAttr(target), "delivered", delivered)

	if b.mirror != nil {
		b.mirror.Mirror(ev, target)
	}
}

// Broadcast is Publish without a target.
func (b *Broker) Broadcast(ev Event) {
	b.Publish(ev, uuid.Nil)
}

// Unsubscribe removes sub and wakes any goroutine blocked in sub.Next.
// A second call for the same handle returns ErrUnknownSubscription.
func (b *Broker) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return ErrUnknownSubscription
	}

	b.mu.Lock()
	if cur, ok := b.subs[sub.id]; !ok || cur != sub {
		b.mu.Unlock()
		return ErrUnknownSubscription
	}
	delete(b.subs, sub.id)
	metrics.BrokerSubscribers.Set(float64(len(b.subs)))
	b.mu.Unlock()

	sub.close()
	b.logger.Debug("broker subscription removed", "subscription", sub.id)
	return nil
}

// Len returns the number of live subscriptions.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Subscription is one subscriber's ordered, unbounded queue of events.
type Subscription struct {
	id     uint64
	target uuid.UUID

	mu     sync.Mutex
	queue  []Event
	closed bool

	ready chan struct{} // signalled (cap 1) when queue goes non-empty
	done  chan struct{} // closed on unsubscribe
}

func (s *Subscription) ID() uint64 { return s.id }

// Target returns the subscription's target filter, uuid.Nil for broadcast subscribers.
func (s *Subscription) Target() uuid.UUID { return s.target }

// Done is closed once the subscription has been removed from its broker.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Next blocks until an event is queued, ctx is done or the subscription is
// removed. Queued events are returned in publish order.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		if ev, ok := s.TryNext(); ok {
			return ev, nil
		}

		select {
		case <-s.ready:
		case <-s.done:
			return Event{}, ErrSubscriptionClosed
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// TryNext pops the oldest queued event without blocking.
func (s *Subscription) TryNext() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return Event{}, false
	}
	ev := s.queue[0]
	s.queue[0] = Event{}
	s.queue = s.queue[1:]
	return ev, true
}

// Pending returns the number of queued, undelivered events.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription) matches(target uuid.UUID) bool {
	return s.target == uuid.Nil || target == uuid.Nil || s.target == target
}

func (s *Subscription) push(ev Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
}

func targetAttr(target uuid.UUID) string {
	if target == uuid.Nil {
		return "*"
	}
	return target.String()
}

func eventLabel(name string) string {
	if name == "" {
		return "message"
	}
	return name
}
