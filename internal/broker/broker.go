// Package broker fans lifecycle events out to live observers.
//
// Every subscriber owns a bounded queue. Publishing never blocks: when a
// queue is full its oldest event is discarded to make room, and a
// subscriber that stays full for too long is closed and removed.
package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrClosed is returned by Subscriber.Next once the subscriber was
// unsubscribed, reaped or the broker was closed, and by Publish after
// Close.
var ErrClosed = errors.New("broker: closed")

const defaultBuffer = 64

// Observer is told about subscriber churn and event traffic.
type Observer interface {
	SubscriberAdded()
	SubscriberRemoved()
	EventPublished(name string)
	EventDropped()
}

type nopObserver struct{}

func (nopObserver) SubscriberAdded()      {}
func (nopObserver) SubscriberRemoved()    {}
func (nopObserver) EventPublished(string) {}
func (nopObserver) EventDropped()         {}

// Option configures a Broker.
type Option func(*Broker)

// WithBuffer sets the queue capacity of each subscriber.
func WithBuffer(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithMaxOverflow sets how many publishes in a row may find a subscriber's
// queue full before the subscriber is dropped. Defaults to four times the
// buffer.
func WithMaxOverflow(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.maxOverflow = n
		}
	}
}

// WithObserver reports broker activity to o.
func WithObserver(o Observer) Option {
	return func(b *Broker) {
		if o != nil {
			b.observer = o
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.log = l
		}
	}
}

// Broker is a publish/subscribe hub. The zero value is not usable; call New.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]*Subscriber
	closed bool

	buffer      int
	maxOverflow int
	observer    Observer
	log         *zap.Logger
}

// New creates a broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		subs:     make(map[string]*Subscriber),
		buffer:   defaultBuffer,
		observer: nopObserver{},
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.maxOverflow == 0 {
		b.maxOverflow = b.buffer * 4
	}
	return b
}

// Subscribe registers a new subscriber. After Close the returned
// subscriber is already closed.
func (b *Broker) Subscribe() *Subscriber {
	s := &Subscriber{
		ID:          uuid.NewString(),
		ch:          make(chan Event, b.buffer),
		maxOverflow: b.maxOverflow,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		s.close()
		return s
	}
	b.subs[s.ID] = s
	b.observer.SubscriberAdded()
	b.log.Debug("subscriber attached", zap.String("subscriber", s.ID), zap.Int("subscribers", len(b.subs)))
	return s
}

// Unsubscribe removes s and discards its queue. It is safe to call more
// than once.
func (b *Broker) Unsubscribe(s *Subscriber) {
	if s == nil {
		return
	}

	b.mu.Lock()
	_, ok := b.subs[s.ID]
	if ok {
		delete(b.subs, s.ID)
	}
	n := len(b.subs)
	b.mu.Unlock()

	s.close()
	if ok {
		b.observer.SubscriberRemoved()
		b.log.Debug("subscriber detached", zap.String("subscriber", s.ID), zap.Int("subscribers", n))
	}
}

// Publish delivers ev to every subscriber without waiting for any of them.
func (b *Broker) Publish(ev Event) error {
	var dead []*Subscriber

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	for _, s := range b.subs {
		dropped, alive := s.offer(ev.clone())
		if dropped {
			b.observer.EventDropped()
		}
		if !alive {
			dead = append(dead, s)
		}
	}
	b.mu.RUnlock()

	b.observer.EventPublished(ev.Name())

	for _, s := range dead {
		b.log.Warn("dropping unresponsive subscriber",
			zap.String("subscriber", s.ID),
			zap.Uint64("dropped_events", s.Dropped()))
		b.Unsubscribe(s)
	}
	return nil
}

// Len returns the number of registered subscribers.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// RunPinger publishes a Ping every interval until ctx is done or the
// broker is closed.
func (b *Broker) RunPinger(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := b.Publish(Ping{}); err != nil {
				return nil
			}
		}
	}
}

// Close detaches every subscriber. Later publishes fail with ErrClosed.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*Subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
		b.observer.SubscriberRemoved()
	}
	b.log.Debug("broker closed", zap.Int("subscribers", len(subs)))
}
