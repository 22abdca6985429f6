package broker

import (
	"context"
	"sync"
	"sync/atomic"
)

// Subscriber is one observer's event queue.
type Subscriber struct {
	ID string

	mu          sync.Mutex // serializes offer and close
	ch          chan Event
	closed      bool
	overflow    int
	maxOverflow int
	dropped     atomic.Uint64
}

// Events exposes the queue for use in select statements. The channel is
// closed when the subscriber is.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Next waits for the next event. It returns ErrClosed once the subscriber
// is closed and its queue drained, or ctx's error.
func (s *Subscriber) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return nil, ErrClosed
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

// offer enqueues ev, discarding the oldest queued event when the queue is
// full. alive is false when the subscriber has been full for maxOverflow
// publishes in a row, or is already closed.
func (s *Subscriber) offer(ev Event) (dropped, alive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, false
	}

	select {
	case s.ch <- ev:
		s.overflow = 0
		return false, true
	default:
	}

	// Producers are serialized by mu and the consumer only removes, so the
	// send below cannot block.
	select {
	case <-s.ch:
	default:
	}
	s.ch <- ev
	s.dropped.Add(1)
	s.overflow++

	return true, s.overflow < s.maxOverflow
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
