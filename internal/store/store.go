// Package store holds captured messages in memory.
package store

import (
	"container/list"
	"errors"
	"fmt"
	"sync"

	"github.com/shineum/mailcatcher-lite/internal/email"
)

var (
	ErrNotFound    = errors.New("message not found")
	ErrDuplicateID = errors.New("message id already stored")
	ErrClosed      = errors.New("store closed")
)

// Store is the repository the SMTP and web layers share.
type Store interface {
	// Insert stores msg under its pre-assigned id. It fails when a stored
	// message already has that id. Ids come from email.NewID, which never
	// repeats within a process, so a removed id does not come back.
	Insert(msg *email.Message) error
	Get(id string) (*email.Message, error)
	// List returns a snapshot of every stored message summary.
	List() []email.Summary
	Remove(id string) (*email.Message, error)
	// Clear removes everything and returns the removed ids in list order.
	Clear() []string
	Len() int
}

// Order selects the listing order.
type Order int

const (
	OldestFirst Order = iota
	NewestFirst
)

// Option configures a Memory store.
type Option func(*Memory)

// WithOrder sets the order List returns summaries in.
func WithOrder(o Order) Option {
	return func(m *Memory) { m.order = o }
}

// Memory is a Store backed by a map and an insertion-ordered list.
// Readers share the lock; mutations take it exclusively and never do
// anything slower than pointer updates while holding it.
type Memory struct {
	mu      sync.RWMutex
	byID    map[string]*list.Element // value is *email.Message
	order   Order
	entries *list.List
	closed  bool
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty store.
func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		byID:    make(map[string]*list.Element),
		entries: list.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Insert(msg *email.Message) error {
	if msg == nil || msg.ID == "" {
		return errors.New("message without id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, ok := m.byID[msg.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, msg.ID)
	}
	m.byID[msg.ID] = m.entries.PushBack(msg)
	return nil
}

func (m *Memory) Get(id string) (*email.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	el, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return el.Value.(*email.Message), nil
}

func (m *Memory) List() []email.Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]email.Summary, 0, len(m.byID))
	if m.order == NewestFirst {
		for el := m.entries.Back(); el != nil; el = el.Prev() {
			out = append(out, el.Value.(*email.Message).Summary())
		}
		return out
	}
	for el := m.entries.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*email.Message).Summary())
	}
	return out
}

func (m *Memory) Remove(id string) (*email.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.byID, id)
	return m.entries.Remove(el).(*email.Message), nil
}

func (m *Memory) Clear() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.clearLocked()
}

func (m *Memory) clearLocked() []string {
	ids := make([]string, 0, len(m.byID))
	if m.order == NewestFirst {
		for el := m.entries.Back(); el != nil; el = el.Prev() {
			ids = append(ids, el.Value.(*email.Message).ID)
		}
	} else {
		for el := m.entries.Front(); el != nil; el = el.Next() {
			ids = append(ids, el.Value.(*email.Message).ID)
		}
	}
	m.entries.Init()
	m.byID = make(map[string]*list.Element)
	return ids
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Close discards every message. Later inserts fail; reads see an empty
// store.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clearLocked()
	m.closed = true
}
