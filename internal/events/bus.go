// Package events carries comparison state changes between the store, the
// chat controller and bridge clients, and optionally between daemons that
// share one Redis instance.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// EventType identifies a state change.
type EventType int

const (
	EventSelectionChanged EventType = iota + 1
	EventSessionChanged
	EventMinimizedChanged
	EventCleared
	EventIdentityReset
)

var typeNames = map[EventType]string{
	EventSelectionChanged: "selection_changed",
	EventSessionChanged:   "session_changed",
	EventMinimizedChanged: "minimized_changed",
	EventCleared:          "cleared",
	EventIdentityReset:    "identity_reset",
}

func (t EventType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("event(%d)", int(t))
}

func (t EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *EventType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for k, v := range typeNames {
		if v == s {
			*t = k
			return nil
		}
	}
	return fmt.Errorf("unknown event type %q", s)
}

// Event is one published state change. Fields not relevant to Type are
// left zero.
type Event struct {
	Type       EventType `json:"type"`
	TabID      string    `json:"tab_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	ProductIDs []string  `json:"product_ids,omitempty"`
	Minimized  bool      `json:"minimized,omitempty"`
	Origin     string    `json:"origin,omitempty"`
	At         time.Time `json:"at"`

	// Remote is set on events received from another daemon.
	Remote bool `json:"-"`
}

// Handler receives events. Handlers run on the publisher's goroutine and
// must not block.
type Handler func(Event)

// Bus is a typed publish/subscribe channel.
type Bus interface {
	Publish(ctx context.Context, e Event) error
	Subscribe(h Handler) (unsubscribe func())
	Close() error
}

// Memory is an in-process Bus. Events are delivered synchronously, in
// publish order, to every handler registered at publish time.
type Memory struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]Handler
}

func NewMemory() *Memory {
	return &Memory{handlers: make(map[int]Handler)}
}

func (m *Memory) Publish(_ context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	m.deliver(e)
	return nil
}

func (m *Memory) deliver(e Event) {
	m.mu.RLock()
	hs := make([]Handler, 0, len(m.handlers))
	// registration order
	for id := 0; id < m.next; id++ {
		if h, ok := m.handlers[id]; ok {
			hs = append(hs, h)
		}
	}
	m.mu.RUnlock()

	for _, h := range hs {
		h(e)
	}
}

func (m *Memory) Subscribe(h Handler) func() {
	m.mu.Lock()
	id := m.next
	m.next++
	m.handlers[id] = h
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.handlers, id)
			m.mu.Unlock()
		})
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.handlers = make(map[int]Handler)
	m.mu.Unlock()
	return nil
}
