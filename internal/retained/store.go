// Package retained implements the RetainedStore contract (spec §4.2): at
// most one retained message per concrete topic, wildcard lookup via the
// topic trie, delete-on-empty-payload semantics.
package retained

import (
	"sync"

	"github.com/monstermq/broker/internal/message"
	"github.com/monstermq/broker/internal/topic"
)

// Store is the RetainedStore capability. Concrete backends (memory, SQL)
// implement it; callers never see which.
type Store interface {
	// StoreMessage replaces (or, for an empty payload, deletes) the
	// retained entry for msg.Topic.
	StoreMessage(msg message.Message) error
	// Get returns the retained message for an exact topic, if any.
	Get(topicName string) (message.Message, bool, error)
	// Matching streams every retained message whose topic matches filter.
	Matching(filter string) ([]message.Message, error)
	// Count returns the number of retained entries (diagnostics).
	Count() (int, error)
}

// Memory is the in-memory RetainedStore, sufficient for small deployments
// and for tests (spec §4.2: "In-memory is permitted").
type Memory struct {
	mu      sync.RWMutex
	entries map[string]message.Message
	tree    *topic.Tree[string] // indexes concrete topics for wildcard lookup
}

var _ Store = (*Memory)(nil)

// NewMemory constructs an empty in-memory retained store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]message.Message),
		tree:    topic.New[string](),
	}
}

func (m *Memory) StoreMessage(msg message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(msg.Payload) == 0 {
		if _, ok := m.entries[msg.Topic]; ok {
			delete(m.entries, msg.Topic)
			m.tree.Remove(msg.Topic, msg.Topic)
		}
		return nil
	}

	if _, existed := m.entries[msg.Topic]; !existed {
		m.tree.Add(msg.Topic, msg.Topic)
	}
	m.entries[msg.Topic] = msg
	return nil
}

func (m *Memory) Get(topicName string) (message.Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.entries[topicName]
	return msg, ok, nil
}

func (m *Memory) Matching(filter string) ([]message.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	topics := m.tree.MatchFilter(filter)
	out := make([]message.Message, 0, len(topics))
	for _, t := range topics {
		if msg, ok := m.entries[t]; ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *Memory) Count() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}
