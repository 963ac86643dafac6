// Package session implements the SessionStore contract (spec §4.3):
// persisted per-client subscription set, will, and a bounded offline
// message queue. This is distinct from the live, in-memory ClientSession
// state machine in internal/client — SessionStore is what survives a
// client being offline or a broker restart.
package session

import (
	"sync"

	"github.com/monstermq/broker/internal/message"
)

// SubChange describes one subscription add/remove to persist.
type SubChange struct {
	Filter  string
	QoS     message.QoS
	Removed bool
}

// Attach reports whether a prior (non-clean) session existed.
type Attach struct {
	Present bool
}

// Store is the SessionStore capability (spec §4.3). All methods are
// logically async; concrete backends may block internally.
type Store interface {
	// CreateOrAttach wipes state for a clean session, or reports whether
	// a prior session exists for a non-clean one.
	CreateOrAttach(clientID string, cleanSession bool) (Attach, error)
	SaveSubscriptions(clientID string, changes []SubChange) error
	LoadSubscriptions(clientID string) ([]message.Subscription, error)
	SetWill(clientID string, will *message.Will) error
	GetWill(clientID string) (*message.Will, error)
	// Enqueue appends msg to clientID's offline FIFO, bounded by
	// capacity; on overflow the oldest entry is dropped and dropped is
	// returned as true.
	Enqueue(clientID string, msg message.Message) (dropped bool, err error)
	// Dequeue drains and returns the entire offline queue for clientID.
	Dequeue(clientID string) ([]message.Message, error)
	Drop(clientID string) error
}

type clientState struct {
	subscriptions map[string]message.QoS
	will          *message.Will
	queue         []message.Message
}

// Memory is the in-memory SessionStore, adequate for small deployments
// and tests; it does not survive process restart (spec §4.3: "In-memory
// is permitted for small deployments").
type Memory struct {
	mu          sync.Mutex
	clients     map[string]*clientState
	queueCap    int
	droppedCtr  uint64
}

var _ Store = (*Memory)(nil)

// NewMemory builds an in-memory SessionStore bounding each client's
// offline queue to queueCap messages (spec §6 MessageQueueSize).
func NewMemory(queueCap int) *Memory {
	return &Memory{
		clients:  make(map[string]*clientState),
		queueCap: queueCap,
	}
}

func (m *Memory) state(clientID string) *clientState {
	st, ok := m.clients[clientID]
	if !ok {
		st = &clientState{subscriptions: make(map[string]message.QoS)}
		m.clients[clientID] = st
	}
	return st
}

func (m *Memory) CreateOrAttach(clientID string, cleanSession bool) (Attach, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, existed := m.clients[clientID]
	if cleanSession {
		delete(m.clients, clientID)
		return Attach{Present: false}, nil
	}
	m.state(clientID) // ensure it exists going forward
	return Attach{Present: existed}, nil
}

func (m *Memory) SaveSubscriptions(clientID string, changes []SubChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(clientID)
	for _, c := range changes {
		if c.Removed {
			delete(st.subscriptions, c.Filter)
		} else {
			st.subscriptions[c.Filter] = c.QoS
		}
	}
	return nil
}

func (m *Memory) LoadSubscriptions(clientID string) ([]message.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.clients[clientID]
	if !ok {
		return nil, nil
	}
	out := make([]message.Subscription, 0, len(st.subscriptions))
	for f, q := range st.subscriptions {
		out = append(out, message.Subscription{ClientID: clientID, Filter: f, GrantedQoS: q})
	}
	return out, nil
}

func (m *Memory) SetWill(clientID string, will *message.Will) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(clientID).will = will
	return nil
}

func (m *Memory) GetWill(clientID string) (*message.Will, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.clients[clientID]
	if !ok {
		return nil, nil
	}
	return st.will, nil
}

func (m *Memory) Enqueue(clientID string, msg message.Message) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(clientID)
	dropped := false
	if m.queueCap > 0 && len(st.queue) >= m.queueCap {
		st.queue = st.queue[1:]
		m.droppedCtr++
		dropped = true
	}
	st.queue = append(st.queue, msg)
	return dropped, nil
}

func (m *Memory) Dequeue(clientID string) ([]message.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.clients[clientID]
	if !ok {
		return nil, nil
	}
	out := st.queue
	st.queue = nil
	return out, nil
}

func (m *Memory) Drop(clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, clientID)
	return nil
}

// DroppedCount returns the number of offline messages dropped due to
// queue overflow (spec §4.3 "increment a dropped-counter metric").
func (m *Memory) DroppedCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.droppedCtr
}
