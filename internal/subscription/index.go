// Package subscription implements the SubscriptionIndex (spec §4.4): the
// cluster-wide topic-filter -> {clientId -> QoS} fan-out table consulted on
// every PUBLISH. It wraps the generic topic.Tree, grounded on the teacher's
// broker.go/subscription.go calls into a SubscriptionTree the retrieved
// snapshot referenced but never defined.
package subscription

import (
	"sync"

	"github.com/monstermq/broker/internal/bus"
	"github.com/monstermq/broker/internal/message"
	"github.com/monstermq/broker/internal/topic"
)

// ClientRef is the value stored per (filter, clientId) entry in the trie.
type ClientRef struct {
	ClientID string
	NodeID   string
	QoS      message.QoS
}

type locEntry struct {
	NodeID string
	QoS    message.QoS
}

// Index is the SubscriptionIndex. It is safe for concurrent use; mutations
// are both applied locally and replicated via bus.Bus.PublishControl so
// every cluster node converges on the same fan-out table.
type Index struct {
	mu       sync.RWMutex
	tree     *topic.Tree[ClientRef]
	location map[string]map[string]locEntry // clientId -> filter -> {nodeId, qos}
	nodeID   string
	bus      bus.Bus
	seq      uint64
}

// New builds an Index for the local node nodeID, replicating mutations over
// b. b may be a bus.InProc (single-node: PublishControl is a no-op observer)
// or a bus.External (cluster: PublishControl fans out over NATS).
func New(nodeID string, b bus.Bus) *Index {
	return &Index{
		tree:     topic.New[ClientRef](),
		location: make(map[string]map[string]locEntry),
		nodeID:   nodeID,
		bus:      b,
	}
}

// Subscribe adds (or updates the QoS of) clientID's subscription to filter,
// on this node, and replicates the change to peers.
func (idx *Index) Subscribe(clientID, filter string, qos message.QoS) {
	idx.applySubscribe(idx.nodeID, clientID, filter, qos)
	idx.publish(bus.ControlEvent{
		Op:       bus.ControlSubscribe,
		NodeID:   idx.nodeID,
		ClientID: clientID,
		Filter:   filter,
		QoS:      qos,
	})
}

// Unsubscribe removes clientID's subscription to filter and replicates it.
func (idx *Index) Unsubscribe(clientID, filter string) {
	idx.applyUnsubscribe(clientID, filter)
	idx.publish(bus.ControlEvent{
		Op:       bus.ControlUnsubscribe,
		NodeID:   idx.nodeID,
		ClientID: clientID,
		Filter:   filter,
	})
}

// Disconnect removes every subscription owned by clientID and replicates it.
func (idx *Index) Disconnect(clientID string) {
	idx.applyDisconnect(clientID)
	idx.publish(bus.ControlEvent{
		Op:       bus.ControlDisconnect,
		NodeID:   idx.nodeID,
		ClientID: clientID,
	})
}

// Match returns, for a concrete published topic, every subscribed clientID
// and its effective granted QoS (the max across overlapping filters).
func (idx *Index) Match(topicName string) map[string]message.QoS {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make(map[string]message.QoS)
	for _, ref := range idx.tree.MatchConcrete(topicName) {
		if cur, ok := out[ref.ClientID]; !ok || ref.QoS > cur {
			out[ref.ClientID] = ref.QoS
		}
	}
	return out
}

// Subscriptions returns clientID's currently known filters and granted QoS.
func (idx *Index) Subscriptions(clientID string) map[string]message.QoS {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make(map[string]message.QoS, len(idx.location[clientID]))
	for f, e := range idx.location[clientID] {
		out[f] = e.QoS
	}
	return out
}

// ApplyRemote applies a ControlEvent received from a peer node. It does no
// sequence checking itself: bus.External discards stale or duplicate
// events by per-node Seq before calling it. Events from this node's own
// nodeID are ignored — they were already applied locally before being
// published.
func (idx *Index) ApplyRemote(ev bus.ControlEvent) {
	if ev.NodeID == idx.nodeID {
		return
	}
	switch ev.Op {
	case bus.ControlSubscribe:
		idx.applySubscribe(ev.NodeID, ev.ClientID, ev.Filter, ev.QoS)
	case bus.ControlUnsubscribe:
		idx.applyUnsubscribe(ev.ClientID, ev.Filter)
	case bus.ControlDisconnect:
		idx.applyDisconnect(ev.ClientID)
	}
}

func (idx *Index) applySubscribe(nodeID, clientID, filter string, qos message.QoS) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	filters, ok := idx.location[clientID]
	if !ok {
		filters = make(map[string]locEntry)
		idx.location[clientID] = filters
	}
	if old, existed := filters[filter]; existed {
		idx.tree.Remove(filter, ClientRef{ClientID: clientID, NodeID: old.NodeID, QoS: old.QoS})
	}
	filters[filter] = locEntry{NodeID: nodeID, QoS: qos}
	idx.tree.Add(filter, ClientRef{ClientID: clientID, NodeID: nodeID, QoS: qos})
}

func (idx *Index) applyUnsubscribe(clientID, filter string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	filters, ok := idx.location[clientID]
	if !ok {
		return
	}
	e, ok := filters[filter]
	if !ok {
		return
	}
	delete(filters, filter)
	if len(filters) == 0 {
		delete(idx.location, clientID)
	}
	idx.tree.Remove(filter, ClientRef{ClientID: clientID, NodeID: e.NodeID, QoS: e.QoS})
}

func (idx *Index) applyDisconnect(clientID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	filters, ok := idx.location[clientID]
	if !ok {
		return
	}
	for filter, e := range filters {
		idx.tree.Remove(filter, ClientRef{ClientID: clientID, NodeID: e.NodeID, QoS: e.QoS})
	}
	delete(idx.location, clientID)
}

func (idx *Index) publish(ev bus.ControlEvent) {
	if idx.bus == nil {
		return
	}
	idx.mu.Lock()
	idx.seq++
	ev.Seq = idx.seq
	idx.mu.Unlock()
	idx.bus.PublishControl(ev)
}
