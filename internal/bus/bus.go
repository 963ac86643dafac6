// Package bus implements the MessageBus contract (spec §4.5): the
// transport that fans PUBLISH traffic and subscription-table mutations out
// across broker nodes. InProc serves a single node with direct in-memory
// dispatch; External (internal/bus/nats.go) replicates over NATS for a
// cluster deployment (spec §6 ClusterBus).
package bus

import "github.com/monstermq/broker/internal/message"

// ControlOp names a SubscriptionIndex mutation being replicated.
type ControlOp int

const (
	ControlSubscribe ControlOp = iota
	ControlUnsubscribe
	ControlDisconnect
)

// ControlEvent is a replicated SubscriptionIndex mutation (spec §4.4: "on
// each mutation the owning node publishes a SubControlEvent on the bus").
// Seq is a per-node monotonic sequence number; receivers use (NodeID, Seq)
// to discard out-of-order duplicates.
type ControlEvent struct {
	Op       ControlOp
	NodeID   string
	ClientID string
	Filter   string
	QoS      message.QoS
	Seq      uint64
}

// DataHandler receives a data-plane message fanned out from another node.
type DataHandler func(msg message.Message)

// ControlHandler receives a replicated subscription-table mutation.
type ControlHandler func(ev ControlEvent)

// Bus is the MessageBus capability. A single node only ever needs one
// implementation: InProc for standalone brokers, External for clusters.
type Bus interface {
	// PublishData fans msg out to every other node. Receivers skip frames
	// stamped with their own node id; no (senderId, packetId)
	// deduplication is done.
	PublishData(msg message.Message) error
	// PublishControl replicates a SubscriptionIndex mutation.
	PublishControl(ev ControlEvent)
	// OnData registers the local handler invoked for inbound data messages
	// originating from other nodes.
	OnData(h DataHandler)
	// OnControl registers the local handler invoked for inbound control
	// events originating from other nodes.
	OnControl(h ControlHandler)
	// Close releases any underlying transport resources.
	Close() error
}
