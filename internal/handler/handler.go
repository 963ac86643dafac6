// Package handler implements the SessionHandler (spec §4.6): a stateless
// orchestrator that wires together the RetainedStore, SessionStore,
// SubscriptionIndex and MessageBus behind the small set of operations a
// ClientSession calls into. It holds no per-connection state itself —
// that lives in internal/client.ClientSession.
package handler

import (
	"github.com/monstermq/broker/internal/bus"
	"github.com/monstermq/broker/internal/logger"
	"github.com/monstermq/broker/internal/message"
	"github.com/monstermq/broker/internal/retained"
	"github.com/monstermq/broker/internal/session"
	"github.com/monstermq/broker/internal/subscription"
	"github.com/monstermq/broker/pkg/er"
)

// Deliverer is implemented by a live ClientSession: the handler calls it to
// push a message down the wire when the subscriber is connected to this
// node. Offline clients fall back to SessionStore.Enqueue.
type Deliverer interface {
	Deliver(msg message.Message) error
}

// Registry locates a locally-connected client's Deliverer, if any.
type Registry interface {
	Lookup(clientID string) (Deliverer, bool)
}

// Handler is the SessionHandler.
type Handler struct {
	Retained     retained.Store
	Sessions     session.Store
	Subs         *subscription.Index
	Bus          bus.Bus
	Registry     Registry
	Log          *logger.Logger
	AllowRootWildcardSubscription bool
}

// New builds a Handler and wires bus-originated data/control events back
// into it, so a message published on another cluster node is dispatched
// exactly like one published locally (spec §4.5/§4.6).
func New(retainedStore retained.Store, sessionStore session.Store, subs *subscription.Index, b bus.Bus, reg Registry, log *logger.Logger) *Handler {
	h := &Handler{
		Retained: retainedStore,
		Sessions: sessionStore,
		Subs:     subs,
		Bus:      b,
		Registry: reg,
		Log:      log,
	}
	if b != nil {
		b.OnData(h.dispatch)
		b.OnControl(subs.ApplyRemote)
	}
	return h
}

// OnConnect attaches (or creates) a session for clientID and returns
// whether a prior persistent session existed (CONNACK session-present).
func (h *Handler) OnConnect(clientID string, cleanSession bool) (bool, error) {
	attach, err := h.Sessions.CreateOrAttach(clientID, cleanSession)
	if err != nil {
		return false, err
	}
	if attach.Present {
		subs, err := h.Sessions.LoadSubscriptions(clientID)
		if err != nil {
			return true, err
		}
		for _, s := range subs {
			h.Subs.Subscribe(clientID, s.Filter, s.GrantedQoS)
		}
	}
	return attach.Present, nil
}

// Subscribe records clientID's interest in filter at qos, persists it, and
// returns every retained message now matching it (spec §4.1/§4.2: a new
// subscription immediately receives matching retained messages).
func (h *Handler) Subscribe(clientID, filter string, qos message.QoS) ([]message.Message, error) {
	if !h.AllowRootWildcardSubscription && filter == "#" {
		return nil, &er.Err{Context: "Subscribe", Message: er.ErrRootWildcardSubscriptionDenied}
	}
	h.Subs.Subscribe(clientID, filter, qos)
	if err := h.Sessions.SaveSubscriptions(clientID, []session.SubChange{{Filter: filter, QoS: qos}}); err != nil {
		return nil, err
	}
	retained, err := h.Retained.Matching(filter)
	if err != nil {
		return nil, err
	}
	for i := range retained {
		retained[i].QoS = message.Min(retained[i].QoS, qos)
	}
	if h.Log != nil {
		h.Log.LogSubscription(clientID, filter, int(qos), "subscribe")
	}
	return retained, nil
}

// Unsubscribe removes clientID's interest in filter.
func (h *Handler) Unsubscribe(clientID, filter string) error {
	h.Subs.Unsubscribe(clientID, filter)
	if h.Log != nil {
		h.Log.LogSubscription(clientID, filter, 0, "unsubscribe")
	}
	return h.Sessions.SaveSubscriptions(clientID, []session.SubChange{{Filter: filter, Removed: true}})
}

// Publish fans msg out to every matching subscriber: locally-connected
// clients get it immediately, offline clients get it enqueued in their
// SessionStore, and it is replicated across the cluster via the bus so
// other nodes' local subscribers receive it too.
func (h *Handler) Publish(msg message.Message) error {
	if msg.Retain {
		if err := h.Retained.StoreMessage(msg); err != nil {
			return err
		}
		if h.Log != nil {
			h.Log.LogRetainedMessage(msg.Topic, "stored", len(msg.Payload))
		}
	}

	h.deliverLocally(msg)

	if h.Bus != nil {
		if err := h.Bus.PublishData(msg); err != nil {
			return err
		}
	}
	return nil
}

// dispatch handles a data-plane message fanned in from another cluster
// node: it must NOT be re-published to the bus (that would loop forever),
// only delivered to this node's local subscribers.
func (h *Handler) dispatch(msg message.Message) {
	h.deliverLocally(msg)
}

func (h *Handler) deliverLocally(msg message.Message) {
	for clientID, qos := range h.Subs.Match(msg.Topic) {
		out := msg
		out.QoS = message.Min(msg.QoS, qos)

		if d, online := h.Registry.Lookup(clientID); online {
			if err := d.Deliver(out); err != nil && h.Log != nil {
				h.Log.LogError(err, "deliver to local subscriber")
			}
			continue
		}

		if out.QoS == message.QoS0 {
			continue // spec §4.3: QoS0 messages are not queued for offline clients
		}
		dropped, err := h.Sessions.Enqueue(clientID, out)
		if err != nil && h.Log != nil {
			h.Log.LogError(err, "enqueue offline message")
		}
		if dropped && h.Log != nil {
			h.Log.Warn("offline queue overflow, dropped oldest", logger.String("client_id", clientID))
		}
	}
}

// Disconnect applies the clean-session rules when clientID's connection
// ends. For a clean session its subscriptions are removed from the index
// and its SessionStore state is dropped. For a persistent session both are
// kept, so messages published while it is offline still match and are
// queued; OnConnect reattaches them on the next CreateOrAttach call.
func (h *Handler) Disconnect(clientID string, cleanSession bool) {
	if !cleanSession {
		return
	}
	h.Subs.Disconnect(clientID)
	if err := h.Sessions.Drop(clientID); err != nil && h.Log != nil {
		h.Log.LogError(err, "drop clean session state")
	}
}

// DrainOffline returns and clears clientID's queued offline messages,
// called once a reconnecting client's session has been reattached.
func (h *Handler) DrainOffline(clientID string) ([]message.Message, error) {
	return h.Sessions.Dequeue(clientID)
}

// SetWill records clientID's will for later triggering.
func (h *Handler) SetWill(clientID string, will *message.Will) error {
	return h.Sessions.SetWill(clientID, will)
}

// TriggerWill publishes clientID's stored will, if any (spec GLOSSARY
// "Will"). Called on an ungraceful disconnect — a clean DISCONNECT clears
// the will without publishing it (MQTT 3.1.1 §3.1.2.5).
func (h *Handler) TriggerWill(clientID string) error {
	will, err := h.Sessions.GetWill(clientID)
	if err != nil || will == nil {
		return err
	}
	return h.Publish(message.Message{
		Topic:    will.Topic,
		Payload:  will.Payload,
		QoS:      will.QoS,
		Retain:   will.Retain,
		SenderID: clientID,
	})
}
