package handler

import (
	"testing"

	"github.com/monstermq/broker/internal/bus"
	"github.com/monstermq/broker/internal/message"
	"github.com/monstermq/broker/internal/retained"
	"github.com/monstermq/broker/internal/session"
	"github.com/monstermq/broker/internal/subscription"
)

type fakeDeliverer struct {
	delivered []message.Message
}

func (f *fakeDeliverer) Deliver(msg message.Message) error {
	f.delivered = append(f.delivered, msg)
	return nil
}

type fakeRegistry struct {
	clients map[string]*fakeDeliverer
}

func (r *fakeRegistry) Lookup(clientID string) (Deliverer, bool) {
	d, ok := r.clients[clientID]
	return d, ok
}

func newTestHandler() (*Handler, *fakeRegistry) {
	reg := &fakeRegistry{clients: make(map[string]*fakeDeliverer)}
	subs := subscription.New("node-1", bus.NewInProc())
	h := New(retained.NewMemory(), session.NewMemory(10), subs, nil, reg, nil)
	return h, reg
}

func TestHandlerPublishDeliversToLocalSubscriber(t *testing.T) {
	h, reg := newTestHandler()
	reg.clients["sub1"] = &fakeDeliverer{}
	h.Subs.Subscribe("sub1", "a/b", message.QoS1)

	if err := h.Publish(message.Message{Topic: "a/b", Payload: []byte("x"), QoS: message.QoS1}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(reg.clients["sub1"].delivered) != 1 {
		t.Fatalf("expected 1 delivered message, got %d", len(reg.clients["sub1"].delivered))
	}
}

func TestHandlerPublishDowngradesToMinQoS(t *testing.T) {
	h, reg := newTestHandler()
	reg.clients["sub1"] = &fakeDeliverer{}
	h.Subs.Subscribe("sub1", "a/b", message.QoS0)

	h.Publish(message.Message{Topic: "a/b", Payload: []byte("x"), QoS: message.QoS2})
	got := reg.clients["sub1"].delivered
	if len(got) != 1 || got[0].QoS != message.QoS0 {
		t.Fatalf("expected delivered QoS0 (min of publish QoS2 and granted QoS0), got %+v", got)
	}
}

func TestHandlerOfflineQoS1Enqueued(t *testing.T) {
	h, _ := newTestHandler()
	h.Subs.Subscribe("offline-client", "a/b", message.QoS1)

	h.Publish(message.Message{Topic: "a/b", Payload: []byte("x"), QoS: message.QoS1})

	queued, err := h.Sessions.Dequeue("offline-client")
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(queued) != 1 {
		t.Fatalf("expected the QoS1 publish to be queued for the offline client, got %d", len(queued))
	}
}

func TestHandlerOfflineQoS0NotEnqueued(t *testing.T) {
	h, _ := newTestHandler()
	h.Subs.Subscribe("offline-client", "a/b", message.QoS0)

	h.Publish(message.Message{Topic: "a/b", Payload: []byte("x"), QoS: message.QoS0})

	queued, _ := h.Sessions.Dequeue("offline-client")
	if len(queued) != 0 {
		t.Fatalf("spec §4.3: QoS0 must not be queued for offline clients, got %d queued", len(queued))
	}
}

func TestHandlerRetainedMessageReturnedOnSubscribe(t *testing.T) {
	h, _ := newTestHandler()
	h.Publish(message.Message{Topic: "a/b", Payload: []byte("retained-value"), QoS: message.QoS0, Retain: true})

	retainedOut, err := h.Subscribe("new-subscriber", "a/+", message.QoS1)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if len(retainedOut) != 1 || string(retainedOut[0].Payload) != "retained-value" {
		t.Fatalf("expected the retained message back on subscribe, got %+v", retainedOut)
	}
}

func TestHandlerRootWildcardDeniedByDefault(t *testing.T) {
	h, _ := newTestHandler()
	if _, err := h.Subscribe("c1", "#", message.QoS0); err == nil {
		t.Fatal("expected root wildcard subscription to be denied by default policy")
	}
}

func TestHandlerRootWildcardAllowedWhenConfigured(t *testing.T) {
	h, _ := newTestHandler()
	h.AllowRootWildcardSubscription = true
	if _, err := h.Subscribe("c1", "#", message.QoS0); err != nil {
		t.Fatalf("expected root wildcard subscription allowed, got %v", err)
	}
}

func TestHandlerSingleLevelWildcardAllowedByDefault(t *testing.T) {
	h, _ := newTestHandler()
	if _, err := h.Subscribe("c1", "+/alerts", message.QoS0); err != nil {
		t.Fatalf("expected '+/alerts' allowed under the default policy (only literal '#' is restricted), got %v", err)
	}
	if _, err := h.Subscribe("c1", "+", message.QoS0); err != nil {
		t.Fatalf("expected '+' allowed under the default policy, got %v", err)
	}
}

func TestHandlerSubscribeDowngradesRetainedMessageQoS(t *testing.T) {
	h, _ := newTestHandler()
	h.Publish(message.Message{Topic: "a/b", Payload: []byte("retained-value"), QoS: message.QoS2, Retain: true})

	retainedOut, err := h.Subscribe("new-subscriber", "a/b", message.QoS0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if len(retainedOut) != 1 || retainedOut[0].QoS != message.QoS0 {
		t.Fatalf("expected the retained QoS2 message downgraded to the subscription's QoS0, got %+v", retainedOut)
	}
}

func TestHandlerWillTriggeredPublishesMessage(t *testing.T) {
	h, reg := newTestHandler()
	reg.clients["watcher"] = &fakeDeliverer{}
	h.Subs.Subscribe("watcher", "status/c1", message.QoS1)

	h.SetWill("c1", &message.Will{Topic: "status/c1", Payload: []byte("offline"), QoS: message.QoS1})
	if err := h.TriggerWill("c1"); err != nil {
		t.Fatalf("TriggerWill: %v", err)
	}
	if len(reg.clients["watcher"].delivered) != 1 {
		t.Fatal("expected the will message to be delivered to the watcher")
	}
}
