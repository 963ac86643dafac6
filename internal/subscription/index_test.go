package subscription

import (
	"testing"

	"github.com/monstermq/broker/internal/bus"
	"github.com/monstermq/broker/internal/message"
)

func TestIndexSubscribeMatch(t *testing.T) {
	idx := New("node-1", bus.NewInProc())
	idx.Subscribe("client-a", "sensors/+/temp", message.QoS1)
	idx.Subscribe("client-b", "sensors/#", message.QoS0)

	got := idx.Match("sensors/kitchen/temp")
	if got["client-a"] != message.QoS1 {
		t.Errorf("client-a granted QoS = %v, want QoS1", got["client-a"])
	}
	if got["client-b"] != message.QoS0 {
		t.Errorf("client-b granted QoS = %v, want QoS0", got["client-b"])
	}
}

func TestIndexMaxQoSAcrossOverlappingFilters(t *testing.T) {
	idx := New("node-1", bus.NewInProc())
	idx.Subscribe("client-a", "a/b", message.QoS0)
	idx.Subscribe("client-a", "a/+", message.QoS2)

	got := idx.Match("a/b")
	if got["client-a"] != message.QoS2 {
		t.Fatalf("expected max granted QoS2, got %v", got["client-a"])
	}
}

func TestIndexUnsubscribeRemovesMatch(t *testing.T) {
	idx := New("node-1", bus.NewInProc())
	idx.Subscribe("client-a", "a/b", message.QoS1)
	idx.Unsubscribe("client-a", "a/b")

	if _, ok := idx.Match("a/b")["client-a"]; ok {
		t.Fatal("expected no match after unsubscribe")
	}
}

func TestIndexDisconnectRemovesAllSubscriptions(t *testing.T) {
	idx := New("node-1", bus.NewInProc())
	idx.Subscribe("client-a", "a/b", message.QoS1)
	idx.Subscribe("client-a", "c/d", message.QoS1)
	idx.Disconnect("client-a")

	if subs := idx.Subscriptions("client-a"); len(subs) != 0 {
		t.Fatalf("expected no subscriptions after disconnect, got %v", subs)
	}
	if _, ok := idx.Match("a/b")["client-a"]; ok {
		t.Fatal("expected no match after disconnect")
	}
}

func TestIndexApplyRemoteIgnoresOwnNode(t *testing.T) {
	idx := New("node-1", bus.NewInProc())
	idx.ApplyRemote(bus.ControlEvent{
		Op: bus.ControlSubscribe, NodeID: "node-1", ClientID: "ghost", Filter: "a/b", QoS: message.QoS1,
	})
	if _, ok := idx.Match("a/b")["ghost"]; ok {
		t.Fatal("expected self-originated control event to be ignored")
	}
}

func TestIndexApplyRemoteFromPeerNode(t *testing.T) {
	idx := New("node-1", bus.NewInProc())
	idx.ApplyRemote(bus.ControlEvent{
		Op: bus.ControlSubscribe, NodeID: "node-2", ClientID: "peer-client", Filter: "a/b", QoS: message.QoS1,
	})
	if got := idx.Match("a/b")["peer-client"]; got != message.QoS1 {
		t.Fatalf("expected peer subscription applied, got %v", got)
	}
}
