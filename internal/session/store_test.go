package session

import (
	"testing"

	"github.com/monstermq/broker/internal/message"
)

func TestMemoryCreateOrAttachCleanSession(t *testing.T) {
	s := NewMemory(10)
	s.SaveSubscriptions("c1", []SubChange{{Filter: "a/b", QoS: message.QoS1}})

	attach, err := s.CreateOrAttach("c1", true)
	if err != nil {
		t.Fatalf("CreateOrAttach: %v", err)
	}
	if attach.Present {
		t.Fatal("expected clean session to report no prior state")
	}
	subs, _ := s.LoadSubscriptions("c1")
	if len(subs) != 0 {
		t.Fatalf("expected clean session to wipe subscriptions, got %v", subs)
	}
}

func TestMemoryCreateOrAttachPersistentSession(t *testing.T) {
	s := NewMemory(10)
	s.SaveSubscriptions("c1", []SubChange{{Filter: "a/b", QoS: message.QoS1}})

	attach, err := s.CreateOrAttach("c1", false)
	if err != nil {
		t.Fatalf("CreateOrAttach: %v", err)
	}
	if !attach.Present {
		t.Fatal("expected non-clean reattach to report prior state present")
	}
	subs, _ := s.LoadSubscriptions("c1")
	if len(subs) != 1 || subs[0].Filter != "a/b" {
		t.Fatalf("expected persisted subscription to survive reattach, got %v", subs)
	}
}

func TestMemoryWillRoundTrip(t *testing.T) {
	s := NewMemory(10)
	will := &message.Will{Topic: "status/c1", Payload: []byte("offline"), QoS: message.QoS1}
	if err := s.SetWill("c1", will); err != nil {
		t.Fatalf("SetWill: %v", err)
	}
	got, err := s.GetWill("c1")
	if err != nil || got == nil || got.Topic != "status/c1" {
		t.Fatalf("GetWill = %+v, err %v", got, err)
	}
}

func TestMemoryEnqueueDequeue(t *testing.T) {
	s := NewMemory(10)
	s.Enqueue("c1", message.Message{Topic: "a", Payload: []byte("1")})
	s.Enqueue("c1", message.Message{Topic: "a", Payload: []byte("2")})

	out, err := s.Dequeue("c1")
	if err != nil || len(out) != 2 {
		t.Fatalf("Dequeue = %v, err %v", out, err)
	}
	if string(out[0].Payload) != "1" || string(out[1].Payload) != "2" {
		t.Fatalf("expected FIFO order, got %v", out)
	}

	// a second dequeue drains nothing further
	out2, _ := s.Dequeue("c1")
	if len(out2) != 0 {
		t.Fatalf("expected empty queue after drain, got %v", out2)
	}
}

func TestMemoryEnqueueDropsOldestOnOverflow(t *testing.T) {
	s := NewMemory(2)
	s.Enqueue("c1", message.Message{Payload: []byte("1")})
	s.Enqueue("c1", message.Message{Payload: []byte("2")})
	dropped, err := s.Enqueue("c1", message.Message{Payload: []byte("3")})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !dropped {
		t.Fatal("expected overflow to report dropped=true")
	}

	out, _ := s.Dequeue("c1")
	if len(out) != 2 || string(out[0].Payload) != "2" || string(out[1].Payload) != "3" {
		t.Fatalf("expected drop-oldest FIFO [2,3], got %v", out)
	}
	if s.DroppedCount() != 1 {
		t.Fatalf("DroppedCount() = %d, want 1", s.DroppedCount())
	}
}

func TestMemoryDrop(t *testing.T) {
	s := NewMemory(10)
	s.SaveSubscriptions("c1", []SubChange{{Filter: "a/b", QoS: message.QoS1}})
	s.Enqueue("c1", message.Message{Payload: []byte("x")})

	if err := s.Drop("c1"); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	subs, _ := s.LoadSubscriptions("c1")
	if len(subs) != 0 {
		t.Fatalf("expected Drop to clear subscriptions, got %v", subs)
	}
}
