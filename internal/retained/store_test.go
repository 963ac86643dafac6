package retained

import (
	"testing"

	"github.com/monstermq/broker/internal/message"
)

func TestMemoryStoreAndGet(t *testing.T) {
	s := NewMemory()
	msg := message.Message{Topic: "a/b", Payload: []byte("hello"), QoS: message.QoS1, Retain: true}

	if err := s.StoreMessage(msg); err != nil {
		t.Fatalf("StoreMessage: %v", err)
	}
	got, ok, err := s.Get("a/b")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(got.Payload) != "hello" {
		t.Errorf("payload = %q, want hello", got.Payload)
	}
}

func TestMemoryEmptyPayloadDeletes(t *testing.T) {
	s := NewMemory()
	s.StoreMessage(message.Message{Topic: "a/b", Payload: []byte("x")})
	s.StoreMessage(message.Message{Topic: "a/b", Payload: nil})

	if _, ok, _ := s.Get("a/b"); ok {
		t.Fatal("expected empty-payload publish to delete the retained entry")
	}
	if n, _ := s.Count(); n != 0 {
		t.Fatalf("Count() = %d, want 0", n)
	}
}

func TestMemoryMatchingWildcard(t *testing.T) {
	s := NewMemory()
	s.StoreMessage(message.Message{Topic: "home/kitchen/temp", Payload: []byte("20")})
	s.StoreMessage(message.Message{Topic: "home/bedroom/temp", Payload: []byte("18")})
	s.StoreMessage(message.Message{Topic: "home/kitchen/humidity", Payload: []byte("40")})

	got, err := s.Matching("home/+/temp")
	if err != nil {
		t.Fatalf("Matching: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Matching(home/+/temp) returned %d messages, want 2", len(got))
	}
}

func TestMemoryCountTracksLiveEntries(t *testing.T) {
	s := NewMemory()
	s.StoreMessage(message.Message{Topic: "a", Payload: []byte("1")})
	s.StoreMessage(message.Message{Topic: "b", Payload: []byte("2")})

	if n, _ := s.Count(); n != 2 {
		t.Fatalf("Count() = %d, want 2", n)
	}

	s.StoreMessage(message.Message{Topic: "a", Payload: []byte("3")}) // overwrite, not a new entry
	if n, _ := s.Count(); n != 2 {
		t.Fatalf("Count() after overwrite = %d, want 2", n)
	}
}
