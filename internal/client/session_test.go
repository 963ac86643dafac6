package client

import (
	"net"
	"testing"
	"time"

	"github.com/monstermq/broker/internal/bus"
	"github.com/monstermq/broker/internal/handler"
	"github.com/monstermq/broker/internal/message"
	pkt "github.com/monstermq/broker/internal/packet"
	"github.com/monstermq/broker/internal/retained"
	"github.com/monstermq/broker/internal/session"
	"github.com/monstermq/broker/internal/subscription"
)

type noopRegistry struct{}

func (noopRegistry) Lookup(string) (handler.Deliverer, bool) { return nil, false }

func newTestSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })

	subs := subscription.New("node-1", bus.NewInProc())
	h := handler.New(retained.NewMemory(), session.NewMemory(10), subs, nil, noopRegistry{}, nil)

	sess := New("client-1", serverConn, h, nil)
	sess.SetState(StateConnected)
	return sess, clientConn
}

func TestSessionDeliverQoS0AssignsNoPacketID(t *testing.T) {
	sess, clientConn := newTestSession(t)

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 256)
		n, _ := clientConn.Read(buf)
		done <- buf[:n]
	}()

	if err := sess.Deliver(message.Message{Topic: "a/b", Payload: []byte("x"), QoS: message.QoS0}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	select {
	case raw := <-done:
		pp := &pkt.PublishPacket{}
		if err := pp.Parse(raw); err != nil {
			t.Fatalf("Parse delivered packet: %v", err)
		}
		if pp.PacketID != nil {
			t.Fatalf("QoS0 delivery must not carry a packet ID")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivered packet")
	}
}

func TestSessionDeliverQoS1TracksInFlightAndPubAckClearsIt(t *testing.T) {
	sess, clientConn := newTestSession(t)

	go func() {
		buf := make([]byte, 256)
		clientConn.Read(buf)
	}()

	if err := sess.Deliver(message.Message{Topic: "a/b", Payload: []byte("x"), QoS: message.QoS1}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	sess.mu.Lock()
	head := sess.headOutbound
	sess.mu.Unlock()
	if head == nil {
		t.Fatal("expected 1 in-flight QoS1 message")
	}
	id := head.PacketID

	sess.HandlePubAck(id)

	sess.mu.Lock()
	head = sess.headOutbound
	sess.mu.Unlock()
	if head != nil {
		t.Fatalf("expected PUBACK to clear the in-flight entry, got %+v", head)
	}
}

func TestSessionDeliverQoS2HandshakeThroughPubRecAndPubComp(t *testing.T) {
	sess, clientConn := newTestSession(t)

	go func() {
		buf := make([]byte, 256)
		clientConn.Read(buf)
	}()

	if err := sess.Deliver(message.Message{Topic: "a/b", Payload: []byte("x"), QoS: message.QoS2}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	sess.mu.Lock()
	id := sess.headOutbound.PacketID
	sess.mu.Unlock()

	pubrel := sess.HandlePubRec(id)
	if pubrel == nil || pubrel.PacketID != id {
		t.Fatalf("expected a PUBREL for packet id %d, got %+v", id, pubrel)
	}

	sess.mu.Lock()
	stage := sess.headOutbound.Stage
	sess.mu.Unlock()
	if stage != message.StageAwaitComp {
		t.Fatalf("expected stage StageAwaitComp after PUBREC, got %v", stage)
	}

	sess.HandlePubComp(id)
	sess.mu.Lock()
	head := sess.headOutbound
	sess.mu.Unlock()
	if head != nil {
		t.Fatalf("expected PUBCOMP to clear the in-flight entry, got %+v", head)
	}
}

func TestSessionDeliverQueuesBehindUnacknowledgedHead(t *testing.T) {
	sess, clientConn := newTestSession(t)

	go func() {
		buf := make([]byte, 256)
		for {
			if _, err := clientConn.Read(buf); err != nil {
				return
			}
		}
	}()

	if err := sess.Deliver(message.Message{Topic: "a/b", Payload: []byte("first"), QoS: message.QoS1}); err != nil {
		t.Fatalf("Deliver (first): %v", err)
	}
	if err := sess.Deliver(message.Message{Topic: "a/b", Payload: []byte("second"), QoS: message.QoS1}); err != nil {
		t.Fatalf("Deliver (second): %v", err)
	}

	sess.mu.Lock()
	headPayload := string(sess.headOutbound.Message.Payload)
	pendingLen := len(sess.pendingOutbound)
	headID := sess.headOutbound.PacketID
	sess.mu.Unlock()

	if headPayload != "first" {
		t.Fatalf("expected the first message to be the in-flight head, got %q", headPayload)
	}
	if pendingLen != 1 {
		t.Fatalf("expected the second message queued behind the unacknowledged head, got %d pending", pendingLen)
	}

	sess.HandlePubAck(headID)

	sess.mu.Lock()
	newHeadPayload := string(sess.headOutbound.Message.Payload)
	pendingLen = len(sess.pendingOutbound)
	sess.mu.Unlock()

	if newHeadPayload != "second" {
		t.Fatalf("expected the queued message to become the new head after the first acked, got %q", newHeadPayload)
	}
	if pendingLen != 0 {
		t.Fatalf("expected the pending queue drained, got %d remaining", pendingLen)
	}
}

func TestSessionHandleInboundPublishQoS0ReturnsNoAck(t *testing.T) {
	sess, _ := newTestSession(t)

	ack, err := sess.HandleInboundPublish(&pkt.PublishPacket{Topic: "a/b", Payload: []byte("x"), QoS: pkt.QoSAtMostOnce})
	if err != nil {
		t.Fatalf("HandleInboundPublish: %v", err)
	}
	if ack != nil {
		t.Fatalf("expected no ack bytes for QoS0, got %v", ack)
	}
}

func TestSessionHandleInboundPublishQoS1ReturnsPubAck(t *testing.T) {
	sess, _ := newTestSession(t)
	id := uint16(5)

	ack, err := sess.HandleInboundPublish(&pkt.PublishPacket{Topic: "a/b", Payload: []byte("x"), QoS: pkt.QoSAtLeastOnce, PacketID: &id})
	if err != nil {
		t.Fatalf("HandleInboundPublish: %v", err)
	}
	got, err := pkt.ParsePubAck(ack)
	if err != nil {
		t.Fatalf("decode PUBACK: %v", err)
	}
	if got.PacketID != id {
		t.Fatalf("PUBACK packet id = %d, want %d", got.PacketID, id)
	}
}

func TestSessionHandleInboundPublishQoS2DefersUntilPubRel(t *testing.T) {
	sess, _ := newTestSession(t)
	id := uint16(9)

	ack, err := sess.HandleInboundPublish(&pkt.PublishPacket{Topic: "a/b", Payload: []byte("x"), QoS: pkt.QoSExactlyOnce, PacketID: &id})
	if err != nil {
		t.Fatalf("HandleInboundPublish: %v", err)
	}
	if len(ack) == 0 {
		t.Fatal("expected PUBREC bytes")
	}

	compAck, err := sess.HandlePubRel(id)
	if err != nil {
		t.Fatalf("HandlePubRel: %v", err)
	}
	if len(compAck) == 0 {
		t.Fatal("expected PUBCOMP bytes")
	}
}

func TestSessionAllocatePacketIDSkipsInFlightIDs(t *testing.T) {
	sess, _ := newTestSession(t)
	sess.headOutbound = &message.OutboundInFlight{PacketID: 1}

	sess.nextPktID = 0
	first := sess.allocatePacketID()
	if first == 1 {
		t.Fatalf("expected allocatePacketID to skip an in-flight id, got %d", first)
	}
}
