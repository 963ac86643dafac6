package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
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
	"github.com/monstermq/broker/pkg/er"
)

func encodeMQTTString(s string) []byte {
	out := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(out, uint16(len(s)))
	copy(out[2:], s)
	return out
}

func buildConnectPacket(clientID string, cleanSession bool, keepAlive uint16) []byte {
	var varHeader []byte
	varHeader = append(varHeader, encodeMQTTString("MQTT")...)
	varHeader = append(varHeader, 4)
	flags := byte(0)
	if cleanSession {
		flags |= 0x02
	}
	varHeader = append(varHeader, flags)
	ka := make([]byte, 2)
	binary.BigEndian.PutUint16(ka, keepAlive)
	varHeader = append(varHeader, ka...)

	payload := encodeMQTTString(clientID)

	remaining := len(varHeader) + len(payload)
	var out []byte
	out = append(out, byte(pkt.CONNECT))
	out = append(out, byte(remaining))
	out = append(out, varHeader...)
	out = append(out, payload...)
	return out
}

func newTestBroker() (*handler.Handler, *Registry) {
	subs := subscription.New("node-1", bus.NewInProc())
	reg := NewRegistry()
	h := handler.New(retained.NewMemory(), session.NewMemory(10), subs, nil, reg, nil)
	return h, reg
}

func TestRunCompletesConnectHandshake(t *testing.T) {
	h, reg := newTestBroker()
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		Run(ctx, serverConn, h, reg, nil, Options{})
		close(done)
	}()

	if _, err := clientConn.Write(buildConnectPacket("conntest", true, 0)); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}

	ack := make([]byte, 4)
	clientConn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := readFull(clientConn, ack); err != nil {
		t.Fatalf("read CONNACK: %v", err)
	}
	if pkt.Type(ack[0]) != pkt.CONNACK {
		t.Fatalf("expected a CONNACK, got packet type %x", ack[0])
	}
	if ack[3] != pkt.ConnectionAccepted {
		t.Fatalf("expected ConnectionAccepted, got return code %d", ack[3])
	}
	if reg.Count() != 1 {
		t.Fatalf("expected the registry to hold 1 connected client, got %d", reg.Count())
	}

	if _, err := clientConn.Write([]byte{0xE0, 0x00}); err != nil { // DISCONNECT
		t.Fatalf("write DISCONNECT: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after a clean DISCONNECT")
	}
	if reg.Count() != 0 {
		t.Fatalf("expected the registry to remove the client on disconnect, got %d remaining", reg.Count())
	}
}

func TestRunPublishSubscribeRoundTrip(t *testing.T) {
	h, reg := newTestBroker()

	subServerConn, subClientConn := net.Pipe()
	defer subClientConn.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subDone := make(chan struct{})
	go func() {
		Run(ctx, subServerConn, h, reg, nil, Options{})
		close(subDone)
	}()

	if _, err := subClientConn.Write(buildConnectPacket("subscriber", true, 0)); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}
	connack := make([]byte, 4)
	subClientConn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := readFull(subClientConn, connack); err != nil {
		t.Fatalf("read CONNACK: %v", err)
	}

	// SUBSCRIBE to "a/b" at QoS0, packet id 1.
	subscribe := []byte{byte(pkt.SUBSCRIBE) | 0x02, 0x08, 0x00, 0x01, 0x00, 0x03, 'a', '/', 'b', 0x00}
	if _, err := subClientConn.Write(subscribe); err != nil {
		t.Fatalf("write SUBSCRIBE: %v", err)
	}
	suback := make([]byte, 5)
	subClientConn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := readFull(subClientConn, suback); err != nil {
		t.Fatalf("read SUBACK: %v", err)
	}
	if pkt.Type(suback[0]) != pkt.SUBACK {
		t.Fatalf("expected SUBACK, got %x", suback[0])
	}

	if err := h.Publish(message.Message{Topic: "a/b", Payload: []byte("hi"), QoS: message.QoS0}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	delivered := make([]byte, 64)
	subClientConn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := subClientConn.Read(delivered)
	if err != nil {
		t.Fatalf("read delivered PUBLISH: %v", err)
	}
	got := &pkt.PublishPacket{}
	if err := got.Parse(delivered[:n]); err != nil {
		t.Fatalf("parse delivered PUBLISH: %v", err)
	}
	if got.Topic != "a/b" || string(got.Payload) != "hi" {
		t.Fatalf("unexpected delivered message: %+v", got)
	}
}

func TestReadPacketRejectsOversizedFrameBeforeAllocating(t *testing.T) {
	// A SUBSCRIBE fixed header declaring a 1MB remaining length, with no
	// body actually following it: if readPacket allocated before checking
	// the cap, io.ReadFull would block/fail trying to read bytes that were
	// never sent. The cap must be enforced off the declared length alone.
	var header []byte
	header = append(header, byte(pkt.SUBSCRIBE)|0x02)
	remaining := 1 << 20
	for remaining > 0 {
		b := byte(remaining & 0x7F)
		remaining >>= 7
		if remaining > 0 {
			b |= 0x80
		}
		header = append(header, b)
	}

	reader := bufio.NewReader(bytes.NewReader(header))
	_, err := readPacket(reader, 1024)
	if err == nil {
		t.Fatal("expected an error for a frame declaring a remaining length over the cap")
	}
	var e *er.Err
	if !errors.As(err, &e) || e.Message != er.ErrPayloadTooLarge {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestReadPacketAllowsFrameWithinCap(t *testing.T) {
	raw := buildConnectPacket("within-cap", true, 0)
	reader := bufio.NewReader(bytes.NewReader(raw))
	out, err := readPacket(reader, 1024)
	if err != nil {
		t.Fatalf("readPacket: %v", err)
	}
	if len(out) != len(raw) {
		t.Fatalf("expected %d bytes read back, got %d", len(raw), len(out))
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
