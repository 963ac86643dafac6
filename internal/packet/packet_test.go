package packet

import (
	"encoding/binary"
	"testing"
)

func encodeString(s string) []byte {
	out := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(out, uint16(len(s)))
	copy(out[2:], s)
	return out
}

func TestPublishEncodeParseRoundTripQoS0(t *testing.T) {
	pp := &PublishPacket{
		Topic:   "a/b",
		Payload: []byte("hello"),
		QoS:     QoSAtMostOnce,
		Retain:  true,
	}
	raw := pp.Encode()

	got := &PublishPacket{}
	if err := got.Parse(raw); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Topic != pp.Topic || string(got.Payload) != string(pp.Payload) || got.QoS != pp.QoS || !got.Retain {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.PacketID != nil {
		t.Fatalf("QoS0 publish must not carry a packet ID, got %v", *got.PacketID)
	}
}

func TestPublishEncodeParseRoundTripQoS1(t *testing.T) {
	id := uint16(42)
	pp := &PublishPacket{
		Topic:    "a/b/c",
		Payload:  []byte("payload"),
		QoS:      QoSAtLeastOnce,
		PacketID: &id,
	}
	raw := pp.Encode()

	got := &PublishPacket{}
	if err := got.Parse(raw); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.PacketID == nil || *got.PacketID != id {
		t.Fatalf("expected packet ID %d preserved, got %+v", id, got.PacketID)
	}
}

func TestPublishParseRejectsWildcardTopic(t *testing.T) {
	pp := &PublishPacket{Topic: "a/+/c", Payload: []byte("x")}
	raw := pp.Encode()

	if err := (&PublishPacket{}).Parse(raw); err == nil {
		t.Fatal("expected an error parsing a PUBLISH whose topic contains a wildcard")
	}
}

func TestPublishParseRejectsEmptyTopic(t *testing.T) {
	pp := &PublishPacket{Topic: "", Payload: []byte("x")}
	raw := pp.Encode()

	if err := (&PublishPacket{}).Parse(raw); err == nil {
		t.Fatal("expected an error parsing a PUBLISH with an empty topic")
	}
}

func buildConnectRaw(clientID string, cleanSession bool, keepAlive uint16) []byte {
	var varHeader []byte
	varHeader = append(varHeader, encodeString("MQTT")...)
	varHeader = append(varHeader, 4) // protocol level
	flags := byte(0)
	if cleanSession {
		flags |= 0x02
	}
	varHeader = append(varHeader, flags)
	ka := make([]byte, 2)
	binary.BigEndian.PutUint16(ka, keepAlive)
	varHeader = append(varHeader, ka...)

	payload := encodeString(clientID)

	remaining := len(varHeader) + len(payload)
	var out []byte
	out = append(out, byte(CONNECT))
	out = append(out, byte(remaining)) // remaining length fits in one byte for these tests
	out = append(out, varHeader...)
	out = append(out, payload...)
	return out
}

func TestConnectParseValidPacket(t *testing.T) {
	raw := buildConnectRaw("client1", true, 60)

	cp := &ConnectPacket{}
	if err := cp.Parse(raw); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cp.ClientID != "client1" {
		t.Errorf("ClientID = %q, want client1", cp.ClientID)
	}
	if !cp.CleanSession {
		t.Error("expected CleanSession true")
	}
	if cp.KeepAlive != 60 {
		t.Errorf("KeepAlive = %d, want 60", cp.KeepAlive)
	}
	if cp.ProtocolLevel != 4 {
		t.Errorf("ProtocolLevel = %d, want 4", cp.ProtocolLevel)
	}
}

func TestConnectParseEmptyClientIDAssignsUUID(t *testing.T) {
	raw := buildConnectRaw("", true, 30)

	cp := &ConnectPacket{}
	if err := cp.Parse(raw); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cp.ClientID == "" {
		t.Fatal("expected the broker to assign a generated client ID for an empty one")
	}
}

func TestConnectParseEmptyClientIDWithoutCleanSessionRejected(t *testing.T) {
	raw := buildConnectRaw("", false, 30)

	if err := (&ConnectPacket{}).Parse(raw); err == nil {
		t.Fatal("expected rejection: empty client ID requires clean session")
	}
}

func buildSubscribeRaw(packetID uint16, filters []SubscribeFilter) []byte {
	var payload []byte
	pid := make([]byte, 2)
	binary.BigEndian.PutUint16(pid, packetID)
	payload = append(payload, pid...)
	for _, f := range filters {
		payload = append(payload, encodeString(f.Topic)...)
		payload = append(payload, byte(f.QoS))
	}

	var out []byte
	out = append(out, byte(SUBSCRIBE)|0x02)
	out = append(out, byte(len(payload)))
	out = append(out, payload...)
	return out
}

func TestSubscribeParseMultipleFilters(t *testing.T) {
	raw := buildSubscribeRaw(7, []SubscribeFilter{
		{Topic: "a/b", QoS: QoSAtLeastOnce},
		{Topic: "a/+/c", QoS: QoSAtMostOnce},
	})

	sp := &SubscribePacket{}
	if err := sp.Parse(raw); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if sp.PacketID != 7 {
		t.Errorf("PacketID = %d, want 7", sp.PacketID)
	}
	if len(sp.Filters) != 2 {
		t.Fatalf("expected 2 filters, got %d", len(sp.Filters))
	}
	if sp.Filters[0].Topic != "a/b" || sp.Filters[0].QoS != QoSAtLeastOnce {
		t.Errorf("filter[0] = %+v", sp.Filters[0])
	}
}

func TestSubscribeParseRejectsInvalidMultiLevelWildcardPosition(t *testing.T) {
	raw := buildSubscribeRaw(1, []SubscribeFilter{{Topic: "a/#/b", QoS: QoSAtMostOnce}})

	if err := (&SubscribePacket{}).Parse(raw); err == nil {
		t.Fatal("expected rejection of '#' not in the last position")
	}
}

func TestSubscribeParseRejectsZeroFilters(t *testing.T) {
	raw := buildSubscribeRaw(1, nil)

	if err := (&SubscribePacket{}).Parse(raw); err == nil {
		t.Fatal("expected rejection of a SUBSCRIBE with no topic filters")
	}
}
