package packet

import (
	"encoding/binary"

	"github.com/monstermq/broker/pkg/er"
)

// PUBACK, PUBREC and PUBCOMP share one wire shape: fixed header with
// reserved flags 0000, remaining length 2, a 2-byte packet id. PUBREL is
// the odd one out — its fixed header flags are fixed at 0010 per the MQTT
// 3.1.1 spec, consistent with SUBSCRIBE/UNSUBSCRIBE. All four are
// bidirectional: a broker both sends them (acking a client's QoS1/2
// publish) and receives them (the client acking the broker's own QoS1/2
// publish), so each gets both Parse and Encode.

type PubAckPacket struct{ PacketID uint16 }
type PubRecPacket struct{ PacketID uint16 }
type PubRelPacket struct{ PacketID uint16 }
type PubCompPacket struct{ PacketID uint16 }

func NewPubAck(packetID uint16) *PubAckPacket   { return &PubAckPacket{PacketID: packetID} }
func NewPubRec(packetID uint16) *PubRecPacket   { return &PubRecPacket{PacketID: packetID} }
func NewPubRel(packetID uint16) *PubRelPacket   { return &PubRelPacket{PacketID: packetID} }
func NewPubComp(packetID uint16) *PubCompPacket { return &PubCompPacket{PacketID: packetID} }

func encodeAck(packetType PacketType, flags byte, packetID uint16) []byte {
	return []byte{
		byte(packetType) | flags,
		0x02,
		byte(packetID >> 8),
		byte(packetID & 0xFF),
	}
}

func parseAck(raw []byte, wantType PacketType, wantFlags byte) (uint16, error) {
	if len(raw) != 4 {
		return 0, &er.Err{Context: "Ack", Message: er.ErrInvalidPacketLength}
	}
	if PacketType(raw[0]&0xF0) != wantType {
		return 0, &er.Err{Context: "Ack", Message: er.ErrInvalidPacketType}
	}
	if (raw[0] & 0x0F) != wantFlags {
		return 0, &er.Err{Context: "Ack, Fixed Header", Message: er.ErrInvalidPacketType}
	}
	if raw[1] != 0x02 {
		return 0, &er.Err{Context: "Ack, Remaining Length", Message: er.ErrInvalidPacketLength}
	}
	packetID := binary.BigEndian.Uint16(raw[2:4])
	if packetID == 0 {
		return 0, &er.Err{Context: "Ack, PacketID", Message: er.ErrInvalidPacketID}
	}
	return packetID, nil
}

func (p *PubAckPacket) Encode() []byte { return encodeAck(PUBACK, 0x00, p.PacketID) }
func (p *PubRecPacket) Encode() []byte { return encodeAck(PUBREC, 0x00, p.PacketID) }
func (p *PubRelPacket) Encode() []byte { return encodeAck(PUBREL, 0x02, p.PacketID) }
func (p *PubCompPacket) Encode() []byte { return encodeAck(PUBCOMP, 0x00, p.PacketID) }

func ParsePubAck(raw []byte) (*PubAckPacket, error) {
	id, err := parseAck(raw, PUBACK, 0x00)
	if err != nil {
		return nil, err
	}
	return &PubAckPacket{PacketID: id}, nil
}

func ParsePubRec(raw []byte) (*PubRecPacket, error) {
	id, err := parseAck(raw, PUBREC, 0x00)
	if err != nil {
		return nil, err
	}
	return &PubRecPacket{PacketID: id}, nil
}

func ParsePubRel(raw []byte) (*PubRelPacket, error) {
	id, err := parseAck(raw, PUBREL, 0x02)
	if err != nil {
		return nil, err
	}
	return &PubRelPacket{PacketID: id}, nil
}

func ParsePubComp(raw []byte) (*PubCompPacket, error) {
	id, err := parseAck(raw, PUBCOMP, 0x00)
	if err != nil {
		return nil, err
	}
	return &PubCompPacket{PacketID: id}, nil
}
