package packet

import "github.com/monstermq/broker/pkg/er"

// Parse determines the packet type and returns the appropriate parsed
// packet. It covers every MQTT 3.1.1 control packet a broker needs to read
// off the wire: the client-to-server packets, and the acks a client sends
// back in response to a broker's own QoS1/2 PUBLISH.
func Parse(raw []byte) (*ParsedPacket, error) {
	if len(raw) < 1 {
		return nil, &er.Err{Context: "Parse", Message: er.ErrShortBuffer}
	}

	packetType := Type(raw[0])
	result := &ParsedPacket{Type: packetType, Raw: raw}

	switch packetType {
	case CONNECT:
		p := &ConnectPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		result.Connect = p

	case PUBLISH:
		p := &PublishPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		result.Publish = p

	case PUBACK:
		p, err := ParsePubAck(raw)
		if err != nil {
			return nil, err
		}
		result.PubAck = p

	case PUBREC:
		p, err := ParsePubRec(raw)
		if err != nil {
			return nil, err
		}
		result.PubRec = p

	case PUBREL:
		p, err := ParsePubRel(raw)
		if err != nil {
			return nil, err
		}
		result.PubRel = p

	case PUBCOMP:
		p, err := ParsePubComp(raw)
		if err != nil {
			return nil, err
		}
		result.PubComp = p

	case SUBSCRIBE:
		p := &SubscribePacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		result.Subscribe = p

	case UNSUBSCRIBE:
		p := &UnsubscribePacket{}
		if err := p.ParseUnsubscribe(raw); err != nil {
			return nil, err
		}
		result.Unsubscribe = p

	case PINGREQ:
		p := &PingreqPacket{}
		if err := p.ParsePingreq(raw); err != nil {
			return nil, err
		}
		result.Pingreq = p

	case DISCONNECT:
		p := &DisconnectPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		result.Disconnect = p

	default:
		return nil, &er.Err{Context: "Parse", Message: er.ErrInvalidPacketType}
	}

	return result, nil
}
