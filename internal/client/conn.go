package client

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/monstermq/broker/internal/auth"
	"github.com/monstermq/broker/internal/handler"
	"github.com/monstermq/broker/internal/logger"
	"github.com/monstermq/broker/internal/message"
	pkt "github.com/monstermq/broker/internal/packet"
	"github.com/monstermq/broker/pkg/er"
)

// Options configures the per-connection behavior a listener hands to Run.
type Options struct {
	Auth             *auth.Store // nil disables authentication and authorization
	KeepAliveGrace   float64     // multiplier applied to the client's KeepAlive (spec §6, default 1.5)
	QoSRetryInterval time.Duration
	QoSMaxRetries    int
	MaxMessageSize   int
	MaxPublishRate   int // spec §6 MaxPublishRate, 0 disables
	MaxSubscribeRate int // spec §6 MaxSubscribeRate, 0 disables
}

// Run owns one accepted connection end to end: it blocks on the CONNECT
// handshake, registers the resulting Session with reg, then services the
// connection's read loop until the client disconnects or the conn dies.
// Grounded on the teacher's internal/transport/tcp.go handleConnection,
// restructured around the layered Handler/Session split instead of a
// monolithic broker map.
func Run(ctx context.Context, conn net.Conn, h *handler.Handler, reg *Registry, log *logger.Logger, opts Options) {
	defer conn.Close()

	reader := bufio.NewReader(conn)

	raw, err := readPacket(reader, opts.MaxMessageSize)
	if err != nil {
		if log != nil && !errors.Is(err, io.EOF) {
			log.LogError(err, "read CONNECT")
		}
		return
	}
	if pkt.Type(raw[0]) != pkt.CONNECT {
		conn.Write(pkt.NewConnAck(false, pkt.UnacceptableProtocolVersion))
		return
	}

	cp := &pkt.ConnectPacket{}
	if err := cp.Parse(raw); err != nil {
		conn.Write(pkt.NewConnAck(false, connackCodeFor(err)))
		return
	}

	if cp.UsernameFlag && opts.Auth != nil {
		username := ""
		if cp.Username != nil {
			username = *cp.Username
		}
		password := ""
		if cp.Password != nil {
			password = *cp.Password
		}
		if err := opts.Auth.Authenticate(username, password); err != nil {
			if log != nil {
				log.LogAuth(cp.ClientID, username, false, err.Error())
			}
			conn.Write(pkt.NewConnAck(false, pkt.BadUsernameOrPassword))
			return
		}
	}

	sessionPresent, err := h.OnConnect(cp.ClientID, cp.CleanSession)
	if err != nil {
		if log != nil {
			log.LogError(err, "session attach")
		}
		conn.Write(pkt.NewConnAck(false, pkt.ServerUnavailable))
		return
	}

	sess := New(cp.ClientID, conn, h, log)
	sess.Username = derefOr(cp.Username, "")
	sess.CleanSession = cp.CleanSession
	sess.KeepAlive = cp.KeepAlive
	sess.SetRateLimits(opts.MaxPublishRate, opts.MaxSubscribeRate)
	if cp.WillFlag {
		sess.Will = &message.Will{
			Topic:   derefOr(cp.WillTopic, ""),
			Payload: []byte(derefOr(cp.WillMessage, "")),
			QoS:     message.QoS(cp.WillQoS),
			Retain:  cp.WillRetain,
		}
		if err := h.SetWill(cp.ClientID, sess.Will); err != nil && log != nil {
			log.LogError(err, "store will")
		}
	}

	if evicted, ok := reg.Swap(cp.ClientID, sess); ok {
		evicted.Close()
	}
	defer reg.Remove(cp.ClientID, sess)

	sess.SetState(StateConnected)
	conn.Write(pkt.NewConnAck(sessionPresent, pkt.ConnectionAccepted))
	if log != nil {
		log.LogClientConnection(cp.ClientID, conn.RemoteAddr().String(), "connected")
	}

	if queued, err := h.DrainOffline(cp.ClientID); err == nil {
		for _, msg := range queued {
			sess.Deliver(msg)
		}
	}

	grace := opts.KeepAliveGrace
	if grace <= 0 {
		grace = 1.5
	}
	retryInterval := opts.QoSRetryInterval
	if retryInterval <= 0 {
		retryInterval = DefaultQoSRetryInterval
	}
	maxRetries := opts.QoSMaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultQoSMaxRetries
	}

	ctx, cancel := context.WithCancel(ctx)
	sess.SetCancel(cancel)
	go keepAliveLoop(ctx, conn, sess, cp.KeepAlive, grace)
	go retryLoop(ctx, sess, retryInterval, maxRetries)

	ungraceful := true
	for {
		raw, err := readPacket(reader, opts.MaxMessageSize)
		if err != nil {
			if log != nil && errors.Is(err, er.ErrPayloadTooLarge) {
				log.LogError(err, "oversized packet, closing connection")
			}
			break
		}
		conn.SetReadDeadline(time.Time{})
		if ptype := pkt.Type(raw[0]); ptype == pkt.DISCONNECT {
			ungraceful = false
			break
		}
		if err := dispatch(raw, sess, h, cp.ClientID, opts); err != nil {
			if log != nil {
				log.LogError(err, "dispatch packet")
			}
			break
		}
	}

	sess.SetState(StateDisconnecting)
	if ungraceful && sess.Will != nil {
		if err := h.TriggerWill(cp.ClientID); err != nil && log != nil {
			log.LogError(err, "trigger will")
		}
	} else if !ungraceful {
		if err := h.SetWill(cp.ClientID, nil); err != nil && log != nil {
			log.LogError(err, "clear will")
		}
	}
	h.Disconnect(cp.ClientID, cp.CleanSession)
	if log != nil {
		log.LogClientConnection(cp.ClientID, conn.RemoteAddr().String(), "disconnected")
	}
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}

// readPacket reads one complete MQTT control packet: a 1-byte fixed
// header, the variable-length remaining-length field, then that many
// bytes of variable header and payload. maxMessageSize (spec §4.8/§6,
// 0 disables) is enforced against the declared remaining length as soon
// as it is known, before the packet buffer is allocated, so an oversized
// frame of any packet type is rejected without ever reading its body.
func readPacket(reader *bufio.Reader, maxMessageSize int) ([]byte, error) {
	first, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	remaining := 0
	multiplier := 1
	lenBytes := make([]byte, 0, 4)
	for {
		if len(lenBytes) == 4 {
			return nil, &er.Err{Context: "FixedHeader", Message: er.ErrRemainingLengthExceeded}
		}
		b, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		lenBytes = append(lenBytes, b)
		remaining += int(b&0x7F) * multiplier
		multiplier *= 128
		if b&0x80 == 0 {
			break
		}
	}

	if maxMessageSize > 0 && remaining > maxMessageSize {
		return nil, &er.Err{Context: "FixedHeader", Message: er.ErrPayloadTooLarge}
	}

	out := make([]byte, 1+len(lenBytes)+remaining)
	out[0] = first
	copy(out[1:], lenBytes)
	if _, err := io.ReadFull(reader, out[1+len(lenBytes):]); err != nil {
		return nil, err
	}
	return out, nil
}

// dispatch routes one fully-read packet to the appropriate Session/Handler
// method and writes back whatever ack the protocol requires.
func dispatch(raw []byte, sess *Session, h *handler.Handler, clientID string, opts Options) error {
	switch pkt.Type(raw[0]) {
	case pkt.PUBLISH:
		pp := &pkt.PublishPacket{}
		if err := pp.Parse(raw); err != nil {
			return err
		}
		if !sess.AllowPublish() {
			// spec §6/§4.7.2: excess QoS0 is dropped silently, excess
			// QoS1/2 closes the connection (the client would otherwise
			// retry forever waiting for an ack that never comes).
			if pp.QoS == pkt.QoSAtMostOnce {
				return nil
			}
			return &er.Err{Context: "Publish", Message: er.ErrRateLimitExceeded}
		}
		if opts.Auth != nil {
			if err := opts.Auth.Authorize(sess.Username, auth.OpPublish, pp.Topic); err != nil {
				if sess.log != nil {
					sess.log.LogAuth(clientID, sess.Username, false, "publish denied: "+pp.Topic)
				}
				return nil // spec §4.6: unauthorized publish is dropped silently
			}
		}
		ack, err := sess.HandleInboundPublish(pp)
		if err != nil {
			return err
		}
		if ack != nil {
			_, err = sess.conn.Write(ack)
		}
		return err

	case pkt.PUBACK:
		p, err := pkt.ParsePubAck(raw)
		if err != nil {
			return err
		}
		sess.HandlePubAck(p.PacketID)
		return nil

	case pkt.PUBREC:
		p, err := pkt.ParsePubRec(raw)
		if err != nil {
			return err
		}
		if rel := sess.HandlePubRec(p.PacketID); rel != nil {
			_, err = sess.conn.Write(rel.Encode())
		}
		return err

	case pkt.PUBREL:
		p, err := pkt.ParsePubRel(raw)
		if err != nil {
			return err
		}
		ack, err := sess.HandlePubRel(p.PacketID)
		if err != nil {
			return err
		}
		_, err = sess.conn.Write(ack)
		return err

	case pkt.PUBCOMP:
		p, err := pkt.ParsePubComp(raw)
		if err != nil {
			return err
		}
		sess.HandlePubComp(p.PacketID)
		return nil

	case pkt.SUBSCRIBE:
		sp := &pkt.SubscribePacket{}
		if err := sp.Parse(raw); err != nil {
			return err
		}
		codes := make([]byte, len(sp.Filters))
		var retainedOut []message.Message
		for i, f := range sp.Filters {
			if !sess.AllowSubscribe() {
				codes[i] = pkt.SubackFailure
				continue
			}
			if opts.Auth != nil {
				if err := opts.Auth.Authorize(sess.Username, auth.OpSubscribe, f.Topic); err != nil {
					codes[i] = pkt.SubackFailure
					if sess.log != nil {
						sess.log.LogAuth(clientID, sess.Username, false, "subscribe denied: "+f.Topic)
					}
					continue
				}
			}
			retained, err := h.Subscribe(clientID, f.Topic, message.QoS(f.QoS))
			if err != nil {
				codes[i] = pkt.SubackFailure
				continue
			}
			codes[i] = byte(f.QoS)
			retainedOut = append(retainedOut, retained...)
		}
		suback := &pkt.SubackPacket{PacketID: sp.PacketID, ReturnCodes: codes}
		if _, err := sess.conn.Write(suback.Encode()); err != nil {
			return err
		}
		for _, m := range retainedOut {
			sess.Deliver(m)
		}
		return nil

	case pkt.UNSUBSCRIBE:
		up := &pkt.UnsubscribePacket{}
		if err := up.ParseUnsubscribe(raw); err != nil {
			return err
		}
		for _, f := range up.TopicFilters {
			h.Unsubscribe(clientID, f)
		}
		unsuback := pkt.NewUnsubAck(up)
		_, err := sess.conn.Write(unsuback.Encode())
		return err

	case pkt.PINGREQ:
		ppq := &pkt.PingreqPacket{}
		if err := ppq.ParsePingreq(raw); err != nil {
			return err
		}
		_, err := sess.conn.Write(pkt.CreatePingresp().Encode())
		return err

	default:
		return &er.Err{Context: "Dispatch", Message: er.ErrInvalidPacketType}
	}
}

// connackCodeFor maps a CONNECT parse error to its MQTT 3.1.1 CONNACK
// return code (spec §4.7.1).
func connackCodeFor(err error) byte {
	switch {
	case errors.Is(err, er.ErrUnsupportedProtocolLevel), errors.Is(err, er.ErrUnsupportedProtocolName):
		return pkt.UnacceptableProtocolVersion
	case errors.Is(err, er.ErrInvalidCharsClientID), errors.Is(err, er.ErrClientIDLengthExceed), errors.Is(err, er.ErrIdentifierRejected):
		return pkt.IdentifierRejected
	case errors.Is(err, er.ErrPasswordWithoutUsername), errors.Is(err, er.ErrMalformedUsernameField), errors.Is(err, er.ErrMalformedPasswordField):
		return pkt.BadUsernameOrPassword
	default:
		return pkt.ServerUnavailable
	}
}

// keepAliveLoop enforces the 1.5x-KeepAlive read deadline (spec §4.7.2):
// MQTT 3.1.1 §3.1.2.10 allows the server "a reasonable amount of
// additional time" beyond the nominal interval before timing out.
func keepAliveLoop(ctx context.Context, conn net.Conn, sess *Session, keepAlive uint16, grace float64) {
	if keepAlive == 0 {
		return
	}
	timeout := time.Duration(float64(keepAlive)*grace) * time.Second
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetReadDeadline(time.Now().Add(timeout))
		}
	}
}

func retryLoop(ctx context.Context, sess *Session, interval time.Duration, maxRetries int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sess.RetransmitDue(interval, maxRetries)
		}
	}
}
