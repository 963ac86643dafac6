// Package client implements the ClientSession (spec §4.7): per-connection
// state for one MQTT client — CONNECT handshake, keep-alive enforcement,
// inbound QoS0/1/2 handling, and an outbound QoS1/2 delivery queue with
// head-of-line ack serialization. It is grounded on the teacher's
// internal/broker/qos.go QoSManager, narrowed from a global
// clientID-keyed table to the per-connection state a single ClientSession
// naturally owns.
package client

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/monstermq/broker/internal/handler"
	"github.com/monstermq/broker/internal/logger"
	"github.com/monstermq/broker/internal/message"
	pkt "github.com/monstermq/broker/internal/packet"
	"github.com/monstermq/broker/pkg/er"
)

// State is the ClientSession lifecycle (spec §4.7).
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateClosed
)

// DefaultQoSRetryInterval and DefaultQoSMaxRetries govern the outbound
// QoS1/2 retransmission timer (spec §6 QoS2RetryInterval/QoS2RetryCount,
// reused here for QoS1 as the teacher's QoSManager did).
const (
	DefaultQoSRetryInterval = 10 * time.Second
	DefaultQoSMaxRetries    = 3
)

// Session is one connected MQTT client. All wire I/O goes through conn;
// mu guards every field touched by both the read loop (inbound) and the
// write/retry path (outbound), since PUBLISH delivery from Handler.Publish
// can race with packets arriving from the client.
type Session struct {
	ClientID     string
	Username     string
	CleanSession bool
	KeepAlive    uint16
	Will         *message.Will

	conn   net.Conn
	h      *handler.Handler
	log    *logger.Logger
	cancel context.CancelFunc

	mu    sync.Mutex
	state State

	// Outbound QoS1/2: head-of-line serialized (spec §4.7.3/§8: at most
	// one outbound QoS1/2 message in flight per session at a time).
	// headOutbound is that one in-flight message, if any; any further
	// QoS1/2 sends queue in pendingOutbound until the head clears
	// (PUBACK/PUBCOMP), mirroring the teacher's pendingQoS1/pendingQoS2
	// single-slot design.
	headOutbound    *message.OutboundInFlight
	pendingOutbound []message.Message
	nextPktID       uint16

	// Inbound QoS2: dedup table keyed by the client's packet id
	// (teacher's qos2Received).
	inboundQoS2 map[uint16]message.Message

	publishLimiter   *rateLimiter
	subscribeLimiter *rateLimiter
}

// New constructs a Session bound to conn, ready to run its read loop.
func New(clientID string, conn net.Conn, h *handler.Handler, log *logger.Logger) *Session {
	return &Session{
		ClientID:         clientID,
		conn:             conn,
		h:                h,
		log:              log,
		state:            StateConnecting,
		inboundQoS2:      make(map[uint16]message.Message),
		publishLimiter:   newRateLimiter(0),
		subscribeLimiter: newRateLimiter(0),
	}
}

// SetRateLimits installs the per-second publish/subscribe caps (spec §6
// MaxPublishRate/MaxSubscribeRate); 0 disables a limiter.
func (s *Session) SetRateLimits(maxPublishRate, maxSubscribeRate int) {
	s.publishLimiter = newRateLimiter(maxPublishRate)
	s.subscribeLimiter = newRateLimiter(maxSubscribeRate)
}

// Deliver implements handler.Deliverer: QoS0 goes straight to the wire.
// QoS1/2 is head-of-line serialized (spec §4.7.3/§8) — if another QoS1/2
// message is already in flight, msg queues in pendingOutbound and is sent
// only once the head clears via HandlePubAck/HandlePubComp.
func (s *Session) Deliver(msg message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return &er.Err{Context: "Deliver", Message: er.ErrBusUnavailable}
	}

	if msg.QoS == message.QoS0 {
		return s.writePublish(msg, nil, false)
	}

	if s.headOutbound != nil {
		s.pendingOutbound = append(s.pendingOutbound, msg)
		return nil
	}
	return s.sendHead(msg)
}

// sendHead writes msg as the new outbound head, allocating its packet id
// and tracking it for ack/retransmission. Callers must hold mu.
func (s *Session) sendHead(msg message.Message) error {
	id := s.allocatePacketID()
	msg.PacketID = id
	s.headOutbound = &message.OutboundInFlight{
		PacketID:   id,
		Message:    msg,
		Stage:      message.StageAwaitAck,
		LastSendAt: time.Now(),
	}
	return s.writePublish(msg, &id, false)
}

// writePublish encodes and writes msg as a PUBLISH packet. Callers must
// hold mu.
func (s *Session) writePublish(msg message.Message, packetID *uint16, dup bool) error {
	pp := &pkt.PublishPacket{
		Topic:    msg.Topic,
		Payload:  msg.Payload,
		QoS:      pkt.QoSLevel(msg.QoS),
		Retain:   msg.Retain,
		PacketID: packetID,
		DUP:      dup,
	}
	_, err := s.conn.Write(pp.Encode())
	return err
}

// allocatePacketID returns the next free id in 1..65535, skipping 0 and
// the current outbound head's id, if any (spec §4.7: "packetId ring
// allocator"). Callers must hold mu.
func (s *Session) allocatePacketID() uint16 {
	for {
		s.nextPktID++
		if s.nextPktID == 0 {
			s.nextPktID = 1
		}
		if s.headOutbound == nil || s.headOutbound.PacketID != s.nextPktID {
			return s.nextPktID
		}
	}
}

// clearHeadAndAdvance drops the current outbound head and, if another
// QoS1/2 message is queued, sends it as the new head. Callers must hold
// mu.
func (s *Session) clearHeadAndAdvance() {
	s.headOutbound = nil
	if len(s.pendingOutbound) == 0 {
		return
	}
	next := s.pendingOutbound[0]
	s.pendingOutbound = s.pendingOutbound[1:]
	s.sendHead(next)
}

// HandlePubAck completes a QoS1 outbound delivery and advances the queue.
func (s *Session) HandlePubAck(packetID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.headOutbound == nil || s.headOutbound.PacketID != packetID {
		return
	}
	s.clearHeadAndAdvance()
}

// HandlePubRec advances a QoS2 outbound delivery to the PUBREL stage and
// returns the PUBREL packet to send.
func (s *Session) HandlePubRec(packetID uint16) *pkt.PubRelPacket {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.headOutbound == nil || s.headOutbound.PacketID != packetID {
		return nil
	}
	s.headOutbound.Stage = message.StageAwaitComp
	s.headOutbound.LastSendAt = time.Now()
	return pkt.NewPubRel(packetID)
}

// HandlePubComp completes a QoS2 outbound delivery and advances the queue.
func (s *Session) HandlePubComp(packetID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.headOutbound == nil || s.headOutbound.PacketID != packetID {
		return
	}
	s.clearHeadAndAdvance()
}

// AllowPublish reports whether another inbound PUBLISH may proceed under
// MaxPublishRate.
func (s *Session) AllowPublish() bool { return s.publishLimiter.Allow() }

// AllowSubscribe reports whether another inbound SUBSCRIBE filter may
// proceed under MaxSubscribeRate.
func (s *Session) AllowSubscribe() bool { return s.subscribeLimiter.Allow() }

// HandleInboundPublish processes a PUBLISH received from the client and
// returns the ack bytes to write back immediately (nil for QoS0).
func (s *Session) HandleInboundPublish(pp *pkt.PublishPacket) ([]byte, error) {
	msg := message.Message{
		Topic:    pp.Topic,
		Payload:  pp.Payload,
		QoS:      message.QoS(pp.QoS),
		Retain:   pp.Retain,
		SenderID: s.ClientID,
	}

	switch pp.QoS {
	case pkt.QoSAtMostOnce:
		return nil, s.h.Publish(msg)

	case pkt.QoSAtLeastOnce:
		if pp.PacketID == nil {
			return nil, &er.Err{Context: "Publish", Message: er.ErrMissingPacketID}
		}
		if err := s.h.Publish(msg); err != nil {
			return nil, err
		}
		return pkt.NewPubAck(*pp.PacketID).Encode(), nil

	case pkt.QoSExactlyOnce:
		if pp.PacketID == nil {
			return nil, &er.Err{Context: "Publish", Message: er.ErrMissingPacketID}
		}
		s.mu.Lock()
		_, dup := s.inboundQoS2[*pp.PacketID]
		if !dup {
			s.inboundQoS2[*pp.PacketID] = msg
		}
		s.mu.Unlock()
		// Publish is deferred to PUBREL (spec §4.7: dedup on the
		// packet id until the handshake completes) so a retried
		// PUBLISH before PUBREL never double-delivers.
		return pkt.NewPubRec(*pp.PacketID).Encode(), nil

	default:
		return nil, &er.Err{Context: "Publish", Message: er.ErrInvalidQoSLevel}
	}
}

// HandlePubRel completes an inbound QoS2 handshake: the buffered message
// is finally published, and PUBCOMP is returned to send back.
func (s *Session) HandlePubRel(packetID uint16) ([]byte, error) {
	s.mu.Lock()
	msg, ok := s.inboundQoS2[packetID]
	delete(s.inboundQoS2, packetID)
	s.mu.Unlock()

	if ok {
		if err := s.h.Publish(msg); err != nil {
			return nil, err
		}
	}
	return pkt.NewPubComp(packetID).Encode(), nil
}

// RetransmitDue resends the outbound head if it has waited longer than
// interval without an ack, up to maxRetries attempts. Exceeding the limit
// drops the head (logging it) and advances to the next queued message, if
// any (spec §4.7.3: at most one outbound QoS1/2 message in flight).
func (s *Session) RetransmitDue(interval time.Duration, maxRetries int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inFlight := s.headOutbound
	if inFlight == nil {
		return
	}
	now := time.Now()
	if now.Sub(inFlight.LastSendAt) < interval {
		return
	}
	if inFlight.RetryCount >= maxRetries {
		if s.log != nil {
			s.log.LogQoSFlow(s.ClientID, inFlight.PacketID, int(inFlight.Message.QoS), "RETRY_LIMIT_EXCEEDED")
		}
		s.clearHeadAndAdvance()
		return
	}
	inFlight.RetryCount++
	inFlight.LastSendAt = now

	id := inFlight.PacketID
	var raw []byte
	switch inFlight.Stage {
	case message.StageAwaitComp:
		raw = pkt.NewPubRel(id).Encode()
	default:
		pp := &pkt.PublishPacket{
			Topic:    inFlight.Message.Topic,
			Payload:  inFlight.Message.Payload,
			QoS:      pkt.QoSLevel(inFlight.Message.QoS),
			Retain:   inFlight.Message.Retain,
			PacketID: &id,
			DUP:      true,
		}
		raw = pp.Encode()
	}
	s.conn.Write(raw)
}

// SetState transitions the session's lifecycle state.
func (s *Session) SetState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// GetState returns the current lifecycle state.
func (s *Session) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetCancel stores the context.CancelFunc used to stop this session's
// background goroutines (keep-alive timer, retry ticker) on close.
func (s *Session) SetCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
}

// Close tears down the connection and cancels background goroutines.
func (s *Session) Close() error {
	s.mu.Lock()
	s.state = StateClosed
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return s.conn.Close()
}
