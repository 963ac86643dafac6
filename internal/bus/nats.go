package bus

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/monstermq/broker/internal/logger"
	"github.com/monstermq/broker/internal/message"
)

// wireVersion is bumped if the frame layout below changes incompatibly.
const wireVersion = 1

// frameKind distinguishes the two subjects External multiplexes.
type frameKind string

const (
	kindData    frameKind = "data"
	kindControl frameKind = "control"
)

// dataFrame is the wire format for a replicated PUBLISH (spec §6:
// "{version, kind, senderId, payload}").
type dataFrame struct {
	Version  int             `json:"version"`
	Kind     frameKind       `json:"kind"`
	SenderID string          `json:"senderId"`
	Message  message.Message `json:"message"`
}

// controlFrame is the wire format for a replicated subscription mutation
// (spec §6: "{op, clientId, filter?, qos?, seq}").
type controlFrame struct {
	Version int          `json:"version"`
	Kind    frameKind    `json:"kind"`
	Event   ControlEvent `json:"event"`
}

// External is the cluster MessageBus, grounded on the teacher's absence of
// any cluster transport and on the NATS core pub/sub idiom used in the
// retrieved natspubsub example (subject-based fan-out, nats.Msg callbacks).
// It uses plain core NATS (no JetStream): delivery is already at-least-once
// end to end via SessionStore's offline queue, so durable streams would be
// redundant.
type External struct {
	nc         *nats.Conn
	nodeID     string
	dataSubj   string
	ctrlSubj   string
	log        *logger.Logger
	dataSub    *nats.Subscription
	ctrlSub    *nats.Subscription
	lastSeq    map[string]uint64
	onData     DataHandler
	onControl  ControlHandler
}

var _ Bus = (*External)(nil)

// NewExternal connects to a NATS server and subscribes to the cluster's
// data and control subjects. nodeID identifies this broker instance and is
// stamped on every outbound frame so peers (and this node, on loopback
// delivery) can filter out self-originated traffic.
func NewExternal(natsURL, clusterName, nodeID string, log *logger.Logger) (*External, error) {
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	nc, err := nats.Connect(natsURL, nats.Name("monstermq-"+nodeID))
	if err != nil {
		return nil, fmt.Errorf("bus: connect nats: %w", err)
	}

	e := &External{
		nc:       nc,
		nodeID:   nodeID,
		dataSubj: fmt.Sprintf("monstermq.%s.data", clusterName),
		ctrlSubj: fmt.Sprintf("monstermq.%s.control", clusterName),
		log:      log,
		lastSeq:  make(map[string]uint64),
	}

	e.dataSub, err = nc.Subscribe(e.dataSubj, e.handleDataFrame)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bus: subscribe data subject: %w", err)
	}
	e.ctrlSub, err = nc.Subscribe(e.ctrlSubj, e.handleControlFrame)
	if err != nil {
		e.dataSub.Unsubscribe()
		nc.Close()
		return nil, fmt.Errorf("bus: subscribe control subject: %w", err)
	}
	return e, nil
}

func (e *External) PublishData(msg message.Message) error {
	frame := dataFrame{Version: wireVersion, Kind: kindData, SenderID: e.nodeID, Message: msg}
	body, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("bus: marshal data frame: %w", err)
	}
	return e.nc.Publish(e.dataSubj, body)
}

func (e *External) PublishControl(ev ControlEvent) {
	frame := controlFrame{Version: wireVersion, Kind: kindControl, Event: ev}
	body, err := json.Marshal(frame)
	if err != nil {
		e.log.LogError(err, "marshal control frame")
		return
	}
	if err := e.nc.Publish(e.ctrlSubj, body); err != nil {
		e.log.LogError(err, "publish control frame")
	}
}

func (e *External) OnData(h DataHandler)       { e.onData = h }
func (e *External) OnControl(h ControlHandler) { e.onControl = h }

func (e *External) Close() error {
	e.dataSub.Unsubscribe()
	e.ctrlSub.Unsubscribe()
	e.nc.Close()
	return nil
}

func (e *External) handleDataFrame(msg *nats.Msg) {
	var frame dataFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		e.log.LogError(err, "decode data frame")
		return
	}
	if frame.SenderID == e.nodeID || e.onData == nil {
		return
	}
	e.onData(frame.Message)
}

func (e *External) handleControlFrame(msg *nats.Msg) {
	var frame controlFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		e.log.LogError(err, "decode control frame")
		return
	}
	ev := frame.Event
	if ev.NodeID == e.nodeID || e.onControl == nil {
		return
	}
	if ev.Seq != 0 && ev.Seq <= e.lastSeq[ev.NodeID] {
		return // out-of-order duplicate, discard (spec §4.4)
	}
	if ev.Seq != 0 {
		e.lastSeq[ev.NodeID] = ev.Seq
	}
	e.onControl(ev)
}
