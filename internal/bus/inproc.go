package bus

import "github.com/monstermq/broker/internal/message"

// InProc is the single-node Bus: there are no peers, so PublishData and
// PublishControl are no-ops — the local SessionHandler already sees every
// publish/subscribe directly and never needs its own mutations echoed back
// (spec §4.5: "InProc: single node, dispatch is just a direct function
// call").
type InProc struct{}

var _ Bus = (*InProc)(nil)

// NewInProc constructs a no-op cluster transport for standalone brokers.
func NewInProc() *InProc {
	return &InProc{}
}

func (b *InProc) PublishData(msg message.Message) error { return nil }

func (b *InProc) PublishControl(ev ControlEvent) {}

func (b *InProc) OnData(h DataHandler) {}

func (b *InProc) OnControl(h ControlHandler) {}

func (b *InProc) Close() error { return nil }
