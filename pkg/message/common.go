// Package message groups signals into CAN frames.
//
// A [TxMessage] is serialized and sent by a periodic timer. A [RxMessage] is
// decoded when a frame with its identifier is received.
//
// Received messages are published as immutable [Snapshot]s through an atomic
// pointer swap : the reception goroutine decodes a complete frame into a new
// snapshot, then publishes it in one store. Readers load the current snapshot
// without locking and always observe either the previous or the new frame,
// never a mix of both.
package message

import (
	"fmt"
	"sort"

	canmsg "github.com/samsamfire/gocanmsg"
	"github.com/samsamfire/gocanmsg/pkg/signal"
	"go.einride.tech/can"
)

const MaxMessageSize uint8 = can.MaxDataLength

type Direction uint8

const (
	Transmit Direction = iota
	Receive
)

func (d Direction) String() string {
	switch d {
	case Transmit:
		return "tx"
	case Receive:
		return "rx"
	default:
		return "unknown"
	}
}

// ParseDirection parses "tx" / "rx" (and their long forms)
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "tx", "TX", "transmit":
		return Transmit, nil
	case "rx", "RX", "receive":
		return Receive, nil
	}
	return 0, fmt.Errorf("%w : unknown direction %q", canmsg.ErrConfiguration, s)
}

// Snapshot is one complete, immutable state of a message payload.
// Raw holds the raw value of every signal, in message order.
type Snapshot struct {
	Data     can.Data
	Raw      []uint64
	Sequence uint64
}

// Statistics of a message
type Stats struct {
	Tx       uint64
	TxErrors uint64
	Rx       uint64
	RxShort  uint64
	Timeouts uint64
}

// Sender is the transmit side of a bus, e.g. [canmsg.BusManager]
type Sender interface {
	Send(frame canmsg.Frame) error
}

// Registrar is the receive side of a bus, e.g. [canmsg.BusManager]
type Registrar interface {
	Register(ident uint32, listener canmsg.FrameListener) error
	Unregister(ident uint32) error
}

// MinSize returns the smallest byte count covering every signal
func MinSize(signals []*signal.Signal) uint8 {
	end := 0
	for _, s := range signals {
		if s != nil && s.End() > end {
			end = s.End()
		}
	}
	return uint8((end + 7) / 8)
}

// validate checks that signals fit in size bytes and do not overlap
func validate(ident uint32, size uint8, signals []*signal.Signal) error {
	if err := canmsg.ValidateIdentifier(ident); err != nil {
		return err
	}
	if size == 0 || size > MaxMessageSize {
		return fmt.Errorf("%w : message x%x size %d not in [1,%d]", canmsg.ErrConfiguration, ident, size, MaxMessageSize)
	}
	if len(signals) == 0 {
		return fmt.Errorf("%w : message x%x has no signals", canmsg.ErrConfiguration, ident)
	}
	sorted := make([]*signal.Signal, len(signals))
	copy(sorted, signals)
	for _, s := range sorted {
		if s == nil {
			return fmt.Errorf("%w : message x%x has a nil signal", canmsg.ErrIllegalArgument, ident)
		}
		if s.End() > int(size)*8 {
			return fmt.Errorf("%w : message x%x signal %q bits [%d,%d) exceed %d bytes", canmsg.ErrConfiguration, ident, s.Name(), s.Start(), s.End(), size)
		}
		if s.Bound() {
			return fmt.Errorf("%w : message x%x signal %q already belongs to a message", canmsg.ErrConfiguration, ident, s.Name())
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start() < sorted[j].Start() })
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if prev == cur {
			return fmt.Errorf("%w : message x%x signal %q listed twice", canmsg.ErrConfiguration, ident, cur.Name())
		}
		if int(cur.Start()) < prev.End() {
			return fmt.Errorf("%w : message x%x signals %q and %q overlap", canmsg.ErrConfiguration, ident, prev.Name(), cur.Name())
		}
	}
	return nil
}

// bind attaches every signal to its message
func bind(source signal.RawSource, signals []*signal.Signal) error {
	for i, s := range signals {
		if err := s.Bind(source, i); err != nil {
			return err
		}
	}
	return nil
}
