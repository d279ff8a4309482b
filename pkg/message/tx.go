package message

import (
	"fmt"
	"sync"
	"sync/atomic"

	canmsg "github.com/samsamfire/gocanmsg"
	"github.com/samsamfire/gocanmsg/pkg/signal"
	"github.com/samsamfire/gocanmsg/pkg/timer"
	log "github.com/sirupsen/logrus"
)

// TxMessage is a periodically transmitted message.
// Application code sets its signals at any time, the transmit timer
// serializes their current values into the payload and sends it.
type TxMessage struct {
	mu       sync.Mutex
	sender   Sender
	ident    uint32
	size     uint8
	periodMs uint32
	signals  []*signal.Signal
	txBuffer canmsg.Frame
	timer    *timer.Timer
	state    atomic.Pointer[Snapshot]
	tx       atomic.Uint64
	txErrors atomic.Uint64
}

// Create a new TxMessage and add its transmit timer to group.
// ident is in [canmsg.Frame] ID format, size is the payload size in bytes.
func NewTxMessage(
	sender Sender,
	ident uint32,
	size uint8,
	periodMs uint32,
	group *timer.Group,
	signals ...*signal.Signal,
) (*TxMessage, error) {
	if sender == nil || group == nil {
		return nil, canmsg.ErrIllegalArgument
	}
	if periodMs == 0 {
		return nil, fmt.Errorf("%w : message x%x period must be > 0", canmsg.ErrConfiguration, ident)
	}
	if err := validate(ident, size, signals); err != nil {
		return nil, err
	}
	tx := &TxMessage{
		sender:   sender,
		ident:    ident,
		size:     size,
		periodMs: periodMs,
		signals:  signals,
		txBuffer: canmsg.NewFrame(ident, 0, size),
	}
	if err := bind(nil, signals); err != nil {
		return nil, err
	}
	tx.state.Store(&Snapshot{Raw: make([]uint64, len(signals))})
	t, err := group.AddNamedTimer(fmt.Sprintf("TX x%x", ident), periodMs, tx.Transmit)
	if err != nil {
		return nil, err
	}
	tx.timer = t
	log.Debugf("[TX][x%x] finished initializing | size : %v | period : %v ms | signals : %v",
		ident,
		size,
		periodMs,
		len(signals),
	)
	return tx, nil
}

// Transmit encodes the current value of every signal into the payload and
// sends it. Called by the transmit timer, it can also be called directly.
func (tx *TxMessage) Transmit() error {
	tx.mu.Lock()
	raws := make([]uint64, len(tx.signals))
	for i, s := range tx.signals {
		raws[i] = s.Raw()
		s.EncodeRaw(raws[i], &tx.txBuffer.Data)
	}
	frame := tx.txBuffer
	sequence := tx.state.Load().Sequence + 1
	tx.state.Store(&Snapshot{Data: frame.Data, Raw: raws, Sequence: sequence})
	tx.mu.Unlock()

	err := tx.sender.Send(frame)
	if err != nil {
		tx.txErrors.Add(1)
		return fmt.Errorf("[TX][x%x] %w", tx.ident, err)
	}
	tx.tx.Add(1)
	return nil
}

func (tx *TxMessage) ID() uint32                { return tx.ident }
func (tx *TxMessage) Size() uint8               { return tx.size }
func (tx *TxMessage) Period() uint32            { return tx.periodMs }
func (tx *TxMessage) Direction() Direction      { return Transmit }
func (tx *TxMessage) Timer() *timer.Timer       { return tx.timer }
func (tx *TxMessage) Signals() []*signal.Signal { return tx.signals }

// Snapshot of the last transmitted payload
func (tx *TxMessage) Snapshot() *Snapshot {
	return tx.state.Load()
}

func (tx *TxMessage) Stats() Stats {
	return Stats{Tx: tx.tx.Load(), TxErrors: tx.txErrors.Load()}
}
