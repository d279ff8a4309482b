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

// ReceiveHook is called in reception context after a snapshot is published
type ReceiveHook func(snapshot *Snapshot)

// RxMessage is decoded on reception of a frame with its identifier.
//
// Construction and registration are two separate steps : the message is only
// visible to the reception goroutine once [RxMessage.Register] is called.
type RxMessage struct {
	mu        sync.Mutex // serializes writers, readers never lock
	ident     uint32
	size      uint8
	signals   []*signal.Signal
	state     atomic.Pointer[Snapshot]
	hook      atomic.Pointer[ReceiveHook]
	registrar Registrar
	rx        atomic.Uint64
	rxShort   atomic.Uint64
	timeouts  atomic.Uint64
}

// Create a new RxMessage, the payload size is the smallest byte count
// covering all the signals.
func NewRxMessage(ident uint32, signals ...*signal.Signal) (*RxMessage, error) {
	return NewRxMessageWithSize(ident, MinSize(signals), signals...)
}

// Create a new RxMessage with an explicit payload size in bytes
func NewRxMessageWithSize(ident uint32, size uint8, signals ...*signal.Signal) (*RxMessage, error) {
	if err := validate(ident, size, signals); err != nil {
		return nil, err
	}
	rx := &RxMessage{ident: ident, size: size, signals: signals}
	rx.state.Store(&Snapshot{Raw: make([]uint64, len(signals))})
	if err := bind(rx, signals); err != nil {
		return nil, err
	}
	log.Debugf("[RX][x%x] finished initializing | size : %v | signals : %v", ident, size, len(signals))
	return rx, nil
}

// Register the message for reception of its identifier
func (rx *RxMessage) Register(registrar Registrar) error {
	if registrar == nil {
		return canmsg.ErrIllegalArgument
	}
	rx.mu.Lock()
	defer rx.mu.Unlock()
	if rx.registrar != nil {
		return fmt.Errorf("%w : message x%x already registered", canmsg.ErrIdConflict, rx.ident)
	}
	if err := registrar.Register(rx.ident, rx); err != nil {
		return err
	}
	rx.registrar = registrar
	return nil
}

// Unregister revokes the registration, no more frames are decoded afterwards
func (rx *RxMessage) Unregister() error {
	rx.mu.Lock()
	defer rx.mu.Unlock()
	if rx.registrar == nil {
		return fmt.Errorf("%w : x%x", canmsg.ErrNotRegistered, rx.ident)
	}
	err := rx.registrar.Unregister(rx.ident)
	rx.registrar = nil
	return err
}

func (rx *RxMessage) Registered() bool {
	rx.mu.Lock()
	defer rx.mu.Unlock()
	return rx.registrar != nil
}

// Handle [RxMessage] related RX CAN frames.
// This runs in the bus reception context : the frame is decoded into a new
// snapshot which is then published with a single atomic store.
func (rx *RxMessage) Handle(frame canmsg.Frame) {
	if frame.DLC < rx.size {
		rx.rxShort.Add(1)
		log.Debugf("[RX][x%x] dropping short frame, expected %v bytes got %v", rx.ident, rx.size, frame.DLC)
		return
	}
	rx.mu.Lock()
	snapshot := &Snapshot{Raw: make([]uint64, len(rx.signals))}
	copy(snapshot.Data[:rx.size], frame.Data[:rx.size])
	for i, s := range rx.signals {
		snapshot.Raw[i] = s.DecodeRaw(&snapshot.Data)
	}
	snapshot.Sequence = rx.state.Load().Sequence + 1
	rx.state.Store(snapshot)
	rx.mu.Unlock()

	rx.rx.Add(1)
	if hook := rx.hook.Load(); hook != nil {
		(*hook)(snapshot)
	}
}

// RawAt implements [signal.RawSource] from the current snapshot
func (rx *RxMessage) RawAt(index int) uint64 {
	return rx.state.Load().Raw[index]
}

// OnReceive sets a hook called after each accepted frame, in reception
// context. It must return quickly. nil removes the hook.
func (rx *RxMessage) OnReceive(hook ReceiveHook) {
	if hook == nil {
		rx.hook.Store(nil)
		return
	}
	rx.hook.Store(&hook)
}

// WatchTimeout adds a supervision timer to group. onTimeout is called from the
// main loop once per silence, when no frame was received during a full
// timeout period.
func (rx *RxMessage) WatchTimeout(group *timer.Group, timeoutMs uint32, onTimeout func()) error {
	if group == nil {
		return canmsg.ErrIllegalArgument
	}
	lastSequence := rx.Sequence()
	reported := false
	_, err := group.AddNamedTimer(fmt.Sprintf("RX x%x timeout", rx.ident), timeoutMs, func() error {
		sequence := rx.Sequence()
		if sequence != lastSequence {
			lastSequence = sequence
			reported = false
			return nil
		}
		if reported {
			return nil
		}
		reported = true
		rx.timeouts.Add(1)
		log.Warnf("[RX][x%x] no frame received for %v ms", rx.ident, timeoutMs)
		if onTimeout != nil {
			onTimeout()
		}
		return nil
	})
	return err
}

// Snapshot returns the last complete received payload.
// The returned value must not be modified.
func (rx *RxMessage) Snapshot() *Snapshot {
	return rx.state.Load()
}

// Number of frames decoded so far
func (rx *RxMessage) Sequence() uint64 {
	return rx.state.Load().Sequence
}

func (rx *RxMessage) ID() uint32                { return rx.ident }
func (rx *RxMessage) Size() uint8               { return rx.size }
func (rx *RxMessage) Direction() Direction      { return Receive }
func (rx *RxMessage) Signals() []*signal.Signal { return rx.signals }

func (rx *RxMessage) Stats() Stats {
	return Stats{Rx: rx.rx.Load(), RxShort: rx.rxShort.Load(), Timeouts: rx.timeouts.Load()}
}
