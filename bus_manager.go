package canmsg

import (
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Bus manager is a wrapper around the CAN bus interface.
// It keeps the identifier -> listener registry of received messages and
// dispatches every received frame to the matching listener.
type BusManager struct {
	mu             sync.RWMutex
	bus            Bus // Bus interface that can be adapted
	frameListeners map[uint32]FrameListener
	connected      bool
	unrecognized   atomic.Uint64
	txErrors       atomic.Uint64
}

func NewBusManager(bus Bus) *BusManager {
	return &BusManager{
		bus:            bus,
		frameListeners: make(map[uint32]FrameListener),
	}
}

// Implements the FrameListener interface
// This handles all received CAN frames from Bus
func (bm *BusManager) Handle(frame Frame) {
	if frame.ID&(CanRtrFlag|CanErrFlag) != 0 {
		return
	}
	bm.mu.RLock()
	listener, ok := bm.frameListeners[frame.ID]
	bm.mu.RUnlock()
	if !ok {
		// Traffic that nobody registered for is not an error
		bm.unrecognized.Add(1)
		return
	}
	listener.Handle(frame)
}

// Set bus
func (bm *BusManager) SetBus(bus Bus) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.bus = bus
}

func (bm *BusManager) Bus() Bus {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return bm.bus
}

// Connect initializes the bus with the given arguments (usually the bitrate)
// and subscribes to frame reception. It should be called once before any send.
func (bm *BusManager) Connect(args ...any) error {
	bus := bm.Bus()
	if bus == nil {
		return fmt.Errorf("%w : no bus", ErrIllegalArgument)
	}
	if err := bus.Connect(args...); err != nil {
		return fmt.Errorf("%w : connect : %w", ErrBus, err)
	}
	if err := bus.Subscribe(bm); err != nil {
		return fmt.Errorf("%w : subscribe : %w", ErrBus, err)
	}
	bm.mu.Lock()
	bm.connected = true
	bm.mu.Unlock()
	log.Debugf("[CAN] connected with %v", args)
	return nil
}

func (bm *BusManager) Disconnect() error {
	bm.mu.Lock()
	bus := bm.bus
	bm.connected = false
	bm.mu.Unlock()
	if bus == nil {
		return nil
	}
	return bus.Disconnect()
}

// Send a CAN message, bus failures are wrapped with [ErrBus]
func (bm *BusManager) Send(frame Frame) error {
	bus := bm.Bus()
	if bus == nil {
		return fmt.Errorf("%w : %w", ErrBus, ErrNotConnected)
	}
	err := bus.Send(frame)
	if err != nil {
		bm.txErrors.Add(1)
		log.Warnf("[CAN] sending %v failed : %v", frame, err)
		return fmt.Errorf("%w : %w", ErrBus, err)
	}
	return nil
}

// Register a listener for a given identifier ([Frame.ID] format).
// Only one listener can be registered per identifier.
func (bm *BusManager) Register(ident uint32, listener FrameListener) error {
	if listener == nil {
		return ErrIllegalArgument
	}
	if err := ValidateIdentifier(ident); err != nil {
		return err
	}
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if _, ok := bm.frameListeners[ident]; ok {
		return fmt.Errorf("%w : x%x", ErrIdConflict, ident)
	}
	bm.frameListeners[ident] = listener
	log.Debugf("[CAN] registered listener for x%x", ident)
	return nil
}

// Unregister revokes the listener registered for ident
func (bm *BusManager) Unregister(ident uint32) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if _, ok := bm.frameListeners[ident]; !ok {
		return fmt.Errorf("%w : x%x", ErrNotRegistered, ident)
	}
	delete(bm.frameListeners, ident)
	log.Debugf("[CAN] unregistered listener for x%x", ident)
	return nil
}

// This should be called cyclically from the main loop.
// Buses implementing [Poller] deliver their pending frames here.
func (bm *BusManager) Process() error {
	bus := bm.Bus()
	poller, ok := bus.(Poller)
	if !ok {
		return nil
	}
	if err := poller.Poll(); err != nil {
		return fmt.Errorf("%w : poll : %w", ErrBus, err)
	}
	return nil
}

func (bm *BusManager) Connected() bool {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return bm.connected
}

// Number of received frames that had no registered listener
func (bm *BusManager) Unrecognized() uint64 {
	return bm.unrecognized.Load()
}

// Number of failed sends
func (bm *BusManager) TxErrors() uint64 {
	return bm.txErrors.Load()
}
