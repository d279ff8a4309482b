// Package loopback is an in-memory CAN bus, used for simulations and tests.
//
// Buses created on the same channel share a medium : a frame sent by one bus
// is received by all the other ones. In deferred mode, received frames are
// queued and only delivered when [Bus.Poll] is called from the main loop,
// like a controller serviced by polling instead of interrupts.
package loopback

import (
	"errors"
	"sync"

	canmsg "github.com/samsamfire/gocanmsg"
	"github.com/samsamfire/gocanmsg/internal/fifo"
	"github.com/samsamfire/gocanmsg/pkg/can"
	log "github.com/sirupsen/logrus"
)

const DefaultQueueSize = 256

var ErrDisconnected = errors.New("loopback bus is not connected")

func init() {
	can.RegisterInterface("loopback", NewLoopbackBus)
}

type medium struct {
	mu    sync.Mutex
	buses []*Bus
}

var (
	mediumsMu sync.Mutex
	mediums   = make(map[string]*medium)
)

func getMedium(channel string) *medium {
	mediumsMu.Lock()
	defer mediumsMu.Unlock()
	m, ok := mediums[channel]
	if !ok {
		m = &medium{}
		mediums[channel] = m
	}
	return m
}

func (m *medium) attach(b *Bus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.buses {
		if existing == b {
			return
		}
	}
	m.buses = append(m.buses, b)
}

func (m *medium) detach(b *Bus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.buses {
		if existing == b {
			m.buses = append(m.buses[:i], m.buses[i+1:]...)
			return
		}
	}
}

func (m *medium) peers() []*Bus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Bus{}, m.buses...)
}

type Bus struct {
	mu         sync.Mutex
	channel    string
	medium     *medium
	connected  bool
	receiveOwn bool
	deferred   bool
	queue      *fifo.Fifo[canmsg.Frame]
	listener   canmsg.FrameListener
	sent       []canmsg.Frame
	sendErr    error
}

func NewLoopbackBus(channel string) (canmsg.Bus, error) {
	return New(channel), nil
}

// New creates a bus attached to channel once connected
func New(channel string) *Bus {
	return &Bus{
		channel: channel,
		medium:  getMedium(channel),
		queue:   fifo.NewFifo[canmsg.Frame](DefaultQueueSize),
	}
}

func (b *Bus) Connect(...any) error {
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	b.medium.attach(b)
	return nil
}

func (b *Bus) Disconnect() error {
	b.medium.detach(b)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	b.queue.Reset()
	return nil
}

// Send delivers frame to every other bus on the channel
func (b *Bus) Send(frame canmsg.Frame) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return ErrDisconnected
	}
	if b.sendErr != nil {
		err := b.sendErr
		b.mu.Unlock()
		return err
	}
	b.sent = append(b.sent, frame)
	receiveOwn := b.receiveOwn
	b.mu.Unlock()

	for _, peer := range b.medium.peers() {
		if peer == b && !receiveOwn {
			continue
		}
		peer.receive(frame)
	}
	return nil
}

func (b *Bus) Subscribe(listener canmsg.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = listener
	return nil
}

func (b *Bus) receive(frame canmsg.Frame) {
	b.mu.Lock()
	if b.deferred {
		if !b.queue.Push(frame) {
			log.Warnf("[LOOPBACK][%v] reception queue full, dropping %v", b.channel, frame)
		}
		b.mu.Unlock()
		return
	}
	listener := b.listener
	b.mu.Unlock()
	if listener != nil {
		listener.Handle(frame)
	}
}

// Poll delivers the frames queued in deferred mode
func (b *Bus) Poll() error {
	for {
		b.mu.Lock()
		frame, ok := b.queue.Pop()
		listener := b.listener
		b.mu.Unlock()
		if !ok {
			return nil
		}
		if listener != nil {
			listener.Handle(frame)
		}
	}
}

// Frames sent are also delivered to the local subscriber
func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveOwn = receiveOwn
}

// SetDeferred queues received frames until the next [Bus.Poll]
func (b *Bus) SetDeferred(deferred bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deferred = deferred
}

// SetSendError makes every following Send fail with err, nil restores sending
func (b *Bus) SetSendError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErr = err
}

// Sent returns a copy of every frame sent by this bus
func (b *Bus) Sent() []canmsg.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]canmsg.Frame{}, b.sent...)
}

// Pending is the number of frames waiting for [Bus.Poll]
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.GetOccupied()
}

// Dropped is the number of frames lost because the queue was full
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.Overflow()
}
