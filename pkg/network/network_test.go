package network

import (
	"context"
	"sync"
	"testing"
	"time"

	canmsg "github.com/samsamfire/gocanmsg"
	"github.com/samsamfire/gocanmsg/pkg/can/loopback"
	"github.com/samsamfire/gocanmsg/pkg/config"
	"github.com/samsamfire/gocanmsg/pkg/message"
	"github.com/samsamfire/gocanmsg/pkg/signal"
	"github.com/samsamfire/gocanmsg/pkg/timer"
	"github.com/stretchr/testify/assert"
)

const definition = `
[Scheduler]
TickMs = 5

[Message.Millis]
ID        = 0x100
Size      = 4
Direction = tx
PeriodMs  = 100

[Message.Millis.Signal.millis]
Start  = 0
Length = 32

[Message.Command]
ID        = 0x200
Direction = rx
TimeoutMs = 50

[Message.Command.Signal.speed]
Start  = 0
Length = 16
Factor = 0.5
Type   = float
`

// Two networks sharing a loopback channel, the first one transmits Millis
func newPair(t *testing.T) (*Network, *Network) {
	a := NewNetwork(loopback.New(t.Name()))
	b := NewNetwork(loopback.New(t.Name()))
	assert.Nil(t, a.Connect())
	assert.Nil(t, b.Connect())
	t.Cleanup(func() {
		_ = a.Disconnect()
		_ = b.Disconnect()
	})
	return a, b
}

// Loopback bus that only delivers identifiers accepted by its filters
type filteringBus struct {
	*loopback.Bus
	mu      sync.Mutex
	filters map[uint32]bool
}

type filteredListener struct {
	bus      *filteringBus
	listener canmsg.FrameListener
}

func (l *filteredListener) Handle(frame canmsg.Frame) {
	if l.bus.accepts(frame.ID) {
		l.listener.Handle(frame)
	}
}

func (b *filteringBus) SetFilters(idents []uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filters = map[uint32]bool{}
	for _, ident := range idents {
		b.filters[ident] = true
	}
	return nil
}

func (b *filteringBus) Subscribe(listener canmsg.FrameListener) error {
	return b.Bus.Subscribe(&filteredListener{bus: b, listener: listener})
}

func (b *filteringBus) accepts(ident uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.filters[ident]
}

func TestFiltersFollowMessages(t *testing.T) {
	peer := loopback.New(t.Name())
	assert.Nil(t, peer.Connect())
	bus := &filteringBus{Bus: loopback.New(t.Name())}
	network := NewNetwork(bus)
	t.Cleanup(func() {
		_ = network.Disconnect()
		_ = peer.Disconnect()
	})
	before, err := network.AddRxMessage("Before", 0x200, 0, 0, signal.Uint("a", 0, 8))
	assert.Nil(t, err)
	assert.Nil(t, network.Connect())
	assert.True(t, bus.accepts(0x200))
	after, err := network.AddRxMessage("After", 0x300, 0, 0, signal.Uint("b", 0, 8))
	assert.Nil(t, err)
	assert.True(t, bus.accepts(0x300))

	assert.Nil(t, peer.Send(canmsg.NewFrame(0x300, 0, 1)))
	assert.Nil(t, peer.Send(canmsg.NewFrame(0x200, 0, 1)))
	assert.Nil(t, peer.Send(canmsg.NewFrame(0x400, 0, 1)))
	assert.EqualValues(t, 1, after.Sequence())
	assert.EqualValues(t, 1, before.Sequence())
	assert.EqualValues(t, 0, network.Unrecognized())
}

func TestConnectFromRegistry(t *testing.T) {
	network := NewNetwork(nil)
	assert.ErrorIs(t, network.Connect(), canmsg.ErrIllegalArgument)
	assert.ErrorIs(t, network.Connect("loopback", 12, 500_000), canmsg.ErrIllegalArgument)
	assert.Nil(t, network.Connect("loopback", t.Name(), 500_000))
	assert.True(t, network.Connected())
	_, ok := network.Bus().(*loopback.Bus)
	assert.True(t, ok)
	assert.Nil(t, network.Disconnect())
}

func TestTransmitReceive(t *testing.T) {
	a, b := newPair(t)
	clock := &timer.ManualClock{}
	a.SetClock(clock)

	millis := signal.Uint("millis", 0, 32)
	_, err := a.AddTxMessage("Millis", 0x100, 4, 100, millis)
	assert.Nil(t, err)
	received := signal.Uint("millis", 0, 32)
	rx, err := b.AddRxMessage("Millis", 0x100, 0, 0, received)
	assert.Nil(t, err)
	assert.EqualValues(t, 4, rx.Size())

	assert.Nil(t, millis.SetUint(123456))
	for now := uint32(0); now <= 100; now += 10 {
		a.ProcessOnce(now)
	}
	sent := a.Bus().(*loopback.Bus).Sent()
	assert.Len(t, sent, 1)
	assert.EqualValues(t, 0x100, sent[0].ID)
	assert.Equal(t, []byte{0x40, 0xE2, 0x01, 0x00}, sent[0].Data[:4])
	assert.EqualValues(t, 123456, received.Uint())
	assert.EqualValues(t, 1, rx.Sequence())
}

func TestLoadDefinition(t *testing.T) {
	a, b := newPair(t)
	def, err := config.Load([]byte(definition))
	assert.Nil(t, err)
	assert.Nil(t, a.Load(def))
	assert.Equal(t, []string{"Millis", "Command"}, a.MessageNames())

	// Mirror network : same layout, reversed directions
	_, err = b.AddRxMessage("Millis", 0x100, 4, 0, signal.Uint("millis", 0, 32))
	assert.Nil(t, err)
	_, err = b.AddTxMessage("Command", 0x200, 2, 20, signal.Scaled("speed", 0, 16, 0.5, 0, false))
	assert.Nil(t, err)

	assert.Nil(t, a.Write("Millis", "millis", 42))
	assert.Nil(t, b.Write("Command", "speed", 12.5))
	for now := uint32(0); now <= 100; now += 5 {
		a.ProcessOnce(now)
		b.ProcessOnce(now)
	}
	value, err := b.Read("Millis", "millis")
	assert.Nil(t, err)
	assert.Equal(t, uint64(42), value)
	value, err = a.Read("Command", "speed")
	assert.Nil(t, err)
	assert.Equal(t, 12.5, value)

	cmd, err := a.Message("Command")
	assert.Nil(t, err)
	assert.Equal(t, message.Receive, cmd.Direction())
	assert.EqualValues(t, 5, cmd.Stats().Rx)
	assert.EqualValues(t, 0, cmd.Stats().Timeouts)
}

func TestReceiveTimeout(t *testing.T) {
	a, _ := newPair(t)
	def, _ := config.Load([]byte(definition))
	assert.Nil(t, a.Load(def))
	for now := uint32(0); now <= 200; now += 5 {
		a.ProcessOnce(now)
	}
	cmd, _ := a.Message("Command")
	assert.EqualValues(t, 1, cmd.Stats().Timeouts)
}

func TestNameErrors(t *testing.T) {
	a, _ := newPair(t)
	_, err := a.AddTxMessage("A", 0x1, 1, 10, signal.Uint("a", 0, 8))
	assert.Nil(t, err)
	_, err = a.AddTxMessage("A", 0x2, 1, 10, signal.Uint("b", 0, 8))
	assert.ErrorIs(t, err, canmsg.ErrConfiguration)
	_, err = a.AddRxMessage("", 0x3, 1, 0, signal.Uint("c", 0, 8))
	assert.ErrorIs(t, err, canmsg.ErrIllegalArgument)
	_, err = a.AddRxMessage("B", 0x4, 1, 0, signal.Uint("d", 0, 8))
	assert.Nil(t, err)
	_, err = a.AddRxMessage("C", 0x4, 1, 0, signal.Uint("e", 0, 8))
	assert.ErrorIs(t, err, canmsg.ErrIdConflict)

	_, err = a.Message("missing")
	assert.ErrorIs(t, err, canmsg.ErrNotFound)
	_, err = a.Signal("A", "missing")
	assert.ErrorIs(t, err, canmsg.ErrNotFound)
	assert.ErrorIs(t, a.Write("B", "d", 1), canmsg.ErrIllegalArgument)
	assert.ErrorIs(t, a.Write("A", "a", []int{1}), canmsg.ErrIllegalArgument)
	assert.ErrorIs(t, a.Write("A", "a", "abc"), canmsg.ErrIllegalArgument)
	assert.ErrorIs(t, a.Write("A", "a", 300), canmsg.ErrEncodeRange)
	assert.Nil(t, a.Write("A", "a", "0x10"))
	value, _ := a.Read("A", "a")
	assert.Equal(t, uint64(0x10), value)
}

func TestApplicationTimer(t *testing.T) {
	a, _ := newPair(t)
	count := 0
	_, err := a.AddTimer(10, func() error { count++; return nil })
	assert.Nil(t, err)
	for now := uint32(0); now <= 50; now++ {
		a.ProcessOnce(now)
	}
	assert.Equal(t, 5, count)
}

func TestDeferredDelivery(t *testing.T) {
	a, b := newPair(t)
	b.Bus().(*loopback.Bus).SetDeferred(true)
	tx, _ := a.AddTxMessage("A", 0x10, 1, 10, signal.Uint("a", 0, 8))
	rx, _ := b.AddRxMessage("A", 0x10, 1, 0, signal.Uint("a", 0, 8))
	assert.Nil(t, tx.Transmit())
	assert.EqualValues(t, 0, rx.Sequence())
	b.ProcessOnce(0)
	assert.EqualValues(t, 1, rx.Sequence())
}

func TestStartStop(t *testing.T) {
	a, b := newPair(t)
	a.SetTick(time.Millisecond)
	s := signal.Uint("a", 0, 8)
	_, _ = a.AddTxMessage("A", 0x10, 1, 5, s)
	rx, _ := b.AddRxMessage("A", 0x10, 1, 0, signal.Uint("a", 0, 8))
	_ = s.SetUint(7)
	a.Start()
	a.Start()
	assert.Eventually(t, func() bool { return rx.Sequence() >= 2 }, time.Second, time.Millisecond)
	a.Stop()
	a.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Nil(t, a.Process(ctx))
}
