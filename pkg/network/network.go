// Package network is the application context : it owns the bus, the timer
// group and every message, and runs the main loop.
package network

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	canmsg "github.com/samsamfire/gocanmsg"
	"github.com/samsamfire/gocanmsg/internal/rt"
	"github.com/samsamfire/gocanmsg/pkg/can"
	"github.com/samsamfire/gocanmsg/pkg/config"
	"github.com/samsamfire/gocanmsg/pkg/message"
	"github.com/samsamfire/gocanmsg/pkg/signal"
	"github.com/samsamfire/gocanmsg/pkg/timer"
	log "github.com/sirupsen/logrus"
)

const DefaultTick = time.Millisecond

// Message is the common view of transmitted and received messages
type Message interface {
	ID() uint32
	Size() uint8
	Direction() message.Direction
	Signals() []*signal.Signal
	Snapshot() *message.Snapshot
	Stats() message.Stats
}

// A Network is the main object of this package
// It should be created before doing anything else
// It owns every message and acts as their scheduler
type Network struct {
	*canmsg.BusManager
	mu        sync.RWMutex
	group     *timer.Group
	clock     timer.Clock
	tick      time.Duration
	cpu       int
	messages  map[string]Message
	order     []string
	wgProcess sync.WaitGroup
	cancel    context.CancelFunc
}

// Create a new Network using the given CAN bus, bus can be nil in which case
// it is created on [Network.Connect]
func NewNetwork(bus canmsg.Bus) *Network {
	return &Network{
		BusManager: canmsg.NewBusManager(bus),
		group:      timer.NewGroup(),
		clock:      timer.NewMonotonicClock(),
		tick:       DefaultTick,
		cpu:        -1,
		messages:   map[string]Message{},
	}
}

// Connects to CAN bus, this should be called before anything else.
// Custom CAN backend is possible using a custom "Bus" interface, args are
// then passed to its Connect (usually the bitrate).
// Otherwise it expects an interface name, channel and bitrate.
func (network *Network) Connect(args ...any) error {
	if network.Bus() == nil {
		if len(args) < 3 {
			return fmt.Errorf("%w : either provide custom backend, or provide interface, channel and bitrate", canmsg.ErrIllegalArgument)
		}
		canInterface, ok := args[0].(string)
		if !ok {
			return fmt.Errorf("%w : expecting string for interface got : %v", canmsg.ErrIllegalArgument, args[0])
		}
		channel, ok := args[1].(string)
		if !ok {
			return fmt.Errorf("%w : expecting string for channel got : %v", canmsg.ErrIllegalArgument, args[1])
		}
		bitrate, ok := args[2].(int)
		if !ok {
			return fmt.Errorf("%w : expecting int for bitrate got : %v", canmsg.ErrIllegalArgument, args[2])
		}
		bus, err := can.NewBus(canInterface, channel, bitrate)
		if err != nil {
			return err
		}
		network.SetBus(bus)
		args = []any{bitrate}
	}
	if err := network.BusManager.Connect(args...); err != nil {
		return err
	}
	return network.applyFilters()
}

// Install acceptance filters for received messages, when the bus supports it
func (network *Network) applyFilters() error {
	filterer, ok := network.Bus().(canmsg.Filterer)
	if !ok {
		return nil
	}
	idents := []uint32{}
	network.mu.RLock()
	for _, msg := range network.messages {
		if msg.Direction() == message.Receive {
			idents = append(idents, msg.ID())
		}
	}
	network.mu.RUnlock()
	if len(idents) == 0 {
		return nil
	}
	sort.Slice(idents, func(i, j int) bool { return idents[i] < idents[j] })
	return filterer.SetFilters(idents)
}

// Disconnects from the CAN bus and stops processing
func (network *Network) Disconnect() error {
	network.Stop()
	return network.BusManager.Disconnect()
}

func (network *Network) add(name string, msg Message) {
	network.mu.Lock()
	defer network.mu.Unlock()
	network.messages[name] = msg
	network.order = append(network.order, name)
}

func (network *Network) checkName(name string) error {
	if name == "" {
		return fmt.Errorf("%w : empty message name", canmsg.ErrIllegalArgument)
	}
	network.mu.RLock()
	defer network.mu.RUnlock()
	if _, ok := network.messages[name]; ok {
		return fmt.Errorf("%w : message %q already exists", canmsg.ErrConfiguration, name)
	}
	return nil
}

// Add a periodically transmitted message
func (network *Network) AddTxMessage(name string, ident uint32, size uint8, periodMs uint32, signals ...*signal.Signal) (*message.TxMessage, error) {
	if err := network.checkName(name); err != nil {
		return nil, err
	}
	tx, err := message.NewTxMessage(network.BusManager, ident, size, periodMs, network.group, signals...)
	if err != nil {
		return nil, fmt.Errorf("message %q : %w", name, err)
	}
	network.add(name, tx)
	return tx, nil
}

// Add a received message and register it on the bus. size 0 uses the
// smallest size covering the signals. timeoutMs > 0 enables reception
// timeout supervision.
func (network *Network) AddRxMessage(name string, ident uint32, size uint8, timeoutMs uint32, signals ...*signal.Signal) (*message.RxMessage, error) {
	if err := network.checkName(name); err != nil {
		return nil, err
	}
	if size == 0 {
		size = message.MinSize(signals)
	}
	rx, err := message.NewRxMessageWithSize(ident, size, signals...)
	if err != nil {
		return nil, fmt.Errorf("message %q : %w", name, err)
	}
	if err := rx.Register(network.BusManager); err != nil {
		return nil, fmt.Errorf("message %q : %w", name, err)
	}
	if timeoutMs > 0 {
		err := rx.WatchTimeout(network.group, timeoutMs, func() {
			log.Warnf("[NETWORK] message %q timed out", name)
		})
		if err != nil {
			_ = rx.Unregister()
			return nil, err
		}
	}
	network.add(name, rx)
	if network.Connected() {
		if err := network.applyFilters(); err != nil {
			return rx, fmt.Errorf("message %q : %w", name, err)
		}
	}
	return rx, nil
}

// Add an application timer, run from the main loop with the message timers
func (network *Network) AddTimer(periodMs uint32, callback timer.Callback) (*timer.Timer, error) {
	return network.group.AddTimer(periodMs, callback)
}

// Load every message of def, and the scheduler settings
func (network *Network) Load(def *config.Definition) error {
	if def == nil {
		return canmsg.ErrIllegalArgument
	}
	for _, msgDef := range def.Messages {
		signals := make([]*signal.Signal, 0, len(msgDef.Signals))
		for _, sigConfig := range msgDef.Signals {
			s, err := signal.New(sigConfig)
			if err != nil {
				return fmt.Errorf("message %q : %w", msgDef.Name, err)
			}
			signals = append(signals, s)
		}
		var err error
		switch msgDef.Direction {
		case message.Transmit:
			_, err = network.AddTxMessage(msgDef.Name, msgDef.ID, msgDef.Size, msgDef.PeriodMs, signals...)
		default:
			_, err = network.AddRxMessage(msgDef.Name, msgDef.ID, msgDef.Size, msgDef.TimeoutMs, signals...)
		}
		if err != nil {
			return err
		}
	}
	if def.Scheduler.TickMs > 0 {
		network.SetTick(time.Duration(def.Scheduler.TickMs) * time.Millisecond)
	}
	network.SetCPU(def.Scheduler.CPU)
	log.Infof("[NETWORK] loaded %v messages", len(def.Messages))
	return nil
}

// Names of all the messages, in creation order
func (network *Network) MessageNames() []string {
	network.mu.RLock()
	defer network.mu.RUnlock()
	return append([]string{}, network.order...)
}

func (network *Network) Message(name string) (Message, error) {
	network.mu.RLock()
	defer network.mu.RUnlock()
	msg, ok := network.messages[name]
	if !ok {
		return nil, fmt.Errorf("%w : message %q", canmsg.ErrNotFound, name)
	}
	return msg, nil
}

func (network *Network) Signal(messageName string, signalName string) (*signal.Signal, error) {
	msg, err := network.Message(messageName)
	if err != nil {
		return nil, err
	}
	for _, s := range msg.Signals() {
		if s.Name() == signalName {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w : signal %q in message %q", canmsg.ErrNotFound, signalName, messageName)
}

// Read the current value of a signal, see [signal.Signal.Value]
func (network *Network) Read(messageName string, signalName string) (any, error) {
	s, err := network.Signal(messageName, signalName)
	if err != nil {
		return nil, err
	}
	return s.Value(), nil
}

// Write the value of a transmitted signal. value is a number, or a string
// holding one. Out of range values are clamped and stored, the returned
// error then wraps [canmsg.ErrEncodeRange].
func (network *Network) Write(messageName string, signalName string, value any) error {
	msg, err := network.Message(messageName)
	if err != nil {
		return err
	}
	if msg.Direction() != message.Transmit {
		return fmt.Errorf("%w : message %q is received, its signals are read only", canmsg.ErrIllegalArgument, messageName)
	}
	s, err := network.Signal(messageName, signalName)
	if err != nil {
		return err
	}
	switch v := value.(type) {
	case float64:
		return s.Set(v)
	case float32:
		return s.Set(float64(v))
	case int:
		return s.SetInt(int64(v))
	case int64:
		return s.SetInt(v)
	case int32:
		return s.SetInt(int64(v))
	case uint:
		return s.SetUint(uint64(v))
	case uint64:
		return s.SetUint(v)
	case uint32:
		return s.SetUint(uint64(v))
	case string:
		return writeString(s, v)
	default:
		return fmt.Errorf("%w : unsupported value type %T", canmsg.ErrIllegalArgument, value)
	}
}

// Integers are parsed exactly, anything else as a float
func writeString(s *signal.Signal, text string) error {
	if v, err := strconv.ParseInt(text, 0, 64); err == nil {
		return s.SetInt(v)
	}
	if v, err := strconv.ParseUint(text, 0, 64); err == nil {
		return s.SetUint(v)
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return fmt.Errorf("%w : %q is not a number", canmsg.ErrIllegalArgument, text)
	}
	return s.Set(v)
}

func (network *Network) Group() *timer.Group { return network.group }

func (network *Network) Clock() timer.Clock {
	network.mu.RLock()
	defer network.mu.RUnlock()
	return network.clock
}

// SetClock replaces the time source, e.g. with a [timer.ManualClock]
func (network *Network) SetClock(clock timer.Clock) {
	network.mu.Lock()
	defer network.mu.Unlock()
	network.clock = clock
}

// SetTick sets the main loop period
func (network *Network) SetTick(tick time.Duration) {
	network.mu.Lock()
	defer network.mu.Unlock()
	network.tick = tick
}

// SetCPU pins the main loop to cpu, < 0 disables pinning
func (network *Network) SetCPU(cpu int) {
	network.mu.Lock()
	defer network.mu.Unlock()
	network.cpu = cpu
}

// ProcessOnce services the bus then fires the due timers at now.
// It returns the number of timers fired.
func (network *Network) ProcessOnce(now uint32) int {
	if err := network.BusManager.Process(); err != nil {
		log.Warnf("[NETWORK] %v", err)
	}
	return network.group.Tick(now)
}

// Process runs the main loop until ctx is done
func (network *Network) Process(ctx context.Context) error {
	network.mu.RLock()
	clock, tick, cpu := network.clock, network.tick, network.cpu
	network.mu.RUnlock()
	if cpu >= 0 {
		unpin, err := rt.PinCurrentThread(cpu)
		if err != nil {
			log.Warnf("[NETWORK] running unpinned : %v", err)
		} else {
			defer unpin()
			log.Infof("[NETWORK] main loop pinned to cpu %v", cpu)
		}
	}
	err := network.group.Run(ctx, clock, tick, network.BusManager.Process)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Start runs [Network.Process] in its own goroutine, until [Network.Stop]
func (network *Network) Start() {
	network.mu.Lock()
	if network.cancel != nil {
		network.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	network.cancel = cancel
	network.mu.Unlock()
	network.wgProcess.Add(1)
	go func() {
		defer network.wgProcess.Done()
		if err := network.Process(ctx); err != nil {
			log.Errorf("[NETWORK] main loop exited : %v", err)
		}
	}()
}

func (network *Network) Stop() {
	network.mu.Lock()
	cancel := network.cancel
	network.cancel = nil
	network.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	network.wgProcess.Wait()
}
