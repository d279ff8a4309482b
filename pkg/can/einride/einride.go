//go:build linux

// Package einride is a socketcan bus built on go.einride.tech/can.
//
// Unlike the "socketcan" interface, transmission honours a context deadline
// and error frames reported by the kernel are logged.
package einride

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	canmsg "github.com/samsamfire/gocanmsg"
	"github.com/samsamfire/gocanmsg/pkg/can"
	log "github.com/sirupsen/logrus"
	"go.einride.tech/can/pkg/socketcan"
)

const sendTimeout = 50 * time.Millisecond

func init() {
	can.RegisterInterface("einride", NewEinrideBus)
}

type Bus struct {
	mu          sync.Mutex
	iface       string
	conn        net.Conn
	transmitter *socketcan.Transmitter
	listener    canmsg.FrameListener
	wg          sync.WaitGroup
	receiving   bool
}

func NewEinrideBus(iface string) (canmsg.Bus, error) {
	if iface == "" {
		return nil, fmt.Errorf("%w : empty interface name", canmsg.ErrIllegalArgument)
	}
	return &Bus{iface: iface}, nil
}

// "Connect" implementation of Bus interface, the bitrate is configured
// outside of the program
func (b *Bus) Connect(...any) error {
	conn, err := socketcan.DialContext(context.Background(), "can", b.iface)
	if err != nil {
		return fmt.Errorf("socketcan dial %v : %w", b.iface, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conn = conn
	b.transmitter = socketcan.NewTransmitter(conn)
	return nil
}

func (b *Bus) Disconnect() error {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.transmitter = nil
	b.mu.Unlock()
	if conn == nil {
		return nil
	}
	// Closing the socket unblocks the receiver
	err := conn.Close()
	b.wg.Wait()
	return err
}

func (b *Bus) Send(frame canmsg.Frame) error {
	b.mu.Lock()
	transmitter := b.transmitter
	b.mu.Unlock()
	if transmitter == nil {
		return canmsg.ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return transmitter.TransmitFrame(ctx, frame.Einride())
}

func (b *Bus) Subscribe(listener canmsg.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = listener
	if b.receiving {
		return nil
	}
	if b.conn == nil {
		return canmsg.ErrNotConnected
	}
	b.receiving = true
	b.wg.Add(1)
	go b.receive(socketcan.NewReceiver(b.conn))
	return nil
}

func (b *Bus) receive(receiver *socketcan.Receiver) {
	defer func() {
		b.mu.Lock()
		b.receiving = false
		b.mu.Unlock()
		b.wg.Done()
	}()
	for receiver.Receive() {
		if receiver.HasErrorFrame() {
			log.Warnf("[EINRIDE][%v] error frame : %v", b.iface, receiver.ErrorFrame())
			continue
		}
		b.mu.Lock()
		listener := b.listener
		b.mu.Unlock()
		if listener != nil {
			listener.Handle(canmsg.FromEinride(receiver.Frame()))
		}
	}
	if err := receiver.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Errorf("[EINRIDE][%v] reception stopped : %v", b.iface, err)
	}
}
