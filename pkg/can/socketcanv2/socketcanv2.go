//go:build linux

// Package socketcanv2 is a raw SocketCAN bus built directly on
// golang.org/x/sys/unix, with kernel side acceptance filters.
package socketcanv2

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	canmsg "github.com/samsamfire/gocanmsg"
	"github.com/samsamfire/gocanmsg/pkg/can"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	SocketCANFrameSize = 16
	DefaultRcvTimeout  = 100 * time.Millisecond
)

func init() {
	can.RegisterInterface("socketcanv2", NewSocketCanBus)
}

type SocketcanBus struct {
	mu         sync.Mutex
	fd         int
	rxCallback canmsg.FrameListener
	stop       chan struct{}
	wg         sync.WaitGroup
	running    bool
}

// Create a new SocketCAN bus. This expects the CAN channel to be up.
// e.g. running "ip a" should show can0 or something similar.
func NewSocketCanBus(channel string) (canmsg.Bus, error) {
	iface, err := net.InterfaceByName(channel)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("failed to create CAN socket : %w", err)
	}
	tv := unix.NsecToTimeval(DefaultRcvTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set read timeout : %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &SocketcanBus{fd: fd}, nil
}

// Frame layout of struct can_frame, in host byte order
func marshalFrame(frame canmsg.Frame, buffer []byte) {
	binary.NativeEndian.PutUint32(buffer[0:4], frame.ID)
	buffer[4] = frame.DLC
	buffer[5] = frame.Flags
	buffer[6] = 0
	buffer[7] = 0
	copy(buffer[8:16], frame.Data[:])
}

func unmarshalFrame(buffer []byte) canmsg.Frame {
	frame := canmsg.Frame{
		ID:    binary.NativeEndian.Uint32(buffer[0:4]),
		DLC:   buffer[4],
		Flags: buffer[5],
	}
	copy(frame.Data[:], buffer[8:16])
	return frame
}

// "Connect" implementation of Bus interface, starts reception
func (s *SocketcanBus) Connect(...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.processIncoming(s.stop)
	return nil
}

// "Disconnect" implementation of Bus interface
func (s *SocketcanBus) Disconnect() error {
	s.mu.Lock()
	running := s.running
	s.running = false
	s.mu.Unlock()
	if !running {
		return nil
	}
	close(s.stop)
	s.wg.Wait()
	return nil
}

// Close releases the socket, the bus can not be used afterwards
func (s *SocketcanBus) Close() error {
	_ = s.Disconnect()
	return unix.Close(s.fd)
}

// "Send" implementation of Bus interface
func (s *SocketcanBus) Send(frame canmsg.Frame) error {
	buffer := make([]byte, SocketCANFrameSize)
	marshalFrame(frame, buffer)
	n, err := unix.Write(s.fd, buffer)
	if err != nil {
		return err
	}
	if n != SocketCANFrameSize {
		return fmt.Errorf("short write : %v bytes", n)
	}
	return nil
}

// process incoming frames. This is meant to be run inside of a goroutine
func (s *SocketcanBus) processIncoming(stop chan struct{}) {
	defer s.wg.Done()
	buffer := make([]byte, SocketCANFrameSize)
	for {
		select {
		case <-stop:
			log.Debugf("[SOCKETCANV2] exiting reception, closed")
			return
		default:
		}
		n, err := unix.Read(s.fd, buffer)
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || n != SocketCANFrameSize {
			log.Errorf("[SOCKETCANV2] exiting reception : read %v bytes, err %v", n, err)
			return
		}
		s.mu.Lock()
		callback := s.rxCallback
		s.mu.Unlock()
		if callback != nil {
			callback.Handle(unmarshalFrame(buffer))
		}
	}
}

// "Subscribe" implementation of Bus interface
func (s *SocketcanBus) Subscribe(rxCallback canmsg.FrameListener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rxCallback = rxCallback
	return nil
}

// Enable own reception on the bus. CAN be useful when testing for example
func (s *SocketcanBus) SetReceiveOwn(enabled bool) error {
	enabledInt := 0
	if enabled {
		enabledInt = 1
	}
	return unix.SetsockoptInt(s.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, enabledInt)
}

// Filters builds exact match kernel filters for identifiers in [canmsg.Frame.ID] format
func Filters(idents []uint32) []unix.CanFilter {
	filters := make([]unix.CanFilter, 0, len(idents))
	for _, ident := range idents {
		mask := canmsg.CanSffMask | canmsg.CanEffFlag | canmsg.CanRtrFlag
		if ident&canmsg.CanEffFlag != 0 {
			mask = canmsg.CanEffMask | canmsg.CanEffFlag | canmsg.CanRtrFlag
		}
		filters = append(filters, unix.CanFilter{Id: ident, Mask: mask})
	}
	return filters
}

// SetFilters only lets the given identifiers through. An empty list blocks
// all traffic.
func (s *SocketcanBus) SetFilters(idents []uint32) error {
	filters := Filters(idents)
	log.Debugf("[SOCKETCANV2] setting %v acceptance filters", len(filters))
	if len(filters) == 0 {
		return unix.SetsockoptString(s.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, "")
	}
	return unix.SetsockoptCanRawFilter(s.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, filters)
}
