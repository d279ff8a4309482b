package virtual

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	canmsg "github.com/samsamfire/gocanmsg"
	"github.com/samsamfire/gocanmsg/pkg/can"
	log "github.com/sirupsen/logrus"
)

// Virtual CAN bus implementation with TCP primarily used for testing
// This needs a broker server to send CAN frames to all connected clients
// More information : https://github.com/windelbouwman/virtualcan

func init() {
	can.RegisterInterface("virtual", NewVirtualCanBus)
	can.RegisterInterface("virtualcan", NewVirtualCanBus)
}

const (
	headerSize   = 4
	frameSize    = 14 // id (4) + flags (1) + dlc (1) + data (8)
	readTimeout  = 200 * time.Millisecond
	writeTimeout = 10 * time.Millisecond
)

type Bus struct {
	mu           sync.Mutex
	channel      string
	conn         net.Conn
	receiveOwn   bool
	framehandler canmsg.FrameListener
	stopChan     chan struct{}
	wg           sync.WaitGroup
	isRunning    bool
}

func NewVirtualCanBus(channel string) (canmsg.Bus, error) {
	return &Bus{channel: channel}, nil
}

// Helper function for serializing a CAN frame into the expected binary format
func serializeFrame(frame canmsg.Frame) ([]byte, error) {
	buffer := new(bytes.Buffer)
	buffer.Grow(headerSize + frameSize)
	_ = binary.Write(buffer, binary.BigEndian, uint32(frameSize))
	err := binary.Write(buffer, binary.BigEndian, frame)
	if err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// Helper function for deserializing a CAN frame from expected binary format
func deserializeFrame(buffer []byte) (canmsg.Frame, error) {
	var frame canmsg.Frame
	err := binary.Read(bytes.NewReader(buffer), binary.BigEndian, &frame)
	return frame, err
}

// "Connect" to server e.g. localhost:18000
func (b *Bus) Connect(...any) error {
	conn, err := net.Dial("tcp", b.channel)
	if err != nil {
		return err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			conn.Close()
			return err
		}
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	log.Debugf("[VIRTUAL] connected to %v", b.channel)
	return nil
}

// "Disconnect" from server
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	running := b.isRunning
	stop := b.stopChan
	b.isRunning = false
	b.mu.Unlock()
	if running {
		close(stop)
		b.wg.Wait()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		err := b.conn.Close()
		b.conn = nil
		return err
	}
	return nil
}

// "Send" implementation of Bus interface
func (b *Bus) Send(frame canmsg.Frame) error {
	b.mu.Lock()
	conn := b.conn
	handler := b.framehandler
	receiveOwn := b.receiveOwn
	b.mu.Unlock()

	// Local loopback
	if receiveOwn && handler != nil {
		handler.Handle(frame)
	}
	if conn == nil {
		if receiveOwn {
			return nil
		}
		return errors.New("no active connection, abort send")
	}
	frameBytes, err := serializeFrame(frame)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = conn.Write(frameBytes)
	return err
}

// "Subscribe" implementation of Bus interface
func (b *Bus) Subscribe(framehandler canmsg.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.framehandler = framehandler
	if b.isRunning || b.conn == nil {
		return nil
	}
	// Start go routine that receives incoming traffic and passes it to frameHandler
	b.stopChan = make(chan struct{})
	b.isRunning = true
	b.wg.Add(1)
	go b.handleReception(b.conn, b.stopChan)
	return nil
}

// Receive new CAN message
func (b *Bus) Recv() (canmsg.Frame, error) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return canmsg.Frame{}, fmt.Errorf("no active connection, abort receive")
	}
	return recv(conn)
}

func recv(conn net.Conn) (canmsg.Frame, error) {
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(conn, headerBytes); err != nil {
		return canmsg.Frame{}, err
	}
	length := binary.BigEndian.Uint32(headerBytes)
	if length != frameSize {
		return canmsg.Frame{}, fmt.Errorf("error deserializing : expected %v bytes, got header %v", frameSize, length)
	}
	frameBytes := make([]byte, length)
	// The frame follows its header, do not give up half way through
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	if _, err := io.ReadFull(conn, frameBytes); err != nil {
		return canmsg.Frame{}, err
	}
	return deserializeFrame(frameBytes)
}

// Handle incoming traffic
func (b *Bus) handleReception(conn net.Conn, stop chan struct{}) {
	defer b.wg.Done()
	for {
		select {
		case <-stop:
			return
		default:
		}
		frame, err := recv(conn)
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			// No message received, this is OK
			continue
		}
		if err != nil {
			log.Errorf("[VIRTUAL] listening routine has closed because : %v", err)
			b.mu.Lock()
			b.isRunning = false
			b.mu.Unlock()
			return
		}
		b.mu.Lock()
		handler := b.framehandler
		b.mu.Unlock()
		if handler != nil {
			handler.Handle(frame)
		}
	}
}

// Frames sent are also delivered to the local subscriber
func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveOwn = receiveOwn
}
