package virtual

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	canmsg "github.com/samsamfire/gocanmsg"
	"github.com/stretchr/testify/assert"
)

// Minimal virtualcan broker : every packet is forwarded to the other clients
type broker struct {
	listener net.Listener
	mu       sync.Mutex
	clients  []net.Conn
}

func newBroker(t *testing.T) *broker {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Nil(t, err)
	b := &broker{listener: listener}
	go b.serve()
	t.Cleanup(func() {
		listener.Close()
		b.mu.Lock()
		for _, c := range b.clients {
			c.Close()
		}
		b.mu.Unlock()
	})
	return b
}

func (b *broker) serve() {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.clients = append(b.clients, conn)
		b.mu.Unlock()
		go b.forward(conn)
	}
}

func (b *broker) forward(from net.Conn) {
	packet := make([]byte, headerSize+frameSize)
	for {
		if _, err := io.ReadFull(from, packet); err != nil {
			return
		}
		b.mu.Lock()
		for _, to := range b.clients {
			if to != from {
				_, _ = to.Write(packet)
			}
		}
		b.mu.Unlock()
	}
}

func (b *broker) addr() string {
	return b.listener.Addr().String()
}

type frameReceiver struct {
	mu     sync.Mutex
	frames []canmsg.Frame
}

func (r *frameReceiver) Handle(frame canmsg.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *frameReceiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func newVcan(t *testing.T, channel string) *Bus {
	bus, err := NewVirtualCanBus(channel)
	assert.Nil(t, err)
	vcan := bus.(*Bus)
	assert.Nil(t, vcan.Connect())
	t.Cleanup(func() { _ = vcan.Disconnect() })
	return vcan
}

func TestSerialize(t *testing.T) {
	frame := canmsg.NewFrame(0x123|canmsg.CanEffFlag, 0, 3)
	frame.Data = [8]byte{1, 2, 3}
	raw, err := serializeFrame(frame)
	assert.Nil(t, err)
	assert.Len(t, raw, headerSize+frameSize)
	assert.Equal(t, []byte{0, 0, 0, 14, 0x80, 0, 0x01, 0x23, 0, 3, 1, 2, 3}, raw[:13])
	decoded, err := deserializeFrame(raw[headerSize:])
	assert.Nil(t, err)
	assert.Equal(t, frame, decoded)
}

func TestSendAndRecv(t *testing.T) {
	b := newBroker(t)
	vcan1 := newVcan(t, b.addr())
	vcan2 := newVcan(t, b.addr())
	// Let the broker accept both clients
	time.Sleep(50 * time.Millisecond)
	frame := canmsg.Frame{ID: 0x111, DLC: 8, Data: [8]byte{0, 1, 2, 3, 4, 5, 6, 7}}
	for i := 0; i < 20; i++ {
		frame.Data[0] = uint8(i)
		assert.Nil(t, vcan1.Send(frame))
	}
	for i := 0; i < 20; i++ {
		received, err := vcan2.Recv()
		assert.Nil(t, err)
		assert.Equal(t, uint8(i), received.Data[0])
	}
}

func TestSendAndSubscribe(t *testing.T) {
	b := newBroker(t)
	vcan1 := newVcan(t, b.addr())
	vcan2 := newVcan(t, b.addr())
	receiver := &frameReceiver{}
	assert.Nil(t, vcan2.Subscribe(receiver))
	time.Sleep(50 * time.Millisecond)
	frame := canmsg.Frame{ID: 0x222, DLC: 1}
	for i := 0; i < 50; i++ {
		frame.Data[0] = uint8(i)
		assert.Nil(t, vcan1.Send(frame))
	}
	assert.Eventually(t, func() bool { return receiver.count() == 50 }, 2*time.Second, 10*time.Millisecond)
	receiver.mu.Lock()
	for i, f := range receiver.frames {
		assert.Equal(t, uint8(i), f.Data[0])
	}
	receiver.mu.Unlock()
}

func TestReceiveOwn(t *testing.T) {
	bus, _ := NewVirtualCanBus("unused")
	vcan := bus.(*Bus)
	receiver := &frameReceiver{}
	assert.NotNil(t, vcan.Send(canmsg.NewFrame(0x10, 0, 0)))
	vcan.SetReceiveOwn(true)
	assert.Nil(t, vcan.Subscribe(receiver))
	assert.Nil(t, vcan.Send(canmsg.NewFrame(0x10, 0, 0)))
	assert.Equal(t, 1, receiver.count())
	assert.Nil(t, vcan.Disconnect())
}
