package slcan

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	canmsg "github.com/samsamfire/gocanmsg"
	"github.com/stretchr/testify/assert"
)

// fakeAdapter records what the host writes and feeds what the adapter sends
type fakeAdapter struct {
	mu      sync.Mutex
	written bytes.Buffer
	reader  *io.PipeReader
	writer  *io.PipeWriter
}

func newFakeAdapter() *fakeAdapter {
	r, w := io.Pipe()
	return &fakeAdapter{reader: r, writer: w}
}

func (f *fakeAdapter) Read(p []byte) (int, error) { return f.reader.Read(p) }
func (f *fakeAdapter) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.Write(p)
}
func (f *fakeAdapter) Close() error {
	f.writer.Close()
	return f.reader.Close()
}
func (f *fakeAdapter) Written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.String()
}

type receiver struct {
	mu     sync.Mutex
	frames []canmsg.Frame
}

func (r *receiver) Handle(frame canmsg.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *receiver) Frames() []canmsg.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]canmsg.Frame{}, r.frames...)
}

func TestEncodeFrame(t *testing.T) {
	frame := canmsg.NewFrame(0x123, 0, 3)
	frame.Data = [8]byte{0x11, 0xab, 0x0f}
	encoded, err := EncodeFrame(frame)
	assert.Nil(t, err)
	assert.Equal(t, "t123311AB0F\r", string(encoded))

	extended := canmsg.NewFrame(0x1ABCDEF|canmsg.CanEffFlag, 0, 0)
	encoded, _ = EncodeFrame(extended)
	assert.Equal(t, "T01ABCDEF0\r", string(encoded))

	remote := canmsg.NewFrame(0x7FF|canmsg.CanRtrFlag, 0, 2)
	encoded, _ = EncodeFrame(remote)
	assert.Equal(t, "r7FF2\r", string(encoded))

	_, err = EncodeFrame(canmsg.NewFrame(0x1, 0, 9))
	assert.ErrorIs(t, err, canmsg.ErrIllegalArgument)
}

func TestDecodeFrame(t *testing.T) {
	frame, err := DecodeFrame([]byte("t1002DEAD"))
	assert.Nil(t, err)
	assert.EqualValues(t, 0x100, frame.ID)
	assert.EqualValues(t, 2, frame.DLC)
	assert.Equal(t, []byte{0xDE, 0xAD}, frame.Data[:2])

	frame, err = DecodeFrame([]byte("T1FFFFFFF1AA1234"))
	assert.Nil(t, err)
	assert.True(t, frame.IsExtended())
	assert.EqualValues(t, 0x1FFFFFFF, frame.Identifier())
	assert.EqualValues(t, 0xAA, frame.Data[0])

	frame, err = DecodeFrame([]byte("r1238"))
	assert.Nil(t, err)
	assert.True(t, frame.IsRemote())

	for _, bad := range []string{"", "x123", "t12", "t1239", "t1232AA", "t800", "tGGG0", "t1001ZZ"} {
		_, err = DecodeFrame([]byte(bad))
		assert.NotNil(t, err, bad)
	}

	original := canmsg.NewFrame(0x42, 0, 8)
	original.Data = [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	encoded, _ := EncodeFrame(original)
	decoded, err := DecodeFrame(encoded[:len(encoded)-1])
	assert.Nil(t, err)
	assert.Equal(t, original, decoded)
}

func TestBitrateCommand(t *testing.T) {
	cmd, err := BitrateCommand(500_000)
	assert.Nil(t, err)
	assert.Equal(t, "S6", cmd)
	cmd, _ = BitrateCommand(1_000_000)
	assert.Equal(t, "S8", cmd)
	_, err = BitrateCommand(333_000)
	assert.ErrorIs(t, err, canmsg.ErrIllegalBaudrate)
}

func TestConnectSendReceive(t *testing.T) {
	adapter := newFakeAdapter()
	bus := NewSlcanBusWithOpener("fake", func(port string) (io.ReadWriteCloser, error) { return adapter, nil })
	r := &receiver{}
	assert.Nil(t, bus.Subscribe(r))
	assert.ErrorIs(t, bus.Send(canmsg.NewFrame(0x10, 0, 0)), canmsg.ErrNotConnected)
	assert.ErrorIs(t, bus.Connect("fast"), canmsg.ErrIllegalBaudrate)
	assert.Nil(t, bus.Connect(250_000))
	assert.Equal(t, "C\rS5\rO\r", adapter.Written())

	frame := canmsg.NewFrame(0x10, 0, 1)
	frame.Data[0] = 0x5A
	assert.Nil(t, bus.Send(frame))
	assert.Equal(t, "C\rS5\rO\rt01015A\r", adapter.Written())

	go func() {
		_, _ = adapter.writer.Write([]byte("\rz\rt2002BEEF\r\at2001"))
	}()
	assert.Eventually(t, func() bool { return len(r.Frames()) == 1 }, time.Second, 5*time.Millisecond)
	received := r.Frames()[0]
	assert.EqualValues(t, 0x200, received.ID)
	assert.Equal(t, []byte{0xBE, 0xEF}, received.Data[:2])
	assert.Nil(t, bus.Disconnect())
	assert.Nil(t, bus.Disconnect())
}
