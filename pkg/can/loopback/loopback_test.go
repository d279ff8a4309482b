package loopback

import (
	"errors"
	"testing"

	canmsg "github.com/samsamfire/gocanmsg"
	"github.com/stretchr/testify/assert"
)

type receiver struct {
	frames []canmsg.Frame
}

func (r *receiver) Handle(frame canmsg.Frame) {
	r.frames = append(r.frames, frame)
}

func newConnected(t *testing.T, channel string) (*Bus, *receiver) {
	b := New(channel)
	r := &receiver{}
	assert.Nil(t, b.Connect())
	assert.Nil(t, b.Subscribe(r))
	t.Cleanup(func() { _ = b.Disconnect() })
	return b, r
}

func TestSendToPeers(t *testing.T) {
	a, ra := newConnected(t, t.Name())
	b, rb := newConnected(t, t.Name())
	_, rOther := newConnected(t, t.Name()+"-other")

	frame := canmsg.NewFrame(0x100, 0, 1)
	assert.Nil(t, a.Send(frame))
	assert.Len(t, ra.frames, 0)
	assert.Len(t, rb.frames, 1)
	assert.Len(t, rOther.frames, 0)
	assert.Equal(t, []canmsg.Frame{frame}, a.Sent())
	assert.Len(t, b.Sent(), 0)

	a.SetReceiveOwn(true)
	assert.Nil(t, a.Send(frame))
	assert.Len(t, ra.frames, 1)
	assert.Len(t, rb.frames, 2)
}

func TestDeferred(t *testing.T) {
	a, _ := newConnected(t, t.Name())
	b, rb := newConnected(t, t.Name())
	b.SetDeferred(true)
	for i := 0; i < 3; i++ {
		assert.Nil(t, a.Send(canmsg.NewFrame(uint32(i), 0, 0)))
	}
	assert.Len(t, rb.frames, 0)
	assert.Equal(t, 3, b.Pending())
	assert.Nil(t, b.Poll())
	assert.Len(t, rb.frames, 3)
	assert.EqualValues(t, 2, rb.frames[2].ID)
	assert.Equal(t, 0, b.Pending())
}

func TestDeferredOverflow(t *testing.T) {
	a, _ := newConnected(t, t.Name())
	b, rb := newConnected(t, t.Name())
	b.SetDeferred(true)
	for i := 0; i < DefaultQueueSize+10; i++ {
		_ = a.Send(canmsg.NewFrame(0x1, 0, 0))
	}
	assert.EqualValues(t, 10, b.Dropped())
	_ = b.Poll()
	assert.Len(t, rb.frames, DefaultQueueSize)
}

func TestSendErrors(t *testing.T) {
	b := New(t.Name())
	assert.ErrorIs(t, b.Send(canmsg.NewFrame(0x1, 0, 0)), ErrDisconnected)
	assert.Nil(t, b.Connect())
	b.SetSendError(errors.New("bus off"))
	assert.NotNil(t, b.Send(canmsg.NewFrame(0x1, 0, 0)))
	b.SetSendError(nil)
	assert.Nil(t, b.Send(canmsg.NewFrame(0x1, 0, 0)))
	assert.Nil(t, b.Disconnect())
}

func TestWithBusManager(t *testing.T) {
	a, _ := newConnected(t, t.Name())
	b := New(t.Name())
	bm := canmsg.NewBusManager(b)
	assert.Nil(t, bm.Connect())
	r := &receiver{}
	assert.Nil(t, bm.Register(0x321, r))
	b.SetDeferred(true)
	assert.Nil(t, a.Send(canmsg.NewFrame(0x321, 0, 0)))
	assert.Len(t, r.frames, 0)
	assert.Nil(t, bm.Process())
	assert.Len(t, r.frames, 1)
	_ = bm.Disconnect()
}
