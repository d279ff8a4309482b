package socketcan

import (
	"testing"

	canmsg "github.com/samsamfire/gocanmsg"
	"github.com/stretchr/testify/assert"
)

func TestFrameConversion(t *testing.T) {
	frame := canmsg.NewFrame(0x1F0|canmsg.CanEffFlag, 0, 4)
	frame.Data = [8]byte{0xDE, 0xAD, 0xBE, 0xEF}
	converted := toBrutella(frame)
	assert.EqualValues(t, 0x1F0|canmsg.CanEffFlag, converted.ID)
	assert.EqualValues(t, 4, converted.Length)
	assert.Equal(t, [8]byte{0xDE, 0xAD, 0xBE, 0xEF}, converted.Data)
	assert.Equal(t, frame, fromBrutella(converted))
}

type receiver struct {
	frames []canmsg.Frame
}

func (r *receiver) Handle(frame canmsg.Frame) {
	r.frames = append(r.frames, frame)
}

func TestHandle(t *testing.T) {
	bus := &SocketcanBus{}
	frame := toBrutella(canmsg.NewFrame(0x10, 0, 1))
	// No subscriber yet
	bus.Handle(frame)
	r := &receiver{}
	bus.rxCallback = r
	bus.Handle(frame)
	assert.Len(t, r.frames, 1)
}
