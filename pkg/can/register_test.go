package can

import (
	"testing"

	canmsg "github.com/samsamfire/gocanmsg"
	"github.com/stretchr/testify/assert"
)

type nopBus struct {
	channel string
}

func (b *nopBus) Connect(...any) error                          { return nil }
func (b *nopBus) Disconnect() error                             { return nil }
func (b *nopBus) Send(frame canmsg.Frame) error                 { return nil }
func (b *nopBus) Subscribe(listener canmsg.FrameListener) error { return nil }

func TestNewBus(t *testing.T) {
	RegisterInterface("nop", func(channel string) (canmsg.Bus, error) {
		return &nopBus{channel: channel}, nil
	})
	assert.Contains(t, AvailableInterfaces(), "nop")
	bus, err := NewBus("nop", "can7", 500_000)
	assert.Nil(t, err)
	assert.Equal(t, "can7", bus.(*nopBus).channel)
	_, err = NewBus("unknown", "can0", 500_000)
	assert.ErrorIs(t, err, canmsg.ErrIllegalArgument)
	_, err = NewBus("nop", "can0", -1)
	assert.ErrorIs(t, err, canmsg.ErrIllegalBaudrate)
}
