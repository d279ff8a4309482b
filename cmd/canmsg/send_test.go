package main

import (
	"testing"

	canmsg "github.com/samsamfire/gocanmsg"
	"github.com/stretchr/testify/assert"
)

func TestParseFrame(t *testing.T) {
	frame, err := parseFrame([]string{"0x123", "11:22:33"}, false)
	assert.Nil(t, err)
	assert.EqualValues(t, 0x123, frame.ID)
	assert.EqualValues(t, 3, frame.DLC)
	assert.Equal(t, [8]byte{0x11, 0x22, 0x33}, [8]byte(frame.Data))

	frame, err = parseFrame([]string{"0x1ABCDE"}, false)
	assert.Nil(t, err)
	assert.True(t, frame.IsExtended())
	assert.EqualValues(t, 0, frame.DLC)

	frame, err = parseFrame([]string{"0x10"}, true)
	assert.Nil(t, err)
	assert.EqualValues(t, 0x10|canmsg.CanEffFlag, frame.ID)

	_, err = parseFrame([]string{"zz"}, false)
	assert.ErrorIs(t, err, canmsg.ErrIllegalArgument)
	_, err = parseFrame([]string{"0x10", "001122334455667788"}, false)
	assert.ErrorIs(t, err, canmsg.ErrIllegalArgument)
	_, err = parseFrame([]string{"0x20000000"}, false)
	assert.NotNil(t, err)
}
