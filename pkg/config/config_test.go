package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	canmsg "github.com/samsamfire/gocanmsg"
	"github.com/samsamfire/gocanmsg/pkg/message"
	"github.com/samsamfire/gocanmsg/pkg/signal"
	"github.com/stretchr/testify/assert"
)

const sampleDefinition = `
[Bus]
Interface = loopback
Channel   = sim
Bitrate   = 1000000

[Scheduler]
TickMs = 2
CPU    = 1

[Log]
Level = debug

[Message.Millis]
ID        = 0x100
Size      = 4
Direction = tx
PeriodMs  = 100

[Message.Millis.Signal.millis]
Start  = 0
Length = 32

[Message.Status]
ID        = 0x1234
Extended  = true
Direction = rx
TimeoutMs = 500

[Message.Status.Signal.temperature]
Start  = 0
Length = 16
Factor = 0.1
Offset = -40
Type   = float
Signed = true

[Message.Status.Signal.count]
Start  = 16
Length = 8
Type   = int
`

func TestLoad(t *testing.T) {
	def, err := Load([]byte(sampleDefinition))
	assert.Nil(t, err)
	assert.Equal(t, BusConfig{Interface: "loopback", Channel: "sim", Bitrate: 1_000_000}, def.Bus)
	assert.Equal(t, SchedulerConfig{TickMs: 2, CPU: 1}, def.Scheduler)
	assert.Equal(t, "debug", def.LogLevel)
	assert.Len(t, def.Messages, 2)

	millis, ok := def.Message("Millis")
	assert.True(t, ok)
	assert.EqualValues(t, 0x100, millis.ID)
	assert.EqualValues(t, 4, millis.Size)
	assert.Equal(t, message.Transmit, millis.Direction)
	assert.EqualValues(t, 100, millis.PeriodMs)
	assert.Equal(t, []signal.Config{{Name: "millis", Start: 0, Length: 32, Factor: 1, Type: signal.Integer}}, millis.Signals)

	status, ok := def.Message("Status")
	assert.True(t, ok)
	assert.EqualValues(t, 0x1234|canmsg.CanEffFlag, status.ID)
	// Smallest size covering the signals
	assert.EqualValues(t, 3, status.Size)
	assert.Equal(t, message.Receive, status.Direction)
	assert.EqualValues(t, 500, status.TimeoutMs)
	assert.Equal(t, signal.Config{Name: "temperature", Start: 0, Length: 16, Factor: 0.1, Offset: -40, Signed: true, Type: signal.Float}, status.Signals[0])
	assert.Equal(t, signal.Config{Name: "count", Start: 16, Length: 8, Factor: 1, Signed: true, Type: signal.Integer}, status.Signals[1])

	_, ok = def.Message("Unknown")
	assert.False(t, ok)
}

func TestLoadDefaults(t *testing.T) {
	def, err := Load([]byte("[Message.A]\nID = 1\nPeriodMs = 10\n[Message.A.Signal.a]\nStart = 0\nLength = 1\n"))
	assert.Nil(t, err)
	assert.Equal(t, DefaultInterface, def.Bus.Interface)
	assert.EqualValues(t, DefaultTickMs, def.Scheduler.TickMs)
	assert.Equal(t, -1, def.Scheduler.CPU)
	assert.EqualValues(t, 1, def.Messages[0].Size)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "network.ini")
	assert.Nil(t, os.WriteFile(path, []byte(sampleDefinition), 0o644))
	def, err := Load(path)
	assert.Nil(t, err)
	assert.Len(t, def.Messages, 2)
	_, err = Load(filepath.Join(t.TempDir(), "missing.ini"))
	assert.ErrorIs(t, err, canmsg.ErrConfiguration)
}

func TestLoadInvalid(t *testing.T) {
	cases := map[string]string{
		"no id":           "[Message.A]\nPeriodMs = 10\n[Message.A.Signal.a]\nStart = 0\nLength = 1\n",
		"bad id":          "[Message.A]\nID = 0x800\nPeriodMs = 10\n[Message.A.Signal.a]\nStart = 0\nLength = 1\n",
		"no period":       "[Message.A]\nID = 1\n[Message.A.Signal.a]\nStart = 0\nLength = 1\n",
		"no signals":      "[Message.A]\nID = 1\nPeriodMs = 10\n",
		"orphan signal":   "[Message.B.Signal.a]\nStart = 0\nLength = 1\n",
		"bad direction":   "[Message.A]\nID = 1\nDirection = up\n[Message.A.Signal.a]\nStart = 0\nLength = 1\n",
		"no length":       "[Message.A]\nID = 1\nPeriodMs = 10\n[Message.A.Signal.a]\nStart = 0\n",
		"bad type":        "[Message.A]\nID = 1\nPeriodMs = 10\n[Message.A.Signal.a]\nStart = 0\nLength = 1\nType = string\n",
		"bad factor":      "[Message.A]\nID = 1\nPeriodMs = 10\n[Message.A.Signal.a]\nStart = 0\nLength = 1\nFactor = abc\n",
		"zero tick":       "[Scheduler]\nTickMs = 0\n",
		"bad bitrate":     "[Bus]\nBitrate = fast\n",
		"start overflows": "[Message.A]\nID = 1\nPeriodMs = 10\n[Message.A.Signal.a]\nStart = 300\nLength = 1\n",
	}
	for name, source := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load([]byte(source))
			assert.ErrorIs(t, err, canmsg.ErrConfiguration)
		})
	}
}

func TestWriteToRoundTrip(t *testing.T) {
	def, err := Load([]byte(sampleDefinition))
	assert.Nil(t, err)
	var buffer bytes.Buffer
	_, err = def.WriteTo(&buffer)
	assert.Nil(t, err)
	reloaded, err := Load(buffer.Bytes())
	assert.Nil(t, err)
	assert.Equal(t, def, reloaded)
}

func TestParseType(t *testing.T) {
	for _, c := range []struct {
		text   string
		vtype  signal.ValueType
		signed bool
	}{
		{"uint", signal.Integer, false},
		{"INT", signal.Integer, true},
		{"float", signal.Float, false},
	} {
		vtype, signed, err := ParseType(c.text)
		assert.Nil(t, err)
		assert.Equal(t, c.vtype, vtype)
		assert.Equal(t, c.signed, signed)
	}
	assert.Equal(t, "int", FormatType(signal.Config{Signed: true}))
	assert.Equal(t, "float", FormatType(signal.Config{Type: signal.Float, Signed: true}))
}
