// Package slcan implements the serial line CAN (LAWICEL) protocol used by
// many USB to CAN adapters, on top of go.bug.st/serial.
package slcan

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	canmsg "github.com/samsamfire/gocanmsg"
	"github.com/samsamfire/gocanmsg/pkg/can"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

const (
	DefaultBitrate  = 500_000
	serialBaudRate  = 115200
	commandTerminal = '\r'
)

var bitrateCommands = map[int]string{
	10_000:    "S0",
	20_000:    "S1",
	50_000:    "S2",
	100_000:   "S3",
	125_000:   "S4",
	250_000:   "S5",
	500_000:   "S6",
	800_000:   "S7",
	1_000_000: "S8",
}

func init() {
	can.RegisterInterface("slcan", NewSlcanBus)
}

// OpenFunc opens the underlying serial line
type OpenFunc func(port string) (io.ReadWriteCloser, error)

func openSerial(port string) (io.ReadWriteCloser, error) {
	mode := &serial.Mode{
		BaudRate: serialBaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s : %w", port, err)
	}
	return p, nil
}

type Bus struct {
	mu       sync.Mutex
	port     string
	open     OpenFunc
	conn     io.ReadWriteCloser
	listener canmsg.FrameListener
	wg       sync.WaitGroup
}

func NewSlcanBus(port string) (canmsg.Bus, error) {
	return NewSlcanBusWithOpener(port, openSerial), nil
}

// NewSlcanBusWithOpener uses open instead of a serial port
func NewSlcanBusWithOpener(port string, open OpenFunc) *Bus {
	return &Bus{port: port, open: open}
}

// BitrateCommand returns the "Sx" command for a standard bitrate
func BitrateCommand(bitrate int) (string, error) {
	cmd, ok := bitrateCommands[bitrate]
	if !ok {
		return "", fmt.Errorf("%w : %v", canmsg.ErrIllegalBaudrate, bitrate)
	}
	return cmd, nil
}

// EncodeFrame formats a transmit command, including the terminating \r
func EncodeFrame(frame canmsg.Frame) ([]byte, error) {
	if frame.DLC > 8 {
		return nil, fmt.Errorf("%w : dlc %v", canmsg.ErrIllegalArgument, frame.DLC)
	}
	var buf bytes.Buffer
	switch {
	case frame.IsExtended() && frame.IsRemote():
		fmt.Fprintf(&buf, "R%08X", frame.Identifier())
	case frame.IsExtended():
		fmt.Fprintf(&buf, "T%08X", frame.Identifier())
	case frame.IsRemote():
		fmt.Fprintf(&buf, "r%03X", frame.Identifier())
	default:
		fmt.Fprintf(&buf, "t%03X", frame.Identifier())
	}
	buf.WriteByte('0' + frame.DLC)
	if !frame.IsRemote() {
		buf.WriteString(strings.ToUpper(hex.EncodeToString(frame.Data[:frame.DLC])))
	}
	buf.WriteByte(commandTerminal)
	return buf.Bytes(), nil
}

// DecodeFrame parses a received frame line, without its terminating \r
func DecodeFrame(line []byte) (canmsg.Frame, error) {
	if len(line) == 0 {
		return canmsg.Frame{}, fmt.Errorf("%w : empty line", canmsg.ErrIllegalArgument)
	}
	var idLen int
	var flags uint32
	switch line[0] {
	case 't':
		idLen = 3
	case 'r':
		idLen, flags = 3, canmsg.CanRtrFlag
	case 'T':
		idLen, flags = 8, canmsg.CanEffFlag
	case 'R':
		idLen, flags = 8, canmsg.CanEffFlag|canmsg.CanRtrFlag
	default:
		return canmsg.Frame{}, fmt.Errorf("%w : not a frame %q", canmsg.ErrIllegalArgument, line)
	}
	if len(line) < 2+idLen {
		return canmsg.Frame{}, fmt.Errorf("%w : truncated frame %q", canmsg.ErrIllegalArgument, line)
	}
	id, err := strconv.ParseUint(string(line[1:1+idLen]), 16, 32)
	if err != nil {
		return canmsg.Frame{}, fmt.Errorf("%w : bad identifier %q", canmsg.ErrIllegalArgument, line)
	}
	dlc := line[1+idLen] - '0'
	if dlc > 8 {
		return canmsg.Frame{}, fmt.Errorf("%w : bad dlc %q", canmsg.ErrIllegalArgument, line)
	}
	frame := canmsg.NewFrame(uint32(id)|flags, 0, dlc)
	if err := canmsg.ValidateIdentifier(frame.ID &^ canmsg.CanRtrFlag); err != nil {
		return canmsg.Frame{}, err
	}
	if flags&canmsg.CanRtrFlag != 0 {
		return frame, nil
	}
	// Some adapters append a timestamp after the data, it is ignored
	payload := line[2+idLen:]
	if len(payload) < int(dlc)*2 {
		return canmsg.Frame{}, fmt.Errorf("%w : truncated data %q", canmsg.ErrIllegalArgument, line)
	}
	if _, err := hex.Decode(frame.Data[:dlc], payload[:dlc*2]); err != nil {
		return canmsg.Frame{}, fmt.Errorf("%w : bad data %q", canmsg.ErrIllegalArgument, line)
	}
	return frame, nil
}

// "Connect" opens the serial line and the CAN channel, the first argument
// is the bitrate (defaults to 500 kbit/s)
func (b *Bus) Connect(args ...any) error {
	bitrate := DefaultBitrate
	if len(args) > 0 {
		value, ok := args[0].(int)
		if !ok {
			return fmt.Errorf("%w : bitrate should be an int, got %T", canmsg.ErrIllegalBaudrate, args[0])
		}
		bitrate = value
	}
	bitrateCmd, err := BitrateCommand(bitrate)
	if err != nil {
		return err
	}
	conn, err := b.open(b.port)
	if err != nil {
		return err
	}
	// Close any channel left open, then configure and open it
	for _, cmd := range []string{"C", bitrateCmd, "O"} {
		if _, err := conn.Write([]byte(cmd + string(commandTerminal))); err != nil {
			conn.Close()
			return fmt.Errorf("slcan command %v : %w", cmd, err)
		}
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	b.wg.Add(1)
	go b.receive(conn)
	log.Debugf("[SLCAN][%v] opened at %v bit/s", b.port, bitrate)
	return nil
}

func (b *Bus) Disconnect() error {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	if conn == nil {
		return nil
	}
	_, _ = conn.Write([]byte{'C', commandTerminal})
	err := conn.Close()
	b.wg.Wait()
	return err
}

func (b *Bus) Send(frame canmsg.Frame) error {
	encoded, err := EncodeFrame(frame)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return canmsg.ErrNotConnected
	}
	_, err = b.conn.Write(encoded)
	return err
}

func (b *Bus) Subscribe(listener canmsg.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = listener
	return nil
}

// Replies end with \r, errors with a bell
func splitCommands(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.IndexAny(data, "\r\a"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (b *Bus) receive(conn io.Reader) {
	defer b.wg.Done()
	scanner := bufio.NewScanner(conn)
	scanner.Split(splitCommands)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			// Acknowledge of a command
			continue
		}
		switch line[0] {
		case 't', 'T', 'r', 'R':
		default:
			// Transmit acknowledge ("z" / "Z") and status replies
			continue
		}
		frame, err := DecodeFrame(line)
		if err != nil {
			log.Warnf("[SLCAN][%v] dropping line : %v", b.port, err)
			continue
		}
		b.mu.Lock()
		listener := b.listener
		b.mu.Unlock()
		if listener != nil {
			listener.Handle(frame)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Debugf("[SLCAN][%v] reception stopped : %v", b.port, err)
	}
}
