// Package canmsg defines fixed layout CAN messages made of scaled, bit
// addressed signals, and the bus plumbing used to transmit and receive them.
package canmsg

import (
	"fmt"

	"go.einride.tech/can"
)

const (
	CanEffFlag uint32 = 0x80000000 // extended frame format (29 bit identifier)
	CanRtrFlag uint32 = 0x40000000 // remote transmission request
	CanErrFlag uint32 = 0x20000000 // error frame
	CanSffMask uint32 = 0x000007FF
	CanEffMask uint32 = 0x1FFFFFFF
)

// CAN bus errors
const (
	CanErrorTxWarning  = 0x0001 // CAN transmitter warning
	CanErrorTxPassive  = 0x0002 // CAN transmitter passive
	CanErrorTxBusOff   = 0x0004 // CAN transmitter bus off
	CanErrorTxOverflow = 0x0008 // CAN transmitter overflow
	CanErrorRxWarning  = 0x0100 // CAN receiver warning
	CanErrorRxPassive  = 0x0200 // CAN receiver passive
	CanErrorRxOverflow = 0x0800 // CAN receiver overflow
)

// A CAN frame. ID follows the socketcan convention : the 11 or 29 bit
// identifier, with [CanEffFlag] set for extended identifiers.
type Frame struct {
	ID    uint32
	Flags uint8
	DLC   uint8
	Data  can.Data
}

func NewFrame(id uint32, flags uint8, dlc uint8) Frame {
	return Frame{ID: id, Flags: flags, DLC: dlc}
}

// Identifier without any of the socketcan flags
func (f Frame) Identifier() uint32 {
	if f.IsExtended() {
		return f.ID & CanEffMask
	}
	return f.ID & CanSffMask
}

func (f Frame) IsExtended() bool {
	return f.ID&CanEffFlag != 0
}

func (f Frame) IsRemote() bool {
	return f.ID&CanRtrFlag != 0
}

func (f Frame) String() string {
	if f.IsExtended() {
		return fmt.Sprintf("x%08x [%d] % x", f.Identifier(), f.DLC, f.Data[:min(int(f.DLC), len(f.Data))])
	}
	return fmt.Sprintf("x%03x [%d] % x", f.Identifier(), f.DLC, f.Data[:min(int(f.DLC), len(f.Data))])
}

// Einride converts to a go.einride.tech/can frame
func (f Frame) Einride() can.Frame {
	return can.Frame{
		ID:         f.Identifier(),
		Length:     f.DLC,
		Data:       f.Data,
		IsRemote:   f.IsRemote(),
		IsExtended: f.IsExtended(),
	}
}

// Validate checks identifier range and data length
func (f Frame) Validate() error {
	frame := f.Einride()
	return frame.Validate()
}

// FromEinride converts a go.einride.tech/can frame
func FromEinride(frame can.Frame) Frame {
	id := frame.ID
	if frame.IsExtended {
		id |= CanEffFlag
	}
	if frame.IsRemote {
		id |= CanRtrFlag
	}
	return Frame{ID: id, DLC: frame.Length, Data: frame.Data}
}

// ValidateIdentifier checks an identifier in [Frame.ID] format
func ValidateIdentifier(id uint32) error {
	switch {
	case id&(CanRtrFlag|CanErrFlag) != 0:
		return fmt.Errorf("%w : identifier x%x carries rtr or error flag", ErrConfiguration, id)
	case id&CanEffFlag != 0 && id&^CanEffFlag > CanEffMask:
		return fmt.Errorf("%w : extended identifier x%x exceeds 29 bits", ErrConfiguration, id&^CanEffFlag)
	case id&CanEffFlag == 0 && id > CanSffMask:
		return fmt.Errorf("%w : standard identifier x%x exceeds 11 bits", ErrConfiguration, id)
	}
	return nil
}

// Interface for handling a received CAN frame.
// Handle is called from the bus reception context, concurrently with the
// rest of the application.
type FrameListener interface {
	Handle(frame Frame)
}

// A CAN Bus interface
type Bus interface {
	Connect(...any) error                   // Connect to the CAN bus, first argument is the bitrate when relevant
	Disconnect() error                      // Disconnect from CAN bus
	Send(frame Frame) error                 // Send a frame on the bus
	Subscribe(callback FrameListener) error // Subscribe to all received CAN frames
}

// Poller is implemented by buses that need explicit servicing from the main
// loop in order to deliver received frames.
type Poller interface {
	Poll() error
}

// Filterer is implemented by buses able to drop unwanted identifiers before
// they reach the application, e.g. with kernel acceptance filters.
type Filterer interface {
	SetFilters(idents []uint32) error
}
