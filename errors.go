package canmsg

import "errors"

var (
	ErrIllegalArgument = errors.New("error in function arguments")
	ErrConfiguration   = errors.New("invalid message configuration")
	ErrEncodeRange     = errors.New("value outside of encodable range, clamped")
	ErrBus             = errors.New("bus error")
	ErrIllegalBaudrate = errors.New("illegal baudrate passed to function")
	ErrIdConflict      = errors.New("id already registered, this will create conflicts")
	ErrNotRegistered   = errors.New("id not registered")
	ErrNotConnected    = errors.New("no active connection")
)

// Name lookups
var ErrNotFound = errors.New("no such message or signal")
