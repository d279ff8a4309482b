// Package can holds the registry of CAN bus interfaces.
//
// Every interface package registers itself from an init function, so a
// program only needs a blank import of the interfaces it supports :
//
//	import _ "github.com/samsamfire/gocanmsg/pkg/can/virtual"
package can

import (
	"fmt"
	"sort"
	"sync"

	canmsg "github.com/samsamfire/gocanmsg"
)

// NewInterfaceFunc creates a bus on a given channel, e.g. "can0",
// "localhost:18888" or "/dev/ttyACM0"
type NewInterfaceFunc func(channel string) (canmsg.Bus, error)

var (
	mu                sync.RWMutex
	interfaceRegistry = make(map[string]NewInterfaceFunc)
)

// Register a new CAN bus interface type
// This should be called inside an init() function of plugin
func RegisterInterface(interfaceType string, newInterface NewInterfaceFunc) {
	mu.Lock()
	defer mu.Unlock()
	interfaceRegistry[interfaceType] = newInterface
}

// Names of the registered interfaces, sorted
func AvailableInterfaces() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(interfaceRegistry))
	for name := range interfaceRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create a new CAN bus with given interface.
// The bus is not connected : bitrate is passed to [canmsg.Bus.Connect] by the
// caller, it is only validated here.
func NewBus(canInterface string, channel string, bitrate int) (canmsg.Bus, error) {
	mu.RLock()
	createInterface, ok := interfaceRegistry[canInterface]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w : unsupported interface %q, available : %v", canmsg.ErrIllegalArgument, canInterface, AvailableInterfaces())
	}
	if bitrate < 0 {
		return nil, fmt.Errorf("%w : %v", canmsg.ErrIllegalBaudrate, bitrate)
	}
	return createInterface(channel)
}
