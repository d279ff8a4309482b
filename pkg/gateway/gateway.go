package gateway

import (
	"fmt"

	canmsg "github.com/samsamfire/gocanmsg"
	"github.com/samsamfire/gocanmsg/pkg/config"
	"github.com/samsamfire/gocanmsg/pkg/message"
	"github.com/samsamfire/gocanmsg/pkg/network"
	log "github.com/sirupsen/logrus"
)

// BaseGateway implements the transport independent part of a gateway :
// listing messages, reading and writing signal values.
// Each gateway maps its own parsing logic to this base gateway
type BaseGateway struct {
	network *network.Network
}

func NewBaseGateway(network *network.Network) *BaseGateway {
	return &BaseGateway{network: network}
}

// SignalValue is the value of one signal inside of a [MessageState]
type SignalValue struct {
	Name   string `json:"name" cbor:"1,keyasint"`
	Start  uint8  `json:"start" cbor:"2,keyasint"`
	Length uint8  `json:"length" cbor:"3,keyasint"`
	Type   string `json:"type" cbor:"4,keyasint"`
	Value  any    `json:"value" cbor:"5,keyasint"`
}

// MessageState is a consistent view of one message
type MessageState struct {
	Name      string        `json:"name" cbor:"1,keyasint"`
	ID        uint32        `json:"id" cbor:"2,keyasint"`
	Extended  bool          `json:"extended" cbor:"3,keyasint"`
	Size      uint8         `json:"size" cbor:"4,keyasint"`
	Direction string        `json:"direction" cbor:"5,keyasint"`
	Sequence  uint64        `json:"sequence" cbor:"6,keyasint"`
	Data      string        `json:"data" cbor:"7,keyasint"`
	Signals   []SignalValue `json:"signals" cbor:"8,keyasint"`
	Stats     message.Stats `json:"stats" cbor:"9,keyasint"`
}

func (gw *BaseGateway) Network() *network.Network {
	return gw.network
}

// Names of all the messages, in creation order
func (gw *BaseGateway) MessageNames() []string {
	return gw.network.MessageNames()
}

// State of the message called name.
// Received messages are read from a single snapshot so all the signal
// values belong to the same frame. Transmitted messages show the values
// that the next transmission will carry.
func (gw *BaseGateway) State(name string) (*MessageState, error) {
	msg, err := gw.network.Message(name)
	if err != nil {
		return nil, err
	}
	snapshot := msg.Snapshot()
	frame := canmsg.Frame{ID: msg.ID()}
	state := &MessageState{
		Name:      name,
		ID:        frame.Identifier(),
		Extended:  frame.IsExtended(),
		Size:      msg.Size(),
		Direction: msg.Direction().String(),
		Sequence:  snapshot.Sequence,
		Data:      fmt.Sprintf("% X", snapshot.Data[:msg.Size()]),
		Stats:     msg.Stats(),
	}
	for i, s := range msg.Signals() {
		value := SignalValue{
			Name:   s.Name(),
			Start:  s.Start(),
			Length: s.Length(),
			Type:   config.FormatType(s.Config()),
		}
		if msg.Direction() == message.Receive {
			value.Value = s.ValueOf(snapshot.Raw[i])
		} else {
			value.Value = s.Value()
		}
		state.Signals = append(state.Signals, value)
	}
	return state, nil
}

// States of all the messages, in creation order
func (gw *BaseGateway) States() []*MessageState {
	states := []*MessageState{}
	for _, name := range gw.network.MessageNames() {
		state, err := gw.State(name)
		if err != nil {
			continue
		}
		states = append(states, state)
	}
	return states
}

// Read the current value of a signal
func (gw *BaseGateway) Read(messageName string, signalName string) (any, error) {
	return gw.network.Read(messageName, signalName)
}

// Write the value of a transmitted signal, see [network.Network.Write]
func (gw *BaseGateway) Write(messageName string, signalName string, value any) error {
	err := gw.network.Write(messageName, signalName, value)
	if err != nil {
		log.Warnf("[GATEWAY] write %v.%v failed : %v", messageName, signalName, err)
	}
	return err
}
