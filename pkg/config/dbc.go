package config

import (
	"fmt"
	"math"
	"os"

	canmsg "github.com/samsamfire/gocanmsg"
	"github.com/samsamfire/gocanmsg/pkg/message"
	"github.com/samsamfire/gocanmsg/pkg/signal"
	log "github.com/sirupsen/logrus"
	"go.einride.tech/can/pkg/dbc"
)

const (
	cycleTimeAttribute = "GenMsgCycleTime"
	// Holds signals that are not part of any message
	independentSignalsMessage = "VECTOR__INDEPENDENT_SIG_MSG"
)

// LoadDBC reads a DBC file, see [ParseDBC]
func LoadDBC(path string, node string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDBC(path, data, node)
}

// ParseDBC builds a definition from DBC source. Messages transmitted by node
// are tx messages, the other ones rx. Transmitted messages without a
// GenMsgCycleTime attribute are skipped, as well as multiplexed signals.
func ParseDBC(name string, data []byte, node string) (*Definition, error) {
	parser := dbc.NewParser(name, data)
	if err := parser.Parse(); err != nil {
		return nil, fmt.Errorf("%w : %w", canmsg.ErrConfiguration, err)
	}
	defs := parser.Defs()

	cycleTimes := map[dbc.MessageID]uint32{}
	ieeeSignals := map[dbc.MessageID]map[dbc.Identifier]bool{}
	for _, def := range defs {
		switch d := def.(type) {
		case *dbc.AttributeValueForObjectDef:
			if d.ObjectType != dbc.ObjectTypeMessage || d.AttributeName != cycleTimeAttribute {
				continue
			}
			value := float64(d.IntValue)
			if value == 0 {
				value = d.FloatValue
			}
			if value > 0 && value <= math.MaxUint32 {
				cycleTimes[d.MessageID] = uint32(value)
			}
		case *dbc.SignalValueTypeDef:
			if d.SignalValueType == dbc.SignalValueTypeInt {
				continue
			}
			if ieeeSignals[d.MessageID] == nil {
				ieeeSignals[d.MessageID] = map[dbc.Identifier]bool{}
			}
			ieeeSignals[d.MessageID][d.SignalName] = true
		}
	}

	definition := NewDefinition()
	for _, def := range defs {
		msgDef, ok := def.(*dbc.MessageDef)
		if !ok || msgDef.Name == independentSignalsMessage {
			continue
		}
		msg, err := messageFromDBC(msgDef, node, cycleTimes[msgDef.MessageID], ieeeSignals[msgDef.MessageID])
		if err != nil {
			return nil, err
		}
		if msg == nil {
			continue
		}
		definition.Messages = append(definition.Messages, *msg)
	}
	log.Debugf("[CONFIG] imported %v messages from %v", len(definition.Messages), name)
	return definition, nil
}

func messageFromDBC(def *dbc.MessageDef, node string, cycleTime uint32, ieee map[dbc.Identifier]bool) (*MessageDefinition, error) {
	name := string(def.Name)
	id := def.MessageID.ToCAN()
	if def.MessageID.IsExtended() {
		id |= canmsg.CanEffFlag
	}
	if def.Size == 0 || def.Size > uint64(message.MaxMessageSize) {
		return nil, fmt.Errorf("%w : message %q size %v not supported", canmsg.ErrConfiguration, name, def.Size)
	}
	msg := &MessageDefinition{
		Name:      name,
		ID:        id,
		Size:      uint8(def.Size),
		Direction: message.Receive,
	}
	if node != "" && string(def.Transmitter) == node {
		msg.Direction = message.Transmit
		msg.PeriodMs = cycleTime
		if cycleTime == 0 {
			log.Warnf("[CONFIG] skipping tx message %q without %v", name, cycleTimeAttribute)
			return nil, nil
		}
	}
	for _, s := range def.Signals {
		if s.IsMultiplexed {
			log.Warnf("[CONFIG] skipping multiplexed signal %v.%v", name, s.Name)
			continue
		}
		if s.IsBigEndian {
			return nil, fmt.Errorf("%w : signal %v.%v is big endian (motorola)", canmsg.ErrConfiguration, name, s.Name)
		}
		if ieee[s.Name] {
			return nil, fmt.Errorf("%w : signal %v.%v is an IEEE float", canmsg.ErrConfiguration, name, s.Name)
		}
		if s.StartBit+s.Size > signal.MaxBits {
			return nil, fmt.Errorf("%w : signal %v.%v exceeds 64 bits", canmsg.ErrConfiguration, name, s.Name)
		}
		factor := s.Factor
		if factor == 0 {
			factor = 1
		}
		config := signal.Config{
			Name:   string(s.Name),
			Start:  uint8(s.StartBit),
			Length: uint8(s.Size),
			Factor: factor,
			Offset: s.Offset,
			Signed: s.IsSigned,
			Type:   signal.Integer,
		}
		if !isInteger(factor) || !isInteger(s.Offset) {
			config.Type = signal.Float
		}
		msg.Signals = append(msg.Signals, config)
	}
	if len(msg.Signals) == 0 {
		log.Debugf("[CONFIG] skipping message %q without signals", name)
		return nil, nil
	}
	return msg, nil
}

func isInteger(v float64) bool {
	return v == math.Trunc(v)
}
