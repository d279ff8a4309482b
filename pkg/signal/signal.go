// Package signal implements the bit level codec of CAN signals.
//
// Bits are numbered little-endian (Intel) : bit i of a frame payload is bit
// i%8 of byte i/8, and a signal occupies bits [Start, Start+Length) with its
// least significant bit at Start. Engineering values relate to raw values by
//
//	value = raw*Factor + Offset
//
// Raw values are stored and written as the low Length bits of a uint64, two's
// complement when the signal is signed.
//
// Signed also applies to Float signals : their raw value is sign extended
// before scaling, instead of being read as unsigned.
package signal

import (
	"fmt"
	"math"
	"sync/atomic"

	canmsg "github.com/samsamfire/gocanmsg"
	"go.einride.tech/can"
)

// Largest payload of a classical CAN frame, in bits
const MaxBits = 64

type ValueType uint8

const (
	Integer ValueType = iota
	Float
)

func (t ValueType) String() string {
	switch t {
	case Integer:
		return "integer"
	case Float:
		return "float"
	default:
		return "unknown"
	}
}

// Layout of a signal inside a frame payload
type Config struct {
	Name   string
	Start  uint8
	Length uint8
	Factor float64
	Offset float64
	Signed bool
	Type   ValueType
}

// RawSource provides the raw value a bound signal presents.
// Received messages implement it with their last published snapshot.
type RawSource interface {
	RawAt(index int) uint64
}

// A Signal is a typed, scaled view on a bit range of a message payload.
// Its current value can be read and written concurrently from any goroutine.
type Signal struct {
	name   string
	start  uint8
	length uint8
	factor float64
	offset float64
	signed bool
	vtype  ValueType
	mask   uint64 // Length low bits
	bound  atomic.Bool
	source RawSource
	index  int
	raw    atomic.Uint64
}

// Create a new signal, the layout is checked against a full CAN payload.
// The owning message checks it against its own size.
func New(config Config) (*Signal, error) {
	switch {
	case config.Length == 0 || config.Length > MaxBits:
		return nil, fmt.Errorf("%w : signal %q length %d not in [1,%d]", canmsg.ErrConfiguration, config.Name, config.Length, MaxBits)
	case int(config.Start)+int(config.Length) > MaxBits:
		return nil, fmt.Errorf("%w : signal %q bits [%d,%d) exceed %d bits", canmsg.ErrConfiguration, config.Name, config.Start, int(config.Start)+int(config.Length), MaxBits)
	case config.Factor == 0 || math.IsNaN(config.Factor) || math.IsInf(config.Factor, 0):
		return nil, fmt.Errorf("%w : signal %q factor %v", canmsg.ErrConfiguration, config.Name, config.Factor)
	case math.IsNaN(config.Offset) || math.IsInf(config.Offset, 0):
		return nil, fmt.Errorf("%w : signal %q offset %v", canmsg.ErrConfiguration, config.Name, config.Offset)
	case config.Type != Integer && config.Type != Float:
		return nil, fmt.Errorf("%w : signal %q value type %d", canmsg.ErrConfiguration, config.Name, config.Type)
	}
	s := &Signal{
		name:   config.Name,
		start:  config.Start,
		length: config.Length,
		factor: config.Factor,
		offset: config.Offset,
		signed: config.Signed,
		vtype:  config.Type,
		mask:   math.MaxUint64 >> (MaxBits - config.Length),
	}
	return s, nil
}

// MustNew is like [New] but panics on an invalid layout.
// Meant for layouts declared at program start.
func MustNew(config Config) *Signal {
	s, err := New(config)
	if err != nil {
		panic(err)
	}
	return s
}

// Unsigned integer signal with no scaling
func Uint(name string, start uint8, length uint8) *Signal {
	return MustNew(Config{Name: name, Start: start, Length: length, Factor: 1, Type: Integer})
}

// Signed integer signal with no scaling
func Int(name string, start uint8, length uint8) *Signal {
	return MustNew(Config{Name: name, Start: start, Length: length, Factor: 1, Signed: true, Type: Integer})
}

// Scaled floating point signal
func Scaled(name string, start uint8, length uint8, factor float64, offset float64, signed bool) *Signal {
	return MustNew(Config{Name: name, Start: start, Length: length, Factor: factor, Offset: offset, Signed: signed, Type: Float})
}

func (s *Signal) Name() string    { return s.name }
func (s *Signal) Start() uint8    { return s.start }
func (s *Signal) Length() uint8   { return s.length }
func (s *Signal) Factor() float64 { return s.factor }
func (s *Signal) Offset() float64 { return s.offset }
func (s *Signal) Signed() bool    { return s.signed }
func (s *Signal) Type() ValueType { return s.vtype }
func (s *Signal) End() int        { return int(s.start) + int(s.length) }
func (s *Signal) Config() Config {
	return Config{Name: s.name, Start: s.start, Length: s.length, Factor: s.factor, Offset: s.offset, Signed: s.signed, Type: s.vtype}
}

// Bits occupied by the signal in the little-endian packed payload
func (s *Signal) Mask() uint64 {
	return s.mask << s.start
}

func (s *Signal) String() string {
	sign := "u"
	if s.signed {
		sign = "s"
	}
	return fmt.Sprintf("%s [%d:%d] %s%s *%v +%v", s.name, s.start, s.End(), sign, s.vtype, s.factor, s.offset)
}

// Bind attaches the signal to its message. source is nil for transmitted
// messages, where the signal keeps its own value. A signal can only be
// bound once in its lifetime.
func (s *Signal) Bind(source RawSource, index int) error {
	if !s.bound.CompareAndSwap(false, true) {
		return fmt.Errorf("%w : signal %q already belongs to a message", canmsg.ErrConfiguration, s.name)
	}
	s.source = source
	s.index = index
	return nil
}

func (s *Signal) Bound() bool {
	return s.bound.Load()
}

// identity scaling allows exact 64 bit integer conversions
func (s *Signal) identity() bool {
	return s.factor == 1 && s.offset == 0
}

// Smallest and largest raw values as two's complement bits
func (s *Signal) rawMin() uint64 {
	if !s.signed {
		return 0
	}
	return (uint64(1) << (s.length - 1)) & s.mask
}

func (s *Signal) rawMax() uint64 {
	if !s.signed {
		return s.mask
	}
	return s.mask >> 1
}

// Extend sign extends raw bits to int64, when the signal is signed
func (s *Signal) Extend(raw uint64) int64 {
	raw &= s.mask
	if !s.signed || s.length == MaxBits {
		return int64(raw)
	}
	signBit := uint64(1) << (s.length - 1)
	if raw&signBit == 0 {
		return int64(raw)
	}
	return int64(raw | ^s.mask)
}

// FromRaw converts raw bits into an engineering value
func (s *Signal) FromRaw(raw uint64) float64 {
	raw &= s.mask
	if s.signed {
		return float64(s.Extend(raw))*s.factor + s.offset
	}
	return float64(raw)*s.factor + s.offset
}

// ToRaw converts an engineering value into raw bits.
// Values outside of the representable range are clamped to the nearest
// bound and [canmsg.ErrEncodeRange] is returned with the clamped raw value.
func (s *Signal) ToRaw(value float64) (uint64, error) {
	if math.IsNaN(value) {
		return 0, fmt.Errorf("%w : %q got NaN", canmsg.ErrEncodeRange, s.name)
	}
	r := math.Round((value - s.offset) / s.factor)
	// Bounds are powers of two, exact in float64
	var lo, hi float64
	if s.signed {
		lo = -math.Ldexp(1, int(s.length)-1)
		hi = math.Ldexp(1, int(s.length)-1)
	} else {
		lo = 0
		hi = math.Ldexp(1, int(s.length))
	}
	switch {
	case r < lo:
		return s.rawMin(), fmt.Errorf("%w : %q value %v below minimum %v", canmsg.ErrEncodeRange, s.name, value, s.FromRaw(s.rawMin()))
	case r >= hi:
		return s.rawMax(), fmt.Errorf("%w : %q value %v above maximum %v", canmsg.ErrEncodeRange, s.name, value, s.FromRaw(s.rawMax()))
	case s.signed:
		return uint64(int64(r)) & s.mask, nil
	default:
		return uint64(r), nil
	}
}

// IntToRaw converts an integer engineering value into raw bits, exact over the
// whole 64 bit range when the signal is not scaled.
func (s *Signal) IntToRaw(value int64) (uint64, error) {
	if !s.identity() {
		return s.ToRaw(float64(value))
	}
	if !s.signed {
		if value < 0 {
			return 0, fmt.Errorf("%w : %q value %v below minimum 0", canmsg.ErrEncodeRange, s.name, value)
		}
		return s.UintToRaw(uint64(value))
	}
	min := s.Extend(s.rawMin())
	max := s.Extend(s.rawMax())
	switch {
	case value < min:
		return s.rawMin(), fmt.Errorf("%w : %q value %v below minimum %v", canmsg.ErrEncodeRange, s.name, value, min)
	case value > max:
		return s.rawMax(), fmt.Errorf("%w : %q value %v above maximum %v", canmsg.ErrEncodeRange, s.name, value, max)
	}
	return uint64(value) & s.mask, nil
}

// UintToRaw is the unsigned counterpart of [Signal.IntToRaw]
func (s *Signal) UintToRaw(value uint64) (uint64, error) {
	if !s.identity() {
		return s.ToRaw(float64(value))
	}
	max := s.rawMax()
	if value > max {
		return max, fmt.Errorf("%w : %q value %v above maximum %v", canmsg.ErrEncodeRange, s.name, value, max)
	}
	return value, nil
}

// DecodeRaw extracts the raw bits of the signal from a payload
func (s *Signal) DecodeRaw(data *can.Data) uint64 {
	return data.UnsignedBitsLittleEndian(s.start, s.length)
}

// EncodeRaw writes raw bits into the payload, other bits are left untouched
func (s *Signal) EncodeRaw(raw uint64, data *can.Data) {
	data.SetUnsignedBitsLittleEndian(s.start, s.length, raw&s.mask)
}

// Decode the engineering value of the signal from a payload
func (s *Signal) Decode(data *can.Data) float64 {
	return s.FromRaw(s.DecodeRaw(data))
}

// Encode an engineering value into the payload.
// Out of range values are clamped and still written, the returned
// [canmsg.ErrEncodeRange] is informative.
func (s *Signal) Encode(value float64, data *can.Data) error {
	raw, err := s.ToRaw(value)
	s.EncodeRaw(raw, data)
	return err
}

// Raw returns the current raw value of the signal
func (s *Signal) Raw() uint64 {
	if s.source != nil {
		return s.source.RawAt(s.index) & s.mask
	}
	return s.raw.Load()
}

// SetRaw sets the current raw value, extra high bits are dropped
func (s *Signal) SetRaw(raw uint64) {
	s.raw.Store(raw & s.mask)
}

// Set the current value from an engineering value. On range errors the
// clamped value is stored. Signals of received messages are read only.
func (s *Signal) Set(value float64) error {
	if err := s.writable(); err != nil {
		return err
	}
	raw, err := s.ToRaw(value)
	s.raw.Store(raw)
	return err
}

func (s *Signal) SetInt(value int64) error {
	if err := s.writable(); err != nil {
		return err
	}
	raw, err := s.IntToRaw(value)
	s.raw.Store(raw)
	return err
}

func (s *Signal) SetUint(value uint64) error {
	if err := s.writable(); err != nil {
		return err
	}
	raw, err := s.UintToRaw(value)
	s.raw.Store(raw)
	return err
}

func (s *Signal) writable() error {
	if s.source != nil {
		return fmt.Errorf("%w : signal %v is decoded from received frames", canmsg.ErrIllegalArgument, s.name)
	}
	return nil
}

// Float returns the current engineering value
func (s *Signal) Float() float64 {
	return s.FromRaw(s.Raw())
}

// Int returns the current engineering value rounded to an integer.
// Exact when the signal is not scaled, saturated otherwise.
func (s *Signal) Int() int64 {
	return s.intOf(s.Raw())
}

func (s *Signal) intOf(raw uint64) int64 {
	if s.identity() {
		return s.Extend(raw)
	}
	v := math.Round(s.FromRaw(raw))
	switch {
	case v >= math.Ldexp(1, 63):
		return math.MaxInt64
	case v < -math.Ldexp(1, 63):
		return math.MinInt64
	}
	return int64(v)
}

// Uint returns the current engineering value rounded to an unsigned integer.
// Negative values read as 0.
func (s *Signal) Uint() uint64 {
	return s.uintOf(s.Raw())
}

func (s *Signal) uintOf(raw uint64) uint64 {
	if s.identity() {
		if s.signed {
			v := s.Extend(raw)
			if v < 0 {
				return 0
			}
			return uint64(v)
		}
		return raw
	}
	v := math.Round(s.FromRaw(raw))
	switch {
	case v < 0:
		return 0
	case v >= math.Ldexp(1, 64):
		return math.MaxUint64
	}
	return uint64(v)
}

// Value returns the current value in the signal's value type :
// int64 or uint64 for integer signals, float64 for float signals
func (s *Signal) Value() any {
	return s.ValueOf(s.Raw())
}

// ValueOf is [Signal.Value] for the given raw bits, e.g. taken from a
// message snapshot
func (s *Signal) ValueOf(raw uint64) any {
	raw &= s.mask
	switch {
	case s.vtype == Float:
		return s.FromRaw(raw)
	case s.signed:
		return s.intOf(raw)
	default:
		return s.uintOf(raw)
	}
}
