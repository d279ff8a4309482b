// Package config loads message definitions and runtime settings.
//
// Definitions come from INI files (see [Load]) or from DBC files (see
// [LoadDBC]). A [Definition] is plain data, it is turned into live messages
// by the network package.
package config

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	canmsg "github.com/samsamfire/gocanmsg"
	"github.com/samsamfire/gocanmsg/pkg/message"
	"github.com/samsamfire/gocanmsg/pkg/signal"
	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

const (
	DefaultInterface = "virtualcan"
	DefaultChannel   = "localhost:18888"
	DefaultBitrate   = 500_000
	DefaultTickMs    = 1
	DefaultLogLevel  = "info"

	messagePrefix = "Message."
	signalInfix   = ".Signal."
)

type BusConfig struct {
	Interface string
	Channel   string
	Bitrate   int
}

type SchedulerConfig struct {
	TickMs uint32
	CPU    int // < 0 disables pinning
}

type MessageDefinition struct {
	Name      string
	ID        uint32 // [canmsg.Frame] ID format
	Size      uint8
	Direction message.Direction
	PeriodMs  uint32 // tx only
	TimeoutMs uint32 // rx only, 0 disables supervision
	Signals   []signal.Config
}

type Definition struct {
	Bus       BusConfig
	Scheduler SchedulerConfig
	LogLevel  string
	Messages  []MessageDefinition
}

func NewDefinition() *Definition {
	return &Definition{
		Bus:       BusConfig{Interface: DefaultInterface, Channel: DefaultChannel, Bitrate: DefaultBitrate},
		Scheduler: SchedulerConfig{TickMs: DefaultTickMs, CPU: -1},
		LogLevel:  DefaultLogLevel,
	}
}

// Message returns the definition named name
func (d *Definition) Message(name string) (*MessageDefinition, bool) {
	for i := range d.Messages {
		if d.Messages[i].Name == name {
			return &d.Messages[i], true
		}
	}
	return nil, false
}

// Load a definition file, source is a file name, []byte or io.Reader
func Load(source any) (*Definition, error) {
	file, err := ini.LoadSources(ini.LoadOptions{Insensitive: false}, source)
	if err != nil {
		return nil, fmt.Errorf("%w : %w", canmsg.ErrConfiguration, err)
	}
	def := NewDefinition()
	if err := def.parseGeneral(file); err != nil {
		return nil, err
	}
	// Messages first, signals are attached in a second pass
	messages := map[string]*MessageDefinition{}
	order := []string{}
	for _, section := range file.Sections() {
		name := section.Name()
		if !strings.HasPrefix(name, messagePrefix) || strings.Contains(name, signalInfix) {
			continue
		}
		msg, err := parseMessage(strings.TrimPrefix(name, messagePrefix), section)
		if err != nil {
			return nil, err
		}
		if _, ok := messages[msg.Name]; ok {
			return nil, fmt.Errorf("%w : message %q defined twice", canmsg.ErrConfiguration, msg.Name)
		}
		messages[msg.Name] = msg
		order = append(order, msg.Name)
	}
	for _, section := range file.Sections() {
		name := section.Name()
		if !strings.HasPrefix(name, messagePrefix) || !strings.Contains(name, signalInfix) {
			continue
		}
		parts := strings.SplitN(strings.TrimPrefix(name, messagePrefix), signalInfix, 2)
		msg, ok := messages[parts[0]]
		if !ok {
			return nil, fmt.Errorf("%w : section [%v] has no message [%v%v]", canmsg.ErrConfiguration, name, messagePrefix, parts[0])
		}
		sig, err := parseSignal(parts[1], section)
		if err != nil {
			return nil, fmt.Errorf("message %q : %w", msg.Name, err)
		}
		msg.Signals = append(msg.Signals, sig)
	}
	for _, name := range order {
		msg := messages[name]
		if len(msg.Signals) == 0 {
			return nil, fmt.Errorf("%w : message %q has no signals", canmsg.ErrConfiguration, name)
		}
		if msg.Size == 0 {
			msg.Size = minSize(msg.Signals)
		}
		def.Messages = append(def.Messages, *msg)
	}
	log.Debugf("[CONFIG] loaded %v messages", len(def.Messages))
	return def, nil
}

func (d *Definition) parseGeneral(file *ini.File) error {
	if section, err := file.GetSection("Bus"); err == nil {
		d.Bus.Interface = section.Key("Interface").MustString(d.Bus.Interface)
		d.Bus.Channel = section.Key("Channel").MustString(d.Bus.Channel)
		if section.HasKey("Bitrate") {
			bitrate, err := parseUint(section.Key("Bitrate"), 32)
			if err != nil {
				return err
			}
			d.Bus.Bitrate = int(bitrate)
		}
	}
	if section, err := file.GetSection("Scheduler"); err == nil {
		if section.HasKey("TickMs") {
			tick, err := parseUint(section.Key("TickMs"), 32)
			if err != nil {
				return err
			}
			if tick == 0 {
				return fmt.Errorf("%w : [Scheduler] TickMs must be > 0", canmsg.ErrConfiguration)
			}
			d.Scheduler.TickMs = uint32(tick)
		}
		if section.HasKey("CPU") {
			cpu, err := section.Key("CPU").Int()
			if err != nil {
				return fmt.Errorf("%w : [Scheduler] CPU : %w", canmsg.ErrConfiguration, err)
			}
			d.Scheduler.CPU = cpu
		}
	}
	if section, err := file.GetSection("Log"); err == nil {
		d.LogLevel = section.Key("Level").MustString(d.LogLevel)
	}
	return nil
}

// Integers accept a 0x prefix
func parseUint(key *ini.Key, bitSize int) (uint64, error) {
	value, err := strconv.ParseUint(strings.TrimSpace(key.String()), 0, bitSize)
	if err != nil {
		return 0, fmt.Errorf("%w : key %v : %w", canmsg.ErrConfiguration, key.Name(), err)
	}
	return value, nil
}

func parseMessage(name string, section *ini.Section) (*MessageDefinition, error) {
	if name == "" {
		return nil, fmt.Errorf("%w : empty message name", canmsg.ErrConfiguration)
	}
	if !section.HasKey("ID") {
		return nil, fmt.Errorf("%w : message %q has no ID", canmsg.ErrConfiguration, name)
	}
	id, err := parseUint(section.Key("ID"), 32)
	if err != nil {
		return nil, err
	}
	if section.Key("Extended").MustBool(false) {
		id |= uint64(canmsg.CanEffFlag)
	}
	if err := canmsg.ValidateIdentifier(uint32(id)); err != nil {
		return nil, fmt.Errorf("message %q : %w", name, err)
	}
	msg := &MessageDefinition{Name: name, ID: uint32(id)}
	if section.HasKey("Size") {
		size, err := parseUint(section.Key("Size"), 8)
		if err != nil {
			return nil, err
		}
		msg.Size = uint8(size)
	}
	msg.Direction, err = message.ParseDirection(section.Key("Direction").MustString("tx"))
	if err != nil {
		return nil, fmt.Errorf("message %q : %w", name, err)
	}
	if section.HasKey("PeriodMs") {
		period, err := parseUint(section.Key("PeriodMs"), 32)
		if err != nil {
			return nil, err
		}
		msg.PeriodMs = uint32(period)
	}
	if section.HasKey("TimeoutMs") {
		timeout, err := parseUint(section.Key("TimeoutMs"), 32)
		if err != nil {
			return nil, err
		}
		msg.TimeoutMs = uint32(timeout)
	}
	if msg.Direction == message.Transmit && msg.PeriodMs == 0 {
		return nil, fmt.Errorf("%w : tx message %q needs PeriodMs > 0", canmsg.ErrConfiguration, name)
	}
	return msg, nil
}

// ParseType maps "uint", "int" and "float" to a value type and signedness
func ParseType(s string) (signal.ValueType, bool, error) {
	switch strings.ToLower(s) {
	case "uint", "unsigned":
		return signal.Integer, false, nil
	case "int", "signed":
		return signal.Integer, true, nil
	case "float":
		return signal.Float, false, nil
	}
	return 0, false, fmt.Errorf("%w : unknown signal type %q", canmsg.ErrConfiguration, s)
}

// FormatType is the reverse of [ParseType]
func FormatType(config signal.Config) string {
	switch {
	case config.Type == signal.Float:
		return "float"
	case config.Signed:
		return "int"
	default:
		return "uint"
	}
}

func parseSignal(name string, section *ini.Section) (signal.Config, error) {
	config := signal.Config{Name: name, Factor: 1}
	if name == "" {
		return config, fmt.Errorf("%w : empty signal name", canmsg.ErrConfiguration)
	}
	for _, key := range []string{"Start", "Length"} {
		if !section.HasKey(key) {
			return config, fmt.Errorf("%w : signal %q has no %v", canmsg.ErrConfiguration, name, key)
		}
	}
	start, err := parseUint(section.Key("Start"), 8)
	if err != nil {
		return config, err
	}
	length, err := parseUint(section.Key("Length"), 8)
	if err != nil {
		return config, err
	}
	config.Start, config.Length = uint8(start), uint8(length)
	vtype, signed, err := ParseType(section.Key("Type").MustString("uint"))
	if err != nil {
		return config, err
	}
	config.Type = vtype
	config.Signed = section.Key("Signed").MustBool(signed)
	if section.HasKey("Factor") {
		if config.Factor, err = section.Key("Factor").Float64(); err != nil {
			return config, fmt.Errorf("%w : signal %q factor : %w", canmsg.ErrConfiguration, name, err)
		}
	}
	if section.HasKey("Offset") {
		if config.Offset, err = section.Key("Offset").Float64(); err != nil {
			return config, fmt.Errorf("%w : signal %q offset : %w", canmsg.ErrConfiguration, name, err)
		}
	}
	return config, nil
}

func minSize(signals []signal.Config) uint8 {
	end := 0
	for _, s := range signals {
		end = max(end, int(s.Start)+int(s.Length))
	}
	return uint8((end + 7) / 8)
}

type iniSection struct {
	name string
	keys [][2]string
}

// WriteTo exports the definition in the INI format read by [Load]
func (d *Definition) WriteTo(w io.Writer) (int64, error) {
	file := ini.Empty()
	sections := []iniSection{
		{"Bus", [][2]string{
			{"Interface", d.Bus.Interface},
			{"Channel", d.Bus.Channel},
			{"Bitrate", strconv.Itoa(d.Bus.Bitrate)},
		}},
		{"Scheduler", [][2]string{
			{"TickMs", strconv.FormatUint(uint64(d.Scheduler.TickMs), 10)},
			{"CPU", strconv.Itoa(d.Scheduler.CPU)},
		}},
		{"Log", [][2]string{{"Level", d.LogLevel}}},
	}
	for _, msg := range d.Messages {
		ident := msg.ID &^ canmsg.CanEffFlag
		keys := [][2]string{
			{"ID", "0x" + strconv.FormatUint(uint64(ident), 16)},
			{"Extended", strconv.FormatBool(msg.ID&canmsg.CanEffFlag != 0)},
			{"Size", strconv.Itoa(int(msg.Size))},
			{"Direction", msg.Direction.String()},
		}
		if msg.Direction == message.Transmit {
			keys = append(keys, [2]string{"PeriodMs", strconv.FormatUint(uint64(msg.PeriodMs), 10)})
		} else {
			keys = append(keys, [2]string{"TimeoutMs", strconv.FormatUint(uint64(msg.TimeoutMs), 10)})
		}
		sections = append(sections, iniSection{messagePrefix + msg.Name, keys})
		signals := append([]signal.Config{}, msg.Signals...)
		sort.SliceStable(signals, func(i, j int) bool { return signals[i].Start < signals[j].Start })
		for _, sig := range signals {
			sections = append(sections, iniSection{messagePrefix + msg.Name + signalInfix + sig.Name, [][2]string{
				{"Start", strconv.Itoa(int(sig.Start))},
				{"Length", strconv.Itoa(int(sig.Length))},
				{"Factor", strconv.FormatFloat(sig.Factor, 'g', -1, 64)},
				{"Offset", strconv.FormatFloat(sig.Offset, 'g', -1, 64)},
				{"Signed", strconv.FormatBool(sig.Signed)},
				{"Type", FormatType(sig)},
			}})
		}
	}
	for _, s := range sections {
		section, err := file.NewSection(s.name)
		if err != nil {
			return 0, err
		}
		for _, kv := range s.keys {
			if _, err := section.NewKey(kv[0], kv[1]); err != nil {
				return 0, err
			}
		}
	}
	return file.WriteTo(w)
}
