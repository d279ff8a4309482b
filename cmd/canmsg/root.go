package main

import (
	"fmt"
	"os"

	"github.com/samsamfire/gocanmsg/pkg/config"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	// Bus implementations available from the command line
	_ "github.com/samsamfire/gocanmsg/pkg/can/loopback"
	_ "github.com/samsamfire/gocanmsg/pkg/can/slcan"
	_ "github.com/samsamfire/gocanmsg/pkg/can/socketcan"
	_ "github.com/samsamfire/gocanmsg/pkg/can/virtual"
)

var (
	// Definition flags
	configPath string
	dbcPath    string
	dbcNode    string

	// Bus flags, override the definition
	canInterface string
	channel      string
	bitrate      int

	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "canmsg",
	Short: "Periodic CAN message scheduler",
	Long: `canmsg - periodic CAN messages from a definition file.

Messages and signals are described in an INI definition file (--config) or
imported from a DBC file (--dbc, with --node naming the local node).
Bus flags given on the command line take precedence over the [Bus] section.

Examples:
  canmsg run --config vehicle.ini --http :8090
  canmsg layout --dbc vehicle.dbc --node ECU1
  canmsg send -i socketcan --channel can0 0x123 11223344`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "INI definition file")
	rootCmd.PersistentFlags().StringVar(&dbcPath, "dbc", "", "DBC file to import instead of an INI definition")
	rootCmd.PersistentFlags().StringVar(&dbcNode, "node", "", "DBC node transmitting the tx messages")

	rootCmd.PersistentFlags().StringVarP(&canInterface, "interface", "i", config.DefaultInterface, "Bus interface, e.g. socketcan, virtualcan, slcan")
	rootCmd.PersistentFlags().StringVar(&channel, "channel", config.DefaultChannel, "Bus channel, e.g. can0, localhost:18888, /dev/ttyACM0")
	rootCmd.PersistentFlags().IntVarP(&bitrate, "bitrate", "b", config.DefaultBitrate, "Bus bitrate")

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", config.DefaultLogLevel, "Log level : trace, debug, info, warn, error")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func setupLogging(cmd *cobra.Command) error {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	isTerminal := term.IsTerminal(int(os.Stderr.Fd()))
	log.SetFormatter(&log.TextFormatter{
		DisableColors: !isTerminal,
		FullTimestamp: !isTerminal,
	})
	return nil
}

// Load the definition from the given flags, with the bus flags applied
func loadDefinition(cmd *cobra.Command) (*config.Definition, error) {
	var def *config.Definition
	var err error
	switch {
	case dbcPath != "" && configPath != "":
		return nil, fmt.Errorf("--config and --dbc are mutually exclusive")
	case dbcPath != "":
		def, err = config.LoadDBC(dbcPath, dbcNode)
	case configPath != "":
		def, err = config.Load(configPath)
	default:
		def = config.NewDefinition()
	}
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("interface") || configPath == "" {
		def.Bus.Interface = canInterface
	}
	if flags.Changed("channel") || configPath == "" {
		def.Bus.Channel = channel
	}
	if flags.Changed("bitrate") || configPath == "" {
		def.Bus.Bitrate = bitrate
	}
	if !flags.Changed("log-level") && def.LogLevel != logLevel {
		level, err := log.ParseLevel(def.LogLevel)
		if err != nil {
			return nil, err
		}
		log.SetLevel(level)
	}
	return def, nil
}
