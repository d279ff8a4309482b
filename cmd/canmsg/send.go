package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	canmsg "github.com/samsamfire/gocanmsg"
	"github.com/samsamfire/gocanmsg/pkg/can"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	sendExtended bool
	sendCount    int
	sendInterval time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send <id> [data]",
	Short: "Send a raw frame",
	Long: `Send a single frame, or --count frames every --interval.

The identifier accepts a 0x prefix, data is given in hex e.g. 11223344 or
11:22:33:44. Identifiers above 0x7FF are sent as extended frames.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().BoolVarP(&sendExtended, "extended", "x", false, "Force a 29 bit identifier")
	sendCmd.Flags().IntVarP(&sendCount, "count", "n", 1, "Number of frames to send")
	sendCmd.Flags().DurationVar(&sendInterval, "interval", 100*time.Millisecond, "Interval between frames")
	rootCmd.AddCommand(sendCmd)
}

// Build a frame from the command line arguments
func parseFrame(args []string, extended bool) (canmsg.Frame, error) {
	ident, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		return canmsg.Frame{}, fmt.Errorf("%w : invalid identifier %q", canmsg.ErrIllegalArgument, args[0])
	}
	if extended || ident > uint64(canmsg.CanSffMask) {
		ident |= uint64(canmsg.CanEffFlag)
	}
	if err := canmsg.ValidateIdentifier(uint32(ident)); err != nil {
		return canmsg.Frame{}, err
	}
	var data []byte
	if len(args) > 1 {
		data, err = hex.DecodeString(strings.ReplaceAll(args[1], ":", ""))
		if err != nil || len(data) > 8 {
			return canmsg.Frame{}, fmt.Errorf("%w : invalid data %q", canmsg.ErrIllegalArgument, args[1])
		}
	}
	frame := canmsg.NewFrame(uint32(ident), 0, uint8(len(data)))
	copy(frame.Data[:], data)
	return frame, nil
}

func runSend(cmd *cobra.Command, args []string) error {
	frame, err := parseFrame(args, sendExtended)
	if err != nil {
		return err
	}
	def, err := loadDefinition(cmd)
	if err != nil {
		return err
	}
	bus, err := can.NewBus(def.Bus.Interface, def.Bus.Channel, def.Bus.Bitrate)
	if err != nil {
		return err
	}
	bm := canmsg.NewBusManager(bus)
	if err := bm.Connect(def.Bus.Bitrate); err != nil {
		return err
	}
	defer bm.Disconnect()
	for i := 0; i < sendCount; i++ {
		if i > 0 {
			time.Sleep(sendInterval)
		}
		if err := bm.Send(frame); err != nil {
			return err
		}
		log.Infof("[SEND] %v", frame)
	}
	return nil
}
