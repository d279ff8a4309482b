package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samsamfire/gocanmsg/pkg/gateway/http"
	"github.com/samsamfire/gocanmsg/pkg/message"
	"github.com/samsamfire/gocanmsg/pkg/network"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	httpAddr   string
	monitor    bool
	statsEvery time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Transmit and receive the messages of the definition",
	Long: `Connect to the bus and run the scheduler until interrupted.

Tx messages are sent at their period with their current signal values, rx
messages are decoded as frames arrive. With --http, signal values can be read
and written through the HTTP gateway, and streamed over a websocket at /stream.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&httpAddr, "http", "", "Serve the HTTP gateway on this address, e.g. :8090")
	runCmd.Flags().BoolVar(&monitor, "monitor", false, "Log every received message")
	runCmd.Flags().DurationVar(&statsEvery, "stats", 0, "Log message statistics at this interval, 0 disables")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	def, err := loadDefinition(cmd)
	if err != nil {
		return err
	}
	net := network.NewNetwork(nil)
	if err := net.Load(def); err != nil {
		return err
	}
	if err := net.Connect(def.Bus.Interface, def.Bus.Channel, def.Bus.Bitrate); err != nil {
		return err
	}
	defer net.Disconnect()
	log.Infof("[CANMSG] connected to %v (%v) @ %v bit/s", def.Bus.Interface, def.Bus.Channel, def.Bus.Bitrate)

	if monitor {
		for _, name := range net.MessageNames() {
			msg, _ := net.Message(name)
			if rx, ok := msg.(*message.RxMessage); ok {
				rx.OnReceive(func(snapshot *message.Snapshot) {
					log.Infof("[RX] %v #%v : % X", name, snapshot.Sequence, snapshot.Data[:rx.Size()])
				})
			}
		}
	}
	if statsEvery > 0 {
		_, err := net.AddTimer(uint32(statsEvery.Milliseconds()), func() error {
			logStats(net)
			return nil
		})
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if httpAddr != "" {
		gw := http.NewGatewayServer(net)
		go func() {
			if err := gw.ListenAndServe(httpAddr); err != nil {
				log.Errorf("[CANMSG] gateway stopped : %v", err)
				stop()
			}
		}()
	}
	return net.Process(ctx)
}

func logStats(net *network.Network) {
	for _, name := range net.MessageNames() {
		msg, err := net.Message(name)
		if err != nil {
			continue
		}
		stats := msg.Stats()
		log.WithFields(log.Fields{
			"tx":       stats.Tx,
			"txErrors": stats.TxErrors,
			"rx":       stats.Rx,
			"rxShort":  stats.RxShort,
			"timeouts": stats.Timeouts,
		}).Infof("[STATS] %v", name)
	}
	log.Infof("[STATS] unrecognized frames : %v | bus tx errors : %v", net.Unrecognized(), net.TxErrors())
}
