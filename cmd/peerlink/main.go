// peerlink is the demo peer CLI.
//
// `peerlink listen` announces offers into a room and accepts incoming
// connections; `peerlink dial` answers the first offer it finds. Both sides
// must agree on the relay URL and the (channel, room) pair out-of-band.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/peerlink/peerlink/internal/config"
	"github.com/peerlink/peerlink/internal/peer"
	"github.com/peerlink/peerlink/internal/signaling"
)

var (
	flagRelayURL string
	flagChannel  string
	flagRoom     string
	flagMax      int
	flagDebug    bool
)

var rootCmd = &cobra.Command{
	Use:   "peerlink",
	Short: "Establish direct data-channel connections through a signaling relay",
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Announce offers into the room and accept incoming connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runListen(cmd.Context())
	},
}

var dialCmd = &cobra.Command{
	Use:   "dial",
	Short: "Answer the first offer found in the room",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDial(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRelayURL, "relay", "", "relay base URL (overrides "+config.EnvRelayURL+")")
	rootCmd.PersistentFlags().StringVar(&flagChannel, "channel", "", "channel name (overrides "+config.EnvChannel+")")
	rootCmd.PersistentFlags().StringVar(&flagRoom, "room", "", "room name (overrides "+config.EnvRoom+")")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	listenCmd.Flags().IntVar(&flagMax, "max", 0, "stop after this many connections (0 = unbounded)")
	rootCmd.AddCommand(listenCmd, dialCmd)
}

func setup() (*peer.Client, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if flagRelayURL != "" {
		cfg.RelayURL = flagRelayURL
	}
	if flagChannel != "" {
		cfg.Channel = flagChannel
	}
	if flagRoom != "" {
		cfg.Room = flagRoom
	}
	if cfg.Room == "" {
		return nil, nil, fmt.Errorf("a room is required (--room or %s)", config.EnvRoom)
	}

	relayClient, err := signaling.NewClient(cfg.RelayURL, signaling.RoomConfig{
		Channel: cfg.Channel,
		Room:    cfg.Room,
	})
	if err != nil {
		return nil, nil, err
	}

	level := zerolog.WarnLevel
	if flagDebug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	return peer.NewClient(relayClient, cfg.ICEServers, log), cfg, nil
}

func runListen(ctx context.Context) error {
	client, cfg, err := setup()
	if err != nil {
		return err
	}
	defer client.Close()

	max := flagMax
	if max == 0 {
		max = cfg.MaxConnections
	}

	pterm.Info.Printfln("listening in %s/%s via %s", cfg.Channel, cfg.Room, cfg.RelayURL)

	var accepts <-chan peer.Accept
	if max > 0 {
		accepts, err = client.AcceptConnections(ctx, max)
	} else {
		accepts, err = client.Listen(ctx)
	}
	if err != nil {
		return err
	}

	for accept := range accepts {
		if accept.Err != nil {
			return accept.Err
		}
		pterm.Success.Printfln("peer connected (id %s, %d active)",
			accept.Conn.PeerID(), client.ActiveConnectionsCount())
	}

	pterm.Info.Println("acceptor stopped")
	return nil
}

func runDial(ctx context.Context) error {
	client, cfg, err := setup()
	if err != nil {
		return err
	}
	defer client.Close()

	spinner, _ := pterm.DefaultSpinner.Start(
		fmt.Sprintf("waiting for an offer in %s/%s", cfg.Channel, cfg.Room))

	conn, err := client.Dial(ctx)
	if err != nil {
		spinner.Fail(err.Error())
		return err
	}
	spinner.Success(fmt.Sprintf("connected to peer (id %s)", conn.PeerID()))

	// Hold the connection until interrupted.
	<-ctx.Done()
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rootCmd.SilenceUsage = true
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}
