// peerlink-relay is the signaling relay daemon.
//
// It serves the rendezvous HTTP API backed by the in-memory candidate store
// and runs the TTL sweeper for the lifetime of the process. All state is
// process memory; restarting the relay loses nothing peers cannot re-announce.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/peerlink/peerlink/internal/config"
	"github.com/peerlink/peerlink/internal/relay"
)

var (
	flagAddr          string
	flagTTL           time.Duration
	flagSweepInterval time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "peerlink-relay",
	Short: "In-memory signaling relay for peerlink rendezvous",
	Long: `peerlink-relay stores connection-setup metadata (session descriptions and
ICE candidates) per (channel, room, peer) and hands it to the counterpart
peer on request. Entries expire after a TTL; nothing is persisted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd)
	},
}

func init() {
	rootCmd.Flags().StringVar(&flagAddr, "addr", "", "listen address (overrides "+config.EnvListenAddr+")")
	rootCmd.Flags().DurationVar(&flagTTL, "ttl", 0, "peer entry TTL (overrides "+config.EnvEntryTTL+")")
	rootCmd.Flags().DurationVar(&flagSweepInterval, "sweep-interval", 0, "sweep interval (overrides "+config.EnvSweepInterval+")")
}

func run(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if flagAddr != "" {
		cfg.ListenAddr = flagAddr
	}
	if flagTTL > 0 {
		cfg.EntryTTL = flagTTL
	}
	if flagSweepInterval > 0 {
		cfg.SweepInterval = flagSweepInterval
	}

	log := newLogger(cfg.LogLevel)

	store := relay.NewStore()
	server := relay.NewServer(store, log)
	sweeper := relay.NewSweeper(store, cfg.SweepInterval, cfg.EntryTTL, log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sweeper.Run(ctx)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.ListenAddr).
			Dur("ttl", cfg.EntryTTL).
			Dur("sweep_interval", cfg.SweepInterval).
			Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
	return nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	w := zerolog.ConsoleWriter{Out: os.Stdout}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
