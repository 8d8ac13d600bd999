package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Sweep defaults. A peer that re-announces within the TTL refreshes its own
// timer and survives the next pass.
const (
	DefaultTTL           = 60 * time.Second
	DefaultSweepInterval = 10 * time.Second
)

// Sweeper periodically evicts stale peer entries from a Store. It runs for
// the lifetime of the relay process; the only control is context
// cancellation.
type Sweeper struct {
	store    *Store
	interval time.Duration
	ttl      time.Duration
	log      zerolog.Logger
}

// NewSweeper creates a Sweeper over store. Non-positive interval or ttl fall
// back to the defaults.
func NewSweeper(store *Store, interval, ttl time.Duration, log zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Sweeper{store: store, interval: interval, ttl: ttl, log: log}
}

// Run blocks, sweeping once per interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.store.Sweep(now, s.ttl); n > 0 {
				s.log.Debug().Int("evicted", n).Msg("swept stale peer entries")
			}
		}
	}
}
