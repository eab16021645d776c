// Package lease provides the run-level exclusive lease that makes the
// pipeline driver the single writer of a run's stage index.
package lease

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/config"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/services"
)

// Lease is a held run lease.
type Lease interface {
	RunID() string
	// Lost is closed when the lease stops being held before Release, e.g. it
	// expired and another driver claimed the run. Holders must stop writing.
	Lost() <-chan struct{}
	// Release gives the lease up. It is safe to call more than once.
	Release(ctx context.Context) error
}

// Locker hands out run leases. Acquire fails with services.ErrLeaseHeld when
// another holder owns the run.
type Locker interface {
	Acquire(ctx context.Context, runID string) (Lease, error)
}

// FromConfig builds the configured Locker.
func FromConfig(cfg *config.Config, logger *slog.Logger) (Locker, error) {
	switch cfg.Lease.Backend {
	case config.LeaseBackendRedis:
		return NewRedisLocker(RedisOptions{
			Addr:     cfg.Lease.RedisAddr,
			Password: cfg.Lease.RedisPassword,
			DB:       cfg.Lease.RedisDB,
			TTL:      cfg.LeaseTTL(),
		}, logger), nil
	case config.LeaseBackendFile, "":
		return NewFileLocker(cfg.LeaseDir())
	default:
		return nil, services.Wrap(services.ErrConfiguration, "lease", "build locker", fmt.Sprintf("unknown lease backend %q", cfg.Lease.Backend), nil)
	}
}

func heldError(runID string) error {
	return fmt.Errorf("%w: run %s is being executed by another driver", services.ErrLeaseHeld, runID)
}

// LostError is the error a holder reports after Lost fires.
func LostError(runID string) error {
	return fmt.Errorf("%w: lease on run %s was lost", services.ErrLeaseHeld, runID)
}

func refreshInterval(ttl time.Duration) time.Duration {
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	return interval
}
