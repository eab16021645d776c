package lease

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/logging"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/services"
)

const keyPrefix = "videogen:lease:"

// Token-checked scripts so a holder never extends or deletes a lease that
// expired and was taken over.
var (
	releaseScript = redis.NewScript(`if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) end return 0`)
	refreshScript = redis.NewScript(`if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("PEXPIRE", KEYS[1], ARGV[2]) end return 0`)
)

// RedisOptions configures a RedisLocker.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// RedisLocker holds leases as expiring Redis keys so drivers on different
// hosts exclude each other. Held leases are refreshed in the background.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisLocker connects lazily to the configured server.
func NewRedisLocker(opts RedisOptions, logger *slog.Logger) *RedisLocker {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisLockerWithClient(client, opts.TTL, logger)
}

// NewRedisLockerWithClient uses an existing client.
func NewRedisLockerWithClient(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl, logger: logging.NewComponentLogger(logger, "lease")}
}

// Key returns the Redis key guarding runID.
func Key(runID string) string {
	return keyPrefix + runID
}

// Acquire claims the run key with SET NX.
func (l *RedisLocker) Acquire(ctx context.Context, runID string) (Lease, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, Key(runID), token, l.ttl).Result()
	if err != nil {
		return nil, services.Wrap(services.ErrInfrastructure, "lease", "acquire", "redis unavailable", err)
	}
	if !ok {
		return nil, heldError(runID)
	}
	refreshCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	lease := &redisLease{
		runID:  runID,
		token:  token,
		locker: l,
		cancel: cancel,
		done:   make(chan struct{}),
		lost:   make(chan struct{}),
	}
	go lease.refresh(refreshCtx)
	return lease, nil
}

type redisLease struct {
	runID  string
	token  string
	locker *RedisLocker
	cancel context.CancelFunc
	done   chan struct{}
	lost   chan struct{}
	once   sync.Once
	err    error
}

func (l *redisLease) RunID() string { return l.runID }

func (l *redisLease) Lost() <-chan struct{} { return l.lost }

// refresh extends the key every ttl/3. The lease counts as lost when the key
// no longer carries our token, or when no refresh has succeeded for a full TTL.
func (l *redisLease) refresh(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(refreshInterval(l.locker.ttl))
	defer ticker.Stop()
	lastOK := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := refreshScript.Run(ctx, l.locker.client, []string{Key(l.runID)}, l.token, l.locker.ttl.Milliseconds()).Int()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logging.WarnWithContext(l.locker.logger, "lease refresh failed", "lease_refresh_failed",
					logging.String(logging.FieldRunID, l.runID),
					logging.Error(err),
				)
				if time.Since(lastOK) >= l.locker.ttl {
					l.markLost("refresh failing for a full ttl")
					return
				}
				continue
			}
			if res == 0 {
				l.markLost("key expired or taken over")
				return
			}
			lastOK = time.Now()
		}
	}
}

func (l *redisLease) markLost(reason string) {
	logging.ErrorWithContext(l.locker.logger, "lease lost", "lease_lost",
		logging.String(logging.FieldRunID, l.runID),
		logging.String(logging.FieldErrorReason, reason),
		logging.Alert("lease_lost"),
	)
	close(l.lost)
}

func (l *redisLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.cancel()
		<-l.done
		if _, err := releaseScript.Run(ctx, l.locker.client, []string{Key(l.runID)}, l.token).Result(); err != nil {
			l.err = fmt.Errorf("release lease %s: %w", l.runID, err)
		}
	})
	return l.err
}
