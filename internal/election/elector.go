// Package election decides whether this process may execute scaling actions.
//
// Several autoscaler replicas can watch the same targets. Only the replica
// holding the leader lock scales; the others keep observing so they can take
// over with a warm sample window.
package election

import (
	"context"
	"fmt"
	"os"
	"time"

	"code.cloudfoundry.org/clock"
	"go.uber.org/zap"
)

const (
	DefaultKey           = "queue-autoscaler:leader"
	DefaultTTL           = 15 * time.Second
	DefaultRenewInterval = 5 * time.Second
)

// Elector campaigns for leadership until ctx is done, reporting every
// change through onChange. onChange(false) is reported on exit when the
// elector was leading.
type Elector interface {
	Run(ctx context.Context, onChange func(leader bool)) error
}

// NullElector is always the leader
type NullElector struct{}

func (NullElector) Run(ctx context.Context, onChange func(leader bool)) error {
	onChange(true)
	<-ctx.Done()
	onChange(false)
	return nil
}

// LockStore is a distributed lock with owner-checked renewal and release
type LockStore interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

// Config configures lock based election
type Config struct {
	Key           string        `yaml:"key"`
	Identity      string        `yaml:"identity"`
	TTL           time.Duration `yaml:"ttl"`
	RenewInterval time.Duration `yaml:"renew_interval"`
}

// WithDefaults returns a copy with unset fields defaulted
func (c Config) WithDefaults() Config {
	if c.Key == "" {
		c.Key = DefaultKey
	}
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
	if c.RenewInterval == 0 {
		c.RenewInterval = DefaultRenewInterval
	}
	if c.Identity == "" {
		host, _ := os.Hostname()
		c.Identity = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return c
}

func (c Config) Validate() error {
	if c.RenewInterval <= 0 || c.TTL <= 0 {
		return fmt.Errorf("ttl and renew_interval must be positive")
	}
	if c.RenewInterval >= c.TTL {
		return fmt.Errorf("renew_interval (%v) must be shorter than ttl (%v)", c.RenewInterval, c.TTL)
	}
	return nil
}

// LockElector holds leadership through a LockStore, renewing it every
// RenewInterval. Any renewal failure gives up leadership immediately since
// the lock may expire before the next attempt.
type LockElector struct {
	store  LockStore
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger
}

// NewLockElector creates an elector on top of store
func NewLockElector(store LockStore, cfg Config, clk clock.Clock, logger *zap.Logger) (*LockElector, error) {
	if store == nil {
		return nil, fmt.Errorf("lock store cannot be nil")
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.NewClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LockElector{
		store:  store,
		cfg:    cfg,
		clock:  clk,
		logger: logger.With(zap.String("identity", cfg.Identity), zap.String("key", cfg.Key)),
	}, nil
}

func (e *LockElector) Run(ctx context.Context, onChange func(leader bool)) error {
	leader := false
	set := func(v bool) {
		if v == leader {
			return
		}
		leader = v
		if v {
			e.logger.Info("Acquired leadership")
		} else {
			e.logger.Warn("Lost leadership")
		}
		onChange(v)
	}

	attempt := func() {
		if leader {
			ok, err := e.store.Refresh(ctx, e.cfg.Key, e.cfg.Identity, e.cfg.TTL)
			if err != nil {
				e.logger.Warn("Failed to renew leader lock", zap.Error(err))
			}
			set(err == nil && ok)
			return
		}

		ok, err := e.store.Acquire(ctx, e.cfg.Key, e.cfg.Identity, e.cfg.TTL)
		if err != nil {
			e.logger.Debug("Failed to acquire leader lock", zap.Error(err))
			return
		}
		set(ok)
	}

	ticker := e.clock.NewTicker(e.cfg.RenewInterval)
	defer ticker.Stop()

	attempt()
	for {
		select {
		case <-ctx.Done():
			if leader {
				releaseCtx, cancel := context.WithTimeout(context.Background(), e.cfg.RenewInterval)
				if err := e.store.Release(releaseCtx, e.cfg.Key, e.cfg.Identity); err != nil {
					e.logger.Warn("Failed to release leader lock", zap.Error(err))
				}
				cancel()
				set(false)
			}
			return nil
		case <-ticker.C():
			attempt()
		}
	}
}
