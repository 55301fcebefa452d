// Package alert notifies operators when the messaging platform runs short
// of memory or disk. Each kind of alert is throttled on its own.
package alert

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	KindMemory = "memory"
	KindDisk   = "disk"
)

const (
	DefaultFrequency      = 20 * time.Minute
	DefaultWebhookTimeout = 10 * time.Second
)

// Alert is a single operator notification
type Alert struct {
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// Dispatcher delivers alerts to one destination
type Dispatcher interface {
	Name() string
	Dispatch(ctx context.Context, a Alert) error
}

// Config controls alert dispatch. A zero threshold is replaced by the first
// resource limit stage when the configuration is loaded.
type Config struct {
	Enabled           bool          `yaml:"enabled"`
	Frequency         time.Duration `yaml:"frequency"`
	MemoryUsedPercent float64       `yaml:"memory_used_percent"`
	DiskFreeMB        int64         `yaml:"disk_free_mb"`
	Webhook           WebhookConfig `yaml:"webhook"`
}

// WebhookConfig describes an HTTP endpoint that receives alerts as JSON
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// WithDefaults fills unset fields
func (c Config) WithDefaults() Config {
	if c.Frequency <= 0 {
		c.Frequency = DefaultFrequency
	}
	if c.Webhook.Timeout <= 0 {
		c.Webhook.Timeout = DefaultWebhookTimeout
	}
	return c
}

// Validate checks thresholds and the webhook address
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.MemoryUsedPercent < 0 || c.MemoryUsedPercent > 100 {
		return fmt.Errorf("memory alert threshold must be in [0, 100], got %v", c.MemoryUsedPercent)
	}
	if c.DiskFreeMB < 0 {
		return fmt.Errorf("disk alert threshold cannot be negative, got %d", c.DiskFreeMB)
	}
	if c.Webhook.URL != "" {
		u, err := url.Parse(c.Webhook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhook url must be an absolute http(s) url, got %q", c.Webhook.URL)
		}
	}
	return nil
}

// Alerter sends alerts to every dispatcher, at most once per frequency.
// The first alert is always sent.
type Alerter struct {
	name        string
	dispatchers []Dispatcher
	limiter     *rate.Limiter
	clock       clock.Clock
	disabled    bool
	logger      *zap.Logger

	mu sync.Mutex
}

// NewAlerter creates an alerter; with disabled set every alert is dropped
func NewAlerter(name string, frequency time.Duration, dispatchers []Dispatcher, disabled bool, clk clock.Clock, logger *zap.Logger) *Alerter {
	if clk == nil {
		clk = clock.NewClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if frequency <= 0 {
		frequency = DefaultFrequency
	}
	return &Alerter{
		name:        name,
		dispatchers: dispatchers,
		limiter:     rate.NewLimiter(rate.Every(frequency), 1),
		clock:       clk,
		disabled:    disabled,
		logger:      logger.With(zap.String("alerter", name)),
	}
}

// Dispatch sends a unless alerts are disabled or one went out within the
// last frequency. It reports whether the alert was sent.
func (a *Alerter) Dispatch(ctx context.Context, alert Alert) (bool, error) {
	if a.disabled || len(a.dispatchers) == 0 {
		return false, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.limiter.AllowN(a.clock.Now(), 1) {
		a.logger.Debug("Alert suppressed", zap.String("message", alert.Message))
		return false, nil
	}

	if alert.Timestamp.IsZero() {
		alert.Timestamp = a.clock.Now()
	}

	var errs []error
	for _, d := range a.dispatchers {
		if err := d.Dispatch(ctx, alert); err != nil {
			a.logger.Warn("Alert dispatch failed", zap.String("dispatcher", d.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
			continue
		}
		a.logger.Debug("Alert dispatched", zap.String("dispatcher", d.Name()))
	}
	return true, errors.Join(errs...)
}
