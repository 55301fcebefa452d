package alert

import (
	"context"
	"fmt"
	"net/http"

	"code.cloudfoundry.org/clock"
	"github.com/cboxdk/queue-autoscaler/internal/types"
	"go.uber.org/zap"
)

// ResourceAlerts raises memory and disk alerts from the utilisation read by
// scaling cycles
type ResourceAlerts struct {
	cfg    Config
	memory *Alerter
	disk   *Alerter
	logger *zap.Logger
}

// NewResourceAlerts builds alerters for cfg. Alerts always go to the log and
// also to the webhook when one is configured.
func NewResourceAlerts(cfg Config, httpClient *http.Client, clk clock.Clock, logger *zap.Logger) (*ResourceAlerts, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dispatchers := []Dispatcher{NewLogDispatcher(logger)}
	if cfg.Webhook.URL != "" {
		webhook, err := NewWebhookDispatcher(cfg.Webhook, httpClient, logger)
		if err != nil {
			return nil, err
		}
		dispatchers = append(dispatchers, webhook)
	}
	return NewResourceAlertsWith(cfg, dispatchers, clk, logger), nil
}

// NewResourceAlertsWith builds alerters around the given dispatchers
func NewResourceAlertsWith(cfg Config, dispatchers []Dispatcher, clk clock.Clock, logger *zap.Logger) *ResourceAlerts {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResourceAlerts{
		cfg:    cfg,
		memory: NewAlerter(KindMemory, cfg.Frequency, dispatchers, !cfg.Enabled, clk, logger),
		disk:   NewAlerter(KindDisk, cfg.Frequency, dispatchers, !cfg.Enabled, clk, logger),
		logger: logger,
	}
}

// NotifyUtilisation dispatches an alert for every threshold u crosses
func (r *ResourceAlerts) NotifyUtilisation(ctx context.Context, u types.ResourceUtilisation) {
	if !r.cfg.Enabled {
		return
	}

	if u.MemoryUsedPercent >= r.cfg.MemoryUsedPercent {
		r.send(ctx, r.memory, Alert{
			Kind:      KindMemory,
			Message:   fmt.Sprintf("RabbitMQ has used %.2f%% of its high watermark memory allowance", u.MemoryUsedPercent),
			Value:     u.MemoryUsedPercent,
			Threshold: r.cfg.MemoryUsedPercent,
		})
	}

	if u.HasDiskFree() && u.DiskFreeMB <= r.cfg.DiskFreeMB {
		r.send(ctx, r.disk, Alert{
			Kind:      KindDisk,
			Message:   fmt.Sprintf("RabbitMQ has %d MB of disk space left", u.DiskFreeMB),
			Value:     float64(u.DiskFreeMB),
			Threshold: float64(r.cfg.DiskFreeMB),
		})
	}
}

func (r *ResourceAlerts) send(ctx context.Context, alerter *Alerter, a Alert) {
	if _, err := alerter.Dispatch(ctx, a); err != nil {
		r.logger.Error("Failed to dispatch resource alert", zap.String("kind", a.Kind), zap.Error(err))
	}
}
