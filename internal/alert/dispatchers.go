package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// LogDispatcher writes alerts to the process log
type LogDispatcher struct {
	logger *zap.Logger
}

func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Name() string { return "log" }

func (d *LogDispatcher) Dispatch(ctx context.Context, a Alert) error {
	d.logger.Warn(a.Message,
		zap.String("kind", a.Kind),
		zap.Float64("value", a.Value),
		zap.Float64("threshold", a.Threshold),
		zap.Time("timestamp", a.Timestamp))
	return nil
}

// WebhookDispatcher posts alerts as JSON, retrying server errors until the
// timeout elapses
type WebhookDispatcher struct {
	cfg    WebhookConfig
	http   *http.Client
	logger *zap.Logger
}

// NewWebhookDispatcher creates a dispatcher for cfg.URL
func NewWebhookDispatcher(cfg WebhookConfig, httpClient *http.Client, logger *zap.Logger) (*WebhookDispatcher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWebhookTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookDispatcher{cfg: cfg, http: httpClient, logger: logger}, nil
}

func (d *WebhookDispatcher) Name() string { return "webhook" }

func (d *WebhookDispatcher) Dispatch(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = d.cfg.Timeout

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range d.cfg.Headers {
			req.Header.Set(k, v)
		}

		resp, err := d.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			err := fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
			if resp.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		d.logger.Debug("Retrying alert webhook", zap.Duration("wait", wait), zap.Error(err))
	}

	return backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify)
}
