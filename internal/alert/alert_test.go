package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/cboxdk/queue-autoscaler/internal/types"
	"go.uber.org/zap/zaptest"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (d *recordingDispatcher) Name() string { return "recording" }

func (d *recordingDispatcher) Dispatch(ctx context.Context, a Alert) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alerts = append(d.alerts, a)
	return d.err
}

func (d *recordingDispatcher) kinds() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.alerts))
	for _, a := range d.alerts {
		out = append(out, a.Kind)
	}
	return out
}

func TestAlerterThrottles(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	d := &recordingDispatcher{}
	a := NewAlerter(KindMemory, 10*time.Minute, []Dispatcher{d}, false, clk, zaptest.NewLogger(t))

	steps := []struct {
		advance  time.Duration
		wantSent bool
	}{
		{0, true},
		{time.Minute, false},
		{8 * time.Minute, false},
		{2 * time.Minute, true},
		{time.Second, false},
		{time.Hour, true},
	}

	for i, step := range steps {
		clk.Increment(step.advance)
		sent, err := a.Dispatch(context.Background(), Alert{Kind: KindMemory, Message: "memory high"})
		if err != nil {
			t.Fatalf("step %d: Dispatch() error: %v", i, err)
		}
		if sent != step.wantSent {
			t.Errorf("step %d: sent = %v, want %v", i, sent, step.wantSent)
		}
	}

	if got := len(d.kinds()); got != 3 {
		t.Errorf("dispatched = %d, want 3", got)
	}
	if ts := d.alerts[0].Timestamp; !ts.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Timestamp = %v, want the clock time", ts)
	}
}

func TestAlerterDisabled(t *testing.T) {
	d := &recordingDispatcher{}
	a := NewAlerter(KindDisk, time.Minute, []Dispatcher{d}, true, nil, zaptest.NewLogger(t))

	sent, err := a.Dispatch(context.Background(), Alert{Kind: KindDisk})
	if sent || err != nil {
		t.Errorf("Dispatch() = %v, %v, want false, nil", sent, err)
	}
	if len(d.kinds()) != 0 {
		t.Error("disabled alerter should not dispatch")
	}
}

func TestAlerterReportsDispatcherFailures(t *testing.T) {
	boom := errors.New("boom")
	failing := &recordingDispatcher{err: boom}
	ok := &recordingDispatcher{}
	a := NewAlerter(KindMemory, time.Minute, []Dispatcher{failing, ok}, false, nil, zaptest.NewLogger(t))

	sent, err := a.Dispatch(context.Background(), Alert{Kind: KindMemory})
	if !sent {
		t.Error("sent = false, want true")
	}
	if !errors.Is(err, boom) {
		t.Errorf("Dispatch() error = %v, want %v", err, boom)
	}
	if len(ok.kinds()) != 1 {
		t.Error("a failing dispatcher should not stop the others")
	}
}

func TestResourceAlertsNotifyUtilisation(t *testing.T) {
	cfg := Config{Enabled: true, Frequency: time.Minute, MemoryUsedPercent: 70, DiskFreeMB: 400}

	tests := []struct {
		name  string
		cfg   Config
		usage types.ResourceUtilisation
		want  []string
	}{
		{"below thresholds", cfg, types.ResourceUtilisation{MemoryUsedPercent: 50, DiskFreeMB: 1000}, []string{}},
		{"memory at threshold", cfg, types.ResourceUtilisation{MemoryUsedPercent: 70, DiskFreeMB: 1000}, []string{KindMemory}},
		{"disk at threshold", cfg, types.ResourceUtilisation{MemoryUsedPercent: 10, DiskFreeMB: 400}, []string{KindDisk}},
		{"both", cfg, types.ResourceUtilisation{MemoryUsedPercent: 95, DiskFreeMB: 50}, []string{KindMemory, KindDisk}},
		{"unknown disk", cfg, types.ResourceUtilisation{MemoryUsedPercent: 10, DiskFreeMB: -1}, []string{}},
		{"disabled", Config{MemoryUsedPercent: 70, DiskFreeMB: 400}, types.ResourceUtilisation{MemoryUsedPercent: 95, DiskFreeMB: 50}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &recordingDispatcher{}
			r := NewResourceAlertsWith(tt.cfg, []Dispatcher{d}, nil, zaptest.NewLogger(t))
			r.NotifyUtilisation(context.Background(), tt.usage)

			got := d.kinds()
			if len(got) != len(tt.want) {
				t.Fatalf("alerts = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("alert %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestResourceAlertsThrottleEachKind(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	d := &recordingDispatcher{}
	r := NewResourceAlertsWith(Config{Enabled: true, Frequency: time.Hour, MemoryUsedPercent: 70, DiskFreeMB: 400},
		[]Dispatcher{d}, clk, zaptest.NewLogger(t))

	ctx := context.Background()
	r.NotifyUtilisation(ctx, types.ResourceUtilisation{MemoryUsedPercent: 90, DiskFreeMB: 1000})
	r.NotifyUtilisation(ctx, types.ResourceUtilisation{MemoryUsedPercent: 90, DiskFreeMB: 100})
	r.NotifyUtilisation(ctx, types.ResourceUtilisation{MemoryUsedPercent: 90, DiskFreeMB: 100})

	got := d.kinds()
	if len(got) != 2 || got[0] != KindMemory || got[1] != KindDisk {
		t.Errorf("alerts = %v, want [memory disk]", got)
	}
}

func TestWebhookDispatcher(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		var a Alert
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if a.Kind != KindDisk || a.Value != 90 {
			t.Errorf("alert = %+v", a)
		}
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)

	d, err := NewWebhookDispatcher(WebhookConfig{
		URL:     server.URL,
		Timeout: 5 * time.Second,
		Headers: map[string]string{"Authorization": "Bearer token"},
	}, server.Client(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewWebhookDispatcher() error: %v", err)
	}

	if err := d.Dispatch(context.Background(), Alert{Kind: KindDisk, Value: 90}); err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("requests = %d, want 2 after one retry", calls.Load())
	}
}

func TestWebhookDispatcherDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(server.Close)

	d, _ := NewWebhookDispatcher(WebhookConfig{URL: server.URL, Timeout: 2 * time.Second}, server.Client(), zaptest.NewLogger(t))
	if err := d.Dispatch(context.Background(), Alert{Kind: KindMemory}); err == nil {
		t.Fatal("expected error for 400")
	}
	if calls.Load() != 1 {
		t.Errorf("requests = %d, want 1", calls.Load())
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled", Config{MemoryUsedPercent: 500}, false},
		{"log only", Config{Enabled: true, MemoryUsedPercent: 70, DiskFreeMB: 400}, false},
		{"webhook", Config{Enabled: true, MemoryUsedPercent: 70, Webhook: WebhookConfig{URL: "https://hooks.example.com/a"}}, false},
		{"memory above 100", Config{Enabled: true, MemoryUsedPercent: 101}, true},
		{"negative disk", Config{Enabled: true, DiskFreeMB: -1}, true},
		{"relative webhook", Config{Enabled: true, Webhook: WebhookConfig{URL: "/alerts"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if cfg := (Config{}).WithDefaults(); cfg.Frequency != DefaultFrequency || cfg.Webhook.Timeout != DefaultWebhookTimeout {
		t.Errorf("WithDefaults() = %+v", cfg)
	}
}

func TestNewResourceAlertsRejectsInvalidConfig(t *testing.T) {
	if _, err := NewResourceAlerts(Config{Enabled: true, Webhook: WebhookConfig{URL: "ftp://x"}}, nil, nil, zaptest.NewLogger(t)); err == nil {
		t.Error("expected error for non-http webhook")
	}
	r, err := NewResourceAlerts(Config{Enabled: true, MemoryUsedPercent: 70}, nil, nil, zaptest.NewLogger(t))
	if err != nil || r == nil {
		t.Fatalf("NewResourceAlerts() = %v, %v", r, err)
	}
}
