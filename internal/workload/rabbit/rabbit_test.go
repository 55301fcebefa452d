package rabbit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cboxdk/queue-autoscaler/internal/types"
	"go.uber.org/zap/zaptest"
)

var testProfiles = map[string]types.WorkloadProfile{
	"default": {SampleWindow: 1, DrainGoal: 10},
	"fast":    {SampleWindow: 2, DrainGoal: 2},
}

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate func(*Config)) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := Config{
		Endpoint:      server.URL,
		Username:      "guest",
		Password:      "secret",
		Timeout:       2 * time.Second,
		StatsCacheTTL: 0,
		Profiles:      testProfiles,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	client, err := NewClient(cfg, server.Client(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	return client
}

func TestClientGetStats(t *testing.T) {
	tests := []struct {
		name string
		body string
		want types.StatsSample
	}{
		{
			name: "full message stats",
			body: `{"name":"orders","messages_ready":120,"message_stats":{"deliver_get_details":{"rate":4.5},"publish_details":{"rate":6}}}`,
			want: types.StatsSample{Backlog: 120, PublishRate: 6, ConsumeRate: 4.5},
		},
		{
			name: "missing message stats",
			body: `{"name":"orders","messages_ready":3}`,
			want: types.StatsSample{Backlog: 3},
		},
		{
			name: "missing deliver rate",
			body: `{"name":"orders","messages_ready":0,"message_stats":{"publish_details":{"rate":1.5}}}`,
			want: types.StatsSample{PublishRate: 1.5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if got := r.URL.EscapedPath(); got != "/api/queues/%2F/orders" {
					t.Errorf("path = %q, want /api/queues/%%2F/orders", got)
				}
				user, pass, ok := r.BasicAuth()
				if !ok || user != "guest" || pass != "secret" {
					t.Errorf("basic auth = %q/%q/%v", user, pass, ok)
				}
				if r.Header.Get("Accept") != "application/json" {
					t.Errorf("Accept = %q", r.Header.Get("Accept"))
				}
				w.Write([]byte(tt.body))
			}, nil)

			got, err := client.GetStats(context.Background(), "orders")
			if err != nil {
				t.Fatalf("GetStats() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("GetStats() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestClientQueueNotFound(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"Object Not Found"}`, http.StatusNotFound)
	}, nil)

	_, err := client.GetStats(context.Background(), "missing")
	if !errors.Is(err, ErrQueueNotFound) {
		t.Fatalf("GetStats() error = %v, want ErrQueueNotFound", err)
	}
	if calls.Load() != 1 {
		t.Errorf("requests = %d, want 1 (not found is not retried)", calls.Load())
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"messages_ready":7}`))
	}, nil)

	got, err := client.GetStats(context.Background(), "orders")
	if err != nil {
		t.Fatalf("GetStats() error: %v", err)
	}
	if got.Backlog != 7 {
		t.Errorf("Backlog = %d, want 7", got.Backlog)
	}
	if calls.Load() != 3 {
		t.Errorf("requests = %d, want 3", calls.Load())
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "denied", http.StatusUnauthorized)
	}, nil)

	if _, err := client.GetStats(context.Background(), "orders"); err == nil {
		t.Fatal("expected error for 401")
	}
	if calls.Load() != 1 {
		t.Errorf("requests = %d, want 1", calls.Load())
	}
}

func TestClientCachesQueueStats(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"messages_ready":1}`))
	}, func(c *Config) { c.StatsCacheTTL = time.Minute })

	for i := 0; i < 3; i++ {
		if _, err := client.GetStats(context.Background(), "orders"); err != nil {
			t.Fatalf("GetStats() error: %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("requests = %d, want 1 with cache", calls.Load())
	}

	if _, err := client.GetStats(context.Background(), "payments"); err != nil {
		t.Fatalf("GetStats() error: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("requests = %d, want 2 after a different queue", calls.Load())
	}
}

func TestClientHealthCheck(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantHealthy bool
	}{
		{"running node", http.StatusOK, `[{"name":"rabbit@a","running":false},{"name":"rabbit@b","running":true}]`, true},
		{"no running nodes", http.StatusOK, `[{"name":"rabbit@a","running":false}]`, false},
		{"empty cluster", http.StatusOK, `[]`, false},
		{"unauthorized", http.StatusUnauthorized, `{}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/nodes" {
					t.Errorf("path = %q, want /api/nodes", r.URL.Path)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}, nil)

			got := client.HealthCheck(context.Background())
			if got.IsHealthy() != tt.wantHealthy {
				t.Errorf("HealthCheck() = %+v, want healthy=%v", got, tt.wantHealthy)
			}
		})
	}
}

func TestFactory(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"messages_ready":100,"message_stats":{"deliver_get_details":{"rate":1}}}`))
	}, nil)

	if _, err := NewFactory(client, map[string]types.WorkloadProfile{"fast": {SampleWindow: 1, DrainGoal: 1}}, nil); err == nil {
		t.Error("expected error when default profile is missing")
	}
	if _, err := NewFactory(client, map[string]types.WorkloadProfile{"default": {SampleWindow: 0, DrainGoal: 1}}, nil); err == nil {
		t.Error("expected error for invalid profile")
	}

	factory, err := NewFactory(client, testProfiles, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewFactory() error: %v", err)
	}
	if factory.Metric() != "rabbitmq" {
		t.Errorf("Metric() = %q, want rabbitmq", factory.Metric())
	}
	if got := factory.Profile("unknown"); got != testProfiles["default"] {
		t.Errorf("Profile(unknown) = %+v, want default", got)
	}
	if got := factory.Profile("fast"); got != testProfiles["fast"] {
		t.Errorf("Profile(fast) = %+v, want fast", got)
	}

	analyser, err := factory.NewAnalyser("orders", "")
	if err != nil {
		t.Fatalf("NewAnalyser() error: %v", err)
	}
	// Default profile has a window of one: 100 messages at 1/s exceed a 10s goal.
	action, err := analyser.Analyse(context.Background(), types.InstanceSnapshot{Running: 1})
	if err != nil {
		t.Fatalf("Analyse() error: %v", err)
	}
	if action != types.ScaleUp(1) {
		t.Errorf("Analyse() = %v, want scale_up(1)", action)
	}

	if _, err := factory.NewAnalyser("", "default"); err == nil {
		t.Error("expected error for empty queue name")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Endpoint: "http://localhost:15672", Profiles: testProfiles}, false},
		{"missing endpoint", Config{Profiles: testProfiles}, true},
		{"missing default profile", Config{Endpoint: "http://x", Profiles: map[string]types.WorkloadProfile{}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	d := Config{}.WithDefaults()
	if d.VHost != "/" || d.Timeout != DefaultTimeout {
		t.Errorf("WithDefaults() = %+v", d)
	}
}
