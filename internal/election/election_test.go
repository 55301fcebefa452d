package election

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/cboxdk/queue-autoscaler/internal/types"
	"go.uber.org/zap/zaptest"
)

type memoryStore struct {
	mu          sync.Mutex
	owner       string
	failRefresh bool
	acquires    chan struct{}
}

func newMemoryStore() *memoryStore {
	return &memoryStore{acquires: make(chan struct{}, 16)}
}

func (s *memoryStore) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		s.acquires <- struct{}{}
	}()
	if s.owner != "" {
		return false, nil
	}
	s.owner = owner
	return true, nil
}

func (s *memoryStore) Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRefresh {
		return false, errors.New("connection reset")
	}
	return s.owner == owner, nil
}

func (s *memoryStore) Release(ctx context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner == owner {
		s.owner = ""
	}
	return nil
}

func (s *memoryStore) setOwner(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owner = owner
}

func (s *memoryStore) currentOwner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

func (s *memoryStore) setFailRefresh(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRefresh = v
}

func expectChange(t *testing.T, changes <-chan bool, want bool) {
	t.Helper()
	select {
	case got := <-changes:
		if got != want {
			t.Fatalf("leadership change = %v, want %v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for leadership change to %v", want)
	}
}

func startElector(t *testing.T, store LockStore, clk *fakeclock.FakeClock) (chan bool, context.CancelFunc, chan error) {
	t.Helper()
	elector, err := NewLockElector(store, Config{Identity: "me", TTL: 3 * time.Second, RenewInterval: time.Second}, clk, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewLockElector() error: %v", err)
	}

	changes := make(chan bool, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- elector.Run(ctx, func(leader bool) { changes <- leader })
	}()
	t.Cleanup(cancel)
	return changes, cancel, done
}

func TestLockElectorAcquireAndRelease(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Now())
	store := newMemoryStore()

	changes, cancel, done := startElector(t, store, clk)
	expectChange(t, changes, true)
	if store.currentOwner() != "me" {
		t.Errorf("owner = %q, want me", store.currentOwner())
	}

	cancel()
	expectChange(t, changes, false)
	if err := <-done; err != nil {
		t.Errorf("Run() error: %v", err)
	}
	if store.currentOwner() != "" {
		t.Errorf("owner = %q after release, want empty", store.currentOwner())
	}
}

func TestLockElectorWaitsForHolder(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Now())
	store := newMemoryStore()
	store.setOwner("other")

	changes, _, _ := startElector(t, store, clk)
	<-store.acquires

	clk.WaitForWatcherAndIncrement(time.Second)
	<-store.acquires
	select {
	case got := <-changes:
		t.Fatalf("unexpected leadership change to %v while lock is held", got)
	default:
	}

	store.setOwner("")
	clk.Increment(time.Second)
	expectChange(t, changes, true)
}

func TestLockElectorStepsDownOnRefreshFailure(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Now())
	store := newMemoryStore()

	changes, _, _ := startElector(t, store, clk)
	expectChange(t, changes, true)

	store.setFailRefresh(true)
	clk.WaitForWatcherAndIncrement(time.Second)
	expectChange(t, changes, false)
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{TTL: time.Second, RenewInterval: time.Second}).Validate(); err == nil {
		t.Error("expected error when renew interval is not shorter than ttl")
	}
	cfg := Config{}.WithDefaults()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	if cfg.Identity == "" || cfg.Key != DefaultKey {
		t.Errorf("WithDefaults() = %+v", cfg)
	}
}

func TestNullElector(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var got []bool
	done := make(chan struct{})
	go func() {
		NullElector{}.Run(ctx, func(leader bool) { got = append(got, leader) })
		close(done)
	}()
	cancel()
	<-done
	if len(got) != 2 || !got[0] || got[1] {
		t.Errorf("changes = %v, want [true false]", got)
	}
}

type countingScaler struct {
	ups, downs int
	health     types.HealthResult
}

func (c *countingScaler) ScaleUp(ctx context.Context, ref string, amount int) error {
	c.ups++
	return nil
}

func (c *countingScaler) ScaleDown(ctx context.Context, ref string, amount int) error {
	c.downs++
	return nil
}

func (c *countingScaler) GetInstanceInfo(ctx context.Context, ref string) (types.InstanceSnapshot, error) {
	return types.InstanceSnapshot{Running: 3}, nil
}

func (c *countingScaler) HealthCheck(ctx context.Context) types.HealthResult {
	return c.health
}

func TestGatedScaler(t *testing.T) {
	next := &countingScaler{health: types.Healthy("")}
	gate := NewGatedScaler(next, zaptest.NewLogger(t))
	ctx := context.Background()

	if gate.Active() {
		t.Fatal("gate should start in standby")
	}
	for name, call := range map[string]func(context.Context, string, int) error{
		"ScaleUp":   gate.ScaleUp,
		"ScaleDown": gate.ScaleDown,
	} {
		err := call(ctx, "q", 1)
		if !errors.Is(err, ErrStandby) || !errors.Is(err, types.ErrScalingSuspended) {
			t.Errorf("%s() in standby error = %v, want ErrStandby", name, err)
		}
	}
	if next.ups != 0 || next.downs != 0 {
		t.Errorf("standby forwarded scale calls: ups=%d downs=%d", next.ups, next.downs)
	}
	if snap, _ := gate.GetInstanceInfo(ctx, "q"); snap.Running != 3 {
		t.Errorf("GetInstanceInfo() not forwarded in standby: %+v", snap)
	}

	gate.SetElected(true)
	if err := gate.ScaleUp(ctx, "q", 1); err != nil {
		t.Errorf("active ScaleUp() error: %v", err)
	}
	if err := gate.ScaleDown(ctx, "q", 1); err != nil {
		t.Errorf("active ScaleDown() error: %v", err)
	}
	if next.ups != 1 || next.downs != 1 {
		t.Errorf("active gate calls: ups=%d downs=%d, want 1/1", next.ups, next.downs)
	}
	if h := gate.HealthCheck(ctx); h.Message != "active" {
		t.Errorf("HealthCheck() message = %q, want active", h.Message)
	}

	if paused := gate.TogglePause(); !paused {
		t.Error("TogglePause() should report paused")
	}
	if err := gate.ScaleUp(ctx, "q", 1); !errors.Is(err, ErrStandby) {
		t.Errorf("paused ScaleUp() error = %v, want ErrStandby", err)
	}
	if next.ups != 1 {
		t.Error("paused gate forwarded scale up")
	}
	if gate.Mode() != "standby" {
		t.Errorf("Mode() = %q, want standby", gate.Mode())
	}

	gate.TogglePause()
	if !gate.Active() {
		t.Error("gate should be active after resuming")
	}

	next.health = types.Unhealthy("down")
	if h := gate.HealthCheck(ctx); h.IsHealthy() {
		t.Error("HealthCheck() should pass through unhealthy results")
	}
}
