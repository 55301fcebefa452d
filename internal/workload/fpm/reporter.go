// Package fpm scales targets on the listen queue of PHP-FPM pools.
package fpm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/cboxdk/queue-autoscaler/internal/types"
)

const (
	// MetricName is the workload metric served by this package
	MetricName = "phpfpm"

	DefaultStatusPath = "/status"
	DefaultTimeout    = 5 * time.Second
)

type observation struct {
	at          time.Time
	startTime   int64
	accepted    int64
	listenQueue int64
}

// Reporter turns successive status pages into stats samples. The backlog is
// the listen queue; the consumption rate is the growth of accepted
// connections since the previous observation of the same endpoint.
type Reporter struct {
	fetcher StatusFetcher
	clock   clock.Clock

	mu   sync.Mutex
	last map[string]observation
}

// NewReporter creates a reporter reading status pages through fetcher
func NewReporter(fetcher StatusFetcher, clk clock.Clock) *Reporter {
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Reporter{
		fetcher: fetcher,
		clock:   clk,
		last:    make(map[string]observation),
	}
}

// GetStats returns a sample for the pool at endpoint ref
func (r *Reporter) GetStats(ctx context.Context, ref string) (types.StatsSample, error) {
	status, err := r.fetcher.FetchStatus(ctx, ref)
	if err != nil {
		return types.StatsSample{}, fmt.Errorf("failed to fetch php-fpm status: %w", err)
	}

	now := r.clock.Now()
	current := observation{
		at:          now,
		startTime:   status.StartTime,
		accepted:    status.AcceptedConn,
		listenQueue: status.ListenQueue,
	}

	r.mu.Lock()
	prev, seen := r.last[ref]
	r.last[ref] = current
	r.mu.Unlock()

	sample := types.StatsSample{Backlog: status.ListenQueue}

	elapsed := now.Sub(prev.at).Seconds()
	sameProcess := seen && prev.startTime == status.StartTime && status.AcceptedConn >= prev.accepted
	switch {
	case sameProcess && elapsed > 0:
		sample.ConsumeRate = float64(status.AcceptedConn-prev.accepted) / elapsed
		growth := float64(status.ListenQueue-prev.listenQueue) / elapsed
		sample.PublishRate = sample.ConsumeRate + growth
	case status.StartSince > 0:
		// No usable previous observation: average over the pool's lifetime.
		sample.ConsumeRate = float64(status.AcceptedConn) / float64(status.StartSince)
		sample.PublishRate = sample.ConsumeRate
	}

	return sample.Normalize(), nil
}

// Forget drops the previous observation of ref
func (r *Reporter) Forget(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.last, ref)
}
