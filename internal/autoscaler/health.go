package autoscaler

import (
	"context"
	"reflect"

	"github.com/cboxdk/queue-autoscaler/internal/types"
	"golang.org/x/sync/errgroup"
)

type healthProbe func(ctx context.Context) types.HealthResult

// CheckHealth probes the source, every distinct scaler and every distinct
// factory concurrently. The result is healthy only when all probes are; the
// message of an unhealthy result is that of the first failing collaborator
// in source, scalers, factories order.
func CheckHealth(ctx context.Context, source types.ServiceSource, scalers []types.ServiceScaler, factories []types.WorkloadAnalyserFactory) types.HealthResult {
	var probes []healthProbe
	seen := make(map[interface{}]struct{})

	add := func(collaborator interface{}, probe healthProbe) {
		if collaborator == nil || reflect.ValueOf(collaborator).Kind() == reflect.Ptr && reflect.ValueOf(collaborator).IsNil() {
			return
		}
		if reflect.TypeOf(collaborator).Comparable() {
			if _, dup := seen[collaborator]; dup {
				return
			}
			seen[collaborator] = struct{}{}
		}
		probes = append(probes, probe)
	}

	if source != nil {
		add(source, source.HealthCheck)
	}
	for _, s := range scalers {
		if s != nil {
			add(s, s.HealthCheck)
		}
	}
	for _, f := range factories {
		if f != nil {
			add(f, f.HealthCheck)
		}
	}

	results := make([]types.HealthResult, len(probes))
	g, gCtx := errgroup.WithContext(ctx)
	for i, probe := range probes {
		i, probe := i, probe
		g.Go(func() error {
			results[i] = probe(gCtx)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if !r.IsHealthy() {
			msg := r.Message
			if msg == "" {
				msg = string(r.State)
			}
			return types.Unhealthy(msg)
		}
	}
	return types.Healthy("")
}
