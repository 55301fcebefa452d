// Package rabbit scales targets on the backlog of RabbitMQ queues, read
// through the management HTTP API.
package rabbit

import (
	"context"
	"fmt"
	"sort"

	"github.com/cboxdk/queue-autoscaler/internal/autoscaler"
	"github.com/cboxdk/queue-autoscaler/internal/types"
	"go.uber.org/zap"
)

// StatsClient is the part of Client the factory depends on
type StatsClient interface {
	autoscaler.StatsReporter
	HealthCheck(ctx context.Context) types.HealthResult
}

// Factory builds backlog analysers bound to RabbitMQ queues
type Factory struct {
	client   StatsClient
	profiles map[string]types.WorkloadProfile
	logger   *zap.Logger
}

// NewFactory creates a factory; profiles must contain "default"
func NewFactory(client StatsClient, profiles map[string]types.WorkloadProfile, logger *zap.Logger) (*Factory, error) {
	if client == nil {
		return nil, fmt.Errorf("rabbitmq client cannot be nil")
	}
	if _, ok := profiles[DefaultProfileName]; !ok {
		return nil, fmt.Errorf("rabbitmq profiles must define %q", DefaultProfileName)
	}
	for name, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("rabbitmq profile %q: %w", name, err)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	copied := make(map[string]types.WorkloadProfile, len(profiles))
	for k, v := range profiles {
		copied[k] = v
	}
	return &Factory{client: client, profiles: copied, logger: logger}, nil
}

// Metric returns "rabbitmq"
func (f *Factory) Metric() string {
	return MetricName
}

// NewAnalyser binds an analyser to the queue named by ref
func (f *Factory) NewAnalyser(ref, profile string) (types.WorkloadAnalyser, error) {
	if ref == "" {
		return nil, fmt.Errorf("queue name cannot be empty")
	}
	p := f.Profile(profile)
	return autoscaler.NewBacklogAnalyser(ref, p, f.client, f.logger.With(zap.String("queue", ref), zap.String("profile", profile)))
}

// Profile returns the named profile, falling back to "default"
func (f *Factory) Profile(name string) types.WorkloadProfile {
	if p, ok := f.profiles[name]; ok {
		return p
	}
	if name != "" {
		f.logger.Debug("Unknown scaling profile, using default", zap.String("profile", name))
	}
	return f.profiles[DefaultProfileName]
}

// Profiles returns the configured profile names in sorted order
func (f *Factory) Profiles() []string {
	names := make([]string, 0, len(f.profiles))
	for n := range f.profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// HealthCheck delegates to the management API
func (f *Factory) HealthCheck(ctx context.Context) types.HealthResult {
	return f.client.HealthCheck(ctx)
}
