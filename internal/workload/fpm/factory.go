package fpm

import (
	"context"
	"fmt"

	"github.com/cboxdk/queue-autoscaler/internal/autoscaler"
	"github.com/cboxdk/queue-autoscaler/internal/types"
	"go.uber.org/zap"
)

const defaultProfileName = "default"

// Factory builds backlog analysers bound to PHP-FPM pool endpoints
type Factory struct {
	reporter *Reporter
	fetcher  StatusFetcher
	profiles map[string]types.WorkloadProfile
	logger   *zap.Logger
}

// NewFactory creates a factory; profiles must contain "default"
func NewFactory(fetcher StatusFetcher, reporter *Reporter, profiles map[string]types.WorkloadProfile, logger *zap.Logger) (*Factory, error) {
	if fetcher == nil || reporter == nil {
		return nil, fmt.Errorf("php-fpm status fetcher and reporter are required")
	}
	if _, ok := profiles[defaultProfileName]; !ok {
		return nil, fmt.Errorf("php-fpm profiles must define %q", defaultProfileName)
	}
	for name, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("php-fpm profile %q: %w", name, err)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{reporter: reporter, fetcher: fetcher, profiles: profiles, logger: logger}, nil
}

func (f *Factory) Metric() string {
	return MetricName
}

// NewAnalyser binds an analyser to the pool endpoint ref
func (f *Factory) NewAnalyser(ref, profile string) (types.WorkloadAnalyser, error) {
	if _, _, _, err := ParseAddress(ref, DefaultStatusPath); err != nil {
		return nil, err
	}
	p, ok := f.profiles[profile]
	if !ok {
		p = f.profiles[defaultProfileName]
	}
	f.reporter.Forget(ref)
	return autoscaler.NewBacklogAnalyser(ref, p, f.reporter, f.logger.With(zap.String("endpoint", ref)))
}

func (f *Factory) HealthCheck(ctx context.Context) types.HealthResult {
	return f.fetcher.HealthCheck(ctx)
}
