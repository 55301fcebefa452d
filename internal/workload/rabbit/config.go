package rabbit

import (
	"fmt"
	"time"

	"github.com/cboxdk/queue-autoscaler/internal/resilience"
	"github.com/cboxdk/queue-autoscaler/internal/types"
)

// MetricName is the workload metric served by this package
const MetricName = "rabbitmq"

// DefaultProfileName is the profile every profile set must define
const DefaultProfileName = "default"

const (
	DefaultVHost             = "/"
	DefaultTimeout           = 10 * time.Second
	DefaultRequestsPerSecond = 20.0
	DefaultBurst             = 10
	DefaultStatsCacheTTL     = 500 * time.Millisecond

	// DefaultResourceQueryInterval bounds how often node resources are read
	DefaultResourceQueryInterval = 10 * time.Second
)

// Config describes how to reach the RabbitMQ management API
type Config struct {
	Endpoint              string
	Username              string
	Password              string
	VHost                 string
	Timeout               time.Duration
	RequestsPerSecond     float64
	Burst                 int
	StatsCacheTTL         time.Duration
	ResourceQueryInterval time.Duration // negative reads node resources on every call
	Profiles              map[string]types.WorkloadProfile
	CircuitBreaker        resilience.CircuitBreakerConfig
}

// WithDefaults fills unset fields
func (c Config) WithDefaults() Config {
	if c.VHost == "" {
		c.VHost = DefaultVHost
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if c.Burst <= 0 {
		c.Burst = DefaultBurst
	}
	if c.StatsCacheTTL < 0 {
		c.StatsCacheTTL = 0
	}
	if c.ResourceQueryInterval == 0 {
		c.ResourceQueryInterval = DefaultResourceQueryInterval
	}
	return c
}

// Validate checks the endpoint and profile set
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("rabbitmq endpoint is required")
	}
	if _, ok := c.Profiles[DefaultProfileName]; !ok {
		return fmt.Errorf("rabbitmq profiles must define %q", DefaultProfileName)
	}
	for name, p := range c.Profiles {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("rabbitmq profile %q: %w", name, err)
		}
	}
	return nil
}
