package resilience

import (
	"context"
	"fmt"

	"github.com/cboxdk/queue-autoscaler/internal/types"
)

// ProtectedScaler guards a ServiceScaler with a circuit breaker so a failing
// platform API is not hammered by every target job.
type ProtectedScaler struct {
	next    types.ServiceScaler
	breaker *CircuitBreaker
}

// NewProtectedScaler wraps next with breaker
func NewProtectedScaler(next types.ServiceScaler, breaker *CircuitBreaker) *ProtectedScaler {
	return &ProtectedScaler{next: next, breaker: breaker}
}

func (p *ProtectedScaler) ScaleUp(ctx context.Context, id string, amount int) error {
	return p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.next.ScaleUp(ctx, id, amount)
	})
}

func (p *ProtectedScaler) ScaleDown(ctx context.Context, id string, amount int) error {
	return p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.next.ScaleDown(ctx, id, amount)
	})
}

func (p *ProtectedScaler) GetInstanceInfo(ctx context.Context, id string) (types.InstanceSnapshot, error) {
	return Call(ctx, p.breaker, func(ctx context.Context) (types.InstanceSnapshot, error) {
		return p.next.GetInstanceInfo(ctx, id)
	})
}

// HealthCheck reports an open circuit as unhealthy without probing the backend
func (p *ProtectedScaler) HealthCheck(ctx context.Context) types.HealthResult {
	if state := p.breaker.GetState(); state == StateOpen {
		return types.Unhealthy(fmt.Sprintf("circuit breaker '%s' is open", p.breaker.Name()))
	}
	return p.next.HealthCheck(ctx)
}

// Breaker returns the underlying circuit breaker
func (p *ProtectedScaler) Breaker() *CircuitBreaker {
	return p.breaker
}
