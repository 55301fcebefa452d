package autoscaler

import (
	"errors"
	"sort"

	"github.com/cboxdk/queue-autoscaler/internal/types"
	"go.uber.org/zap"
)

// Validator admits discovered targets into the scheduler
type Validator struct {
	supported map[string]struct{}
	logger    *zap.Logger
}

// NewValidator creates a validator accepting the given workload metrics
func NewValidator(metrics []string, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	supported := make(map[string]struct{}, len(metrics))
	for _, m := range metrics {
		supported[m] = struct{}{}
	}
	return &Validator{supported: supported, logger: logger}
}

// SupportedMetrics returns the accepted metric names in sorted order
func (v *Validator) SupportedMetrics() []string {
	metrics := make([]string, 0, len(v.supported))
	for m := range v.supported {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)
	return metrics
}

// Validate returns the admissible subset of candidates in their original
// order. Rejected candidates are logged and dropped.
func (v *Validator) Validate(candidates []types.ScalingTarget) []types.ScalingTarget {
	admitted := make([]types.ScalingTarget, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := v.supported[c.WorkloadMetric]; !ok {
			v.logger.Warn("Dropping target with unsupported workload metric",
				zap.String("target", c.ID),
				zap.String("metric", c.WorkloadMetric),
				zap.Strings("supported", v.SupportedMetrics()))
			continue
		}

		if err := ValidateTarget(c); err != nil {
			fields := []zap.Field{zap.String("target", c.ID), zap.Error(err)}
			var ve *ValidationError
			if errors.As(err, &ve) {
				fields = append(fields, zap.String("field", ve.Field))
			}
			v.logger.Warn("Dropping invalid target", fields...)
			continue
		}

		admitted = append(admitted, c)
	}
	return admitted
}

// ValidateTarget checks the structural invariants of a scaling target
func ValidateTarget(t types.ScalingTarget) error {
	switch {
	case t.ID == "":
		return NewValidationError("id", t.ID, "id cannot be empty")
	case t.WorkloadMetric == "":
		return NewValidationError("workload_metric", t.WorkloadMetric, "workload metric cannot be empty")
	case t.Interval < 1:
		return NewValidationError("interval", t.Interval, "interval must be at least 1 second")
	case t.MinInstances < 0:
		return NewValidationError("min_instances", t.MinInstances, "min instances cannot be negative")
	case t.MaxInstances < 1:
		return NewValidationError("max_instances", t.MaxInstances, "max instances must be at least 1")
	case t.BackoffAmount < 0:
		return NewValidationError("backoff_amount", t.BackoffAmount, "backoff amount cannot be negative")
	case t.MinInstances > t.MaxInstances:
		return NewValidationError("min_instances", t.MinInstances, "min instances cannot exceed max instances")
	}
	return nil
}
