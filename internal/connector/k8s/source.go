package k8s

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cboxdk/queue-autoscaler/internal/types"
	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// Source lists deployments whose group label matches the configured group
type Source struct {
	client kubernetes.Interface
	cfg    Config
	logger *zap.Logger
}

// NewSource creates a deployment source
func NewSource(client kubernetes.Interface, cfg Config, logger *zap.Logger) (*Source, error) {
	if client == nil {
		return nil, fmt.Errorf("kubernetes client cannot be nil")
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{client: client, cfg: cfg, logger: logger}, nil
}

// GetServices returns one target per labelled deployment. A deployment with
// an unparseable label is skipped; a failed namespace listing fails the call.
func (s *Source) GetServices(ctx context.Context) ([]types.ScalingTarget, error) {
	var targets []types.ScalingTarget

	for _, namespace := range s.cfg.Namespaces {
		list, err := s.client.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{
			LabelSelector: LabelGroupID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list deployments in namespace %s: %w", namespace, err)
		}

		for i := range list.Items {
			deployment := &list.Items[i]
			if !strings.EqualFold(deployment.Labels[LabelGroupID], s.cfg.GroupID) {
				s.logger.Debug("Deployment is not configured for scaling",
					zap.String("namespace", namespace),
					zap.String("deployment", deployment.Name))
				continue
			}

			target, err := targetFromDeployment(deployment, namespace)
			if err != nil {
				s.logger.Warn("Skipping deployment with invalid autoscale labels",
					zap.String("namespace", namespace),
					zap.String("deployment", deployment.Name),
					zap.Error(err))
				continue
			}
			targets = append(targets, target)
		}
	}

	return targets, nil
}

// HealthCheck reports whether the API server answers a version request
func (s *Source) HealthCheck(ctx context.Context) types.HealthResult {
	return connectionHealth(s.client, s.logger)
}

func targetFromDeployment(d *appsv1.Deployment, namespace string) (types.ScalingTarget, error) {
	labels := d.Labels
	target := types.ScalingTarget{
		ID:               namespace + ResourceIDSeparator + d.Name,
		WorkloadMetric:   labels[LabelMetric],
		ScalingTargetRef: labels[LabelScalingTarget],
		ScalingProfile:   labels[LabelProfile],
		MinInstances:     types.DefaultMinInstances,
		BackoffAmount:    types.DefaultBackoffAmount,
	}

	ints := []struct {
		label string
		dst   *int
	}{
		{LabelInterval, &target.Interval},
		{LabelMinInstances, &target.MinInstances},
		{LabelMaxInstances, &target.MaxInstances},
		{LabelBackoff, &target.BackoffAmount},
		{LabelScaleUpBackoff, &target.ScaleUpBackoffAmount},
		{LabelScaleDownBackoff, &target.ScaleDownBackoffAmount},
	}
	for _, field := range ints {
		raw, ok := labels[field.label]
		if !ok {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return types.ScalingTarget{}, fmt.Errorf("label %s: %w", field.label, err)
		}
		*field.dst = v
	}

	return target.WithDefaults(), nil
}

func connectionHealth(client kubernetes.Interface, logger *zap.Logger) types.HealthResult {
	info, err := client.Discovery().ServerVersion()
	if err != nil {
		logger.Warn("Connection failure to kubernetes", zap.Error(err))
		return types.Unhealthy("Cannot connect to Kubernetes")
	}
	return types.Healthy(fmt.Sprintf("kubernetes %s", info.GitVersion))
}
