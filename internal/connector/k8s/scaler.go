package k8s

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cboxdk/queue-autoscaler/internal/types"
	"go.uber.org/zap"
	authorizationv1 "k8s.io/api/authorization/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"
)

// Scaler changes the replica count of deployments addressed as namespace:name
type Scaler struct {
	client kubernetes.Interface
	cfg    Config
	logger *zap.Logger
}

// NewScaler creates a deployment scaler
func NewScaler(client kubernetes.Interface, cfg Config, logger *zap.Logger) (*Scaler, error) {
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
	return &Scaler{client: client, cfg: cfg, logger: logger}, nil
}

// ScaleUp raises replicas by amount, never above the configured maximum
func (s *Scaler) ScaleUp(ctx context.Context, id string, amount int) error {
	return s.scale(ctx, id, func(current int32) int32 {
		return min(int32(s.cfg.MaximumInstances), current+int32(amount))
	})
}

// ScaleDown lowers replicas by amount, never below zero
func (s *Scaler) ScaleDown(ctx context.Context, id string, amount int) error {
	return s.scale(ctx, id, func(current int32) int32 {
		return max(0, current-int32(amount))
	})
}

func (s *Scaler) scale(ctx context.Context, id string, desired func(current int32) int32) error {
	namespace, name, err := ParseResourceID(id)
	if err != nil {
		return err
	}
	deployments := s.client.AppsV1().Deployments(namespace)

	err = retry.RetryOnConflict(retry.DefaultRetry, func() error {
		deployment, err := deployments.Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		current := replicas(deployment.Spec.Replicas)
		target := desired(current)
		if target == current {
			return nil
		}

		deployment.Spec.Replicas = &target
		if _, err := deployments.Update(ctx, deployment, metav1.UpdateOptions{}); err != nil {
			return err
		}
		s.logger.Info("Deployment replicas updated",
			zap.String("target", id),
			zap.Int32("from", current),
			zap.Int32("to", target))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scale deployment %s: %w", id, err)
	}
	return nil
}

// GetInstanceInfo counts the deployment's pods by phase. Without a selector
// the desired replica count is reported as running.
func (s *Scaler) GetInstanceInfo(ctx context.Context, id string) (types.InstanceSnapshot, error) {
	namespace, name, err := ParseResourceID(id)
	if err != nil {
		return types.InstanceSnapshot{}, err
	}

	deployment, err := s.client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return types.InstanceSnapshot{}, fmt.Errorf("failed to load deployment %s: %w", id, err)
	}

	snapshot := types.InstanceSnapshot{
		Running:          int(replicas(deployment.Spec.Replicas)),
		ShutdownPriority: types.NoShutdownPriority,
	}
	if raw, ok := deployment.Labels[LabelShutdownPriority]; ok {
		if p, err := strconv.Atoi(raw); err == nil {
			snapshot.ShutdownPriority = p
		}
	}

	if deployment.Spec.Selector == nil {
		return snapshot, nil
	}
	selector, err := metav1.LabelSelectorAsSelector(deployment.Spec.Selector)
	if err != nil {
		return types.InstanceSnapshot{}, fmt.Errorf("invalid selector on deployment %s: %w", id, err)
	}
	if selector.Empty() {
		return snapshot, nil
	}

	pods, err := s.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return types.InstanceSnapshot{}, fmt.Errorf("failed to list pods for %s: %w", id, err)
	}

	snapshot.Running = 0
	for _, pod := range pods.Items {
		if pod.DeletionTimestamp != nil {
			continue
		}
		switch pod.Status.Phase {
		case corev1.PodRunning:
			snapshot.Running++
			if pod.Spec.NodeName != "" {
				snapshot.Hosts = append(snapshot.Hosts, pod.Spec.NodeName)
			}
		case corev1.PodPending:
			snapshot.Staging++
		}
	}
	return snapshot, nil
}

// HealthCheck checks connectivity and that the service account may update
// deployments in every configured namespace.
func (s *Scaler) HealthCheck(ctx context.Context) types.HealthResult {
	if result := connectionHealth(s.client, s.logger); !result.IsHealthy() {
		return result
	}

	for _, namespace := range s.cfg.Namespaces {
		review := &authorizationv1.SelfSubjectAccessReview{
			Spec: authorizationv1.SelfSubjectAccessReviewSpec{
				ResourceAttributes: &authorizationv1.ResourceAttributes{
					Namespace: namespace,
					Verb:      "update",
					Group:     "apps",
					Resource:  "deployments",
				},
			},
		}
		result, err := s.client.AuthorizationV1().SelfSubjectAccessReviews().Create(ctx, review, metav1.CreateOptions{})
		if err != nil {
			s.logger.Warn("Permission check failed", zap.String("namespace", namespace), zap.Error(err))
			return types.Unhealthy(fmt.Sprintf("permission check failed for namespace %s: %v", namespace, err))
		}
		if !result.Status.Allowed {
			return types.Unhealthy(fmt.Sprintf("service account may not update deployments in namespace %s", namespace))
		}
	}
	return types.Healthy("kubernetes reachable")
}

// replicas defaults a nil replica count to one, as the API server does
func replicas(r *int32) int32 {
	if r == nil {
		return 1
	}
	return *r
}
