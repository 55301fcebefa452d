package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/cboxdk/queue-autoscaler/internal/autoscaler"
	"github.com/cboxdk/queue-autoscaler/internal/config"
	"github.com/cboxdk/queue-autoscaler/internal/connector/k8s"
	"github.com/cboxdk/queue-autoscaler/internal/election"
	"github.com/cboxdk/queue-autoscaler/internal/telemetry"
	"github.com/cboxdk/queue-autoscaler/internal/types"
	"go.uber.org/zap/zaptest"
	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

// growingFactory proposes a fixed action for every queue it is bound to
type growingFactory struct {
	action types.ScalingAction

	mu   sync.Mutex
	refs []string
}

func (f *growingFactory) Metric() string { return "rabbitmq" }

func (f *growingFactory) NewAnalyser(ref, profile string) (types.WorkloadAnalyser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs = append(f.refs, ref)
	return fixedAnalyser{f.action}, nil
}

func (f *growingFactory) HealthCheck(ctx context.Context) types.HealthResult {
	return types.Healthy("")
}

func (f *growingFactory) boundRefs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.refs...)
}

type fixedAnalyser struct {
	action types.ScalingAction
}

func (a fixedAnalyser) Analyse(ctx context.Context, latest types.InstanceSnapshot) (types.ScalingAction, error) {
	return a.action, nil
}

func TestKubernetesDeploymentIsScaledByTargetID(t *testing.T) {
	tests := []struct {
		name         string
		replicas     int32
		action       types.ScalingAction
		wantReplicas int32
	}{
		{"scale up", 1, types.ScaleUp(2), 3},
		{"scale down", 3, types.ScaleDown(1), 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			replicas := tt.replicas
			client := fake.NewSimpleClientset(&appsv1.Deployment{
				ObjectMeta: metav1.ObjectMeta{
					Name:      "worker",
					Namespace: "jobs",
					Labels: map[string]string{
						k8s.LabelGroupID:       "workers",
						k8s.LabelMetric:        "rabbitmq",
						k8s.LabelInterval:      "10",
						k8s.LabelMaxInstances:  "5",
						k8s.LabelScalingTarget: "orders",
					},
				},
				Spec: appsv1.DeploymentSpec{Replicas: &replicas},
			})

			cfg := testConfig(t)
			cfg.Source.Type = config.SourceTypeKubernetes
			cfg.Scaler.Type = config.ScalerTypeKubernetes
			cfg.Source.Kubernetes = k8s.Config{
				Namespaces:       []string{"jobs"},
				GroupID:          "workers",
				MaximumInstances: 10,
			}.WithDefaults()
			cfg.Scaler.Kubernetes = cfg.Source.Kubernetes

			logger := zaptest.NewLogger(t)
			b := NewBuilder(cfg, logger)
			b.Kubernetes = client
			registry := DefaultRegistry()

			source, err := registry.Source(b)
			if err != nil {
				t.Fatalf("Source failed: %v", err)
			}
			protected, _, err := registry.Scaler(b)
			if err != nil {
				t.Fatalf("Scaler failed: %v", err)
			}
			tracing, err := telemetry.NewService(telemetry.Config{}, logger)
			if err != nil {
				t.Fatalf("NewService failed: %v", err)
			}
			gate := election.NewGatedScaler(telemetry.NewTracedScaler(protected, tracing.GetTraceHelper()), logger)
			gate.SetElected(true)

			schedCfg := autoscaler.DefaultConfig()
			schedCfg.RefreshInterval = time.Hour
			schedCfg.InitialDelay = time.Second
			schedCfg.EnforceBoundsOnFirstRun = false

			factory := &growingFactory{action: tt.action}
			clk := fakeclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
			scheduler, err := autoscaler.NewScheduler(schedCfg, source, gate,
				[]types.WorkloadAnalyserFactory{factory}, logger, autoscaler.WithClock(clk))
			if err != nil {
				t.Fatalf("NewScheduler failed: %v", err)
			}
			t.Cleanup(func() { _ = scheduler.StopWithTimeout(2 * time.Second) })

			if err := scheduler.Refresh(context.Background()); err != nil {
				t.Fatalf("Refresh failed: %v", err)
			}
			id := "jobs" + k8s.ResourceIDSeparator + "worker"
			if _, ok := scheduler.Target(id); !ok {
				t.Fatalf("target %q not scheduled", id)
			}
			if refs := factory.boundRefs(); len(refs) != 1 || refs[0] != "orders" {
				t.Errorf("analyser refs = %v, want [orders]", refs)
			}

			clk.WaitForWatcherAndIncrement(time.Second)

			eventually(t, "deployment replicas to change", func() bool {
				d, err := client.AppsV1().Deployments("jobs").Get(context.Background(), "worker", metav1.GetOptions{})
				return err == nil && d.Spec.Replicas != nil && *d.Spec.Replicas == tt.wantReplicas
			})

			status, _ := scheduler.Target(id)
			if status.LastError != "" {
				t.Errorf("last cycle error = %q", status.LastError)
			}
		})
	}
}
