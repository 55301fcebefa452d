package k8s

import (
	"context"
	"errors"
	"testing"

	"github.com/cboxdk/queue-autoscaler/internal/types"
	"go.uber.org/zap/zaptest"
	appsv1 "k8s.io/api/apps/v1"
	authorizationv1 "k8s.io/api/authorization/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

var testConfig = Config{
	Namespaces:       []string{"private", " jobs "},
	GroupID:          "managed-queue-workers",
	MaximumInstances: 4,
}

func deployment(namespace, name string, replicas int32, labels map[string]string) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace, Labels: labels},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": name}},
		},
	}
}

func pod(namespace, name, app string, phase corev1.PodPhase) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace, Labels: map[string]string{"app": app}},
		Spec:       corev1.PodSpec{NodeName: "node-" + name},
		Status:     corev1.PodStatus{Phase: phase},
	}
}

func TestSourceGetServices(t *testing.T) {
	client := fake.NewSimpleClientset(
		deployment("private", "worker", 1, map[string]string{
			LabelGroupID:          "Managed-Queue-Workers",
			LabelMetric:           "rabbitmq",
			LabelInterval:         "30",
			LabelMinInstances:     "1",
			LabelMaxInstances:     "3",
			LabelBackoff:          "2",
			LabelScaleUpBackoff:   "4",
			LabelScaleDownBackoff: "-1",
			LabelProfile:          "fast",
			LabelScalingTarget:    "orders",
		}),
		deployment("jobs", "minimal", 0, map[string]string{
			LabelGroupID:       "managed-queue-workers",
			LabelMetric:        "rabbitmq",
			LabelInterval:      "10",
			LabelScalingTarget: "jobs",
		}),
		deployment("private", "other-group", 1, map[string]string{LabelGroupID: "someone-else", LabelMetric: "rabbitmq"}),
		deployment("private", "unlabelled", 1, map[string]string{"app": "unlabelled"}),
		deployment("private", "broken", 1, map[string]string{LabelGroupID: "managed-queue-workers", LabelInterval: "soon"}),
		deployment("elsewhere", "ignored", 1, map[string]string{LabelGroupID: "managed-queue-workers"}),
	)

	source, err := NewSource(client, testConfig, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewSource() error: %v", err)
	}

	targets, err := source.GetServices(context.Background())
	if err != nil {
		t.Fatalf("GetServices() error: %v", err)
	}

	got := make(map[string]types.ScalingTarget)
	for _, target := range targets {
		got[target.ID] = target
	}
	if len(got) != 2 {
		t.Fatalf("GetServices() returned %d targets, want 2: %+v", len(got), targets)
	}

	want := map[string]types.ScalingTarget{
		"private:worker": {
			ID: "private:worker", Interval: 30, MinInstances: 1, MaxInstances: 3, BackoffAmount: 2,
			ScaleUpBackoffAmount: 4, ScaleDownBackoffAmount: -1,
			WorkloadMetric: "rabbitmq", ScalingTargetRef: "orders", ScalingProfile: "fast",
		},
		"jobs:minimal": {
			ID: "jobs:minimal", Interval: 10, MinInstances: 0, MaxInstances: types.DefaultMaxInstances,
			WorkloadMetric: "rabbitmq", ScalingTargetRef: "jobs",
		},
	}
	for id, w := range want {
		if got[id] != w {
			t.Errorf("target %s = %+v, want %+v", id, got[id], w)
		}
	}
}

func TestSourceListError(t *testing.T) {
	client := fake.NewSimpleClientset()
	client.PrependReactor("list", "deployments", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("forbidden")
	})

	source, err := NewSource(client, testConfig, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewSource() error: %v", err)
	}
	if _, err := source.GetServices(context.Background()); err == nil {
		t.Fatal("expected error when listing fails")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", testConfig, false},
		{"missing group", Config{Namespaces: []string{"a"}, MaximumInstances: 1}, true},
		{"blank namespaces", Config{GroupID: "g", Namespaces: []string{" "}, MaximumInstances: 1}, true},
		{"zero maximum", Config{GroupID: "g", Namespaces: []string{"a"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseResourceID(t *testing.T) {
	tests := []struct {
		ref     string
		ns      string
		name    string
		wantErr bool
	}{
		{"private:worker", "private", "worker", false},
		{"worker", "", "", true},
		{"a:b:c", "", "", true},
		{":worker", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			ns, name, err := ParseResourceID(tt.ref)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseResourceID() error = %v, wantErr %v", err, tt.wantErr)
			}
			if ns != tt.ns || name != tt.name {
				t.Errorf("ParseResourceID() = %q, %q", ns, name)
			}
		})
	}
}

func currentReplicas(t *testing.T, client *fake.Clientset, namespace, name string) int32 {
	t.Helper()
	d, err := client.AppsV1().Deployments(namespace).Get(context.Background(), name, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	return *d.Spec.Replicas
}

func TestScalerScaleUpAndDown(t *testing.T) {
	tests := []struct {
		name   string
		start  int32
		up     bool
		amount int
		want   int32
	}{
		{"scale up", 1, true, 2, 3},
		{"scale up capped at maximum", 3, true, 5, 4},
		{"scale up at maximum", 4, true, 1, 4},
		{"scale down", 3, false, 1, 2},
		{"scale down floored at zero", 1, false, 3, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := fake.NewSimpleClientset(deployment("private", "worker", tt.start, nil))
			scaler, err := NewScaler(client, testConfig, zaptest.NewLogger(t))
			if err != nil {
				t.Fatalf("NewScaler() error: %v", err)
			}

			if tt.up {
				err = scaler.ScaleUp(context.Background(), "private:worker", tt.amount)
			} else {
				err = scaler.ScaleDown(context.Background(), "private:worker", tt.amount)
			}
			if err != nil {
				t.Fatalf("scale error: %v", err)
			}
			if got := currentReplicas(t, client, "private", "worker"); got != tt.want {
				t.Errorf("replicas = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestScalerMissingDeployment(t *testing.T) {
	scaler, err := NewScaler(fake.NewSimpleClientset(), testConfig, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewScaler() error: %v", err)
	}
	if err := scaler.ScaleUp(context.Background(), "private:missing", 1); err == nil {
		t.Error("expected error for missing deployment")
	}
	if _, err := scaler.GetInstanceInfo(context.Background(), "bad-ref"); err == nil {
		t.Error("expected error for malformed ref")
	}
}

func TestScalerGetInstanceInfo(t *testing.T) {
	d := deployment("private", "worker", 4, map[string]string{LabelShutdownPriority: "7"})
	client := fake.NewSimpleClientset(
		d,
		pod("private", "a", "worker", corev1.PodRunning),
		pod("private", "b", "worker", corev1.PodRunning),
		pod("private", "c", "worker", corev1.PodPending),
		pod("private", "d", "worker", corev1.PodFailed),
		pod("private", "e", "other", corev1.PodRunning),
	)
	scaler, err := NewScaler(client, testConfig, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewScaler() error: %v", err)
	}

	snapshot, err := scaler.GetInstanceInfo(context.Background(), "private:worker")
	if err != nil {
		t.Fatalf("GetInstanceInfo() error: %v", err)
	}
	if snapshot.Running != 2 || snapshot.Staging != 1 {
		t.Errorf("snapshot = %+v, want 2 running 1 staging", snapshot)
	}
	if snapshot.ShutdownPriority != 7 {
		t.Errorf("ShutdownPriority = %d, want 7", snapshot.ShutdownPriority)
	}
	if len(snapshot.Hosts) != 2 {
		t.Errorf("Hosts = %v, want 2 entries", snapshot.Hosts)
	}
}

func TestScalerGetInstanceInfoWithoutSelector(t *testing.T) {
	d := deployment("private", "worker", 3, nil)
	d.Spec.Selector = nil
	scaler, err := NewScaler(fake.NewSimpleClientset(d), testConfig, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewScaler() error: %v", err)
	}

	snapshot, err := scaler.GetInstanceInfo(context.Background(), "private:worker")
	if err != nil {
		t.Fatalf("GetInstanceInfo() error: %v", err)
	}
	if snapshot.Running != 3 || snapshot.Staging != 0 || snapshot.ShutdownPriority != -1 {
		t.Errorf("snapshot = %+v", snapshot)
	}
}

func allowReviews(client *fake.Clientset, allowed bool) {
	client.PrependReactor("create", "selfsubjectaccessreviews", func(action k8stesting.Action) (bool, runtime.Object, error) {
		review := action.(k8stesting.CreateAction).GetObject().(*authorizationv1.SelfSubjectAccessReview)
		out := review.DeepCopy()
		out.Status.Allowed = allowed
		return true, out, nil
	})
}

func TestScalerHealthCheck(t *testing.T) {
	t.Run("allowed", func(t *testing.T) {
		client := fake.NewSimpleClientset()
		allowReviews(client, true)
		scaler, _ := NewScaler(client, testConfig, zaptest.NewLogger(t))
		if got := scaler.HealthCheck(context.Background()); !got.IsHealthy() {
			t.Errorf("HealthCheck() = %+v, want healthy", got)
		}
	})

	t.Run("denied", func(t *testing.T) {
		client := fake.NewSimpleClientset()
		allowReviews(client, false)
		scaler, _ := NewScaler(client, testConfig, zaptest.NewLogger(t))
		if got := scaler.HealthCheck(context.Background()); got.IsHealthy() {
			t.Errorf("HealthCheck() = %+v, want unhealthy", got)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		client := fake.NewSimpleClientset()
		client.PrependReactor("get", "version", func(action k8stesting.Action) (bool, runtime.Object, error) {
			return true, nil, errors.New("connection refused")
		})
		scaler, _ := NewScaler(client, testConfig, zaptest.NewLogger(t))
		if got := scaler.HealthCheck(context.Background()); got.IsHealthy() {
			t.Errorf("HealthCheck() = %+v, want unhealthy", got)
		}

		source, _ := NewSource(client, testConfig, zaptest.NewLogger(t))
		if got := source.HealthCheck(context.Background()); got.IsHealthy() {
			t.Errorf("source HealthCheck() = %+v, want unhealthy", got)
		}
	})
}
