// Package k8s discovers and scales Kubernetes deployments labelled for autoscaling.
package k8s

import (
	"fmt"
	"strings"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Deployment labels read by the source
const (
	LabelGroupID          = "autoscale.groupid"
	LabelMetric           = "autoscale.metric"
	LabelInterval         = "autoscale.interval"
	LabelMinInstances     = "autoscale.mininstances"
	LabelMaxInstances     = "autoscale.maxinstances"
	LabelBackoff          = "autoscale.backoff"
	LabelScaleUpBackoff   = "autoscale.scaleupbackoff"
	LabelScaleDownBackoff = "autoscale.scaledownbackoff"
	LabelProfile          = "autoscale.profile"
	LabelScalingTarget    = "autoscale.scalingtarget"
	LabelShutdownPriority = "autoscale.shutdownpriority"

	// ResourceIDSeparator joins namespace and deployment name in a target id
	ResourceIDSeparator = ":"

	DefaultTimeout = 10 * time.Second
)

// Config configures the Kubernetes source and scaler
type Config struct {
	// Kubeconfig is a kubeconfig path; empty means in-cluster configuration
	Kubeconfig       string        `yaml:"kubeconfig"`
	Namespaces       []string      `yaml:"namespaces"`
	GroupID          string        `yaml:"group_id"`
	MaximumInstances int           `yaml:"maximum_instances"`
	Timeout          time.Duration `yaml:"timeout"`
}

// WithDefaults returns a copy with unset fields defaulted
func (c Config) WithDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	namespaces := make([]string, 0, len(c.Namespaces))
	for _, ns := range c.Namespaces {
		if ns = strings.TrimSpace(ns); ns != "" {
			namespaces = append(namespaces, ns)
		}
	}
	c.Namespaces = namespaces
	return c
}

// Validate checks the fields required to discover and scale deployments
func (c Config) Validate() error {
	if strings.TrimSpace(c.GroupID) == "" {
		return fmt.Errorf("group_id is required")
	}
	if len(c.WithDefaults().Namespaces) == 0 {
		return fmt.Errorf("at least one namespace is required")
	}
	if c.MaximumInstances < 1 {
		return fmt.Errorf("maximum_instances must be at least 1, got %d", c.MaximumInstances)
	}
	return nil
}

// NewClientset builds a clientset from the kubeconfig path, or from the
// in-cluster service account when the path is empty.
func NewClientset(kubeconfig string, timeout time.Duration) (kubernetes.Interface, error) {
	var (
		restConfig *rest.Config
		err        error
	)
	if kubeconfig == "" {
		restConfig, err = rest.InClusterConfig()
	} else {
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load kubernetes configuration: %w", err)
	}
	restConfig.Timeout = timeout

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return clientset, nil
}

// ParseResourceID splits a target reference into namespace and deployment name
func ParseResourceID(ref string) (namespace, name string, err error) {
	parts := strings.Split(ref, ResourceIDSeparator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid resource id %q, expected namespace%sname", ref, ResourceIDSeparator)
	}
	return parts[0], parts[1], nil
}
