package rabbit

import (
	"context"
	"fmt"
	"time"

	"github.com/cboxdk/queue-autoscaler/internal/types"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const utilisationKey = "utilisation"

// NodeLister lists the cluster nodes with their resource usage
type NodeLister interface {
	Nodes(ctx context.Context) ([]NodeInfo, error)
}

// ResourceMonitor reports the memory and disk pressure of the RabbitMQ
// cluster. A reading is reused for the query interval.
type ResourceMonitor struct {
	nodes  NodeLister
	cache  *cache.Cache
	logger *zap.Logger
}

// NewResourceMonitor creates a monitor; a non-positive interval reads the
// nodes on every call
func NewResourceMonitor(nodes NodeLister, interval time.Duration, logger *zap.Logger) *ResourceMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &ResourceMonitor{nodes: nodes, logger: logger}
	if interval > 0 {
		m.cache = cache.New(interval, 2*interval)
	}
	return m
}

// ResourceMonitor returns a monitor reading nodes through this client
func (c *Client) ResourceMonitor() *ResourceMonitor {
	return NewResourceMonitor(c, c.cfg.ResourceQueryInterval, c.logger)
}

// GetResourceUtilisation returns the highest memory use and the lowest free
// disk space across the cluster
func (m *ResourceMonitor) GetResourceUtilisation(ctx context.Context) (types.ResourceUtilisation, error) {
	if m.cache != nil {
		if cached, ok := m.cache.Get(utilisationKey); ok {
			return cached.(types.ResourceUtilisation), nil
		}
	}

	nodes, err := m.nodes.Nodes(ctx)
	if err != nil {
		return types.ResourceUtilisation{}, fmt.Errorf("failed to read node resources: %w", err)
	}

	u := Utilisation(nodes)
	m.logger.Debug("RabbitMQ resource utilisation",
		zap.Int("nodes", len(nodes)),
		zap.Float64("memory_used_percent", u.MemoryUsedPercent),
		zap.Int64("disk_free_mb", u.DiskFreeMB))

	if m.cache != nil {
		m.cache.Set(utilisationKey, u, cache.DefaultExpiration)
	}
	return u, nil
}

// Utilisation folds node readings into the worst case of the cluster. Nodes
// without memory figures are skipped; DiskFreeMB is -1 when no node reports
// its free disk.
func Utilisation(nodes []NodeInfo) types.ResourceUtilisation {
	u := types.ResourceUtilisation{DiskFreeMB: -1}
	for _, n := range nodes {
		if n.MemUsed != nil && n.MemLimit != nil && *n.MemLimit > 0 {
			used := float64(*n.MemUsed) / float64(*n.MemLimit) * 100
			u.MemoryUsedPercent = max(u.MemoryUsedPercent, used)
		}
		if n.DiskFree != nil {
			mb := *n.DiskFree / 1024 / 1024
			if u.DiskFreeMB < 0 || mb < u.DiskFreeMB {
				u.DiskFreeMB = mb
			}
		}
	}
	return u
}
