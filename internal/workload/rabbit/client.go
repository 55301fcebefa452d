package rabbit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cboxdk/queue-autoscaler/internal/resilience"
	"github.com/cboxdk/queue-autoscaler/internal/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrQueueNotFound indicates the management API does not know the queue
	ErrQueueNotFound = errors.New("queue not found")

	// ErrNoRunningNodes indicates no cluster node reports itself running
	ErrNoRunningNodes = errors.New("no running rabbitmq nodes")
)

// RateDetails is a rate block of the management API
type RateDetails struct {
	Rate float64 `json:"rate"`
}

// MessageStats holds the message rates of a queue
type MessageStats struct {
	DeliverGetDetails RateDetails `json:"deliver_get_details"`
	PublishDetails    RateDetails `json:"publish_details"`
}

// QueueInfo is the subset of /api/queues/{vhost}/{name} used for scaling
type QueueInfo struct {
	Name          string       `json:"name"`
	VHost         string       `json:"vhost"`
	Messages      int64        `json:"messages"`
	MessagesReady int64        `json:"messages_ready"`
	Consumers     int          `json:"consumers"`
	MessageStats  MessageStats `json:"message_stats"`
}

// Sample converts the queue info to a stats sample
func (q QueueInfo) Sample() types.StatsSample {
	return types.StatsSample{
		Backlog:     q.MessagesReady,
		PublishRate: q.MessageStats.PublishDetails.Rate,
		ConsumeRate: q.MessageStats.DeliverGetDetails.Rate,
	}.Normalize()
}

// NodeInfo is the subset of /api/nodes used for health checks and resource
// monitoring. The resource fields are absent for nodes that are down.
type NodeInfo struct {
	Name     string `json:"name"`
	Running  bool   `json:"running"`
	MemUsed  *int64 `json:"mem_used,omitempty"`
	MemLimit *int64 `json:"mem_limit,omitempty"`
	DiskFree *int64 `json:"disk_free,omitempty"`
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("management api returned %d: %s", e.code, e.body)
}

// Client reads queue statistics from the RabbitMQ management API. Results are
// cached briefly so targets sharing a queue cause a single request.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	cache   *cache.Cache
	breaker *resilience.CircuitBreaker
	logger  *zap.Logger
}

// NewClient creates a management API client
func NewClient(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	cfg = cfg.WithDefaults()
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("rabbitmq endpoint is required")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid rabbitmq endpoint: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		breaker: resilience.NewCircuitBreaker("rabbitmq", cfg.CircuitBreaker, logger),
		logger:  logger,
	}
	if cfg.StatsCacheTTL > 0 {
		c.cache = cache.New(cfg.StatsCacheTTL, 10*cfg.StatsCacheTTL)
	}
	return c, nil
}

// GetStats returns the backlog sample of the named queue
func (c *Client) GetStats(ctx context.Context, queue string) (types.StatsSample, error) {
	info, err := c.Queue(ctx, queue)
	if err != nil {
		return types.StatsSample{}, err
	}
	return info.Sample(), nil
}

// Queue returns the management API view of the named queue
func (c *Client) Queue(ctx context.Context, queue string) (QueueInfo, error) {
	key := c.cfg.VHost + "/" + queue
	if c.cache != nil {
		if cached, ok := c.cache.Get(key); ok {
			return cached.(QueueInfo), nil
		}
	}

	var info QueueInfo
	var notFound error
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		path := "/api/queues/" + url.PathEscape(c.cfg.VHost) + "/" + url.PathEscape(queue)
		err := c.getJSON(ctx, path, &info)
		if errors.Is(err, ErrQueueNotFound) {
			notFound = err
			return nil
		}
		return err
	})
	if notFound != nil {
		return QueueInfo{}, fmt.Errorf("%w: %s on vhost %s", ErrQueueNotFound, queue, c.cfg.VHost)
	}
	if err != nil {
		return QueueInfo{}, fmt.Errorf("failed to fetch queue %s: %w", queue, err)
	}

	if c.cache != nil {
		c.cache.Set(key, info, cache.DefaultExpiration)
	}
	return info, nil
}

// Nodes returns the cluster nodes
func (c *Client) Nodes(ctx context.Context) ([]NodeInfo, error) {
	var nodes []NodeInfo
	if err := c.getJSON(ctx, "/api/nodes", &nodes); err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	return nodes, nil
}

// HealthCheck requires at least one running node
func (c *Client) HealthCheck(ctx context.Context) types.HealthResult {
	nodes, err := c.Nodes(ctx)
	if err != nil {
		return types.Unhealthy(err.Error())
	}
	for _, n := range nodes {
		if n.Running {
			return types.Healthy(fmt.Sprintf("node %s running", n.Name))
		}
	}
	return types.Unhealthy(ErrNoRunningNodes.Error())
}

// getJSON performs a rate limited GET, retrying transient failures with
// exponential backoff until the configured timeout elapses.
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	endpoint := strings.TrimRight(c.cfg.Endpoint, "/") + path

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = c.cfg.Timeout

	attempt := 0
	operation := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(ErrQueueNotFound)
		case resp.StatusCode >= 500:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
		case resp.StatusCode >= 300:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(&statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))})
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Debug("Retrying management api request",
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	return backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify)
}
