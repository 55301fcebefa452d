package fpm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cboxdk/fcgx"
	"github.com/cboxdk/queue-autoscaler/internal/resilience"
	"github.com/cboxdk/queue-autoscaler/internal/types"
	"go.uber.org/zap"
)

// Status is the pool section of the PHP-FPM JSON status page
type Status struct {
	Pool               string `json:"pool"`
	ProcessManager     string `json:"process manager"`
	StartTime          int64  `json:"start time"`
	StartSince         int64  `json:"start since"`
	AcceptedConn       int64  `json:"accepted conn"`
	ListenQueue        int64  `json:"listen queue"`
	MaxListenQueue     int64  `json:"max listen queue"`
	ListenQueueLen     int64  `json:"listen queue len"`
	IdleProcesses      int64  `json:"idle processes"`
	ActiveProcesses    int64  `json:"active processes"`
	TotalProcesses     int64  `json:"total processes"`
	MaxChildrenReached int64  `json:"max children reached"`
	SlowRequests       int64  `json:"slow requests"`
}

// StatusFetcher reads the status page of a PHP-FPM endpoint
type StatusFetcher interface {
	FetchStatus(ctx context.Context, endpoint string) (Status, error)
	HealthCheck(ctx context.Context) types.HealthResult
}

// Client fetches PHP-FPM status over FastCGI, or over HTTP for proxied pools
type Client struct {
	statusPath string
	probe      string
	http       *http.Client
	breaker    *resilience.CircuitBreaker
	logger     *zap.Logger
}

// NewClient creates a status client. probe is an optional endpoint checked by HealthCheck.
func NewClient(statusPath, probe string, httpClient *http.Client, breaker *resilience.CircuitBreaker, logger *zap.Logger) *Client {
	if statusPath == "" {
		statusPath = DefaultStatusPath
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker("phpfpm", resilience.CircuitBreakerConfig{}, logger)
	}
	return &Client{
		statusPath: statusPath,
		probe:      probe,
		http:       httpClient,
		breaker:    breaker,
		logger:     logger,
	}
}

// FetchStatus reads the status of the pool listening on endpoint
func (c *Client) FetchStatus(ctx context.Context, endpoint string) (Status, error) {
	scheme, address, scriptPath, err := ParseAddress(endpoint, c.statusPath)
	if err != nil {
		return Status{}, fmt.Errorf("failed to parse endpoint %s: %w", endpoint, err)
	}

	return resilience.Call(ctx, c.breaker, func(ctx context.Context) (Status, error) {
		switch scheme {
		case "unix", "tcp":
			return c.fetchFastCGI(ctx, scheme, address, scriptPath)
		default:
			return c.fetchHTTP(ctx, address)
		}
	})
}

// HealthCheck fetches the probe endpoint when one is configured
func (c *Client) HealthCheck(ctx context.Context) types.HealthResult {
	if c.probe == "" {
		return types.Healthy("no probe endpoint configured")
	}
	status, err := c.FetchStatus(ctx, c.probe)
	if err != nil {
		return types.Unhealthy(err.Error())
	}
	return types.Healthy(fmt.Sprintf("pool %s reachable", status.Pool))
}

func (c *Client) fetchFastCGI(ctx context.Context, network, address, statusPath string) (Status, error) {
	client, err := fcgx.DialContext(ctx, network, address)
	if err != nil {
		return Status{}, fmt.Errorf("failed to connect to FastCGI endpoint: %w", err)
	}
	defer client.Close()

	params := map[string]string{
		"REQUEST_METHOD":  "GET",
		"SCRIPT_NAME":     statusPath,
		"SCRIPT_FILENAME": statusPath,
		"REQUEST_URI":     statusPath + "?json",
		"QUERY_STRING":    "json",
		"SERVER_SOFTWARE": "queue-autoscaler",
		"REMOTE_ADDR":     "127.0.0.1",
		"SERVER_NAME":     "localhost",
		"SERVER_PORT":     "80",
		"SERVER_PROTOCOL": "HTTP/1.1",
	}

	resp, err := client.Get(ctx, params)
	if err != nil {
		return Status{}, fmt.Errorf("FastCGI request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := fcgx.ReadBody(resp)
	if err != nil {
		return Status{}, fmt.Errorf("failed to read FastCGI response: %w", err)
	}
	return c.decode(body)
}

func (c *Client) fetchHTTP(ctx context.Context, endpoint string) (Status, error) {
	url := endpoint
	if !strings.Contains(url, "?") {
		url += "?json"
	} else if !strings.Contains(url, "json") {
		url += "&json"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Status{}, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Status{}, fmt.Errorf("failed to read response: %w", err)
	}
	return c.decode(body)
}

func (c *Client) decode(body []byte) (Status, error) {
	var status Status
	if err := json.Unmarshal(body, &status); err != nil {
		c.logger.Debug("Failed to parse PHP-FPM status response",
			zap.String("response", string(body)),
			zap.Error(err))
		return Status{}, fmt.Errorf("failed to parse JSON response: %w", err)
	}
	return status, nil
}

// ParseAddress splits a pool address into scheme, dial address and script path
func ParseAddress(addr string, path string) (scheme, address, scriptPath string, err error) {
	switch {
	case strings.HasPrefix(addr, "unix://"):
		return "unix", strings.TrimPrefix(addr, "unix://"), path, nil
	case strings.HasPrefix(addr, "unix:"):
		return "unix", strings.TrimPrefix(addr, "unix:"), path, nil
	case strings.HasPrefix(addr, "tcp://"):
		return "tcp", strings.TrimPrefix(addr, "tcp://"), path, nil
	case strings.HasPrefix(addr, "/"):
		return "unix", addr, path, nil
	case strings.HasPrefix(addr, "http://"), strings.HasPrefix(addr, "https://"):
		return "http", addr, path, nil
	case strings.Contains(addr, ":"):
		return "tcp", addr, path, nil
	}
	return "", "", "", fmt.Errorf("unsupported socket format: %s", addr)
}
