package prometheus

import (
	"fmt"
	"strings"
)

const (
	DefaultBindAddress    = ":9090"
	DefaultMetricsPath    = "/metrics"
	DefaultAPIMaxRequests = 50
	DefaultEventLimit     = 100
	MaxEventLimit         = 1000

	minAPIKeyLength = 16
)

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	BindAddress string     `yaml:"bind_address"`
	MetricsPath string     `yaml:"metrics_path"`
	TLS         TLSConfig  `yaml:"tls"`
	Auth        AuthConfig `yaml:"auth"`
	API         APIConfig  `yaml:"api"`
}

// TLSConfig contains TLS settings
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AuthConfig protects the metrics and API endpoints
type AuthConfig struct {
	Enabled bool            `yaml:"enabled"`
	Type    string          `yaml:"type"` // "api_key", "basic"
	APIKey  string          `yaml:"api_key"`
	APIKeys []APIKeyConfig  `yaml:"api_keys"`
	Basic   BasicAuthConfig `yaml:"basic"`
}

// BasicAuthConfig contains basic authentication credentials
type BasicAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// APIKeyConfig is one named API key
type APIKeyConfig struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
}

// APIConfig contains REST API settings
type APIConfig struct {
	Enabled     bool `yaml:"enabled"`
	MaxRequests int  `yaml:"max_requests"` // per second
}

// WithDefaults fills unset fields
func (c ServerConfig) WithDefaults() ServerConfig {
	if c.BindAddress == "" {
		c.BindAddress = DefaultBindAddress
	}
	if c.MetricsPath == "" {
		c.MetricsPath = DefaultMetricsPath
	}
	if c.API.MaxRequests == 0 {
		c.API.MaxRequests = DefaultAPIMaxRequests
	}
	return c
}

// Validate checks the server settings
func (c ServerConfig) Validate() error {
	if c.BindAddress == "" {
		return fmt.Errorf("bind_address is required")
	}
	if !strings.HasPrefix(c.MetricsPath, "/") {
		return fmt.Errorf("metrics_path must start with /, got %q", c.MetricsPath)
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("tls requires cert_file and key_file")
	}
	if c.API.MaxRequests < 1 {
		return fmt.Errorf("api.max_requests must be at least 1")
	}
	if !c.Auth.Enabled {
		return nil
	}

	switch c.Auth.Type {
	case "api_key":
		if c.Auth.APIKey == "" && len(c.Auth.APIKeys) == 0 {
			return fmt.Errorf("api_key auth requires api_key or api_keys")
		}
		if c.Auth.APIKey != "" && len(c.Auth.APIKey) < minAPIKeyLength {
			return fmt.Errorf("api_key must be at least %d characters", minAPIKeyLength)
		}
		for _, k := range c.Auth.APIKeys {
			if len(k.Key) < minAPIKeyLength {
				return fmt.Errorf("api key %q must be at least %d characters", k.Name, minAPIKeyLength)
			}
		}
	case "basic":
		if c.Auth.Basic.Username == "" || c.Auth.Basic.Password == "" {
			return fmt.Errorf("basic auth requires username and password")
		}
	default:
		return fmt.Errorf("unsupported auth type: %s", c.Auth.Type)
	}
	return nil
}
