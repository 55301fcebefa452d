// Package config loads the autoscaler YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cboxdk/queue-autoscaler/internal/alert"
	"github.com/cboxdk/queue-autoscaler/internal/autoscaler"
	"github.com/cboxdk/queue-autoscaler/internal/connector/k8s"
	"github.com/cboxdk/queue-autoscaler/internal/election"
	"github.com/cboxdk/queue-autoscaler/internal/prometheus"
	"github.com/cboxdk/queue-autoscaler/internal/resilience"
	"github.com/cboxdk/queue-autoscaler/internal/storage"
	"github.com/cboxdk/queue-autoscaler/internal/telemetry"
	"github.com/cboxdk/queue-autoscaler/internal/types"
	"github.com/cboxdk/queue-autoscaler/internal/workload/fpm"
	"github.com/cboxdk/queue-autoscaler/internal/workload/rabbit"
	"gopkg.in/yaml.v3"
)

// Config represents the complete autoscaler configuration
type Config struct {
	Autoscaler AutoscalerConfig        `yaml:"autoscaler"`
	Source     SourceConfig            `yaml:"source"`
	Scaler     ScalerConfig            `yaml:"scaler"`
	Workloads  WorkloadsConfig         `yaml:"workloads"`
	Election   ElectionConfig          `yaml:"election"`
	Server     prometheus.ServerConfig `yaml:"server"`
	Storage    storage.Config          `yaml:"storage"`
	Logging    LoggingConfig           `yaml:"logging"`
	Telemetry  telemetry.Config        `yaml:"telemetry"`
	Alerts     alert.Config            `yaml:"alerts"`
}

// AutoscalerConfig contains scheduler settings
type AutoscalerConfig struct {
	RefreshInterval         time.Duration `yaml:"refresh_interval"`
	WorkerPoolSize          int           `yaml:"worker_pool_size"`
	InitialDelay            time.Duration `yaml:"initial_delay"`
	StaggerDelay            time.Duration `yaml:"stagger_delay"`
	ShutdownTimeout         time.Duration `yaml:"shutdown_timeout"`
	EnforceBoundsOnFirstRun *bool         `yaml:"enforce_bounds_on_first_run"`
	RefreshFailureThreshold int           `yaml:"refresh_failure_threshold"`
	HealthCheckInterval     time.Duration `yaml:"health_check_interval"`
	EventBuffer             int           `yaml:"event_buffer"`

	ResourceLimits ResourceLimitsConfig `yaml:"resource_limits"`
}

// ResourceLimitsConfig stages platform pressure and shuts services down by
// priority. Each list holds the stage one, two and three values.
type ResourceLimitsConfig struct {
	Enabled           bool      `yaml:"enabled"`
	MemoryUsedPercent []float64 `yaml:"memory_used_percent"`
	DiskFreeMB        []int64   `yaml:"disk_free_mb"`
	ShutdownPriority  []int     `yaml:"shutdown_priority"`
}

// Limits converts the section into scheduler resource limits
func (c ResourceLimitsConfig) Limits() autoscaler.ResourceLimits {
	l := autoscaler.DefaultResourceLimits()
	l.Enabled = c.Enabled
	copy(l.MemoryUsedPercent[:], c.MemoryUsedPercent)
	copy(l.DiskFreeMB[:], c.DiskFreeMB)
	copy(l.ShutdownPriority[:], c.ShutdownPriority)
	return l
}

// SchedulerConfig converts the section into scheduler settings
func (c AutoscalerConfig) SchedulerConfig() autoscaler.Config {
	cfg := autoscaler.Config{
		RefreshInterval:         c.RefreshInterval,
		WorkerPoolSize:          c.WorkerPoolSize,
		InitialDelay:            c.InitialDelay,
		StaggerDelay:            c.StaggerDelay,
		ShutdownTimeout:         c.ShutdownTimeout,
		EnforceBoundsOnFirstRun: true,
		RefreshFailureThreshold: c.RefreshFailureThreshold,
		ResourceLimits:          c.ResourceLimits.Limits(),
	}
	if c.EnforceBoundsOnFirstRun != nil {
		cfg.EnforceBoundsOnFirstRun = *c.EnforceBoundsOnFirstRun
	}
	return cfg
}

// SourceConfig selects where targets are discovered
type SourceConfig struct {
	Type       string             `yaml:"type"` // "static", "kubernetes"
	Static     StaticSourceConfig `yaml:"static"`
	Kubernetes k8s.Config         `yaml:"kubernetes"`
}

// StaticSourceConfig lists targets declared in the file
type StaticSourceConfig struct {
	Targets []types.ScalingTarget `yaml:"targets"`
}

// ScalerConfig selects how instance counts are changed
type ScalerConfig struct {
	Type             string                          `yaml:"type"` // "static", "kubernetes"
	InitialInstances int                             `yaml:"initial_instances"`
	Kubernetes       k8s.Config                      `yaml:"kubernetes"`
	CircuitBreaker   resilience.CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// WorkloadsConfig configures the workload analysers
type WorkloadsConfig struct {
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	PHPFPM   PHPFPMConfig   `yaml:"phpfpm"`
}

// RabbitMQConfig configures the RabbitMQ queue backlog analyser
type RabbitMQConfig struct {
	Enabled           bool                             `yaml:"enabled"`
	Endpoint          string                           `yaml:"endpoint"`
	Username          string                           `yaml:"username"`
	Password          string                           `yaml:"password"`
	VHost             string                           `yaml:"vhost"`
	Timeout           time.Duration                    `yaml:"timeout"`
	RequestsPerSecond float64                          `yaml:"requests_per_second"`
	Burst             int                              `yaml:"burst"`
	StatsCacheTTL     time.Duration                    `yaml:"stats_cache_ttl"`
	Profiles          map[string]types.WorkloadProfile `yaml:"profiles"`
	CircuitBreaker    resilience.CircuitBreakerConfig  `yaml:"circuit_breaker"`

	// ResourceQueryInterval is how long a node memory and disk reading is reused
	ResourceQueryInterval time.Duration `yaml:"resource_query_interval"`
}

// ClientConfig converts the section into RabbitMQ client settings
func (c RabbitMQConfig) ClientConfig() rabbit.Config {
	return rabbit.Config{
		Endpoint:          c.Endpoint,
		Username:          c.Username,
		Password:          c.Password,
		VHost:             c.VHost,
		Timeout:           c.Timeout,
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             c.Burst,
		StatsCacheTTL:     c.StatsCacheTTL,
		Profiles:          c.Profiles,
		CircuitBreaker:    c.CircuitBreaker,

		ResourceQueryInterval: c.ResourceQueryInterval,
	}.WithDefaults()
}

// PHPFPMConfig configures the PHP-FPM listen queue analyser
type PHPFPMConfig struct {
	Enabled    bool   `yaml:"enabled"`
	StatusPath string `yaml:"status_path"`
	// Probe is an optional pool address checked by health checks
	Probe          string                           `yaml:"probe"`
	Timeout        time.Duration                    `yaml:"timeout"`
	Profiles       map[string]types.WorkloadProfile `yaml:"profiles"`
	CircuitBreaker resilience.CircuitBreakerConfig  `yaml:"circuit_breaker"`
}

// ElectionConfig configures active/standby operation
type ElectionConfig struct {
	Type  string               `yaml:"type"` // "none", "redis"
	Lock  election.Config      `yaml:"lock"`
	Redis election.RedisConfig `yaml:"redis"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	OutputPath string `yaml:"output_path"`
}

// LoadDefault creates a zero-configuration setup: static source and scaler,
// PHP-FPM analysis with the default profile and no targets.
func LoadDefault() (*Config, error) {
	var config Config
	config.Workloads.PHPFPM.Enabled = true

	applyDefaults(&config)

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid default configuration: %w", err)
	}

	return &config, nil
}

// Load reads and parses the configuration file. ${VAR} references are
// expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	config, err := Parse(path)
	if err != nil {
		return nil, err
	}

	if err := ensureConfigDirectories(config); err != nil {
		return nil, fmt.Errorf("directory creation failed: %w", err)
	}

	if err := validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Parse reads the file and applies defaults without validating
func Parse(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)
	return &config, nil
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	defaults := autoscaler.DefaultConfig()
	a := &cfg.Autoscaler
	if a.RefreshInterval == 0 {
		a.RefreshInterval = defaults.RefreshInterval
	}
	if a.WorkerPoolSize == 0 {
		a.WorkerPoolSize = defaults.WorkerPoolSize
	}
	if a.InitialDelay == 0 {
		a.InitialDelay = defaults.InitialDelay
	}
	if a.StaggerDelay == 0 {
		a.StaggerDelay = defaults.StaggerDelay
	}
	if a.ShutdownTimeout == 0 {
		a.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if a.RefreshFailureThreshold == 0 {
		a.RefreshFailureThreshold = defaults.RefreshFailureThreshold
	}
	if a.HealthCheckInterval == 0 {
		a.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if a.EventBuffer == 0 {
		a.EventBuffer = DefaultEventBuffer
	}
	limits := &a.ResourceLimits
	if limits.MemoryUsedPercent == nil {
		limits.MemoryUsedPercent = append([]float64(nil), autoscaler.DefaultMemoryStages[:]...)
	}
	if limits.DiskFreeMB == nil {
		limits.DiskFreeMB = append([]int64(nil), autoscaler.DefaultDiskFreeStages[:]...)
	}
	if limits.ShutdownPriority == nil {
		limits.ShutdownPriority = append([]int(nil), autoscaler.DefaultShutdownPriorityStages[:]...)
	}

	if cfg.Source.Type == "" {
		cfg.Source.Type = SourceTypeStatic
	}
	cfg.Source.Kubernetes = cfg.Source.Kubernetes.WithDefaults()
	for i, t := range cfg.Source.Static.Targets {
		cfg.Source.Static.Targets[i] = t.WithDefaults()
	}

	if cfg.Scaler.Type == "" {
		cfg.Scaler.Type = cfg.Source.Type
	}
	if cfg.Scaler.InitialInstances == 0 {
		cfg.Scaler.InitialInstances = DefaultStaticInitialInstances
	}
	if cfg.Scaler.Kubernetes.GroupID == "" && len(cfg.Scaler.Kubernetes.Namespaces) == 0 {
		// share the discovery settings unless overridden
		cfg.Scaler.Kubernetes = cfg.Source.Kubernetes
	}
	cfg.Scaler.Kubernetes = cfg.Scaler.Kubernetes.WithDefaults()
	cfg.Scaler.CircuitBreaker = breakerDefaults(cfg.Scaler.CircuitBreaker)

	rmq := &cfg.Workloads.RabbitMQ
	rmq.Profiles = profileDefaults(rmq.Profiles)
	rmq.CircuitBreaker = breakerDefaults(rmq.CircuitBreaker)
	*rmq = fromRabbitConfig(*rmq, rmq.ClientConfig())

	php := &cfg.Workloads.PHPFPM
	if php.StatusPath == "" {
		php.StatusPath = fpm.DefaultStatusPath
	}
	if php.Timeout == 0 {
		php.Timeout = fpm.DefaultTimeout
	}
	php.Profiles = profileDefaults(php.Profiles)
	php.CircuitBreaker = breakerDefaults(php.CircuitBreaker)

	if cfg.Election.Type == "" {
		cfg.Election.Type = ElectionTypeNone
	}
	cfg.Election.Lock = cfg.Election.Lock.WithDefaults()

	cfg.Server = cfg.Server.WithDefaults()
	cfg.Storage = cfg.Storage.WithDefaults()
	cfg.Telemetry = cfg.Telemetry.WithDefaults()

	// alert thresholds follow the first resource limit stage
	cfg.Alerts = cfg.Alerts.WithDefaults()
	stageOne := a.ResourceLimits.Limits()
	if cfg.Alerts.MemoryUsedPercent == 0 {
		cfg.Alerts.MemoryUsedPercent = stageOne.MemoryUsedPercent[0]
	}
	if cfg.Alerts.DiskFreeMB == 0 {
		cfg.Alerts.DiskFreeMB = stageOne.DiskFreeMB[0]
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = LogFormatJSON
	}
	if cfg.Logging.OutputPath == "" {
		cfg.Logging.OutputPath = "stdout"
	}
}

func fromRabbitConfig(c RabbitMQConfig, r rabbit.Config) RabbitMQConfig {
	c.VHost = r.VHost
	c.Timeout = r.Timeout
	c.RequestsPerSecond = r.RequestsPerSecond
	c.Burst = r.Burst
	if c.StatsCacheTTL == 0 {
		c.StatsCacheTTL = rabbit.DefaultStatsCacheTTL
	}
	c.ResourceQueryInterval = r.ResourceQueryInterval
	return c
}

// profileDefaults guarantees a default profile exists
func profileDefaults(profiles map[string]types.WorkloadProfile) map[string]types.WorkloadProfile {
	if profiles == nil {
		profiles = make(map[string]types.WorkloadProfile)
	}
	if _, ok := profiles[DefaultProfileName]; !ok {
		profiles[DefaultProfileName] = types.WorkloadProfile{
			SampleWindow: DefaultSampleWindow,
			DrainGoal:    DefaultDrainGoal,
		}
	}
	return profiles
}

func breakerDefaults(c resilience.CircuitBreakerConfig) resilience.CircuitBreakerConfig {
	if !c.Enabled {
		return c
	}
	d := resilience.DefaultCircuitBreakerConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTimeout == 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxConcurrentRequests == 0 {
		c.MaxConcurrentRequests = d.MaxConcurrentRequests
	}
	return c
}

// ValidationError represents a structured validation error
type ValidationError struct {
	Field      string      // Configuration field path (e.g., "source.static.targets[0].id")
	Value      interface{} // Invalid value
	Message    string      // Human-readable error message
	Suggestion string      // Suggested fix
}

// ValidationResult contains the results of configuration validation
type ValidationResult struct {
	Valid    bool
	Errors   []ValidationError
	Warnings []ValidationError
}

// Error implements the error interface for ValidationResult
func (vr *ValidationResult) Error() string {
	if len(vr.Errors) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d error(s):\n", len(vr.Errors)))

	for i, err := range vr.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s", i+1, err.Field, err.Message))
		if err.Suggestion != "" {
			sb.WriteString(fmt.Sprintf(" (suggestion: %s)", err.Suggestion))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

func (vr *ValidationResult) addError(field string, value interface{}, message, suggestion string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: message, Suggestion: suggestion})
}

func (vr *ValidationResult) addWarning(field string, value interface{}, message, suggestion string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: message, Suggestion: suggestion})
}

// validate checks the configuration for required fields and consistency
func validate(cfg *Config) error {
	result := validateConfiguration(cfg)
	if !result.Valid {
		return result
	}
	return nil
}

// GetValidationResult returns detailed validation results for external use
func GetValidationResult(cfg *Config) *ValidationResult {
	return validateConfiguration(cfg)
}

func validateConfiguration(cfg *Config) *ValidationResult {
	result := &ValidationResult{Valid: true}

	validateAutoscalerConfig(&cfg.Autoscaler, result)
	validateWorkloadsConfig(&cfg.Workloads, result)
	validateSourceConfig(cfg, result)
	validateScalerConfig(&cfg.Scaler, result)
	validateElectionConfig(&cfg.Election, result)

	if err := cfg.Server.Validate(); err != nil {
		result.addError("server", nil, err.Error(), "check bind_address, tls and auth settings")
	}
	if err := cfg.Storage.Validate(); err != nil {
		result.addError("storage", cfg.Storage.Driver, err.Error(), "use driver sqlite3 or postgres with a dsn")
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		result.addError("telemetry", cfg.Telemetry.Exporter.Type, err.Error(), "use exporter type stdout or otlp")
	}
	validateResourceMonitoring(cfg, result)

	validateLoggingConfig(&cfg.Logging, result)

	result.Valid = len(result.Errors) == 0
	return result
}

func validateAutoscalerConfig(cfg *AutoscalerConfig, result *ValidationResult) {
	if err := cfg.SchedulerConfig().Validate(); err != nil {
		field := "autoscaler"
		var ve *autoscaler.ValidationError
		if errors.As(err, &ve) {
			field = "autoscaler." + ve.Field
		}
		result.addError(field, nil, err.Error(), "see configs/example.yaml for supported ranges")
	}
	if cfg.HealthCheckInterval < time.Second {
		result.addError("autoscaler.health_check_interval", cfg.HealthCheckInterval,
			"health check interval must be at least 1s", "use a value such as 30s")
	}
	if cfg.EventBuffer < 1 || cfg.EventBuffer > MaxEventBuffer {
		result.addError("autoscaler.event_buffer", cfg.EventBuffer,
			fmt.Sprintf("event buffer must be between 1 and %d", MaxEventBuffer), "")
	}
}

func validateResourceMonitoring(cfg *Config, result *ValidationResult) {
	limits := cfg.Autoscaler.ResourceLimits
	lists := []struct {
		field string
		n     int
	}{
		{"autoscaler.resource_limits.memory_used_percent", len(limits.MemoryUsedPercent)},
		{"autoscaler.resource_limits.disk_free_mb", len(limits.DiskFreeMB)},
		{"autoscaler.resource_limits.shutdown_priority", len(limits.ShutdownPriority)},
	}
	for _, l := range lists {
		if l.n != 3 {
			result.addError(l.field, l.n, "exactly three stage values are required", "list the stage one, two and three values")
		}
	}

	if err := cfg.Alerts.Validate(); err != nil {
		result.addError("alerts", nil, err.Error(), "check the alert thresholds and webhook url")
	}

	if (limits.Enabled || cfg.Alerts.Enabled) && !cfg.Workloads.RabbitMQ.Enabled {
		result.addWarning("autoscaler.resource_limits", nil,
			"resource limits and alerts read RabbitMQ node usage but the rabbitmq workload is disabled",
			"enable workloads.rabbitmq or disable resource_limits and alerts")
	}
}

func validateWorkloadsConfig(cfg *WorkloadsConfig, result *ValidationResult) {
	if !cfg.RabbitMQ.Enabled && !cfg.PHPFPM.Enabled {
		result.addError("workloads", nil, "no workload analyser enabled",
			"enable workloads.rabbitmq or workloads.phpfpm")
	}

	if cfg.RabbitMQ.Enabled {
		if err := cfg.RabbitMQ.ClientConfig().Validate(); err != nil {
			result.addError("workloads.rabbitmq", cfg.RabbitMQ.Endpoint, err.Error(),
				"set endpoint to the management API, e.g. http://rabbitmq:15672")
		}
		if cfg.RabbitMQ.Username == "" {
			result.addWarning("workloads.rabbitmq.username", "", "no management credentials configured", "")
		}
	}

	if cfg.PHPFPM.Enabled {
		validateProfiles("workloads.phpfpm.profiles", cfg.PHPFPM.Profiles, result)
		if !strings.HasPrefix(cfg.PHPFPM.StatusPath, "/") {
			result.addError("workloads.phpfpm.status_path", cfg.PHPFPM.StatusPath,
				"status path must start with /", "use the pm.status_path of the pool, e.g. /status")
		}
		if cfg.PHPFPM.Probe != "" {
			if _, _, _, err := fpm.ParseAddress(cfg.PHPFPM.Probe, cfg.PHPFPM.StatusPath); err != nil {
				result.addError("workloads.phpfpm.probe", cfg.PHPFPM.Probe, err.Error(),
					"use unix:///path.sock, tcp://host:port or http://host/status")
			}
		}
	}
}

func validateProfiles(field string, profiles map[string]types.WorkloadProfile, result *ValidationResult) {
	if _, ok := profiles[DefaultProfileName]; !ok {
		result.addError(field, nil, "profiles must define \"default\"", "add a default profile")
	}
	for name, p := range profiles {
		if err := p.Validate(); err != nil {
			result.addError(fmt.Sprintf("%s.%s", field, name), p, err.Error(), "sample_window and drain_goal must be at least 1")
		}
	}
}

func validateSourceConfig(cfg *Config, result *ValidationResult) {
	switch cfg.Source.Type {
	case SourceTypeStatic:
		validateStaticTargets(cfg, result)
	case SourceTypeKubernetes:
		if err := cfg.Source.Kubernetes.Validate(); err != nil {
			result.addError("source.kubernetes", nil, err.Error(), "set group_id, namespaces and maximum_instances")
		}
	default:
		result.addError("source.type", cfg.Source.Type, "unsupported source type", "use 'static' or 'kubernetes'")
	}
}

// validateStaticTargets applies the admission rules up front so a bad file
// fails at startup instead of being silently skipped on every refresh
func validateStaticTargets(cfg *Config, result *ValidationResult) {
	targets := cfg.Source.Static.Targets
	if len(targets) == 0 {
		result.addWarning("source.static.targets", nil, "no targets configured", "add targets to autoscale")
		return
	}

	metrics := enabledMetrics(cfg)
	seen := make(map[string]bool)
	for i, t := range targets {
		field := fmt.Sprintf("source.static.targets[%d]", i)
		if seen[t.ID] {
			result.addError(field+".id", t.ID, "duplicate target id", "target ids must be unique")
		}
		seen[t.ID] = true

		if !contains(metrics, t.WorkloadMetric) {
			result.addError(field+".workload_metric", t.WorkloadMetric, "no enabled workload serves this metric",
				fmt.Sprintf("use one of %v or enable the matching workload", metrics))
			continue
		}
		if err := autoscaler.ValidateTarget(t); err != nil {
			var ve *autoscaler.ValidationError
			if errors.As(err, &ve) {
				result.addError(field+"."+ve.Field, ve.Value, ve.Message, "")
				continue
			}
			result.addError(field, t.ID, err.Error(), "")
		}
	}
}

func enabledMetrics(cfg *Config) []string {
	var metrics []string
	if cfg.Workloads.RabbitMQ.Enabled {
		metrics = append(metrics, rabbit.MetricName)
	}
	if cfg.Workloads.PHPFPM.Enabled {
		metrics = append(metrics, fpm.MetricName)
	}
	return metrics
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

func validateScalerConfig(cfg *ScalerConfig, result *ValidationResult) {
	switch cfg.Type {
	case ScalerTypeStatic:
		if cfg.InitialInstances < 0 {
			result.addError("scaler.initial_instances", cfg.InitialInstances, "initial instances cannot be negative", "")
		}
	case ScalerTypeKubernetes:
		if err := cfg.Kubernetes.Validate(); err != nil {
			result.addError("scaler.kubernetes", nil, err.Error(), "set group_id, namespaces and maximum_instances")
		}
	default:
		result.addError("scaler.type", cfg.Type, "unsupported scaler type", "use 'static' or 'kubernetes'")
	}
}

func validateElectionConfig(cfg *ElectionConfig, result *ValidationResult) {
	switch cfg.Type {
	case ElectionTypeNone:
	case ElectionTypeRedis:
		if cfg.Redis.Address == "" {
			result.addError("election.redis.address", "", "redis address is required", "e.g. redis:6379")
		}
		if err := cfg.Lock.Validate(); err != nil {
			result.addError("election.lock", nil, err.Error(), "renew_interval should be about a third of ttl")
		}
	default:
		result.addError("election.type", cfg.Type, "unsupported election type", "use 'none' or 'redis'")
	}
}

func validateLoggingConfig(cfg *LoggingConfig, result *ValidationResult) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[strings.ToLower(cfg.Level)] {
		result.addError("logging.level", cfg.Level, "invalid log level", "use 'debug', 'info', 'warn', or 'error'")
	}

	switch strings.ToLower(cfg.Format) {
	case LogFormatJSON, LogFormatConsole:
	default:
		result.addError("logging.format", cfg.Format, "invalid log format", "use 'json' or 'console'")
	}
}

// ensureConfigDirectories creates parent directories for file outputs
func ensureConfigDirectories(cfg *Config) error {
	var paths []string

	if cfg.Storage.Enabled && cfg.Storage.Driver == storage.DriverSQLite &&
		!strings.Contains(cfg.Storage.DSN, ":memory:") {
		paths = append(paths, strings.TrimPrefix(cfg.Storage.DSN, "file:"))
	}
	if cfg.Logging.OutputPath != "stdout" && cfg.Logging.OutputPath != "stderr" {
		paths = append(paths, cfg.Logging.OutputPath)
	}

	for _, path := range paths {
		if i := strings.Index(path, "?"); i >= 0 {
			path = path[:i]
		}
		dir := filepath.Dir(path)
		if dir != "." && dir != "/" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("creating directory %s for path %s: %w", dir, path, err)
			}
		}
	}

	return nil
}
