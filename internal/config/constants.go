package config

import "time"

// Application constants for configuration and resource management
const (
	DefaultConfigPath = "configs/example.yaml"

	// Health and events
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultEventBuffer         = 256
	MaxEventBuffer             = 65536

	// Workload profile defaults, matching the queue drain expectations of a
	// typical worker fleet
	DefaultSampleWindow = 10
	DefaultDrainGoal    = 300

	DefaultProfileName = "default"

	// Static scaler
	DefaultStaticInitialInstances = 1
)

// Source types
const (
	SourceTypeStatic     = "static"
	SourceTypeKubernetes = "kubernetes"
)

// Scaler types
const (
	ScalerTypeStatic     = "static"
	ScalerTypeKubernetes = "kubernetes"
)

// Election types
const (
	ElectionTypeNone  = "none"
	ElectionTypeRedis = "redis"
)

// Logging
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)
