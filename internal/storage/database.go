// Package storage persists the autoscaler event history in SQLite or
// PostgreSQL.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/cboxdk/queue-autoscaler/internal/types"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"

	DefaultDSN             = "data/autoscaler.db"
	DefaultRetention       = 7 * 24 * time.Hour
	DefaultCleanupInterval = time.Hour
	DefaultMaxOpenConns    = 10

	pingTimeout = 5 * time.Second
)

// Config configures the event database
type Config struct {
	Enabled         bool          `yaml:"enabled"`
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	Retention       time.Duration `yaml:"retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
}

// WithDefaults fills unset fields
func (c Config) WithDefaults() Config {
	if c.Driver == "" {
		c.Driver = DriverSQLite
	}
	if c.DSN == "" && c.Driver == DriverSQLite {
		c.DSN = DefaultDSN
	}
	if c.Retention == 0 {
		c.Retention = DefaultRetention
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = DefaultMaxOpenConns
	}
	return c
}

// Validate checks an enabled configuration
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported storage driver: %s", c.Driver)
	}
	if c.DSN == "" {
		return fmt.Errorf("storage dsn is required")
	}
	if c.Retention < time.Minute {
		return fmt.Errorf("retention must be at least 1m, got %v", c.Retention)
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup_interval must be positive")
	}
	if c.MaxOpenConns < 1 {
		return fmt.Errorf("max_open_conns must be at least 1")
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		occurred_at BIGINT NOT NULL,
		target TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL,
		details TEXT NOT NULL,
		correlation_id TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_occurred_at ON events(occurred_at)`,
	`CREATE INDEX IF NOT EXISTS idx_events_target ON events(target)`,
	`CREATE INDEX IF NOT EXISTS idx_events_type ON events(type)`,
	`CREATE INDEX IF NOT EXISTS idx_events_time_target_type ON events(occurred_at, target, type)`,
}

// Database owns the connection pool and the retention loop
type Database struct {
	config Config
	db     *sqlx.DB
	events *EventStore
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Open connects to the configured database and creates the schema
func Open(cfg Config, logger *zap.Logger) (*Database, error) {
	return OpenWithClock(cfg, clock.NewClock(), logger)
}

// OpenWithClock is Open with an injectable clock for the retention loop
func OpenWithClock(cfg Config, clk clock.Clock, logger *zap.Logger) (*Database, error) {
	cfg = cfg.WithDefaults()

	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if isMemoryDSN(cfg.DSN) {
		// every connection to :memory: is a separate database
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	if !isMemoryDSN(cfg.DSN) {
		db.SetConnMaxLifetime(2 * time.Hour)
		db.SetConnMaxIdleTime(30 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	d := &Database{
		config: cfg,
		db:     db,
		clock:  clk,
		logger: logger,
	}
	d.events = NewEventStore(db, clk, logger.Named("events"))

	if err := d.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("Event database opened",
		zap.String("driver", cfg.Driver),
		zap.Int("max_open_conns", maxOpen),
		zap.Duration("retention", cfg.Retention))

	return d, nil
}

func buildDSN(cfg Config) (string, error) {
	if cfg.Driver != DriverSQLite || isMemoryDSN(cfg.DSN) || strings.Contains(cfg.DSN, "?") {
		return cfg.DSN, nil
	}

	path := strings.TrimPrefix(cfg.DSN, "file:")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create database directory: %w", err)
	}
	return fmt.Sprintf("%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=10000&_synchronous=NORMAL&_temp_store=MEMORY", cfg.DSN), nil
}

func isMemoryDSN(dsn string) bool {
	return strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

func (d *Database) initSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	d.logger.Debug("Database schema initialized")
	return nil
}

// Events returns the event store backed by this database
func (d *Database) Events() *EventStore {
	return d.events
}

// DB returns the underlying connection pool
func (d *Database) DB() *sqlx.DB {
	return d.db
}

// Start runs the retention loop until Stop or ctx is done
func (d *Database) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("storage is already running")
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	d.running = true

	go d.cleanupLoop(ctx, d.done)
	return nil
}

func (d *Database) cleanupLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := d.clock.NewTicker(d.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if _, err := d.events.CleanupOldEvents(ctx, d.config.Retention); err != nil {
				d.logger.Error("Event cleanup failed", zap.Error(err))
			}
		}
	}
}

// Stop ends the retention loop and closes the pool
func (d *Database) Stop(ctx context.Context) error {
	d.mu.Lock()
	running := d.running
	d.running = false
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	if running {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			d.logger.Warn("Timed out waiting for event cleanup to stop")
		}
	}

	return d.db.Close()
}

// HealthCheck pings the database
func (d *Database) HealthCheck(ctx context.Context) types.HealthResult {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := d.db.PingContext(ctx); err != nil {
		return types.Unhealthy(fmt.Sprintf("event database unreachable: %v", err))
	}

	stats := d.db.Stats()
	return types.Healthy(fmt.Sprintf("%s: %d open connections", d.config.Driver, stats.OpenConnections))
}
