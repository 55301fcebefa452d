package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/cboxdk/queue-autoscaler/internal/app"
	"github.com/cboxdk/queue-autoscaler/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	Version = "1.0.0-dev"
)

// CLI represents the command line interface
type CLI struct {
	args []string
}

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Usage       string
	Run         func(args []string) error
}

func (cli *CLI) commands() map[string]*Command {
	return map[string]*Command{
		"run":            {Name: "run", Description: "Start the autoscaler", Usage: "run [--config path] [--log-level level]", Run: cli.runCommand},
		"validate":       {Name: "validate", Description: "Validate configuration file", Usage: "validate [--config path] [--verbose]", Run: cli.validateCommand},
		"version":        {Name: "version", Description: "Show version information", Usage: "version", Run: cli.versionCommand},
		"help":           {Name: "help", Description: "Show help information", Usage: "help [command]", Run: cli.helpCommand},
		"example-config": {Name: "example-config", Description: "Generate example configuration file", Usage: "example-config [--output path]", Run: cli.exampleConfigCommand},
	}
}

func main() {
	cli := &CLI{args: os.Args[1:]}
	commands := cli.commands()

	if len(cli.args) == 0 {
		cli.printUsage(commands)
		os.Exit(1)
	}

	commandName := cli.args[0]

	if commandName == "--help" || commandName == "-h" {
		cli.printUsage(commands)
		return
	}

	// Flags without a command run the autoscaler
	if _, exists := commands[commandName]; !exists {
		if strings.HasPrefix(commandName, "--") {
			commandName = "run"
		} else {
			fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n\n", commandName)
			cli.printUsage(commands)
			os.Exit(1)
		}
	} else {
		cli.args = cli.args[1:]
	}

	cmd := commands[commandName]
	if err := cmd.Run(cli.args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (cli *CLI) printUsage(commands map[string]*Command) {
	fmt.Printf("Queue Autoscaler v%s\n", Version)
	fmt.Println("Scales worker services from the backlog of the queue they consume.")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Printf("  %s <command> [options]\n", os.Args[0])
	fmt.Println()
	fmt.Println("COMMANDS:")

	commandOrder := []string{"run", "validate", "example-config", "version", "help"}
	for _, name := range commandOrder {
		if cmd, exists := commands[name]; exists {
			fmt.Printf("  %-15s %s\n", cmd.Name, cmd.Description)
		}
	}

	fmt.Println()
	fmt.Println("GLOBAL OPTIONS:")
	fmt.Println("  --help, -h       Show help information")
	fmt.Println()
	fmt.Println("Use \"queue-autoscaler help <command>\" for more information about a command.")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Printf("  %s run --config /etc/queue-autoscaler/config.yaml\n", os.Args[0])
	fmt.Printf("  %s validate --config ./config.yaml\n", os.Args[0])
	fmt.Printf("  %s example-config --output ./queue-autoscaler.yaml\n", os.Args[0])
}

func (cli *CLI) parseFlags(args []string, flags map[string]*string) []string {
	var remaining []string

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if strings.HasPrefix(arg, "--") {
			flagName := strings.TrimPrefix(arg, "--")

			// --flag=value
			if strings.Contains(flagName, "=") {
				parts := strings.SplitN(flagName, "=", 2)
				if flagVar, exists := flags[parts[0]]; exists {
					*flagVar = parts[1]
					continue
				}
			}

			// --flag value
			if flagVar, exists := flags[flagName]; exists {
				if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
					*flagVar = args[i+1]
					i++
				} else {
					*flagVar = "true"
				}
				continue
			}
		}

		remaining = append(remaining, arg)
	}

	return remaining
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// loadConfig loads path, or the zero-config defaults when path is empty
func (cli *CLI) loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadDefault()
	}
	if err := cli.validateConfigPath(path); err != nil {
		return nil, err
	}
	return config.Load(path)
}

func (cli *CLI) runCommand(args []string) error {
	var configPath string
	var logLevel string

	flags := map[string]*string{
		"config":    &configPath,
		"log-level": &logLevel,
	}

	if hasHelpFlag(cli.parseFlags(args, flags)) {
		cli.printRunHelp()
		return nil
	}

	cfg, err := cli.loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	logger, err := cli.createLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	if configPath == "" {
		logger.Info("Running in zero-config mode with a static source and no targets")
	} else {
		logger.Info("Configuration loaded", zap.String("path", configPath))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager, err := app.NewManager(ctx, cfg, logger, app.WithVersion(Version))
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR2)
	defer signal.Stop(sigChan)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigChan:
				logger.Info("Received signal", zap.String("signal", sig.String()))

				if sig == syscall.SIGUSR2 {
					mode := manager.TogglePause()
					logger.Info("Manual override toggled", zap.String("mode", mode))
					continue
				}

				logger.Info("Shutting down gracefully")
				cancel()
				return
			}
		}
	}()

	logger.Info("Starting queue autoscaler",
		zap.String("version", Version),
		zap.String("source", cfg.Source.Type),
		zap.String("scaler", cfg.Scaler.Type),
		zap.String("election", cfg.Election.Type),
		zap.Duration("refresh_interval", cfg.Autoscaler.RefreshInterval),
		zap.String("server_address", cfg.Server.BindAddress))

	if err := manager.Run(ctx); err != nil {
		logger.Error("Autoscaler stopped with error", zap.Error(err))
		return fmt.Errorf("autoscaler stopped with error: %w", err)
	}

	logger.Info("Queue autoscaler stopped")
	return nil
}

func (cli *CLI) validateCommand(args []string) error {
	var configPath string
	var verboseFlag string

	flags := map[string]*string{
		"config":  &configPath,
		"verbose": &verboseFlag,
	}

	if hasHelpFlag(cli.parseFlags(args, flags)) {
		cli.printValidateHelp()
		return nil
	}
	verbose := verboseFlag == "true"

	var cfg *config.Config
	var err error
	if configPath == "" {
		fmt.Println("🔍 Validating zero-config mode defaults")
		cfg, err = config.LoadDefault()
	} else {
		if err := cli.validateConfigPath(configPath); err != nil {
			return err
		}
		fmt.Printf("🔍 Validating configuration file: %s\n", configPath)
		// Parse without validating so every problem is listed below
		cfg, err = config.Parse(configPath)
	}
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	result := config.GetValidationResult(cfg)
	cli.printValidationResults(result, verbose)

	if !result.Valid {
		fmt.Printf("\n❌ Configuration validation failed with %d error(s)\n", len(result.Errors))
		return fmt.Errorf("configuration validation failed")
	}

	if len(result.Warnings) > 0 {
		fmt.Printf("\n⚠️  Found %d warning(s) - configuration is valid but could be improved\n", len(result.Warnings))
	}

	cli.printConfigurationSummary(cfg)

	fmt.Println("\n✅ Configuration validation completed successfully!")
	return nil
}

// printValidationResults prints detailed validation results
func (cli *CLI) printValidationResults(result *config.ValidationResult, verbose bool) {
	if len(result.Errors) == 0 && len(result.Warnings) == 0 {
		fmt.Println("✅ Configuration passes all validation checks")
		return
	}

	if len(result.Errors) > 0 {
		fmt.Printf("\n❌ VALIDATION ERRORS (%d):\n", len(result.Errors))
		for i, err := range result.Errors {
			fmt.Printf("  %d. Field: %s\n", i+1, err.Field)
			fmt.Printf("     Error: %s\n", err.Message)
			if err.Suggestion != "" {
				fmt.Printf("     Fix: %s\n", err.Suggestion)
			}
			if verbose && err.Value != nil {
				fmt.Printf("     Current value: %v\n", err.Value)
			}
			fmt.Println()
		}
	}

	if len(result.Warnings) > 0 {
		fmt.Printf("\n⚠️  VALIDATION WARNINGS (%d):\n", len(result.Warnings))
		for i, warning := range result.Warnings {
			fmt.Printf("  %d. Field: %s\n", i+1, warning.Field)
			fmt.Printf("     Warning: %s\n", warning.Message)
			if warning.Suggestion != "" {
				fmt.Printf("     Suggestion: %s\n", warning.Suggestion)
			}
			if verbose && warning.Value != nil {
				fmt.Printf("     Current value: %v\n", warning.Value)
			}
			fmt.Println()
		}
	}
}

func enabled(b bool) string {
	if b {
		return "✅ Enabled"
	}
	return "⚠️  Disabled"
}

// printConfigurationSummary prints a summary of valid configuration
func (cli *CLI) printConfigurationSummary(cfg *config.Config) {
	fmt.Println("\n📋 CONFIGURATION SUMMARY:")

	a := cfg.Autoscaler
	fmt.Printf("⚖️  Autoscaler:\n")
	fmt.Printf("   Refresh Interval: %s\n", a.RefreshInterval)
	fmt.Printf("   Worker Pool: %d\n", a.WorkerPoolSize)
	fmt.Printf("   Initial Delay: %s (stagger %s)\n", a.InitialDelay, a.StaggerDelay)
	fmt.Printf("   First Run Bounds Correction: %s\n", enabled(a.SchedulerConfig().EnforceBoundsOnFirstRun))

	fmt.Printf("\n🔎 Source: %s\n", cfg.Source.Type)
	switch cfg.Source.Type {
	case config.SourceTypeStatic:
		fmt.Printf("   Targets (%d configured):\n", len(cfg.Source.Static.Targets))
		for _, t := range cfg.Source.Static.Targets {
			fmt.Printf("      📦 %s: %s %s every %ds, %d-%d instances\n",
				t.ID, t.WorkloadMetric, t.ScalingTargetRef, t.Interval, t.MinInstances, t.MaxInstances)
		}
	case config.SourceTypeKubernetes:
		fmt.Printf("   Group: %s\n", cfg.Source.Kubernetes.GroupID)
		fmt.Printf("   Namespaces: %s\n", strings.Join(cfg.Source.Kubernetes.Namespaces, ", "))
	}
	fmt.Printf("\n🔧 Scaler: %s (circuit breaker %s)\n", cfg.Scaler.Type, enabled(cfg.Scaler.CircuitBreaker.Enabled))

	fmt.Printf("\n📬 Workloads:\n")
	fmt.Printf("   RabbitMQ: %s", enabled(cfg.Workloads.RabbitMQ.Enabled))
	if cfg.Workloads.RabbitMQ.Enabled {
		fmt.Printf(" (%s, vhost %s)", cfg.Workloads.RabbitMQ.Endpoint, cfg.Workloads.RabbitMQ.VHost)
	}
	fmt.Println()
	fmt.Printf("   PHP-FPM: %s\n", enabled(cfg.Workloads.PHPFPM.Enabled))

	fmt.Printf("\n🗳️  Election: %s\n", cfg.Election.Type)

	fmt.Printf("\n🌐 Server:\n")
	fmt.Printf("   Bind Address: %s\n", cfg.Server.BindAddress)
	fmt.Printf("   Metrics Path: %s\n", cfg.Server.MetricsPath)
	fmt.Printf("   TLS: %s\n", enabled(cfg.Server.TLS.Enabled))
	fmt.Printf("   Authentication: %s\n", enabled(cfg.Server.Auth.Enabled))
	fmt.Printf("   Status API: %s\n", enabled(cfg.Server.API.Enabled))

	fmt.Printf("\n💾 Event Storage: %s\n", enabled(cfg.Storage.Enabled))
	if cfg.Storage.Enabled {
		fmt.Printf("   Driver: %s\n", cfg.Storage.Driver)
		fmt.Printf("   Retention: %s\n", cfg.Storage.Retention)
	}

	if cfg.Telemetry.Enabled {
		fmt.Printf("\n🔭 Telemetry: ✅ Enabled (%s exporter)\n", cfg.Telemetry.Exporter.Type)
		fmt.Printf("   Service: %s (%s)\n", cfg.Telemetry.ServiceName, cfg.Telemetry.Environment)
		fmt.Printf("   Sampling Rate: %.1f%%\n", cfg.Telemetry.Sampling.Rate*100)
	} else {
		fmt.Printf("\n🔭 Telemetry: ⚠️  Disabled\n")
	}
}

func (cli *CLI) versionCommand(args []string) error {
	fmt.Printf("Queue Autoscaler version %s\n", Version)
	fmt.Println("Built with Go")
	fmt.Println("https://github.com/cboxdk/queue-autoscaler")
	return nil
}

func (cli *CLI) helpCommand(args []string) error {
	if len(args) == 0 {
		cli.printUsage(cli.commands())
		return nil
	}

	switch args[0] {
	case "run":
		cli.printRunHelp()
	case "validate":
		cli.printValidateHelp()
	case "example-config":
		cli.printExampleConfigHelp()
	case "version":
		fmt.Println("USAGE: queue-autoscaler version")
		fmt.Println("Show version information and build details.")
	default:
		fmt.Printf("Unknown command: %s\n\n", args[0])
		cli.printUsage(cli.commands())
	}

	return nil
}

func (cli *CLI) exampleConfigCommand(args []string) error {
	var outputPath = "queue-autoscaler.yaml"

	flags := map[string]*string{
		"output": &outputPath,
	}

	if hasHelpFlag(cli.parseFlags(args, flags)) {
		cli.printExampleConfigHelp()
		return nil
	}

	if _, err := os.Stat(outputPath); err == nil {
		return fmt.Errorf("file already exists: %s (use a different path or remove the existing file)", outputPath)
	}

	sourceConfig := filepath.FromSlash(config.DefaultConfigPath)
	data, err := os.ReadFile(sourceConfig)
	if err != nil {
		return fmt.Errorf("failed to read example config: %w", err)
	}

	if err := os.WriteFile(outputPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Example configuration written to: %s\n", outputPath)
	fmt.Println("Edit the file to match your environment and use:")
	fmt.Printf("  queue-autoscaler validate --config %s\n", outputPath)
	return nil
}

func (cli *CLI) validateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path cannot be empty")
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("config file does not exist: %s", path)
	}

	return nil
}

// createLogger builds the root logger from the logging section
func (cli *CLI) createLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info", "":
		zapLevel = zapcore.InfoLevel
	case "warn", "warning":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		return nil, fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", cfg.Level)
	}

	var zapConfig zap.Config
	if strings.ToLower(cfg.Format) == config.LogFormatConsole {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(zapLevel)
	if cfg.OutputPath != "" {
		zapConfig.OutputPaths = []string{cfg.OutputPath}
	}
	return zapConfig.Build()
}

func (cli *CLI) printRunHelp() {
	fmt.Println("USAGE: queue-autoscaler run [options]")
	fmt.Println("Start the autoscaler: discover targets, analyse their backlog and scale them.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  --config path          Configuration file path (default: zero-config mode)")
	fmt.Println("  --log-level level      Log level: debug, info, warn, error (overrides logging.level)")
	fmt.Println("  --help, -h             Show this help message")
	fmt.Println()
	fmt.Println("SIGNALS:")
	fmt.Println("  SIGINT/SIGTERM    Graceful shutdown")
	fmt.Println("  SIGUSR2           Toggle between active and standby")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  queue-autoscaler run")
	fmt.Println("  queue-autoscaler run --config /etc/queue-autoscaler/config.yaml")
	fmt.Println("  queue-autoscaler run --log-level debug")
}

func (cli *CLI) printValidateHelp() {
	fmt.Println("USAGE: queue-autoscaler validate [options]")
	fmt.Println("Validate configuration file without starting the service.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  --config path  Configuration file path (default: zero-config mode)")
	fmt.Println("  --verbose      Show detailed validation output including current values")
	fmt.Println("  --help, -h     Show this help message")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  queue-autoscaler validate")
	fmt.Println("  queue-autoscaler validate --config ./config.yaml")
	fmt.Println("  queue-autoscaler validate --config ./config.yaml --verbose")
}

func (cli *CLI) printExampleConfigHelp() {
	fmt.Println("USAGE: queue-autoscaler example-config [options]")
	fmt.Println("Generate an example configuration file.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  --output path  Output file path (default: queue-autoscaler.yaml)")
	fmt.Println("  --help, -h     Show this help message")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  queue-autoscaler example-config")
	fmt.Println("  queue-autoscaler example-config --output /etc/queue-autoscaler/config.yaml")
}
