package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	Op              string
	Key             string
	Value           string
	Interval        time.Duration
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("KEYMESH_CONFIG", ""),
		"Path to configuration file, empty for defaults (env: KEYMESH_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("KEYMESH_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: KEYMESH_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("KEYMESH_LOG_FORMAT", "text"),
		"Log format: json, text (env: KEYMESH_LOG_FORMAT)")

	flag.StringVar(&cfg.Op, "op", "sub",
		"Operation: pub, sub, get, live")

	flag.StringVar(&cfg.Key, "key", "demo/**",
		"Key expression the operation acts on")

	flag.StringVar(&cfg.Value, "value", "hello",
		"Payload for pub")

	flag.DurationVar(&cfg.Interval, "interval",
		getEnvDuration("KEYMESH_INTERVAL", time.Second),
		"Publish interval for pub (env: KEYMESH_INTERVAL)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("KEYMESH_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: KEYMESH_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = func() {
		printDetailedHelp()
	}

	flag.Parse()
	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	validFormats := []string{"json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	validOps := []string{"pub", "sub", "get", "live"}
	if !contains(validOps, cfg.Op) {
		return fmt.Errorf("invalid operation: %s", cfg.Op)
	}

	if cfg.Key == "" {
		return fmt.Errorf("key expression cannot be empty")
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - Key/Value Mesh Messaging

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Subscribe to a wildcard key over a NATS mesh
  KEYMESH_MODE=nats %s --op=sub --key='sensor/**'

  # Publish a value every 500ms
  %s --op=pub --key=sensor/temp --value=21.5 --interval=500ms

  # Query matching queryables and print the replies
  %s --op=get --key='sensor/**?_time=now'

  # Watch liveliness tokens
  %s --op=live --key='**'

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Utility function to check if slice contains string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
