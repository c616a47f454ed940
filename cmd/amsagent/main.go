// AMS Agent - device state reporting over MQTT
//
// The agent keeps a mutual-TLS MQTT session to the fleet broker open,
// reports wireless, bluetooth and screen brightness state, and applies
// brightness commands sent to the device.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/ams-agent/internal/infrastructure/config"
	"github.com/nerrad567/ams-agent/internal/infrastructure/logging"
	"github.com/nerrad567/ams-agent/internal/service"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// shutdownTimeout bounds the offline announcement, disconnect and
// goroutine drain.
const shutdownTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting AMS agent",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"device_id", cfg.Device.ID,
	)

	svc, err := service.New(cfg, log, version)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("starting agent: %w", err)
	}
	defer func() {
		log.Info("stopping agent")
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if stopErr := svc.Stop(stopCtx); stopErr != nil {
			log.Error("error stopping agent", "error", stopErr)
		}
	}()

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns the configuration file path.
//
// Priority:
//  1. AMS_CONFIG environment variable
//  2. Default path (configs/config.yaml)
func getConfigPath() string {
	if path := os.Getenv("AMS_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
