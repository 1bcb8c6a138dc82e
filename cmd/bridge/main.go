package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"okuma-bridge/internal/bridge"
	"okuma-bridge/internal/config"
	"okuma-bridge/internal/logging"
	"okuma-bridge/internal/ospapi"
)

func main() {
	var (
		statusPort = flag.Int("status-port", 8080, "HTTP status/metrics port (0 disables)")
		workers    = flag.Int("workers", 8, "Dispatcher worker pool size")
		logDir     = flag.String("log-dir", "logs", "Daily log file directory")
	)
	flag.Parse()

	// Bootstrap logging before the .env is loaded so load failures are
	// visible; the detailed-logging flag re-levels afterwards.
	logger, level, err := logging.New(logging.Config{Dir: *logDir})
	if err != nil {
		panic("failed to set up logging: " + err.Error())
	}
	defer logger.Sync()

	config.LoadEnvFile(logger)
	cfg := config.FromEnv()
	if cfg.OPCUA.DetailedLogging {
		level.SetLevel(zap.DebugLevel)
	}

	exeDir := "."
	if exe, err := os.Executable(); err == nil {
		exeDir = filepath.Dir(exe)
	}

	b, err := bridge.New(cfg, bridge.Options{
		StatusPort: *statusPort,
		Workers:    *workers,
		DumpDir:    exeDir,
	}, dialer(logger), logger)
	if err != nil {
		logger.Fatal("bridge construction failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := b.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("bridge exited", zap.Error(err))
	}
}

// dialer resolves the native OSPAPI binding. It always returns the
// in-memory simulator; the vendor COM automation client is not part of this
// repository and plugs in through the same ospapi.Dialer seam.
func dialer(logger *zap.Logger) ospapi.Dialer {
	logger.Info("ospapi: using simulator dialer; link the vendor binding for production controllers")
	return &ospapi.SimulatorDialer{}
}
