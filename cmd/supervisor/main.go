// Command supervisor runs the process-supervisor server: it accepts
// worker connections on a Unix-domain socket and drives the registered
// monitors, per spec.md sections 4.5 and 6.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/socketry/async-container-supervisor/internal/config"
	"github.com/socketry/async-container-supervisor/internal/errreport"
	"github.com/socketry/async-container-supervisor/internal/monitor"
	"github.com/socketry/async-container-supervisor/internal/obslog"
	"github.com/socketry/async-container-supervisor/internal/supervisor"
	"github.com/socketry/async-container-supervisor/internal/supervisor/listeners"
)

func main() {
	cfg := config.DefaultSupervisor()

	socketPath := flag.String("socket", cfg.SocketPath, "unix socket path")
	readinessPath := flag.String("readiness-file", cfg.ReadinessFilePath, "path to write the readiness file once listening")
	listenLocalhost := flag.Bool("listen-localhost", cfg.ListenOnLocalhost, "also listen on a loopback TCP port")
	debug := flag.Bool("debug", false, "debug logging")
	sentryDSN := flag.String("sentry-dsn", "", "Sentry DSN for error reporting (empty disables reporting)")
	memoryInterval := flag.Duration("memory-check-interval", cfg.MemoryCheckInterval, "MemoryMonitor poll interval")
	memoryLimitMB := flag.Float64("memory-rss-limit-mb", cfg.MemoryRSSLimitMB, "default per-process RSS limit in MB (0 disables memory enforcement)")
	memorySampleDuration := flag.Duration("memory-sample-duration", cfg.MemorySampleDuration, "if positive, sample memory for this long on every connection bound to an offending pid before signaling it (0 disables the pre-kill sample)")
	memorySampleTimeout := flag.Duration("memory-sample-timeout", cfg.MemorySampleTimeout, "timeout for the pre-kill memory_sample call")
	healthInterval := flag.Duration("health-check-interval", cfg.HealthCheckInterval, "HealthMonitor poll interval")

	flag.Parse()

	logger := obslog.New(os.Stderr, *debug)
	slog.SetDefault(logger)

	errs := errreport.New(errreport.Params{DSN: *sentryDSN})
	defer errs.Flush(2 * time.Second)
	defer sentry.Flush(2 * time.Second)

	sampleCfg := config.Supervisor{MemorySampleDuration: *memorySampleDuration, MemorySampleTimeout: *memorySampleTimeout}

	cluster := monitor.NewGopsutilCluster(*memoryLimitMB)
	memoryMonitor := monitor.NewMemoryMonitor(*memoryInterval, cluster, sampleCfg.MemorySampleOptions())
	healthMonitor := monitor.NewHealthMonitor(*healthInterval)

	srv := supervisor.New(logger, errs, memoryMonitor, healthMonitor)

	listenerCfg := listeners.Config{SocketPath: *socketPath, ListenOnLocalhost: *listenLocalhost}
	lns, info, err := listenerCfg.Listen()
	if err != nil {
		logger.Error("supervisor: failed to open listener", "error", err)
		os.Exit(1)
	}

	if *readinessPath != "" {
		if err := info.WriteReadinessFile(*readinessPath); err != nil {
			logger.Error("supervisor: failed to write readiness file", "error", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("supervisor: listening", "socket_path", info.SocketPath, "localhost_port", info.LocalhostPort)

	if err := srv.Run(ctx, lns); err != nil {
		logger.Error("supervisor: exited with error", "error", err)
		os.Exit(1)
	}
}
