// Command worker runs a client process that dials the supervisor's
// socket, registers its pid, and stays connected so the supervisor can
// forward diagnostic calls to it (spec.md sections 4.6, 6).
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/socketry/async-container-supervisor/internal/config"
	"github.com/socketry/async-container-supervisor/internal/errreport"
	"github.com/socketry/async-container-supervisor/internal/obslog"
	"github.com/socketry/async-container-supervisor/internal/worker"
)

func main() {
	cfg := config.DefaultWorker()

	socketPath := flag.String("socket", cfg.SocketPath, "unix socket path of the supervisor")
	pid := flag.Int("pid", os.Getpid(), "process id to report in the register state")
	debug := flag.Bool("debug", false, "debug logging")
	sentryDSN := flag.String("sentry-dsn", "", "Sentry DSN for error reporting (empty disables reporting)")

	flag.Parse()

	logger := obslog.New(os.Stderr, *debug)
	slog.SetDefault(logger)

	errs := errreport.New(errreport.Params{DSN: *sentryDSN})
	defer errs.Flush(2 * time.Second)
	defer sentry.Flush(2 * time.Second)

	dial := func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", *socketPath)
	}

	state := map[string]any{"process_id": *pid}

	client := worker.New(dial, logger, errs, state)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The reconnect loop is a transient task (spec.md 5): Run is given
	// context.Background(), so it does not watch the signal context and
	// only stops via explicit Close. This goroutine makes that explicit
	// Close once SIGINT or SIGTERM arrives.
	go func() {
		<-ctx.Done()
		client.Close()
	}()

	client.Run(context.Background())
}
