// Package errreport wraps Sentry error capture for the supervisor.
//
// It exists to implement the error-handling design's hard rule that a
// handler or monitor exception is logged and reported but NEVER allowed
// to propagate past its boundary: a dispatch handler's panic becomes a
// "fail" response (internal/rpc), and a monitor's panic is logged and
// swallowed (internal/supervisor). Reporting is best-effort and rate
// limited so a tight failure loop cannot flood Sentry.
package errreport

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/socketry/async-container-supervisor/internal/obslog"
)

// Client reports exceptions to Sentry, or silently does nothing if no DSN
// was configured (the common case for local/offline use).
type Client struct {
	enabled     bool
	rateLimiter *obslog.CaptureRateLimiter
}

type Params struct {
	// DSN is the Sentry project DSN. Empty disables reporting entirely.
	DSN     string
	Release string
}

const (
	rateLimiterCacheSize = 128
	rateLimiterWindow    = 5 * time.Minute
)

// New initializes the Sentry SDK (if a DSN is given) and returns a
// Client. Failure to initialize Sentry is logged but never fatal: the
// supervisor must keep running whether or not error reporting works.
func New(params Params) *Client {
	rl, err := obslog.NewCaptureRateLimiter(rateLimiterCacheSize, rateLimiterWindow)
	if err != nil {
		slog.Error("errreport: failed to create rate limiter", "error", err)
	}

	c := &Client{rateLimiter: rl}

	if params.DSN == "" {
		return c
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:     params.DSN,
		Release: params.Release,
	}); err != nil {
		slog.Error("errreport: failed to initialize sentry", "error", err)
		return c
	}

	c.enabled = true
	return c
}

// CaptureException reports err with the given tags. Safe to call on a
// nil *Client.
func (c *Client) CaptureException(err error, tags map[string]string) {
	if c == nil || !c.enabled || err == nil {
		return
	}
	if c.rateLimiter != nil && !c.rateLimiter.Allow(err.Error()) {
		return
	}

	hub := sentry.CurrentHub().Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
	})
	hub.CaptureException(err)
}

// CaptureMessage reports a non-error message, e.g. a monitor warning.
func (c *Client) CaptureMessage(msg string, tags map[string]string) {
	if c == nil || !c.enabled {
		return
	}
	if c.rateLimiter != nil && !c.rateLimiter.Allow(msg) {
		return
	}

	hub := sentry.CurrentHub().Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
	})
	hub.CaptureMessage(msg)
}

// Flush blocks until pending events are sent or timeout elapses.
func (c *Client) Flush(timeout time.Duration) {
	if c == nil || !c.enabled {
		return
	}
	sentry.CurrentHub().Flush(timeout)
}

// Recover turns a recovered panic value into an error suitable for
// CaptureException / a fail() response.
func Recover(recovered any) error {
	if recovered == nil {
		return nil
	}
	if err, ok := recovered.(error); ok {
		return err
	}
	return fmt.Errorf("%v", recovered)
}
