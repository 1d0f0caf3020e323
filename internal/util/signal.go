// Package util holds small process-level helpers shared by the relay and
// agent commands.
package util

import (
	"context"
	"os/signal"
	"syscall"
)

// WithSignalContext returns a context cancelled on SIGINT or SIGTERM. Both
// commands run under it: cancellation drains the relay's listeners and
// fails over its pending dispatches, and stops the agent's reconnect loop
// instead of killing it mid-request.
func WithSignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
