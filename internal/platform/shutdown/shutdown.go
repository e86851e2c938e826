// Package shutdown builds a context that cancels on SIGINT/SIGTERM, the
// same one-call convention the teacher's inference service uses so every
// long-running binary in this repo shuts down the same way.
package shutdown

import (
	"context"
	"os/signal"
	"syscall"
)

// NotifyContext returns a context derived from parent that is cancelled
// the first time the process receives SIGINT or SIGTERM.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
