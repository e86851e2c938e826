// Command lanternd runs the control-plane daemon: one supervisor per
// registered target database plus the standalone streaming index server,
// until SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/lanterndata/lanternd/internal/app"
	"github.com/lanterndata/lanternd/internal/platform/shutdown"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, "lanternd: startup failed:", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, cancel := shutdown.NotifyContext(context.Background())
	defer cancel()

	if err := a.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "lanternd: fatal error:", err)
		os.Exit(1)
	}
}
