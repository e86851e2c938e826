// Command lantern-indexserver runs the binary-protocol streaming index
// server standalone, outside the daemon process (spec.md §6: "the
// streaming index server is deployable as a standalone binary with its own
// exit-code contract -- non-zero only on bind failure").
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/lanterndata/lanternd/internal/indexserver"
	"github.com/lanterndata/lanternd/internal/logger"
	"github.com/lanterndata/lanternd/internal/platform/shutdown"
)

type serverConfig struct {
	Host        string        `envconfig:"INDEX_SERVER_HOST" default:"0.0.0.0"`
	Port        int           `envconfig:"INDEX_SERVER_PORT" default:"8998"`
	ReadTimeout time.Duration `envconfig:"INDEX_SERVER_READ_TIMEOUT" default:"60s"`
	LogMode     string        `envconfig:"LOG_MODE" default:"dev"`
}

func main() {
	var cfg serverConfig
	if err := envconfig.Process("LANTERND", &cfg); err != nil {
		fmt.Fprintln(os.Stderr, "lantern-indexserver: config error:", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintln(os.Stderr, "lantern-indexserver: logger error:", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := shutdown.NotifyContext(context.Background())
	defer cancel()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := indexserver.New(addr, cfg.ReadTimeout, indexserver.NewFlatIndexFactory(), log)

	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, "lantern-indexserver: fatal error:", err)
		os.Exit(1)
	}
}
