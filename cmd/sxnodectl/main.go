package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/sxutil/internal/logging"
	"github.com/danmuck/sxutil/internal/observability"
	"github.com/rs/zerolog/log"
)

var version = "dev"

func main() {
	path := flag.String("config", "cmd/sxnodectl/config.toml", "node config path")
	flag.Parse()

	logging.ConfigureRuntime()
	observability.RegisterMetrics()
	if err := run(*path); err != nil {
		fmt.Fprintf(os.Stderr, "sxnodectl: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := loadNodeConfig(path)
	if err != nil {
		return err
	}
	nodeCfg, err := cfg.NodeConfig(version)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := start(ctx, cfg, nodeCfg, newDialer(cfg, nodeCfg.Session))
	if err != nil {
		return err
	}
	go func() {
		a.cleanup.WaitForSignal(ctx)
		cancel()
	}()

	err = a.run(ctx)
	a.cleanup.Run(context.WithoutCancel(ctx))
	log.Info().Err(err).Msg("sxnodectl stopped")
	return err
}
