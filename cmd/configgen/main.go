package main

import (
	"flag"

	"github.com/danmuck/sxutil/internal/config"
	"github.com/danmuck/sxutil/internal/logging"
	"github.com/rs/zerolog/log"
)

const defaultPath = "cmd/sxnodectl/config.toml"

func main() {
	kind := flag.String("kind", "provider", "config kind: provider|server")
	output := flag.String("output", defaultPath, "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", defaultPath, "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	logging.ConfigureRuntime()

	if *validate {
		cfg, err := config.Load(*input)
		if err != nil {
			log.Fatal().Err(err).Str("path", *input).Msg("configgen validate failed")
		}
		log.Info().
			Str("path", *input).
			Str("name", cfg.Name).
			Str("node_type", cfg.NodeType).
			Int("clients", len(cfg.Clients)).
			Msg("configgen validated")
		return
	}

	if err := config.WriteTemplate(*output, *kind, *force); err != nil {
		log.Fatal().Err(err).Str("path", *output).Msg("configgen write failed")
	}
	log.Info().Str("kind", *kind).Str("path", *output).Msg("configgen wrote template")
}
