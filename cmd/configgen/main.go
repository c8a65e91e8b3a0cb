package main

import (
	"flag"

	"github.com/danmuck/rangectl/internal/config"
	"github.com/danmuck/rangectl/internal/logging"
	"github.com/danmuck/rangectl/internal/sim"
	"github.com/rs/zerolog/log"
)

func main() {
	kind := flag.String("kind", "rangectl", "config kind: rangectl|scenario")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	logging.ConfigureRuntime()

	path := *output
	if *validate {
		path = *input
	}
	if path == "" {
		switch *kind {
		case "rangectl":
			path = "cmd/rangectl/config.toml"
		case "scenario":
			path = "cmd/rangectl/scenario.yaml"
		default:
			log.Fatal().Str("kind", *kind).Msg("configgen unknown kind")
		}
	}

	if *validate {
		var err error
		switch *kind {
		case "rangectl":
			_, err = config.LoadRangectlConfig(path)
		case "scenario":
			_, err = sim.LoadScenario(path)
		default:
			log.Fatal().Str("kind", *kind).Msg("configgen unknown kind")
		}
		if err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("configgen validate failed")
		}
		log.Info().Str("kind", *kind).Str("path", path).Msg("configgen validated")
		return
	}

	if err := config.WriteTemplate(path, *kind, *force); err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("configgen write failed")
	}
	log.Info().Str("kind", *kind).Str("path", path).Msg("configgen wrote template")
}
