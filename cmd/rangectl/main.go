package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/rangectl/internal/daemon"
	"github.com/danmuck/rangectl/internal/distance"
	"github.com/danmuck/rangectl/internal/logging"
	"github.com/danmuck/rangectl/internal/observability"
	"github.com/danmuck/rangectl/internal/sim"
)

const defaultConfigPath = "cmd/rangectl/config.toml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "daemon config path")
	scenario := flag.String("run-scenario", "", "run a scenario on virtual time, print the report and exit")
	flag.Parse()

	logging.ConfigureRuntime()

	if *scenario != "" {
		if err := runScenario(*scenario); err != nil {
			fmt.Fprintf(os.Stderr, "rangectl: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := loadServiceConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rangectl: %v\n", err)
		os.Exit(1)
	}
	observability.InitLogger("rangectl", cfg.ID)
	svc := daemon.NewServiceWithConfig(cfg)
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "rangectl: %v\n", err)
		os.Exit(1)
	}
}

// runScenario replays path against a fresh manager and fails when the
// scenario's expectations are not met.
func runScenario(path string) error {
	sc, err := sim.LoadScenario(path)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := sim.Run(ctx, sc, distance.DefaultConfig())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	return sc.Verify(report)
}
