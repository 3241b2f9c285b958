package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"fuchsia.googlesource.com/ofswitch/internal/config"
)

type checkConfigCommand struct {
	configPath string
}

func (*checkConfigCommand) Name() string     { return "check-config" }
func (*checkConfigCommand) Synopsis() string { return "validates a configuration file and exits." }
func (*checkConfigCommand) Usage() string    { return "check-config -config <path>\n" }

func (c *checkConfigCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to the YAML configuration file")
}

func (c *checkConfigCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.configPath == "" {
		fmt.Println("check-config: -config is required")
		return subcommands.ExitUsageError
	}

	cfg, err := config.Load(c.configPath)
	if err != nil {
		fmt.Printf("check-config: %s\n", err)
		return subcommands.ExitFailure
	}

	fmt.Printf("config OK: %d bridge(s), %d controller(s), updater period %s\n",
		len(cfg.Bridges), len(cfg.Controllers), cfg.UpdaterPeriod)
	return subcommands.ExitSuccess
}
