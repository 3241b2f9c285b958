package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
)

// version is set by the release build process; left at "dev" otherwise.
var version = "dev"

type versionCommand struct{}

func (*versionCommand) Name() string     { return "version" }
func (*versionCommand) Synopsis() string { return "prints the ofswitchd version." }
func (*versionCommand) Usage() string    { return "version\n" }
func (*versionCommand) SetFlags(*flag.FlagSet) {}

func (*versionCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	fmt.Println(version)
	return subcommands.ExitSuccess
}
