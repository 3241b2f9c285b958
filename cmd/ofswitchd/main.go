// Command ofswitchd runs the OpenFlow switch core as a standalone
// process.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/golang/glog"
	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&serveCommand{}, "")
	subcommands.Register(&checkConfigCommand{}, "")
	subcommands.Register(&versionCommand{}, "")

	flag.Parse()
	defer glog.Flush()

	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx)))
}
