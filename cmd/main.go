package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/ctxinterrupt"

	reporter "github.com/ethereum-optimism/infra/test-reporter"
	"github.com/ethereum-optimism/infra/test-reporter/flags"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := newApp()

	ctx := ctxinterrupt.WithSignalWaiterMain(context.Background())
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Crit("Application failed", "message", err)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "test-reporter"
	app.Usage = "Records Go test results in a results table"
	app.Description = "test-reporter provisions results tables, shows the resolved configuration and ingests `go test -json` output"
	app.Flags = cliapp.ProtectFlags(flags.Flags)
	// --set values such as SINK=postgres,sqlite carry their own commas.
	app.DisableSliceFlagSeparator = true
	app.Commands = []*cli.Command{
		{
			Name:   "schema",
			Usage:  "Create or update the results table of every configured sink",
			Action: schemaAction,
		},
		{
			Name:   "config",
			Usage:  "Print the resolved settings and identity",
			Action: configAction,
		},
		{
			Name:      "ingest",
			Usage:     "Deliver the results in test2json streams (stdin when no file is given)",
			ArgsUsage: "[files...]",
			Action:    ingestAction,
		},
	}
	app.ExitErrHandler = func(c *cli.Context, err error) {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			cli.HandleExitCoder(exitErr)
		} else if err != nil {
			if reporter.IsRuntimeError(err) {
				// For runtime errors, use exit code 2
				cli.HandleExitCoder(cli.Exit(err.Error(), 2))
			} else {
				cli.HandleExitCoder(cli.Exit(err.Error(), 1))
			}
		}
	}
	return app
}
