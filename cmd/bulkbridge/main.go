package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// exitCodeFatal tells supervisors that restarting with the same
// configuration will not help without looking at the logs first.
const exitCodeFatal = 19840206

// errFatal marks startup and pipeline failures.
var errFatal = errors.New("fatal")

func newApp() *cli.App {
	return &cli.App{
		Name:  "bulkbridge",
		Usage: "Bridge a message queue into an Elasticsearch index in bulk",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Consume from the configured source and bulk index into Elasticsearch",
				Flags:  runFlags(),
				Action: run,
			},
			{
				Name:   "check",
				Usage:  "Validate the configuration and ping Elasticsearch, then exit",
				Flags:  checkFlags(),
				Action: check,
			},
		},
	}
}

func main() {
	err := newApp().Run(os.Args)
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errFatal):
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFatal
	default:
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
}
