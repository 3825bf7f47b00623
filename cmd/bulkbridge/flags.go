package main

import (
	"time"

	"github.com/urfave/cli/v2"
)

// runFlags returns the CLI flags for the run command. Everything else comes
// from the environment.
func runFlags() []cli.Flag {
	return commonFlags()
}

func checkFlags() []cli.Flag {
	return append(commonFlags(),
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "How long to wait for Elasticsearch to answer",
			Value: 10 * time.Second,
		},
	)
}

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable verbose logging",
			EnvVars: []string{"GLOBAL_VERBOSE"},
		},
		&cli.StringFlag{
			Name:    "env-file",
			Usage:   "Dotenv file loaded under the process environment",
			EnvVars: []string{"GLOBAL_ENV_FILE"},
		},
	}
}
