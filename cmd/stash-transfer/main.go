package main

import (
	"fmt"
	"os"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stash-hq/go-stashutils/stashapi"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	app := &cli.App{
		Name:            "stash-transfer",
		Usage:           "resumable, parallel file transfers for a Stash account",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "api-url",
				Value:   "https://api.stash.example.com",
				Usage:   "base URL of the Stash API",
				EnvVars: []string{"STASH_API_URL"},
			},
			&cli.StringFlag{
				Name:     "token",
				Usage:    "Stash access token",
				EnvVars:  []string{"STASH_ACCESS_TOKEN"},
				Required: true,
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			uploadCmd(),
			downloadCmd(),
			listCmd(),
			importS3Cmd(),
			exportS3Cmd(),
		},
	}

	return app.Run(args)
}

func newLogger(c *cli.Context) log.Logger {
	logger := log.NewLogger()
	logger.EnableDebugLog(c.Bool("verbose"))
	return logger
}

func newClient(c *cli.Context, logger log.Logger) *stashapi.Client {
	return stashapi.NewClient(stashapi.Config{
		BaseURL: c.String("api-url"),
		Token:   c.String("token"),
	}, logger)
}
