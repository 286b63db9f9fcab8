package main

import (
	"fmt"
	"os"

	"github.com/docker/go-units"
	"github.com/stash-hq/go-stashutils/download"
	"github.com/urfave/cli/v2"
)

func downloadCmd() *cli.Command {
	return &cli.Command{
		Name:      "download",
		Usage:     "Download a Stash file to a local path",
		ArgsUsage: "PATH DEST",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "connections",
				Value: 8,
				Usage: "parallel range requests",
			},
		},
		Action: runDownload,
	}
}

func runDownload(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("expected PATH and DEST arguments, got %d", c.NArg())
	}
	path := c.Args().Get(0)
	dest := c.Args().Get(1)

	logger := newLogger(c)
	client := newClient(c, logger)

	opts := download.FileOpts{Connections: c.Int("connections")}
	if err := download.ToFile(c.Context, client, path, dest, opts, logger); err != nil {
		return err
	}

	info, err := os.Stat(dest)
	if err != nil {
		return err
	}
	logger.Donef("Downloaded %s to %s (%s)", path, dest, units.HumanSizeWithPrecision(float64(info.Size()), 3))
	return nil
}
