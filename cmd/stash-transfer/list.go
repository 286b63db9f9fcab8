package main

import (
	"fmt"

	"github.com/docker/go-units"
	"github.com/stash-hq/go-stashutils/listing"
	"github.com/urfave/cli/v2"
)

func listCmd() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Usage:     "List the contents of a Stash folder",
		ArgsUsage: "[PATH]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "recursive",
				Aliases: []string{"r"},
				Usage:   "descend into subfolders",
			},
		},
		Action: runList,
	}
}

func runList(c *cli.Context) error {
	folder := c.Args().Get(0) // empty means the account root

	logger := newLogger(c)
	client := newClient(c, logger)

	files := 0
	var total uint64
	it := listing.List(client, folder, c.Bool("recursive"), logger)
	for it.Next(c.Context) {
		entry := it.Entry()
		if entry.IsFile() {
			fmt.Printf("%12s  %s\n", units.HumanSizeWithPrecision(float64(entry.Size), 3), entry.PathDisplay)
			files++
			total += entry.Size
		} else {
			fmt.Printf("%12s  %s/\n", "-", entry.PathDisplay)
		}
	}
	if err := it.Err(); err != nil {
		return err
	}

	logger.Printf("%d files, %s", files, units.HumanSizeWithPrecision(float64(total), 3))
	return nil
}
