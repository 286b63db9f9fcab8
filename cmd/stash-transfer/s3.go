package main

import (
	"fmt"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/stash-hq/go-stashutils/s3bridge"
	"github.com/stash-hq/go-stashutils/upload"
	"github.com/urfave/cli/v2"
)

func s3Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "bucket",
			Usage:    "S3 bucket name",
			EnvVars:  []string{"AWS_BUCKET"},
			Required: true,
		},
		&cli.StringFlag{
			Name:    "region",
			Usage:   "S3 bucket region",
			EnvVars: []string{"AWS_REGION"},
		},
		&cli.StringFlag{
			Name:    "access-key-id",
			Usage:   "static AWS access key, default credential chain if unset",
			EnvVars: []string{"AWS_ACCESS_KEY_ID"},
		},
		&cli.StringFlag{
			Name:    "secret-access-key",
			Usage:   "static AWS secret key",
			EnvVars: []string{"AWS_SECRET_ACCESS_KEY"},
		},
	}
}

func importS3Cmd() *cli.Command {
	return &cli.Command{
		Name:      "import-s3",
		Usage:     "Copy S3 objects into Stash without staging them on disk",
		ArgsUsage: "KEY DEST",
		Flags: append(s3Flags(),
			&cli.BoolFlag{
				Name:  "prefix",
				Usage: "treat KEY as a prefix and import every object under it",
			},
			&cli.StringSliceFlag{
				Name:  "include",
				Usage: "glob pattern for keys to import, repeatable (e.g. \"**/*.png\")",
			},
			&cli.IntFlag{
				Name:  "parallelism",
				Value: upload.DefaultOpts().Parallelism,
				Usage: "concurrent append requests per object",
			},
		),
		Action: runImportS3,
	}
}

func runImportS3(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("expected KEY and DEST arguments, got %d", c.NArg())
	}
	key := c.Args().Get(0)
	dest := c.Args().Get(1)

	logger := newLogger(c)
	bridge, err := newBridge(c, logger)
	if err != nil {
		return err
	}

	opts := upload.DefaultOpts()
	opts.Parallelism = c.Int("parallelism")

	if c.Bool("prefix") {
		return bridge.ImportPrefix(c.Context, key, dest, c.StringSlice("include"), opts)
	}

	metadata, err := bridge.Import(c.Context, key, dest, opts)
	if err != nil {
		return err
	}
	logger.Donef("Imported s3://%s/%s to %s (%s)",
		c.String("bucket"), key, metadata.PathDisplay, units.HumanSizeWithPrecision(float64(metadata.Size), 3))
	return nil
}

func exportS3Cmd() *cli.Command {
	return &cli.Command{
		Name:      "export-s3",
		Usage:     "Copy a Stash file into an S3 bucket without staging it on disk",
		ArgsUsage: "PATH KEY",
		Flags:     s3Flags(),
		Action:    runExportS3,
	}
}

func runExportS3(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("expected PATH and KEY arguments, got %d", c.NArg())
	}
	path := c.Args().Get(0)
	key := c.Args().Get(1)

	logger := newLogger(c)
	bridge, err := newBridge(c, logger)
	if err != nil {
		return err
	}

	if err := bridge.Export(c.Context, path, key); err != nil {
		return err
	}
	logger.Donef("Exported %s to s3://%s/%s", path, c.String("bucket"), key)
	return nil
}

func newBridge(c *cli.Context, logger log.Logger) (*s3bridge.Bridge, error) {
	client := newClient(c, logger)
	return s3bridge.New(c.Context, s3bridge.Config{
		Region:          c.String("region"),
		Bucket:          c.String("bucket"),
		AccessKeyID:     c.String("access-key-id"),
		SecretAccessKey: c.String("secret-access-key"),
	}, client, logger)
}
