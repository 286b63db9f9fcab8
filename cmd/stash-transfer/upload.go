package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/klauspost/compress/zstd"
	"github.com/stash-hq/go-stashutils/stashapi"
	"github.com/stash-hq/go-stashutils/upload"
	"github.com/urfave/cli/v2"
)

func uploadCmd() *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "Upload a local file to Stash",
		ArgsUsage: "SRC DEST",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "resume",
				Usage: "resume token of an interrupted upload (\"<session_id>,<offset>\")",
			},
			&cli.IntFlag{
				Name:  "parallelism",
				Value: upload.DefaultOpts().Parallelism,
				Usage: "concurrent append requests",
			},
			&cli.IntFlag{
				Name:  "blocks-per-request",
				Value: upload.DefaultOpts().BlocksPerRequest,
				Usage: "4 MiB blocks per append request",
			},
			&cli.BoolFlag{
				Name:  "compress",
				Usage: "zstd-compress while uploading, appending .zst to DEST",
			},
		},
		Action: runUpload,
	}
}

func runUpload(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("expected SRC and DEST arguments, got %d", c.NArg())
	}
	src := c.Args().Get(0)
	dest := c.Args().Get(1)
	compress := c.Bool("compress")

	logger := newLogger(c)
	client := newClient(c, logger)

	file, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func(file *os.File) {
		if err := file.Close(); err != nil {
			logger.Printf("Failed to close %s: %s", src, err)
		}
	}(file)

	var sess *upload.Session
	if token := c.String("resume"); token != "" {
		if compress { // compressed stream offsets are not seekable in the source file
			return fmt.Errorf("--resume cannot be combined with --compress")
		}
		resume, err := upload.ParseResume(token)
		if err != nil {
			return err
		}
		if _, err := file.Seek(int64(resume.Offset), io.SeekStart); err != nil {
			return fmt.Errorf("seek %s to resume offset %d: %w", src, resume.Offset, err)
		}
		logger.Printf("Resuming session %s at offset %d", resume.SessionID, resume.Offset)
		sess = upload.ResumeSession(client, resume, logger)
	} else {
		sess, err = upload.NewSession(c.Context, client, logger)
		if err != nil {
			return err
		}
	}

	var source io.Reader = file
	if compress {
		source = compressStream(file)
		dest += ".zst"
	}

	opts := upload.DefaultOpts()
	opts.Parallelism = c.Int("parallelism")
	opts.BlocksPerRequest = c.Int("blocks-per-request")
	opts.Progress = newProgressPrinter(logger)

	uploaded, err := sess.Upload(c.Context, source, opts)
	if err != nil {
		logger.Errorf("Upload interrupted: %s", err)
		logger.Printf("Continue with: --resume %q", sess.Resume())
		return err
	}

	metadata, err := sess.Commit(c.Context, stashapi.CommitInfo{Path: dest})
	if err != nil {
		logger.Printf("Retry the commit with: --resume %q", sess.Resume())
		return err
	}

	logger.Donef("Uploaded %s to %s (%s)", src, metadata.PathDisplay, units.HumanSizeWithPrecision(float64(uploaded), 3))
	logger.Printf("Content hash: %s", metadata.ContentHash)
	return nil
}

// compressStream pipes src through a zstd encoder, producing compressed
// bytes as the consumer reads them so nothing is staged on disk.
func compressStream(src io.Reader) io.Reader {
	pr, pw := io.Pipe()
	go func() {
		encoder, err := zstd.NewWriter(pw)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(encoder, src); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(encoder.Close())
	}()
	return pr
}

// progressPrinter logs transfer progress at most once a second. Update is
// called concurrently from append workers.
type progressPrinter struct {
	logger log.Logger

	mu       sync.Mutex
	last     time.Time
	smoothed float64
}

func newProgressPrinter(logger log.Logger) *progressPrinter {
	return &progressPrinter{logger: logger}
}

func (p *progressPrinter) Update(bytesUploaded uint64, chunkRate, overallRate float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Per-chunk rates are noisy, smooth them with a rolling average.
	if p.smoothed == 0 {
		p.smoothed = chunkRate
	} else {
		p.smoothed = 0.7*p.smoothed + 0.3*chunkRate
	}

	if time.Since(p.last) < time.Second {
		return
	}
	p.last = time.Now()

	p.logger.Printf("Uploaded %s (%s/s current, %s/s average)",
		units.HumanSizeWithPrecision(float64(bytesUploaded), 3),
		units.HumanSizeWithPrecision(p.smoothed, 3),
		units.HumanSizeWithPrecision(overallRate, 3))
}
