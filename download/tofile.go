package download

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/melbahja/got"
	"github.com/stash-hq/go-stashutils/contenthash"
	"github.com/stash-hq/go-stashutils/stashapi"
)

// LinkClient resolves a path to a direct content URL. *stashapi.Client
// satisfies it.
type LinkClient interface {
	GetTemporaryLink(ctx context.Context, path string) (*stashapi.TemporaryLink, error)
}

// FileOpts control a ToFile transfer. The zero value is usable.
type FileOpts struct {
	// Connections is the number of parallel range requests. Zero lets the
	// downloader choose.
	Connections int

	// HTTPClient overrides the client used for the content requests. The
	// temporary link is pre-authorized, so no API token is attached either
	// way.
	HTTPClient *http.Client
}

// ToFile downloads the file at path to dest using parallel range requests
// against a temporary content link, then verifies the result against the
// file's metadata: first the size, then the content hash. A file that fails
// verification is deleted before the error is returned.
func ToFile(ctx context.Context, client LinkClient, path, dest string, opts FileOpts, logger log.Logger) error {
	link, err := client.GetTemporaryLink(ctx, path)
	if err != nil {
		return fmt.Errorf("resolve temporary link: %w", err)
	}

	logger.Debugf("Downloading %s (%d bytes) to %s", path, link.Metadata.Size, dest)

	downloader := got.New()
	if opts.HTTPClient != nil {
		downloader.Client = opts.HTTPClient
	}
	dl := got.NewDownload(ctx, link.Link, dest)
	if opts.Connections > 0 {
		dl.Concurrency = uint(opts.Connections)
	}
	if err := downloader.Do(dl); err != nil {
		return fmt.Errorf("download %s: %w", path, err)
	}

	if err := verify(dest, link.Metadata, logger); err != nil {
		if removeErr := os.Remove(dest); removeErr != nil {
			logger.Warnf("Failed to remove corrupt download %s: %s", dest, removeErr)
		}
		return err
	}

	logger.Debugf("Verified %s against content hash %s", dest, link.Metadata.ContentHash)
	return nil
}

func verify(dest string, metadata stashapi.FileMetadata, logger log.Logger) error {
	info, err := os.Stat(dest)
	if err != nil {
		return fmt.Errorf("inspect download: %w", err)
	}
	if uint64(info.Size()) != metadata.Size {
		return fmt.Errorf("downloaded %d bytes of %s, expected %d", info.Size(), metadata.PathDisplay, metadata.Size)
	}

	file, err := os.Open(dest)
	if err != nil {
		return fmt.Errorf("open download for verification: %w", err)
	}
	defer func(file *os.File) {
		err := file.Close()
		if err != nil {
			logger.Printf(err.Error())
		}
	}(file)

	hash := contenthash.New()
	if _, err := hash.ReadFrom(file); err != nil {
		return fmt.Errorf("hash download: %w", err)
	}
	if sum := hash.HexSum(); sum != metadata.ContentHash {
		return fmt.Errorf("content hash of %s is %s, expected %s", metadata.PathDisplay, sum, metadata.ContentHash)
	}
	return nil
}
