package s3bridge

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/stash-hq/go-stashutils/stashapi"
	"github.com/stash-hq/go-stashutils/upload"
)

// Import streams the object at key into Stash at destPath. The object body
// feeds the upload session directly; a missing key maps to ErrObjectNotFound.
func (b *Bridge) Import(ctx context.Context, key, destPath string, opts upload.Opts) (*stashapi.FileMetadata, error) {
	object, err := b.store.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			b.logger.Printf(err.Error())
		}
	}(object.Body)

	b.logger.Debugf("Importing s3://%s/%s (%d bytes) to %s", b.bucket, key, aws.ToInt64(object.ContentLength), destPath)

	sess, err := upload.NewSession(ctx, b.stash, b.logger)
	if err != nil {
		return nil, err
	}
	if _, err := sess.Upload(ctx, object.Body, opts); err != nil {
		return nil, fmt.Errorf("upload %s: %w", key, err)
	}

	metadata, err := sess.Commit(ctx, stashapi.CommitInfo{Path: destPath})
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", destPath, err)
	}
	return metadata, nil
}

// ImportPrefix imports every object under prefix into destDir, keeping the
// key structure below the prefix. A non-empty include list keeps only keys
// whose prefix-relative name matches one of the doublestar patterns (such as
// `**/*.png`). Failing objects are logged and counted but do not stop the
// batch; a summary error is returned if any failed.
func (b *Bridge) ImportPrefix(ctx context.Context, prefix, destDir string, include []string, opts upload.Opts) error {
	var imported, failed, filtered int

	var continuationToken *string
	for {
		result, err := b.store.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return fmt.Errorf("list objects under %s: %w", prefix, err)
		}

		for _, object := range result.Contents {
			key := aws.ToString(object.Key)
			relative := strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
			if relative == "" || strings.HasSuffix(relative, "/") {
				// Directory placeholder objects carry no content.
				continue
			}
			if !matchesAny(include, relative) {
				filtered++
				continue
			}

			if _, err := b.Import(ctx, key, path.Join(destDir, relative), opts); err != nil {
				if ctx.Err() != nil {
					return fmt.Errorf("import aborted: %w", ctx.Err())
				}
				b.logger.Errorf("Failed to import %s: %s", key, err)
				failed++
				continue
			}
			imported++
		}

		if !aws.ToBool(result.IsTruncated) {
			break
		}
		continuationToken = result.NextContinuationToken
	}

	b.logger.Debugf("Imported %d objects, %d failed, %d filtered out", imported, failed, filtered)
	if failed > 0 {
		return fmt.Errorf("%d of %d objects failed to import", failed, imported+failed)
	}
	return nil
}

func matchesAny(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}
