package s3bridge

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stash-hq/go-stashutils/backoff"
	"github.com/stash-hq/go-stashutils/download"
)

// Export streams the Stash file at srcPath into the bucket at key. The
// resumable download session feeds the multipart uploader, so transient
// failures on the Stash side are absorbed without restarting the transfer.
func (b *Bridge) Export(ctx context.Context, srcPath, key string) error {
	sess, err := download.Open(ctx, b.stash, srcPath, backoff.DefaultPolicy(), b.logger)
	if err != nil {
		return fmt.Errorf("open %s: %w", srcPath, err)
	}
	defer func(sess *download.Session) {
		err := sess.Close()
		if err != nil {
			b.logger.Printf(err.Error())
		}
	}(sess)

	b.logger.Debugf("Exporting %s (%d bytes) to s3://%s/%s", srcPath, sess.Metadata().Size, b.bucket, key)

	var partMB int64 = 8
	uploader := manager.NewUploader(b.store, func(u *manager.Uploader) {
		u.PartSize = partMB * 1024 * 1024
	})

	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          sess,
		ContentLength: aws.Int64(int64(sess.Metadata().Size)),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("upload to s3://%s/%s: %w", b.bucket, key, err)
	}

	return nil
}
