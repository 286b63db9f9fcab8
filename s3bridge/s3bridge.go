// Package s3bridge moves objects between Amazon S3 and Stash by streaming
// them through memory, so a migration never needs staging space on disk.
package s3bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stash-hq/go-stashutils/download"
	"github.com/stash-hq/go-stashutils/upload"
)

const probeRetries = 3

// ErrObjectNotFound is returned when the requested key does not exist in the
// bucket.
var ErrObjectNotFound = errors.New("object not found in s3 bucket")

// ObjectStore is the slice of the S3 API the bridge consumes. *s3.Client
// satisfies it; the embedded manager.UploadAPIClient part serves the export
// side's multipart uploader.
type ObjectStore interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	manager.UploadAPIClient
}

var _ ObjectStore = (*s3.Client)(nil)

// StashClient is the slice of the Stash API the bridge needs.
// *stashapi.Client satisfies it.
type StashClient interface {
	upload.SessionClient
	download.SessionClient
}

// Config holds the S3 side of a bridge. Leaving the static credentials empty
// falls back to the default AWS credential chain.
type Config struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// Bridge copies objects between one S3 bucket and one Stash account.
type Bridge struct {
	store  ObjectStore
	stash  StashClient
	bucket string
	logger log.Logger
}

// New builds a bridge, loading AWS configuration for cfg.Region with the
// optional static credentials.
func New(ctx context.Context, cfg Config, stash StashClient, logger log.Logger) (*Bridge, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	awsCfg, err := loadAWSConfig(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return NewWithStore(s3.NewFromConfig(*awsCfg), stash, cfg.Bucket, logger), nil
}

// NewWithStore builds a bridge on an already configured object store.
func NewWithStore(store ObjectStore, stash StashClient, bucket string, logger log.Logger) *Bridge {
	return &Bridge{
		store:  store,
		stash:  stash,
		bucket: bucket,
		logger: logger,
	}
}

// Exists reports whether key is present in the bucket. Lookup failures other
// than a missing object are retried before giving up.
func (b *Bridge) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := retry.Times(probeRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := b.store.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if isNotFound(err) {
				exists = false
				return nil, true
			}
			return fmt.Errorf("head object: %w", err), false
		}

		exists = true
		return nil, true
	})

	return exists, err
}

func loadAWSConfig(ctx context.Context, cfg Config, logger log.Logger) (*aws.Config, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &awsCfg, nil
}

func isNotFound(err error) bool {
	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		switch apiError.(type) {
		case *types.NotFound, *types.NoSuchKey:
			return true
		}
	}
	return false
}
