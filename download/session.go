// Package download reads files back out of Stash: a resumable streaming
// reader for pipes and filters, and a parallel ranged downloader for whole
// files on disk.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stash-hq/go-stashutils/backoff"
	"github.com/stash-hq/go-stashutils/stashapi"
)

// SessionClient is the slice of the Stash API the streaming reader needs.
// *stashapi.Client satisfies it.
type SessionClient interface {
	Download(ctx context.Context, path string, rangeStart, rangeEnd *uint64) (*stashapi.DownloadReply, error)
}

// Session streams a file's content. It is an io.ReadCloser whose Read
// survives dropped connections: the position is tracked locally and a broken
// body is re-requested from that position with a Range header, under the
// session's retry policy. Not safe for concurrent use.
type Session struct {
	client SessionClient
	logger log.Logger
	policy backoff.Policy

	// ctx is captured at Open and governs every re-request made from Read.
	ctx        context.Context
	path       string
	rangeStart *uint64
	rangeEnd   *uint64

	metadata stashapi.FileMetadata
	body     io.ReadCloser

	// cursor is the number of bytes handed to the caller; bodyEnd is where
	// the current body will run out, in the same coordinates. A clean EOF
	// before bodyEnd means the stream was cut short and must be resumed.
	cursor  uint64
	bodyEnd uint64

	sleep backoff.SleepFunc
}

// Open starts streaming the file at path from the beginning.
func Open(ctx context.Context, client SessionClient, path string, policy backoff.Policy, logger log.Logger) (*Session, error) {
	return OpenRange(ctx, client, path, nil, nil, policy, logger)
}

// OpenRange starts streaming a byte range of the file at path. rangeStart
// and rangeEnd are inclusive and either may be nil to leave that end
// unbounded. The initial request happens here, so metadata is available as
// soon as OpenRange returns.
func OpenRange(ctx context.Context, client SessionClient, path string, rangeStart, rangeEnd *uint64, policy backoff.Policy, logger log.Logger) (*Session, error) {
	s := &Session{
		client:     client,
		logger:     logger,
		policy:     policy,
		ctx:        ctx,
		path:       path,
		rangeStart: rangeStart,
		rangeEnd:   rangeEnd,
		sleep:      time.Sleep,
	}
	if err := s.request(); err != nil {
		return nil, err
	}
	return s, nil
}

// Metadata returns the file metadata from the first response.
func (s *Session) Metadata() stashapi.FileMetadata {
	return s.metadata
}

// BytesRead returns the number of bytes handed out so far.
func (s *Session) BytesRead() uint64 {
	return s.cursor
}

// Read hands out the next bytes of the stream. A body that errors or runs
// dry before its announced length is re-requested from the current position;
// each Read call gets a fresh retry budget for that.
func (s *Session) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	state := s.policy.NewState()

	for {
		n, err := s.body.Read(p)
		if n > 0 {
			// Any error alongside the data is sticky: the next Read sees it
			// again with n == 0 and takes the retry path.
			s.cursor += uint64(n)
			return n, nil
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) && s.cursor == s.bodyEnd {
			return 0, io.EOF
		}
		if s.ctx.Err() != nil {
			return 0, fmt.Errorf("download cancelled: %w", s.ctx.Err())
		}

		s.logger.Warnf("Download of %s interrupted at byte %d: %s", s.path, s.cursor, err)
		if !s.policy.Failure(state, rng, s.sleep) {
			return 0, err
		}
		if err := s.request(); err != nil {
			return 0, err
		}
	}
}

// Close releases the current response body. The session cannot be used
// afterwards.
func (s *Session) Close() error {
	if s.body == nil {
		return nil
	}
	return s.body.Close()
}

// request issues the ranged download for the current position and swaps the
// response body in. Transient failures back off and consume the policy's
// budget, rate limiting waits the server-given duration without consuming
// it, permanent API errors fail immediately.
func (s *Session) request() error {
	start := s.cursor
	if s.rangeStart != nil {
		start += *s.rangeStart
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	state := s.policy.NewState()

	for {
		reply, err := s.client.Download(s.ctx, s.path, &start, s.rangeEnd)
		if err == nil {
			if s.body == nil {
				s.metadata = reply.Metadata
			} else if closeErr := s.body.Close(); closeErr != nil {
				s.logger.Printf(closeErr.Error())
			}
			s.body = reply.Body
			s.bodyEnd = s.cursor + reply.ContentLength
			return nil
		}
		if s.ctx.Err() != nil {
			return fmt.Errorf("download cancelled: %w", s.ctx.Err())
		}

		var rateLimited *stashapi.RateLimitedError
		if errors.As(err, &rateLimited) {
			s.logger.Warnf("Rate limited, waiting %s", rateLimited.RetryAfter)
			if rateLimited.RetryAfter > 0 {
				s.sleep(rateLimited.RetryAfter)
			}
			continue
		}

		if !stashapi.IsRetryable(err) {
			return err
		}
		if !s.policy.Failure(state, rng, s.sleep) {
			return err
		}
		s.logger.Warnf("Error requesting %s at offset %d: %s, retrying", s.path, start, err)
	}
}
