// Package upload is the transfer engine for large uploads: it slices a byte
// stream into chunks, appends them to a remote upload session in parallel,
// retries failures with jittered exponential backoff, and tracks the
// contiguous acknowledged prefix so an interrupted transfer can resume
// without re-sending data.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stash-hq/go-stashutils/backoff"
	"github.com/stash-hq/go-stashutils/chunkstream"
	"github.com/stash-hq/go-stashutils/contenthash"
	"github.com/stash-hq/go-stashutils/stashapi"
)

// SessionClient is the slice of the Stash API the engine needs.
// *stashapi.Client satisfies it.
type SessionClient interface {
	UploadSessionStart(ctx context.Context) (string, error)
	UploadSessionAppend(ctx context.Context, cursor stashapi.UploadSessionCursor, data []byte, closeSession bool) error
	UploadSessionFinish(ctx context.Context, cursor stashapi.UploadSessionCursor, commit stashapi.CommitInfo) (*stashapi.FileMetadata, error)
}

// ProgressHandler receives throughput updates while an upload runs.
//
// Update is invoked inline from worker goroutines after each successful
// append: bytesUploaded is the cumulative byte count appended by this Upload
// call, chunkRate estimates the current transfer rate in bytes/sec from the
// finished chunk (scaled by the worker count, assuming evenly loaded
// workers), overallRate is the average rate since Upload began.
// Implementations must be safe for concurrent use and must not block.
type ProgressHandler interface {
	Update(bytesUploaded uint64, chunkRate float64, overallRate float64)
}

// Opts control a single Upload call.
type Opts struct {
	// Parallelism is the number of concurrent append workers.
	Parallelism int

	// BlocksPerRequest is how many content-hash blocks each append carries.
	// Larger requests mean fewer round trips, at the price of re-sending
	// more when a request has to be retried.
	BlocksPerRequest int

	// Policy governs append retries.
	Policy backoff.Policy

	// Progress, when set, receives throughput updates.
	Progress ProgressHandler
}

// DefaultOpts returns the default transfer options: 20 workers, two blocks
// (8 MiB) per append, 3 tries with backoff from 500ms up to 2s.
func DefaultOpts() Opts {
	return Opts{
		Parallelism:      20,
		BlocksPerRequest: 2,
		Policy:           backoff.DefaultPolicy(),
	}
}

func (o Opts) chunkSize() int {
	blocks := o.BlocksPerRequest
	if blocks < 1 {
		blocks = 1
	}
	return blocks * contenthash.BlockSize
}

type sessionState int

const (
	stateOpen sessionState = iota
	stateTransferring
	stateClosed
	stateCommitted
	stateFailed
)

// Session is one remote upload session: an accumulation buffer that chunks
// are appended into, then committed to a destination path. Create one with
// NewSession or ResumeSession, call Upload exactly once, then Commit.
//
// If Upload fails, Resume returns the token from which a fresh Session can
// continue the transfer. The failed Session itself is done; it only serves
// Resume from that point on.
type Session struct {
	client SessionClient
	logger log.Logger

	sessionID   string
	startOffset uint64

	// Cumulative bytes appended by this Session's Upload call. Throughput
	// reporting only; resume correctness comes from the tracker.
	bytesUploaded uint64

	mu      sync.Mutex
	state   sessionState
	tracker *CompletionTracker

	sleep backoff.SleepFunc
}

// NewSession starts a fresh remote session. The start call is not retried: a
// failure here leaves no partial state worth recovering.
func NewSession(ctx context.Context, client SessionClient, logger log.Logger) (*Session, error) {
	sessionID, err := client.UploadSessionStart(ctx)
	if err != nil {
		return nil, fmt.Errorf("start upload session: %w", err)
	}
	return &Session{
		client:    client,
		logger:    logger,
		sessionID: sessionID,
		tracker:   NewCompletionTracker(),
		sleep:     time.Sleep,
	}, nil
}

// ResumeSession reopens an interrupted upload from a resume token. No remote
// call is made: the token's offset is trusted as-is, so a stale token skips
// or duplicates data. Callers that cannot vouch for their token should check
// it with ProbeOffset before uploading.
func ResumeSession(client SessionClient, token Resume, logger log.Logger) *Session {
	return &Session{
		client:      client,
		logger:      logger,
		sessionID:   token.SessionID,
		startOffset: token.Offset,
		tracker:     ResumeCompletionTracker(token.Offset),
		sleep:       time.Sleep,
	}
}

// Upload transfers src into the session and closes it. It may be called once
// per Session. src is read from its current position: a resumed upload hands
// in a source already positioned at the token's offset.
//
// The returned length is the acknowledged contiguous prefix of the whole
// session, including any resumed offset; after a fully successful Upload it
// is the total session length that Commit will declare.
func (s *Session) Upload(ctx context.Context, src io.Reader, opts Opts) (uint64, error) {
	s.mu.Lock()
	if s.state != stateOpen {
		s.mu.Unlock()
		return 0, fmt.Errorf("upload may only be called once per session")
	}
	s.state = stateTransferring
	s.mu.Unlock()

	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	chunkSize := opts.chunkSize()
	uploadStart := time.Now()

	s.logger.Debugf("Uploading to session %s: %d byte chunks, %d workers", s.sessionID, chunkSize, opts.Parallelism)

	// Written by at most one worker (only the final chunk can be short) and
	// read after the dispatcher has awaited all workers.
	closed := false

	err := chunkstream.Process(src, chunkSize, opts.Parallelism, func(offset uint64, chunk []byte) error {
		closing := len(chunk) < chunkSize
		if closing {
			closed = true
		}
		if err := s.appendWithRetry(ctx, s.startOffset+offset, chunk, closing, opts, uploadStart); err != nil {
			return err
		}

		s.mu.Lock()
		s.tracker.CompleteBlock(s.startOffset+offset, uint64(len(chunk)))
		s.mu.Unlock()
		return nil
	})
	if err != nil {
		s.setState(stateFailed)
		return 0, err
	}

	finalLen := s.completeUpTo()

	// A stream whose length is an exact multiple of the chunk size never had
	// a short chunk, so nothing closed the session. An empty append does.
	if !closed {
		if err := s.appendWithRetry(ctx, finalLen, nil, true, opts, uploadStart); err != nil {
			// The data is all acknowledged; committing can still succeed.
			// This happens legitimately when resuming a session that was
			// closed before a failed commit.
			s.logger.Warnf("Failed to close session %s: %s", s.sessionID, err)
		}
	}

	s.setState(stateClosed)
	return finalLen, nil
}

// Commit materializes the uploaded session as a file at the destination in
// commit. The declared total size is the tracker's contiguous length, never
// the raw byte counter. Failures are retried twice more after a fixed pause;
// a Session whose Commit failed can be committed again.
func (s *Session) Commit(ctx context.Context, commit stashapi.CommitInfo) (*stashapi.FileMetadata, error) {
	s.mu.Lock()
	if s.state != stateClosed {
		s.mu.Unlock()
		return nil, fmt.Errorf("commit requires a completed upload")
	}
	total := s.tracker.CompleteUpTo()
	s.mu.Unlock()

	cursor := stashapi.UploadSessionCursor{SessionID: s.sessionID, Offset: total}

	failures := 0
	for {
		metadata, err := s.client.UploadSessionFinish(ctx, cursor, commit)
		if err == nil {
			path := metadata.PathDisplay
			if path == "" {
				path = "?"
			}
			s.logger.Donef("Upload committed: %s (%d bytes)", path, total)
			s.setState(stateCommitted)
			return metadata, nil
		}

		failures++
		if failures == commitAttempts {
			s.logger.Errorf("Error committing upload: %s, failing", err)
			return nil, err
		}
		s.logger.Warnf("Error committing upload: %s, retrying", err)
		s.sleep(commitPause)
	}
}

const (
	commitAttempts = 3
	commitPause    = time.Second
)

// Resume snapshots the state needed to continue this upload in a new
// Session. The offset is the acknowledged contiguous prefix: blocks that
// completed ahead of a gap are not counted and will be re-sent.
func (s *Session) Resume() Resume {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Resume{SessionID: s.sessionID, Offset: s.tracker.CompleteUpTo()}
}

// ProbeOffset asks the server for the session's position without
// transferring data, by issuing an empty, non-closing append at the locally
// assumed offset. A mismatch reveals the server's authoritative offset,
// which is returned; on agreement the assumed offset is returned. Intended
// for use between ResumeSession and Upload when a token may be stale.
func (s *Session) ProbeOffset(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	if s.state != stateOpen {
		s.mu.Unlock()
		return 0, fmt.Errorf("offset probe requires an idle session")
	}
	assumed := s.tracker.CompleteUpTo()
	s.mu.Unlock()

	cursor := stashapi.UploadSessionCursor{SessionID: s.sessionID, Offset: assumed}
	err := s.client.UploadSessionAppend(ctx, cursor, nil, false)
	if err == nil {
		return assumed, nil
	}

	var offsetErr *stashapi.IncorrectOffsetError
	if errors.As(err, &offsetErr) {
		s.logger.Debugf("Session %s is at offset %d, not %d", s.sessionID, offsetErr.CorrectOffset, assumed)
		return offsetErr.CorrectOffset, nil
	}
	return 0, fmt.Errorf("probe offset: %w", err)
}

// appendWithRetry issues one append and retries it per the session's policy:
// rate limiting waits out the server's delay without consuming the retry
// budget, transient failures back off and consume it, permanent API errors
// fail immediately. On success it updates the byte counter and reports
// progress.
func (s *Session) appendWithRetry(ctx context.Context, offset uint64, data []byte, closeSession bool, opts Opts, uploadStart time.Time) error {
	cursor := stashapi.UploadSessionCursor{SessionID: s.sessionID, Offset: offset}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	state := opts.Policy.NewState()
	chunkStart := time.Now()

	for {
		err := s.client.UploadSessionAppend(ctx, cursor, data, closeSession)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("append cancelled: %w", ctx.Err())
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
			s.logger.Errorf("Error appending at offset %d: %s, failing", offset, err)
			return err
		}
		if !opts.Policy.Failure(state, rng, s.sleep) {
			s.logger.Errorf("Error appending at offset %d: %s, failing", offset, err)
			return err
		}
		s.logger.Warnf("Error appending at offset %d: %s, retrying", offset, err)
	}

	now := time.Now()
	appended := uint64(len(data))
	total := atomic.AddUint64(&s.bytesUploaded, appended)

	if opts.Progress != nil {
		chunkRate := float64(appended) / now.Sub(chunkStart).Seconds() * float64(opts.Parallelism)
		overallRate := float64(total) / now.Sub(uploadStart).Seconds()
		opts.Progress.Update(total, chunkRate, overallRate)
	}
	return nil
}

func (s *Session) completeUpTo() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.CompleteUpTo()
}

func (s *Session) setState(state sessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
