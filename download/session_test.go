package download

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stash-hq/go-stashutils/backoff"
	"github.com/stash-hq/go-stashutils/internal/testutil"
	"github.com/stash-hq/go-stashutils/stashapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDownloadClient scripts the reply for each Download call and records the
// range starts it was asked for.
type fakeDownloadClient struct {
	mu     sync.Mutex
	starts []uint64
	ends   []*uint64
	script func(call int, start uint64) (*stashapi.DownloadReply, error)
}

func (f *fakeDownloadClient) Download(ctx context.Context, path string, rangeStart, rangeEnd *uint64) (*stashapi.DownloadReply, error) {
	f.mu.Lock()
	var start uint64
	if rangeStart != nil {
		start = *rangeStart
	}
	f.starts = append(f.starts, start)
	f.ends = append(f.ends, rangeEnd)
	call := len(f.starts)
	f.mu.Unlock()
	return f.script(call, start)
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

// partialReply announces the full tail of payload from start but delivers
// only the first deliver bytes. A nil dropErr makes the body run dry with a
// clean EOF; otherwise the body fails with dropErr after the delivered part.
func partialReply(payload []byte, start uint64, deliver int, dropErr error) *stashapi.DownloadReply {
	rest := payload[start:]
	var body io.Reader = bytes.NewReader(rest[:deliver])
	if dropErr != nil {
		body = io.MultiReader(body, errReader{dropErr})
	}
	return &stashapi.DownloadReply{
		Metadata:      stashapi.FileMetadata{Name: "archive.bin", PathDisplay: "/archive.bin", Size: uint64(len(payload))},
		ContentLength: uint64(len(rest)),
		Body:          io.NopCloser(body),
	}
}

func cleanReply(payload []byte, start uint64) *stashapi.DownloadReply {
	return partialReply(payload, start, len(payload)-int(start), nil)
}

func TestSessionStreamsWholeFile(t *testing.T) {
	payload := testutil.PatternData(64 * 1024)
	fake := &fakeDownloadClient{script: func(call int, start uint64) (*stashapi.DownloadReply, error) {
		return cleanReply(payload, start), nil
	}}

	sess, err := Open(context.Background(), fake, "/archive.bin", backoff.DefaultPolicy(), log.NewLogger())
	require.NoError(t, err)

	assert.Equal(t, "archive.bin", sess.Metadata().Name)
	assert.Equal(t, uint64(len(payload)), sess.Metadata().Size)

	data, err := io.ReadAll(sess)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, uint64(len(payload)), sess.BytesRead())
	assert.Equal(t, []uint64{0}, fake.starts)

	require.NoError(t, sess.Close())
}

func TestSessionResumesAfterMidStreamDrop(t *testing.T) {
	payload := testutil.PatternData(128 * 1024)
	const delivered = 50000

	fake := &fakeDownloadClient{}
	fake.script = func(call int, start uint64) (*stashapi.DownloadReply, error) {
		if call == 1 {
			reply := partialReply(payload, start, delivered, io.ErrUnexpectedEOF)
			reply.Metadata.Rev = "rev-first"
			return reply, nil
		}
		reply := cleanReply(payload, start)
		reply.Metadata.Rev = "rev-second"
		return reply, nil
	}

	sess, err := Open(context.Background(), fake, "/archive.bin", backoff.DefaultPolicy(), log.NewLogger())
	require.NoError(t, err)
	sess.sleep = (&testutil.SleepRecorder{}).Sleep

	data, err := io.ReadAll(sess)
	require.NoError(t, err)
	assert.Equal(t, payload, data, "resumed stream must be byte-identical")

	assert.Equal(t, []uint64{0, delivered}, fake.starts, "resume must re-request from the interruption point")
	assert.Equal(t, "rev-first", sess.Metadata().Rev, "metadata stays pinned to the first response")
}

func TestSessionResumesAfterShortCleanBody(t *testing.T) {
	// A server that closes the stream cleanly before the announced length
	// must not silently truncate the download.
	payload := testutil.PatternData(80 * 1024)
	const delivered = 30000

	fake := &fakeDownloadClient{}
	fake.script = func(call int, start uint64) (*stashapi.DownloadReply, error) {
		if call == 1 {
			return partialReply(payload, start, delivered, nil), nil
		}
		return cleanReply(payload, start), nil
	}

	sess, err := Open(context.Background(), fake, "/archive.bin", backoff.DefaultPolicy(), log.NewLogger())
	require.NoError(t, err)
	sess.sleep = (&testutil.SleepRecorder{}).Sleep

	data, err := io.ReadAll(sess)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, []uint64{0, delivered}, fake.starts)
}

func TestSessionRangeResumeKeepsUserRange(t *testing.T) {
	payload := testutil.PatternData(1000)
	rangeStart := uint64(100)
	rangeEnd := uint64(899)

	fake := &fakeDownloadClient{}
	fake.script = func(call int, start uint64) (*stashapi.DownloadReply, error) {
		rest := payload[start : rangeEnd+1]
		if call == 1 {
			return &stashapi.DownloadReply{
				Metadata:      stashapi.FileMetadata{Name: "archive.bin", Size: uint64(len(payload))},
				ContentLength: uint64(len(rest)),
				Body:          io.NopCloser(io.MultiReader(bytes.NewReader(rest[:40]), errReader{io.ErrUnexpectedEOF})),
			}, nil
		}
		return &stashapi.DownloadReply{
			Metadata:      stashapi.FileMetadata{Name: "archive.bin", Size: uint64(len(payload))},
			ContentLength: uint64(len(rest)),
			Body:          io.NopCloser(bytes.NewReader(rest)),
		}, nil
	}

	sess, err := OpenRange(context.Background(), fake, "/archive.bin", &rangeStart, &rangeEnd, backoff.DefaultPolicy(), log.NewLogger())
	require.NoError(t, err)
	sess.sleep = (&testutil.SleepRecorder{}).Sleep

	data, err := io.ReadAll(sess)
	require.NoError(t, err)
	assert.Equal(t, payload[100:900], data)

	// The re-request starts at range start plus consumed bytes and keeps the
	// original upper bound.
	assert.Equal(t, []uint64{100, 140}, fake.starts)
	for _, end := range fake.ends {
		require.NotNil(t, end)
		assert.Equal(t, rangeEnd, *end)
	}
}

func TestOpenFailsFastOnPermanentError(t *testing.T) {
	fake := &fakeDownloadClient{script: func(call int, start uint64) (*stashapi.DownloadReply, error) {
		return nil, &stashapi.APIError{Op: "files/download", Tag: "not_found", StatusCode: 409}
	}}

	_, err := Open(context.Background(), fake, "/missing.bin", backoff.DefaultPolicy(), log.NewLogger())
	require.Error(t, err)

	var apiErr *stashapi.APIError
	assert.ErrorAs(t, err, &apiErr)
	assert.Len(t, fake.starts, 1, "permanent errors must not be retried")
}

func TestRequestRetriesTransientErrors(t *testing.T) {
	payload := testutil.PatternData(4096)
	fake := &fakeDownloadClient{}
	fake.script = func(call int, start uint64) (*stashapi.DownloadReply, error) {
		if call == 1 {
			return nil, &stashapi.ServerError{Op: "files/download", StatusCode: 503}
		}
		return cleanReply(payload, start), nil
	}

	recorder := &testutil.SleepRecorder{}
	sess := &Session{
		client: fake,
		logger: log.NewLogger(),
		policy: backoff.DefaultPolicy(),
		ctx:    context.Background(),
		path:   "/archive.bin",
		sleep:  recorder.Sleep,
	}
	require.NoError(t, sess.request())

	data, err := io.ReadAll(sess)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	sleeps := recorder.Recorded()
	require.Len(t, sleeps, 1)
	assert.InDelta(t, float64(500*time.Millisecond), float64(sleeps[0]), float64(125*time.Millisecond))
}

func TestRequestRateLimitKeepsRetryBudget(t *testing.T) {
	payload := testutil.PatternData(4096)
	fake := &fakeDownloadClient{}
	fake.script = func(call int, start uint64) (*stashapi.DownloadReply, error) {
		if call <= 2 {
			return nil, &stashapi.RateLimitedError{Op: "files/download", RetryAfter: 5 * time.Second}
		}
		return cleanReply(payload, start), nil
	}

	recorder := &testutil.SleepRecorder{}
	sess := &Session{
		client: fake,
		logger: log.NewLogger(),
		policy: backoff.Policy{Tries: 1, Initial: 500 * time.Millisecond, Max: 2 * time.Second},
		ctx:    context.Background(),
		path:   "/archive.bin",
		sleep:  recorder.Sleep,
	}
	require.NoError(t, sess.request())

	assert.Len(t, fake.starts, 3)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, recorder.Recorded(),
		"each wait must be exactly the server-given duration")
}

func TestReadGivesUpWhenRetryBudgetExhausted(t *testing.T) {
	payload := testutil.PatternData(4096)
	fake := &fakeDownloadClient{script: func(call int, start uint64) (*stashapi.DownloadReply, error) {
		return partialReply(payload, start, 0, io.ErrUnexpectedEOF), nil
	}}

	recorder := &testutil.SleepRecorder{}
	sess := &Session{
		client: fake,
		logger: log.NewLogger(),
		policy: backoff.DefaultPolicy(),
		ctx:    context.Background(),
		path:   "/archive.bin",
		sleep:  recorder.Sleep,
	}
	require.NoError(t, sess.request())

	_, err := sess.Read(make([]byte, 64))
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	assert.Len(t, fake.starts, 3, "initial request plus two re-requests")
	assert.Len(t, recorder.Recorded(), 2)
}

func TestSessionResumeOverHTTP(t *testing.T) {
	payload := testutil.PatternData(256 * 1024)
	metadataJSON, err := json.Marshal(stashapi.FileMetadata{Name: "archive.bin", PathDisplay: "/archive.bin", Size: uint64(len(payload))})
	require.NoError(t, err)

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2/files/download", r.URL.Path)
		start := rangeStartOf(r.Header.Get("Range"))
		rest := payload[start:]

		w.Header().Set("Stash-API-Result", string(metadataJSON))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(rest)))
		w.WriteHeader(http.StatusPartialContent)

		if atomic.AddInt32(&calls, 1) == 1 {
			_, _ = w.Write(rest[:len(rest)/2])
			w.(http.Flusher).Flush()
			panic(http.ErrAbortHandler)
		}
		_, _ = w.Write(rest)
	}))
	defer srv.Close()

	logger := log.NewLogger()
	client := stashapi.NewClient(stashapi.Config{BaseURL: srv.URL, Token: "test-token"}, logger)

	sess, err := Open(context.Background(), client, "/archive.bin", backoff.DefaultPolicy(), logger)
	require.NoError(t, err)
	sess.sleep = (&testutil.SleepRecorder{}).Sleep

	data, err := io.ReadAll(sess)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, "archive.bin", sess.Metadata().Name)
	require.NoError(t, sess.Close())
}

// rangeStartOf parses the start of a "bytes=N-" header. It runs inside
// handler goroutines, so it stays lenient: a malformed header reads as 0 and
// the content assertions catch it.
func rangeStartOf(header string) uint64 {
	value := strings.TrimPrefix(header, "bytes=")
	value = strings.TrimSuffix(value, "-")
	start, _ := strconv.ParseUint(value, 10, 64)
	return start
}
