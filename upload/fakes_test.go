package upload

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/stash-hq/go-stashutils/contenthash"
	"github.com/stash-hq/go-stashutils/stashapi"
)

type appendCall struct {
	cursor       stashapi.UploadSessionCursor
	size         int
	closeSession bool
}

// fakeSessionClient is an in-memory stand-in for the remote session API. It
// stores appended chunks keyed by offset and can be scripted to fail via the
// hook functions, which see the per-offset (or per-finish) attempt number
// starting at 1.
type fakeSessionClient struct {
	mu sync.Mutex

	sessionID      string
	appends        []appendCall
	data           map[uint64][]byte
	closed         bool
	appendAttempts map[uint64]int

	finishAttempts int
	committed      *stashapi.CommitInfo
	committedSize  uint64

	appendHook func(cursor stashapi.UploadSessionCursor, attempt int) error
	finishHook func(attempt int) error
}

func newFakeSessionClient() *fakeSessionClient {
	return &fakeSessionClient{
		sessionID:      uuid.NewString(),
		data:           map[uint64][]byte{},
		appendAttempts: map[uint64]int{},
	}
}

func (f *fakeSessionClient) UploadSessionStart(ctx context.Context) (string, error) {
	return f.sessionID, nil
}

func (f *fakeSessionClient) UploadSessionAppend(ctx context.Context, cursor stashapi.UploadSessionCursor, data []byte, closeSession bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.appendAttempts[cursor.Offset]++
	if f.appendHook != nil {
		if err := f.appendHook(cursor, f.appendAttempts[cursor.Offset]); err != nil {
			return err
		}
	}

	f.appends = append(f.appends, appendCall{cursor: cursor, size: len(data), closeSession: closeSession})
	if len(data) > 0 {
		f.data[cursor.Offset] = append([]byte(nil), data...)
	}
	if closeSession {
		f.closed = true
	}
	return nil
}

func (f *fakeSessionClient) UploadSessionFinish(ctx context.Context, cursor stashapi.UploadSessionCursor, commit stashapi.CommitInfo) (*stashapi.FileMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.finishAttempts++
	if f.finishHook != nil {
		if err := f.finishHook(f.finishAttempts); err != nil {
			return nil, err
		}
	}

	f.committed = &commit
	f.committedSize = cursor.Offset
	return &stashapi.FileMetadata{
		Name:        path.Base(commit.Path),
		PathLower:   strings.ToLower(commit.Path),
		PathDisplay: commit.Path,
		Size:        cursor.Offset,
		ContentHash: contenthash.HexSum(f.assembled()),
	}, nil
}

// assembled stitches the stored chunks together in offset order. Callers hold
// f.mu.
func (f *fakeSessionClient) assembled() []byte {
	offsets := make([]uint64, 0, len(f.data))
	for offset := range f.data {
		offsets = append(offsets, offset)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	var out []byte
	for _, offset := range offsets {
		out = append(out, f.data[offset]...)
	}
	return out
}

func (f *fakeSessionClient) assembledData() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.assembled()
}

func (f *fakeSessionClient) appendCalls() []appendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]appendCall(nil), f.appends...)
}

func (f *fakeSessionClient) attempts(offset uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appendAttempts[offset]
}

func (f *fakeSessionClient) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
