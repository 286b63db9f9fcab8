package upload

import (
	"fmt"
	"strconv"
	"strings"
)

// Resume identifies an interrupted upload: the remote session and the length
// of its acknowledged contiguous prefix. It is the only state that has to
// survive a crash to continue an upload without re-sending acknowledged
// bytes; persisting it is the caller's responsibility.
type Resume struct {
	SessionID string
	Offset    uint64
}

// String encodes the token as "<session_id>,<offset>".
func (r Resume) String() string {
	return fmt.Sprintf("%s,%d", r.SessionID, r.Offset)
}

// ParseResume decodes a token produced by Resume.String. The token splits at
// the rightmost comma, so session IDs that contain commas round-trip.
func ParseResume(s string) (Resume, error) {
	i := strings.LastIndexByte(s, ',')
	if i < 0 {
		return Resume{}, fmt.Errorf("invalid resume token %q: missing offset separator", s)
	}
	offset, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return Resume{}, fmt.Errorf("invalid resume token %q: %w", s, err)
	}
	return Resume{SessionID: s[:i], Offset: offset}, nil
}
