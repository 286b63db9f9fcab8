package stashapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func errorResponse(status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestParseErrorResponse(t *testing.T) {
	t.Run("rate limit with JSON retry_after", func(t *testing.T) {
		err := parseErrorResponse("op", errorResponse(429, `{"error": {".tag": "too_many_requests", "retry_after": 7}}`, nil))

		var rateErr *RateLimitedError
		require.ErrorAs(t, err, &rateErr)
		assert.Equal(t, 7*time.Second, rateErr.RetryAfter)
	})

	t.Run("rate limit with Retry-After header", func(t *testing.T) {
		header := http.Header{}
		header.Set("Retry-After", "12")
		err := parseErrorResponse("op", errorResponse(429, "", header))

		var rateErr *RateLimitedError
		require.ErrorAs(t, err, &rateErr)
		assert.Equal(t, 12*time.Second, rateErr.RetryAfter)
	})

	t.Run("rate limit without a hint", func(t *testing.T) {
		err := parseErrorResponse("op", errorResponse(429, "slow down", nil))

		var rateErr *RateLimitedError
		require.ErrorAs(t, err, &rateErr)
		assert.Equal(t, time.Duration(0), rateErr.RetryAfter)
	})

	t.Run("server error", func(t *testing.T) {
		err := parseErrorResponse("op", errorResponse(503, "maintenance", nil))

		var serverErr *ServerError
		require.ErrorAs(t, err, &serverErr)
		assert.Equal(t, 503, serverErr.StatusCode)
		assert.Equal(t, "maintenance", serverErr.Summary)
	})

	t.Run("incorrect offset", func(t *testing.T) {
		err := parseErrorResponse("op", errorResponse(409, `{"error_summary": "incorrect_offset/..", "error": {".tag": "incorrect_offset", "correct_offset": 4194304}}`, nil))

		var offsetErr *IncorrectOffsetError
		require.ErrorAs(t, err, &offsetErr)
		assert.Equal(t, uint64(4194304), offsetErr.CorrectOffset)
	})

	t.Run("tagged endpoint error", func(t *testing.T) {
		err := parseErrorResponse("op", errorResponse(409, `{"error_summary": "path/not_found/..", "error": {".tag": "not_found"}}`, nil))

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "not_found", apiErr.Tag)
		assert.Equal(t, "path/not_found/..", apiErr.Summary)
	})

	t.Run("unparseable body", func(t *testing.T) {
		err := parseErrorResponse("op", errorResponse(400, "<html>bad request</html>", nil))

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "", apiErr.Tag)
		assert.Equal(t, "<html>bad request</html>", apiErr.Summary)
		assert.Equal(t, 400, apiErr.StatusCode)
	})
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "endpoint error is permanent",
			err:      &APIError{Op: "op", Tag: "not_found"},
			expected: false,
		},
		{
			name:     "incorrect offset is permanent",
			err:      &IncorrectOffsetError{Op: "op", CorrectOffset: 8},
			expected: false,
		},
		{
			name:     "rate limit is not a plain retry",
			err:      &RateLimitedError{Op: "op"},
			expected: false,
		},
		{
			name:     "server error is retryable",
			err:      &ServerError{Op: "op", StatusCode: 502},
			expected: true,
		},
		{
			name:     "transport error is retryable",
			err:      errors.New("connection reset by peer"),
			expected: true,
		},
		{
			name:     "wrapping does not hide permanence",
			err:      fmt.Errorf("append: %w", &APIError{Op: "op", Tag: "not_found"}),
			expected: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, IsRetryable(tc.err))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	assert.Contains(t, (&RateLimitedError{Op: "files/list_folder", RetryAfter: 2 * time.Second}).Error(), "files/list_folder")
	assert.Contains(t, (&IncorrectOffsetError{Op: "files/upload_session/append", CorrectOffset: 42}).Error(), "42")
	assert.Contains(t, (&APIError{Op: "files/get_metadata", Tag: "not_found"}).Error(), "not_found")
	assert.Contains(t, (&ServerError{Op: "files/download", StatusCode: 502}).Error(), "502")
}
