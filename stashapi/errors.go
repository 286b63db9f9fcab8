package stashapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RateLimitedError is returned for HTTP 429 responses. RetryAfter is the wait
// the server asked for; callers honor it exactly and do not count the response
// against their retry budget.
type RateLimitedError struct {
	Op         string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: rate limited, retry after %s", e.Op, e.RetryAfter)
}

// IncorrectOffsetError is returned when an append's offset does not match the
// session's position on the server. CorrectOffset is authoritative.
type IncorrectOffsetError struct {
	Op            string
	CorrectOffset uint64
}

func (e *IncorrectOffsetError) Error() string {
	return fmt.Sprintf("%s: incorrect offset, server expects %d", e.Op, e.CorrectOffset)
}

// APIError is a structured application error (4xx with a JSON body): a path
// conflict, a missing file, an expired session. These are permanent; retrying
// the identical call cannot succeed.
type APIError struct {
	Op         string
	Tag        string
	Summary    string
	StatusCode int
}

func (e *APIError) Error() string {
	if e.Tag != "" {
		return fmt.Sprintf("%s: %s (HTTP %d, %s)", e.Op, e.Tag, e.StatusCode, e.Summary)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Summary)
}

// ServerError is a 5xx response. Transient; safe to retry.
type ServerError struct {
	Op         string
	StatusCode int
	Summary    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: server error HTTP %d: %s", e.Op, e.StatusCode, e.Summary)
}

// IsRetryable reports whether retrying the same call can possibly succeed.
// Server errors and transport failures are retryable; structured application
// errors are not. Rate limits are neither: they are their own case, handled by
// waiting out RateLimitedError.RetryAfter.
func IsRetryable(err error) bool {
	var apiErr *APIError
	var offsetErr *IncorrectOffsetError
	var rateErr *RateLimitedError
	switch {
	case errors.As(err, &apiErr), errors.As(err, &offsetErr), errors.As(err, &rateErr):
		return false
	default:
		return true
	}
}

const errorBodyLimit = 4096

type apiErrorBody struct {
	ErrorSummary string         `json:"error_summary"`
	Err          apiErrorDetail `json:"error"`
}

type apiErrorDetail struct {
	Tag           string `json:".tag"`
	RetryAfter    uint64 `json:"retry_after"`
	CorrectOffset uint64 `json:"correct_offset"`
}

const tagIncorrectOffset = "incorrect_offset"

// parseErrorResponse turns a non-2xx response into the matching typed error.
// The body is consumed (up to a sane limit) but not closed.
func parseErrorResponse(op string, resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	if err != nil {
		return fmt.Errorf("%s: HTTP %d (error body unreadable: %s)", op, resp.StatusCode, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{Op: op, RetryAfter: retryAfterOf(resp, body)}

	case resp.StatusCode >= 500:
		return &ServerError{Op: op, StatusCode: resp.StatusCode, Summary: strings.TrimSpace(string(body))}

	default:
		var parsed apiErrorBody
		if json.Unmarshal(body, &parsed) == nil && parsed.Err.Tag != "" {
			if parsed.Err.Tag == tagIncorrectOffset {
				return &IncorrectOffsetError{Op: op, CorrectOffset: parsed.Err.CorrectOffset}
			}
			return &APIError{Op: op, Tag: parsed.Err.Tag, Summary: parsed.ErrorSummary, StatusCode: resp.StatusCode}
		}
		return &APIError{Op: op, Summary: strings.TrimSpace(string(body)), StatusCode: resp.StatusCode}
	}
}

func retryAfterOf(resp *http.Response, body []byte) time.Duration {
	var parsed apiErrorBody
	if json.Unmarshal(body, &parsed) == nil && parsed.Err.RetryAfter > 0 {
		return time.Duration(parsed.Err.RetryAfter) * time.Second
	}
	if header := resp.Header.Get("Retry-After"); header != "" {
		if secs, err := strconv.ParseUint(header, 10, 32); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
