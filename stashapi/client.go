// Package stashapi is the HTTP client for the Stash API. It covers the upload
// session protocol (start, offset-addressed append, finish), metadata and
// listing calls, and ranged content download.
//
// The package is a thin boundary: it translates calls to the wire and wire
// failures to typed errors. Transfer policy (parallelism, backoff, resume)
// lives in the upload and download packages.
package stashapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stash-hq/go-stashutils/contenthash"
)

// API routes. RPC routes carry JSON bodies; content routes carry their args in
// the Stash-API-Arg header and their payload in the body.
const (
	routeSessionStart       = "/2/files/upload_session/start"
	routeSessionAppend      = "/2/files/upload_session/append"
	routeSessionFinish      = "/2/files/upload_session/finish"
	routeGetMetadata        = "/2/files/get_metadata"
	routeListFolder         = "/2/files/list_folder"
	routeListFolderContinue = "/2/files/list_folder/continue"
	routeGetTemporaryLink   = "/2/files/get_temporary_link"
	routeDownload           = "/2/files/download"
)

const (
	argHeader    = "Stash-API-Arg"
	resultHeader = "Stash-API-Result"
)

// Config holds the connection settings of a Client.
type Config struct {
	// BaseURL of the API, e.g. "https://api.stash.example".
	BaseURL string
	// Token is the bearer access token.
	Token string
	// HTTPClient overrides the default transport. Optional.
	HTTPClient *retryablehttp.Client
}

// Client calls the Stash API. Safe for concurrent use.
type Client struct {
	httpClient *retryablehttp.Client
	baseURL    string
	token      string
	logger     log.Logger
}

// NewClient returns a Client for the given config. When cfg.HTTPClient is nil
// the transport from DefaultHTTPClient is used.
func NewClient(cfg Config, logger log.Logger) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = DefaultHTTPClient(logger)
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		token:      cfg.Token,
		logger:     logger,
	}
}

// DefaultHTTPClient builds the transport used when Config.HTTPClient is nil:
// pooling sized for parallel chunk traffic, and transport-level retries for
// connection setup failures only. A completed HTTP response is never replayed
// here. Protocol-level retries are owned by the callers, and replaying under
// them would break their attempt accounting.
func DefaultHTTPClient(logger log.Logger) *retryablehttp.Client {
	client := retryhttp.NewClient(logger)
	client.RetryMax = 2
	client.CheckRetry = transportRetryPolicy
	client.HTTPClient.Transport = &http.Transport{
		MaxIdleConns:        50,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     10 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
		Proxy:               http.ProxyFromEnvironment,
	}
	return client
}

func transportRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if resp == nil && err != nil {
		return true, nil
	}
	return false, nil
}

// UploadSessionStart opens a new upload session and returns its ID.
func (c *Client) UploadSessionStart(ctx context.Context) (string, error) {
	var result struct {
		SessionID string `json:"session_id"`
	}
	if err := c.rpc(ctx, routeSessionStart, struct{}{}, &result); err != nil {
		return "", err
	}
	c.logger.Debugf("Started upload session %s", result.SessionID)
	return result.SessionID, nil
}

type appendArg struct {
	Cursor      UploadSessionCursor `json:"cursor"`
	Close       bool                `json:"close"`
	ContentHash string              `json:"content_hash,omitempty"`
}

// UploadSessionAppend appends data to a session at the cursor's offset.
// closeSession marks the session complete in the same request; no further
// appends are accepted afterwards. data may be empty, which is how a session
// whose length is an exact multiple of the chunk size gets closed.
//
// Data-bearing appends carry the content hash of the body so the server can
// reject corrupted transfers per request.
func (c *Client) UploadSessionAppend(ctx context.Context, cursor UploadSessionCursor, data []byte, closeSession bool) error {
	const op = "files/upload_session/append"

	arg := appendArg{Cursor: cursor, Close: closeSession}
	if len(data) > 0 {
		arg.ContentHash = contenthash.HexSum(data)
	}
	argJSON, err := json.Marshal(arg)
	if err != nil {
		return fmt.Errorf("%s: marshal args: %w", op, err)
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, c.baseURL+routeSessionAppend, data)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	req.Header.Set(argHeader, asciiEscape(string(argJSON)))
	req.Header.Set("Content-type", "application/octet-stream")

	c.logger.Debugf("Append session=%s offset=%d len=%d close=%t", cursor.SessionID, cursor.Offset, len(data), closeSession)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return parseErrorResponse(op, resp)
	}
	return nil
}

type finishArg struct {
	Cursor UploadSessionCursor `json:"cursor"`
	Commit CommitInfo          `json:"commit"`
}

// UploadSessionFinish commits a closed session to its destination path and
// returns the metadata of the created file.
func (c *Client) UploadSessionFinish(ctx context.Context, cursor UploadSessionCursor, commit CommitInfo) (*FileMetadata, error) {
	var result FileMetadata
	if err := c.rpc(ctx, routeSessionFinish, finishArg{Cursor: cursor, Commit: commit}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type pathArg struct {
	Path string `json:"path"`
}

// GetMetadata looks up the metadata of a file or folder.
func (c *Client) GetMetadata(ctx context.Context, path string) (*Metadata, error) {
	var result Metadata
	err := c.callWithRetry(ctx, "files/get_metadata", func() error {
		result = Metadata{}
		return c.rpc(ctx, routeGetMetadata, pathArg{Path: path}, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

type listFolderArg struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
}

// ListFolder fetches the first page of a folder listing. The service expects
// the root folder as the empty string.
func (c *Client) ListFolder(ctx context.Context, path string, recursive bool) (*ListFolderResult, error) {
	var result ListFolderResult
	err := c.callWithRetry(ctx, "files/list_folder", func() error {
		result = ListFolderResult{}
		return c.rpc(ctx, routeListFolder, listFolderArg{Path: path, Recursive: recursive}, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

type cursorArg struct {
	Cursor string `json:"cursor"`
}

// ListFolderContinue fetches the next listing page for a cursor.
func (c *Client) ListFolderContinue(ctx context.Context, cursor string) (*ListFolderResult, error) {
	var result ListFolderResult
	err := c.callWithRetry(ctx, "files/list_folder/continue", func() error {
		result = ListFolderResult{}
		return c.rpc(ctx, routeListFolderContinue, cursorArg{Cursor: cursor}, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// GetTemporaryLink returns a short-lived direct download URL for a file.
func (c *Client) GetTemporaryLink(ctx context.Context, path string) (*TemporaryLink, error) {
	var result TemporaryLink
	err := c.callWithRetry(ctx, "files/get_temporary_link", func() error {
		result = TemporaryLink{}
		return c.rpc(ctx, routeGetTemporaryLink, pathArg{Path: path}, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// DownloadReply is an open content download. The caller owns Body and must
// close it.
type DownloadReply struct {
	Metadata      FileMetadata
	ContentLength uint64
	Body          io.ReadCloser
}

// Download opens a (possibly ranged) content download of a file. rangeStart
// and rangeEnd follow HTTP semantics: both optional, end inclusive. No retry
// is applied here; resumable reads are the download package's job.
func (c *Client) Download(ctx context.Context, path string, rangeStart, rangeEnd *uint64) (*DownloadReply, error) {
	const op = "files/download"

	argJSON, err := json.Marshal(pathArg{Path: path})
	if err != nil {
		return nil, fmt.Errorf("%s: marshal args: %w", op, err)
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, c.baseURL+routeDownload, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	req.Header.Set(argHeader, asciiEscape(string(argJSON)))
	if rangeHeader := formatRange(rangeStart, rangeEnd); rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		defer func(body io.ReadCloser) {
			err := body.Close()
			if err != nil {
				c.logger.Printf(err.Error())
			}
		}(resp.Body)
		return nil, parseErrorResponse(op, resp)
	}

	var metadata FileMetadata
	if headerJSON := resp.Header.Get(resultHeader); headerJSON != "" {
		if err := json.Unmarshal([]byte(headerJSON), &metadata); err != nil {
			c.discardBody(resp.Body)
			return nil, fmt.Errorf("%s: parse %s header: %w", op, resultHeader, err)
		}
	}
	if resp.ContentLength < 0 {
		c.discardBody(resp.Body)
		return nil, fmt.Errorf("%s: response has no content length", op)
	}

	return &DownloadReply{
		Metadata:      metadata,
		ContentLength: uint64(resp.ContentLength),
		Body:          resp.Body,
	}, nil
}

// rpc posts JSON args to an RPC route and decodes the JSON reply into result
// (skipped when result is nil).
func (c *Client) rpc(ctx context.Context, route string, args interface{}, result interface{}) error {
	op := strings.TrimPrefix(route, "/2/")

	body, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("%s: marshal args: %w", op, err)
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, c.baseURL+route, body)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	req.Header.Set("Content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return parseErrorResponse(op, resp)
	}
	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

const simpleCallAttempts = 3

// callWithRetry runs fn up to three times. Rate-limited responses wait out the
// server-given delay without consuming an attempt; every other failure counts
// and is retried immediately. These are cheap metadata calls; the transfer
// paths carry their own backoff policies instead.
func (c *Client) callWithRetry(ctx context.Context, op string, fn func() error) error {
	failures := 0
	for {
		err := fn()
		if err == nil {
			return nil
		}

		var rateLimited *RateLimitedError
		if errors.As(err, &rateLimited) {
			c.logger.Warnf("%s: rate limited, waiting %s", op, rateLimited.RetryAfter)
			if rateLimited.RetryAfter > 0 {
				select {
				case <-time.After(rateLimited.RetryAfter):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			continue
		}

		failures++
		if failures == simpleCallAttempts {
			c.logger.Warnf("%s: %s, failing", op, err)
			return err
		}
		c.logger.Warnf("%s: %s, retrying", op, err)
	}
}

func (c *Client) discardBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}

func formatRange(start, end *uint64) string {
	switch {
	case start == nil && end == nil:
		return ""
	case end == nil:
		return fmt.Sprintf("bytes=%d-", *start)
	case start == nil:
		return fmt.Sprintf("bytes=0-%d", *end)
	default:
		return fmt.Sprintf("bytes=%d-%d", *start, *end)
	}
}

// asciiEscape rewrites non-ASCII runes as JSON \uXXXX sequences so the value
// is safe to send in an HTTP header.
func asciiEscape(s string) string {
	ascii := true
	for _, r := range s {
		if r >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return s
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case r < 0x80:
			b.WriteRune(r)
		case r > 0xFFFF:
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(&b, "\\u%04x\\u%04x", hi, lo)
		default:
			fmt.Fprintf(&b, "\\u%04x", r)
		}
	}
	return b.String()
}
