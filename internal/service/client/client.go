package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	domain "github.com/oshokin/build-archive/internal/domain/archive"
	"github.com/oshokin/build-archive/internal/version"
)

// DefaultCallTimeout bounds every call except archive downloads.
const DefaultCallTimeout = 30 * time.Second

var (
	// ErrNotFound is returned when the server knows nothing about a build.
	ErrNotFound = errors.New("not found")

	// errAddressRequired is returned when the server URL is missing.
	errAddressRequired = errors.New("server URL must be provided")
	// errUnexpectedStatus is returned for any other non-success answer.
	errUnexpectedStatus = errors.New("unexpected response status")
)

// Client is an HTTP client of the archive server.
type Client struct {
	// baseURL is the server root, without a trailing slash.
	baseURL string
	// http performs the requests.
	http *http.Client

	// callTimeout is the default timeout for individual calls.
	callTimeout time.Duration
}

// Option configures client behaviour.
type Option func(*Client)

// WithCallTimeout sets a default timeout for service calls.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.callTimeout = timeout
		}
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.http = httpClient
		}
	}
}

// New creates a client for the server at serverURL.
func New(serverURL string, opts ...Option) (*Client, error) {
	serverURL = strings.TrimRight(strings.TrimSpace(serverURL), "/")
	if serverURL == "" {
		return nil, errAddressRequired
	}

	if _, err := url.ParseRequestURI(serverURL); err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	client := &Client{
		baseURL:     serverURL,
		http:        http.DefaultClient,
		callTimeout: DefaultCallTimeout,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client, nil
}

// Generate submits a manifest for generation.
func (c *Client) Generate(ctx context.Context, manifest *domain.ContentManifest) error {
	body, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	response, err := c.call(ctx, http.MethodPost, "/api/archive/generate", body)
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}

	return drain(response, http.StatusAccepted)
}

// Status returns the generation status of a build.
func (c *Client) Status(ctx context.Context, buildID string) (domain.GenerationStatus, error) {
	response, err := c.call(ctx, http.MethodGet, "/api/archive/"+url.PathEscape(buildID)+"/status", nil)
	if err != nil {
		return 0, fmt.Errorf("status: %w", err)
	}

	defer closeBody(response)

	if err = expect(response, http.StatusOK); err != nil {
		return 0, err
	}

	var decoded struct {
		Status domain.GenerationStatus `json:"status"`
	}

	if err = json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return 0, fmt.Errorf("decode status: %w", err)
	}

	return decoded.Status, nil
}

// Download streams the archive of a build into w. No call timeout applies.
func (c *Client) Download(ctx context.Context, buildID string, w io.Writer) (int64, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/archive/"+url.PathEscape(buildID), nil)
	if err != nil {
		return 0, err
	}

	response, err := c.http.Do(request)
	if err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}

	defer closeBody(response)

	if err = expect(response, http.StatusOK); err != nil {
		return 0, err
	}

	written, err := io.Copy(w, response.Body)
	if err != nil {
		return written, fmt.Errorf("download: %w", err)
	}

	return written, nil
}

// Delete removes the archive of a build. With a checksum the server only
// deletes an archive whose SHA-256 digest matches.
func (c *Client) Delete(ctx context.Context, buildID, checksum string) error {
	path := "/api/archive/" + url.PathEscape(buildID)
	if checksum != "" {
		path += "?checksum=" + url.QueryEscape(checksum)
	}

	response, err := c.call(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	return drain(response, http.StatusNoContent)
}

// Cleanup triggers the retention sweep.
func (c *Client) Cleanup(ctx context.Context) error {
	response, err := c.call(ctx, http.MethodPost, "/api/archive/cleanup", nil)
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}

	return drain(response, http.StatusNoContent)
}

// VersionInfo returns the build metadata of the server.
func (c *Client) VersionInfo(ctx context.Context) (version.Info, error) {
	var info version.Info

	response, err := c.call(ctx, http.MethodGet, "/api/stats/version-info", nil)
	if err != nil {
		return info, fmt.Errorf("version info: %w", err)
	}

	defer closeBody(response)

	if err = expect(response, http.StatusOK); err != nil {
		return info, err
	}

	if err = json.NewDecoder(response.Body).Decode(&info); err != nil {
		return info, fmt.Errorf("decode version info: %w", err)
	}

	return info, nil
}

// call performs a request bounded by the call timeout and buffers the response body.
func (c *Client) call(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	request, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.http.Do(request)
	if err != nil {
		return nil, err
	}

	// The body must be read before cancel runs.
	content, err := io.ReadAll(response.Body)
	_ = response.Body.Close()

	if err != nil {
		return nil, err
	}

	response.Body = io.NopCloser(bytes.NewReader(content))

	return response, nil
}

// callContext returns a context with the client's call timeout if configured,
// otherwise a cancellable child context without a deadline.
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, c.callTimeout)
}

func expect(response *http.Response, status int) error {
	switch response.StatusCode {
	case status:
		return nil
	case http.StatusNotFound:
		return ErrNotFound
	default:
		message, _ := io.ReadAll(io.LimitReader(response.Body, 1<<10))

		return fmt.Errorf("%w: %s: %s", errUnexpectedStatus, response.Status, strings.TrimSpace(string(message)))
	}
}

func drain(response *http.Response, status int) error {
	defer closeBody(response)

	return expect(response, status)
}

func closeBody(response *http.Response) {
	_, _ = io.Copy(io.Discard, response.Body)
	_ = response.Body.Close()
}
