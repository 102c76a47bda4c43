package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/charmbracelet/log"
)

// maxErrorBody limits how much of an error response is read for details
const maxErrorBody = 64 * 1024

// Options configure the connection to a registry
type Options struct {

	// URL is the registry base url, see ParseEndpoint
	URL string

	// Auth is handed to the provider chosen for the endpoint as is
	Auth string

	// Logger receives structured output, defaults to log.Default()
	Logger *log.Logger

	// Journal records pending tag restorations during deletions (optional)
	Journal Journal
}

func (o Options) logger() *log.Logger {
	if o.Logger != nil {
		return o.Logger
	}

	return log.Default()
}

// Client performs requests against the v2 API of a single registry. It does
// not retry, every failure is returned to the caller right away.
type Client struct {
	client   *http.Client
	endpoint Endpoint
	logger   *log.Logger
}

// NewClient returns a new client instance. An error wrapping
// ErrUnreachableRegistry is returned if the registry does not answer the
// /v2/ ping.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	endpoint, err := ParseEndpoint(opts.URL)
	if err != nil {
		return nil, err
	}

	provider, err := LookupProvider(*endpoint, opts.Auth)
	if err != nil {
		return nil, err
	}

	client, err := provider.GetClient(*endpoint, opts.Auth)
	if err != nil {
		return nil, err
	}

	c := &Client{
		client:   client,
		endpoint: *endpoint,
		logger:   opts.logger(),
	}

	if err := c.VersionCheck(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// Endpoint returns the endpoint the client is bound to
func (c *Client) Endpoint() Endpoint {
	return c.endpoint
}

// VersionCheck pings the /v2/ root of the registry
func (c *Client) VersionCheck(ctx context.Context) error {
	res, err := c.Call(ctx, http.MethodGet, "", nil, nil)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnreachableRegistry, c.endpoint, err)
	}

	res.Body.Close()
	return nil
}

// Call sends a single request to <endpoint>/v2/<path>. On success the caller
// owns the response body. Connection failures are returned as TransportError,
// responses outside the 2xx range as HTTPError.
func (c *Client) Call(ctx context.Context, method, path string, header http.Header, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint.URL(path), reader)
	if err != nil {
		return nil, fmt.Errorf("error creating request %s %s: %v", method, path, err)
	}

	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	c.logger.Debug("registry request", "method", method, "url", req.URL)

	res, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Method: method, Path: path, Err: err}
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		defer res.Body.Close()
		return nil, newHTTPError(method, path, res)
	}

	return res, nil
}

// errorResponse is the body registries send alongside failures
type errorResponse struct {
	Errors []ErrorDescriptor `json:"errors"`
}

func newHTTPError(method, path string, res *http.Response) *HTTPError {
	herr := &HTTPError{Method: method, Path: path, Status: res.StatusCode}

	// the details are a bonus, a body we can't parse is no error
	body, err := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	if err == nil && len(body) > 0 {
		var details errorResponse
		if json.Unmarshal(body, &details) == nil {
			herr.Errors = details.Errors
		}
	}

	return herr
}

// read consumes and closes the response body
func read(res *http.Response) ([]byte, error) {
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response body: %v", err)
	}

	return body, nil
}

// getJSON requests the given path and unmarshals the response into v
func (c *Client) getJSON(ctx context.Context, path string, v interface{}) (*http.Response, error) {
	res, err := c.Call(ctx, http.MethodGet, path, http.Header{"Accept": {"application/json"}}, nil)
	if err != nil {
		return nil, err
	}

	body, err := read(res)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return nil, fmt.Errorf("error unmarshaling %s: %v", path, err)
	}

	return res, nil
}
