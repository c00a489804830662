// Package redmine provides the target-system client: core REST endpoints,
// binary uploads and the optional extended API plugin.
package redmine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/steveyegge/trackbridge/internal/retry"
	"github.com/steveyegge/trackbridge/internal/types"
)

// ExtendedAPIHeader is set by the extended API plugin on every response.
const ExtendedAPIHeader = "X-Redmine-Extended-API"

// DefaultExtendedPrefix is where the extended API plugin is mounted.
const DefaultExtendedPrefix = "/extended_api"

// maxResponseSize bounds how much of a response body is read.
const maxResponseSize = 50 * 1024 * 1024

// Client provides HTTP access to a Redmine instance.
type Client struct {
	URL            string
	APIKey         string
	ExtendedPrefix string
	HTTPClient     *http.Client
	Retry          retry.Policy
	Logger         *slog.Logger
}

// NewClient creates a new client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		URL:            strings.TrimSuffix(baseURL, "/"),
		APIKey:         apiKey,
		ExtendedPrefix: DefaultExtendedPrefix,
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Response is a completed call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ExtendedPath joins the extended API prefix and path.
func (c *Client) ExtendedPath(path string) string {
	prefix := c.ExtendedPrefix
	if prefix == "" {
		prefix = DefaultExtendedPrefix
	}
	return "/" + strings.Trim(prefix, "/") + path
}

// do executes an authenticated request. Only HTTP 429 is retried. Non-2xx
// responses come back as a *types.Error carrying the status and the server's
// explanation.
// requestBody opens a fresh reader for every attempt, so a retried request
// resends the whole body.
type requestBody struct {
	open func() (io.ReadCloser, error)
	size int64
}

func bytesBody(b []byte) *requestBody {
	return &requestBody{
		open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(b)), nil },
		size: int64(len(b)),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body *requestBody, contentType string) (*Response, error) {
	if c.URL == "" {
		return nil, fmt.Errorf("target URL not configured")
	}
	if c.APIKey == "" {
		return nil, fmt.Errorf("target API key not configured")
	}

	resp, err := c.Retry.Do(ctx, func() (*http.Response, error) {
		var reader io.ReadCloser
		if body != nil {
			r, err := body.open()
			if err != nil {
				return nil, fmt.Errorf("open request body: %w", err)
			}
			reader = r
		}
		req, err := http.NewRequestWithContext(ctx, method, c.URL+path, reader)
		if err != nil {
			if reader != nil {
				_ = reader.Close()
			}
			return nil, fmt.Errorf("create request: %w", err)
		}
		if body != nil {
			req.ContentLength = body.size
		}
		req.Header.Set("X-Redmine-API-Key", c.APIKey)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "trackbridge/1.0")
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		return c.httpClient().Do(req)
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, types.HTTPError(resp.StatusCode, ErrorText(respBody))
	}
	return out, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// PostJSON sends payload to path.
func (c *Client) PostJSON(ctx context.Context, path string, payload any) (*Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, bytesBody(data), "application/json")
}

// Get fetches path.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, nil, "")
}

// Upload streams a file to /uploads.json and returns the upload token. open
// is called once per attempt; the reader it returns is closed by the
// transport.
func (c *Client) Upload(ctx context.Context, filename string, open func() (io.ReadCloser, error), size int64) (string, error) {
	path := "/uploads.json"
	if filename != "" {
		path += "?filename=" + url.QueryEscape(filename)
	}
	resp, err := c.do(ctx, http.MethodPost, path, &requestBody{open: open, size: size}, "application/octet-stream")
	if err != nil {
		return "", err
	}
	var result struct {
		Upload struct {
			Token string `json:"token"`
		} `json:"upload"`
	}
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return "", &types.Error{Kind: types.ErrPermanent, StatusCode: resp.StatusCode, Message: "malformed upload response", Err: err}
	}
	if result.Upload.Token == "" {
		return "", types.NewError(types.ErrPermanent, "upload response has no token")
	}
	return result.Upload.Token, nil
}

// ProbeExtendedAPI reports whether the extended API plugin answers under the
// configured prefix. A reachable server without the sentinel header is not
// an error; it simply lacks the plugin.
func (c *Client) ProbeExtendedAPI(ctx context.Context) (bool, error) {
	resp, err := c.Get(ctx, c.ExtendedPath("/issue_statuses.json"))
	if err != nil {
		if types.KindOf(err) == types.ErrPermanent {
			return false, nil
		}
		return false, err
	}
	return resp.Header.Get(ExtendedAPIHeader) != "", nil
}

var (
	tagPattern   = regexp.MustCompile(`(?s)<script.*?</script>|<style.*?</style>|<[^>]*>`)
	spacePattern = regexp.MustCompile(`\s+`)
)

// ErrorText extracts the server's explanation from an error body: the
// "errors" list of a JSON body, else the body with HTML stripped.
func ErrorText(body []byte) string {
	var payload struct {
		Errors []string `json:"errors"`
		Error  string   `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if len(payload.Errors) > 0 {
			return strings.Join(payload.Errors, "; ")
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	text := tagPattern.ReplaceAllString(string(body), " ")
	return strings.TrimSpace(spacePattern.ReplaceAllString(text, " "))
}
