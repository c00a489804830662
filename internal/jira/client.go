// Package jira is the read-only source client: it pages through a Jira
// instance and turns users, groups, workflow configuration, issue links and
// attachments into staging rows.
package jira

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/steveyegge/trackbridge/internal/retry"
	"github.com/steveyegge/trackbridge/internal/types"
)

// DefaultPageSize is the maxResults used when PageSize is zero.
const DefaultPageSize = 100

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4096

// Client provides HTTP access to a Jira instance.
type Client struct {
	URL      string
	Username string
	APIToken string
	// Project scopes issue, link and attachment queries.
	Project  string
	PageSize int

	HTTPClient *http.Client
	Retry      retry.Policy
	Logger     *slog.Logger
}

// NewClient creates a new Jira client.
func NewClient(url, username, apiToken string) *Client {
	return &Client{
		URL:      strings.TrimSuffix(url, "/"),
		Username: username,
		APIToken: apiToken,
		PageSize: DefaultPageSize,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) pageSize() int {
	if c.PageSize <= 0 {
		return DefaultPageSize
	}
	return c.PageSize
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// send performs an authenticated GET through the rate-limit policy and
// returns the open response. Non-2xx statuses become a *types.Error.
func (c *Client) send(ctx context.Context, apiURL, accept string) (*http.Response, error) {
	if c.URL == "" {
		return nil, fmt.Errorf("jira URL not configured")
	}
	if c.APIToken == "" {
		return nil, fmt.Errorf("jira API token not configured")
	}

	resp, err := c.Retry.Do(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		c.setAuth(req)
		req.Header.Set("Accept", accept)
		req.Header.Set("User-Agent", "trackbridge/1.0")
		return c.httpClient().Do(req)
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, types.HTTPError(resp.StatusCode, errorText(body))
	}
	return resp, nil
}

// doRequest executes an authenticated GET and returns the response body.
func (c *Client) doRequest(ctx context.Context, apiURL string) ([]byte, error) {
	resp, err := c.send(ctx, apiURL, "application/json")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

// getJSON fetches path (relative to the instance URL) with query params and
// decodes the body into v.
func (c *Client) getJSON(ctx context.Context, path string, params url.Values, v any) error {
	apiURL := c.URL + path
	if len(params) > 0 {
		apiURL += "?" + params.Encode()
	}
	body, err := c.doRequest(ctx, apiURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &types.Error{Kind: types.ErrPermanent, Message: "parse Jira response for " + path, Err: err}
	}
	return nil
}

// Download streams an attachment's content into w.
func (c *Client) Download(ctx context.Context, contentURL string, w io.Writer) (int64, error) {
	if !strings.HasPrefix(contentURL, "http://") && !strings.HasPrefix(contentURL, "https://") {
		contentURL = c.URL + "/" + strings.TrimPrefix(contentURL, "/")
	}
	resp, err := c.send(ctx, contentURL, "*/*")
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("download %s: %w", contentURL, err)
	}
	return n, nil
}

// setAuth sets the appropriate authentication header on the request.
func (c *Client) setAuth(req *http.Request) {
	if c.Username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.APIToken))
		req.Header.Set("Authorization", "Basic "+auth)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.APIToken)
	}
}

// errorText pulls Jira's errorMessages out of an error body.
func errorText(body []byte) string {
	var payload struct {
		ErrorMessages []string          `json:"errorMessages"`
		Errors        map[string]string `json:"errors"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		msgs := append([]string(nil), payload.ErrorMessages...)
		fields := make([]string, 0, len(payload.Errors))
		for k := range payload.Errors {
			fields = append(fields, k)
		}
		sort.Strings(fields)
		for _, k := range fields {
			msgs = append(msgs, k+": "+payload.Errors[k])
		}
		if len(msgs) > 0 {
			return strings.Join(msgs, "; ")
		}
	}
	return strings.TrimSpace(string(body))
}
