package drive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/ontahood/drive-fetch/pkg/backoff"
	"github.com/ontahood/drive-fetch/pkg/plog"
)

// DefaultBaseURL is the metadata API endpoint of the remote store.
const DefaultBaseURL = "https://www.googleapis.com/drive/v3"

// DefaultPageSize is the listing page size. The API caps pages at 1000.
const DefaultPageSize = 1000

// listFields names the item attributes requested from the API. Asking for a
// fixed field set keeps listing payloads small and responses stable.
const listFields = "nextPageToken,files(id,name,mimeType,fileExtension,size,trashed,shortcutDetails,thumbnailLink)"

const itemFields = "id,name,mimeType,fileExtension,size,trashed,shortcutDetails,thumbnailLink"

// listRetryAttempts is the retry ceiling for metadata operations.
const listRetryAttempts = 8

// StatusError is a non-2xx API response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api status %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("api status %d", e.Code)
}

// IsRetryableStatus reports whether an HTTP status is worth another attempt.
// Rate limits and server-side errors are transient, 403 and 404 are not.
func IsRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

/// IsRetryable reports whether err is a transient failure: a retryable API
// status or a network-level error.
func IsRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return IsRetryableStatus(se.Code)
	}
	// Anything that is not an API status is a network or decode hiccup.
	return !errors.Is(err, context.Canceled)
}

// Pauser blocks while a run is paused. The zero state (nil) never blocks.
type Pauser interface {
	Wait(ctx context.Context) error
}

// ClientConfig bundles the knobs for a Client.
type ClientConfig struct {
	BaseURL  string
	Token    TokenSource
	PageSize int
	// Retry overrides the default listing retry policy, mainly for tests.
	Retry *backoff.Policy
	// Gate, when set, is consulted at page boundaries so a paused run stops
	// issuing listing requests.
	Gate Pauser
	// Timeout bounds a single metadata request.
	Timeout time.Duration
}

// Client is a session against the remote store API. A Client is safe for
// concurrent use, but download workers should hold their own session via
// Clone so connection pools and timeouts are not shared across pools.
type Client struct {
	base     string
	hc       *http.Client
	token    TokenSource
	pageSize int
	retry    *backoff.Policy
	gate     Pauser
}

// New builds a Client from cfg, filling in defaults for zero fields.
func New(cfg ClientConfig) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > DefaultPageSize {
		pageSize = DefaultPageSize
	}
	retry := cfg.Retry
	if retry == nil {
		retry = backoff.New(listRetryAttempts)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		base:     base,
		hc:       newHTTPClient(timeout),
		token:    cfg.Token,
		pageSize: pageSize,
		retry:    retry,
		gate:     cfg.Gate,
	}
}

// newHTTPClient returns a client with its own transport so sessions cloned
// per worker pool do not share connection limits.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// Clone returns a new session against the same store with its own HTTP
// client and connection pool. Retry policy, gate and page size are shared.
func (c *Client) Clone() *Client {
	return &Client{
		base:     c.base,
		hc:       newHTTPClient(c.hc.Timeout),
		token:    c.token,
		pageSize: c.pageSize,
		retry:    c.retry,
		gate:     c.gate,
	}
}

// WithTimeout returns a clone of the session whose requests use the given
// timeout. Download strategies use this for separate probe and payload limits.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	clone := c.Clone()
	clone.hc.Timeout = timeout
	return clone
}

// NewRequest builds an authenticated request against an absolute URL.
// Download strategies use this directly for media and thumbnail fetches.
func (c *Client) NewRequest(ctx context.Context, method, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if c.token != nil {
		tok, err := c.token.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to obtain access token: %w", err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	return req, nil
}

// Do executes a request on this session without retry. Callers own the
// response body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.hc.Do(req)
}

// ContentURL returns the media download URL for an item id.
func (c *Client) ContentURL(id string) string {
	return fmt.Sprintf("%s/files/%s?alt=media", c.base, url.PathEscape(id))
}

// getJSON fetches one metadata URL with retry and decodes the JSON payload
// into out. Responses are requested gzip-compressed and decoded here, the
// listing payloads for large folders shrink by an order of magnitude.
func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	op := func() error {
		req, err := c.NewRequest(ctx, http.MethodGet, rawURL)
		if err != nil {
			return err
		}
		// Setting the header explicitly disables the transport's transparent
		// decompression, so the gzip decode below is ours.
		req.Header.Set("Accept-Encoding", "gzip")

		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return statusErrorFromResponse(resp)
		}

		var body io.Reader = resp.Body
		if strings.Contains(resp.Header.Get("Content-Encoding"), "gzip") {
			gz, err := gzip.NewReader(resp.Body)
			if err != nil {
				return fmt.Errorf("failed to open gzip response: %w", err)
			}
			defer gz.Close()
			body = gz
		}

		if err := json.NewDecoder(body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode api response: %w", err)
		}
		return nil
	}

	return c.retry.Do(ctx, op, IsRetryable, func(attempt int, err error) {
		plog.Warn("metadata request failed, retrying",
			"url", rawURL, "attempt", attempt, "error", err)
	})
}

// statusErrorFromResponse drains a snippet of the error body for context.
func statusErrorFromResponse(resp *http.Response) *StatusError {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(snippet))
	// Error payloads are JSON, pull the message field if it parses.
	var apiErr struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(snippet, &apiErr) == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}
	return &StatusError{Code: resp.StatusCode, Message: msg}
}

// GetItem fetches the metadata of a single item.
func (c *Client) GetItem(ctx context.Context, id string) (Item, error) {
	u := fmt.Sprintf("%s/files/%s?fields=%s&supportsAllDrives=true",
		c.base, url.PathEscape(id), url.QueryEscape(itemFields))
	var item Item
	if err := c.getJSON(ctx, u, &item); err != nil {
		return Item{}, fmt.Errorf("failed to fetch item %s: %w", id, err)
	}
	return item, nil
}

// ResolveFolder fetches the display name of a folder id. It fails when the
// id does not point at a folder, so a mis-pasted file link is caught before
// any directory is created for it.
func (c *Client) ResolveFolder(ctx context.Context, id string) (string, error) {
	item, err := c.GetItem(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to resolve folder %s: %w", id, err)
	}
	if !item.IsFolder() {
		return "", fmt.Errorf("not a folder: %s (%s)", item.Name, item.MimeType)
	}
	return item.Name, nil
}

// GetSize fetches just the size of an item. The scanner uses it for files
// whose listing entry carried no size, file shortcuts mostly.
func (c *Client) GetSize(ctx context.Context, id string) (int64, error) {
	u := fmt.Sprintf("%s/files/%s?fields=size&supportsAllDrives=true",
		c.base, url.PathEscape(id))
	var item Item
	if err := c.getJSON(ctx, u, &item); err != nil {
		return 0, fmt.Errorf("failed to fetch size of %s: %w", id, err)
	}
	return item.Size, nil
}

type listPage struct {
	NextPageToken string `json:"nextPageToken"`
	Files         []Item `json:"files"`
}

// ListChildren returns all non-trashed children of a folder in the server's
// natural name order, following page tokens until the listing is complete.
func (c *Client) ListChildren(ctx context.Context, folderID string) ([]Item, error) {
	var items []Item
	pageToken := ""
	for {
		if c.gate != nil {
			if err := c.gate.Wait(ctx); err != nil {
				return nil, err
			}
		}

		q := url.Values{}
		q.Set("q", fmt.Sprintf("'%s' in parents and trashed=false", folderID))
		q.Set("fields", listFields)
		q.Set("orderBy", "folder,name_natural")
		q.Set("pageSize", fmt.Sprintf("%d", c.pageSize))
		q.Set("supportsAllDrives", "true")
		q.Set("includeItemsFromAllDrives", "true")
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		var page listPage
		u := fmt.Sprintf("%s/files?%s", c.base, q.Encode())
		if err := c.getJSON(ctx, u, &page); err != nil {
			return nil, fmt.Errorf("failed to list folder %s: %w", folderID, err)
		}

		items = append(items, page.Files...)
		if page.NextPageToken == "" {
			return items, nil
		}
		pageToken = page.NextPageToken
	}
}
