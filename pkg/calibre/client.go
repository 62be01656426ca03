package calibre

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/folioreader/folio/pkg/credentials"
	"github.com/folioreader/folio/pkg/errcodes"
	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
	"golang.org/x/time/rate"
)

const defaultRequestsPerSecond = 4

// Client talks to one calibre content server. All requests go through the
// credential transport and a per-server rate limiter, so even an aggressive
// sync stays polite toward small self-hosted servers.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	limiter    *rate.Limiter
}

type Option func(*Client)

// WithTimeout overrides the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRequestsPerSecond overrides the request pacing toward this server.
func WithRequestsPerSecond(rps float64) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

func New(baseURL string, creds *credentials.Store, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid server URL %q", baseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	c := &Client{
		baseURL: u,
		httpClient: &http.Client{
			Timeout:   60 * time.Second,
			Transport: creds.Transport(nil),
		},
		limiter: rate.NewLimiter(rate.Limit(defaultRequestsPerSecond), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the server base URL.
func (c *Client) BaseURL() *url.URL {
	return c.baseURL
}

// URL builds an absolute URL for the given path and query values.
func (c *Client) URL(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// Do issues a raw authenticated request through the rate limiter but without
// the JSON client's overall timeout; a large format payload can legitimately
// stream for longer than any sane request deadline. Cancellation comes from
// the request context. The caller owns the response body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, errors.WithStack(err)
	}

	raw := &http.Client{Transport: c.httpClient.Transport}
	resp, err := raw.Do(req)
	if err != nil {
		return nil, errcodes.Network(err)
	}
	return resp, nil
}

// LibraryInfo enumerates the libraries the server hosts.
func (c *Client) LibraryInfo(ctx context.Context) (*LibraryInfo, error) {
	info := &LibraryInfo{}
	err := c.getJSON(ctx, c.URL("/ajax/library-info", nil), info)
	if err != nil {
		return nil, err
	}
	return info, nil
}

// ListBookIDs issues the incremental id listing for a library. The request
// asks only for last_modified plus the sort key; an empty filter means all
// books.
func (c *Client) ListBookIDs(ctx context.Context, libraryKey, filter string) ([]int64, error) {
	body := []interface{}{[]string{"last_modified"}, "last_modified", "ascending", filter, -1}

	query := url.Values{"library_id": {libraryKey}}
	resp := &listResponse{}
	err := c.postJSON(ctx, c.URL("/cdb/cmd/list/0", query), body, resp)
	if err != nil {
		return nil, err
	}
	return resp.Result.BookIDs, nil
}

// BookMetadata fetches one book's canonical metadata document.
func (c *Client) BookMetadata(ctx context.Context, libraryKey string, bookID int64) (*BookDocument, error) {
	doc := &BookDocument{}
	err := c.getJSON(ctx, c.URL(fmt.Sprintf("/get/json/%d/%s", bookID, url.PathEscape(libraryKey)), nil), doc)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// FormatURL returns the raw-bytes URL for a format download. The download
// manager issues its own streaming request against it.
func (c *Client) FormatURL(libraryKey, format string, bookID int64) string {
	return c.URL(fmt.Sprintf("/get/%s/%d/%s", strings.ToUpper(format), bookID, url.PathEscape(libraryKey)), nil)
}

// SetFields writes custom-column values for a book via
// POST /cdb/cmd/set_metadata/0. Used as the reading-position writeback path
// when the server has no dedicated endpoint configured.
func (c *Client) SetFields(ctx context.Context, libraryKey string, bookID int64, fields map[string]interface{}) error {
	pairs := make([][]interface{}, 0, len(fields))
	for name, value := range fields {
		pairs = append(pairs, []interface{}{name, value})
	}
	body := []interface{}{"fields", bookID, pairs}

	query := url.Values{"library_id": {libraryKey}}
	return c.postJSON(ctx, c.URL("/cdb/cmd/set_metadata/0", query), body, nil)
}

func (c *Client) getJSON(ctx context.Context, rawURL string, dest interface{}) error {
	return c.doJSON(ctx, http.MethodGet, rawURL, nil, dest)
}

func (c *Client) postJSON(ctx context.Context, rawURL string, body, dest interface{}) error {
	return c.doJSON(ctx, http.MethodPost, rawURL, body, dest)
}

func (c *Client) doJSON(ctx context.Context, method, rawURL string, body, dest interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.WithStack(err)
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.WithStack(err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return errors.WithStack(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errcodes.Network(err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if dest == nil {
		return nil
	}

	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		return errcodes.Parse(fmt.Sprintf("Expected JSON from %s, got %q.", rawURL, ct))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errcodes.Network(err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return errcodes.Parse(fmt.Sprintf("Malformed document from %s: %v.", rawURL, err))
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return errcodes.Auth(resp.Request.URL.String())
	case resp.StatusCode == http.StatusNotFound:
		return errcodes.NotFound(resp.Request.URL.String())
	default:
		return errcodes.Server(resp.StatusCode, resp.Request.URL.String())
	}
}
