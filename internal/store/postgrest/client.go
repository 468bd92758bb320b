// Package postgrest reads session rows from a PostgREST endpoint,
// such as the REST interface of a Supabase project.
package postgrest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/wesm/caseload/internal/session"
	"github.com/wesm/caseload/internal/store"
	"github.com/wesm/caseload/internal/timeutil"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// StatusError is returned when the endpoint answers with a
// non-success status.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("postgrest: HTTP %d", e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf(
			"postgrest: HTTP %d (%s): %s", e.Status, e.Code, e.Message,
		)
	}
	return fmt.Sprintf("postgrest: HTTP %d: %s", e.Status, e.Message)
}

// Client implements store.RowStore over HTTP.
type Client struct {
	base    *url.URL
	apiKey  string
	cols    store.Columns
	http    *http.Client
	limiter *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client. Nil is ignored.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithColumns sets the column mapping. Empty names fall back to
// store.DefaultColumns.
func WithColumns(cols store.Columns) Option {
	return func(c *Client) { c.cols = cols.WithDefaults() }
}

// WithRateLimit throttles requests to rps per second. A
// non-positive rps disables throttling.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// New creates a client for the project at baseURL, for example
// "https://xyz.supabase.co". apiKey is sent as both the apikey
// header and the bearer token.
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing rest url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf(
			"rest url must be http or https: %q", baseURL,
		)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	c := &Client{
		base:   u,
		apiKey: apiKey,
		cols:   store.DefaultColumns(),
		http:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Query fetches one range of rows. The range is sent with the
// Range/Range-Unit headers; a 416 answer is an empty page.
func (c *Client) Query(
	ctx context.Context, q store.Query,
) ([]session.Record, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, c.requestURL(q), nil,
	)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Range-Unit", "items")
	req.Header.Set(
		"Range", fmt.Sprintf("%d-%d", q.RangeStart, q.RangeEnd),
	)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", q.Table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, readStatusError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return decodeRows(body, c.cols)
}

// requestURL builds the table URL with select, filter, and order
// parameters.
func (c *Client) requestURL(q store.Query) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") +
		"/rest/v1/" + url.PathEscape(q.Table)

	params := url.Values{}
	params.Set("select", strings.Join(c.cols.List(), ","))
	for _, f := range q.Filters {
		params.Add(
			f.Field, string(f.Op)+"."+timeutil.Format(f.Value),
		)
	}
	if q.Order.Field != "" {
		dir := "asc"
		if q.Order.Desc {
			dir = "desc"
		}
		order := q.Order.Field + "." + dir
		// Tie-break on the primary key so ranges don't overlap.
		if q.Order.Field != c.cols.ID {
			order += "," + c.cols.ID + ".asc"
		}
		params.Set("order", order)
	}
	u.RawQuery = params.Encode()
	return u.String()
}

func readStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	se := &StatusError{Status: resp.StatusCode}
	if gjson.ValidBytes(body) {
		root := gjson.ParseBytes(body)
		se.Code = root.Get("code").String()
		se.Message = root.Get("message").String()
	}
	if se.Message == "" {
		se.Message = strings.TrimSpace(string(body))
	}
	return se
}

// decodeRows converts a PostgREST JSON array into records. A
// missing or unparseable timestamp leaves Timestamp nil.
func decodeRows(
	body []byte, cols store.Columns,
) ([]session.Record, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid JSON in response")
	}
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		return nil, fmt.Errorf(
			"expected JSON array, got %s", root.Type,
		)
	}

	arr := root.Array()
	rows := make([]session.Record, 0, len(arr))
	for _, v := range arr {
		rows = append(rows, store.DecodeRecord(v, cols))
	}
	return rows, nil
}
