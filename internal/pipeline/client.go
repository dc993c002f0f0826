package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/opsdash/internal/access"
	"github.com/odyssey-erp/opsdash/internal/deals"
	"github.com/odyssey-erp/opsdash/internal/identity"
	"github.com/odyssey-erp/opsdash/internal/platform/httpx"
)

// ErrUpstream wraps failures the API did not classify.
var ErrUpstream = errors.New("pipeline: upstream error")

// Client is a RecordStore backed by the deals REST API.
type Client struct {
	base  *url.URL
	http  *http.Client
	token string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the transport.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithBearerToken authenticates with a signed token instead of identity
// headers.
func WithBearerToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// NewClient builds a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("pipeline: parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("pipeline: base url %q needs scheme and host", baseURL)
	}
	c := &Client{base: base, http: &http.Client{Timeout: 10 * time.Second}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get fetches one deal.
func (c *Client) Get(ctx context.Context, p access.Principal, id int64) (deals.Deal, error) {
	var d deals.Deal
	err := c.do(ctx, p, http.MethodGet, "/api/deals/"+strconv.FormatInt(id, 10), nil, nil, &d)
	return d, err
}

// List fetches deals matching filter.
func (c *Client) List(ctx context.Context, p access.Principal, filter deals.ListFilter) ([]deals.Deal, error) {
	q := url.Values{}
	if filter.Stage != "" {
		q.Set("stage", string(filter.Stage))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	var page struct {
		Deals []deals.Deal `json:"deals"`
	}
	if err := c.do(ctx, p, http.MethodGet, "/api/deals", q, nil, &page); err != nil {
		return nil, err
	}
	return page.Deals, nil
}

// PatchStage moves a deal on the server.
func (c *Client) PatchStage(ctx context.Context, p access.Principal, id int64, stage deals.Stage) (deals.Deal, error) {
	var d deals.Deal
	body := deals.StageRequest{Stage: string(stage)}
	err := c.do(ctx, p, http.MethodPut, "/api/deals/"+strconv.FormatInt(id, 10)+"/stage", nil, body, &d)
	return d, err
}

func (c *Client) do(ctx context.Context, p access.Principal, method, path string, query url.Values, body, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("pipeline: encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("pipeline: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authenticate(req, p)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("pipeline: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeProblem(method, path, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("pipeline: decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) authenticate(req *http.Request, p access.Principal) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
		return
	}
	req.Header.Set(identity.HeaderPrincipalID, p.ID)
	req.Header.Set(identity.HeaderPrincipalName, p.Name)
	req.Header.Set(identity.HeaderPrincipalRole, p.Role.String())
}

func decodeProblem(method, path string, resp *http.Response) error {
	var problem httpx.ProblemDetail
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &problem); err != nil || problem.Title == "" {
		problem.Detail = strings.TrimSpace(string(raw))
	}
	sentinel := httpx.ErrorForStatus(resp.StatusCode)
	if sentinel == nil {
		sentinel = ErrUpstream
	}
	if problem.Detail == "" {
		return fmt.Errorf("pipeline: %s %s: status %d: %w", method, path, resp.StatusCode, sentinel)
	}
	return fmt.Errorf("pipeline: %s %s: status %d: %w: %s", method, path, resp.StatusCode, sentinel, problem.Detail)
}
