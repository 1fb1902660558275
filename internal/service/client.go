package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxErrorBody caps how much of an error response is kept for the message.
const maxErrorBody = 4 << 10

// DefaultTimeout bounds a single call when no HTTP client is supplied.
const DefaultTimeout = 30 * time.Second

var defaultHTTPClient = &http.Client{Timeout: DefaultTimeout}

// APIError is returned when a domain API answers with a non-2xx status.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Client is a JSON REST client for one configured service. Clients are safe
// for concurrent use and are shared between executions.
type Client struct {
	Alias      string
	APIType    string
	baseURL    string
	authHeader string
	headers    http.Header
	http       *http.Client
}

// NewClient creates a client rooted at baseURL. A trailing slash is added so
// relative resource paths resolve under the root. A nil hc uses a client
// limited to DefaultTimeout per call.
func NewClient(alias, apiType, baseURL, authHeader string, hc *http.Client) *Client {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	if hc == nil {
		hc = defaultHTTPClient
	}
	return &Client{
		Alias:      alias,
		APIType:    apiType,
		baseURL:    baseURL,
		authHeader: authHeader,
		http:       hc,
	}
}

// BaseURL returns the API root the client resolves paths against.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// WithAuth returns a copy of the client sending the given Authorization header.
func (c *Client) WithAuth(header string) *Client {
	cp := *c
	cp.authHeader = header
	return &cp
}

// WithHeader returns a copy of the client that adds key: value to every
// request. An empty value returns c unchanged.
func (c *Client) WithHeader(key, value string) *Client {
	if value == "" {
		return c
	}
	cp := *c
	cp.headers = c.headers.Clone()
	if cp.headers == nil {
		cp.headers = make(http.Header)
	}
	cp.headers.Set(key, value)
	return &cp
}

// Create POSTs body to the resource collection and returns the created object.
func (c *Client) Create(ctx context.Context, resource string, body any) (map[string]any, error) {
	var out map[string]any
	if err := c.Do(ctx, http.MethodPost, resource, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Retrieve GETs a single object by its full URL or a path relative to the root.
func (c *Client) Retrieve(ctx context.Context, ref string) (map[string]any, error) {
	var out map[string]any
	if err := c.Do(ctx, http.MethodGet, ref, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// listPage is one page of a paginated collection response.
type listPage struct {
	Next    *string          `json:"next"`
	Results []map[string]any `json:"results"`
}

// List GETs every page of a paginated collection, following "next" links.
func (c *Client) List(ctx context.Context, resource string, query url.Values) ([]map[string]any, error) {
	ref := resource
	if len(query) > 0 {
		ref += "?" + query.Encode()
	}

	var all []map[string]any
	for ref != "" {
		var page listPage
		if err := c.Do(ctx, http.MethodGet, ref, nil, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Results...)

		ref = ""
		if page.Next != nil {
			ref = *page.Next
		}
	}
	return all, nil
}

// Do sends a JSON request and decodes a JSON response into out when out is
// non-nil. ref may be absolute or relative to the client's root.
func (c *Client) Do(ctx context.Context, method, ref string, body, out any) error {
	target, err := c.resolve(ref)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.authHeader != "" {
		req.Header.Set("Authorization", c.authHeader)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{
			Method:     method,
			URL:        target,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, target, err)
	}
	return nil
}

func (c *Client) resolve(ref string) (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url %q: %w", c.baseURL, err)
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", ref, err)
	}
	return base.ResolveReference(u).String(), nil
}
