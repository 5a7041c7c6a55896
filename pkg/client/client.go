// Package client talks to an oaksearch server over HTTP
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
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
)

// ErrNotFound is returned when the server answers 404
var ErrNotFound = errors.New("not found")

// ErrReindexFailed is returned when the server gave up rebuilding an index
var ErrReindexFailed = errors.New("reindex failed")

// errReindexing marks a poll that found the index still rebuilding
var errReindexing = errors.New("reindex in progress")

// Client handles communication with the oaksearch API
type Client struct {
	baseURL      string
	user         string
	password     string
	httpClient   *http.Client
	pollInterval time.Duration
	pollAttempts uint
}

type Option func(*Client)

// WithBasicAuth authenticates every request as user
func WithBasicAuth(user, password string) Option {
	return func(c *Client) {
		c.user = user
		c.password = password
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithReindexPolling sets how often and how many times UpdateIndex polls
// for the rebuild to finish
func WithReindexPolling(interval time.Duration, attempts uint) Option {
	return func(c *Client) {
		c.pollInterval = interval
		c.pollAttempts = attempts
	}
}

// New creates a new client
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
		pollInterval: time.Second,
		pollAttempts: 86400,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureResult is the response of EnsureContent
type EnsureResult struct {
	Status string `json:"status"`
	Nodes  int    `json:"nodes"`
}

// QueryResult is the query envelope
type QueryResult struct {
	Query             string   `json:"query"`
	Limit             int      `json:"limit"`
	Plan              string   `json:"plan"`
	ExecutionDuration int64    `json:"executionDuration"`
	IterationDuration int64    `json:"iterationDuration"`
	Results           []string `json:"results"`
	CaughtException   string   `json:"caughtException"`
}

// IndexStatus is the stored form of an index definition
type IndexStatus struct {
	Name         string          `json:"name"`
	Type         string          `json:"type"`
	IndexRules   json.RawMessage `json:"indexRules,omitempty"`
	Reindex      bool            `json:"reindex"`
	ReindexCount int             `json:"reindexCount"`
	ReindexError string          `json:"reindexError,omitempty"`
}

// StatusError is returned for unexpected response codes
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// expect decodes a response with the wanted status into v, closing the body
func expect(resp *http.Response, want int, v interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && want != http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// EnsureContent seeds the test fixture if needed
func (c *Client) EnsureContent(ctx context.Context) (*EnsureResult, error) {
	resp, err := c.do(ctx, http.MethodPost, "/bin/oak-search/ensurecontent", nil, "")
	if err != nil {
		return nil, err
	}
	var result EnsureResult
	if err := expect(resp, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetNode returns the properties of the node at path
func (c *Client) GetNode(ctx context.Context, path string) (map[string]interface{}, error) {
	resp, err := c.do(ctx, http.MethodGet, escapePath(path)+".json", nil, "")
	if err != nil {
		return nil, err
	}
	var node map[string]interface{}
	if err := expect(resp, http.StatusOK, &node); err != nil {
		return nil, err
	}
	return node, nil
}

// Exists reports whether the node at path exists and is readable
func (c *Client) Exists(ctx context.Context, path string) (bool, error) {
	_, err := c.GetNode(ctx, path)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Query runs query in the context of the node at path. A limit of zero
// uses the server default.
func (c *Client) Query(ctx context.Context, path, query string, limit int) (*QueryResult, error) {
	params := url.Values{"query": {query}}
	if limit != 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	resp, err := c.do(ctx, http.MethodGet, escapePath(path)+".query.json?"+params.Encode(), nil, "")
	if err != nil {
		return nil, err
	}
	var result QueryResult
	if err := expect(resp, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetIndex returns a stored index definition
func (c *Client) GetIndex(ctx context.Context, name string) (*IndexStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, "/bin/oak-search/indexes/"+url.PathEscape(name), nil, "")
	if err != nil {
		return nil, err
	}
	var status IndexStatus
	if err := expect(resp, http.StatusOK, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// PutIndex stores a JSON or YAML definition and starts its rebuild
func (c *Client) PutIndex(ctx context.Context, name string, definition []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/json"
	}
	resp, err := c.do(ctx, http.MethodPut, "/bin/oak-search/indexes/"+url.PathEscape(name), bytes.NewReader(definition), contentType)
	if err != nil {
		return err
	}
	return expect(resp, http.StatusAccepted, nil)
}

// DeleteIndex removes an index definition and its backend indexes
func (c *Client) DeleteIndex(ctx context.Context, name string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/bin/oak-search/indexes/"+url.PathEscape(name), nil, "")
	if err != nil {
		return err
	}
	return expect(resp, http.StatusOK, nil)
}

// UpdateIndex replaces an index definition and waits for the rebuild to finish
func (c *Client) UpdateIndex(ctx context.Context, name string, definition []byte, contentType string) (*IndexStatus, error) {
	if err := c.DeleteIndex(ctx, name); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("removing old index %s: %w", name, err)
	}
	if err := c.PutIndex(ctx, name, definition, contentType); err != nil {
		return nil, fmt.Errorf("setting index %s: %w", name, err)
	}

	var status *IndexStatus
	err := retry.Do(
		func() error {
			s, err := c.GetIndex(ctx, name)
			if err != nil {
				return err
			}
			if s.Reindex {
				return errReindexing
			}
			status = s
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.pollAttempts),
		retry.Delay(c.pollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errReindexing)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("waiting for index %s: %w", name, err)
	}
	if status.ReindexError != "" {
		return status, fmt.Errorf("index %s: %w: %s", name, ErrReindexFailed, status.ReindexError)
	}
	return status, nil
}

func escapePath(p string) string {
	return (&url.URL{Path: p}).EscapedPath()
}
