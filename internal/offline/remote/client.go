// Package remote is the HTTP client for the sync service.
//
// Per entity type the service exposes:
//
//	POST   /api/{entity}       create
//	PUT    /api/{entity}/{id}  update, idempotent by id
//	DELETE /api/{entity}/{id}  delete
//	GET    /api/{entity}/{id}  fetch for conflict checks
//
// Every request carries the bearer token and is bounded by a per-request
// timeout.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cognitrack/offsync/internal/offline/schema"
)

// DefaultTimeout bounds each request.
const DefaultTimeout = 10 * time.Second

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 512

// Config configures a Client.
type Config struct {
	// BaseURL is the service root, e.g. https://api.example.org.
	BaseURL string

	// Token is sent as "Authorization: Bearer <token>" when non-empty.
	Token string

	// Timeout bounds each request (default 10s).
	Timeout time.Duration

	// HTTPClient overrides the transport (default http.DefaultClient).
	HTTPClient *http.Client
}

// Client talks to the sync service.
type Client struct {
	base    *url.URL
	token   string
	timeout time.Duration
	http    *http.Client
}

// New creates a client for cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid remote base URL %q: scheme must be http or https", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Client{
		base:    base,
		token:   cfg.Token,
		timeout: cfg.Timeout,
		http:    cfg.HTTPClient,
	}, nil
}

// BaseURL returns the service root.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Fetch reads the remote copy of an entity. A missing entity yields ErrNotFound.
func (c *Client) Fetch(ctx context.Context, t schema.EntityType, id string) (schema.Entity, error) {
	body, err := c.do(ctx, http.MethodGet, entityPath(t, id), nil)
	if err != nil {
		return nil, err
	}
	e, err := schema.Decode(t, body)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", entityPath(t, id), err)
	}
	return e, nil
}

// Create sends e with POST.
func (c *Client) Create(ctx context.Context, e schema.Entity) error {
	data, err := schema.Encode(e)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPost, collectionPath(e.Type()), data)
	return err
}

// Update sends e with PUT.
func (c *Client) Update(ctx context.Context, e schema.Entity) error {
	data, err := schema.Encode(e)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPut, entityPath(e.Type(), e.EntityID()), data)
	return err
}

// Delete removes the remote entity.
func (c *Client) Delete(ctx context.Context, t schema.EntityType, id string) error {
	_, err := c.do(ctx, http.MethodDelete, entityPath(t, id), nil)
	return err
}

// Ping checks the service answers at all. Any HTTP response counts.
func (c *Client) Ping(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, c.base.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(ctx, reqCtx, err)
	}
	_ = resp.Body.Close()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.resolve(path), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, reqCtx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(ctx, reqCtx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := strings.TrimSpace(string(data))
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		return nil, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: text}
	}
	return data, nil
}

func (c *Client) resolve(path string) string {
	return strings.TrimSuffix(c.base.String(), "/") + path
}

func collectionPath(t schema.EntityType) string {
	return "/api/" + url.PathEscape(string(t))
}

func entityPath(t schema.EntityType, id string) string {
	return collectionPath(t) + "/" + url.PathEscape(id)
}
