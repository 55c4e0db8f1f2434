// Package api is the REST client of the chat backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Deepak-Melkani/soulara-realtime/internal/logger"
	"github.com/Deepak-Melkani/soulara-realtime/pkg/protocol"
)

const (
	refreshPath    = "/users/refresh-token"
	defaultTimeout = 30 * time.Second
)

// Error is a non-2xx response.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

// IsUnauthorized reports whether err is a 401 response.
func IsUnauthorized(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// Tokens holds the access and refresh tokens of a session.
type Tokens struct {
	mu      sync.RWMutex
	access  string
	refresh string
}

// NewTokens returns Tokens holding access and refresh.
func NewTokens(access, refresh string) *Tokens {
	return &Tokens{access: access, refresh: refresh}
}

// Access returns the access token.
func (t *Tokens) Access() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.access
}

// RefreshToken returns the refresh token.
func (t *Tokens) RefreshToken() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.refresh
}

// Set replaces both tokens.
func (t *Tokens) Set(access, refresh string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.access = access
	t.refresh = refresh
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = logger.OrNop(log) }
}

// WithRefreshHook registers fn, called with the new access token after
// every successful refresh.
func WithRefreshHook(fn func(access string)) Option {
	return func(c *Client) { c.onRefresh = fn }
}

// Client calls the REST API with Bearer authentication. A 401 triggers
// one token refresh and one retry of the request.
type Client struct {
	baseURL   string
	http      *http.Client
	tokens    *Tokens
	log       *zap.Logger
	onRefresh func(string)
}

// New creates a Client for baseURL.
func New(baseURL string, tokens *Tokens, opts ...Option) *Client {
	if tokens == nil {
		tokens = &Tokens{}
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		tokens:  tokens,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Tokens returns the token store of the client.
func (c *Client) Tokens() *Tokens {
	return c.tokens
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	err := c.send(ctx, method, path, body, out)
	if !IsUnauthorized(err) || path == refreshPath || c.tokens.RefreshToken() == "" {
		return err
	}

	c.log.Debug("access token rejected, refreshing", zap.String("path", path))
	if rerr := c.refresh(ctx); rerr != nil {
		c.log.Warn("token refresh failed", zap.Error(rerr))
		return err
	}
	return c.send(ctx, method, path, body, out)
}

func (c *Client) refresh(ctx context.Context) error {
	var resp protocol.RefreshResponse
	req := protocol.RefreshRequest{RefreshToken: c.tokens.RefreshToken()}
	if err := c.send(ctx, http.MethodPost, refreshPath, req, &resp); err != nil {
		return err
	}
	if !resp.Success || resp.Data.AccessToken == "" {
		return errors.New("refresh response carried no token")
	}
	refresh := resp.Data.RefreshToken
	if refresh == "" {
		refresh = c.tokens.RefreshToken()
	}
	c.tokens.Set(resp.Data.AccessToken, refresh)
	if c.onRefresh != nil {
		c.onRefresh(resp.Data.AccessToken)
	}
	return nil
}

// send performs one request. Non-2xx responses become *Error with the
// message taken from the body when present.
func (c *Client) send(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.tokens.Access(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{Status: resp.StatusCode, Message: errorMessage(resp.StatusCode, data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrapf(err, "decode %s response", path)
	}
	if err := protocol.DecodeInto(raw, out); err != nil {
		return errors.Wrapf(err, "decode %s response", path)
	}
	return nil
}

func errorMessage(status int, data []byte) string {
	var body protocol.ErrorBody
	if err := json.Unmarshal(data, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return http.StatusText(status)
}

func roomPath(prefix, roomID string) string {
	return prefix + url.PathEscape(roomID)
}
