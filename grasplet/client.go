package grasplet

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultBaseURL is the Grasplet cloud API.
	DefaultBaseURL = "https://data.grasplet.com"

	loginPath = "/api/auth/login"
	simsPath  = "/api/sim/all"

	// maxErrorBody bounds how much of an error response is kept for logs.
	maxErrorBody = 512
)

var (
	// ErrUnauthorized is returned when the API answers 401.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUnexpectedResponse is returned when a success status carries a body
	// without the expected fields.
	ErrUnexpectedResponse = errors.New("unexpected response")

	// ErrSessionClosed is returned when the client is used after Close.
	ErrSessionClosed = errors.New("session closed")
)

// StatusError is returned for HTTP statuses the API should not send.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status code: %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status code: %d: %s", e.Op, e.StatusCode, e.Body)
}

// ClientConfig contains configuration for connecting to the Grasplet API.
type ClientConfig struct {
	// URL is the base URL of the API (e.g., https://data.grasplet.com)
	URL string

	// Timeout for HTTP requests
	Timeout time.Duration

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool

	// UserAgent is sent with every request when set
	UserAgent string
}

// DefaultConfig returns a ClientConfig with default values.
func DefaultConfig() ClientConfig {
	return ClientConfig{
		URL:     DefaultBaseURL,
		Timeout: 30 * time.Second,
	}
}

// API is the part of the Grasplet API the coordinator depends on.
type API interface {
	// Login exchanges credentials for an access token.
	Login(ctx context.Context, username, password string) (string, error)

	// FetchSIMs returns every SIM on the account.
	FetchSIMs(ctx context.Context, token string) ([]SIM, error)

	// Close releases the underlying HTTP session.
	Close() error
}

// Client is a thin Grasplet API client. Each Client owns one pooled HTTP
// session that lives until Close.
type Client struct {
	config     ClientConfig
	transport  *http.Transport
	httpClient *http.Client

	mu     sync.Mutex
	closed bool
}

// NewClient creates a client with its own HTTP session.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	if !strings.HasPrefix(cfg.URL, "http://") && !strings.HasPrefix(cfg.URL, "https://") {
		return nil, fmt.Errorf("unsupported URL scheme: %s", cfg.URL)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	return &Client{
		config:    cfg,
		transport: transport,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}, nil
}

// Login posts the credentials and returns the access token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	body, err := json.Marshal(loginRequest{Username: username, Password: password})
	if err != nil {
		return "", fmt.Errorf("failed to encode login request: %w", err)
	}

	log.Debugf("Authenticating with username: %s", username)

	resp, err := c.do(ctx, http.MethodPost, loginPath, bytes.NewReader(body), "")
	if err != nil {
		return "", fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
	case http.StatusUnauthorized:
		return "", fmt.Errorf("login: %w", ErrUnauthorized)
	default:
		return "", statusError("login", resp)
	}

	var result loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to parse login response: %w", err)
	}
	if !result.Result || result.Data.AccessToken == "" {
		return "", fmt.Errorf("login: %w: no access token", ErrUnexpectedResponse)
	}

	return result.Data.AccessToken, nil
}

// FetchSIMs retrieves all SIMs using the given bearer token.
func (c *Client) FetchSIMs(ctx context.Context, token string) ([]SIM, error) {
	resp, err := c.do(ctx, http.MethodGet, simsPath, nil, token)
	if err != nil {
		return nil, fmt.Errorf("SIM request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("fetch SIMs: %w", ErrUnauthorized)
	default:
		return nil, statusError("fetch SIMs", resp)
	}

	var result simsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse SIM response: %w", err)
	}
	if !result.Result || len(result.Data) == 0 {
		return nil, fmt.Errorf("fetch SIMs: %w: missing data", ErrUnexpectedResponse)
	}

	var sims []SIM
	if err := json.Unmarshal(result.Data, &sims); err != nil {
		return nil, fmt.Errorf("failed to parse SIM list: %w", err)
	}
	if sims == nil {
		sims = []SIM{}
	}

	log.Debugf("Fetched data for %d SIMs", len(sims))
	return sims, nil
}

// Close releases idle connections held by the session. The client cannot be
// used afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrSessionClosed
	}
	c.closed = true
	c.transport.CloseIdleConnections()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, token string) (*http.Response, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrSessionClosed
	}

	url := strings.TrimRight(c.config.URL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	return c.httpClient.Do(req)
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}
