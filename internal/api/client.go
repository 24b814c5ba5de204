package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
)

// API paths.
const (
	syncPath  = "/api/sync"
	loginPath = "/api/login"
)

const userAgent = "daybook/0.1"

// TokenSource provides the bearer token for authenticated requests.
// Defined at the consumer per Go convention "accept interfaces, return
// structs". The tokenfile-backed implementation lives in the CLI layer.
type TokenSource interface {
	Token() (string, error)
}

// Client is an HTTP client for the daybook server. It performs exactly one
// round-trip per call: the sync engine decides what is retryable and when,
// so retrying here would multiply attempts behind the engine's back.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	logger     *slog.Logger
}

// NewClient creates a server API client. baseURL is the server root,
// e.g. "https://journal.example.net".
func NewClient(baseURL string, httpClient *http.Client, token TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      token,
		logger:     logger,
	}
}

// Sync submits a batch of local changes with the current cursor and returns
// the server's delta, new cursor, and per-change results. Failures are
// classified into the package sentinels; see errors.go.
func (c *Client) Sync(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("api: encoding sync request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, syncPath, bytes.NewReader(body), true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("api: decoding sync response: %w", err)
	}

	c.logger.Debug("sync round-trip complete",
		slog.Int("sent", len(req.Changes)),
		slog.Int("delta", len(out.Delta)),
		slog.Int("results", len(out.Results)),
	)

	return &out, nil
}

// Login exchanges the journal password for a bearer token. Unauthenticated;
// the caller persists the token via tokenfile.
func (c *Client) Login(ctx context.Context, password string) (string, error) {
	body, err := json.Marshal(loginRequest{Password: password})
	if err != nil {
		return "", fmt.Errorf("api: encoding login request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, loginPath, bytes.NewReader(body), false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("api: decoding login response: %w", err)
	}

	if out.Token == "" {
		return "", fmt.Errorf("api: login response missing token")
	}

	return out.Token, nil
}

// do executes a single HTTP request and classifies the outcome. Network and
// deadline failures become ErrConnectivity/ErrTimeout; non-2xx responses
// become an APIError wrapping the matching sentinel.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, authed bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("api: creating request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")

	if authed {
		tok, tokErr := c.token.Token()
		if tokErr != nil {
			return nil, fmt.Errorf("api: obtaining token: %w", tokErr)
		}

		if tok == "" {
			return nil, fmt.Errorf("%w: no saved token (run login)", ErrAuthExpired)
		}

		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportErr(method, path, err)
	}

	if sentinel := classifyStatus(resp.StatusCode); sentinel != nil {
		errBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		c.logger.Debug("request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)

		return nil, &APIError{
			StatusCode: resp.StatusCode,
			RequestID:  resp.Header.Get("request-id"),
			Message:    string(errBody),
			Err:        sentinel,
		}
	}

	return resp, nil
}

// classifyTransportErr maps a request-level failure onto the timeout or
// connectivity sentinel, preserving the cause. Both http.Client.Timeout and
// context deadlines surface here as timeout.
func classifyTransportErr(method, path string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %s %s: %v", ErrTimeout, method, path, err)
	}

	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("api: %s %s canceled: %w", method, path, err)
	}

	return fmt.Errorf("%w: %s %s: %v", ErrConnectivity, method, path, err)
}
