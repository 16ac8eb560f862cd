// Package controlplane is the REST client for the backend's call API. It
// registers the call before any media or negotiation work starts and reports
// the final disposition when the call ends.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openbook-social/calling/internal/auth"
)

var (
	// ErrUnauthorized indicates the backend rejected the agent's credentials.
	ErrUnauthorized = errors.New("controlplane: unauthorized")

	// ErrNotFound indicates the call id is unknown to the backend.
	ErrNotFound = errors.New("controlplane: call not found")

	// ErrConflict indicates the backend refused the transition, typically
	// because the callee is already in a call.
	ErrConflict = errors.New("controlplane: conflicting call state")

	// ErrUnavailable covers transport failures and 5xx responses.
	ErrUnavailable = errors.New("controlplane: backend unavailable")
)

// Call is the backend's view of a call session.
type Call struct {
	ID             string    `json:"id"`
	CallerID       string    `json:"caller_id"`
	ReceiverID     string    `json:"receiver_id"`
	CallType       string    `json:"call_type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// InitiateRequest starts a call toward a receiver.
type InitiateRequest struct {
	ReceiverID     string `json:"receiver_id"`
	CallType       string `json:"call_type"`
	ConversationID string `json:"conversation_id,omitempty"`
}

const defaultTimeout = 10 * time.Second

// ClientConfig carries the client's collaborators. Timeout bounds each
// request end to end.
type ClientConfig struct {
	BaseURL string
	Auth    auth.Provider
	Logger  *slog.Logger
	Timeout time.Duration

	// ClientID is sent as X-Client-ID so the backend can attribute requests
	// to this agent when the credential alone does not identify it.
	ClientID string

	// HTTPClient overrides the transport, used by tests.
	HTTPClient *http.Client
}

type Client struct {
	baseURL  string
	auth     auth.Provider
	logger   *slog.Logger
	timeout  time.Duration
	clientID string
	http     *http.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid control plane url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		auth:     cfg.Auth,
		logger:   cfg.Logger.With(slog.String("component", "controlplane")),
		timeout:  cfg.Timeout,
		clientID: cfg.ClientID,
		http:     cfg.HTTPClient,
	}, nil
}

// Initiate registers a new call and returns the backend's session, including
// the call id every subsequent signaling message must carry.
func (c *Client) Initiate(ctx context.Context, req InitiateRequest) (*Call, error) {
	if req.ReceiverID == "" {
		return nil, fmt.Errorf("controlplane: initiate missing receiver_id")
	}
	var call Call
	if err := c.post(ctx, "/api/calls/initiate", req, &call); err != nil {
		return nil, err
	}
	if call.ID == "" {
		return nil, fmt.Errorf("controlplane: initiate response missing call id")
	}
	return &call, nil
}

// Accept reports that the local user picked up the call.
func (c *Client) Accept(ctx context.Context, callID string) error {
	return c.post(ctx, "/api/calls/"+url.PathEscape(callID)+"/accept", struct{}{}, nil)
}

// Reject reports that the call was declined or could not be answered.
func (c *Client) Reject(ctx context.Context, callID string) error {
	return c.post(ctx, "/api/calls/"+url.PathEscape(callID)+"/reject", struct{}{}, nil)
}

// End reports call completion with the connected duration.
func (c *Client) End(ctx context.Context, callID string, duration time.Duration) error {
	seconds := int64(duration / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	body := struct {
		DurationSeconds int64 `json:"duration_seconds"`
	}{DurationSeconds: seconds}
	return c.post(ctx, "/api/calls/"+url.PathEscape(callID)+"/end", body, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.clientID != "" {
		req.Header.Set("X-Client-ID", c.clientID)
	}
	if c.auth != nil {
		cred, err := c.auth.Credential()
		if err != nil && !errors.Is(err, auth.ErrNoCredentials) {
			return fmt.Errorf("load credentials: %w", err)
		}
		if cred != "" {
			req.Header.Set("Authorization", "Bearer "+cred)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("control plane request failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func statusError(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrUnauthorized
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusConflict:
		return ErrConflict
	case code >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, code)
	default:
		return fmt.Errorf("controlplane: unexpected status %d", code)
	}
}
