package twitch

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

	"github.com/streamwizard/streamwizard-backend/internal/domain"
	"github.com/streamwizard/streamwizard-backend/internal/platform/retry"
)

const DefaultHelixURL = "https://api.twitch.tv/helix"

// APIError is a non-2xx Helix response.
type APIError struct {
	StatusCode int    `json:"-"`
	ErrorName  string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("helix returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("helix returned %d", e.StatusCode)
}

// APIClient calls Helix with either the app token or a tenant token. Tenant
// clients retry exactly once after refreshing the token when Helix answers
// 401; the attempt counter belongs to the individual call.
type APIClient struct {
	baseURL    string
	clientID   string
	httpClient *http.Client
	tokens     domain.TokenProvider
	tenantID   string
}

type APIClientOption func(*APIClient)

func WithHelixURL(u string) APIClientOption {
	return func(c *APIClient) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithAPIHTTPClient(hc *http.Client) APIClientOption {
	return func(c *APIClient) { c.httpClient = hc }
}

// NewAPIClient returns an app-token client. Use ForTenant for calls made on
// behalf of a broadcaster.
func NewAPIClient(clientID string, tokens domain.TokenProvider, opts ...APIClientOption) *APIClient {
	c := &APIClient{
		baseURL:    DefaultHelixURL,
		clientID:   clientID,
		httpClient: &http.Client{Timeout: httpTimeout},
		tokens:     tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ForTenant returns a copy bound to the tenant's credentials.
func (c *APIClient) ForTenant(tenantID string) *APIClient {
	cp := *c
	cp.tenantID = tenantID
	return &cp
}

func (c *APIClient) TenantID() string {
	return c.tenantID
}

var unauthorizedRetry = retry.Policy{MaxAttempts: 2}

// Do sends a JSON request. query may be nil; body is JSON-encoded when not
// nil and out is decoded from the response when not nil.
func (c *APIClient) Do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	err := retry.DoVoid(ctx, unauthorizedRetry, c.classify, func(attempt int) error {
		token, err := c.token(ctx, attempt)
		if err != nil {
			return err
		}
		return c.send(ctx, method, path, query, payload, out, token)
	})
	if err == nil {
		return nil
	}

	// Callers see the APIError or token error, not the retry wrapper.
	if apiErr, ok := errors.AsType[*APIError](err); ok {
		return apiErr
	}
	if permanent, ok := errors.AsType[*retry.PermanentError](err); ok {
		return permanent.Err
	}
	return err
}

func (c *APIClient) classify(err error) retry.Action {
	if c.tenantID == "" {
		return retry.Stop
	}
	if apiErr, ok := errors.AsType[*APIError](err); ok && apiErr.StatusCode == http.StatusUnauthorized {
		return retry.Retry
	}
	return retry.Stop
}

func (c *APIClient) token(ctx context.Context, attempt int) (string, error) {
	if c.tenantID == "" {
		tok, err := c.tokens.AppToken(ctx)
		return tok.AccessToken, err
	}
	if attempt > 1 {
		slog.InfoContext(ctx, "Helix rejected tenant token, refreshing", "tenant_id", c.tenantID)
		return c.tokens.RefreshAccessToken(ctx, c.tenantID)
	}
	return c.tokens.AccessToken(ctx, c.tenantID)
}

func (c *APIClient) send(ctx context.Context, method, path string, query url.Values, payload []byte, out any, token string) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Client-Id", c.clientID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); readErr == nil {
			_ = json.Unmarshal(raw, apiErr)
			apiErr.StatusCode = resp.StatusCode
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

// ShardTransport is the transport half of a conduit shard update.
type ShardTransport struct {
	Method    string `json:"method"`
	SessionID string `json:"session_id,omitempty"`
	Callback  string `json:"callback,omitempty"`
	Secret    string `json:"secret,omitempty"`
}

type ShardUpdate struct {
	ID        string         `json:"id"`
	Transport ShardTransport `json:"transport"`
}

type shardUpdateRequest struct {
	ConduitID string        `json:"conduit_id"`
	Shards    []ShardUpdate `json:"shards"`
}

type shardUpdateResponse struct {
	Errors []struct {
		ID      string `json:"id"`
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"errors"`
}

// UpdateConduitShards points conduit shards at new transports. Helix reports
// per-shard failures in a 202 body; any of those fails the call.
func (c *APIClient) UpdateConduitShards(ctx context.Context, conduitID string, shards []ShardUpdate) error {
	var resp shardUpdateResponse
	req := shardUpdateRequest{ConduitID: conduitID, Shards: shards}
	if err := c.Do(ctx, http.MethodPatch, "/eventsub/conduits/shards", nil, req, &resp); err != nil {
		return fmt.Errorf("failed to update conduit shards: %w", err)
	}

	if len(resp.Errors) > 0 {
		e := resp.Errors[0]
		return fmt.Errorf("conduit %s shard %s rejected: %s (%s)", conduitID, e.ID, e.Message, e.Code)
	}
	return nil
}
