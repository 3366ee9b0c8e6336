package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/streamwizard/streamwizard-backend/internal/domain"
)

const (
	DefaultTokenURL = "https://id.twitch.tv/oauth2/token"

	httpTimeout = 10 * time.Second
	appTokenKey = "app"
)

type TokenRefreshError struct {
	Revoked bool
	Err     error
}

func (e *TokenRefreshError) Error() string {
	if e.Revoked {
		return fmt.Sprintf("token revoked: %v", e.Err)
	}
	return fmt.Sprintf("token refresh failed: %v", e.Err)
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }

// TokenProvider hands out tenant and app access tokens. Tenant tokens live
// in the CredentialRepository; the app token is cached in memory and
// refreshed when it expires.
type TokenProvider struct {
	clientID     string
	clientSecret string
	tokenURL     string
	httpClient   *http.Client
	credentials  domain.CredentialRepository
	clock        clockwork.Clock

	mu       sync.Mutex
	appToken domain.AppToken
	appGroup singleflight.Group
}

type TokenProviderOption func(*TokenProvider)

func WithTokenURL(u string) TokenProviderOption {
	return func(p *TokenProvider) { p.tokenURL = u }
}

func WithTokenHTTPClient(c *http.Client) TokenProviderOption {
	return func(p *TokenProvider) { p.httpClient = c }
}

func WithTokenClock(c clockwork.Clock) TokenProviderOption {
	return func(p *TokenProvider) { p.clock = c }
}

func NewTokenProvider(clientID, clientSecret string, credentials domain.CredentialRepository, opts ...TokenProviderOption) *TokenProvider {
	p := &TokenProvider{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     DefaultTokenURL,
		httpClient:   &http.Client{Timeout: httpTimeout},
		credentials:  credentials,
		clock:        clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *TokenProvider) AccessToken(ctx context.Context, tenantID string) (string, error) {
	cred, err := p.credentials.Get(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("failed to load credentials for %s: %w", tenantID, err)
	}
	return cred.AccessToken, nil
}

// RefreshAccessToken exchanges the tenant's refresh token and persists the
// new pair. Twitch may omit a new refresh token, in which case the old one
// is kept.
func (p *TokenProvider) RefreshAccessToken(ctx context.Context, tenantID string) (string, error) {
	cred, err := p.credentials.Get(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("failed to load credentials for %s: %w", tenantID, err)
	}
	if cred.RefreshToken == "" {
		return "", &TokenRefreshError{Revoked: true, Err: errors.New("no refresh token stored")}
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", cred.RefreshToken)

	tok, err := p.requestToken(ctx, form)
	if err != nil {
		return "", err
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = cred.RefreshToken
	}
	expiresAt := p.clock.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)

	if err := p.credentials.UpdateTokens(ctx, tenantID, tok.AccessToken, refreshToken, expiresAt); err != nil {
		return "", fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}

	slog.InfoContext(ctx, "Refreshed tenant access token", "tenant_id", tenantID, "expires_at", expiresAt)
	return tok.AccessToken, nil
}

// AppToken returns the cached app token, refreshing it first when expired.
// Concurrent callers that find it expired share one refresh.
func (p *TokenProvider) AppToken(ctx context.Context) (domain.AppToken, error) {
	p.mu.Lock()
	tok := p.appToken
	p.mu.Unlock()

	if !tok.Expired(p.clock.Now()) {
		return tok, nil
	}

	v, err, _ := p.appGroup.Do(appTokenKey, func() (any, error) {
		return p.RefreshAppToken(context.WithoutCancel(ctx))
	})
	if err != nil {
		return domain.AppToken{}, err
	}
	return v.(domain.AppToken), nil
}

func (p *TokenProvider) RefreshAppToken(ctx context.Context) (domain.AppToken, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	resp, err := p.requestToken(ctx, form)
	if err != nil {
		return domain.AppToken{}, err
	}

	tok := domain.AppToken{
		AccessToken: resp.AccessToken,
		ExpiresIn:   time.Duration(resp.ExpiresIn) * time.Second,
		UpdatedAt:   p.clock.Now(),
	}

	p.mu.Lock()
	p.appToken = tok
	p.mu.Unlock()

	slog.InfoContext(ctx, "Refreshed app access token", "expires_in", tok.ExpiresIn)
	return tok, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

func (p *TokenProvider) requestToken(ctx context.Context, form url.Values) (*tokenResponse, error) {
	form.Set("client_id", p.clientID)
	form.Set("client_secret", p.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &TokenRefreshError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &TokenRefreshError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TokenRefreshError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		revoked := resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized
		return nil, &TokenRefreshError{
			Revoked: revoked,
			Err:     fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body)),
		}
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, &TokenRefreshError{Err: err}
	}
	if tok.AccessToken == "" {
		return nil, &TokenRefreshError{Err: errors.New("token endpoint returned no access token")}
	}
	return &tok, nil
}
