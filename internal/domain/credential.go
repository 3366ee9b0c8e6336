package domain

import (
	"context"
	"time"
)

// TenantCredential is the OAuth grant a broadcaster gave the application.
type TenantCredential struct {
	BroadcasterID string
	Login         string
	AccessToken   string
	RefreshToken  string
	Scopes        []string
	ExpiresAt     time.Time
	UpdatedAt     time.Time
}

type CredentialRepository interface {
	Get(ctx context.Context, broadcasterID string) (*TenantCredential, error)
	Upsert(ctx context.Context, cred TenantCredential) error
	UpdateTokens(ctx context.Context, broadcasterID, accessToken, refreshToken string, expiresAt time.Time) error
	List(ctx context.Context) ([]TenantCredential, error)
}

// AppToken is the client-credentials token shared by the whole application.
type AppToken struct {
	AccessToken string
	ExpiresIn   time.Duration
	UpdatedAt   time.Time
}

// Expired reports whether now is past UpdatedAt+ExpiresIn. A zero token is
// always expired.
func (t AppToken) Expired(now time.Time) bool {
	if t.AccessToken == "" {
		return true
	}
	return now.After(t.UpdatedAt.Add(t.ExpiresIn))
}

type TokenProvider interface {
	AccessToken(ctx context.Context, tenantID string) (string, error)
	RefreshAccessToken(ctx context.Context, tenantID string) (string, error)
	AppToken(ctx context.Context) (AppToken, error)
	RefreshAppToken(ctx context.Context) (AppToken, error)
}
