package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamwizard/streamwizard-backend/internal/domain"
	"github.com/streamwizard/streamwizard-backend/internal/platform/crypto"
)

// credentialColumns must match the Scan order in scanCredential.
const credentialColumns = `broadcaster_id, login, access_token, refresh_token, scopes, expires_at, updated_at`

// CredentialRepo implements domain.CredentialRepository. Tokens are
// encrypted before they reach the database.
type CredentialRepo struct {
	pool   *pgxpool.Pool
	cipher crypto.Cipher
}

var _ domain.CredentialRepository = (*CredentialRepo)(nil)

func NewCredentialRepo(pool *pgxpool.Pool, cipher crypto.Cipher) *CredentialRepo {
	return &CredentialRepo{pool: pool, cipher: cipher}
}

func (r *CredentialRepo) Get(ctx context.Context, broadcasterID string) (*domain.TenantCredential, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+credentialColumns+` FROM tenant_credentials WHERE broadcaster_id = $1`, broadcasterID)

	cred, err := r.scanCredential(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return cred, nil
}

func (r *CredentialRepo) Upsert(ctx context.Context, cred domain.TenantCredential) error {
	access, refresh, err := r.encryptPair(cred.AccessToken, cred.RefreshToken)
	if err != nil {
		return err
	}

	scopes := cred.Scopes
	if scopes == nil {
		scopes = []string{}
	}

	const q = `
		INSERT INTO tenant_credentials (broadcaster_id, login, access_token, refresh_token, scopes, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (broadcaster_id) DO UPDATE SET
			login = EXCLUDED.login,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			scopes = EXCLUDED.scopes,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()`
	if _, err := r.pool.Exec(ctx, q, cred.BroadcasterID, cred.Login, access, refresh, scopes, cred.ExpiresAt); err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}
	return nil
}

func (r *CredentialRepo) UpdateTokens(ctx context.Context, broadcasterID, accessToken, refreshToken string, expiresAt time.Time) error {
	access, refresh, err := r.encryptPair(accessToken, refreshToken)
	if err != nil {
		return err
	}

	const q = `
		UPDATE tenant_credentials
		SET access_token = $2, refresh_token = $3, expires_at = $4, updated_at = now()
		WHERE broadcaster_id = $1`
	tag, err := r.pool.Exec(ctx, q, broadcasterID, access, refresh, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrCredentialNotFound
	}
	return nil
}

func (r *CredentialRepo) List(ctx context.Context) ([]domain.TenantCredential, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+credentialColumns+` FROM tenant_credentials ORDER BY broadcaster_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var creds []domain.TenantCredential
	for rows.Next() {
		cred, err := r.scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		creds = append(creds, *cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	return creds, nil
}

func (r *CredentialRepo) Delete(ctx context.Context, broadcasterID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM tenant_credentials WHERE broadcaster_id = $1`, broadcasterID); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

func (r *CredentialRepo) scanCredential(row pgx.Row) (*domain.TenantCredential, error) {
	var cred domain.TenantCredential
	var access, refresh string
	err := row.Scan(&cred.BroadcasterID, &cred.Login, &access, &refresh, &cred.Scopes, &cred.ExpiresAt, &cred.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if cred.AccessToken, err = r.cipher.Decrypt(access); err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if cred.RefreshToken, err = r.cipher.Decrypt(refresh); err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	return &cred, nil
}

func (r *CredentialRepo) encryptPair(accessToken, refreshToken string) (string, string, error) {
	access, err := r.cipher.Encrypt(accessToken)
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refresh, err := r.cipher.Encrypt(refreshToken)
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	return access, refresh, nil
}
