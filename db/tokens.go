package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/chatwarden/crypto"
)

// Token is a stored OAuth token.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
}

// TokenStore keeps OAuth tokens in oauth_tokens, keyed by provider. With a
// Sealer configured, tokens are encrypted before they are written; rows written
// without one are read back as plaintext.
type TokenStore struct {
	DB     *sql.DB
	Sealer *crypto.Sealer
}

// NewTokenStore returns a TokenStore. sealer may be nil to store plaintext.
func NewTokenStore(db *sql.DB, sealer *crypto.Sealer) *TokenStore {
	return &TokenStore{DB: db, Sealer: sealer}
}

// GetToken returns the token for provider. ok is false when no row exists.
func (s *TokenStore) GetToken(ctx context.Context, provider string) (tok Token, ok bool, err error) {
	var (
		access, refresh, scope sql.NullString
		expiry                 sql.NullTime
	)
	err = s.DB.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope FROM oauth_tokens WHERE provider = $1`, provider).
		Scan(&access, &refresh, &expiry, &scope)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, fmt.Errorf("query oauth_tokens: %w", err)
	}
	tok = Token{AccessToken: access.String, RefreshToken: refresh.String, Scope: scope.String}
	if expiry.Valid {
		tok.Expiry = expiry.Time
	}
	if crypto.IsSealed(tok.AccessToken) || crypto.IsSealed(tok.RefreshToken) {
		if s.Sealer == nil {
			return Token{}, false, fmt.Errorf("token for %s is encrypted but no encryption key is configured", provider)
		}
		if tok.AccessToken, err = s.Sealer.Open(tok.AccessToken); err != nil {
			return Token{}, false, fmt.Errorf("decrypt access token: %w", err)
		}
		if tok.RefreshToken, err = s.Sealer.Open(tok.RefreshToken); err != nil {
			return Token{}, false, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return tok, true, nil
}

// SaveToken stores tok for provider, replacing any existing row.
func (s *TokenStore) SaveToken(ctx context.Context, provider string, tok Token) error {
	access, refresh := tok.AccessToken, tok.RefreshToken
	var keyID sql.NullString
	if s.Sealer != nil {
		var err error
		if access, err = s.Sealer.Seal(access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = s.Sealer.Seal(refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		keyID = sql.NullString{String: s.Sealer.KeyID(), Valid: true}
	}
	var expiry sql.NullTime
	if !tok.Expiry.IsZero() {
		expiry = sql.NullTime{Time: tok.Expiry.UTC(), Valid: true}
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, encryption_key_id, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,NOW())
		 ON CONFLICT(provider) DO UPDATE SET
		   access_token=EXCLUDED.access_token,
		   refresh_token=EXCLUDED.refresh_token,
		   expires_at=EXCLUDED.expires_at,
		   scope=EXCLUDED.scope,
		   encryption_key_id=EXCLUDED.encryption_key_id,
		   updated_at=NOW()`,
		provider, access, refresh, expiry, tok.Scope, keyID)
	if err != nil {
		return fmt.Errorf("upsert oauth_tokens %s: %w", provider, err)
	}
	return nil
}
