package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"multibank-api/models"
	"multibank-api/utils"
)

// TokenVault is the only component that touches OAuth credentials at rest.
// Tokens are AES-GCM encrypted before persistence and decrypted only for
// the duration of a call. Refresh is serialized per connection so a
// single-use refresh token is never submitted twice.
type TokenVault struct {
	db *sql.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewTokenVault(db *sql.DB) *TokenVault {
	return &TokenVault{
		db:    db,
		locks: make(map[string]*sync.Mutex),
	}
}

func (v *TokenVault) connLock(connectionID string) *sync.Mutex {
	v.mu.Lock()
	defer v.mu.Unlock()
	lock, ok := v.locks[connectionID]
	if !ok {
		lock = &sync.Mutex{}
		v.locks[connectionID] = lock
	}
	return lock
}

// Get returns the stored credential for a connection, or ErrNeedsReauth
// when none exists.
func (v *TokenVault) Get(ctx context.Context, connectionID string) (*models.Credential, error) {
	var encAccess, encRefresh, tokenType, scope string
	var expiresAt time.Time

	err := v.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, token_type, scope, expires_at
		FROM credentials
		WHERE connection_id = $1
	`, connectionID).Scan(&encAccess, &encRefresh, &tokenType, &scope, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no credential for connection: %w", ErrNeedsReauth)
	}
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}

	access, err := utils.Decrypt(encAccess)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	var refresh []byte
	if encRefresh != "" {
		refresh, err = utils.Decrypt(encRefresh)
		if err != nil {
			return nil, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}

	return &models.Credential{
		ConnectionID: connectionID,
		AccessToken:  string(access),
		RefreshToken: string(refresh),
		TokenType:    tokenType,
		Scope:        scope,
		ExpiresAt:    expiresAt,
	}, nil
}

// Store encrypts and upserts a credential. The upsert is a single statement,
// so the previous credential is replaced only once the new one is durable and
// there is never a window with zero valid tokens.
func (v *TokenVault) Store(ctx context.Context, connectionID string, cred *models.Credential) error {
	encAccess, err := utils.Encrypt([]byte(cred.AccessToken))
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	encRefresh := ""
	if cred.RefreshToken != "" {
		encRefresh, err = utils.Encrypt([]byte(cred.RefreshToken))
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	_, err = v.db.ExecContext(ctx, `
		INSERT INTO credentials (connection_id, access_token, refresh_token, token_type, scope, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (connection_id)
		DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_type = EXCLUDED.token_type,
			scope = EXCLUDED.scope,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()
	`, connectionID, encAccess, encRefresh, cred.TokenType, cred.Scope, cred.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

// Revoke deletes a connection's credential.
func (v *TokenVault) Revoke(ctx context.Context, connectionID string) error {
	_, err := v.db.ExecContext(ctx, "DELETE FROM credentials WHERE connection_id = $1", connectionID)
	if err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}
	return nil
}

// EnsureFresh returns a usable access token for the connection, refreshing
// through the bank adapter when the stored one expired. The per-connection
// lock makes refresh single-writer: a concurrent caller waits and then
// finds the already-refreshed credential on its double-check, instead of
// burning the same single-use refresh token a second time.
func (v *TokenVault) EnsureFresh(ctx context.Context, connectionID string, adapter BankAdapter) (*models.Credential, error) {
	cred, err := v.Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if !cred.Expired(time.Now()) {
		return cred, nil
	}

	lock := v.connLock(connectionID)
	lock.Lock()
	defer lock.Unlock()

	// Double-check under the lock: someone else may have refreshed while we
	// waited.
	cred, err = v.Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if !cred.Expired(time.Now()) {
		return cred, nil
	}

	if cred.RefreshToken == "" {
		return nil, fmt.Errorf("credential expired without refresh token: %w", ErrNeedsReauth)
	}

	fresh, err := adapter.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		return nil, err
	}
	// Some banks omit the rotated refresh token when it is unchanged.
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = cred.RefreshToken
	}

	if err := v.Store(ctx, connectionID, fresh); err != nil {
		return nil, err
	}
	fresh.ConnectionID = connectionID
	return fresh, nil
}
