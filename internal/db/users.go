package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/oscillatelabsllc/skyth/internal/models"
)

const userColumns = `id, username, credential_hash, COALESCE(oauth_tokens, ''), created_at`

// EnsureUser returns the user with username, creating it with credentialHash
// when absent. An existing user's hash is left untouched.
func (s *Store) EnsureUser(ctx context.Context, username, credentialHash string) (*models.User, error) {
	if username == "" {
		return nil, fmt.Errorf("username is required")
	}

	unlock := s.keys.Lock(lockKey("users", 0, username))
	defer unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, credential_hash, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (username) DO NOTHING
	`, username, credentialHash, s.stamp())
	if err != nil {
		return nil, fmt.Errorf("failed to ensure user: %w", err)
	}

	return s.GetUserByUsername(ctx, username)
}

// GetUser retrieves a user by id
func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByUsername retrieves a user by username
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// SetUserTokens seals and stores the user's OAuth token JSON
func (s *Store) SetUserTokens(ctx context.Context, userID int64, tokens string) error {
	if s.sealer == nil {
		return ErrNoSealer
	}
	sealed, err := s.sealer.SealString(tokens, tokenAD(userID))
	if err != nil {
		return fmt.Errorf("failed to seal tokens: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `UPDATE users SET oauth_tokens = ? WHERE id = ?`, sealed, userID)
	if err != nil {
		return fmt.Errorf("failed to store tokens: %w", err)
	}
	return expectOne(result)
}

// UserTokens returns the user's OAuth token JSON, empty when never stored
func (s *Store) UserTokens(ctx context.Context, userID int64) (string, error) {
	if s.sealer == nil {
		return "", ErrNoSealer
	}
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if u.OAuthTokens == "" {
		return "", nil
	}
	tokens, err := s.sealer.OpenString(u.OAuthTokens, tokenAD(userID))
	if err != nil {
		return "", fmt.Errorf("failed to open tokens: %w", err)
	}
	return tokens, nil
}

func tokenAD(userID int64) string {
	return "oauth:" + strconv.FormatInt(userID, 10)
}

func scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	var created timestamp
	err := row.Scan(&u.ID, &u.Username, &u.CredentialHash, &u.OAuthTokens, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.CreatedAt = created.Time
	return &u, nil
}

func expectOne(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
