package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/oscillatelabsllc/skyth/internal/models"
)

// UpsertVault seals value and writes it under (user, key), replacing any
// previous value and sensitivity.
func (s *Store) UpsertVault(ctx context.Context, userID int64, key, value string, sensitivity models.Sensitivity) (*models.VaultEntry, error) {
	if s.sealer == nil {
		return nil, ErrNoSealer
	}
	if key == "" {
		return nil, fmt.Errorf("key is required")
	}
	if sensitivity == "" {
		sensitivity = models.SensitivityMedium
	}
	if !sensitivity.IsValid() {
		return nil, fmt.Errorf("invalid sensitivity %q", sensitivity)
	}

	sealed, err := s.sealer.SealString(value, vaultAD(userID, key))
	if err != nil {
		return nil, fmt.Errorf("failed to seal vault value: %w", err)
	}

	unlock := s.keys.Lock(lockKey("vault", userID, key))
	defer unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO knowledge_vault (user_id, entry_key, sealed_value, sensitivity, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, entry_key) DO UPDATE SET
			sealed_value = excluded.sealed_value,
			sensitivity = excluded.sensitivity,
			updated_at = excluded.updated_at
	`, userID, key, sealed, string(sensitivity), s.stamp())
	if err != nil {
		return nil, fmt.Errorf("failed to upsert vault entry: %w", err)
	}

	return s.GetVault(ctx, userID, key)
}

// GetVault returns the entry with its value opened
func (s *Store) GetVault(ctx context.Context, userID int64, key string) (*models.VaultEntry, error) {
	if s.sealer == nil {
		return nil, ErrNoSealer
	}

	var e models.VaultEntry
	var sealed, sensitivity string
	var updated timestamp
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, entry_key, sealed_value, sensitivity, updated_at
		FROM knowledge_vault WHERE user_id = ? AND entry_key = ?
	`, userID, key).Scan(&e.ID, &e.UserID, &e.Key, &sealed, &sensitivity, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vault entry: %w", err)
	}

	value, err := s.sealer.OpenString(sealed, vaultAD(userID, key))
	if err != nil {
		return nil, fmt.Errorf("failed to open vault entry: %w", err)
	}
	e.Value = value
	e.Sensitivity = models.Sensitivity(sensitivity)
	e.UpdatedAt = updated.Time
	return &e, nil
}

// ListVaultKeys lists the user's vault entries without their values
func (s *Store) ListVaultKeys(ctx context.Context, userID int64) ([]models.VaultEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, entry_key, sensitivity, updated_at
		FROM knowledge_vault WHERE user_id = ? ORDER BY entry_key
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list vault: %w", err)
	}
	defer rows.Close()

	entries := []models.VaultEntry{}
	for rows.Next() {
		var e models.VaultEntry
		var sensitivity string
		var updated timestamp
		if err := rows.Scan(&e.ID, &e.UserID, &e.Key, &sensitivity, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan vault entry: %w", err)
		}
		e.Sensitivity = models.Sensitivity(sensitivity)
		e.UpdatedAt = updated.Time
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func vaultAD(userID int64, key string) string {
	return "vault:" + strconv.FormatInt(userID, 10) + ":" + key
}
