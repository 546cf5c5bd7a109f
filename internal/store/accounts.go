package store

import (
	"context"
	"database/sql"
	"fmt"

	apperrors "options-executor/internal/errors"
	"options-executor/internal/models"
)

const accountColumns = `id, user_id, broker_id, kind, COALESCE(client_id, ''), COALESCE(access_token, ''),
	token_expiry, connected, updated_at`

// SaveAccount inserts or replaces a broker account, including its session token.
func (s *SQLiteStore) SaveAccount(ctx context.Context, a *models.BrokerAccount) error {
	a.UpdatedAt = s.now()
	expiry := a.TokenExpiry
	token := a.AccessToken
	if s.tokens != nil {
		sealed, err := s.tokens.Seal(token)
		if err != nil {
			return fmt.Errorf("failed to seal access token: %w", err)
		}
		token = sealed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO broker_accounts (id, user_id, broker_id, kind, client_id, access_token,
			token_expiry, connected, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.UserID, a.BrokerID, string(a.Kind), nullString(a.ClientID), nullString(token),
		nullTime(&expiry), a.Connected, dbTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save broker account: %w", err)
	}
	return nil
}

// GetAccount loads a broker account by id.
func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*models.BrokerAccount, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM broker_accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "broker account %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get broker account: %w", err)
	}
	if err := s.openToken(a); err != nil {
		return nil, err
	}
	return a, nil
}

// ListAccounts returns a user's broker accounts.
func (s *SQLiteStore) ListAccounts(ctx context.Context, userID string) ([]models.BrokerAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM broker_accounts WHERE user_id = ? ORDER BY broker_id ASC, id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query broker accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.BrokerAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan broker account: %w", err)
		}
		if err := s.openToken(a); err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (s *SQLiteStore) openToken(a *models.BrokerAccount) error {
	if s.tokens == nil || a.AccessToken == "" {
		return nil
	}
	token, err := s.tokens.Open(a.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to open access token for account %s: %w", a.ID, err)
	}
	a.AccessToken = token
	return nil
}

func scanAccount(row scanner) (*models.BrokerAccount, error) {
	var a models.BrokerAccount
	var expiry sql.NullTime
	err := row.Scan(&a.ID, &a.UserID, &a.BrokerID, &a.Kind, &a.ClientID, &a.AccessToken,
		&expiry, &a.Connected, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if expiry.Valid {
		a.TokenExpiry = expiry.Time
	}
	return &a, nil
}
