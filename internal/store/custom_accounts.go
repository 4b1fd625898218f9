package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const accountColumns = `id, user_id, name, api_base, format, provider, model, status,
	success_count, fail_count, created_at`

// CreateCustomAccountParams carries the inputs for a new custom API account.
type CreateCustomAccountParams struct {
	UserID   int64
	Name     string
	APIBase  string
	APIKey   string
	Format   AccountFormat
	Provider string
	Model    string
}

// CustomAccountPatch updates only the fields the caller supplied. A non-nil
// APIKey pointing at the empty string means "retain the stored ciphertext".
type CustomAccountPatch struct {
	Name     *string
	APIBase  *string
	APIKey   *string
	Format   *string
	Provider *string
	Model    *string
	Status   *string
}

func validAPIBase(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// CreateCustomAccount validates, encrypts the key, and stores a new account.
func (s *Store) CreateCustomAccount(ctx context.Context, p CreateCustomAccountParams) (*CustomAccount, error) {
	if !validAPIBase(p.APIBase) {
		return nil, &ValidationError{Field: "api_base", Reason: "must start with http:// or https://"}
	}
	if p.Format != FormatOpenAI && p.Format != FormatClaude {
		return nil, &ValidationError{Field: "format", Reason: "must be openai or claude"}
	}

	encKey, err := s.cipher.Encrypt(p.APIKey)
	if err != nil {
		return nil, fmt.Errorf("store: encrypt api key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	id, err := s.insertReturningID(ctx,
		`INSERT INTO custom_api_accounts (user_id, name, api_base, api_key, format, provider, model,
			status, success_count, fail_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?)`,
		p.UserID, nullIfEmpty(p.Name), p.APIBase, encKey, string(p.Format),
		nullIfEmpty(p.Provider), nullIfEmpty(p.Model), string(AccountStatusActive), now)
	if err != nil {
		return nil, fmt.Errorf("store: insert custom account: %w", err)
	}

	return &CustomAccount{
		ID:        id,
		UserID:    p.UserID,
		Name:      p.Name,
		APIBase:   p.APIBase,
		Format:    p.Format,
		Provider:  p.Provider,
		Model:     p.Model,
		Status:    AccountStatusActive,
		CreatedAt: now,
	}, nil
}

// GetCustomAccount loads one account the user owns.
func (s *Store) GetCustomAccount(ctx context.Context, id, userID int64) (*CustomAccount, error) {
	row := s.queryRow(ctx,
		`SELECT `+accountColumns+` FROM custom_api_accounts WHERE id = ? AND user_id = ?`, id, userID)
	return scanAccount(row)
}

// AdminGetCustomAccount loads one account regardless of owner.
func (s *Store) AdminGetCustomAccount(ctx context.Context, id int64) (*CustomAccount, error) {
	row := s.queryRow(ctx, `SELECT `+accountColumns+` FROM custom_api_accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// ListCustomAccountsByUser returns the accounts a user owns, newest first.
func (s *Store) ListCustomAccountsByUser(ctx context.Context, userID int64) ([]*CustomAccount, error) {
	rows, err := s.query(ctx,
		`SELECT `+accountColumns+` FROM custom_api_accounts WHERE user_id = ? ORDER BY id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list custom accounts: %w", err)
	}
	return collectAccounts(rows)
}

// GetActiveCustomAccountsByUser returns the user's allocatable accounts.
func (s *Store) GetActiveCustomAccountsByUser(ctx context.Context, userID int64) ([]*CustomAccount, error) {
	rows, err := s.query(ctx,
		`SELECT `+accountColumns+` FROM custom_api_accounts WHERE user_id = ? AND status = ? ORDER BY id`,
		userID, string(AccountStatusActive))
	if err != nil {
		return nil, fmt.Errorf("store: active custom accounts: %w", err)
	}
	return collectAccounts(rows)
}

// AdminListCustomAccounts returns every account.
func (s *Store) AdminListCustomAccounts(ctx context.Context) ([]*CustomAccount, error) {
	rows, err := s.query(ctx, `SELECT `+accountColumns+` FROM custom_api_accounts ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list custom accounts: %w", err)
	}
	return collectAccounts(rows)
}

// GetCustomAccountKey returns the decrypted API key for one account.
func (s *Store) GetCustomAccountKey(ctx context.Context, id int64) (string, error) {
	var encKey string
	err := s.queryRow(ctx, `SELECT api_key FROM custom_api_accounts WHERE id = ?`, id).Scan(&encKey)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: custom account key: %w", err)
	}
	key, err := s.cipher.Decrypt(encKey)
	if err != nil {
		return "", fmt.Errorf("store: decrypt api key %d: %w", id, err)
	}
	return key, nil
}

// UpdateCustomAccount applies a patch to an account the user owns. It reports
// whether a row matched; a false return leaves the row untouched.
func (s *Store) UpdateCustomAccount(ctx context.Context, id, userID int64, patch CustomAccountPatch) (bool, error) {
	return s.updateCustomAccount(ctx, id, &userID, patch)
}

// AdminUpdateCustomAccount applies a patch regardless of owner.
func (s *Store) AdminUpdateCustomAccount(ctx context.Context, id int64, patch CustomAccountPatch) (bool, error) {
	return s.updateCustomAccount(ctx, id, nil, patch)
}

func (s *Store) updateCustomAccount(ctx context.Context, id int64, userID *int64, patch CustomAccountPatch) (bool, error) {
	var (
		sets []string
		args []any
	)

	if patch.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, nullIfEmpty(*patch.Name))
	}
	if patch.APIBase != nil {
		if !validAPIBase(*patch.APIBase) {
			return false, &ValidationError{Field: "api_base", Reason: "must start with http:// or https://"}
		}
		sets = append(sets, "api_base = ?")
		args = append(args, *patch.APIBase)
	}
	if patch.APIKey != nil && *patch.APIKey != "" {
		encKey, err := s.cipher.Encrypt(*patch.APIKey)
		if err != nil {
			return false, fmt.Errorf("store: encrypt api key: %w", err)
		}
		sets = append(sets, "api_key = ?")
		args = append(args, encKey)
	}
	if patch.Format != nil {
		f := AccountFormat(*patch.Format)
		if f != FormatOpenAI && f != FormatClaude {
			return false, &ValidationError{Field: "format", Reason: "must be openai or claude"}
		}
		sets = append(sets, "format = ?")
		args = append(args, *patch.Format)
	}
	if patch.Provider != nil {
		sets = append(sets, "provider = ?")
		args = append(args, nullIfEmpty(*patch.Provider))
	}
	if patch.Model != nil {
		sets = append(sets, "model = ?")
		args = append(args, nullIfEmpty(*patch.Model))
	}
	if patch.Status != nil {
		st := AccountStatus(*patch.Status)
		if st != AccountStatusActive && st != AccountStatusDisabled {
			return false, &ValidationError{Field: "status", Reason: "must be active or disabled"}
		}
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}

	if len(sets) == 0 {
		return s.customAccountExists(ctx, id, userID)
	}

	query := "UPDATE custom_api_accounts SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)
	if userID != nil {
		query += " AND user_id = ?"
		args = append(args, *userID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("store: update custom account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) customAccountExists(ctx context.Context, id int64, userID *int64) (bool, error) {
	query := `SELECT COUNT(1) FROM custom_api_accounts WHERE id = ?`
	args := []any{id}
	if userID != nil {
		query += " AND user_id = ?"
		args = append(args, *userID)
	}
	var n int
	if err := s.queryRow(ctx, query, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("store: check custom account: %w", err)
	}
	return n > 0, nil
}

// SetCustomAccountStatus flips an account between active and disabled.
func (s *Store) SetCustomAccountStatus(ctx context.Context, id, userID int64, status AccountStatus) (bool, error) {
	st := string(status)
	return s.updateCustomAccount(ctx, id, &userID, CustomAccountPatch{Status: &st})
}

// AdminSetCustomAccountStatus flips an account's status regardless of owner.
func (s *Store) AdminSetCustomAccountStatus(ctx context.Context, id int64, status AccountStatus) (bool, error) {
	st := string(status)
	return s.updateCustomAccount(ctx, id, nil, CustomAccountPatch{Status: &st})
}

// DeleteCustomAccount removes an account the user owns. It reports whether a
// row matched.
func (s *Store) DeleteCustomAccount(ctx context.Context, id, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.exec(ctx, `DELETE FROM custom_api_accounts WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return false, fmt.Errorf("store: delete custom account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AdminDeleteCustomAccount removes an account regardless of owner.
func (s *Store) AdminDeleteCustomAccount(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.exec(ctx, `DELETE FROM custom_api_accounts WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("store: delete custom account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanAccount(row *sql.Row) (*CustomAccount, error) {
	a, err := scanAccountFrom(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func collectAccounts(rows *sql.Rows) ([]*CustomAccount, error) {
	defer rows.Close()
	var out []*CustomAccount
	for rows.Next() {
		a, err := scanAccountFrom(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAccountFrom(scan func(dest ...any) error) (*CustomAccount, error) {
	var (
		a        CustomAccount
		name     sql.NullString
		format   string
		provider sql.NullString
		model    sql.NullString
		status   string
	)
	err := scan(&a.ID, &a.UserID, &name, &a.APIBase, &format, &provider, &model, &status,
		&a.SuccessCount, &a.FailCount, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.Name = name.String
	a.Format = AccountFormat(format)
	a.Provider = provider.String
	a.Model = model.String
	a.Status = AccountStatus(status)
	return &a, nil
}
