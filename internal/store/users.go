package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const userColumns = `id, credential_identifier, password_digest, api_key_hash, status, created_at`

// CreateUser inserts a new user row. The identifier (usually an email) must
// be unique.
func (s *Store) CreateUser(ctx context.Context, identifier, passwordDigest string, status UserStatus) (*User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, &ValidationError{Field: "credential_identifier", Reason: "must not be empty"}
	}
	if status == "" {
		status = UserStatusActive
	}
	if status != UserStatusActive && status != UserStatusPending {
		return nil, &ValidationError{Field: "status", Reason: "must be active or pending"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	id, err := s.insertReturningID(ctx,
		`INSERT INTO users (credential_identifier, password_digest, api_key_hash, status, created_at)
		 VALUES (?, ?, '', ?, ?)`,
		identifier, passwordDigest, string(status), now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &ValidationError{Field: "credential_identifier", Reason: "already registered"}
		}
		return nil, fmt.Errorf("store: insert user: %w", err)
	}

	return &User{
		ID:                   id,
		CredentialIdentifier: identifier,
		PasswordDigest:       passwordDigest,
		Status:               status,
		CreatedAt:            now,
	}, nil
}

// GetUserByID loads one user row.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*User, error) {
	row := s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByIdentifier loads one user row by email or similar identifier.
func (s *Store) GetUserByIdentifier(ctx context.Context, identifier string) (*User, error) {
	row := s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE credential_identifier = ?`, identifier)
	return scanUser(row)
}

// GetUserByAPIKeyHash resolves the user that owns a client API key. The key
// itself never reaches the database; callers hash it first.
func (s *Store) GetUserByAPIKeyHash(ctx context.Context, hash string) (*User, error) {
	if hash == "" {
		return nil, ErrNotFound
	}
	row := s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE api_key_hash = ?`, hash)
	return scanUser(row)
}

// SetUserAPIKeyHash binds a freshly issued API key digest to a user.
func (s *Store) SetUserAPIKeyHash(ctx context.Context, userID int64, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.exec(ctx, `UPDATE users SET api_key_hash = ? WHERE id = ?`, hash, userID)
	if err != nil {
		return fmt.Errorf("store: set api key hash: %w", err)
	}
	return nil
}

// ListUsers returns every user row; admin surface only.
func (s *Store) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u, err := scanUserFrom(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanUser(row *sql.Row) (*User, error) {
	u, err := scanUserFrom(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

func scanUserFrom(scan func(dest ...any) error) (*User, error) {
	var (
		u      User
		status string
	)
	err := scan(&u.ID, &u.CredentialIdentifier, &u.PasswordDigest, &u.APIKeyHash, &status, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	u.Status = UserStatus(status)
	return &u, nil
}
