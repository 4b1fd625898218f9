package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/KiroGateAPI/internal/crypto"
)

const tokenColumns = `id, user_id, token_hash, auth_type, region, visibility, status,
	opus_enabled, success_count, fail_count, last_used, last_check, check_note, created_at`

// CreateTokenParams carries the plaintext inputs for a new Kiro token.
type CreateTokenParams struct {
	UserID       int64
	RefreshToken string
	AuthType     AuthType
	ClientID     string
	ClientSecret string
	Region       string
	Visibility   Visibility
	OpusEnabled  bool
}

// CreateToken encrypts and stores a Kiro token. The refresh token is hashed
// for the unique lookup column; storing the same refresh token twice returns
// ErrDuplicateToken.
func (s *Store) CreateToken(ctx context.Context, p CreateTokenParams) (*KiroToken, error) {
	if strings.TrimSpace(p.RefreshToken) == "" {
		return nil, &ValidationError{Field: "refresh_token", Reason: "must not be empty"}
	}
	switch p.AuthType {
	case AuthTypeSocial:
	case AuthTypeIDC:
		if p.ClientID == "" || p.ClientSecret == "" {
			return nil, &ValidationError{Field: "auth_type", Reason: "idc requires client_id and client_secret"}
		}
	default:
		return nil, &ValidationError{Field: "auth_type", Reason: "must be social or idc"}
	}
	if p.Region == "" {
		p.Region = "us-east-1"
	}
	if p.Visibility == "" {
		p.Visibility = VisibilityPrivate
	}
	if p.Visibility != VisibilityPublic && p.Visibility != VisibilityPrivate {
		return nil, &ValidationError{Field: "visibility", Reason: "must be public or private"}
	}

	hash := crypto.TokenHash(p.RefreshToken)
	encRefresh, err := s.cipher.Encrypt(p.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("store: encrypt refresh token: %w", err)
	}
	encClientID, err := s.cipher.Encrypt(p.ClientID)
	if err != nil {
		return nil, fmt.Errorf("store: encrypt client id: %w", err)
	}
	encClientSecret, err := s.cipher.Encrypt(p.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("store: encrypt client secret: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err = s.queryRow(ctx, `SELECT COUNT(1) FROM tokens WHERE token_hash = ?`, hash).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("store: check token hash: %w", err)
	}
	if exists > 0 {
		return nil, ErrDuplicateToken
	}

	now := time.Now().UTC()
	id, err := s.insertReturningID(ctx,
		`INSERT INTO tokens (user_id, token_hash, refresh_token, auth_type, client_id, client_secret,
			region, visibility, status, opus_enabled, success_count, fail_count, check_note, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, '', ?)`,
		p.UserID, hash, encRefresh, string(p.AuthType), nullIfEmpty(encClientID), nullIfEmpty(encClientSecret),
		p.Region, string(p.Visibility), string(TokenStatusActive), p.OpusEnabled, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateToken
		}
		return nil, fmt.Errorf("store: insert token: %w", err)
	}

	return &KiroToken{
		ID:          id,
		UserID:      p.UserID,
		TokenHash:   hash,
		AuthType:    p.AuthType,
		Region:      p.Region,
		Visibility:  p.Visibility,
		Status:      TokenStatusActive,
		OpusEnabled: p.OpusEnabled,
		CreatedAt:   now,
	}, nil
}

// GetToken loads one token row by id.
func (s *Store) GetToken(ctx context.Context, id int64) (*KiroToken, error) {
	row := s.queryRow(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE id = ?`, id)
	return scanToken(row)
}

// GetTokenByHash loads one token row by its refresh-token digest.
func (s *Store) GetTokenByHash(ctx context.Context, hash string) (*KiroToken, error) {
	row := s.queryRow(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE token_hash = ?`, hash)
	return scanToken(row)
}

// ListTokensByUser returns the tokens a user owns, newest first.
func (s *Store) ListTokensByUser(ctx context.Context, userID int64) ([]*KiroToken, error) {
	rows, err := s.query(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE user_id = ? ORDER BY id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list tokens: %w", err)
	}
	return collectTokens(rows)
}

// GetActiveKiroTokensByUser returns the allocation pool for a user: their own
// active tokens plus active tokens shared with visibility=public.
func (s *Store) GetActiveKiroTokensByUser(ctx context.Context, userID int64) ([]*KiroToken, error) {
	rows, err := s.query(ctx,
		`SELECT `+tokenColumns+` FROM tokens
		 WHERE status = ? AND (user_id = ? OR visibility = ?) ORDER BY id`,
		string(TokenStatusActive), userID, string(VisibilityPublic))
	if err != nil {
		return nil, fmt.Errorf("store: active tokens: %w", err)
	}
	return collectTokens(rows)
}

// ListActiveTokens returns every active token; the health checker walks this.
func (s *Store) ListActiveTokens(ctx context.Context) ([]*KiroToken, error) {
	rows, err := s.query(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE status = ? ORDER BY id`,
		string(TokenStatusActive))
	if err != nil {
		return nil, fmt.Errorf("store: active tokens: %w", err)
	}
	return collectTokens(rows)
}

// AdminListTokens returns all tokens regardless of owner.
func (s *Store) AdminListTokens(ctx context.Context) ([]*KiroToken, error) {
	rows, err := s.query(ctx, `SELECT `+tokenColumns+` FROM tokens ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list tokens: %w", err)
	}
	return collectTokens(rows)
}

// GetTokenCredentials returns the decrypted secret bundle for one token.
func (s *Store) GetTokenCredentials(ctx context.Context, id int64) (*TokenCredentials, error) {
	var (
		encRefresh   string
		authType     string
		encClientID  sql.NullString
		encClientSec sql.NullString
		region       string
	)
	err := s.queryRow(ctx,
		`SELECT refresh_token, auth_type, client_id, client_secret, region FROM tokens WHERE id = ?`, id).
		Scan(&encRefresh, &authType, &encClientID, &encClientSec, &region)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: token credentials: %w", err)
	}

	refresh, err := s.cipher.Decrypt(encRefresh)
	if err != nil {
		return nil, fmt.Errorf("store: decrypt refresh token %d: %w", id, err)
	}
	clientID, err := s.cipher.Decrypt(encClientID.String)
	if err != nil {
		return nil, fmt.Errorf("store: decrypt client id %d: %w", id, err)
	}
	clientSecret, err := s.cipher.Decrypt(encClientSec.String)
	if err != nil {
		return nil, fmt.Errorf("store: decrypt client secret %d: %w", id, err)
	}

	return &TokenCredentials{
		RefreshToken: refresh,
		AuthType:     AuthType(authType),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Region:       region,
	}, nil
}

// SetTokenStatus transitions a token's lifecycle state and records why.
func (s *Store) SetTokenStatus(ctx context.Context, id int64, status TokenStatus, note string) error {
	switch status {
	case TokenStatusActive, TokenStatusInvalid, TokenStatusExpired:
	default:
		return &ValidationError{Field: "status", Reason: "must be active, invalid, or expired"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.exec(ctx, `UPDATE tokens SET status = ?, check_note = ? WHERE id = ?`,
		string(status), note, id)
	if err != nil {
		return fmt.Errorf("store: set token status: %w", err)
	}
	return nil
}

// RecordHealthCheck stores the outcome of one liveness probe. Status
// transitions are the health checker's call; this only records the result.
// A passing check clears any previous note.
func (s *Store) RecordHealthCheck(ctx context.Context, id int64, ok bool, note string) error {
	if ok {
		note = ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	_, err := s.exec(ctx, `UPDATE tokens SET last_check = ?, check_note = ? WHERE id = ?`, now, note, id)
	if err != nil {
		return fmt.Errorf("store: record health check: %w", err)
	}
	return nil
}

// DeleteToken removes a token the user owns. It reports whether a row
// matched.
func (s *Store) DeleteToken(ctx context.Context, id, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.exec(ctx, `DELETE FROM tokens WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return false, fmt.Errorf("store: delete token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AdminDeleteToken removes a token regardless of owner.
func (s *Store) AdminDeleteToken(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.exec(ctx, `DELETE FROM tokens WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("store: delete token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanToken(row *sql.Row) (*KiroToken, error) {
	t, err := scanTokenFrom(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func collectTokens(rows *sql.Rows) ([]*KiroToken, error) {
	defer rows.Close()
	var out []*KiroToken
	for rows.Next() {
		t, err := scanTokenFrom(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTokenFrom(scan func(dest ...any) error) (*KiroToken, error) {
	var (
		t         KiroToken
		authType  string
		vis       string
		status    string
		lastUsed  sql.NullTime
		lastCheck sql.NullTime
		checkNote sql.NullString
	)
	err := scan(&t.ID, &t.UserID, &t.TokenHash, &authType, &t.Region, &vis, &status,
		&t.OpusEnabled, &t.SuccessCount, &t.FailCount, &lastUsed, &lastCheck, &checkNote, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.AuthType = AuthType(authType)
	t.Visibility = Visibility(vis)
	t.Status = TokenStatus(status)
	if lastUsed.Valid {
		t.LastUsed = &lastUsed.Time
	}
	if lastCheck.Valid {
		t.LastCheck = &lastCheck.Time
	}
	t.CheckNote = checkNote.String
	return &t, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
