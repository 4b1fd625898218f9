package store

import (
	"errors"
	"fmt"
	"time"
)

// CredentialKind tags which pool a credential came from.
type CredentialKind string

const (
	KindKiro   CredentialKind = "kiro"
	KindCustom CredentialKind = "custom"
)

// AuthType distinguishes the two Kiro refresh protocols.
type AuthType string

const (
	AuthTypeSocial AuthType = "social"
	AuthTypeIDC    AuthType = "idc"
)

// TokenStatus is the lifecycle state of a stored Kiro token.
type TokenStatus string

const (
	TokenStatusActive  TokenStatus = "active"
	TokenStatusInvalid TokenStatus = "invalid"
	TokenStatusExpired TokenStatus = "expired"
)

// Visibility controls whether a token is shared into the public pool.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// AccountFormat is the wire dialect a custom account speaks.
type AccountFormat string

const (
	FormatOpenAI AccountFormat = "openai"
	FormatClaude AccountFormat = "claude"
)

// AccountStatus is the lifecycle state of a custom API account.
type AccountStatus string

const (
	AccountStatusActive   AccountStatus = "active"
	AccountStatusDisabled AccountStatus = "disabled"
)

// UserStatus is the lifecycle state of a user row.
type UserStatus string

const (
	UserStatusActive  UserStatus = "active"
	UserStatusPending UserStatus = "pending"
)

// User is an account that owns tokens and custom API accounts. The password
// digest and API key hash are stored, never the plaintexts.
type User struct {
	ID                   int64      `json:"id"`
	CredentialIdentifier string     `json:"credential_identifier"`
	PasswordDigest       string     `json:"-"`
	APIKeyHash           string     `json:"-"`
	Status               UserStatus `json:"status"`
	CreatedAt            time.Time  `json:"created_at"`
}

// KiroToken is a stored Kiro credential. Secret columns are not loaded here;
// GetTokenCredentials returns the decrypted bundle when a caller needs it.
type KiroToken struct {
	ID           int64       `json:"id"`
	UserID       int64       `json:"user_id"`
	TokenHash    string      `json:"token_hash"`
	AuthType     AuthType    `json:"auth_type"`
	Region       string      `json:"region"`
	Visibility   Visibility  `json:"visibility"`
	Status       TokenStatus `json:"status"`
	OpusEnabled  bool        `json:"opus_enabled"`
	SuccessCount int64       `json:"success_count"`
	FailCount    int64       `json:"fail_count"`
	LastUsed     *time.Time  `json:"last_used,omitempty"`
	LastCheck    *time.Time  `json:"last_check,omitempty"`
	CheckNote    string      `json:"check_note,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// TokenCredentials is the decrypted secret bundle for one token.
type TokenCredentials struct {
	RefreshToken string
	AuthType     AuthType
	ClientID     string
	ClientSecret string
	Region       string
}

// CustomAccount is a stored third-party endpoint. APIKey is kept encrypted;
// GetCustomAccountKey decrypts it for the dispatcher.
type CustomAccount struct {
	ID           int64         `json:"id"`
	UserID       int64         `json:"user_id"`
	Name         string        `json:"name,omitempty"`
	APIBase      string        `json:"api_base"`
	Format       AccountFormat `json:"format"`
	Provider     string        `json:"provider,omitempty"`
	Model        string        `json:"model,omitempty"`
	Status       AccountStatus `json:"status"`
	SuccessCount int64         `json:"success_count"`
	FailCount    int64         `json:"fail_count"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Session is an opaque web-login session row. The login frontend owns its
// contents; the store only persists and expires them.
type Session struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateToken is returned when a refresh token is already stored.
	ErrDuplicateToken = errors.New("store: token already exists")
)

// ValidationError reports a rejected field on create or update. Handlers map
// it to HTTP 422.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("store: invalid %s: %s", e.Field, e.Reason)
}
