// Package kiro manages Kiro access tokens. A Manager exchanges one refresh
// token for short-lived access tokens across the two upstream dialects, caches
// the current token until shortly before expiry, and coalesces concurrent
// refreshes so N waiting callers produce exactly one upstream POST.
package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/router-for-me/KiroGateAPI/internal/util"
)

const (
	refreshURLSocial = "https://prod.%s.auth.desktop.kiro.dev/refreshToken"
	refreshURLIDC    = "https://oidc.%s.amazonaws.com/token"
	apiHostFormat    = "https://codewhisperer.%s.amazonaws.com"
	qHostFormat      = "https://q.%s.amazonaws.com"

	defaultRegion = "us-east-1"
	kiroUserAgent = "KiroIDE"

	// expirySafetyMargin is how long before the recorded deadline a cached
	// access token is already treated as stale.
	expirySafetyMargin = 60 * time.Second

	refreshTimeout   = 30 * time.Second
	defaultExpiresIn = 3600
)

// Dialect selects the refresh-token exchange protocol.
type Dialect string

const (
	// DialectSocial uses the Kiro desktop endpoint with a bare refresh token.
	DialectSocial Dialect = "social"
	// DialectIDC uses AWS SSO OIDC with client credentials.
	DialectIDC Dialect = "idc"
)

// ErrorClass partitions refresh failures by the remediation they call for.
type ErrorClass string

const (
	// ClassExpired marks a credential the upstream recognized and rejected.
	// The owning token row should transition to invalid.
	ClassExpired ErrorClass = "expired"
	// ClassTransient marks network failures and 5xx responses worth retrying.
	ClassTransient ErrorClass = "transient"
	// ClassInvalid marks every other rejection, including malformed responses.
	ClassInvalid ErrorClass = "invalid"
)

// AuthError reports a failed token refresh. Class tells callers whether to
// invalidate the credential or leave it alone for a later retry.
type AuthError struct {
	Status  int
	Class   ErrorClass
	Message string
}

func (e *AuthError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("kiro auth: %s (status %d, %s)", e.Message, e.Status, e.Class)
	}
	return fmt.Sprintf("kiro auth: %s (%s)", e.Message, e.Class)
}

// Classification extracts the error class when err wraps an AuthError, or ""
// for any other error.
func Classification(err error) ErrorClass {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Class
	}
	return ""
}

// Credentials is the decrypted bundle a Manager is constructed from. ClientID
// and ClientSecret are set only for IDC tokens.
type Credentials struct {
	RefreshToken string
	ClientID     string
	ClientSecret string
	Region       string
	ProfileArn   string
}

// Manager owns the access-token lifecycle for one refresh token. The cached
// token is reused until expirySafetyMargin before its deadline; refreshes run
// through a singleflight group so concurrent callers share one POST.
type Manager struct {
	dialect Dialect
	region  string
	client  *http.Client

	mu           sync.Mutex
	refreshToken string
	clientID     string
	clientSecret string
	profileArn   string
	accessToken  string
	expiresAt    time.Time

	flight singleflight.Group

	// refreshURL overrides the dialect endpoint when set; tests point it at a
	// local server.
	refreshURL string
}

// NewManager builds a Manager for one credential bundle. The dialect follows
// from the bundle: client credentials select IDC, their absence selects
// Social. Region precedence is the stored region, then the profile ARN, then
// us-east-1.
func NewManager(creds Credentials, proxyURL string) *Manager {
	dialect := DialectSocial
	if creds.ClientID != "" && creds.ClientSecret != "" {
		dialect = DialectIDC
	}

	region := creds.Region
	if region == "" {
		region = regionFromARN(creds.ProfileArn)
	}
	if region == "" {
		region = defaultRegion
	}

	return &Manager{
		dialect:      dialect,
		region:       region,
		client:       util.SetProxy(proxyURL, &http.Client{Timeout: refreshTimeout}),
		refreshToken: creds.RefreshToken,
		clientID:     creds.ClientID,
		clientSecret: creds.ClientSecret,
		profileArn:   creds.ProfileArn,
	}
}

// Dialect reports which refresh protocol this manager speaks.
func (m *Manager) Dialect() Dialect { return m.dialect }

// Region returns the AWS region upstream calls are routed to.
func (m *Manager) Region() string { return m.region }

// ProfileArn returns the current profile ARN. Social refreshes may populate
// it when the stored credential carried none.
func (m *Manager) ProfileArn() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profileArn
}

// APIHost is the codewhisperer endpoint for this manager's region.
func (m *Manager) APIHost() string {
	return fmt.Sprintf(apiHostFormat, m.region)
}

// QHost is the Amazon Q endpoint for this manager's region, used by the MCP
// web-search bridge.
func (m *Manager) QHost() string {
	return fmt.Sprintf(qHostFormat, m.region)
}

// GetAccessToken returns a valid access token, refreshing when the cached one
// is missing or inside the safety margin. A caller's cancellation must not
// abort a refresh other waiters share, so the flight runs on a detached
// context with its own deadline and its result is cached either way.
func (m *Manager) GetAccessToken(ctx context.Context) (string, error) {
	if token, ok := m.cachedToken(); ok {
		return token, nil
	}

	result, err, _ := m.flight.Do("refresh", func() (any, error) {
		if token, ok := m.cachedToken(); ok {
			return token, nil
		}
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return m.refresh(refreshCtx)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Invalidate drops the cached access token so the next GetAccessToken
// performs a fresh refresh. Used when the upstream rejects a token before its
// recorded expiry.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.accessToken = ""
	m.expiresAt = time.Time{}
	m.mu.Unlock()
}

func (m *Manager) cachedToken() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.accessToken != "" && time.Until(m.expiresAt) > expirySafetyMargin {
		return m.accessToken, true
	}
	return "", false
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	refreshToken := m.refreshToken
	clientID := m.clientID
	clientSecret := m.clientSecret
	m.mu.Unlock()

	if refreshToken == "" {
		return "", &AuthError{Class: ClassInvalid, Message: "no refresh token configured"}
	}

	var endpoint string
	var reqBody map[string]string
	if m.dialect == DialectIDC {
		endpoint = fmt.Sprintf(refreshURLIDC, m.region)
		reqBody = map[string]string{
			"clientId":     clientID,
			"clientSecret": clientSecret,
			"grantType":    "refresh_token",
			"refreshToken": refreshToken,
		}
	} else {
		endpoint = fmt.Sprintf(refreshURLSocial, m.region)
		reqBody = map[string]string{"refreshToken": refreshToken}
	}
	if m.refreshURL != "" {
		endpoint = m.refreshURL
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", kiroUserAgent)

	resp, err := m.client.Do(req)
	if err != nil {
		return "", &AuthError{Class: ClassTransient, Message: fmt.Sprintf("refresh request: %v", err)}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &AuthError{Class: ClassTransient, Message: fmt.Sprintf("read refresh response: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		class := classify(resp.StatusCode, string(body))
		log.Warnf("token refresh failed for %s: status %d, class %s",
			util.MaskToken(refreshToken), resp.StatusCode, class)
		return "", &AuthError{Status: resp.StatusCode, Class: class, Message: truncate(string(body), 200)}
	}

	var parsed struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ProfileArn   string `json:"profileArn"`
		ExpiresIn    int64  `json:"expiresIn"`
	}
	if err = json.Unmarshal(body, &parsed); err != nil {
		return "", &AuthError{Status: resp.StatusCode, Class: ClassInvalid, Message: fmt.Sprintf("decode refresh response: %v", err)}
	}
	if parsed.AccessToken == "" {
		return "", &AuthError{Status: resp.StatusCode, Class: ClassInvalid, Message: "refresh response missing accessToken"}
	}

	expiresIn := parsed.ExpiresIn
	if expiresIn == 0 {
		expiresIn = defaultExpiresIn
	}

	m.mu.Lock()
	m.accessToken = parsed.AccessToken
	m.expiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)
	if parsed.RefreshToken != "" {
		m.refreshToken = parsed.RefreshToken
	}
	if parsed.ProfileArn != "" {
		m.profileArn = parsed.ProfileArn
	}
	m.mu.Unlock()

	log.Debugf("token refreshed for %s, expires in %ds", util.MaskToken(refreshToken), expiresIn)
	return parsed.AccessToken, nil
}

var expiredBodyMarkers = []string{"invalid_grant", "expired", "invalidgrantexception"}

// classify maps a refresh rejection to the class callers branch on: a 401
// whose body names an expired or revoked grant means the credential itself is
// dead, 5xx means try again later, anything else is invalid.
func classify(status int, body string) ErrorClass {
	if status >= 500 {
		return ClassTransient
	}
	if status == http.StatusUnauthorized {
		lower := strings.ToLower(body)
		for _, marker := range expiredBodyMarkers {
			if strings.Contains(lower, marker) {
				return ClassExpired
			}
		}
	}
	return ClassInvalid
}

// regionFromARN pulls the region segment out of a codewhisperer profile ARN,
// e.g. arn:aws:codewhisperer:us-east-1:123456789012:profile/NAME. Returns ""
// when the ARN does not carry a plausible region.
func regionFromARN(arn string) string {
	parts := strings.Split(arn, ":")
	if len(parts) < 5 {
		return ""
	}
	region := parts[3]
	if len(region) < 9 {
		return ""
	}
	switch region[:2] {
	case "us", "eu", "ap":
		return region
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
