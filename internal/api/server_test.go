package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/KiroGateAPI/internal/allocator"
	"github.com/router-for-me/KiroGateAPI/internal/auth/kiro"
	"github.com/router-for-me/KiroGateAPI/internal/config"
	"github.com/router-for-me/KiroGateAPI/internal/crypto"
	"github.com/router-for-me/KiroGateAPI/internal/orchestrator"
	"github.com/router-for-me/KiroGateAPI/internal/store"
)

func newTestServer(t *testing.T, adminKey string) (*Server, *store.Store) {
	t.Helper()
	cipher, err := crypto.NewCipher("api-test-key")
	require.NoError(t, err)

	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "api.db"), cipher)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	cfg := config.Defaults()
	cfg.AdminKey = adminKey

	cache := kiro.NewCache("")
	orc := orchestrator.New(s, allocator.New(s, cache, ""), cache, orchestrator.Options{
		FirstTokenTimeout: time.Second,
		StreamReadTimeout: time.Second,
		PingInterval:      time.Second,
	})
	return NewServer(cfg, s, orc, cache), s
}

// seedUser registers a user whose API key is the given plaintext.
func seedUser(t *testing.T, s *store.Store, key string) *store.User {
	t.Helper()
	ctx := context.Background()
	user, err := s.CreateUser(ctx, key+"@example.com", "", store.UserStatusActive)
	require.NoError(t, err)
	require.NoError(t, s.SetUserAPIKeyHash(ctx, user.ID, crypto.TokenHash(key)))
	return user
}

func doRequest(srv *Server, method, path, key, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if key != "" {
		req.Header.Set("x-api-key", key)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func errorField(w *httptest.ResponseRecorder, field string) string {
	return gjson.Get(w.Body.String(), "error."+field).String()
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "")

	w := doRequest(srv, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", gjson.Get(w.Body.String(), "status").String())
	assert.NotEmpty(t, gjson.Get(w.Body.String(), "version").String())
}

func TestModelsListIsPublic(t *testing.T) {
	srv, _ := newTestServer(t, "")

	w := doRequest(srv, http.MethodGet, "/v1/models", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	data := gjson.Get(w.Body.String(), "data").Array()
	require.NotEmpty(t, data)
	assert.Equal(t, "model", data[0].Get("type").String())
	assert.Equal(t, data[0].Get("id").String(), gjson.Get(w.Body.String(), "first_id").String())
	assert.False(t, gjson.Get(w.Body.String(), "has_more").Bool())
}

func TestMessagesRequiresAPIKey(t *testing.T) {
	srv, s := newTestServer(t, "")
	seedUser(t, s, "sk-valid")

	body := `{"model":"claude-sonnet-4-20250514","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`

	w := doRequest(srv, http.MethodPost, "/v1/messages", "", body)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "authentication_error", errorField(w, "type"))

	w = doRequest(srv, http.MethodPost, "/v1/messages", "sk-wrong", body)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid API key.", errorField(w, "message"))
}

func TestInactiveAccountRejected(t *testing.T) {
	srv, s := newTestServer(t, "")
	ctx := context.Background()
	user, err := s.CreateUser(ctx, "pending@example.com", "", store.UserStatusPending)
	require.NoError(t, err)
	require.NoError(t, s.SetUserAPIKeyHash(ctx, user.ID, crypto.TokenHash("sk-pending")))

	body := `{"model":"claude-sonnet-4-20250514","messages":[{"role":"user","content":"hi"}]}`
	w := doRequest(srv, http.MethodPost, "/v1/messages/count_tokens", "sk-pending", body)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Account is not active.", errorField(w, "message"))
}

func TestBearerAuthorizationAccepted(t *testing.T) {
	srv, s := newTestServer(t, "")
	seedUser(t, s, "sk-bearer")

	body := `{"model":"claude-sonnet-4-20250514","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer sk-bearer")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Positive(t, gjson.Get(w.Body.String(), "input_tokens").Int())
}

func TestMessagesEmptyPoolForbidden(t *testing.T) {
	srv, s := newTestServer(t, "")
	seedUser(t, s, "sk-pool")

	body := `{"model":"claude-sonnet-4-20250514","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`
	w := doRequest(srv, http.MethodPost, "/v1/messages", "sk-pool", body)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "permission_error", errorField(w, "type"))
	assert.Equal(t, "No active credential is available for this request.", errorField(w, "message"))
}

func TestStreamingEmptyPoolForbidden(t *testing.T) {
	srv, s := newTestServer(t, "")
	seedUser(t, s, "sk-stream")

	body := `{"model":"claude-sonnet-4-20250514","max_tokens":10,"stream":true,"messages":[{"role":"user","content":"hi"}]}`
	w := doRequest(srv, http.MethodPost, "/cc/v1/messages", "sk-stream", body)
	require.Equal(t, http.StatusForbidden, w.Code, "failures before any output still carry a status")
	assert.Equal(t, "permission_error", errorField(w, "type"))
}

func TestMessagesRejectsMalformedBody(t *testing.T) {
	srv, s := newTestServer(t, "")
	seedUser(t, s, "sk-body")

	w := doRequest(srv, http.MethodPost, "/v1/messages", "sk-body", "not json")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request_error", errorField(w, "type"))

	w = doRequest(srv, http.MethodPost, "/v1/messages", "sk-body", `{"messages":[]}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "model is required.", errorField(w, "message"))

	w = doRequest(srv, http.MethodPost, "/v1/messages", "sk-body", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Request body is required.", errorField(w, "message"))
}

func TestGzipRequestBodyDecompressed(t *testing.T) {
	srv, s := newTestServer(t, "")
	seedUser(t, s, "sk-gzip")

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(`{"model":"claude-sonnet-4-20250514","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", &buf)
	req.Header.Set("x-api-key", "sk-gzip")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, "gzipped body should decode before the handler runs: %s", w.Body.String())
	assert.Positive(t, gjson.Get(w.Body.String(), "input_tokens").Int())
}

func TestCountTokensNeedsNoCredential(t *testing.T) {
	srv, s := newTestServer(t, "")
	seedUser(t, s, "sk-count")

	body := `{"model":"claude-sonnet-4-20250514","messages":[{"role":"user","content":"count me"}]}`
	w := doRequest(srv, http.MethodPost, "/v1/messages/count_tokens", "sk-count", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Positive(t, gjson.Get(w.Body.String(), "input_tokens").Int())
}

func TestTokenLifecycle(t *testing.T) {
	srv, s := newTestServer(t, "")
	seedUser(t, s, "sk-tokens")

	w := doRequest(srv, http.MethodPost, "/user/api/tokens", "sk-tokens",
		`{"refresh_token":"rt-lifecycle","region":"eu-central-1"}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, errorField(w, "message"), "region must be one of")

	w = doRequest(srv, http.MethodPost, "/user/api/tokens", "sk-tokens",
		`{"refresh_token":"rt-lifecycle","region":"us-east-1"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	tokenID := gjson.Get(w.Body.String(), "token.id").Int()
	require.Positive(t, tokenID)
	assert.Equal(t, "active", gjson.Get(w.Body.String(), "token.status").String())
	assert.False(t, gjson.Get(w.Body.String(), "token.refresh_token").Exists(),
		"the raw refresh token never leaves the store")

	w = doRequest(srv, http.MethodPost, "/user/api/tokens", "sk-tokens",
		`{"refresh_token":"rt-lifecycle"}`)
	require.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(srv, http.MethodGet, "/user/api/tokens", "sk-tokens", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, gjson.Get(w.Body.String(), "tokens").Array(), 1)

	path := fmt.Sprintf("/user/api/tokens/%d", tokenID)
	w = doRequest(srv, http.MethodDelete, path, "sk-tokens", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gjson.Get(w.Body.String(), "deleted").Bool())

	w = doRequest(srv, http.MethodDelete, path, "sk-tokens", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestTokenDeleteEnforcesOwnership(t *testing.T) {
	srv, s := newTestServer(t, "")
	seedUser(t, s, "sk-owner")
	seedUser(t, s, "sk-other")

	w := doRequest(srv, http.MethodPost, "/user/api/tokens", "sk-owner", `{"refresh_token":"rt-owned"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	tokenID := gjson.Get(w.Body.String(), "token.id").Int()

	w = doRequest(srv, http.MethodDelete, fmt.Sprintf("/user/api/tokens/%d", tokenID), "sk-other", "")
	require.Equal(t, http.StatusNotFound, w.Code, "another user's token looks nonexistent")

	w = doRequest(srv, http.MethodGet, "/user/api/tokens", "sk-owner", "")
	assert.Len(t, gjson.Get(w.Body.String(), "tokens").Array(), 1, "the token is still there")
}

func TestAnonymousTokenLandsInSharedPool(t *testing.T) {
	srv, s := newTestServer(t, "")
	seedUser(t, s, "sk-anon")

	w := doRequest(srv, http.MethodPost, "/user/api/tokens", "sk-anon",
		`{"refresh_token":"rt-anon","anonymous":true}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "public", gjson.Get(w.Body.String(), "token.visibility").String())
}

func TestCustomAccountLifecycle(t *testing.T) {
	srv, s := newTestServer(t, "")
	seedUser(t, s, "sk-custom")

	w := doRequest(srv, http.MethodPost, "/user/api/custom-apis", "sk-custom",
		`{"name":"no base","api_key":"k","format":"openai"}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = doRequest(srv, http.MethodPost, "/user/api/custom-apis", "sk-custom",
		`{"name":"backup","api_base":"https://api.example.com","api_key":"sk-upstream","format":"openai","model":"gpt-4o"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	accountID := gjson.Get(w.Body.String(), "account.id").Int()
	require.Positive(t, accountID)
	assert.False(t, gjson.Get(w.Body.String(), "account.api_key").Exists(),
		"the upstream key never leaves the store")

	path := fmt.Sprintf("/user/api/custom-apis/%d", accountID)
	w = doRequest(srv, http.MethodPut, path, "sk-custom", `{"name":"renamed","api_key":""}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "renamed", gjson.Get(w.Body.String(), "account.name").String())

	w = doRequest(srv, http.MethodPatch, path+"/status", "sk-custom", `{"status":"disabled"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "disabled", gjson.Get(w.Body.String(), "status").String())

	w = doRequest(srv, http.MethodGet, "/user/api/custom-apis", "sk-custom", "")
	require.Equal(t, http.StatusOK, w.Code)
	accounts := gjson.Get(w.Body.String(), "accounts").Array()
	require.Len(t, accounts, 1)
	assert.Equal(t, "disabled", accounts[0].Get("status").String())

	w = doRequest(srv, http.MethodDelete, path, "sk-custom", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gjson.Get(w.Body.String(), "deleted").Bool())

	w = doRequest(srv, http.MethodDelete, path, "sk-custom", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminSurface(t *testing.T) {
	srv, s := newTestServer(t, "admin-secret")
	seedUser(t, s, "sk-user")

	w := doRequest(srv, http.MethodPost, "/user/api/tokens", "sk-user", `{"refresh_token":"rt-admin"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	tokenID := gjson.Get(w.Body.String(), "token.id").Int()

	w = doRequest(srv, http.MethodGet, "/admin/api/tokens", "", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(srv, http.MethodGet, "/admin/api/tokens", "sk-user", "")
	require.Equal(t, http.StatusUnauthorized, w.Code, "a user API key is not an admin key")

	w = doRequest(srv, http.MethodGet, "/admin/api/tokens", "admin-secret", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, gjson.Get(w.Body.String(), "tokens").Array(), 1)

	w = doRequest(srv, http.MethodDelete, fmt.Sprintf("/admin/api/tokens/%d", tokenID), "admin-secret", "")
	require.Equal(t, http.StatusOK, w.Code, "admin delete ignores ownership")
}

func TestAdminDisabledLooksLikeNotFound(t *testing.T) {
	srv, _ := newTestServer(t, "")

	w := doRequest(srv, http.MethodGet, "/admin/api/tokens", "any-key", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Admin API is disabled.", errorField(w, "message"))
}

func TestAdminRecentLogs(t *testing.T) {
	srv, _ := newTestServer(t, "admin-secret")

	w := doRequest(srv, http.MethodGet, "/admin/api/logs?limit=5", "admin-secret", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gjson.Get(w.Body.String(), "logs").IsArray())
	assert.LessOrEqual(t, gjson.Get(w.Body.String(), "count").Int(), int64(5))

	w = doRequest(srv, http.MethodGet, "/admin/api/logs?limit=nope", "admin-secret", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnknownRouteAnthropicShape(t *testing.T) {
	srv, _ := newTestServer(t, "")

	w := doRequest(srv, http.MethodGet, "/v2/messages", "", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "error", gjson.Get(w.Body.String(), "type").String())
	assert.Equal(t, "not_found_error", errorField(w, "type"))
}
