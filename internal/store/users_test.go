package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/router-for-me/KiroGateAPI/internal/crypto"
)

func TestUserAPIKeyResolution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, "dev@example.com", "digest", UserStatusActive)
	require.NoError(t, err)

	hash := crypto.TokenHash("sk-kg-client-key")
	require.NoError(t, s.SetUserAPIKeyHash(ctx, u.ID, hash))

	got, err := s.GetUserByAPIKeyHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, "dev@example.com", got.CredentialIdentifier)

	_, err = s.GetUserByAPIKeyHash(ctx, crypto.TokenHash("sk-wrong"))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetUserByAPIKeyHash(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateUserDuplicateIdentifier(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateUser(ctx, "dup@example.com", "d", UserStatusActive)
	require.NoError(t, err)

	_, err = s.CreateUser(ctx, "dup@example.com", "d", UserStatusActive)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "credential_identifier", verr.Field)
}

func TestSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, "sess-live", 1, time.Now().Add(time.Hour)))
	require.NoError(t, s.CreateSession(ctx, "sess-dead", 1, time.Now().Add(-time.Hour)))

	live, err := s.GetSession(ctx, "sess-live")
	require.NoError(t, err)
	assert.Equal(t, int64(1), live.UserID)

	_, err = s.GetSession(ctx, "sess-dead")
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := s.DeleteExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.DeleteSession(ctx, "sess-live"))
	_, err = s.GetSession(ctx, "sess-live")
	assert.ErrorIs(t, err, ErrNotFound)
}
