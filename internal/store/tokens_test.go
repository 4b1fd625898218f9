package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTokenRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tok, err := s.CreateToken(ctx, CreateTokenParams{
		UserID:       1,
		RefreshToken: "aoa-refresh-secret",
		AuthType:     AuthTypeSocial,
		Region:       "eu-west-1",
		Visibility:   VisibilityPublic,
		OpusEnabled:  true,
	})
	require.NoError(t, err)
	assert.NotZero(t, tok.ID)

	got, err := s.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, AuthTypeSocial, got.AuthType)
	assert.Equal(t, "eu-west-1", got.Region)
	assert.Equal(t, VisibilityPublic, got.Visibility)
	assert.Equal(t, TokenStatusActive, got.Status)
	assert.True(t, got.OpusEnabled)
	assert.Equal(t, tok.TokenHash, got.TokenHash)

	// The stored column must hold ciphertext, not the secret.
	var stored string
	err = s.queryRow(ctx, `SELECT refresh_token FROM tokens WHERE id = ?`, tok.ID).Scan(&stored)
	require.NoError(t, err)
	assert.NotEqual(t, "aoa-refresh-secret", stored)
	assert.NotContains(t, stored, "aoa-refresh")

	creds, err := s.GetTokenCredentials(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, "aoa-refresh-secret", creds.RefreshToken)
	assert.Equal(t, AuthTypeSocial, creds.AuthType)
	assert.Equal(t, "eu-west-1", creds.Region)
	assert.Empty(t, creds.ClientID)
	assert.Empty(t, creds.ClientSecret)
}

func TestCreateTokenIDC(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateToken(ctx, CreateTokenParams{
		UserID:       1,
		RefreshToken: "idc-refresh",
		AuthType:     AuthTypeIDC,
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "auth_type", verr.Field)

	tok, err := s.CreateToken(ctx, CreateTokenParams{
		UserID:       1,
		RefreshToken: "idc-refresh",
		AuthType:     AuthTypeIDC,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
	})
	require.NoError(t, err)

	creds, err := s.GetTokenCredentials(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, AuthTypeIDC, creds.AuthType)
	assert.Equal(t, "client-id", creds.ClientID)
	assert.Equal(t, "client-secret", creds.ClientSecret)
	assert.Equal(t, "us-east-1", creds.Region)
}

func TestCreateTokenDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateToken(ctx, CreateTokenParams{UserID: 1, RefreshToken: "same", AuthType: AuthTypeSocial})
	require.NoError(t, err)

	_, err = s.CreateToken(ctx, CreateTokenParams{UserID: 2, RefreshToken: "same", AuthType: AuthTypeSocial})
	assert.ErrorIs(t, err, ErrDuplicateToken)
}

func TestGetActiveKiroTokensByUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	own, err := s.CreateToken(ctx, CreateTokenParams{UserID: 1, RefreshToken: "own-private", AuthType: AuthTypeSocial})
	require.NoError(t, err)

	shared, err := s.CreateToken(ctx, CreateTokenParams{
		UserID: 2, RefreshToken: "other-public", AuthType: AuthTypeSocial, Visibility: VisibilityPublic,
	})
	require.NoError(t, err)

	_, err = s.CreateToken(ctx, CreateTokenParams{UserID: 2, RefreshToken: "other-private", AuthType: AuthTypeSocial})
	require.NoError(t, err)

	dead, err := s.CreateToken(ctx, CreateTokenParams{UserID: 1, RefreshToken: "own-invalid", AuthType: AuthTypeSocial})
	require.NoError(t, err)
	require.NoError(t, s.SetTokenStatus(ctx, dead.ID, TokenStatusInvalid, "refresh rejected"))

	pool, err := s.GetActiveKiroTokensByUser(ctx, 1)
	require.NoError(t, err)

	ids := make([]int64, 0, len(pool))
	for _, tok := range pool {
		ids = append(ids, tok.ID)
	}
	assert.ElementsMatch(t, []int64{own.ID, shared.ID}, ids)
}

func TestSetTokenStatusAndHealthRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tok, err := s.CreateToken(ctx, CreateTokenParams{UserID: 1, RefreshToken: "t", AuthType: AuthTypeSocial})
	require.NoError(t, err)

	require.NoError(t, s.SetTokenStatus(ctx, tok.ID, TokenStatusExpired, "monthly limit"))
	got, err := s.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, TokenStatusExpired, got.Status)
	assert.Equal(t, "monthly limit", got.CheckNote)

	require.NoError(t, s.RecordHealthCheck(ctx, tok.ID, false, "upstream 500"))
	got, err = s.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastCheck)
	assert.Equal(t, "upstream 500", got.CheckNote)

	require.NoError(t, s.RecordHealthCheck(ctx, tok.ID, true, "ignored"))
	got, err = s.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.Empty(t, got.CheckNote)
}

func TestIncrementCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tok, err := s.CreateToken(ctx, CreateTokenParams{UserID: 1, RefreshToken: "t", AuthType: AuthTypeSocial})
	require.NoError(t, err)

	require.NoError(t, s.IncrementSuccess(ctx, KindKiro, tok.ID))
	require.NoError(t, s.IncrementSuccess(ctx, KindKiro, tok.ID))
	require.NoError(t, s.IncrementFail(ctx, KindKiro, tok.ID))

	got, err := s.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.SuccessCount)
	assert.Equal(t, int64(1), got.FailCount)
	assert.NotNil(t, got.LastUsed)

	acct, err := s.CreateCustomAccount(ctx, CreateCustomAccountParams{
		UserID: 1, APIBase: "https://api.example.com", APIKey: "sk-x", Format: FormatOpenAI,
	})
	require.NoError(t, err)

	require.NoError(t, s.IncrementSuccess(ctx, KindCustom, acct.ID))
	require.NoError(t, s.IncrementFail(ctx, KindCustom, acct.ID))

	gotAcct, err := s.AdminGetCustomAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), gotAcct.SuccessCount)
	assert.Equal(t, int64(1), gotAcct.FailCount)

	assert.Error(t, s.IncrementSuccess(ctx, CredentialKind("bogus"), 1))
}

func TestDeleteTokenOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tok, err := s.CreateToken(ctx, CreateTokenParams{UserID: 1, RefreshToken: "t", AuthType: AuthTypeSocial})
	require.NoError(t, err)

	ok, err := s.DeleteToken(ctx, tok.ID, 99)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.GetToken(ctx, tok.ID)
	require.NoError(t, err)

	ok, err = s.DeleteToken(ctx, tok.ID, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.GetToken(ctx, tok.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetTokenCredentialsMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTokenCredentials(context.Background(), 12345)
	assert.ErrorIs(t, err, ErrNotFound)
}
