package secret

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCredentialsStampsAbsoluteExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	creds := NewCredentials(TokenPayload{AccessToken: "x", ExpiresIn: 3600}, now)
	require.NotNil(t, creds.ExpiresAt)
	assert.EqualValues(t, 1_700_003_600, *creds.ExpiresAt)
}

func TestNewCredentialsFallsBackToJWTExp(t *testing.T) {
	exp := time.Now().Add(2 * time.Hour)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()})
	signed, err := token.SignedString([]byte("test-key"))
	require.NoError(t, err)

	creds := NewCredentials(TokenPayload{AccessToken: signed}, time.Now())
	require.NotNil(t, creds.ExpiresAt)
	assert.Equal(t, exp.Unix(), *creds.ExpiresAt)
}

func TestNewCredentialsWithoutExpiry(t *testing.T) {
	creds := NewCredentials(TokenPayload{AccessToken: "opaque-token"}, time.Now())
	assert.Nil(t, creds.ExpiresAt)
	assert.False(t, creds.Expired(time.Now()))
}

func TestRemainingExpiresInClampsToZero(t *testing.T) {
	past := time.Now().Add(-time.Hour).Unix()
	creds := Credentials{Data: TokenPayload{AccessToken: "x"}, ExpiresAt: &past}

	remaining, ok := creds.RemainingExpiresIn(time.Now())
	assert.True(t, ok)
	assert.Zero(t, remaining)
	assert.True(t, creds.Expired(time.Now()))
}

func TestSaveLoadCredentialsRecomputesExpiresIn(t *testing.T) {
	store := NewMemoryStore()
	creds := NewCredentials(TokenPayload{AccessToken: "x", ExpiresIn: 3600}, time.Now())
	require.NoError(t, SaveCredentials(store, "srv", creds))

	loaded, err := LoadCredentials(store, "srv")
	require.NoError(t, err)
	assert.Equal(t, "x", loaded.Data.AccessToken)
	assert.Greater(t, loaded.Data.ExpiresIn, int64(3500))
	assert.LessOrEqual(t, loaded.Data.ExpiresIn, int64(3600))

	require.NoError(t, DeleteCredentials(store, "srv"))
	_, err = LoadCredentials(store, "srv")
	assert.Error(t, err)
}

func TestLoadCredentialsThroughFileStore(t *testing.T) {
	store := NewFileStore(t.TempDir())
	require.NoError(t, SaveCredentials(store, "srv", NewCredentials(TokenPayload{AccessToken: "y"}, time.Now())))

	loaded, err := LoadCredentials(store, "srv")
	require.NoError(t, err)
	assert.Equal(t, "y", loaded.Data.AccessToken)
}
