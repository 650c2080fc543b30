package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rongwang/shipprep-server/internal/common"
	"github.com/rongwang/shipprep-server/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify(t *testing.T) {
	v := NewVerifier("secret")

	token, err := Sign("secret", models.Identity{UserID: "u1", Role: "manager"}, time.Hour)
	require.NoError(t, err)

	id, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, models.Identity{UserID: "u1", Role: "manager"}, id)
	assert.True(t, id.Elevated())
}

func TestVerify_Rejects(t *testing.T) {
	v := NewVerifier("secret")

	wrongKey, err := Sign("other", models.Identity{UserID: "u1"}, time.Hour)
	require.NoError(t, err)
	expired, err := Sign("secret", models.Identity{UserID: "u1"}, -time.Minute)
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":      "",
		"garbage":    "not-a-jwt",
		"wrong key":  wrongKey,
		"expired":    expired,
		"no subject": noSubject,
		"alg none":   unsigned,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(token)
			assert.ErrorIs(t, err, common.ErrUnauthorized)
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=from-query", nil)
	r.Header.Set("Authorization", "Bearer from-header")
	token, err := TokenFromRequest(r, true)
	require.NoError(t, err)
	assert.Equal(t, "from-header", token)

	r = httptest.NewRequest("GET", "/ws?token=from-query", nil)
	token, err = TokenFromRequest(r, true)
	require.NoError(t, err)
	assert.Equal(t, "from-query", token)

	_, err = TokenFromRequest(r, false)
	assert.ErrorIs(t, err, common.ErrUnauthorized)

	r = httptest.NewRequest("GET", "/api/ships", nil)
	r.Header.Set("Authorization", "Token abc")
	_, err = TokenFromRequest(r, true)
	assert.ErrorIs(t, err, common.ErrUnauthorized)
}
