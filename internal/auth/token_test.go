package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/qshield/pkg/models"
)

func TestIssueAndParse(t *testing.T) {
	iss, err := NewIssuer("test-secret", time.Minute)
	require.NoError(t, err)

	tok, err := iss.Issue("s1", "ws_1", models.RoleReceiver)
	require.NoError(t, err)

	claims, err := iss.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "s1", claims.Session)
	assert.Equal(t, "ws_1", claims.Connection)
	assert.Equal(t, models.RoleReceiver, claims.Role)
}

func TestParseRejects(t *testing.T) {
	iss, err := NewIssuer("test-secret", time.Minute)
	require.NoError(t, err)
	other, err := NewIssuer("other-secret", time.Minute)
	require.NoError(t, err)

	forged, err := other.Issue("s1", "ws_1", models.RoleSender)
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Session: "s1", Connection: "c", Role: models.RoleSender})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "garbage", token: "not.a.token"},
		{name: "wrong secret", token: forged},
		{name: "alg none", token: unsigned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := iss.Parse(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestParseExpired(t *testing.T) {
	iss, err := NewIssuer("test-secret", time.Minute)
	require.NoError(t, err)

	start := time.Now()
	iss.now = func() time.Time { return start }
	tok, err := iss.Issue("s1", "ws_1", models.RoleEavesdropper)
	require.NoError(t, err)

	iss.now = func() time.Time { return start.Add(2 * time.Minute) }
	_, err = iss.Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestEphemeralSecret(t *testing.T) {
	a, err := NewIssuer("", 0)
	require.NoError(t, err)
	b, err := NewIssuer("", 0)
	require.NoError(t, err)

	tok, err := a.Issue("s1", "c1", models.RoleSender)
	require.NoError(t, err)
	_, err = a.Parse(tok)
	assert.NoError(t, err)
	_, err = b.Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
