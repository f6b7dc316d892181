package relay_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/socialhub/realtime/pkg/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticator_RequiresSecret(t *testing.T) {
	_, err := relay.NewAuthenticator("")
	assert.ErrorIs(t, err, relay.ErrNoSecret)
}

func TestAuthenticator_RoundTrip(t *testing.T) {
	auth, err := relay.NewAuthenticator("secret")
	require.NoError(t, err)

	token, err := auth.Issue("alice", time.Minute)
	require.NoError(t, err)

	userID, err := auth.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
}

func TestAuthenticator_RejectsInvalidTokens(t *testing.T) {
	auth, err := relay.NewAuthenticator("secret")
	require.NoError(t, err)

	other, err := relay.NewAuthenticator("another secret")
	require.NoError(t, err)

	forged, err := other.Issue("alice", time.Minute)
	require.NoError(t, err)

	expired, err := auth.Issue("alice", -time.Minute)
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject: "alice",
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"garbage":    "not a token",
		"forged":     forged,
		"expired":    expired,
		"no subject": noSubject,
		"unsigned":   unsigned,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := auth.Authenticate(token)
			assert.ErrorIs(t, err, relay.ErrInvalidToken)
		})
	}
}
