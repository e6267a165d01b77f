package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	iss := NewIssuer("test-secret", time.Hour)

	token, err := iss.Issue("u1")
	require.NoError(t, err)

	userID, err := iss.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "u1", userID)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	iss := NewIssuer("test-secret", time.Hour)

	_, err := iss.Verify("not.a.token")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := NewIssuer("secret-a", time.Hour).Issue("u1")
	require.NoError(t, err)

	_, err = NewIssuer("secret-b", time.Hour).Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpired(t *testing.T) {
	iss := NewIssuer("test-secret", -time.Minute)
	token, err := iss.Issue("u1")
	require.NoError(t, err)

	_, err = iss.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}
