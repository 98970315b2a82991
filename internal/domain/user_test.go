package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUser(t *testing.T) {
	u, err := NewUser("alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
	assert.Len(t, string(u.ID), MaxUserIDLen)

	u2, err := NewUser("alice")
	require.NoError(t, err)
	assert.NotEqual(t, u.ID, u2.ID, "every registration gets a fresh identity")
}

func TestNewUserValidation(t *testing.T) {
	_, err := NewUser("")
	assert.ErrorIs(t, err, ErrUsernameEmpty)

	_, err = NewUser(strings.Repeat("a", MaxUsernameLen+1))
	assert.ErrorIs(t, err, ErrUsernameTooLong)

	_, err = NewUser(strings.Repeat("a", MaxUsernameLen))
	assert.NoError(t, err)
}

func TestSetUsername(t *testing.T) {
	u, err := NewUser("alice")
	require.NoError(t, err)

	require.NoError(t, u.SetUsername("bob"))
	assert.Equal(t, "bob", u.Username)

	assert.ErrorIs(t, u.SetUsername(""), ErrUsernameEmpty)
	assert.Equal(t, "bob", u.Username, "failed rename leaves the name intact")
}
