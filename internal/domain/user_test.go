package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUser(t *testing.T) {
	u, err := NewUser("alice", "Alice")
	require.NoError(t, err)
	assert.Equal(t, UserID("alice"), u.ID)
	assert.Equal(t, "Alice", u.DisplayName)
}

func TestNewUser_Validation(t *testing.T) {
	_, err := NewUser("", "Alice")
	assert.ErrorIs(t, err, ErrUserIDTooLong)

	_, err = NewUser(UserID(strings.Repeat("a", MaxUserIDLen+1)), "Alice")
	assert.ErrorIs(t, err, ErrUserIDTooLong)

	_, err = NewUser("alice", "")
	assert.ErrorIs(t, err, ErrDisplayNameEmpty)

	_, err = NewUser("alice", strings.Repeat("x", MaxDisplayNameLen+1))
	assert.ErrorIs(t, err, ErrDisplayNameTooLong)

	// Boundary lengths are accepted.
	_, err = NewUser(UserID(strings.Repeat("a", MaxUserIDLen)), strings.Repeat("x", MaxDisplayNameLen))
	assert.NoError(t, err)
}
