package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAuthenticateCreatesAccount(t *testing.T) {
	s := openStore(t)

	created, err := s.Authenticate("Alice", "correct-horse")
	require.NoError(t, err)
	assert.True(t, created)

	ok, err := s.Exists("alice")
	require.NoError(t, err)
	assert.True(t, ok)

	created, err = s.Authenticate("alice", "correct-horse")
	require.NoError(t, err)
	assert.False(t, created)

	_, err = s.Authenticate("ALICE", "wrong-password")
	assert.ErrorIs(t, err, ErrBadPassword)
}

func TestAuthenticateNewAccountNeedsPassword(t *testing.T) {
	s := openStore(t)

	_, err := s.Authenticate("bob", "")
	assert.ErrorIs(t, err, ErrNoPassword)

	_, err = s.Authenticate("bob", "short")
	assert.ErrorIs(t, err, ErrWeakPassword)

	ok, err := s.Exists("bob")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetPassword(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Create("carol", "first-pass"))

	assert.ErrorIs(t, s.SetPassword("carol", "has space"), ErrWeakPassword)
	require.NoError(t, s.SetPassword("carol", "second-pass"))

	_, err := s.Authenticate("carol", "first-pass")
	assert.ErrorIs(t, err, ErrBadPassword)
	_, err = s.Authenticate("carol", "second-pass")
	assert.NoError(t, err)

	assert.ErrorIs(t, s.SetPassword("nobody", "whatever-pass"), ErrUnknownUser)
}

func TestCreateDuplicate(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Create("dave", "password1"))
	assert.Error(t, s.Create("DAVE", "password2"))
}

func TestCheckPassword(t *testing.T) {
	assert.NoError(t, CheckPassword("12345678"))
	assert.ErrorIs(t, CheckPassword("1234567"), ErrWeakPassword)
	assert.ErrorIs(t, CheckPassword("1234\t5678"), ErrWeakPassword)
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("secret-pass")
	require.NoError(t, err)
	assert.NoError(t, ComparePassword(hash, "secret-pass"))
	assert.Error(t, ComparePassword(hash, "other"))
}
