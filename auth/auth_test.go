package auth

import (
	"testing"
	"time"

	"github.com/ember-chat/ember-chat/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

func TestTokenRoundTrip(t *testing.T) {
	m := &types.Moderator{Username: "mira", Role: types.RoleModerator}
	token, err := IssueToken(secret, m, time.Now(), time.Hour)
	require.NoError(t, err)

	claims, err := VerifyToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, "mira", claims.Username)
	assert.Equal(t, types.RoleModerator, claims.Role)
}

func TestExpiredTokenRejected(t *testing.T) {
	m := &types.Moderator{Username: "mira", Role: types.RoleAdmin}
	token, err := IssueToken(secret, m, time.Now().Add(-2*time.Hour), time.Hour)
	require.NoError(t, err)

	_, err = VerifyToken(secret, token)
	require.Error(t, err)
	assert.Equal(t, types.KindForbidden, types.KindOf(err))
}

func TestWrongSecretRejected(t *testing.T) {
	m := &types.Moderator{Username: "mira", Role: types.RoleAdmin}
	token, err := IssueToken(secret, m, time.Now(), time.Hour)
	require.NoError(t, err)

	_, err = VerifyToken([]byte("other-secret"), token)
	assert.Error(t, err)
}

func TestPermissionSets(t *testing.T) {
	for _, perm := range []Permission{PermViewMessages, PermDeleteMessages, PermPinMessages, PermKickUsers, PermViewStats} {
		assert.True(t, HasPermission(types.RoleModerator, perm), "moderator should hold %s", perm)
		assert.True(t, HasPermission(types.RoleAdmin, perm))
	}
	for _, perm := range []Permission{PermBanUsers, PermBlockAddresses, PermAnnounce} {
		assert.False(t, HasPermission(types.RoleModerator, perm), "moderator must not hold %s", perm)
		assert.True(t, HasPermission(types.RoleAdmin, perm))
	}
	assert.False(t, HasPermission("visitor", PermViewStats))
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter2222")
	require.NoError(t, err)
	assert.True(t, CheckPassword(hash, "hunter2222"))
	assert.False(t, CheckPassword(hash, "hunter2"))
}
