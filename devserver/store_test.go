package devserver

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestUsers_PersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	users := NewUsers(path)
	users.cost = bcrypt.MinCost

	u, err := users.Register("alice", "secret", RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.ID)

	_, err = users.Register("alice", "other")
	assert.ErrorIs(t, err, ErrUserExists)

	reloaded := NewUsers(path)
	require.NoError(t, reloaded.Load())
	got, err := reloaded.Authenticate("alice", "secret")
	require.NoError(t, err)
	assert.True(t, got.HasRole(RoleAdmin))

	_, err = reloaded.Authenticate("alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = reloaded.Authenticate("nobody", "secret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	reloaded.cost = bcrypt.MinCost
	bob, err := reloaded.Register("bob", "pw")
	require.NoError(t, err)
	assert.Equal(t, int64(2), bob.ID, "ids continue after reload")
}

func TestMessages_SQLiteFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "messages.db")
	msgs, err := OpenMessages(ctx, path)
	require.NoError(t, err)

	m, err := msgs.Add(ctx, "alice", "persisted")
	require.NoError(t, err)
	assert.Positive(t, m.ID)
	assert.Equal(t, m.Timestamp, m.Timestamp.Truncate(time.Millisecond))
	require.NoError(t, msgs.Close())

	msgs, err = OpenMessages(ctx, path)
	require.NoError(t, err)
	defer msgs.Close()

	page, err := msgs.Page(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Content, 1)
	assert.Equal(t, m.ID, page.Content[0].ID)
	assert.Equal(t, "persisted", page.Content[0].Text)
	assert.True(t, m.Timestamp.Equal(page.Content[0].Timestamp))
	assert.Equal(t, 1, page.TotalPages)

	assert.ErrorIs(t, msgs.Delete(ctx, m.ID, "bob", false), ErrNotOwner)
	require.NoError(t, msgs.Delete(ctx, m.ID, "alice", false))
	assert.ErrorIs(t, msgs.Delete(ctx, m.ID, "alice", false), ErrMessageNotFound)

	page, err = msgs.Page(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Content)
	assert.Equal(t, 0, page.TotalPages)
}

func TestTokens_RotateAndRevoke(t *testing.T) {
	tokens := NewTokens("k", time.Minute, time.Hour)

	access, refresh, err := tokens.Issue("alice")
	require.NoError(t, err)
	claims, err := tokens.Validate(access)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)

	user, _, next, err := tokens.Rotate(refresh)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
	_, _, _, err = tokens.Rotate(refresh)
	assert.ErrorIs(t, err, errTokenInvalid)

	tokens.Revoke("alice")
	_, err = tokens.Validate(access)
	assert.ErrorIs(t, err, errTokenInvalid)
	_, _, _, err = tokens.Rotate(next)
	assert.ErrorIs(t, err, errTokenInvalid)

	tokens.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, refresh, err = tokens.Issue("bob")
	require.NoError(t, err)
	tokens.now = func() time.Time { return time.Now().Add(4 * time.Hour) }
	_, _, _, err = tokens.Rotate(refresh)
	assert.ErrorIs(t, err, errTokenExpired)
}
