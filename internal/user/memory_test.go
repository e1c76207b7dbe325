package user

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCreate(t *testing.T, repo *MemoryRepository, username, displayName string, admin bool) *User {
	t.Helper()
	u, err := repo.CreateUser(context.Background(), &User{Username: username, DisplayName: displayName, IsAdmin: admin})
	require.NoError(t, err)
	return u
}

func TestMemoryRepository_AdminBlockReachesEveryone(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	ada := mustCreate(t, repo, "ada", "Ada", true)
	bob := mustCreate(t, repo, "bob", "Bob", false)
	spam := mustCreate(t, repo, "spam", "Spammer", false)

	require.NoError(t, repo.AddBlocked(ctx, bob.ID, spam.ID))
	require.NoError(t, repo.AdminBlock(ctx, spam.ID, ada.ID))

	blocked, err := repo.IsAdminBlocked(ctx, spam.ID)
	require.NoError(t, err)
	assert.True(t, blocked)

	set, err := repo.BlockedSet(ctx, ada.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{spam.ID}, set)
	set, err = repo.BlockedSet(ctx, spam.ID)
	require.NoError(t, err)
	assert.Empty(t, set, "nobody blocks themselves")

	// users who join later inherit the block
	cyd := mustCreate(t, repo, "cyd", "Cyd", false)
	set, err = repo.BlockedSet(ctx, cyd.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{spam.ID}, set)

	// lifting the admin block keeps bob's own block
	require.NoError(t, repo.AdminUnblock(ctx, spam.ID))
	set, err = repo.BlockedSet(ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{spam.ID}, set)
	set, err = repo.BlockedSet(ctx, cyd.ID)
	require.NoError(t, err)
	assert.Empty(t, set)
	blocked, err = repo.IsAdminBlocked(ctx, spam.ID)
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestMemoryRepository_RemoveBlocked(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	bob := mustCreate(t, repo, "bob", "Bob", false)
	cyd := mustCreate(t, repo, "cyd", "Cyd", false)

	require.NoError(t, repo.AddBlocked(ctx, bob.ID, cyd.ID))
	require.NoError(t, repo.AddBlocked(ctx, bob.ID, cyd.ID))
	set, err := repo.BlockedSet(ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{cyd.ID}, set)

	require.NoError(t, repo.RemoveBlocked(ctx, bob.ID, cyd.ID))
	set, err = repo.BlockedSet(ctx, bob.ID)
	require.NoError(t, err)
	assert.Empty(t, set)
}

func TestMemoryRepository_DirectoryPrefersUsernames(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	ada := mustCreate(t, repo, "ada", "Ada Lovelace", true)
	// a display name that collides with another user's username
	imposter := mustCreate(t, repo, "imposter", "ada", false)

	dir, err := repo.Directory(ctx)
	require.NoError(t, err)
	assert.Equal(t, ada.ID, dir["ada"])
	assert.Equal(t, ada.ID, dir["adalovelace"])
	assert.Equal(t, imposter.ID, dir["imposter"])

	admins, err := repo.AdminIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{ada.ID}, admins)
	ids, err := repo.UserIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestMemoryRepository_DuplicateAndMissing(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	mustCreate(t, repo, "bob", "Bob", false)

	_, err := repo.CreateUser(ctx, &User{Username: "bob"})
	assert.ErrorIs(t, err, ErrUserExists)
	_, err = repo.GetUserByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, ErrUserNotFound)
}
