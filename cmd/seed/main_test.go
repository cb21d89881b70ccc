package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkden-lab/postfeed/internal/posts"
)

func TestSeed(t *testing.T) {
	ctx := context.Background()
	svc := posts.NewService(posts.NewMemoryStore(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, seed(ctx, svc))

	users, err := svc.Users(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)

	byName := map[string]posts.User{}
	for _, u := range users {
		byName[u.Username] = u
	}
	user1, user2 := byName["user1"], byName["user2"]
	assert.Equal(t, "User One (user1)", user1.FullName())
	assert.ElementsMatch(t, []string{"First Post", "Second Post"}, user1.PostTitles())
	assert.Equal(t, []string{"Third Post"}, user2.PostTitles())

	all, err := svc.Posts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for _, p := range all {
		assert.True(t, p.Published, p.Title)
	}
}

func TestSeed_SecondRunConflicts(t *testing.T) {
	ctx := context.Background()
	svc := posts.NewService(posts.NewMemoryStore(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, seed(ctx, svc))
	assert.ErrorIs(t, seed(ctx, svc), posts.ErrConflict)
}
