package chat_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lbot/internal/chat"
	"lbot/internal/db"
	"lbot/internal/migrate"
	"lbot/internal/repo"
)

func newResponder(t *testing.T, max int) (*chat.Responder, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}
	c := chat.New(r, max, nil)
	c.Seed(1)
	tick := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.Now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	return c, r
}

func TestReplyRemembersUnknownWords(t *testing.T) {
	c, r := newResponder(t, 100)
	ctx := context.Background()

	got := c.Reply(ctx, "りんご")
	assert.True(t, strings.HasPrefix(got, "りんご"))
	assert.Contains(t, got, "何にも分からない")

	got = c.Reply(ctx, "みかん")
	assert.Contains(t, got, "りんご")

	words, err := r.ListWords(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"みかん", "りんご"}, words)
}

func TestReplyCapsVocabulary(t *testing.T) {
	c, r := newResponder(t, 2)
	ctx := context.Background()
	for _, w := range []string{"a", "b", "c"} {
		c.Reply(ctx, w)
	}
	words, err := r.ListWords(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, words)
}
