package app_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lbot/internal/app"
	"lbot/internal/command"
	"lbot/internal/config"
	"lbot/internal/db"
	"lbot/internal/engine"
	"lbot/internal/engine/auth"
	"lbot/internal/migrate"
)

func newBot(t *testing.T) app.Bot {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng := engine.New(conn, config.Default(), nil)
	eng.Now = func() time.Time { return time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC) }
	return app.New(eng, nil)
}

func groupMsg(user, text string) app.Inbound {
	return app.Inbound{ServiceKind: "line", UserID: "U-" + user, UserName: user, GroupID: "G1", GroupName: "開発", Text: text}
}

func TestHandleRegistersSenders(t *testing.T) {
	bot := newBot(t)
	ctx := context.Background()

	got, err := bot.Handle(ctx, groupMsg("alice", "#だれ"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "@alice\n<ユーザー情報>\n"), got)
	assert.Contains(t, got, "■権限\nWatcher")
	assert.Contains(t, got, "■参加グループ\n開発")

	u, err := bot.Engine.Repo.GetUserByService(ctx, nil, "line", "U-alice")
	require.NoError(t, err)
	assert.Equal(t, auth.Watcher, u.Authority)
	g, err := bot.Engine.Repo.GetGroupByService(ctx, nil, "line", "G1")
	require.NoError(t, err)
	member, err := bot.Engine.Repo.IsGroupMember(ctx, nil, g.ID, u.ID)
	require.NoError(t, err)
	assert.True(t, member)
}

func TestHandleRequiresTriggerInGroups(t *testing.T) {
	bot := newBot(t)
	ctx := context.Background()

	got, err := bot.Handle(ctx, groupMsg("alice", "だれ"))
	require.NoError(t, err)
	assert.Equal(t, command.NoReply, got)

	got, err = bot.Handle(ctx, groupMsg("alice", "＃タイムゾーン確認"))
	require.NoError(t, err)
	assert.Equal(t, "@alice\n■デフォルトタイムゾーン\nAsia/Tokyo", got)

	got, err = bot.Handle(ctx, app.Inbound{ServiceKind: "line", UserID: "U-alice", UserName: "alice", Text: "タイムゾーン確認"})
	require.NoError(t, err)
	assert.Equal(t, "■デフォルトタイムゾーン\nAsia/Tokyo", got)
}

func TestHandleReportsMessageErrors(t *testing.T) {
	bot := newBot(t)
	ctx := context.Background()

	got, err := bot.Handle(ctx, groupMsg("alice", "#\n"))
	require.NoError(t, err)
	assert.Equal(t, "@alice\nコマンドが指定されていません。", got)

	got, err = bot.Handle(ctx, groupMsg("alice", "#タスク追加\n"+strings.Repeat("長", 65)))
	require.NoError(t, err)
	assert.Equal(t, "@alice\n長文は受け付けません。", got)
}

func TestHandleParamsFollowToken(t *testing.T) {
	bot := newBot(t)
	ctx := context.Background()
	_, err := bot.Handle(ctx, groupMsg("alice", "#だれ"))
	require.NoError(t, err)
	_, err = bot.Engine.BootstrapAuthority(ctx, "alice", auth.Master)
	require.NoError(t, err)

	got, err := bot.Handle(ctx, groupMsg("alice", "#タスク追加\r\n定例会議\r\n明日 10:00\r\n\r\n高"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "@alice\n「定例会議」タスクを重要度「高」で作成し、期限を2024/06/11 10:00に設定しました。"), got)
}

func TestHandleFallsBackToChat(t *testing.T) {
	bot := newBot(t)
	ctx := context.Background()

	got, err := bot.Handle(ctx, app.Inbound{ServiceKind: "line", UserID: "U-bob", UserName: "bob", Text: "りんご"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "りんご"), got)

	words, err := bot.Engine.Repo.ListWords(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"りんご"}, words)
}

func TestResolveSourceRequiresIdentity(t *testing.T) {
	bot := newBot(t)
	_, err := bot.ResolveSource(context.Background(), app.Inbound{Text: "だれ"})
	require.Error(t, err)
}
