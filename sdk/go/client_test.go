package lbotsdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lbot/internal/app"
	"lbot/internal/checker"
	"lbot/internal/config"
	"lbot/internal/db"
	"lbot/internal/engine"
	"lbot/internal/engine/auth"
	"lbot/internal/lock"
	"lbot/internal/migrate"
	"lbot/internal/notify"
	"lbot/internal/server"
	lbotsdk "lbot/sdk/go"
)

const secret = "sdk-secret"

func setup(t *testing.T) (*httptest.Server, app.Bot) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))

	eng := engine.New(conn, config.Default(), nil)
	eng.Now = func() time.Time { return time.Date(2024, 6, 10, 3, 30, 0, 0, time.UTC) }
	bot := app.New(eng, nil)
	chk := checker.New(eng, &notify.Recorder{}, lock.New(filepath.Join(workspace, "checker.lock")), nil)

	handler, err := server.New(server.Config{Bot: bot, Checker: chk, Auth: server.AuthConfig{JWTSecret: secret}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return srv, bot
}

func client(t *testing.T, url string, roles ...string) *lbotsdk.Client {
	t.Helper()
	tok, err := server.IssueToken(secret, "sdk", roles, time.Hour, time.Now())
	require.NoError(t, err)
	return lbotsdk.New(url, tok)
}

func TestClientRoundTrip(t *testing.T) {
	srv, bot := setup(t)
	ctx := context.Background()
	c := client(t, srv.URL+"/", server.RoleAdmin)

	require.NoError(t, c.Health(ctx))

	say := func(user, text string) lbotsdk.Reply {
		t.Helper()
		out, err := c.Dispatch(ctx, lbotsdk.Message{
			ServiceKind: "line",
			UserID:      "U-" + user,
			UserName:    user,
			GroupID:     "G1",
			GroupName:   "開発",
			Text:        text,
		})
		require.NoError(t, err)
		return out
	}
	say("alice", "#だれ")
	say("bob", "#だれ")
	_, err := bot.Engine.BootstrapAuthority(ctx, "alice", auth.Master)
	require.NoError(t, err)
	out := say("alice", "#タスク追加\n会議\n明日 10:00\n高\nalice、bob")
	assert.True(t, out.Replied)

	tasks, err := c.Tasks(ctx, "開発")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "会議", tasks[0].Name)
	assert.Equal(t, []string{"alice", "bob"}, tasks[0].Participants)

	rep, err := c.RunCheck(ctx, "tomorrow-check", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"tomorrow-check"}, rep.Ran)
	assert.Equal(t, 1, rep.Opened)

	jobs, err := c.Jobs(ctx, "開発")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].CheckNumber)
	assert.Equal(t, 2, jobs[0].Required)

	say("bob", "#できない")
	events, err := c.Events(ctx, 1, "job.responded")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, false, events[0].Payload["joinable"])
}

func TestClientReportsAPIErrors(t *testing.T) {
	srv, _ := setup(t)
	ctx := context.Background()

	_, err := lbotsdk.New(srv.URL, "").Tasks(ctx, "")
	var apiErr *lbotsdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	_, err = client(t, srv.URL, server.RoleBot).RunCheck(ctx, "all", false)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)

	_, err = client(t, srv.URL).Jobs(ctx, "nowhere")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}
