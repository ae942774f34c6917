package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
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
)

const testSecret = "test-secret"

type testServer struct {
	URL string
	bot app.Bot
	out *notify.Recorder
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))

	eng := engine.New(conn, config.Default(), nil)
	eng.Now = func() time.Time { return time.Date(2024, 6, 10, 3, 30, 0, 0, time.UTC) } // 12:30 JST
	bot := app.New(eng, nil)
	out := &notify.Recorder{}
	chk := checker.New(eng, out, lock.New(filepath.Join(workspace, "checker.lock")), nil)

	handler, err := New(Config{Bot: bot, Checker: chk, Auth: AuthConfig{JWTSecret: testSecret}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return &testServer{URL: srv.URL, bot: bot, out: out}
}

func token(t *testing.T, roles ...string) string {
	t.Helper()
	tok, err := IssueToken(testSecret, "tester", roles, time.Hour, time.Now())
	require.NoError(t, err)
	return tok
}

func doJSON(t *testing.T, method, url, tok string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func (s *testServer) say(t *testing.T, user, text string) DispatchResponse {
	t.Helper()
	res, data := doJSON(t, http.MethodPost, s.URL+"/v0/dispatch", token(t, RoleBot), DispatchRequest{
		ServiceKind: "line",
		UserID:      "U-" + user,
		UserName:    user,
		GroupID:     "G1",
		GroupName:   "開発",
		Text:        text,
	})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out DispatchResponse
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/health", "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/tasks", "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Contains(t, string(data), `"code":"unauthorized"`)

	bad, err := IssueToken("other-secret", "tester", []string{RoleAdmin}, time.Hour, time.Now())
	require.NoError(t, err)
	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/tasks", bad, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Contains(t, string(data), `"code":"invalid_credentials"`)

	expired, err := IssueToken(testSecret, "tester", nil, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/tasks", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/checks/all", token(t, RoleBot), nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Contains(t, string(data), `"code":"forbidden"`)
}

func TestDispatchAndListing(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	out := srv.say(t, "alice", "こんにちは")
	assert.False(t, out.Replied)

	out = srv.say(t, "alice", "#タスク追加\n会議\n明日 10:00\n高")
	assert.True(t, out.Replied)
	assert.Contains(t, out.Reply, "権限がありません。")

	_, err := srv.bot.Engine.BootstrapAuthority(ctx, "alice", auth.Master)
	require.NoError(t, err)
	srv.say(t, "bob", "#だれ")
	out = srv.say(t, "alice", "#タスク追加\n会議\n明日 10:00\n高\nalice、bob")
	assert.Contains(t, out.Reply, "「会議」タスクを重要度「高」で作成し")

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/tasks?group="+url.QueryEscape("開発"), token(t), nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var tasks taskList
	require.NoError(t, json.Unmarshal(data, &tasks))
	require.Len(t, tasks.Items, 1)
	task := tasks.Items[0]
	assert.Equal(t, "会議", task.Name)
	assert.Equal(t, "High", task.Importance)
	assert.Equal(t, "開発", task.Group)
	assert.Equal(t, "2024-06-11T01:00:00Z", task.Deadline)
	assert.Equal(t, []string{"alice", "bob"}, task.Participants)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/tasks?group=nowhere", token(t), nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
}

func TestChecksOpenJobs(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	srv.say(t, "alice", "#だれ")
	srv.say(t, "bob", "#だれ")
	_, err := srv.bot.Engine.BootstrapAuthority(ctx, "alice", auth.Master)
	require.NoError(t, err)
	srv.say(t, "alice", "#タスク追加\n会議\n明日 10:00\n高\nalice、bob")

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/checks/weekly", token(t, RoleScheduler), nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/checks/all", token(t, RoleScheduler), nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var rep CheckResponse
	require.NoError(t, json.Unmarshal(data, &rep))
	assert.Equal(t, "all", rep.Kind)
	assert.Equal(t, []string{"purge", "tomorrow-check", "soon"}, rep.Ran)
	assert.Equal(t, 1, rep.Opened)
	assert.Len(t, srv.out.To("G1"), 3)

	jobsURL := srv.URL + "/v0/groups/" + url.PathEscape("開発") + "/jobs"
	res, data = doJSON(t, http.MethodGet, jobsURL, token(t), nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var jobs jobList
	require.NoError(t, json.Unmarshal(data, &jobs))
	assert.True(t, jobs.Mode)
	require.Len(t, jobs.Items, 1)
	assert.Equal(t, 1, jobs.Items[0].CheckNumber)
	assert.Equal(t, 2, jobs.Items[0].Required)
	assert.Empty(t, jobs.Items[0].Checked)

	out := srv.say(t, "bob", "#できる")
	assert.Equal(t, "@bob\nタスク「会議」に参加できると受け付けました。(回答 1/2)", out.Reply)

	res, data = doJSON(t, http.MethodGet, jobsURL, token(t), nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &jobs))
	assert.Equal(t, []string{"bob"}, jobs.Items[0].Checked)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/events?limit=5&type=job.responded", token(t), nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var events eventList
	require.NoError(t, json.Unmarshal(data, &events))
	require.Len(t, events.Items, 1)
	assert.Equal(t, true, events.Items[0].Payload["joinable"])
}
