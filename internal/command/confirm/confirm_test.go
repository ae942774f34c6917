package confirm_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"lbot/internal/command"
	"lbot/internal/command/confirm"
	"lbot/internal/command/standard"
	"lbot/internal/config"
	"lbot/internal/db"
	"lbot/internal/domain"
	"lbot/internal/engine"
	"lbot/internal/engine/auth"
	"lbot/internal/migrate"
)

var now = time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)

type env struct {
	ctx   context.Context
	eng   engine.Engine
	disp  *command.Dispatcher
	group domain.Group
	alice domain.User
	bob   domain.User
	carol domain.User
}

func newEnv(t *testing.T) *env {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	e := &env{ctx: context.Background(), eng: engine.New(conn, config.Default(), nil)}
	e.eng.Now = func() time.Time { return now }
	chain := command.NewChain()
	chain.Add(standard.New(e.eng, chain), confirm.New(e.eng))
	e.disp = command.NewDispatcher(chain, nil, nil)

	e.group, _, err = e.eng.EnsureGroup(e.ctx, "test", "g1", "開発")
	require.NoError(t, err)
	e.alice = e.member(t, "alice", auth.Watcher)
	e.bob = e.member(t, "bob", auth.Watcher)
	e.carol = e.member(t, "carol", auth.Editor)
	return e
}

func (e *env) member(t *testing.T, name string, level auth.Authority) domain.User {
	t.Helper()
	u, _, err := e.eng.EnsureUser(e.ctx, "test", name, name)
	require.NoError(t, err)
	require.NoError(t, e.eng.Repo.SetUserAuthority(e.ctx, nil, u.ID, level))
	require.NoError(t, e.eng.EnsureMember(e.ctx, e.group.ID, u.ID))
	u.Authority = level
	return u
}

// openTask creates a task due in 26 hours and opens its check job.
func (e *env) openTask(t *testing.T, name string, participants ...domain.User) domain.Task {
	t.Helper()
	ids := make([]string, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.ID)
	}
	task, err := e.eng.CreateTask(e.ctx, engine.TaskCreateOptions{
		Name:           name,
		Deadline:       now.Add(26 * time.Hour),
		Importance:     domain.High,
		GroupID:        e.group.ID,
		ParticipantIDs: ids,
		ActorID:        e.carol.ID,
	})
	require.NoError(t, err)
	require.NoError(t, e.eng.WithTx(e.ctx, func(tx *sql.Tx) error {
		if _, _, err := e.eng.OpenCheckJob(e.ctx, tx, task); err != nil {
			return err
		}
		_, err := e.eng.SetConfirmationMode(e.ctx, tx, e.group.ID, true)
		return err
	}))
	return task
}

func (e *env) say(t *testing.T, u domain.User, token string, params ...string) string {
	t.Helper()
	g, err := e.eng.Repo.GetGroup(e.ctx, nil, e.group.ID)
	require.NoError(t, err)
	return e.disp.Dispatch(e.ctx, token, params, command.Source{User: u, Group: &g})
}

func (e *env) modeOn(t *testing.T) bool {
	t.Helper()
	g, err := e.eng.Repo.GetGroup(e.ctx, nil, e.group.ID)
	require.NoError(t, err)
	return g.HasCommandGroup(domain.ConfirmationCommandGroup)
}

func TestAnswerUntilResolved(t *testing.T) {
	e := newEnv(t)
	e.openTask(t, "会議", e.alice, e.bob)
	require.True(t, e.modeOn(t))

	got := e.say(t, e.alice, "できる")
	assert.Equal(t, "タスク「会議」に参加できると受け付けました。(回答 1/2)", got)
	assert.True(t, e.modeOn(t))

	got = e.say(t, e.bob, "できない")
	assert.Equal(t, "タスク「会議」の参加確認が終わりました。\n■参加できる\nalice\n■参加できない\nbob\n"+
		"確認中のタスクがなくなったので、参加確認を終わります。", got)
	assert.False(t, e.modeOn(t))

	n, err := e.eng.Repo.CountJobs(e.ctx, nil, e.group.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAnswerOnVanishedJobShowsInternalError(t *testing.T) {
	e := newEnv(t)
	core, logs := observer.New(zapcore.ErrorLevel)
	e.disp.Log = zap.New(core)
	e.openTask(t, "会議", e.alice)
	_, err := e.eng.DB.ExecContext(e.ctx, `CREATE TRIGGER keep BEFORE DELETE ON check_jobs BEGIN SELECT RAISE(IGNORE); END;`)
	require.NoError(t, err)

	got := e.say(t, e.alice, "できる")
	assert.Equal(t, command.InternalErrorLine+"\nコマンド「できる」の実行に失敗しました。", got)
	assert.NotContains(t, got, "inconsistent")

	failed := logs.FilterMessage("command failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "できる", failed[0].ContextMap()["command"])
	assert.Contains(t, failed[0].ContextMap()["error"], "vanished before resolution")
	assert.True(t, e.modeOn(t))
}

func TestAnswerChangesMind(t *testing.T) {
	e := newEnv(t)
	task := e.openTask(t, "会議", e.alice, e.bob)

	e.say(t, e.alice, "できる")
	got := e.say(t, e.alice, "できない")
	assert.Equal(t, "タスク「会議」に参加できないと受け付けました。(回答 1/2)", got)

	joinable, err := e.eng.Repo.ListTaskMembers(e.ctx, nil, task.ID, domain.RoleJoinable)
	require.NoError(t, err)
	assert.Empty(t, joinable)
	absent, err := e.eng.Repo.ListTaskMembers(e.ctx, nil, task.ID, domain.RoleAbsent)
	require.NoError(t, err)
	require.Len(t, absent, 1)
	assert.Equal(t, "alice", absent[0].Name)
}

func TestAnswerNeedsTargetWhenSeveralOpen(t *testing.T) {
	e := newEnv(t)
	e.openTask(t, "会議", e.alice)
	e.openTask(t, "打合せ", e.alice, e.bob)

	list := "どのタスクへの回答か、確認番号かタスク名で指定してください。\n" +
		"1. 会議(期限: 6/11 11:00)\n" +
		"2. 打合せ(期限: 6/11 11:00)\n" +
		"例: #できる\n1"
	assert.Equal(t, list, e.say(t, e.alice, "できる"))
	assert.Equal(t, "「9」に当たる参加確認中のタスクはありません。\n"+list, e.say(t, e.alice, "できる", "9"))

	got := e.say(t, e.alice, "できる", "2")
	assert.Equal(t, "タスク「打合せ」に参加できると受け付けました。(回答 1/2)", got)

	got = e.say(t, e.alice, "できる", "会議、2")
	assert.Equal(t, "タスク「会議」の参加確認が終わりました。\n■参加できる\nalice\n■参加できない\nなし\n"+
		"タスク「打合せ」に参加できると受け付けました。(回答 1/2)", got)
	assert.True(t, e.modeOn(t))
}

func TestAnswerFromNonParticipant(t *testing.T) {
	e := newEnv(t)
	e.openTask(t, "会議", e.alice)

	got := e.say(t, e.carol, "できる", "1")
	assert.Equal(t, "タスク「会議」の参加者ではないので回答できません。\nコマンド「できる」の実行に失敗しました。", got)
	assert.True(t, e.modeOn(t))
}

func TestAnswerWithoutJobsTurnsModeOff(t *testing.T) {
	e := newEnv(t)
	_, err := e.eng.SetConfirmationMode(e.ctx, nil, e.group.ID, true)
	require.NoError(t, err)

	assert.Equal(t, "参加確認中のタスクはありません。", e.say(t, e.alice, "できる"))
	assert.False(t, e.modeOn(t))
}

func TestAnswerIsAutoCorrected(t *testing.T) {
	e := newEnv(t)
	e.openTask(t, "会議", e.alice, e.bob)

	got := e.say(t, e.bob, "できないい")
	assert.Equal(t, "タスク「会議」に参加できないと受け付けました。(回答 1/2)", got)
}

func TestAnswerOutsideConfirmationMode(t *testing.T) {
	e := newEnv(t)
	assert.False(t, e.modeOn(t))
	got := e.say(t, e.alice, "できる")
	assert.NotContains(t, got, "受け付けました")
}
