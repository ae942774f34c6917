package checker_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"lbot/internal/checker"
	"lbot/internal/config"
	"lbot/internal/db"
	"lbot/internal/domain"
	"lbot/internal/engine"
	"lbot/internal/lock"
	"lbot/internal/migrate"
	"lbot/internal/notify"
	"lbot/internal/repo"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

var jst = time.FixedZone("JST", 9*60*60)

type env struct {
	ctx   context.Context
	clock time.Time
	eng   engine.Engine
	out   *notify.Recorder
	chk   *checker.Checker
	lock  string
	group domain.Group
	alice domain.User
	bob   domain.User
}

// newEnv starts the clock at the given local (JST) wall time on 2024-06-10.
func newEnv(t *testing.T, hour, minute int) *env {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	e := &env{ctx: context.Background(), clock: time.Date(2024, 6, 10, hour, minute, 0, 0, jst)}
	e.eng = engine.New(conn, config.Default(), nil)
	e.eng.Now = func() time.Time { return e.clock }
	e.out = &notify.Recorder{}
	e.lock = filepath.Join(dir, "checker.lock")
	e.chk = checker.New(e.eng, e.out, &lock.File{Path: e.lock, RetryDelay: 5 * time.Millisecond}, nil)

	e.group, _, err = e.eng.EnsureGroup(e.ctx, "test", "G1", "開発")
	require.NoError(t, err)
	e.alice = e.user(t, "alice", e.group)
	e.bob = e.user(t, "bob", e.group)
	return e
}

func (e *env) user(t *testing.T, name string, g domain.Group) domain.User {
	t.Helper()
	u, _, err := e.eng.EnsureUser(e.ctx, "test", name, name)
	require.NoError(t, err)
	require.NoError(t, e.eng.EnsureMember(e.ctx, g.ID, u.ID))
	return u
}

func (e *env) task(t *testing.T, g domain.Group, name string, deadline time.Time, imp domain.Importance, participants ...domain.User) domain.Task {
	t.Helper()
	ids := make([]string, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.ID)
	}
	task, err := e.eng.CreateTask(e.ctx, engine.TaskCreateOptions{
		Name:           name,
		Deadline:       deadline,
		Importance:     imp,
		GroupID:        g.ID,
		ParticipantIDs: ids,
		ActorID:        participants[0].ID,
	})
	require.NoError(t, err)
	return task
}

func (e *env) modeOn(t *testing.T, g domain.Group) bool {
	t.Helper()
	got, err := e.eng.Repo.GetGroup(e.ctx, nil, g.ID)
	require.NoError(t, err)
	return got.HasCommandGroup(domain.ConfirmationCommandGroup)
}

func tomorrowAt(hour, minute int) time.Time {
	return time.Date(2024, 6, 11, hour, minute, 0, 0, jst)
}

func TestParseKind(t *testing.T) {
	for _, k := range checker.Kinds() {
		got, err := checker.ParseKind(" " + string(k) + " ")
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := checker.ParseKind("weekly")
	require.Error(t, err)
}

func TestTomorrowRemind(t *testing.T) {
	e := newEnv(t, 20, 0)
	e.task(t, e.group, "会議", tomorrowAt(10, 0), domain.High, e.alice, e.bob)
	e.task(t, e.group, "掃除", tomorrowAt(15, 0), domain.Low, e.alice)
	e.task(t, e.group, "来週", tomorrowAt(10, 0).AddDate(0, 0, 7), domain.Low, e.alice)

	rep, err := e.chk.Check(e.ctx, checker.TomorrowRemind, false)
	require.NoError(t, err)
	assert.Empty(t, rep.Ran)
	assert.Zero(t, e.out.Len())

	e.clock = time.Date(2024, 6, 10, 21, 30, 0, 0, jst)
	rep, err = e.chk.Check(e.ctx, checker.TomorrowRemind, false)
	require.NoError(t, err)
	assert.Equal(t, []checker.Kind{checker.TomorrowRemind}, rep.Ran)
	assert.Equal(t, int64(2), rep.Marked)
	assert.Equal(t, []string{
		"こんばんは。明日が期限のタスクは以下のとおりだよ。",
		"■会議(期限: 6/11 10:00)\nメンバー：alice、bob\n■掃除(期限: 6/11 15:00)\nメンバー：alice",
		"おやすみなさい:D",
	}, e.out.To("G1"))

	// Flags are set, so a forced re-run sends nothing.
	require.NoError(t, e.chk.Run(e.ctx, checker.TomorrowRemind, true))
	assert.Equal(t, 3, e.out.Len())
}

func TestTomorrowRemindRetriesFailedGroups(t *testing.T) {
	e := newEnv(t, 21, 30)
	other, _, err := e.eng.EnsureGroup(e.ctx, "test", "G2", "営業")
	require.NoError(t, err)
	carol := e.user(t, "carol", other)
	e.task(t, e.group, "会議", tomorrowAt(10, 0), domain.Middle, e.alice)
	e.task(t, other, "商談", tomorrowAt(11, 0), domain.Middle, carol)

	e.out.Fail = map[string]error{"G1": errors.New("service unavailable")}
	rep, err := e.chk.Check(e.ctx, checker.TomorrowRemind, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "group 開発")
	assert.Equal(t, int64(1), rep.Marked)
	assert.Len(t, e.out.To("G2"), 3)

	tasks, err := e.eng.Repo.ListTasks(e.ctx, nil, repo.TaskFilter{Unflagged: repo.FlagTomorrowRemind})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "会議", tasks[0].Name)

	e.out.Fail = nil
	require.NoError(t, e.chk.Run(e.ctx, checker.TomorrowRemind, false))
	assert.Len(t, e.out.To("G1"), 3)
	assert.Len(t, e.out.To("G2"), 3)
}

func TestTomorrowImportantCheckSingle(t *testing.T) {
	e := newEnv(t, 12, 30)
	e.task(t, e.group, "会議", tomorrowAt(10, 0), domain.High, e.alice, e.bob)
	e.task(t, e.group, "雑務", tomorrowAt(11, 0), domain.Middle, e.alice)

	rep, err := e.chk.Check(e.ctx, checker.TomorrowImportantCheck, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Opened)
	assert.Equal(t, []string{
		"こんにちは。\n重要なタスク「会議」が明日の10:00からあるよ。",
		"メンバーの「alice」「bob」はこのタスクに参加できる？",
		"参加できるなら「#できる」、できないなら「#できない」と答えてね。",
	}, e.out.To("G1"))
	assert.True(t, e.modeOn(t, e.group))

	res, err := e.eng.Respond(e.ctx, engine.RespondOptions{GroupID: e.group.ID, UserID: e.alice.ID, Joinable: true})
	require.NoError(t, err)
	require.Len(t, res.Responses, 1)
	assert.Equal(t, engine.Recorded, res.Responses[0].Outcome)

	res, err = e.eng.Respond(e.ctx, engine.RespondOptions{GroupID: e.group.ID, UserID: e.bob.ID, Joinable: false})
	require.NoError(t, err)
	require.Len(t, res.Responses, 1)
	r := res.Responses[0]
	assert.Equal(t, engine.Resolved, r.Outcome)
	require.Len(t, r.Joinable, 1)
	assert.Equal(t, "alice", r.Joinable[0].Name)
	require.Len(t, r.Absent, 1)
	assert.Equal(t, "bob", r.Absent[0].Name)
	assert.True(t, res.ModeOff)
	assert.False(t, e.modeOn(t, e.group))

	// The task is flagged, so the check does not reopen a job.
	rep, err = e.chk.Check(e.ctx, checker.TomorrowImportantCheck, true)
	require.NoError(t, err)
	assert.Zero(t, rep.Opened)
	assert.Len(t, e.out.To("G1"), 3)
}

func TestTomorrowImportantCheckMany(t *testing.T) {
	e := newEnv(t, 13, 0)
	e.task(t, e.group, "会議", tomorrowAt(10, 0), domain.High, e.alice, e.bob)
	e.task(t, e.group, "発表", tomorrowAt(13, 0), domain.High, e.alice)

	require.NoError(t, e.chk.Run(e.ctx, checker.TomorrowImportantCheck, false))
	assert.Equal(t, []string{
		"こんにちは。明日が期限の重要なタスクは以下のとおりだよ。",
		"1. 会議(期限: 6/11 10:00)\nメンバー：alice、bob\n2. 発表(期限: 6/11 13:00)\nメンバー：alice",
		"これらのタスクに参加できるかできないか答えてね。",
		"例えば、1番のタスクに参加できて2番はできない場合は\n======\n#できる\n1\n======\n#できない\n2\n======\nのように答えてね。",
	}, e.out.To("G1"))

	jobs, err := e.eng.ListOpenJobs(e.ctx, nil, e.group.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, 1, jobs[0].Job.CheckNumber)
	assert.Equal(t, 2, jobs[1].Job.CheckNumber)
}

func TestImportantCheckListsEveryOpenJob(t *testing.T) {
	e := newEnv(t, 12, 30)
	e.task(t, e.group, "会議", tomorrowAt(10, 0), domain.High, e.alice, e.bob)
	e.task(t, e.group, "打合せ", time.Date(2024, 6, 10, 14, 0, 0, 0, jst), domain.High, e.alice)

	rep, err := e.chk.Check(e.ctx, checker.All, false)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Opened)

	// The soon check adds a second job, so its prompt numbers both.
	got := e.out.To("G1")
	require.Len(t, got, 7)
	assert.Equal(t, "こんにちは。\n重要なタスク「会議」が明日の10:00からあるよ。", got[0])
	assert.Equal(t, []string{
		"参加確認中の重要なタスクは以下のとおりだよ。",
		"1. 会議(期限: 6/11 10:00)\nメンバー：alice、bob\n2. 打合せ(期限: 14:00)\nメンバー：alice",
		"これらのタスクに参加できるかできないか答えてね。",
		"例えば、1番のタスクに参加できて2番はできない場合は\n======\n#できる\n1\n======\n#できない\n2\n======\nのように答えてね。",
	}, got[3:])

	res, err := e.eng.Respond(e.ctx, engine.RespondOptions{GroupID: e.group.ID, UserID: e.alice.ID, Joinable: true})
	require.NoError(t, err)
	assert.True(t, res.Ambiguous)
	assert.Len(t, res.Open, 2)

	res, err = e.eng.Respond(e.ctx, engine.RespondOptions{GroupID: e.group.ID, UserID: e.alice.ID, Targets: "2", Joinable: true})
	require.NoError(t, err)
	require.Len(t, res.Responses, 1)
	assert.Equal(t, engine.Resolved, res.Responses[0].Outcome)
	assert.Equal(t, "打合せ", res.Responses[0].Task.Name)
	assert.False(t, res.ModeOff)
}

// collide makes check job inserts for the group fail as a check number collision would.
func (e *env) collide(t *testing.T, g domain.Group) {
	t.Helper()
	_, err := e.eng.DB.ExecContext(e.ctx, fmt.Sprintf(`CREATE TRIGGER collide BEFORE INSERT ON check_jobs
WHEN NEW.group_id = '%s'
BEGIN SELECT RAISE(ABORT, 'UNIQUE constraint failed: check_jobs.group_id, check_jobs.check_number'); END;`, g.ID))
	require.NoError(t, err)
}

func TestImportantCheckIsolatesInconsistentGroup(t *testing.T) {
	e := newEnv(t, 12, 30)
	core, logs := observer.New(zapcore.ErrorLevel)
	e.chk.Log = zap.New(core)
	other, _, err := e.eng.EnsureGroup(e.ctx, "test", "G2", "営業")
	require.NoError(t, err)
	carol := e.user(t, "carol", other)
	e.task(t, e.group, "会議", tomorrowAt(10, 0), domain.High, e.alice)
	e.task(t, other, "商談", tomorrowAt(11, 0), domain.High, carol)
	e.collide(t, e.group)

	rep, err := e.chk.Check(e.ctx, checker.TomorrowImportantCheck, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrInconsistent)
	assert.Contains(t, err.Error(), "group 開発")
	assert.Equal(t, 1, rep.Opened)
	assert.Equal(t, int64(1), rep.Marked)

	assert.Empty(t, e.out.To("G1"))
	assert.False(t, e.modeOn(t, e.group))
	assert.Len(t, e.out.To("G2"), 3)
	assert.True(t, e.modeOn(t, other))

	failed := logs.FilterMessage("group check failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "開発", failed[0].ContextMap()["group"])
	assert.Equal(t, string(checker.TomorrowImportantCheck), failed[0].ContextMap()["kind"])

	tasks, err := e.eng.Repo.ListTasks(e.ctx, nil, repo.TaskFilter{Unflagged: repo.FlagTomorrowCheck})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "会議", tasks[0].Name)
}

func TestCheckSkipsTasksOfMissingGroup(t *testing.T) {
	e := newEnv(t, 12, 30)
	core, logs := observer.New(zapcore.ErrorLevel)
	e.chk.Log = zap.New(core)
	other, _, err := e.eng.EnsureGroup(e.ctx, "test", "G2", "営業")
	require.NoError(t, err)
	carol := e.user(t, "carol", other)
	lost := e.task(t, other, "商談", tomorrowAt(9, 0), domain.High, carol)
	e.task(t, e.group, "会議", tomorrowAt(10, 0), domain.High, e.alice)

	// Point the task at a group row that does not exist.
	conn, err := e.eng.DB.Conn(e.ctx)
	require.NoError(t, err)
	_, err = conn.ExecContext(e.ctx, `PRAGMA foreign_keys=OFF`)
	require.NoError(t, err)
	_, err = conn.ExecContext(e.ctx, `UPDATE tasks SET group_id='missing' WHERE id=?`, lost.ID)
	require.NoError(t, err)
	_, err = conn.ExecContext(e.ctx, `PRAGMA foreign_keys=ON`)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	rep, err := e.chk.Check(e.ctx, checker.TomorrowImportantCheck, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.Contains(t, err.Error(), "商談")
	assert.Equal(t, int64(1), rep.Marked)
	assert.Len(t, e.out.To("G1"), 3)
	assert.Empty(t, e.out.To("G2"))

	lookups := logs.FilterMessage("group lookup failed").All()
	require.Len(t, lookups, 1)
	assert.Equal(t, "missing", lookups[0].ContextMap()["group_id"])

	tasks, err := e.eng.Repo.ListTasks(e.ctx, nil, repo.TaskFilter{Unflagged: repo.FlagTomorrowCheck})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, lost.ID, tasks[0].ID)
}

func TestSoonRemindAndCheck(t *testing.T) {
	e := newEnv(t, 12, 30)
	today := func(h, m int) time.Time { return time.Date(2024, 6, 10, h, m, 0, 0, jst) }
	e.task(t, e.group, "打合せ", today(14, 0), domain.Middle, e.alice)
	e.task(t, e.group, "本番", today(15, 30), domain.High, e.alice, e.bob)
	e.task(t, e.group, "片付け", today(14, 30), domain.Low, e.alice)
	e.task(t, e.group, "夕会", today(16, 0), domain.Middle, e.bob)

	rep, err := e.chk.Check(e.ctx, checker.SoonRemindAndCheck, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Opened)
	assert.Equal(t, int64(2), rep.Marked)
	assert.Equal(t, []string{
		"もうすぐ期限のタスクがあるよ。\n■打合せ(期限: 14:00)\nメンバー：alice",
		"もうすぐ重要なタスク「本番」(期限: 15:30)があるよ。",
		"メンバーの「alice」「bob」はこのタスクに参加できる？",
		"参加できるなら「#できる」、できないなら「#できない」と答えてね。",
	}, e.out.To("G1"))
	assert.True(t, e.modeOn(t, e.group))

	e.clock = today(13, 30)
	require.NoError(t, e.chk.Run(e.ctx, checker.SoonRemindAndCheck, false))
	assert.Equal(t, "もうすぐ期限のタスクがあるよ。\n■夕会(期限: 16:00)\nメンバー：bob", e.out.To("G1")[4])
	assert.Len(t, e.out.To("G1"), 5)
}

func TestPurgeOverdueTurnsModeOff(t *testing.T) {
	e := newEnv(t, 12, 30)
	task := e.task(t, e.group, "本番", time.Date(2024, 6, 10, 14, 0, 0, 0, jst), domain.High, e.alice, e.bob)
	require.NoError(t, e.chk.Run(e.ctx, checker.SoonRemindAndCheck, false))
	require.True(t, e.modeOn(t, e.group))

	e.clock = time.Date(2024, 6, 10, 14, 1, 0, 0, jst)
	rep, err := e.chk.Check(e.ctx, checker.PurgeOverdue, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Purged)
	assert.False(t, e.modeOn(t, e.group))
	_, err = e.eng.Repo.GetJobByTask(e.ctx, nil, task.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	// Still within the retention period.
	_, err = e.eng.Repo.GetTask(e.ctx, nil, task.ID)
	require.NoError(t, err)
}

func TestAllRunsInOrderAndRespectsGates(t *testing.T) {
	e := newEnv(t, 12, 30)
	e.task(t, e.group, "会議", tomorrowAt(10, 0), domain.High, e.alice)

	rep, err := e.chk.Check(e.ctx, checker.All, false)
	require.NoError(t, err)
	assert.Equal(t, []checker.Kind{checker.PurgeOverdue, checker.TomorrowImportantCheck, checker.SoonRemindAndCheck}, rep.Ran)

	rep, err = e.chk.Check(e.ctx, checker.All, true)
	require.NoError(t, err)
	assert.Equal(t, []checker.Kind{checker.PurgeOverdue, checker.TomorrowRemind, checker.TomorrowImportantCheck, checker.SoonRemindAndCheck}, rep.Ran)
}

func TestCheckWaitsForLock(t *testing.T) {
	e := newEnv(t, 12, 30)
	held := flock.New(e.lock)
	require.NoError(t, held.Lock())

	ctx, cancel := context.WithTimeout(e.ctx, 50*time.Millisecond)
	defer cancel()
	err := e.chk.Run(ctx, checker.PurgeOverdue, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, held.Unlock())
	require.NoError(t, e.chk.Run(e.ctx, checker.PurgeOverdue, false))
}

func TestCheckRejectsUnknownKind(t *testing.T) {
	e := newEnv(t, 12, 30)
	require.Error(t, e.chk.Run(e.ctx, checker.Kind("weekly"), false))
}
