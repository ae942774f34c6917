// Package checker is the periodic body that reminds groups of upcoming tasks and opens
// attendance checks for important ones.
package checker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"lbot/internal/config"
	"lbot/internal/domain"
	"lbot/internal/engine"
	"lbot/internal/events"
	"lbot/internal/lock"
	"lbot/internal/notify"
	"lbot/internal/repo"
)

// Kind selects what a run does.
type Kind string

const (
	All                    Kind = "all"
	TomorrowRemind         Kind = "tomorrow-remind"
	TomorrowImportantCheck Kind = "tomorrow-check"
	SoonRemindAndCheck     Kind = "soon"
	PurgeOverdue           Kind = "purge"
)

// allOrder purges first so stale jobs never hold check numbers new jobs need.
var allOrder = []Kind{PurgeOverdue, TomorrowRemind, TomorrowImportantCheck, SoonRemindAndCheck}

// Kinds lists every accepted kind.
func Kinds() []Kind {
	return append([]Kind{All}, allOrder...)
}

func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown check kind %q", s)
}

// Checker runs checks under a cross-process lock. Messenger receives group notifications.
type Checker struct {
	Engine    engine.Engine
	Messenger notify.Messenger
	Lock      *lock.File
	Log       *zap.Logger
}

func New(eng engine.Engine, m notify.Messenger, l *lock.File, log *zap.Logger) *Checker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Checker{Engine: eng, Messenger: m, Lock: l, Log: log}
}

// Report describes one run. Ran lists the sub-checks whose time gate was open.
type Report struct {
	Kind     Kind
	Ran      []Kind
	Notified int
	Opened   int
	Marked   int64
	Purged   int
}

// Run is Check without the report.
func (c *Checker) Run(ctx context.Context, kind Kind, force bool) error {
	_, err := c.Check(ctx, kind, force)
	return err
}

// Check performs kind while holding the lock. A sub-check that fails does not stop the
// others; their errors are joined.
func (c *Checker) Check(ctx context.Context, kind Kind, force bool) (Report, error) {
	rep := Report{Kind: kind}
	kinds := []Kind{kind}
	if kind == All {
		kinds = allOrder
	} else if _, err := ParseKind(string(kind)); err != nil {
		return rep, err
	}
	if c.Lock == nil {
		return rep, errors.New("checker lock is not configured")
	}
	err := c.Lock.With(ctx, func(ctx context.Context) error {
		var errs []error
		for _, k := range kinds {
			if err := ctx.Err(); err != nil {
				errs = append(errs, err)
				break
			}
			if err := c.runOne(ctx, k, force, &rep); err != nil {
				c.Log.Error("check failed", zap.String("kind", string(k)), zap.Error(err))
				errs = append(errs, fmt.Errorf("%s: %w", k, err))
			}
		}
		return errors.Join(errs...)
	})
	return rep, err
}

func (c *Checker) runOne(ctx context.Context, k Kind, force bool, rep *Report) error {
	now := c.Engine.LocalNow()
	switch k {
	case PurgeOverdue:
		rep.Ran = append(rep.Ran, k)
		return c.purge(ctx, rep)
	case TomorrowRemind:
		if !force && now.Before(c.config().RemindAt().On(now)) {
			c.Log.Debug("tomorrow remind gated", zap.String("at", c.config().RemindAt().String()))
			return nil
		}
		rep.Ran = append(rep.Ran, k)
		return c.tomorrowRemind(ctx, now, rep)
	case TomorrowImportantCheck:
		if !force && now.Before(c.config().CheckAt().On(now)) {
			c.Log.Debug("tomorrow check gated", zap.String("at", c.config().CheckAt().String()))
			return nil
		}
		rep.Ran = append(rep.Ran, k)
		return c.tomorrowCheck(ctx, now, rep)
	case SoonRemindAndCheck:
		rep.Ran = append(rep.Ran, k)
		return c.soon(ctx, now, rep)
	}
	return fmt.Errorf("unknown check kind %q", k)
}

func (c *Checker) config() *config.Config {
	if c.Engine.Config != nil {
		return c.Engine.Config
	}
	return config.Default()
}

func (c *Checker) purge(ctx context.Context, rep *Report) error {
	res, err := c.Engine.PurgeOverdue(ctx)
	if err != nil {
		return err
	}
	rep.Purged = len(res.Jobs)
	if len(res.Jobs) > 0 || len(res.Tasks) > 0 {
		c.Log.Info("purged overdue",
			zap.Int("jobs", len(res.Jobs)),
			zap.Strings("tasks", res.Tasks),
			zap.Strings("deactivated_groups", res.Deactivated))
	}
	return nil
}

// tomorrow returns the bounds of the local calendar day after now.
func tomorrow(now time.Time) (time.Time, time.Time) {
	y, m, d := now.Date()
	start := time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
	return start, start.AddDate(0, 0, 1)
}

// batch is the tasks of one group selected by a sub-check.
type batch struct {
	group domain.Group
	tasks []domain.Task
}

// byGroup keeps the order in which each group first appears. Tasks whose group cannot be
// loaded are skipped; the lookup failures are logged and joined.
func (c *Checker) byGroup(ctx context.Context, k Kind, tasks []domain.Task) ([]batch, error) {
	var (
		idx    = map[string]int{}
		failed = map[string]bool{}
		out    []batch
		errs   []error
	)
	for _, t := range tasks {
		if t.GroupID == nil || failed[*t.GroupID] {
			continue
		}
		i, ok := idx[*t.GroupID]
		if !ok {
			g, err := c.Engine.Repo.GetGroup(ctx, nil, *t.GroupID)
			if err != nil {
				failed[*t.GroupID] = true
				c.Log.Error("group lookup failed",
					zap.String("kind", string(k)),
					zap.String("group_id", *t.GroupID),
					zap.String("task", t.Name),
					zap.Error(err))
				errs = append(errs, fmt.Errorf("group of task %s: %w", t.Name, err))
				continue
			}
			i = len(out)
			idx[*t.GroupID] = i
			out = append(out, batch{group: g})
		}
		out[i].tasks = append(out[i].tasks, t)
	}
	return out, errors.Join(errs...)
}

// eachGroup calls fn per group and returns the ids of tasks in groups that succeeded.
// Failures are logged and joined.
func (c *Checker) eachGroup(k Kind, batches []batch, fn func(b batch) error) ([]string, error) {
	var (
		done []string
		errs []error
	)
	for _, b := range batches {
		if err := fn(b); err != nil {
			c.Log.Error("group check failed",
				zap.String("kind", string(k)),
				zap.String("group", b.group.Name),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("group %s: %w", b.group.Name, err))
			continue
		}
		for _, t := range b.tasks {
			done = append(done, t.ID)
		}
	}
	return done, errors.Join(errs...)
}

// mark sets flag on every task in ids at once, after all notifications were sent.
func (c *Checker) mark(ctx context.Context, k Kind, flag repo.TaskFlag, ids []string, rep *Report) error {
	if len(ids) == 0 {
		return nil
	}
	return c.Engine.WithTx(ctx, func(tx *sql.Tx) error {
		n, err := c.Engine.Repo.MarkTasks(ctx, tx, flag, ids)
		if err != nil {
			return err
		}
		rep.Marked += n
		return c.Engine.AppendEvent(ctx, tx, events.RemindSent, "checker", string(k), events.SystemActor, events.EventPayload{
			"flag":  string(flag),
			"tasks": ids,
		})
	})
}

func (c *Checker) push(ctx context.Context, g domain.Group, texts ...string) error {
	if c.Messenger == nil {
		return errors.New("no messenger configured")
	}
	for _, text := range texts {
		if err := c.Messenger.Push(ctx, g.ServiceID, text); err != nil {
			return fmt.Errorf("push to %s: %w", g.ServiceID, err)
		}
	}
	return nil
}

func (c *Checker) participants(ctx context.Context, t domain.Task) ([]string, error) {
	users, err := c.Engine.Repo.ListTaskMembers(ctx, nil, t.ID, domain.RoleParticipant)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Name)
	}
	return names, nil
}

func (c *Checker) deadline(t domain.Task, now time.Time) string {
	return engine.FormatDeadline(t.Deadline, now, c.Engine.Location())
}

func (c *Checker) tomorrowRemind(ctx context.Context, now time.Time, rep *Report) error {
	from, to := tomorrow(now)
	tasks, err := c.Engine.Repo.ListTasks(ctx, nil, repo.TaskFilter{
		GroupedOnly: true,
		From:        &from,
		To:          &to,
		Unflagged:   repo.FlagTomorrowRemind,
	})
	if err != nil {
		return err
	}
	batches, lookupErr := c.byGroup(ctx, TomorrowRemind, tasks)
	done, groupErr := c.eachGroup(TomorrowRemind, batches, func(b batch) error {
		list, err := c.taskList(ctx, b.tasks, now, "■%s(期限: %s)")
		if err != nil {
			return err
		}
		if err := c.push(ctx, b.group, "こんばんは。明日が期限のタスクは以下のとおりだよ。", list, "おやすみなさい:D"); err != nil {
			return err
		}
		rep.Notified++
		return nil
	})
	return errors.Join(lookupErr, groupErr, c.mark(ctx, TomorrowRemind, repo.FlagTomorrowRemind, done, rep))
}

// taskList renders one entry per task from format (name, deadline) followed by its members.
func (c *Checker) taskList(ctx context.Context, tasks []domain.Task, now time.Time, format string) (string, error) {
	var lines []string
	for _, t := range tasks {
		names, err := c.participants(ctx, t)
		if err != nil {
			return "", err
		}
		lines = append(lines, fmt.Sprintf(format, t.Name, c.deadline(t, now)), "メンバー："+strings.Join(names, "、"))
	}
	return strings.Join(lines, "\n"), nil
}

func (c *Checker) tomorrowCheck(ctx context.Context, now time.Time, rep *Report) error {
	from, to := tomorrow(now)
	tasks, err := c.Engine.Repo.ListTasks(ctx, nil, repo.TaskFilter{
		GroupedOnly: true,
		From:        &from,
		To:          &to,
		Importance:  []domain.Importance{domain.High},
		Unflagged:   repo.FlagTomorrowCheck,
	})
	if err != nil {
		return err
	}
	batches, lookupErr := c.byGroup(ctx, TomorrowImportantCheck, tasks)
	done, groupErr := c.eachGroup(TomorrowImportantCheck, batches, func(b batch) error {
		return c.confirm(ctx, b, now, true, rep)
	})
	return errors.Join(lookupErr, groupErr, c.mark(ctx, TomorrowImportantCheck, repo.FlagTomorrowCheck, done, rep))
}

// soonRange is (now, now+window] at the store's second precision.
func soonRange(now time.Time, window time.Duration) (time.Time, time.Time) {
	base := now.Truncate(time.Second)
	return base.Add(time.Second), base.Add(window + time.Second)
}

func (c *Checker) soon(ctx context.Context, now time.Time, rep *Report) error {
	from, to := soonRange(now, c.config().Checker.SoonWindow)
	tasks, err := c.Engine.Repo.ListTasks(ctx, nil, repo.TaskFilter{
		GroupedOnly: true,
		From:        &from,
		To:          &to,
		Importance:  []domain.Importance{domain.High, domain.Middle},
		Unflagged:   repo.FlagSoonCheck,
	})
	if err != nil {
		return err
	}
	batches, lookupErr := c.byGroup(ctx, SoonRemindAndCheck, tasks)
	done, groupErr := c.eachGroup(SoonRemindAndCheck, batches, func(b batch) error {
		var middle, high []domain.Task
		for _, t := range b.tasks {
			if t.Importance == domain.High {
				high = append(high, t)
			} else {
				middle = append(middle, t)
			}
		}
		if len(middle) > 0 {
			list, err := c.taskList(ctx, middle, now, "■%s(期限: %s)")
			if err != nil {
				return err
			}
			if err := c.push(ctx, b.group, "もうすぐ期限のタスクがあるよ。\n"+list); err != nil {
				return err
			}
			rep.Notified++
		}
		if len(high) > 0 {
			return c.confirm(ctx, batch{group: b.group, tasks: high}, now, false, rep)
		}
		return nil
	})
	return errors.Join(lookupErr, groupErr, c.mark(ctx, SoonRemindAndCheck, repo.FlagSoonCheck, done, rep))
}

// confirm opens a check job per task, switches the group into confirmation mode and
// prompts the members about every job open in the group, so answers can always be matched
// to the numbers shown. Jobs that already exist are reused with their numbers.
func (c *Checker) confirm(ctx context.Context, b batch, now time.Time, isTomorrow bool, rep *Report) error {
	var open []engine.OpenJob
	err := c.Engine.WithTx(ctx, func(tx *sql.Tx) error {
		for _, t := range b.tasks {
			_, created, err := c.Engine.OpenCheckJob(ctx, tx, t)
			if err != nil {
				return err
			}
			if created {
				rep.Opened++
			}
		}
		if _, err := c.Engine.SetConfirmationMode(ctx, tx, b.group.ID, true); err != nil {
			return err
		}
		var err error
		open, err = c.Engine.ListOpenJobs(ctx, tx, b.group.ID)
		return err
	})
	if err != nil {
		return err
	}
	if len(open) == 0 {
		return fmt.Errorf("%w: group %s has no open job after opening %d", engine.ErrInconsistent, b.group.Name, len(b.tasks))
	}
	texts, err := c.prompt(ctx, open, b.tasks, now, isTomorrow)
	if err != nil {
		return err
	}
	if err := c.push(ctx, b.group, texts...); err != nil {
		return err
	}
	rep.Notified++
	return nil
}

func (c *Checker) trigger() string {
	if tr := c.config().Commands.Triggers; len(tr) > 0 {
		return tr[0]
	}
	return "#"
}

// prompt renders the question for the open jobs. asked is the tasks that triggered it and
// picks the wording when every open job belongs to it.
func (c *Checker) prompt(ctx context.Context, open []engine.OpenJob, asked []domain.Task, now time.Time, isTomorrow bool) ([]string, error) {
	tr := c.trigger()
	if len(open) == 1 {
		t := open[0].Task
		names, err := c.participants(ctx, t)
		if err != nil {
			return nil, err
		}
		var quoted strings.Builder
		for _, n := range names {
			quoted.WriteString("「" + n + "」")
		}
		lead := fmt.Sprintf("こんにちは。\n重要なタスク「%s」が明日の%sからあるよ。", t.Name, t.Deadline.In(c.Engine.Location()).Format("15:04"))
		if !isTomorrow {
			lead = fmt.Sprintf("もうすぐ重要なタスク「%s」(期限: %s)があるよ。", t.Name, c.deadline(t, now))
		}
		return []string{
			lead,
			fmt.Sprintf("メンバーの%sはこのタスクに参加できる？", quoted.String()),
			fmt.Sprintf("参加できるなら「%sできる」、できないなら「%sできない」と答えてね。", tr, tr),
		}, nil
	}
	lead := "こんにちは。明日が期限の重要なタスクは以下のとおりだよ。"
	if !isTomorrow {
		lead = "もうすぐ期限の重要なタスクは以下のとおりだよ。"
	}
	if !allIn(open, asked) {
		lead = "参加確認中の重要なタスクは以下のとおりだよ。"
	}
	var lines []string
	for _, oj := range open {
		names, err := c.participants(ctx, oj.Task)
		if err != nil {
			return nil, err
		}
		lines = append(lines,
			fmt.Sprintf("%d. %s(期限: %s)", oj.Job.CheckNumber, oj.Task.Name, c.deadline(oj.Task, now)),
			"メンバー："+strings.Join(names, "、"))
	}
	first, second := open[0].Job.CheckNumber, open[1].Job.CheckNumber
	return []string{
		lead,
		strings.Join(lines, "\n"),
		"これらのタスクに参加できるかできないか答えてね。",
		fmt.Sprintf("例えば、%d番のタスクに参加できて%d番はできない場合は\n======\n%sできる\n%d\n======\n%sできない\n%d\n======\nのように答えてね。",
			first, second, tr, first, tr, second),
	}, nil
}

func allIn(open []engine.OpenJob, tasks []domain.Task) bool {
	ids := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		ids[t.ID] = true
	}
	for _, oj := range open {
		if !ids[oj.Task.ID] {
			return false
		}
	}
	return true
}
