package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"lbot/internal/domain"
)

// TaskFlag names one of the per-task progress columns.
type TaskFlag string

const (
	FlagTomorrowRemind TaskFlag = "tomorrow_remind_done"
	FlagTomorrowCheck  TaskFlag = "tomorrow_check_done"
	FlagSoonCheck      TaskFlag = "soon_check_done"
)

func (f TaskFlag) valid() bool {
	switch f {
	case FlagTomorrowRemind, FlagTomorrowCheck, FlagSoonCheck:
		return true
	}
	return false
}

const taskColumns = `id,name,short_name,deadline,importance,group_id,tomorrow_remind_done,tomorrow_check_done,soon_check_done,created_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t          domain.Task
		shortName  sql.NullString
		groupID    sql.NullString
		deadline   string
		importance string
	)
	if err := row.Scan(&t.ID, &t.Name, &shortName, &deadline, &importance, &groupID,
		&t.TomorrowRemindDone, &t.TomorrowCheckDone, &t.SoonCheckDone, &t.CreatedAt); err != nil {
		return t, err
	}
	if shortName.Valid {
		t.ShortName = &shortName.String
	}
	if groupID.Valid {
		t.GroupID = &groupID.String
	}
	d, err := ParseTime(deadline)
	if err != nil {
		return t, fmt.Errorf("task %s deadline: %w", t.ID, err)
	}
	t.Deadline = d
	imp, err := domain.ParseImportance(importance)
	if err != nil {
		return t, fmt.Errorf("task %s: %w", t.ID, err)
	}
	t.Importance = imp
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, nullableStringPtr(t.ShortName), FormatTime(t.Deadline), t.Importance.String(), nullableStringPtr(t.GroupID),
		t.TomorrowRemindDone, t.TomorrowCheckDone, t.SoonCheckDone, t.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("task name %q already used", t.Name)
	}
	return err
}

func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	t, err := scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return t, notFound("task", id)
	}
	return t, err
}

// GetTaskByName matches either the full name or the short name.
func (r Repo) GetTaskByName(ctx context.Context, tx *sql.Tx, name string) (domain.Task, error) {
	t, err := scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE name=? OR short_name=? ORDER BY name=? DESC LIMIT 1`, name, name, name))
	if err == sql.ErrNoRows {
		return t, notFound("task", name)
	}
	return t, err
}

func (r Repo) DeleteTask(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("task", id)
	}
	return nil
}

// TaskFilter selects tasks. From is inclusive and To exclusive.
type TaskFilter struct {
	GroupID     string
	GroupedOnly bool
	From        *time.Time
	To          *time.Time
	Importance  []domain.Importance
	Unflagged   TaskFlag
	MemberID    string
}

func (r Repo) ListTasks(ctx context.Context, tx *sql.Tx, f TaskFilter) ([]domain.Task, error) {
	var (
		where []string
		args  []any
	)
	if f.GroupID != "" {
		where = append(where, "group_id=?")
		args = append(args, f.GroupID)
	}
	if f.GroupedOnly {
		where = append(where, "group_id IS NOT NULL")
	}
	if f.From != nil {
		where = append(where, "deadline>=?")
		args = append(args, FormatTime(*f.From))
	}
	if f.To != nil {
		where = append(where, "deadline<?")
		args = append(args, FormatTime(*f.To))
	}
	if len(f.Importance) > 0 {
		names := make([]string, len(f.Importance))
		for i, imp := range f.Importance {
			names[i] = imp.String()
		}
		where = append(where, "importance IN ("+placeholders(len(names))+")")
		args = append(args, stringArgs(names)...)
	}
	if f.Unflagged != "" {
		if !f.Unflagged.valid() {
			return nil, fmt.Errorf("unknown task flag %q", f.Unflagged)
		}
		where = append(where, string(f.Unflagged)+"=0")
	}
	if f.MemberID != "" {
		where = append(where, "id IN (SELECT task_id FROM task_members WHERE user_id=?)")
		args = append(args, f.MemberID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY deadline, name"
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// MarkTasks sets flag on every task in ids with a single statement.
func (r Repo) MarkTasks(ctx context.Context, tx *sql.Tx, flag TaskFlag, ids []string) (int64, error) {
	if !flag.valid() {
		return 0, fmt.Errorf("unknown task flag %q", flag)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET `+string(flag)+`=1 WHERE id IN (`+placeholders(len(ids))+`)`, stringArgs(ids)...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) ResetTaskFlags(ctx context.Context, tx *sql.Tx) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET tomorrow_remind_done=0, tomorrow_check_done=0, soon_check_done=0`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AddTaskMember is idempotent and reports whether a row was added.
func (r Repo) AddTaskMember(ctx context.Context, tx *sql.Tx, taskID, userID, role string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO task_members(task_id,user_id,role) VALUES (?,?,?)`, taskID, userID, role)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) RemoveTaskMember(ctx context.Context, tx *sql.Tx, taskID, userID, role string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM task_members WHERE task_id=? AND user_id=? AND role=?`, taskID, userID, role)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) ListTaskMembers(ctx context.Context, tx *sql.Tx, taskID, role string) ([]domain.User, error) {
	return r.queryUsers(ctx, tx, `SELECT u.id,u.name,u.authority,u.service_kind,u.service_id,u.command_groups,u.created_at
FROM users u JOIN task_members m ON m.user_id=u.id
WHERE m.task_id=? AND m.role=? ORDER BY u.name`, taskID, role)
}

func (r Repo) CountTaskMembers(ctx context.Context, tx *sql.Tx, taskID, role string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(1) FROM task_members WHERE task_id=? AND role=?`, taskID, role).Scan(&n)
	return n, err
}

func (r Repo) IsTaskMember(ctx context.Context, tx *sql.Tx, taskID, userID, role string) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(1) FROM task_members WHERE task_id=? AND user_id=? AND role=?`, taskID, userID, role).Scan(&n)
	return n > 0, err
}
