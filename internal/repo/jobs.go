package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"lbot/internal/domain"
)

const jobColumns = `id,group_id,task_id,check_number,deadline,created_at`

func scanJob(row rowScanner) (domain.CheckJob, error) {
	var (
		j        domain.CheckJob
		deadline string
	)
	if err := row.Scan(&j.ID, &j.GroupID, &j.TaskID, &j.CheckNumber, &deadline, &j.CreatedAt); err != nil {
		return j, err
	}
	d, err := ParseTime(deadline)
	if err != nil {
		return j, fmt.Errorf("job %s deadline: %w", j.ID, err)
	}
	j.Deadline = d
	return j, nil
}

func (r Repo) queryJobs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.CheckJob, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CheckJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// InsertJob fails on a duplicate task or a duplicate (group, check number).
func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.CheckJob) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO check_jobs(`+jobColumns+`) VALUES (?,?,?,?,?,?)`,
		j.ID, j.GroupID, j.TaskID, j.CheckNumber, FormatTime(j.Deadline), j.CreatedAt)
	return err
}

func (r Repo) GetJob(ctx context.Context, tx *sql.Tx, id string) (domain.CheckJob, error) {
	j, err := scanJob(r.q(tx).QueryRowContext(ctx, `SELECT `+jobColumns+` FROM check_jobs WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return j, notFound("check job", id)
	}
	return j, err
}

func (r Repo) GetJobByTask(ctx context.Context, tx *sql.Tx, taskID string) (domain.CheckJob, error) {
	j, err := scanJob(r.q(tx).QueryRowContext(ctx, `SELECT `+jobColumns+` FROM check_jobs WHERE task_id=?`, taskID))
	if err == sql.ErrNoRows {
		return j, notFound("check job for task", taskID)
	}
	return j, err
}

func (r Repo) GetJobByNumber(ctx context.Context, tx *sql.Tx, groupID string, number int) (domain.CheckJob, error) {
	j, err := scanJob(r.q(tx).QueryRowContext(ctx, `SELECT `+jobColumns+` FROM check_jobs WHERE group_id=? AND check_number=?`, groupID, number))
	if err == sql.ErrNoRows {
		return j, notFound("check job", fmt.Sprintf("%s#%d", groupID, number))
	}
	return j, err
}

// ListJobs returns the group's jobs by check number; an empty groupID lists every job.
func (r Repo) ListJobs(ctx context.Context, tx *sql.Tx, groupID string) ([]domain.CheckJob, error) {
	if groupID == "" {
		return r.queryJobs(ctx, tx, `SELECT `+jobColumns+` FROM check_jobs ORDER BY group_id, check_number`)
	}
	return r.queryJobs(ctx, tx, `SELECT `+jobColumns+` FROM check_jobs WHERE group_id=? ORDER BY check_number`, groupID)
}

// ListJobsDueBefore returns jobs whose task deadline is before t.
func (r Repo) ListJobsDueBefore(ctx context.Context, tx *sql.Tx, t time.Time) ([]domain.CheckJob, error) {
	return r.queryJobs(ctx, tx, `SELECT j.id,j.group_id,j.task_id,j.check_number,j.deadline,j.created_at
FROM check_jobs j JOIN tasks t ON t.id=j.task_id
WHERE t.deadline<? ORDER BY j.group_id, j.check_number`, FormatTime(t))
}

func (r Repo) CountJobs(ctx context.Context, tx *sql.Tx, groupID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(1) FROM check_jobs WHERE group_id=?`, groupID).Scan(&n)
	return n, err
}

func (r Repo) UsedCheckNumbers(ctx context.Context, tx *sql.Tx, groupID string) ([]int, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT check_number FROM check_jobs WHERE group_id=? ORDER BY check_number`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// DeleteJob reports whether this call removed the row.
func (r Repo) DeleteJob(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM check_jobs WHERE id=?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) DeleteAllJobs(ctx context.Context, tx *sql.Tx) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM check_jobs`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AddCheckedUser records a response; repeated calls for the same user are no-ops.
func (r Repo) AddCheckedUser(ctx context.Context, tx *sql.Tx, jobID, userID string, at time.Time) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO check_job_users(job_id,user_id,checked_at) VALUES (?,?,?)`, jobID, userID, FormatTime(at))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) CountCheckedUsers(ctx context.Context, tx *sql.Tx, jobID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(1) FROM check_job_users WHERE job_id=?`, jobID).Scan(&n)
	return n, err
}

func (r Repo) ListCheckedUsers(ctx context.Context, tx *sql.Tx, jobID string) ([]domain.User, error) {
	return r.queryUsers(ctx, tx, `SELECT u.id,u.name,u.authority,u.service_kind,u.service_id,u.command_groups,u.created_at
FROM users u JOIN check_job_users c ON c.user_id=u.id
WHERE c.job_id=? ORDER BY c.checked_at, u.name`, jobID)
}

func (r Repo) RemoveCheckedUser(ctx context.Context, tx *sql.Tx, jobID, userID string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM check_job_users WHERE job_id=? AND user_id=?`, jobID, userID)
	return err
}
