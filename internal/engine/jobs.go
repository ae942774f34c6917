package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"lbot/internal/domain"
	"lbot/internal/events"
	"lbot/internal/repo"
)

// OpenCheckJob returns the task's check job, creating it when absent. A new job takes the
// smallest positive check number not used in the task's group. The bool reports creation.
func (e Engine) OpenCheckJob(ctx context.Context, tx *sql.Tx, task domain.Task) (domain.CheckJob, bool, error) {
	if task.GroupID == nil {
		return domain.CheckJob{}, false, fmt.Errorf("task %s has no group", task.Name)
	}
	existing, err := e.Repo.GetJobByTask(ctx, tx, task.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.CheckJob{}, false, err
	}
	used, err := e.Repo.UsedCheckNumbers(ctx, tx, *task.GroupID)
	if err != nil {
		return domain.CheckJob{}, false, err
	}
	now := e.now()
	job := domain.CheckJob{
		ID:          uuid.NewString(),
		GroupID:     *task.GroupID,
		TaskID:      task.ID,
		CheckNumber: smallestFree(used),
		Deadline:    now.Add(e.jobTTL()),
		CreatedAt:   repo.FormatTime(now),
	}
	if err := e.Repo.InsertJob(ctx, tx, job); err != nil {
		return domain.CheckJob{}, false, fmt.Errorf("%w: open job %d for task %s: %v", ErrInconsistent, job.CheckNumber, task.Name, err)
	}
	if err := e.events().Append(ctx, tx, events.JobOpened, "task", task.ID, events.SystemActor, events.EventPayload{
		"job_id":       job.ID,
		"group_id":     job.GroupID,
		"check_number": job.CheckNumber,
	}); err != nil {
		return domain.CheckJob{}, false, err
	}
	return job, true, nil
}

func (e Engine) jobTTL() time.Duration {
	if e.Config != nil && e.Config.Checker.JobTTL > 0 {
		return e.Config.Checker.JobTTL
	}
	return 12 * time.Hour
}

// smallestFree expects used in ascending order.
func smallestFree(used []int) int {
	n := 1
	for _, u := range used {
		if u == n {
			n++
		} else if u > n {
			break
		}
	}
	return n
}

// OpenJob pairs a job with its task.
type OpenJob struct {
	Job  domain.CheckJob
	Task domain.Task
}

// ListOpenJobs returns the group's jobs with their tasks, by check number.
func (e Engine) ListOpenJobs(ctx context.Context, tx *sql.Tx, groupID string) ([]OpenJob, error) {
	jobs, err := e.Repo.ListJobs(ctx, tx, groupID)
	if err != nil {
		return nil, err
	}
	out := make([]OpenJob, 0, len(jobs))
	for _, j := range jobs {
		t, err := e.Repo.GetTask(ctx, tx, j.TaskID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, fmt.Errorf("%w: job %d in group %s has no task %s", ErrInconsistent, j.CheckNumber, groupID, j.TaskID)
			}
			return nil, err
		}
		out = append(out, OpenJob{Job: j, Task: t})
	}
	return out, nil
}

// Outcome is what a response did to one job.
type Outcome int

const (
	Recorded Outcome = iota
	Resolved
	NotParticipant
)

type Response struct {
	Job      domain.CheckJob
	Task     domain.Task
	Outcome  Outcome
	Checked  int
	Required int
	// Joinable and Absent are filled when the job resolved.
	Joinable []domain.User
	Absent   []domain.User
}

type RespondOptions struct {
	GroupID  string
	UserID   string
	Targets  string
	Joinable bool
}

type RespondResult struct {
	// NoJobs is set when the group had nothing open; confirmation mode was switched off.
	NoJobs bool
	// Ambiguous is set when no target was given and several jobs are open; Open lists them.
	Ambiguous bool
	Open      []OpenJob
	Unknown   []string
	Responses []Response
	// ModeOff is set when the last job resolved and confirmation mode was switched off.
	ModeOff bool
}

// SplitTargets splits a target list on ASCII, fullwidth and ideographic commas.
func SplitTargets(s string) []string {
	s = norm.NFKC.String(s)
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '、' || r == '\n'
	})
	var out []string
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Respond records the user's answer for the targeted jobs of a group. Everything happens
// in one write transaction, so concurrent responders cannot both observe the last missing
// answer.
func (e Engine) Respond(ctx context.Context, opts RespondOptions) (RespondResult, error) {
	var res RespondResult
	err := e.WithTx(ctx, func(tx *sql.Tx) error {
		res = RespondResult{}
		open, err := e.ListOpenJobs(ctx, tx, opts.GroupID)
		if err != nil {
			return err
		}
		if len(open) == 0 {
			res.NoJobs = true
			changed, err := e.SetConfirmationMode(ctx, tx, opts.GroupID, false)
			if err != nil {
				return err
			}
			if changed {
				e.logger().Info("confirmation mode left on without jobs; switched off", zap.String("group_id", opts.GroupID))
			}
			return nil
		}
		targets, unknown := resolveTargets(open, SplitTargets(opts.Targets))
		res.Unknown = unknown
		if len(targets) == 0 {
			// Only an untargeted answer with a single open job may default; never guess otherwise.
			if len(unknown) > 0 || len(open) > 1 {
				res.Ambiguous = true
				res.Open = open
				return nil
			}
			targets = open
		}
		for _, oj := range targets {
			r, err := e.respondOne(ctx, tx, oj, opts.UserID, opts.Joinable)
			if err != nil {
				return err
			}
			res.Responses = append(res.Responses, r)
		}
		for _, r := range res.Responses {
			if r.Outcome != Resolved {
				continue
			}
			off, err := e.deactivateIfIdle(ctx, tx, opts.GroupID)
			if err != nil {
				return err
			}
			res.ModeOff = off
			break
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInconsistent) {
			e.logger().Error("respond", zap.String("group_id", opts.GroupID), zap.String("user_id", opts.UserID), zap.Error(err))
		}
		return RespondResult{}, err
	}
	return res, nil
}

// resolveTargets maps each target to an open job by check number, then by task name or short name.
func resolveTargets(open []OpenJob, targets []string) ([]OpenJob, []string) {
	var (
		found   []OpenJob
		unknown []string
		seen    = map[string]bool{}
	)
	for _, t := range targets {
		var match *OpenJob
		if n, err := strconv.Atoi(t); err == nil {
			for i := range open {
				if open[i].Job.CheckNumber == n {
					match = &open[i]
					break
				}
			}
		}
		if match == nil {
			for i := range open {
				task := open[i].Task
				if task.Name == t || (task.ShortName != nil && *task.ShortName == t) {
					match = &open[i]
					break
				}
			}
		}
		if match == nil {
			unknown = append(unknown, t)
			continue
		}
		if !seen[match.Job.ID] {
			seen[match.Job.ID] = true
			found = append(found, *match)
		}
	}
	return found, unknown
}

func (e Engine) respondOne(ctx context.Context, tx *sql.Tx, oj OpenJob, userID string, joinable bool) (Response, error) {
	r := Response{Job: oj.Job, Task: oj.Task}
	ok, err := e.Repo.IsTaskMember(ctx, tx, oj.Task.ID, userID, domain.RoleParticipant)
	if err != nil {
		return r, err
	}
	if !ok {
		r.Outcome = NotParticipant
		return r, nil
	}
	add, drop := domain.RoleJoinable, domain.RoleAbsent
	if !joinable {
		add, drop = drop, add
	}
	if _, err := e.Repo.RemoveTaskMember(ctx, tx, oj.Task.ID, userID, drop); err != nil {
		return r, err
	}
	if _, err := e.Repo.AddTaskMember(ctx, tx, oj.Task.ID, userID, add); err != nil {
		return r, err
	}
	if _, err := e.Repo.AddCheckedUser(ctx, tx, oj.Job.ID, userID, e.now()); err != nil {
		return r, err
	}
	if err := e.events().Append(ctx, tx, events.JobResponded, "task", oj.Task.ID, userID, events.EventPayload{
		"job_id":   oj.Job.ID,
		"joinable": joinable,
	}); err != nil {
		return r, err
	}
	return e.resolveIfQuorum(ctx, tx, r)
}

// resolveIfQuorum deletes the job once every participant has answered.
func (e Engine) resolveIfQuorum(ctx context.Context, tx *sql.Tx, r Response) (Response, error) {
	checked, err := e.Repo.CountCheckedUsers(ctx, tx, r.Job.ID)
	if err != nil {
		return r, err
	}
	required, err := e.Repo.CountTaskMembers(ctx, tx, r.Task.ID, domain.RoleParticipant)
	if err != nil {
		return r, err
	}
	r.Checked, r.Required = checked, required
	if checked < required {
		return r, nil
	}
	deleted, err := e.Repo.DeleteJob(ctx, tx, r.Job.ID)
	if err != nil {
		return r, err
	}
	if !deleted {
		return r, fmt.Errorf("%w: job %s vanished before resolution", ErrInconsistent, r.Job.ID)
	}
	r.Outcome = Resolved
	if r.Joinable, err = e.Repo.ListTaskMembers(ctx, tx, r.Task.ID, domain.RoleJoinable); err != nil {
		return r, err
	}
	if r.Absent, err = e.Repo.ListTaskMembers(ctx, tx, r.Task.ID, domain.RoleAbsent); err != nil {
		return r, err
	}
	err = e.events().Append(ctx, tx, events.JobResolved, "task", r.Task.ID, events.SystemActor, events.EventPayload{
		"job_id":   r.Job.ID,
		"joinable": len(r.Joinable),
		"absent":   len(r.Absent),
	})
	return r, err
}

type PurgeResult struct {
	Jobs        []domain.CheckJob
	Tasks       []string
	Deactivated []string
}

// PurgeOverdue deletes jobs whose task deadline has passed and switches confirmation mode off
// for groups left without jobs. With a positive retention it also deletes tasks that have been
// overdue for longer than the retention.
func (e Engine) PurgeOverdue(ctx context.Context) (PurgeResult, error) {
	var res PurgeResult
	now := e.now()
	err := e.WithTx(ctx, func(tx *sql.Tx) error {
		res = PurgeResult{}
		jobs, err := e.Repo.ListJobsDueBefore(ctx, tx, now)
		if err != nil {
			return err
		}
		touched := map[string]bool{}
		var groups []string
		for _, j := range jobs {
			deleted, err := e.Repo.DeleteJob(ctx, tx, j.ID)
			if err != nil {
				return err
			}
			if !deleted {
				continue
			}
			res.Jobs = append(res.Jobs, j)
			if err := e.events().Append(ctx, tx, events.JobPurged, "task", j.TaskID, events.SystemActor, events.EventPayload{
				"job_id":       j.ID,
				"check_number": j.CheckNumber,
			}); err != nil {
				return err
			}
			if !touched[j.GroupID] {
				touched[j.GroupID] = true
				groups = append(groups, j.GroupID)
			}
		}
		if retention := e.retention(); retention > 0 {
			cutoff := now.Add(-retention)
			stale, err := e.Repo.ListTasks(ctx, tx, repo.TaskFilter{To: &cutoff})
			if err != nil {
				return err
			}
			// Their jobs, if any, were already removed above.
			for _, t := range stale {
				if err := e.Repo.DeleteTask(ctx, tx, t.ID); err != nil {
					return err
				}
				res.Tasks = append(res.Tasks, t.Name)
				if err := e.events().Append(ctx, tx, events.TaskPurged, "task", t.ID, events.SystemActor, events.EventPayload{"name": t.Name}); err != nil {
					return err
				}
			}
		}
		for _, g := range groups {
			off, err := e.deactivateIfIdle(ctx, tx, g)
			if err != nil {
				return err
			}
			if off {
				res.Deactivated = append(res.Deactivated, g)
			}
		}
		return nil
	})
	if err != nil {
		return PurgeResult{}, err
	}
	return res, nil
}

func (e Engine) retention() time.Duration {
	if e.Config == nil {
		return 0
	}
	return e.Config.Checker.OverdueTaskRetention
}

type ResetResult struct {
	Tasks         int64
	Jobs          int64
	ModesDisabled int
}

// ResetChecks clears every progress flag, drops every job and switches confirmation mode off everywhere.
func (e Engine) ResetChecks(ctx context.Context, actorID string) (ResetResult, error) {
	var res ResetResult
	err := e.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		if res.Tasks, err = e.Repo.ResetTaskFlags(ctx, tx); err != nil {
			return err
		}
		if res.Jobs, err = e.Repo.DeleteAllJobs(ctx, tx); err != nil {
			return err
		}
		if res.ModesDisabled, err = e.Repo.RemoveCommandGroupEverywhere(ctx, tx, domain.ConfirmationCommandGroup); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.ChecksReset, "system", "", actorID, events.EventPayload{
			"tasks": res.Tasks,
			"jobs":  res.Jobs,
		})
	})
	return res, err
}
