package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"lbot/internal/domain"
	"lbot/internal/engine/auth"
	"lbot/internal/events"
	"lbot/internal/repo"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	Name       string
	ShortName  string
	Deadline   time.Time
	Importance domain.Importance
	GroupID    string
	// ParticipantIDs defaults to the actor.
	ParticipantIDs []string
	ActorID        string
}

// CreateTask inserts a task whose creator becomes its manager.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	opts.Name = strings.TrimSpace(opts.Name)
	if opts.Name == "" {
		return domain.Task{}, userErrorf("タスク名が空です。")
	}
	if opts.ActorID == "" {
		return domain.Task{}, errors.New("actor is required")
	}
	now := e.now()
	if !opts.Deadline.After(now) {
		return domain.Task{}, userErrorf("期限「%s」は過去の日時です。", FormatDeadline(opts.Deadline, now, e.Location()))
	}
	if len(opts.ParticipantIDs) == 0 {
		opts.ParticipantIDs = []string{opts.ActorID}
	}
	t := domain.Task{
		ID:         uuid.NewString(),
		Name:       opts.Name,
		Deadline:   opts.Deadline,
		Importance: opts.Importance,
		CreatedAt:  repo.FormatTime(now),
	}
	if s := strings.TrimSpace(opts.ShortName); s != "" {
		t.ShortName = &s
	}
	if opts.GroupID != "" {
		t.GroupID = &opts.GroupID
	}
	err := e.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetTaskByName(ctx, tx, t.Name); err == nil {
			return userErrorf("タスク「%s」はすでに存在します。", t.Name)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if t.ShortName != nil {
			if _, err := e.Repo.GetTaskByName(ctx, tx, *t.ShortName); err == nil {
				return userErrorf("短縮名「%s」はすでに使われています。", *t.ShortName)
			} else if !errors.Is(err, repo.ErrNotFound) {
				return err
			}
		}
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return err
		}
		if _, err := e.Repo.AddTaskMember(ctx, tx, t.ID, opts.ActorID, domain.RoleManager); err != nil {
			return err
		}
		for _, id := range opts.ParticipantIDs {
			if _, err := e.Repo.AddTaskMember(ctx, tx, t.ID, id, domain.RoleParticipant); err != nil {
				return err
			}
		}
		return e.events().Append(ctx, tx, events.TaskCreated, "task", t.ID, opts.ActorID, events.EventPayload{
			"name":         t.Name,
			"deadline":     repo.FormatTime(t.Deadline),
			"importance":   t.Importance.String(),
			"participants": len(opts.ParticipantIDs),
		})
	})
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// FindTask looks a task up by name or short name and reports misses as a user error.
func (e Engine) FindTask(ctx context.Context, tx *sql.Tx, name string) (domain.Task, error) {
	t, err := e.Repo.GetTaskByName(ctx, tx, strings.TrimSpace(name))
	if errors.Is(err, repo.ErrNotFound) {
		return t, userErrorf("タスク「%s」は見つかりませんでした。", name)
	}
	return t, err
}

// FindUser looks a user up by name and reports misses as a user error.
func (e Engine) FindUser(ctx context.Context, tx *sql.Tx, name string) (domain.User, error) {
	u, err := e.Repo.GetUserByName(ctx, tx, strings.TrimSpace(name))
	if errors.Is(err, repo.ErrNotFound) {
		return u, userErrorf("ユーザー「%s」は見つかりませんでした。", name)
	}
	return u, err
}

type TaskDetail struct {
	Task         domain.Task
	Group        *domain.Group
	Managers     []domain.User
	Participants []domain.User
	Joinable     []domain.User
	Absent       []domain.User
	Job          *domain.CheckJob
}

func (e Engine) TaskDetail(ctx context.Context, name string) (TaskDetail, error) {
	var d TaskDetail
	t, err := e.FindTask(ctx, nil, name)
	if err != nil {
		return d, err
	}
	d.Task = t
	if t.GroupID != nil {
		g, err := e.Repo.GetGroup(ctx, nil, *t.GroupID)
		if err != nil {
			return d, err
		}
		d.Group = &g
	}
	roles := []struct {
		role string
		dst  *[]domain.User
	}{
		{domain.RoleManager, &d.Managers},
		{domain.RoleParticipant, &d.Participants},
		{domain.RoleJoinable, &d.Joinable},
		{domain.RoleAbsent, &d.Absent},
	}
	for _, r := range roles {
		if *r.dst, err = e.Repo.ListTaskMembers(ctx, nil, t.ID, r.role); err != nil {
			return d, err
		}
	}
	job, err := e.Repo.GetJobByTask(ctx, nil, t.ID)
	if err == nil {
		d.Job = &job
	} else if !errors.Is(err, repo.ErrNotFound) {
		return d, err
	}
	return d, nil
}

// canManage reports whether actor is a manager of the task or a Master.
func (e Engine) canManage(ctx context.Context, tx *sql.Tx, actor domain.User, taskID string) (bool, error) {
	if actor.Authority == auth.Master {
		return true, nil
	}
	return e.Repo.IsTaskMember(ctx, tx, taskID, actor.ID, domain.RoleManager)
}

// CanView reports whether user may see the task: a Master, its managers and participants, and
// members of its group.
func (e Engine) CanView(ctx context.Context, tx *sql.Tx, user domain.User, t domain.Task) (bool, error) {
	if user.Authority == auth.Master {
		return true, nil
	}
	for _, role := range []string{domain.RoleManager, domain.RoleParticipant} {
		ok, err := e.Repo.IsTaskMember(ctx, tx, t.ID, user.ID, role)
		if err != nil || ok {
			return ok, err
		}
	}
	if t.GroupID == nil {
		return false, nil
	}
	return e.Repo.IsGroupMember(ctx, tx, *t.GroupID, user.ID)
}

func (e Engine) editableTask(ctx context.Context, tx *sql.Tx, actor domain.User, name string) (domain.Task, error) {
	t, err := e.FindTask(ctx, tx, name)
	if err != nil {
		return t, err
	}
	ok, err := e.canManage(ctx, tx, actor, t.ID)
	if err != nil {
		return t, err
	}
	if !ok {
		return t, userErrorf("タスク「%s」を編集できるのは管理者かMasterだけです。", t.Name)
	}
	return t, nil
}

// DeleteTask removes a task and its job; only its managers or a Master may do so.
func (e Engine) DeleteTask(ctx context.Context, actor domain.User, name string) (domain.Task, error) {
	var t domain.Task
	err := e.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		if t, err = e.FindTask(ctx, tx, name); err != nil {
			return err
		}
		ok, err := e.canManage(ctx, tx, actor, t.ID)
		if err != nil {
			return err
		}
		if !ok {
			return userErrorf("タスク「%s」を削除できるのは管理者かMasterだけです。", t.Name)
		}
		job, jobErr := e.Repo.GetJobByTask(ctx, tx, t.ID)
		if jobErr != nil && !errors.Is(jobErr, repo.ErrNotFound) {
			return jobErr
		}
		if err := e.Repo.DeleteTask(ctx, tx, t.ID); err != nil {
			return err
		}
		if jobErr == nil {
			if _, err := e.deactivateIfIdle(ctx, tx, job.GroupID); err != nil {
				return err
			}
		}
		return e.events().Append(ctx, tx, events.TaskDeleted, "task", t.ID, actor.ID, events.EventPayload{"name": t.Name})
	})
	return t, err
}

// AddParticipants adds users by name and returns the names actually added.
func (e Engine) AddParticipants(ctx context.Context, actor domain.User, taskName string, userNames []string) ([]string, error) {
	var added []string
	err := e.WithTx(ctx, func(tx *sql.Tx) error {
		added = nil
		t, err := e.editableTask(ctx, tx, actor, taskName)
		if err != nil {
			return err
		}
		for _, n := range userNames {
			u, err := e.FindUser(ctx, tx, n)
			if err != nil {
				return err
			}
			ok, err := e.Repo.AddTaskMember(ctx, tx, t.ID, u.ID, domain.RoleParticipant)
			if err != nil {
				return err
			}
			if ok {
				added = append(added, u.Name)
			}
		}
		return e.events().Append(ctx, tx, events.TaskMembers, "task", t.ID, actor.ID, events.EventPayload{"added": added})
	})
	return added, err
}

// RemoveParticipants drops users from a task together with their answers. If the remaining
// participants have all answered an open job, the job resolves.
func (e Engine) RemoveParticipants(ctx context.Context, actor domain.User, taskName string, userNames []string) ([]string, *Response, error) {
	var (
		removed  []string
		resolved *Response
	)
	err := e.WithTx(ctx, func(tx *sql.Tx) error {
		removed, resolved = nil, nil
		t, err := e.editableTask(ctx, tx, actor, taskName)
		if err != nil {
			return err
		}
		job, jobErr := e.Repo.GetJobByTask(ctx, tx, t.ID)
		if jobErr != nil && !errors.Is(jobErr, repo.ErrNotFound) {
			return jobErr
		}
		for _, n := range userNames {
			u, err := e.FindUser(ctx, tx, n)
			if err != nil {
				return err
			}
			ok, err := e.Repo.RemoveTaskMember(ctx, tx, t.ID, u.ID, domain.RoleParticipant)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			removed = append(removed, u.Name)
			for _, role := range []string{domain.RoleJoinable, domain.RoleAbsent} {
				if _, err := e.Repo.RemoveTaskMember(ctx, tx, t.ID, u.ID, role); err != nil {
					return err
				}
			}
			if jobErr == nil {
				if err := e.Repo.RemoveCheckedUser(ctx, tx, job.ID, u.ID); err != nil {
					return err
				}
			}
		}
		if err := e.events().Append(ctx, tx, events.TaskMembers, "task", t.ID, actor.ID, events.EventPayload{"removed": removed}); err != nil {
			return err
		}
		if jobErr != nil || len(removed) == 0 {
			return nil
		}
		// With nobody left to answer the job resolves as well.
		r, err := e.resolveIfQuorum(ctx, tx, Response{Job: job, Task: t, Outcome: Recorded})
		if err != nil {
			return err
		}
		if r.Outcome == Resolved {
			resolved = &r
			_, err = e.deactivateIfIdle(ctx, tx, job.GroupID)
		}
		return err
	})
	return removed, resolved, err
}
