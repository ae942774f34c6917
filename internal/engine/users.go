package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"lbot/internal/domain"
	"lbot/internal/engine/auth"
	"lbot/internal/events"
	"lbot/internal/repo"
)

// EnsureUser returns the user bound to a chat-service account, registering a Watcher with a
// unique name derived from displayName when none exists. The bool reports registration.
func (e Engine) EnsureUser(ctx context.Context, kind, serviceID, displayName string) (domain.User, bool, error) {
	var (
		u       domain.User
		created bool
	)
	err := e.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		u, err = e.Repo.GetUserByService(ctx, tx, kind, serviceID)
		if err == nil || !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		base := strings.TrimSpace(displayName)
		if base == "" {
			base = "ユーザー"
		}
		name, err := e.Repo.UniqueUserName(ctx, tx, base)
		if err != nil {
			return err
		}
		u = domain.User{
			ID:          uuid.NewString(),
			Name:        name,
			Authority:   auth.Watcher,
			ServiceKind: kind,
			ServiceID:   serviceID,
			CreatedAt:   repo.FormatTime(e.now()),
		}
		if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
			return err
		}
		created = true
		return e.events().Append(ctx, tx, events.UserRegistered, "user", u.ID, u.ID, events.EventPayload{"name": u.Name, "service_kind": kind})
	})
	return u, created, err
}

// EnsureGroup returns the group bound to a chat-service room, registering it when absent.
func (e Engine) EnsureGroup(ctx context.Context, kind, serviceID, displayName string) (domain.Group, bool, error) {
	var (
		g       domain.Group
		created bool
	)
	err := e.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		g, err = e.Repo.GetGroupByService(ctx, tx, kind, serviceID)
		if err == nil || !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		base := strings.TrimSpace(displayName)
		if base == "" {
			base = "グループ"
		}
		name, err := e.Repo.UniqueGroupName(ctx, tx, base)
		if err != nil {
			return err
		}
		g = domain.Group{
			ID:          uuid.NewString(),
			Name:        name,
			ServiceKind: kind,
			ServiceID:   serviceID,
			CreatedAt:   repo.FormatTime(e.now()),
		}
		if err := e.Repo.InsertGroup(ctx, tx, g); err != nil {
			return err
		}
		created = true
		return e.events().Append(ctx, tx, events.GroupRegistered, "group", g.ID, events.SystemActor, events.EventPayload{"name": g.Name, "service_kind": kind})
	})
	return g, created, err
}

// SetAuthority changes target's authority. Only a Master may do it, the last Master cannot be
// demoted, and a task manager cannot become a Watcher.
func (e Engine) SetAuthority(ctx context.Context, actor domain.User, targetName string, level auth.Authority) (domain.User, error) {
	if err := auth.Require(actor.Authority, auth.Master); err != nil {
		return domain.User{}, err
	}
	var target domain.User
	err := e.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		if target, err = e.FindUser(ctx, tx, targetName); err != nil {
			return err
		}
		if target.Authority == level {
			return nil
		}
		if target.Authority == auth.Master {
			n, err := e.Repo.CountUsersWithAuthority(ctx, tx, auth.Master)
			if err != nil {
				return err
			}
			if n <= 1 {
				return userErrorf("Masterが一人もいなくなるため、「%s」の権限は変更できません。", target.Name)
			}
		}
		if level == auth.Watcher {
			managed, err := e.Repo.ListTasks(ctx, tx, repo.TaskFilter{MemberID: target.ID})
			if err != nil {
				return err
			}
			for _, t := range managed {
				ok, err := e.Repo.IsTaskMember(ctx, tx, t.ID, target.ID, domain.RoleManager)
				if err != nil {
					return err
				}
				if ok {
					return userErrorf("「%s」はタスク「%s」の管理者なのでWatcherにはできません。", target.Name, t.Name)
				}
			}
		}
		prev := target.Authority
		if err := e.Repo.SetUserAuthority(ctx, tx, target.ID, level); err != nil {
			return err
		}
		target.Authority = level
		return e.events().Append(ctx, tx, events.UserAuthority, "user", target.ID, actor.ID, events.EventPayload{
			"from": prev.String(),
			"to":   level.String(),
		})
	})
	return target, err
}

// BootstrapAuthority sets a user's authority without an acting user. It is meant for operators.
func (e Engine) BootstrapAuthority(ctx context.Context, name string, level auth.Authority) (domain.User, error) {
	return e.SetAuthority(ctx, domain.User{ID: events.SystemActor, Authority: auth.Master}, name, level)
}

func (e Engine) RenameUser(ctx context.Context, userID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return userErrorf("名前が空です。")
	}
	err := e.Repo.RenameUser(ctx, nil, userID, name)
	if err != nil && strings.Contains(err.Error(), "already used") {
		return userErrorf("名前「%s」はすでに使われています。", name)
	}
	return err
}

func (e Engine) RenameGroup(ctx context.Context, groupID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return userErrorf("名前が空です。")
	}
	err := e.Repo.RenameGroup(ctx, nil, groupID, name)
	if err != nil && strings.Contains(err.Error(), "already used") {
		return userErrorf("グループ名「%s」はすでに使われています。", name)
	}
	return err
}

// EnsureMember records that the user spoke in the group.
func (e Engine) EnsureMember(ctx context.Context, groupID, userID string) error {
	_, err := e.Repo.AddGroupMember(ctx, nil, groupID, userID, repo.GroupMember)
	return err
}
