package repo

import (
	"context"
	"database/sql"
	"fmt"

	"lbot/internal/domain"
	"lbot/internal/engine/auth"
)

const userColumns = `id,name,authority,service_kind,service_id,command_groups,created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (domain.User, error) {
	var (
		u         domain.User
		authority string
		groups    string
	)
	if err := row.Scan(&u.ID, &u.Name, &authority, &u.ServiceKind, &u.ServiceID, &groups, &u.CreatedAt); err != nil {
		return u, err
	}
	a, err := auth.Parse(authority)
	if err != nil {
		return u, fmt.Errorf("user %s: %w", u.ID, err)
	}
	u.Authority = a
	u.CommandGroups = domain.SplitSet(groups)
	return u, nil
}

func (r Repo) queryUsers(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.User, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) getUser(ctx context.Context, tx *sql.Tx, key, where string, args ...any) (domain.User, error) {
	u, err := scanUser(r.q(tx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, args...))
	if err == sql.ErrNoRows {
		return u, notFound("user", key)
	}
	return u, err
}

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO users(`+userColumns+`) VALUES (?,?,?,?,?,?,?)`,
		u.ID, u.Name, u.Authority.String(), u.ServiceKind, u.ServiceID, domain.JoinSet(u.CommandGroups), u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	return r.getUser(ctx, tx, id, `id=?`, id)
}

func (r Repo) GetUserByName(ctx context.Context, tx *sql.Tx, name string) (domain.User, error) {
	return r.getUser(ctx, tx, name, `name=?`, name)
}

func (r Repo) GetUserByService(ctx context.Context, tx *sql.Tx, kind, serviceID string) (domain.User, error) {
	return r.getUser(ctx, tx, kind+":"+serviceID, `service_kind=? AND service_id=?`, kind, serviceID)
}

func (r Repo) ListUsers(ctx context.Context, tx *sql.Tx) ([]domain.User, error) {
	return r.queryUsers(ctx, tx, `SELECT `+userColumns+` FROM users ORDER BY created_at, name`)
}

// UniqueUserName returns base, or base with the smallest numeric suffix that is not taken.
func (r Repo) UniqueUserName(ctx context.Context, tx *sql.Tx, base string) (string, error) {
	return r.uniqueName(ctx, tx, "users", base)
}

func (r Repo) uniqueName(ctx context.Context, tx *sql.Tx, table, base string) (string, error) {
	candidate := base
	for i := 1; ; i++ {
		var n int
		if err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(1) FROM `+table+` WHERE name=?`, candidate).Scan(&n); err != nil {
			return "", err
		}
		if n == 0 {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s%d", base, i)
	}
}

func (r Repo) RenameUser(ctx context.Context, tx *sql.Tx, id, name string) error {
	return r.rename(ctx, tx, "users", "user", id, name)
}

func (r Repo) rename(ctx context.Context, tx *sql.Tx, table, entity, id, name string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE `+table+` SET name=? WHERE id=?`, name, id)
	if isUniqueViolation(err) {
		return fmt.Errorf("%s name %q already used", entity, name)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(entity, id)
	}
	return nil
}

func (r Repo) SetUserAuthority(ctx context.Context, tx *sql.Tx, id string, a auth.Authority) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE users SET authority=? WHERE id=?`, a.String(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("user", id)
	}
	return nil
}

func (r Repo) CountUsersWithAuthority(ctx context.Context, tx *sql.Tx, a auth.Authority) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE authority=?`, a.String()).Scan(&n)
	return n, err
}

func (r Repo) SetUserCommandGroups(ctx context.Context, tx *sql.Tx, id string, groups []string) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE users SET command_groups=? WHERE id=?`, domain.JoinSet(groups), id)
	return err
}

const groupColumns = `id,name,service_kind,service_id,command_groups,created_at`

func scanGroup(row rowScanner) (domain.Group, error) {
	var (
		g      domain.Group
		groups string
	)
	if err := row.Scan(&g.ID, &g.Name, &g.ServiceKind, &g.ServiceID, &groups, &g.CreatedAt); err != nil {
		return g, err
	}
	g.CommandGroups = domain.SplitSet(groups)
	return g, nil
}

func (r Repo) getGroup(ctx context.Context, tx *sql.Tx, key, where string, args ...any) (domain.Group, error) {
	g, err := scanGroup(r.q(tx).QueryRowContext(ctx, `SELECT `+groupColumns+` FROM chat_groups WHERE `+where, args...))
	if err == sql.ErrNoRows {
		return g, notFound("group", key)
	}
	return g, err
}

func (r Repo) InsertGroup(ctx context.Context, tx *sql.Tx, g domain.Group) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO chat_groups(`+groupColumns+`) VALUES (?,?,?,?,?,?)`,
		g.ID, g.Name, g.ServiceKind, g.ServiceID, domain.JoinSet(g.CommandGroups), g.CreatedAt)
	return err
}

func (r Repo) GetGroup(ctx context.Context, tx *sql.Tx, id string) (domain.Group, error) {
	return r.getGroup(ctx, tx, id, `id=?`, id)
}

func (r Repo) GetGroupByName(ctx context.Context, tx *sql.Tx, name string) (domain.Group, error) {
	return r.getGroup(ctx, tx, name, `name=?`, name)
}

func (r Repo) GetGroupByService(ctx context.Context, tx *sql.Tx, kind, serviceID string) (domain.Group, error) {
	return r.getGroup(ctx, tx, kind+":"+serviceID, `service_kind=? AND service_id=?`, kind, serviceID)
}

func (r Repo) ListGroups(ctx context.Context, tx *sql.Tx) ([]domain.Group, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+groupColumns+` FROM chat_groups ORDER BY created_at, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

func (r Repo) UniqueGroupName(ctx context.Context, tx *sql.Tx, base string) (string, error) {
	return r.uniqueName(ctx, tx, "chat_groups", base)
}

func (r Repo) RenameGroup(ctx context.Context, tx *sql.Tx, id, name string) error {
	return r.rename(ctx, tx, "chat_groups", "group", id, name)
}

func (r Repo) SetGroupCommandGroups(ctx context.Context, tx *sql.Tx, id string, groups []string) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE chat_groups SET command_groups=? WHERE id=?`, domain.JoinSet(groups), id)
	return err
}

// RemoveCommandGroupEverywhere drops name from every user's and group's active set.
func (r Repo) RemoveCommandGroupEverywhere(ctx context.Context, tx *sql.Tx, name string) (int, error) {
	changed := 0
	groups, err := r.ListGroups(ctx, tx)
	if err != nil {
		return 0, err
	}
	for _, g := range groups {
		if !g.HasCommandGroup(name) {
			continue
		}
		if err := r.SetGroupCommandGroups(ctx, tx, g.ID, domain.RemoveFromSet(g.CommandGroups, name)); err != nil {
			return changed, err
		}
		changed++
	}
	users, err := r.ListUsers(ctx, tx)
	if err != nil {
		return changed, err
	}
	for _, u := range users {
		if !u.HasCommandGroup(name) {
			continue
		}
		if err := r.SetUserCommandGroups(ctx, tx, u.ID, domain.RemoveFromSet(u.CommandGroups, name)); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// Group member roles.
const (
	GroupMember  = "member"
	GroupManager = "manager"
)

// AddGroupMember is idempotent and reports whether a row was added.
func (r Repo) AddGroupMember(ctx context.Context, tx *sql.Tx, groupID, userID, role string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO group_members(group_id,user_id,role) VALUES (?,?,?)`, groupID, userID, role)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) ListGroupMembers(ctx context.Context, tx *sql.Tx, groupID, role string) ([]domain.User, error) {
	return r.queryUsers(ctx, tx, `SELECT u.id,u.name,u.authority,u.service_kind,u.service_id,u.command_groups,u.created_at
FROM users u JOIN group_members m ON m.user_id=u.id
WHERE m.group_id=? AND m.role=? ORDER BY u.name`, groupID, role)
}

func (r Repo) IsGroupMember(ctx context.Context, tx *sql.Tx, groupID, userID string) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(1) FROM group_members WHERE group_id=? AND user_id=?`, groupID, userID).Scan(&n)
	return n > 0, err
}

// ListGroupsOfUser returns the groups the user belongs to in any role.
func (r Repo) ListGroupsOfUser(ctx context.Context, tx *sql.Tx, userID string) ([]domain.Group, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+groupColumns+` FROM chat_groups
WHERE id IN (SELECT group_id FROM group_members WHERE user_id=?) ORDER BY name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}
