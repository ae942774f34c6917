package standard

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"lbot/internal/command"
	"lbot/internal/domain"
	"lbot/internal/engine/auth"
	"lbot/internal/repo"
)

func (c *Commands) registerUsers(g *command.Group) {
	g.AddCommand("ユーザー名変更", auth.Editor)(command.Handler{
		Doc: `ユーザー名を変更します。本人かMasterユーザーだけが変更できます。
■コマンド引数
1: 変更するユーザーの今の名前
2: 新しい名前`,
		MinArgs: 2,
		MaxArgs: 2,
		Run:     c.renameUser,
	})
	g.AddCommand("だれ", auth.Watcher)(command.Handler{
		Doc: `ユーザーの情報を表示します。本人かMasterユーザーだけが表示できます。
■コマンド引数
(1: ユーザー名。デフォルトは送信者)`,
		MaxArgs: 1,
		Run:     c.whoIs,
	})
	g.AddCommand("ユーザー権限変更", auth.Master)(command.Handler{
		Doc: `ユーザーの権限を変更します。
■コマンド引数
1: ユーザー名
2: 権限。「Master」「Editor」「Watcher」のいずれか`,
		MinArgs: 2,
		MaxArgs: 2,
		Run:     c.changeAuthority,
	})
	g.AddCommand("どこ", auth.Watcher)(command.Handler{
		Doc: `グループの情報を表示します。Masterユーザーとグループのメンバーだけが表示できます。
■コマンド引数
(1: グループ名。デフォルトは送信元グループ)`,
		MaxArgs: 1,
		Run:     c.whereIs,
	})
	g.AddCommand("グループ名変更", auth.Editor)(command.Handler{
		Doc: `グループ名を変更します。Masterユーザーとグループのメンバーだけが変更できます。
■コマンド引数
1: 新しい名前。二つ指定した場合は「変更するグループ名」「新しい名前」の順`,
		MinArgs: 1,
		MaxArgs: 2,
		Run:     c.renameGroup,
	})
}

func (c *Commands) renameUser(ctx context.Context, src command.Source, params []string) (command.Reply, error) {
	target, err := c.Engine.FindUser(ctx, nil, params[0])
	if err != nil {
		return command.Reply{}, err
	}
	if target.ID != src.User.ID && src.User.Authority != auth.Master {
		return command.Fail("ユーザー名は本人かMasterユーザーしか変更できません。"), nil
	}
	if err := c.Engine.RenameUser(ctx, target.ID, params[1]); err != nil {
		return command.Reply{}, err
	}
	return command.OK(fmt.Sprintf("ユーザー「%s」の名前を「%s」に変更しました。", target.Name, params[1])), nil
}

func (c *Commands) whoIs(ctx context.Context, src command.Source, params []string) (command.Reply, error) {
	target := src.User
	if name := optional(params, 0); name != "" {
		var err error
		if target, err = c.Engine.FindUser(ctx, nil, name); err != nil {
			return command.Reply{}, err
		}
	}
	if target.ID != src.User.ID && src.User.Authority != auth.Master {
		return command.Fail("ユーザー情報は本人かMasterユーザーにしか表示できません。"), nil
	}
	tasks, err := c.Engine.Repo.ListTasks(ctx, nil, repo.TaskFilter{MemberID: target.ID})
	if err != nil {
		return command.Reply{}, err
	}
	var managed, joined []string
	for _, t := range tasks {
		isManager, err := c.Engine.Repo.IsTaskMember(ctx, nil, t.ID, target.ID, domain.RoleManager)
		if err != nil {
			return command.Reply{}, err
		}
		if isManager {
			managed = append(managed, t.Name)
		}
		isParticipant, err := c.Engine.Repo.IsTaskMember(ctx, nil, t.ID, target.ID, domain.RoleParticipant)
		if err != nil {
			return command.Reply{}, err
		}
		if isParticipant {
			joined = append(joined, t.Name)
		}
	}
	groups, err := c.Engine.Repo.ListGroupsOfUser(ctx, nil, target.ID)
	if err != nil {
		return command.Reply{}, err
	}
	var groupNames []string
	for _, g := range groups {
		groupNames = append(groupNames, g.Name)
	}
	var b strings.Builder
	b.WriteString("<ユーザー情報>\n")
	fmt.Fprintf(&b, "■ユーザー名\n%s\n■権限\n%s\n■サービス\n%s\n", target.Name, target.Authority, target.ServiceKind)
	fmt.Fprintf(&b, "■参加グループ\n%s\n■管理タスク\n%s\n■参加タスク\n%s",
		orNone(groupNames, "、"), orNone(managed, "、"), orNone(joined, "、"))
	return command.OK(b.String()), nil
}

func (c *Commands) changeAuthority(ctx context.Context, src command.Source, params []string) (command.Reply, error) {
	level, err := auth.Parse(params[1])
	if err != nil {
		return command.Fail(fmt.Sprintf("権限「%s」は存在しません。", params[1])), nil
	}
	before, err := c.Engine.FindUser(ctx, nil, params[0])
	if err != nil {
		return command.Reply{}, err
	}
	if before.Authority == level {
		return command.OK("変更の必要はありません。"), nil
	}
	after, err := c.Engine.SetAuthority(ctx, src.User, before.Name, level)
	if err != nil {
		return command.Reply{}, err
	}
	return command.OK(fmt.Sprintf("ユーザー「%s」の権限を「%s」から「%s」に変更しました。", after.Name, before.Authority, after.Authority)), nil
}

func (c *Commands) lookupGroup(ctx context.Context, src command.Source, name string) (domain.Group, *command.Reply, error) {
	if name == "" {
		if src.Group == nil {
			rep := command.Fail("グループ外で実行する場合はグループ名を指定してください。")
			return domain.Group{}, &rep, nil
		}
		name = src.Group.Name
	}
	g, err := c.Engine.Repo.GetGroupByName(ctx, nil, name)
	if errors.Is(err, repo.ErrNotFound) {
		rep := command.Fail(fmt.Sprintf("グループ「%s」が見つかりません。", name))
		return g, &rep, nil
	}
	if err != nil {
		return g, nil, err
	}
	if src.User.Authority == auth.Master {
		return g, nil, nil
	}
	member, err := c.Engine.Repo.IsGroupMember(ctx, nil, g.ID, src.User.ID)
	if err != nil {
		return g, nil, err
	}
	if !member {
		rep := command.Fail(fmt.Sprintf("グループ「%s」を扱えるのはMasterユーザーとグループのメンバーだけです。", g.Name))
		return g, &rep, nil
	}
	return g, nil, nil
}

func (c *Commands) whereIs(ctx context.Context, src command.Source, params []string) (command.Reply, error) {
	g, denied, err := c.lookupGroup(ctx, src, optional(params, 0))
	if err != nil || denied != nil {
		return deref(denied), err
	}
	members, err := c.Engine.Repo.ListGroupMembers(ctx, nil, g.ID, repo.GroupMember)
	if err != nil {
		return command.Reply{}, err
	}
	tasks, err := c.Engine.Repo.ListTasks(ctx, nil, repo.TaskFilter{GroupID: g.ID})
	if err != nil {
		return command.Reply{}, err
	}
	var taskNames []string
	for _, t := range tasks {
		taskNames = append(taskNames, t.Name)
	}
	var b strings.Builder
	b.WriteString("<グループ情報>\n")
	fmt.Fprintf(&b, "■グループ名\n%s\n■サービス\n%s\n■メンバー\n%s\n■タスク\n%s",
		g.Name, g.ServiceKind, orNone(userNames(members), "、"), orNone(taskNames, "、"))
	if g.HasCommandGroup(domain.ConfirmationCommandGroup) {
		b.WriteString("\n■モード\nタスク参加確認中")
	}
	return command.OK(b.String()), nil
}

func (c *Commands) renameGroup(ctx context.Context, src command.Source, params []string) (command.Reply, error) {
	target, name := "", params[0]
	if len(params) == 2 {
		target, name = params[0], params[1]
	}
	g, denied, err := c.lookupGroup(ctx, src, target)
	if err != nil || denied != nil {
		return deref(denied), err
	}
	if err := c.Engine.RenameGroup(ctx, g.ID, name); err != nil {
		return command.Reply{}, err
	}
	return command.OK(fmt.Sprintf("グループ「%s」の名前を「%s」に変更しました。", g.Name, name)), nil
}

func deref(r *command.Reply) command.Reply {
	if r == nil {
		return command.Reply{}
	}
	return *r
}
