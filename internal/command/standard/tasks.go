package standard

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"lbot/internal/command"
	"lbot/internal/domain"
	"lbot/internal/engine"
	"lbot/internal/engine/auth"
	"lbot/internal/repo"
)

// everyone selects every member of the task's group as participants.
const everyone = "全員"

// skip leaves an optional positional parameter at its default.
const skip = "-"

func (c *Commands) registerTasks(g *command.Group) {
	g.AddCommand("タスク追加", auth.Editor)(command.Handler{
		Doc: `タスクを追加します。
送信者がタスク管理者になります。参加者には期限が近づくと通知されます。
グループ内で実行した場合、関連グループはそのグループだけを指定できます。
■コマンド引数
1: タスク名
2: 期限。「年/月/日 時:分」の形式。年と時刻は省略可能。「明日 10:00」のようにも指定可能
(3: 重要度。「高」「中」「低」のいずれか。デフォルトは「中」)
(4: 参加者。「,」か「、」区切り。「全員」で関連グループの全員。デフォルトは送信者)
(5: 関連グループ名。デフォルトは送信元グループ)
省略した引数の後ろを指定するときは「-」を入れてください。`,
		MinArgs: 2,
		MaxArgs: 5,
		Run:     c.addTask,
	})
	g.AddCommand("タスク列挙", auth.Watcher)(command.Handler{
		Doc: `タスクの一覧を表示します。
グループ内で実行した場合はそのグループのタスクだけを表示します。
■コマンド引数
(1: 「グループ」か「ユーザー」。デフォルトは両方)
(2: グループ名かユーザー名。デフォルトは送信元)`,
		MaxArgs: 2,
		Run:     c.listTasks,
	})
	g.AddCommand("タスク詳細", auth.Watcher)(command.Handler{
		Doc: `タスクの詳細を表示します。
Masterユーザー、タスクの管理者と参加者、関連グループのメンバーだけが表示できます。
■コマンド引数
1: タスク名か短縮名`,
		MinArgs: 1,
		MaxArgs: 1,
		Run:     c.taskDetail,
	})
	g.AddCommand("タスク削除", auth.Editor)(command.Handler{
		Doc: `タスクを削除します。
Masterユーザーとタスクの管理者だけが削除できます。
■コマンド引数
1: タスク名か短縮名`,
		MinArgs: 1,
		MaxArgs: 1,
		Run:     c.deleteTask,
	})
	g.AddCommand("参加者追加", auth.Editor)(command.Handler{
		Doc: `タスクに参加者を追加します。
■コマンド引数
1: タスク名か短縮名
2: 追加するユーザー名。「,」か「、」区切りで複数指定可能`,
		MinArgs: 2,
		MaxArgs: 2,
		Run:     c.addParticipants,
	})
	g.AddCommand("参加者削除", auth.Editor)(command.Handler{
		Doc: `タスクから参加者を外します。参加確認中なら、その人の回答も取り消されます。
■コマンド引数
1: タスク名か短縮名
2: 外すユーザー名。「,」か「、」区切りで複数指定可能`,
		MinArgs: 2,
		MaxArgs: 2,
		Run:     c.removeParticipants,
	})
	g.AddCommand("確認状況", auth.Watcher)(command.Handler{
		Doc: "このグループで参加確認中のタスクと回答数を表示します。",
		Run: c.checkStatus,
	})
}

func optional(params []string, i int) string {
	if i >= len(params) || params[i] == skip {
		return ""
	}
	return params[i]
}

func (c *Commands) addTask(ctx context.Context, src command.Source, params []string) (command.Reply, error) {
	name := params[0]
	now := c.Engine.LocalNow()
	deadline, err := ParseDeadline(params[1], now, c.Engine.Location())
	if err != nil {
		return command.Fail(fmt.Sprintf("期限「%s」を日時として読めませんでした。", params[1])), nil
	}
	importance := domain.Middle
	if s := optional(params, 2); s != "" {
		if importance, err = domain.ParseImportance(s); err != nil {
			return command.Fail(fmt.Sprintf("重要度「%s」は使えません。重要度は「高」「中」「低」のいずれかです。", s)), nil
		}
	}

	var group *domain.Group
	groupLabel := "なし"
	if gname := optional(params, 4); gname != "" {
		if src.Group != nil && gname != src.Group.Name {
			return command.Fail("グループ内ではそのグループしか関連グループに指定できません。"), nil
		}
		g, err := c.Engine.Repo.GetGroupByName(ctx, nil, gname)
		if errors.Is(err, repo.ErrNotFound) {
			return command.Fail(fmt.Sprintf("グループ「%s」が見つかりません。", gname)), nil
		}
		if err != nil {
			return command.Reply{}, err
		}
		group, groupLabel = &g, g.Name
	} else if src.Group != nil {
		group, groupLabel = src.Group, "このグループ"
	}

	var (
		errs  []string
		ids   []string
		names []string
	)
	switch members := optional(params, 3); {
	case members == everyone:
		if group == nil {
			return command.Fail("参加者に「全員」が指定されましたが、関連グループがありません。"), nil
		}
		users, err := c.Engine.Repo.ListGroupMembers(ctx, nil, group.ID, repo.GroupMember)
		if err != nil {
			return command.Reply{}, err
		}
		for _, u := range users {
			ids, names = append(ids, u.ID), append(names, u.Name)
		}
	case members != "":
		seen := map[string]bool{}
		for _, n := range splitNames(members) {
			u, err := c.Engine.FindUser(ctx, nil, n)
			if err != nil {
				var ue engine.UserError
				if !errors.As(err, &ue) {
					return command.Reply{}, err
				}
				errs = append(errs, fmt.Sprintf("ユーザー「%s」が見つからないため、参加者に追加できませんでした。", n))
				continue
			}
			if !seen[u.ID] {
				seen[u.ID] = true
				ids, names = append(ids, u.ID), append(names, u.Name)
			}
		}
	}
	if len(ids) == 0 {
		ids, names = []string{src.User.ID}, []string{src.User.Name}
	}

	opts := engine.TaskCreateOptions{
		Name:           name,
		Deadline:       deadline,
		Importance:     importance,
		ParticipantIDs: ids,
		ActorID:        src.User.ID,
	}
	if group != nil {
		opts.GroupID = group.ID
	}
	t, err := c.Engine.CreateTask(ctx, opts)
	if err != nil {
		return command.Reply{Errors: errs}, err
	}
	text := fmt.Sprintf("「%s」タスクを重要度「%s」で作成し、期限を%sに設定しました。\n■関連グループ\n%s\n■参加者\n%s",
		t.Name, t.Importance.Label(), c.formatTime(t.Deadline), groupLabel, strings.Join(names, "、"))
	return command.OK(text, errs...), nil
}

func (c *Commands) listTasks(ctx context.Context, src command.Source, params []string) (command.Reply, error) {
	target, name := optional(params, 0), optional(params, 1)
	switch target {
	case "グループ":
		if src.Group == nil && name == "" {
			return command.Fail("グループ外で実行する場合はグループ名を指定してください。"), nil
		}
		if name == "" {
			name = src.Group.Name
		}
		return c.groupTasks(ctx, src, name)
	case "ユーザー":
		if name == "" {
			name = src.User.Name
		}
		return c.userTasks(ctx, src, name)
	case "":
		rep, err := c.userTasks(ctx, src, src.User.Name)
		if err != nil || rep.Failed || src.Group == nil {
			return rep, err
		}
		grp, err := c.groupTasks(ctx, src, src.Group.Name)
		if err != nil {
			return rep, err
		}
		rep.Errors = append(rep.Errors, grp.Errors...)
		rep.Text += "\n" + grp.Text
		return rep, nil
	default:
		return command.Fail(fmt.Sprintf("「%s」は指定できません。「グループ」か「ユーザー」を指定してください。", target)), nil
	}
}

func (c *Commands) userTasks(ctx context.Context, src command.Source, name string) (command.Reply, error) {
	u, err := c.Engine.FindUser(ctx, nil, name)
	if err != nil {
		return command.Reply{}, err
	}
	f := repo.TaskFilter{MemberID: u.ID}
	if src.Group != nil {
		f.GroupID = src.Group.ID
	}
	tasks, err := c.Engine.Repo.ListTasks(ctx, nil, f)
	if err != nil {
		return command.Reply{}, err
	}
	lines, err := c.visibleLines(ctx, src.User, tasks)
	if err != nil {
		return command.Reply{}, err
	}
	return command.OK(fmt.Sprintf("■ユーザー「%s」のタスク一覧\n%s", u.Name, orNone(lines, "\n"))), nil
}

func (c *Commands) groupTasks(ctx context.Context, src command.Source, name string) (command.Reply, error) {
	g, err := c.Engine.Repo.GetGroupByName(ctx, nil, name)
	if errors.Is(err, repo.ErrNotFound) {
		return command.Fail(fmt.Sprintf("グループ「%s」が見つかりません。", name)), nil
	}
	if err != nil {
		return command.Reply{}, err
	}
	tasks, err := c.Engine.Repo.ListTasks(ctx, nil, repo.TaskFilter{GroupID: g.ID})
	if err != nil {
		return command.Reply{}, err
	}
	lines, err := c.visibleLines(ctx, src.User, tasks)
	if err != nil {
		return command.Reply{}, err
	}
	return command.OK(fmt.Sprintf("■グループ「%s」のタスク一覧\n%s", g.Name, orNone(lines, "\n"))), nil
}

func (c *Commands) visibleLines(ctx context.Context, viewer domain.User, tasks []domain.Task) ([]string, error) {
	var lines []string
	for _, t := range tasks {
		ok, err := c.Engine.CanView(ctx, nil, viewer, t)
		if err != nil {
			return nil, err
		}
		if ok {
			lines = append(lines, fmt.Sprintf("%s: %s", t.Name, c.formatTime(t.Deadline)))
		}
	}
	return lines, nil
}

func userNames(users []domain.User) []string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = u.Name
	}
	return out
}

func (c *Commands) taskDetail(ctx context.Context, src command.Source, params []string) (command.Reply, error) {
	d, err := c.Engine.TaskDetail(ctx, params[0])
	if err != nil {
		return command.Reply{}, err
	}
	notFound := command.Fail(fmt.Sprintf("タスク「%s」は見つかりませんでした。", params[0]))
	if src.Group != nil && (d.Task.GroupID == nil || *d.Task.GroupID != src.Group.ID) {
		return notFound, nil
	}
	ok, err := c.Engine.CanView(ctx, nil, src.User, d.Task)
	if err != nil {
		return command.Reply{}, err
	}
	if !ok {
		return command.Fail("このタスクを表示する権限がありません。表示できるのはMasterユーザー、タスクの管理者と参加者、関連グループのメンバーだけです。"), nil
	}
	short := "未設定"
	if d.Task.ShortName != nil {
		short = *d.Task.ShortName
	}
	group := "なし"
	if d.Group != nil {
		group = d.Group.Name
	}
	var b strings.Builder
	b.WriteString("<タスク詳細>\n")
	fmt.Fprintf(&b, "■名前\n%s\n■短縮名\n%s\n■期限\n%s\n■重要度\n%s\n■関連グループ\n%s\n",
		d.Task.Name, short, c.formatTime(d.Task.Deadline), d.Task.Importance.Label(), group)
	fmt.Fprintf(&b, "■管理者\n%s\n■参加者\n%s", orNone(userNames(d.Managers), "、"), orNone(userNames(d.Participants), "、"))
	if d.Job != nil {
		fmt.Fprintf(&b, "\n■参加確認\n確認番号%d\n参加できる: %s\n参加できない: %s",
			d.Job.CheckNumber, orNone(userNames(d.Joinable), "、"), orNone(userNames(d.Absent), "、"))
	}
	return command.OK(b.String()), nil
}

func (c *Commands) deleteTask(ctx context.Context, src command.Source, params []string) (command.Reply, error) {
	t, err := c.Engine.DeleteTask(ctx, src.User, params[0])
	if err != nil {
		return command.Reply{}, err
	}
	return command.OK(fmt.Sprintf("タスク「%s」を削除しました。", t.Name)), nil
}

func (c *Commands) addParticipants(ctx context.Context, src command.Source, params []string) (command.Reply, error) {
	added, err := c.Engine.AddParticipants(ctx, src.User, params[0], splitNames(params[1]))
	if err != nil {
		return command.Reply{}, err
	}
	if len(added) == 0 {
		return command.OK("追加された参加者はいません。"), nil
	}
	return command.OK(fmt.Sprintf("タスク「%s」に%sを追加しました。", params[0], strings.Join(added, "、"))), nil
}

func (c *Commands) removeParticipants(ctx context.Context, src command.Source, params []string) (command.Reply, error) {
	removed, resolved, err := c.Engine.RemoveParticipants(ctx, src.User, params[0], splitNames(params[1]))
	if err != nil {
		return command.Reply{}, err
	}
	if len(removed) == 0 {
		return command.OK("外された参加者はいません。"), nil
	}
	text := fmt.Sprintf("タスク「%s」から%sを外しました。", params[0], strings.Join(removed, "、"))
	if resolved != nil {
		text += "\n" + ResolvedSummary(*resolved)
	}
	return command.OK(text), nil
}

func (c *Commands) checkStatus(ctx context.Context, src command.Source, _ []string) (command.Reply, error) {
	if src.Group == nil {
		return command.Fail("参加確認の状況はグループ内でのみ確認できます。"), nil
	}
	open, err := c.Engine.ListOpenJobs(ctx, nil, src.Group.ID)
	if err != nil {
		return command.Reply{}, err
	}
	if len(open) == 0 {
		return command.OK("参加確認中のタスクはありません。"), nil
	}
	lines := []string{"■参加確認中のタスク"}
	for _, oj := range open {
		checked, err := c.Engine.Repo.CountCheckedUsers(ctx, nil, oj.Job.ID)
		if err != nil {
			return command.Reply{}, err
		}
		required, err := c.Engine.Repo.CountTaskMembers(ctx, nil, oj.Task.ID, domain.RoleParticipant)
		if err != nil {
			return command.Reply{}, err
		}
		lines = append(lines, fmt.Sprintf("%d. %s(期限: %s) 回答 %d/%d",
			oj.Job.CheckNumber, oj.Task.Name, engine.FormatDeadline(oj.Task.Deadline, c.Engine.LocalNow(), c.Engine.Location()), checked, required))
	}
	return command.OK(strings.Join(lines, "\n")), nil
}

// ResolvedSummary describes a finished confirmation round.
func ResolvedSummary(r engine.Response) string {
	return fmt.Sprintf("タスク「%s」の参加確認が終わりました。\n■参加できる\n%s\n■参加できない\n%s",
		r.Task.Name, orNone(userNames(r.Joinable), "、"), orNone(userNames(r.Absent), "、"))
}
