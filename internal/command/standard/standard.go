// Package standard holds the always-on command group.
package standard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"lbot/internal/command"
	"lbot/internal/engine"
	"lbot/internal/engine/auth"
)

const (
	GroupName = "標準"
	Order     = 100
	Threshold = 0.7
)

const timeLayout = "2006/01/02 15:04"

// Commands are the handlers of the standard group. Chain is consulted by the help command.
type Commands struct {
	Engine engine.Engine
	Chain  *command.Chain
}

// New builds the standard group. chain may still be empty; help reads it at run time.
func New(eng engine.Engine, chain *command.Chain) *command.Group {
	g := command.NewGroup(GroupName, Order)
	g.ValidateOnInit = true
	g.EnableSuggestion = true
	g.SuggestionThreshold = Threshold
	c := &Commands{Engine: eng, Chain: chain}
	c.register(g)
	return g
}

func (c *Commands) register(g *command.Group) {
	g.AddCommand("使い方", auth.Watcher)(command.Handler{
		Doc: `使い方を表示します。コマンドの指定がない場合はコマンドの一覧を表示します。
■コマンド引数
(1: 使い方を見たいコマンド名)`,
		MaxArgs: 1,
		Run:     c.help,
	})
	g.AddCommand("タイムゾーン確認", auth.Watcher)(command.Handler{
		Doc: "日時の解釈と表示に使うタイムゾーンを表示します。",
		Run: c.timezone,
	})
	g.Register(command.Handler{
		Doc: `送信元の情報と指定したパラメータをそのまま返します。
■コマンド引数
(任意の数のパラメータ)`,
		MaxArgs: -1,
		Run:     c.echo,
	},
		command.Name{Name: "テスト", Authority: auth.Master},
		command.Name{Name: "議事録開始", Authority: auth.Editor},
		command.Name{Name: "議事録終了", Authority: auth.Editor},
	)
	c.registerTasks(g)
	c.registerUsers(g)
}

func (c *Commands) help(_ context.Context, src command.Source, params []string) (command.Reply, error) {
	var (
		list []string
		all  []command.Command
	)
	if c.Chain != nil {
		for _, g := range c.Chain.Active(src) {
			for _, cmd := range g.Commands() {
				all = append(all, cmd)
				list = append(list, fmt.Sprintf("■%s(権限：%s)", cmd.Name, cmd.Authority))
			}
		}
	}
	if len(params) == 1 {
		target := command.Normalize(params[0])
		for _, cmd := range all {
			if cmd.Name == target {
				return command.OK(fmt.Sprintf("<「%s」コマンドの使い方>\n■必要権限\n%s\n■説明\n%s", cmd.Name, cmd.Authority, cmd.Handler.Doc)), nil
			}
		}
		return command.OK(fmt.Sprintf("「%s」コマンドは存在しません。\n<コマンド一覧>\n%s", target, strings.Join(list, "\n"))), nil
	}
	var b strings.Builder
	b.WriteString("グループでは「#」を先頭に付けて、個人チャットでは何も付けずにコマンドを送ると実行できます。\n")
	b.WriteString("パラメータは改行で区切って続けます。「使い方」にコマンド名を付けるとそのコマンドの詳しい説明を表示します。\n")
	b.WriteString("<コマンド一覧>\n")
	b.WriteString(strings.Join(list, "\n"))
	return command.OK(b.String()), nil
}

func (c *Commands) timezone(context.Context, command.Source, []string) (command.Reply, error) {
	return command.OK("■デフォルトタイムゾーン\n" + c.Engine.Location().String()), nil
}

func (c *Commands) echo(_ context.Context, src command.Source, params []string) (command.Reply, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "<ユーザー>\nServiceID: %s\nName: %s\n", src.User.ServiceID, src.User.Name)
	if src.Group != nil {
		fmt.Fprintf(&b, "<グループ>\nServiceID: %s\nName: %s\n", src.Group.ServiceID, src.Group.Name)
	}
	b.WriteString("<パラメータ>")
	for i, p := range params {
		fmt.Fprintf(&b, "\n%d: %s", i+1, p)
	}
	return command.OK(b.String()), nil
}

func (c *Commands) formatTime(t time.Time) string {
	return t.In(c.Engine.Location()).Format(timeLayout)
}

// splitNames splits a list of names on ASCII and ideographic commas.
func splitNames(s string) []string {
	return engine.SplitTargets(s)
}

func orNone(items []string, sep string) string {
	if len(items) == 0 {
		return "なし"
	}
	return strings.Join(items, sep)
}
