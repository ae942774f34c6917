// Package confirm holds the opt-in command group used while a group answers attendance checks.
package confirm

import (
	"context"
	"fmt"
	"strings"

	"lbot/internal/command"
	"lbot/internal/command/standard"
	"lbot/internal/domain"
	"lbot/internal/engine"
	"lbot/internal/engine/auth"
)

const (
	Order     = 50
	Threshold = 0.8
)

const doc = `タスクに参加%sことを伝えます。
■コマンド引数
(1: 対象の確認番号かタスク名。「,」か「、」区切りで複数指定可能。確認中のタスクが一つだけなら省略可能)`

type Commands struct {
	Engine engine.Engine
}

func New(eng engine.Engine) *command.Group {
	g := command.NewGroup(domain.ConfirmationCommandGroup, Order)
	g.EnableSuggestion = true
	g.EnableAutoCorrection = true
	g.SuggestionThreshold = Threshold
	c := &Commands{Engine: eng}
	g.AddCommand("できる", auth.Watcher)(command.Handler{
		Doc:     fmt.Sprintf(doc, "できる"),
		MaxArgs: -1,
		Run:     c.respond(true),
	})
	g.AddCommand("できない", auth.Watcher)(command.Handler{
		Doc:     fmt.Sprintf(doc, "できない"),
		MaxArgs: -1,
		Run:     c.respond(false),
	})
	return g
}

func (c *Commands) respond(joinable bool) command.HandlerFunc {
	return func(ctx context.Context, src command.Source, params []string) (command.Reply, error) {
		if src.Group == nil {
			return command.Fail("参加確認への回答はグループ内で行ってください。"), nil
		}
		res, err := c.Engine.Respond(ctx, engine.RespondOptions{
			GroupID:  src.Group.ID,
			UserID:   src.User.ID,
			Targets:  strings.Join(params, ","),
			Joinable: joinable,
		})
		if err != nil {
			return command.Reply{}, err
		}
		return c.format(res, joinable), nil
	}
}

func (c *Commands) format(res engine.RespondResult, joinable bool) command.Reply {
	if res.NoJobs {
		return command.OK("参加確認中のタスクはありません。")
	}
	var errs []string
	for _, u := range res.Unknown {
		errs = append(errs, fmt.Sprintf("「%s」に当たる参加確認中のタスクはありません。", u))
	}
	if res.Ambiguous {
		return command.OK(c.Disambiguation(res.Open, joinable), errs...)
	}
	answer := "できる"
	if !joinable {
		answer = "できない"
	}
	var lines []string
	for _, r := range res.Responses {
		switch r.Outcome {
		case engine.NotParticipant:
			errs = append(errs, fmt.Sprintf("タスク「%s」の参加者ではないので回答できません。", r.Task.Name))
		case engine.Recorded:
			lines = append(lines, fmt.Sprintf("タスク「%s」に参加%sと受け付けました。(回答 %d/%d)", r.Task.Name, answer, r.Checked, r.Required))
		case engine.Resolved:
			lines = append(lines, standard.ResolvedSummary(r))
		}
	}
	if len(lines) == 0 {
		return command.Fail(errs...)
	}
	if res.ModeOff {
		lines = append(lines, "確認中のタスクがなくなったので、参加確認を終わります。")
	}
	return command.OK(strings.Join(lines, "\n"), errs...)
}

// Disambiguation lists the open jobs and shows how to answer one of them.
func (c *Commands) Disambiguation(open []engine.OpenJob, joinable bool) string {
	cmd := "できる"
	if !joinable {
		cmd = "できない"
	}
	now, loc := c.Engine.LocalNow(), c.Engine.Location()
	lines := []string{"どのタスクへの回答か、確認番号かタスク名で指定してください。"}
	for _, oj := range open {
		lines = append(lines, fmt.Sprintf("%d. %s(期限: %s)", oj.Job.CheckNumber, oj.Task.Name, engine.FormatDeadline(oj.Task.Deadline, now, loc)))
	}
	if len(open) > 0 {
		lines = append(lines, fmt.Sprintf("例: #%s\n%d", cmd, open[0].Job.CheckNumber))
	}
	return strings.Join(lines, "\n")
}
