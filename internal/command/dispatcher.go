package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"lbot/internal/engine/auth"
)

// InternalErrorLine is shown instead of the details of unexpected failures.
const InternalErrorLine = "内部エラーが発生しました。"

// Fallback answers text that matched no command.
type Fallback interface {
	Reply(ctx context.Context, text string) string
}

// Dispatcher runs commands through a Chain. It never panics and never returns an error;
// every outcome is reply text.
type Dispatcher struct {
	Chain    *Chain
	Fallback Fallback
	Log      *zap.Logger
}

func NewDispatcher(chain *Chain, fallback Fallback, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{Chain: chain, Fallback: fallback, Log: log}
}

func (d *Dispatcher) logger() *zap.Logger {
	if d.Log == nil {
		return zap.NewNop()
	}
	return d.Log
}

// Dispatch resolves token to a command and runs it with params.
//
// An exact match in any active group wins over suggestions. Without one, groups with
// suggestion enabled are tried in chain order: a single close name is run directly under
// auto-correction or offered otherwise, several close names are all offered. Text matching
// nothing goes to the fallback.
func (d *Dispatcher) Dispatch(ctx context.Context, token string, params []string, src Source) (reply string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger().Error("dispatch panic",
				zap.String("token", token),
				zap.String("user_id", src.User.ID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			reply = InternalErrorLine
		}
	}()
	token = Normalize(token)
	if token == "" {
		return NoReply
	}
	params = normalizeParams(params)
	if d.Chain == nil {
		return d.fallback(ctx, token)
	}
	active := d.Chain.Active(src)
	for _, g := range active {
		if cmd, ok := g.Lookup(token); ok {
			return d.execute(ctx, cmd, params, src)
		}
	}
	for _, g := range active {
		if !g.EnableSuggestion {
			continue
		}
		cands := g.Suggest(token)
		switch {
		case len(cands) == 0:
			continue
		case len(cands) == 1 && g.EnableAutoCorrection:
			d.logger().Debug("auto-corrected command",
				zap.String("token", token),
				zap.String("command", cands[0].Name),
				zap.String("group", g.Name))
			return d.execute(ctx, cands[0], params, src)
		case len(cands) == 1:
			return fmt.Sprintf("%s?もしかして「%s」の間違いですか?", token, cands[0].Name)
		default:
			quoted := make([]string, len(cands))
			for i, c := range cands {
				quoted[i] = "「" + c.Name + "」"
			}
			return fmt.Sprintf("%s?もしかして%sのどれかの間違いですか?", token, strings.Join(quoted, "、"))
		}
	}
	return d.fallback(ctx, token)
}

func (d *Dispatcher) fallback(ctx context.Context, token string) string {
	if d.Fallback == nil {
		return NoReply
	}
	return d.Fallback.Reply(ctx, token)
}

type userMessager interface {
	UserMessage() string
}

func (d *Dispatcher) execute(ctx context.Context, cmd Command, params []string, src Source) string {
	if !auth.Satisfies(src.User.Authority, cmd.Authority) {
		return fmt.Sprintf("権限がありません。あなたの権限：%s、コマンドの要求権限：%s。権限の変更はMasterユーザーに依頼してください。",
			src.User.Authority, cmd.Authority)
	}
	if !cmd.Handler.accepts(len(params)) {
		return fmt.Sprintf("コマンド引数の数が不正です。\n■「%s」コマンドの使い方\n%s", cmd.Name, cmd.Handler.Doc)
	}
	rep, err := d.run(ctx, cmd, params, src)
	if err != nil {
		var um userMessager
		if errors.As(err, &um) {
			rep.Errors = append(rep.Errors, um.UserMessage())
		} else {
			d.logger().Error("command failed",
				zap.String("command", cmd.Name),
				zap.String("group", cmd.Group),
				zap.String("user_id", src.User.ID),
				zap.Strings("params", params),
				zap.Error(err))
			rep.Errors = append(rep.Errors, InternalErrorLine)
		}
		rep.Failed = true
	}
	lines := append([]string(nil), rep.Errors...)
	if rep.Failed {
		lines = append(lines, fmt.Sprintf("コマンド「%s」の実行に失敗しました。", cmd.Name))
	} else if rep.Text != "" {
		lines = append(lines, rep.Text)
	}
	return strings.Join(lines, "\n")
}

// run turns a handler panic into an error so the failure line is still produced.
func (d *Dispatcher) run(ctx context.Context, cmd Command, params []string, src Source) (rep Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger().Error("command panic", zap.String("command", cmd.Name), zap.Any("panic", r), zap.Stack("stack"))
			rep, err = Reply{}, fmt.Errorf("command %s panicked: %v", cmd.Name, r)
		}
	}()
	return cmd.Handler.Run(ctx, src, params)
}

func normalizeParams(params []string) []string {
	if len(params) == 0 {
		return nil
	}
	out := make([]string, len(params))
	for i, p := range params {
		out[i] = Normalize(p)
	}
	return out
}
