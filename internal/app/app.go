// Package app turns inbound chat messages into dispatched commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"lbot/internal/chat"
	"lbot/internal/command"
	"lbot/internal/command/confirm"
	"lbot/internal/command/standard"
	"lbot/internal/engine"
	"lbot/internal/message"
)

// Inbound is a chat message as delivered by a service adapter. GroupID is empty for
// direct messages.
type Inbound struct {
	ServiceKind string `json:"service_kind"`
	UserID      string `json:"user_id"`
	UserName    string `json:"user_name"`
	GroupID     string `json:"group_id,omitempty"`
	GroupName   string `json:"group_name,omitempty"`
	Text        string `json:"text"`
}

type Bot struct {
	Engine     engine.Engine
	Dispatcher *command.Dispatcher
	Message    message.Options
	Log        *zap.Logger
}

// New wires the standard and confirmation groups, with the chat responder answering
// anything that is not a command.
func New(eng engine.Engine, log *zap.Logger) Bot {
	if log == nil {
		log = zap.NewNop()
	}
	chain := command.NewChain()
	chain.Add(standard.New(eng, chain), confirm.New(eng))
	b := Bot{Engine: eng, Log: log}
	maxVocabulary := 0
	if eng.Config != nil {
		b.Message = message.Options{
			Triggers:      eng.Config.Commands.Triggers,
			MaxItemLength: eng.Config.Commands.MaxItemLength,
		}
		maxVocabulary = eng.Config.Chat.MaxVocabulary
	}
	b.Dispatcher = command.NewDispatcher(chain, chat.New(eng.Repo, maxVocabulary, log.Named("chat")), log.Named("dispatch"))
	return b
}

// ResolveSource registers unknown users and groups and records group membership.
func (b Bot) ResolveSource(ctx context.Context, in Inbound) (command.Source, error) {
	if in.ServiceKind == "" || in.UserID == "" {
		return command.Source{}, errors.New("service kind and user id are required")
	}
	u, created, err := b.Engine.EnsureUser(ctx, in.ServiceKind, in.UserID, in.UserName)
	if err != nil {
		return command.Source{}, fmt.Errorf("resolve user: %w", err)
	}
	if created {
		b.logger().Info("registered user", zap.String("user_id", u.ID), zap.String("name", u.Name))
	}
	src := command.Source{User: u}
	if in.GroupID == "" {
		return src, nil
	}
	g, created, err := b.Engine.EnsureGroup(ctx, in.ServiceKind, in.GroupID, in.GroupName)
	if err != nil {
		return command.Source{}, fmt.Errorf("resolve group: %w", err)
	}
	if created {
		b.logger().Info("registered group", zap.String("group_id", g.ID), zap.String("name", g.Name))
	}
	if err := b.Engine.EnsureMember(ctx, g.ID, u.ID); err != nil {
		return command.Source{}, fmt.Errorf("record membership: %w", err)
	}
	src.Group = &g
	return src, nil
}

// Handle returns the reply for one message, or command.NoReply. Only store failures are
// returned as errors.
func (b Bot) Handle(ctx context.Context, in Inbound) (string, error) {
	inGroup := in.GroupID != ""
	msg, ok, err := message.Parse(in.Text, inGroup, b.Message)
	if !ok {
		return command.NoReply, nil
	}
	src, rerr := b.ResolveSource(ctx, in)
	if rerr != nil {
		return command.NoReply, rerr
	}
	var reply string
	if err != nil {
		var me *message.Error
		if !errors.As(err, &me) {
			return command.NoReply, err
		}
		reply = me.UserMessage()
	} else {
		reply = b.Dispatcher.Dispatch(ctx, msg.Token, msg.Params, src)
	}
	if reply == command.NoReply {
		return reply, nil
	}
	if inGroup {
		reply = "@" + src.User.Name + "\n" + strings.TrimRight(reply, "\n")
	}
	return reply, nil
}

func (b Bot) logger() *zap.Logger {
	if b.Log == nil {
		return zap.NewNop()
	}
	return b.Log
}
