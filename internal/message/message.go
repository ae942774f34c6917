// Package message splits chat text into a command token and its parameters.
package message

import (
	"strings"
	"unicode/utf8"
)

// Options control how text is recognized as a command.
type Options struct {
	// Triggers prefix commands posted in groups. Direct messages need none.
	Triggers []string
	// MaxItemLength caps each line in runes; 0 disables the check.
	MaxItemLength int
}

// Message is the first line as a token and every further non-blank line as a parameter.
type Message struct {
	Token  string
	Params []string
}

// Error is an analysis failure worth telling the sender about.
type Error struct {
	Msg string
}

func (e *Error) Error() string       { return e.Msg }
func (e *Error) UserMessage() string { return e.Msg }

var (
	ErrTooLong = &Error{Msg: "長文は受け付けません。"}
	ErrEmpty   = &Error{Msg: "コマンドが指定されていません。"}
)

// Parse reads text sent in a group (inGroup) or a direct chat. ok is false when a group
// message does not start with a trigger and so is not meant for the bot.
func Parse(text string, inGroup bool, opts Options) (msg Message, ok bool, err error) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimLeft(text, " \t\n")
	if inGroup {
		trimmed, found := cutTrigger(text, opts.Triggers)
		if !found {
			return Message{}, false, nil
		}
		text = trimmed
	}
	lines := strings.Split(text, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
		if opts.MaxItemLength > 0 && utf8.RuneCountInString(lines[i]) > opts.MaxItemLength {
			return Message{}, true, ErrTooLong
		}
	}
	if lines[0] == "" {
		return Message{}, true, ErrEmpty
	}
	msg.Token = lines[0]
	for _, l := range lines[1:] {
		if l != "" {
			msg.Params = append(msg.Params, l)
		}
	}
	return msg, true, nil
}

func cutTrigger(text string, triggers []string) (string, bool) {
	for _, t := range triggers {
		if t == "" {
			continue
		}
		if rest, found := strings.CutPrefix(text, t); found {
			return rest, true
		}
	}
	return text, false
}
