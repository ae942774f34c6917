package command

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"lbot/internal/domain"
	"lbot/internal/engine/auth"
)

// NoReply is returned when nothing should be sent back.
const NoReply = ""

// Source is who sent a command and where. Group is nil for direct messages.
type Source struct {
	User  domain.User
	Group *domain.Group
}

// Active reports whether the opt-in command group is enabled for the user or the group.
func (s Source) Active(group string) bool {
	if s.User.HasCommandGroup(group) {
		return true
	}
	return s.Group != nil && s.Group.HasCommandGroup(group)
}

// Reply is a handler result. Errors are printed before Text; Failed replaces Text with a
// failure line.
type Reply struct {
	Text   string
	Errors []string
	Failed bool
}

func OK(text string, errs ...string) Reply {
	return Reply{Text: text, Errors: errs}
}

func Fail(errs ...string) Reply {
	return Reply{Errors: errs, Failed: true}
}

type HandlerFunc func(ctx context.Context, src Source, params []string) (Reply, error)

// Handler is a command implementation with its usage text and accepted parameter count.
// MaxArgs < 0 accepts any number of parameters from MinArgs on.
type Handler struct {
	Doc     string
	MinArgs int
	MaxArgs int
	Run     HandlerFunc
}

func (h Handler) accepts(n int) bool {
	if n < h.MinArgs {
		return false
	}
	return h.MaxArgs < 0 || n <= h.MaxArgs
}

// Name binds a command name to the authority required to run it.
type Name struct {
	Name      string
	Authority auth.Authority
}

// Command is one registered name.
type Command struct {
	Name      string
	Authority auth.Authority
	Handler   Handler
	Group     string
}

// Group is an ordered command registry.
type Group struct {
	Name string
	// Order sorts groups in the chain; lower goes first.
	Order int
	// ValidateOnInit groups are always active; others need opting in per user or group.
	ValidateOnInit       bool
	EnableSuggestion     bool
	EnableAutoCorrection bool
	SuggestionThreshold  float64

	commands map[string]Command
	names    []string
}

func NewGroup(name string, order int) *Group {
	return &Group{Name: name, Order: order, commands: map[string]Command{}}
}

// Register binds h under every name. Registering a name twice panics.
func (g *Group) Register(h Handler, names ...Name) {
	if h.Run == nil {
		panic(fmt.Sprintf("command group %s: nil handler for %v", g.Name, names))
	}
	if g.commands == nil {
		g.commands = map[string]Command{}
	}
	for _, n := range names {
		key := Normalize(n.Name)
		if key == "" {
			panic(fmt.Sprintf("command group %s: empty command name", g.Name))
		}
		if _, dup := g.commands[key]; dup {
			panic(fmt.Sprintf("command group %s: duplicate command %q", g.Name, key))
		}
		g.commands[key] = Command{Name: key, Authority: n.Authority, Handler: h, Group: g.Name}
		g.names = append(g.names, key)
	}
}

// AddCommand returns a registrar for a single name.
func (g *Group) AddCommand(name string, authority auth.Authority) func(Handler) {
	return func(h Handler) {
		g.Register(h, Name{Name: name, Authority: authority})
	}
}

// Lookup expects a normalized token.
func (g *Group) Lookup(token string) (Command, bool) {
	c, ok := g.commands[token]
	return c, ok
}

// Commands lists commands in registration order.
func (g *Group) Commands() []Command {
	out := make([]Command, 0, len(g.names))
	for _, n := range g.names {
		out = append(out, g.commands[n])
	}
	return out
}

// Suggest returns the commands whose similarity to token reaches the threshold, best first.
func (g *Group) Suggest(token string) []Command {
	type scored struct {
		cmd   Command
		score float64
	}
	var hits []scored
	for _, n := range g.names {
		if s := Similarity(token, n); s >= g.SuggestionThreshold {
			hits = append(hits, scored{g.commands[n], s})
		}
	}
	// insertion sort keeps registration order among equal scores
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].score > hits[j-1].score; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
	out := make([]Command, len(hits))
	for i, h := range hits {
		out[i] = h.cmd
	}
	return out
}

// Normalize folds compatibility forms (fullwidth letters and digits, halfwidth kana) and
// trims surrounding space.
func Normalize(s string) string {
	return strings.TrimSpace(norm.NFKC.String(s))
}
