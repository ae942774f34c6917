package auth

import (
	"fmt"
	"strings"
)

// Authority is a user's permission level. Lower values carry more privilege.
type Authority int

const (
	Master Authority = iota
	Editor
	Watcher
)

// All lists every authority from most to least privileged.
var All = []Authority{Master, Editor, Watcher}

// Satisfies reports whether a holder of a may run something that requires need.
func (a Authority) Satisfies(need Authority) bool {
	return a <= need
}

// Satisfies is the package-level form of Authority.Satisfies.
func Satisfies(have, need Authority) bool {
	return have.Satisfies(need)
}

func (a Authority) String() string {
	switch a {
	case Master:
		return "Master"
	case Editor:
		return "Editor"
	case Watcher:
		return "Watcher"
	default:
		return fmt.Sprintf("Authority(%d)", int(a))
	}
}

func (a Authority) Valid() bool {
	return a >= Master && a <= Watcher
}

func (a Authority) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Authority) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Parse converts the persisted name back into an Authority. Matching is case-insensitive.
func Parse(s string) (Authority, error) {
	for _, a := range All {
		if strings.EqualFold(strings.TrimSpace(s), a.String()) {
			return a, nil
		}
	}
	return Watcher, fmt.Errorf("unknown authority %q", s)
}

// InsufficientAuthorityError indicates the caller's level does not satisfy the requirement.
type InsufficientAuthorityError struct {
	Have Authority
	Need Authority
}

func (e InsufficientAuthorityError) Error() string {
	return fmt.Sprintf("authority %s required (have %s)", e.Need, e.Have)
}

func (e InsufficientAuthorityError) UserMessage() string {
	return fmt.Sprintf("この操作には%s以上の権限が必要です。(現在: %s)", e.Need, e.Have)
}

// Require returns an InsufficientAuthorityError when have does not satisfy need.
func Require(have, need Authority) error {
	if have.Satisfies(need) {
		return nil
	}
	return InsufficientAuthorityError{Have: have, Need: need}
}
