package domain

import (
	"fmt"
	"strings"
	"time"

	"lbot/internal/engine/auth"
)

// ConfirmationCommandGroup is the opt-in command group enabled while a group has open check jobs.
const ConfirmationCommandGroup = "タスク参加確認"

// Importance ranks how strongly a task is followed up.
type Importance int

const (
	High Importance = iota
	Middle
	Low
)

func (i Importance) String() string {
	switch i {
	case High:
		return "High"
	case Middle:
		return "Middle"
	case Low:
		return "Low"
	default:
		return fmt.Sprintf("Importance(%d)", int(i))
	}
}

// Label is the short form shown in chat.
func (i Importance) Label() string {
	switch i {
	case High:
		return "高"
	case Middle:
		return "中"
	default:
		return "低"
	}
}

func (i Importance) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

func (i *Importance) UnmarshalText(b []byte) error {
	v, err := ParseImportance(string(b))
	if err != nil {
		return err
	}
	*i = v
	return nil
}

// ParseImportance accepts the persisted names and the chat labels 高/中/低.
func ParseImportance(s string) (Importance, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "高":
		return High, nil
	case "middle", "中":
		return Middle, nil
	case "low", "低":
		return Low, nil
	}
	return Middle, fmt.Errorf("unknown importance %q", s)
}

type User struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Authority     auth.Authority `json:"authority"`
	ServiceKind   string         `json:"service_kind"`
	ServiceID     string         `json:"service_id"`
	CommandGroups []string       `json:"command_groups,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
}

func (u User) HasCommandGroup(name string) bool {
	return containsString(u.CommandGroups, name)
}

type Group struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	ServiceKind   string   `json:"service_kind"`
	ServiceID     string   `json:"service_id"`
	CommandGroups []string `json:"command_groups,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
}

func (g Group) HasCommandGroup(name string) bool {
	return containsString(g.CommandGroups, name)
}

type Task struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	ShortName          *string    `json:"short_name,omitempty"`
	Deadline           time.Time  `json:"deadline" format:"date-time"`
	Importance         Importance `json:"importance"`
	GroupID            *string    `json:"group_id,omitempty"`
	TomorrowRemindDone bool       `json:"tomorrow_remind_done"`
	TomorrowCheckDone  bool       `json:"tomorrow_check_done"`
	SoonCheckDone      bool       `json:"soon_check_done"`
	CreatedAt          string     `json:"created_at" format:"date-time"`
}

// Member roles a user can hold on a task.
const (
	RoleManager     = "manager"
	RoleParticipant = "participant"
	RoleJoinable    = "joinable"
	RoleAbsent      = "absent"
)

// CheckJob is one open confirmation round for a task.
type CheckJob struct {
	ID          string    `json:"id"`
	GroupID     string    `json:"group_id"`
	TaskID      string    `json:"task_id"`
	CheckNumber int       `json:"check_number"`
	Deadline    time.Time `json:"deadline" format:"date-time"`
	CreatedAt   string    `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

// SplitSet splits a comma separated set field, dropping empty items.
func SplitSet(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p != "" && !containsString(out, p) {
			out = append(out, p)
		}
	}
	return out
}

// JoinSet is the inverse of SplitSet.
func JoinSet(items []string) string {
	return strings.Join(items, ",")
}

// AddToSet returns items with v appended unless already present.
func AddToSet(items []string, v string) []string {
	if containsString(items, v) {
		return items
	}
	return append(append([]string(nil), items...), v)
}

// RemoveFromSet returns items without v.
func RemoveFromSet(items []string, v string) []string {
	var out []string
	for _, it := range items {
		if it != v {
			out = append(out, it)
		}
	}
	return out
}

func containsString(items []string, v string) bool {
	for _, it := range items {
		if it == v {
			return true
		}
	}
	return false
}
