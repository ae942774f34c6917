package server

import (
	"encoding/json"
	"time"

	"lbot/internal/checker"
	"lbot/internal/domain"
	"lbot/internal/engine"
)

// Request payloads

type DispatchRequest struct {
	ServiceKind string `json:"service_kind" minLength:"1"`
	UserID      string `json:"user_id" minLength:"1"`
	UserName    string `json:"user_name,omitempty"`
	GroupID     string `json:"group_id,omitempty"`
	GroupName   string `json:"group_name,omitempty"`
	Text        string `json:"text"`
}

// Response payloads

type DispatchResponse struct {
	Reply   string `json:"reply"`
	Replied bool   `json:"replied"`
}

type CheckResponse struct {
	Kind     string   `json:"kind"`
	Ran      []string `json:"ran"`
	Notified int      `json:"notified"`
	Opened   int      `json:"opened"`
	Marked   int64    `json:"marked"`
	Purged   int      `json:"purged"`
}

type TaskResponse struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	ShortName    string   `json:"short_name,omitempty"`
	Deadline     string   `json:"deadline" format:"date-time"`
	Importance   string   `json:"importance" enum:"High,Middle,Low"`
	Group        string   `json:"group,omitempty"`
	Participants []string `json:"participants"`
	Flags        struct {
		TomorrowRemind bool `json:"tomorrow_remind"`
		TomorrowCheck  bool `json:"tomorrow_check"`
		SoonCheck      bool `json:"soon_check"`
	} `json:"flags"`
}

type JobResponse struct {
	CheckNumber  int      `json:"check_number"`
	Task         string   `json:"task"`
	TaskDeadline string   `json:"task_deadline" format:"date-time"`
	Deadline     string   `json:"deadline" format:"date-time"`
	Checked      []string `json:"checked"`
	Required     int      `json:"required"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type taskList struct {
	Items []TaskResponse `json:"items"`
}

type jobList struct {
	Group string        `json:"group"`
	Mode  bool          `json:"confirmation_mode"`
	Items []JobResponse `json:"items"`
}

type eventList struct {
	Items []EventResponse `json:"items"`
}

// Conversion helpers

func checkResponse(rep checker.Report) CheckResponse {
	out := CheckResponse{
		Kind:     string(rep.Kind),
		Ran:      []string{},
		Notified: rep.Notified,
		Opened:   rep.Opened,
		Marked:   rep.Marked,
		Purged:   rep.Purged,
	}
	for _, k := range rep.Ran {
		out.Ran = append(out.Ran, string(k))
	}
	return out
}

func taskResponse(t domain.Task, group string, participants []domain.User) TaskResponse {
	out := TaskResponse{
		ID:           t.ID,
		Name:         t.Name,
		ShortName:    stringOrEmpty(t.ShortName),
		Deadline:     t.Deadline.UTC().Format(time.RFC3339),
		Importance:   t.Importance.String(),
		Group:        group,
		Participants: nonNilSlice(names(participants)),
	}
	out.Flags.TomorrowRemind = t.TomorrowRemindDone
	out.Flags.TomorrowCheck = t.TomorrowCheckDone
	out.Flags.SoonCheck = t.SoonCheckDone
	return out
}

func jobResponse(oj engine.OpenJob, checked []domain.User, required int) JobResponse {
	return JobResponse{
		CheckNumber:  oj.Job.CheckNumber,
		Task:         oj.Task.Name,
		TaskDeadline: oj.Task.Deadline.UTC().Format(time.RFC3339),
		Deadline:     oj.Job.Deadline.UTC().Format(time.RFC3339),
		Checked:      nonNilSlice(names(checked)),
		Required:     required,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

func names(users []domain.User) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.Name)
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
