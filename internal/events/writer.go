package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine and the checker.
const (
	TaskCreated      = "task.created"
	TaskDeleted      = "task.deleted"
	TaskMembers      = "task.members"
	TaskPurged       = "task.purged"
	JobOpened        = "job.opened"
	JobResponded     = "job.responded"
	JobResolved      = "job.resolved"
	JobPurged        = "job.purged"
	RemindSent       = "remind.sent"
	ChecksReset      = "checks.reset"
	UserAuthority    = "user.authority"
	UserRegistered   = "user.registered"
	GroupRegistered  = "group.registered"
	CommandGroupMode = "group.command_mode"
)

// SystemActor is recorded for changes made by the scheduler.
const SystemActor = "system"

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if actorID == "" {
		actorID = SystemActor
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	var exec interface {
		ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	}
	switch {
	case tx != nil:
		exec = tx
	case w.DB != nil:
		exec = w.DB
	default:
		return fmt.Errorf("append %s event: no database", evtType)
	}
	_, err = exec.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
