package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"lbot/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// NotFoundError names the entity and key that a lookup missed. It matches ErrNotFound with errors.Is.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.Key)
}

func (e NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func notFound(entity, key string) error {
	return NotFoundError{Entity: entity, Key: key}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q runs on tx when one is given, else on the pool.
func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

// TimeLayout is the fixed-width UTC layout used for every stored timestamp, so that
// lexical comparison in SQL matches chronological order.
const TimeLayout = "2006-01-02T15:04:05Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339, s)
	}
	return t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return nullable(*v)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// placeholders returns "?,?,?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(items []string) []any {
	args := make([]any, len(items))
	for i, it := range items {
		args[i] = it
	}
	return args
}

// LatestEvents returns the newest events first, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		where []string
		args  []any
	)
	if evtType != "" {
		where = append(where, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		where = append(where, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		where = append(where, "entity_id=?")
		args = append(args, entityID)
	}
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
