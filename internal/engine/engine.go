package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"lbot/internal/config"
	"lbot/internal/domain"
	"lbot/internal/events"
	"lbot/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Log    *zap.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, log *zap.Logger) Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Log:    log,
		Now:    time.Now,
	}
}

// ErrInconsistent marks store states that should be impossible, such as a job whose task is gone.
var ErrInconsistent = errors.New("inconsistent state")

// UserError is a recoverable failure whose message is written for the chat user.
type UserError struct {
	Msg string
}

func (e UserError) Error() string       { return e.Msg }
func (e UserError) UserMessage() string { return e.Msg }

func userErrorf(format string, args ...any) error {
	return UserError{Msg: fmt.Sprintf(format, args...)}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Location is the canonical timezone from config; UTC if the config cannot be resolved.
func (e Engine) Location() *time.Location {
	if e.Config == nil {
		loc, err := config.LoadLocation("")
		if err != nil {
			return time.UTC
		}
		return loc
	}
	loc, err := e.Config.Location()
	if err != nil {
		e.logger().Error("resolve timezone", zap.String("timezone", e.Config.Timezone), zap.Error(err))
		return time.UTC
	}
	return loc
}

// LocalNow is the current time in the canonical timezone.
func (e Engine) LocalNow() time.Time {
	return e.now().In(e.Location())
}

func (e Engine) logger() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

func (e Engine) events() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

// AppendEvent records an audit event stamped with the engine clock.
func (e Engine) AppendEvent(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	return e.events().Append(ctx, tx, evtType, entityKind, entityID, actorID, payload)
}

// WithTx runs fn in a transaction and commits when fn succeeds.
func (e Engine) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// SetConfirmationMode switches the confirmation command group on or off for a group.
func (e Engine) SetConfirmationMode(ctx context.Context, tx *sql.Tx, groupID string, on bool) (bool, error) {
	g, err := e.Repo.GetGroup(ctx, tx, groupID)
	if err != nil {
		return false, err
	}
	if g.HasCommandGroup(domain.ConfirmationCommandGroup) == on {
		return false, nil
	}
	next := domain.RemoveFromSet(g.CommandGroups, domain.ConfirmationCommandGroup)
	if on {
		next = domain.AddToSet(g.CommandGroups, domain.ConfirmationCommandGroup)
	}
	if err := e.Repo.SetGroupCommandGroups(ctx, tx, g.ID, next); err != nil {
		return false, err
	}
	if err := e.events().Append(ctx, tx, events.CommandGroupMode, "group", g.ID, events.SystemActor, events.EventPayload{
		"command_group": domain.ConfirmationCommandGroup,
		"active":        on,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// deactivateIfIdle turns confirmation mode off once the group has no open jobs.
func (e Engine) deactivateIfIdle(ctx context.Context, tx *sql.Tx, groupID string) (bool, error) {
	n, err := e.Repo.CountJobs(ctx, tx, groupID)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	return e.SetConfirmationMode(ctx, tx, groupID, false)
}

// FormatDeadline renders d relative to now; both are converted to loc first.
// A deadline on the current local day omits the date.
func FormatDeadline(d, now time.Time, loc *time.Location) string {
	d = d.In(loc)
	now = now.In(loc)
	dy, dm, dd := d.Date()
	ny, nm, nd := now.Date()
	if dy == ny && dm == nm && dd == nd {
		return d.Format("15:04")
	}
	if dy != ny {
		return d.Format("2006/1/2 15:04")
	}
	return d.Format("1/2 15:04")
}
