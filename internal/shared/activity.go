package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ActivityEvent represents a record stored in activity_events.
type ActivityEvent struct {
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

type activityDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ActivityLogger writes records into activity_events.
type ActivityLogger struct {
	db activityDB
}

// NewActivityLogger returns a new ActivityLogger.
func NewActivityLogger(pool *pgxpool.Pool) *ActivityLogger {
	return &ActivityLogger{db: pool}
}

// Record persists the event. A zero At is stamped with the current time
// before the insert: pgx encodes a zero time.Time as year one, not NULL, so
// the database cannot default it.
func (l *ActivityLogger) Record(ctx context.Context, ev ActivityEvent) error {
	if l == nil {
		return errors.New("activity logger not initialised")
	}
	if ev.Action == "" || ev.Entity == "" || ev.EntityID == "" {
		return errors.New("activity event requires action/entity/entity_id")
	}
	metaJSON, err := json.Marshal(ev.Meta)
	if err != nil {
		return err
	}
	occurredAt := ev.At
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	_, err = l.db.Exec(ctx,
		`INSERT INTO activity_events (id, actor_id, action, entity, entity_id, meta, occurred_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.NewString(), ev.ActorID, ev.Action, ev.Entity, ev.EntityID, metaJSON, occurredAt)
	return err
}
