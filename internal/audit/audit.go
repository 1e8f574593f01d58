// Package audit appends actor-attributed events to the audit_log table.
// Writes are best-effort: a failed audit insert never fails the operation
// that triggered it.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

type Event struct {
	ActorID    string         `json:"actor_id"`
	ActorType  string         `json:"actor_type"` // student|teacher|admin|system
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Details    map[string]any `json:"details,omitempty"`
}

// Recorder appends events.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

type logFn func(msg string, kv ...any)

type SQLRecorder struct {
	db   *sql.DB
	warn logFn
	now  func() time.Time
}

func NewSQLRecorder(db *sql.DB, warn func(msg string, kv ...any)) *SQLRecorder {
	if warn == nil {
		warn = func(string, ...any) {}
	}
	return &SQLRecorder{db: db, warn: warn, now: time.Now}
}

func (r *SQLRecorder) Record(ctx context.Context, ev Event) {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		details = []byte("{}")
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO audit_log (actor_id,actor_type,action,entity_type,entity_id,details,created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		ev.ActorID, ev.ActorType, ev.Action, ev.EntityType, ev.EntityID, string(details), r.now().Unix())
	if err != nil {
		r.warn("audit insert failed", "action", ev.Action, "entity", ev.EntityID, "err", err)
	}
}

// Entry is one stored audit row.
type Entry struct {
	Seq        int64          `json:"seq"`
	ActorID    string         `json:"actor_id"`
	ActorType  string         `json:"actor_type"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// List returns events for one entity, newest first.
func (r *SQLRecorder) List(ctx context.Context, entityType, entityID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT seq,actor_id,actor_type,action,entity_type,entity_id,details,created_at
		 FROM audit_log WHERE entity_type=$1 AND entity_id=$2 ORDER BY seq DESC LIMIT $3`,
		entityType, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var details string
		var created int64
		if err := rows.Scan(&e.Seq, &e.ActorID, &e.ActorType, &e.Action, &e.EntityType, &e.EntityID, &details, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			e.Details = nil
		}
		e.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// NopRecorder discards events; used in tests.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Event) {}
