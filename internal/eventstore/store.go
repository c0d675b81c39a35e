package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-room/internal/config"
	_ "modernc.org/sqlite"
)

// Event represents a recorded timeline entry.
type Event struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	TraceID   string          `json:"trace_id,omitempty"`
	ActorID   string          `json:"actor_id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store is a SQLite timeline of room sessions. Nothing outlives the process: ephemeral mode
// keeps the database in memory and session mode deletes a session's rows when it ends.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	var dsn string
	switch cfg.RetentionMode {
	case "ephemeral":
		dsn = "file::memory:?_pragma=foreign_keys(ON)"
	default:
		dir := filepath.Dir(cfg.Path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if cfg.RetentionMode == "ephemeral" {
		// Every connection to :memory: is its own database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log.With(slog.String("component", "eventstore")), clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			s.log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if n, err := s.purgeAll(ctx); err != nil {
		s.log.Warn("event store cleanup on start failed", slog.String("error", err.Error()))
	} else if n > 0 {
		s.log.Info("removed sessions left by a previous run", slog.Int64("sessions", n))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    actor_id TEXT,
    room TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    trace_id TEXT,
    actor_id TEXT,
    event_type TEXT,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Healthy reports whether the database answers.
func (s *Store) Healthy(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

// AppendSession ensures a session row exists.
func (s *Store) AppendSession(ctx context.Context, sessionID, actorID, room string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, actor_id, room, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET actor_id=excluded.actor_id, room=excluded.room`,
		sessionID, actorID, room, s.clock().UTC())
	return err
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, trace_id, actor_id, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.TraceID, evt.ActorID, evt.Type, []byte(evt.Payload), evt.CreatedAt)
	return err
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, trace_id, actor_id, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		var payload []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TraceID, &e.ActorID, &e.Type, &payload, &created); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			e.Payload = json.RawMessage(payload)
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// PurgeSession deletes a session and its events.
func (s *Store) PurgeSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

func (s *Store) purgeAll(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `DELETE FROM events`); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	err = tx.Commit()
	return n, err
}

// Timeline records events for one session.
type Timeline struct {
	store     *Store
	sessionID string
	actorID   string
}

// Timeline opens the timeline of sessionID, creating the session row.
func (s *Store) Timeline(ctx context.Context, sessionID, actorID, room string) (*Timeline, error) {
	if err := s.AppendSession(ctx, sessionID, actorID, room); err != nil {
		return nil, fmt.Errorf("create session %s: %w", sessionID, err)
	}
	return &Timeline{store: s, sessionID: sessionID, actorID: actorID}, nil
}

func (t *Timeline) SessionID() string { return t.sessionID }

// Record appends one event. Failures are logged; the timeline never interrupts the caller.
func (t *Timeline) Record(ctx context.Context, kind, traceID string, fields map[string]any) {
	var payload []byte
	if len(fields) > 0 {
		var err error
		if payload, err = json.Marshal(fields); err != nil {
			t.store.log.Warn("failed to encode timeline event", slog.String("type", kind), slog.String("error", err.Error()))
			return
		}
	}
	err := t.store.AppendEvent(ctx, Event{
		SessionID: t.sessionID,
		TraceID:   traceID,
		ActorID:   t.actorID,
		Type:      kind,
		Payload:   payload,
	})
	if err != nil {
		t.store.log.Warn("failed to record timeline event", slog.String("type", kind), slog.String("error", err.Error()))
	}
}

// Purge removes the session's rows.
func (t *Timeline) Purge(ctx context.Context) error {
	return t.store.PurgeSession(ctx, t.sessionID)
}
