package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-menu/internal/config"
	"github.com/loqalabs/loqa-menu/internal/protocol"
	_ "modernc.org/sqlite"
)

// Event is a stored lifecycle entry. Audio and recommendation bodies are
// never written here.
type Event struct {
	ID int64
	protocol.Event
}

// Session summarizes one capture session.
type Session struct {
	ID        string
	Device    string
	CreatedAt time.Time
	Events    int
}

// Store is a SQLite-backed session timeline. In ephemeral mode the database
// lives in memory and disappears with the process.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	var dsn string
	if cfg.RetentionMode == "ephemeral" {
		dsn = "file::memory:?_pragma=foreign_keys(ON)"
	} else {
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
	// A second connection to :memory: would see an empty database.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log.With(slog.String("component", "eventstore")), clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Prune(ctx); err != nil {
		s.log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    device TEXT,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    state TEXT,
    outcome TEXT,
    reason TEXT,
    bytes INTEGER,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendSession ensures a session row exists and records its capture device.
// Creating a new session applies retention.
func (s *Store) AppendSession(ctx context.Context, sessionID, device string) error {
	created, err := s.ensureSession(ctx, sessionID, device, s.clock())
	if err != nil {
		return fmt.Errorf("append session: %w", err)
	}
	if !created && device != "" {
		if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET device = ? WHERE session_id = ?`, device, sessionID); err != nil {
			return fmt.Errorf("update session device: %w", err)
		}
	}
	if created {
		s.pruneAfterInsert(ctx)
	}
	return nil
}

// AppendEvent writes an event, creating its session row on first sight.
func (s *Store) AppendEvent(ctx context.Context, evt protocol.Event) error {
	if evt.SessionID == "" {
		return fmt.Errorf("event %q has no session id", evt.Type)
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.clock()
	}
	created, err := s.ensureSession(ctx, evt.SessionID, "", evt.Timestamp)
	if err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, event_type, state, outcome, reason, bytes, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.Type, evt.State, evt.Outcome, evt.Reason, evt.Bytes, evt.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if created {
		s.pruneAfterInsert(ctx)
	}
	return nil
}

func (s *Store) ensureSession(ctx context.Context, sessionID, device string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, device, created_at) VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sessionID, device, at.UnixNano())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) pruneAfterInsert(ctx context.Context) {
	if s.cfg.RetentionDays <= 0 && s.cfg.MaxSessions <= 0 {
		return
	}
	if err := s.Prune(ctx); err != nil {
		s.log.Warn("event store prune failed", slog.String("error", err.Error()))
	}
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, state, outcome, reason, bytes, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e                      Event
			state, outcome, reason sql.NullString
			bytes                  sql.NullInt64
			created                int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &state, &outcome, &reason, &bytes, &created); err != nil {
			return nil, err
		}
		e.State = state.String
		e.Outcome = outcome.String
		e.Reason = reason.String
		e.Bytes = int(bytes.Int64)
		e.Timestamp = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecentSessions lists the newest sessions first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.session_id, COALESCE(s.device, ''), s.created_at, COUNT(e.id)
		 FROM sessions s LEFT JOIN events e ON e.session_id = s.session_id
		 GROUP BY s.session_id ORDER BY s.created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var created int64
		if err := rows.Scan(&sess.ID, &sess.Device, &created, &sess.Events); err != nil {
			return nil, err
		}
		sess.CreatedAt = time.Unix(0, created).UTC()
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Prune applies configured retention. It runs on open and whenever a new
// session is recorded.
func (s *Store) Prune(ctx context.Context) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
