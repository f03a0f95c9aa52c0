// Package history persists finalized conversation turns in a local SQLite
// database. Sessions are scoped to a profile so several people can share one
// machine without seeing each other's conversations.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vango-go/vai-live/pkg/core/live"
	_ "modernc.org/sqlite"
)

// DefaultProfile is used when no profile is configured.
const DefaultProfile = "default"

// Store wraps the SQLite history database.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open creates the database at path if needed and applies the schema.
func Open(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("history path is required")
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The recorder is the only writer.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    profile TEXT NOT NULL,
    model TEXT,
    voice TEXT,
    started_at INTEGER NOT NULL,
    ended_at INTEGER,
    reason TEXT
);
CREATE TABLE IF NOT EXISTS turns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    speaker TEXT NOT NULL,
    text TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_sessions_profile_started ON sessions(profile, started_at);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginSession records a new session. Recording the same ID twice updates
// its metadata.
func (s *Store) BeginSession(ctx context.Context, sess Session) error {
	if sess.ID == "" {
		return errors.New("session id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, profile, model, voice, started_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET profile=excluded.profile, model=excluded.model, voice=excluded.voice`,
		sess.ID, profileOrDefault(sess.Profile), sess.Model, sess.Voice, toMillis(sess.StartedAt))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// AppendTurns stores finalized turns in order.
func (s *Store) AppendTurns(ctx context.Context, sessionID string, turns []live.Turn) (err error) {
	if len(turns) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO turns(session_id, speaker, text, created_at) VALUES(?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare turn insert: %w", err)
	}
	defer stmt.Close()

	for _, turn := range turns {
		if _, err = stmt.ExecContext(ctx, sessionID, string(turn.Speaker), turn.Text, toMillis(turn.At)); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
	}
	return tx.Commit()
}

// EndSession marks a session closed. Unknown IDs are ignored.
func (s *Store) EndSession(ctx context.Context, sessionID string, endedAt time.Time, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, reason = ? WHERE session_id = ? AND ended_at IS NULL`,
		toMillis(endedAt), reason, sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// RecentSessions returns up to limit sessions of a profile, newest first.
func (s *Store) RecentSessions(ctx context.Context, profile string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.session_id, s.profile, s.model, s.voice, s.started_at, s.ended_at, s.reason,
		       (SELECT COUNT(*) FROM turns t WHERE t.session_id = s.session_id)
		FROM sessions s
		WHERE s.profile = ?
		ORDER BY s.started_at DESC
		LIMIT ?
	`, profileOrDefault(profile), limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Turns returns the turns of a session in the order they were finalized.
func (s *Store) Turns(ctx context.Context, sessionID string) ([]live.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT speaker, text, created_at FROM turns WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []live.Turn
	for rows.Next() {
		var (
			speaker string
			turn    live.Turn
			created int64
		)
		if err := rows.Scan(&speaker, &turn.Text, &created); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turn.Speaker = live.Speaker(speaker)
		turn.At = fromMillis(created)
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

// LatestTranscript returns the newest session of a profile with its turns,
// or nil when the profile has no history.
func (s *Store) LatestTranscript(ctx context.Context, profile string) (*Transcript, error) {
	sessions, err := s.RecentSessions(ctx, profile, 1)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	turns, err := s.Turns(ctx, sessions[0].ID)
	if err != nil {
		return nil, err
	}
	return &Transcript{Session: sessions[0], Turns: turns}, nil
}

// ClearProfile deletes every session of a profile.
func (s *Store) ClearProfile(ctx context.Context, profile string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE profile = ?`, profileOrDefault(profile))
	if err != nil {
		return 0, fmt.Errorf("clear profile: %w", err)
	}
	n, _ := res.RowsAffected()
	s.log.Info("history cleared", slog.String("profile", profileOrDefault(profile)), slog.Int64("sessions", n))
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var (
		sess    Session
		model   sql.NullString
		voice   sql.NullString
		reason  sql.NullString
		started int64
		ended   sql.NullInt64
	)
	if err := row.Scan(&sess.ID, &sess.Profile, &model, &voice, &started, &ended, &reason, &sess.TurnCount); err != nil {
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.Model = model.String
	sess.Voice = voice.String
	sess.Reason = reason.String
	sess.StartedAt = fromMillis(started)
	if ended.Valid {
		t := fromMillis(ended.Int64)
		sess.EndedAt = &t
	}
	return sess, nil
}

func profileOrDefault(profile string) string {
	profile = strings.TrimSpace(profile)
	if profile == "" {
		return DefaultProfile
	}
	return profile
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
