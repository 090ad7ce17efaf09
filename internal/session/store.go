// Package session persists reading sessions: chat transcripts and the
// history of detected reader states.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/agenthands/readbuddy/internal/logger"
)

var ErrNotFound = errors.New("session not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT PRIMARY KEY,
    doc_id      TEXT NOT NULL DEFAULT '',
    doc_name    TEXT NOT NULL DEFAULT '',
    started_at  INTEGER NOT NULL,
    ended_at    INTEGER,
    summary     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS chat_messages (
    id          TEXT PRIMARY KEY,
    session_id  TEXT NOT NULL REFERENCES sessions(id),
    role        TEXT NOT NULL,
    content     TEXT NOT NULL,
    timestamp   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS state_episodes (
    id          TEXT PRIMARY KEY,
    session_id  TEXT NOT NULL REFERENCES sessions(id),
    state       TEXT NOT NULL,
    page        INTEGER NOT NULL DEFAULT 0,
    duration_s  REAL NOT NULL DEFAULT 0.0,
    timestamp   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chat_session ON chat_messages(session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_episodes_session ON state_episodes(session_id);
CREATE INDEX IF NOT EXISTS idx_sessions_doc ON sessions(doc_id);
`

type Session struct {
	ID        string     `json:"id"`
	DocID     string     `json:"doc_id"`
	DocName   string     `json:"doc_name"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Summary   string     `json:"summary,omitempty"`
}

type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"` // "user" or "buddy"
	Content   string    `json:"content"`
	At        time.Time `json:"timestamp"`
}

type Episode struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	State     string        `json:"state"`
	Page      int           `json:"page"`
	Duration  time.Duration `json:"duration"`
	At        time.Time     `json:"timestamp"`
}

type StrugglePoint struct {
	State       string `json:"state"`
	Page        int    `json:"page"`
	Occurrences int    `json:"occurrences"`
}

type Store struct {
	mu  sync.Mutex
	db  *sql.DB
	now func() time.Time
	log *logger.Logger
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

func Open(path string, opts ...Option) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}

	s := &Store{db: db, now: time.Now, log: logger.Nop()}
	for _, o := range opts {
		o(s)
	}
	s.log.Info("session store opened", "path", path)
	return s, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close session database: %w", err)
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, id, docID, docName string) (Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	sess := Session{ID: id, DocID: docID, DocName: docName, StartedAt: s.now()}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, doc_id, doc_name, started_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.DocID, sess.DocName, sess.StartedAt.UnixNano())
	if err != nil {
		return Session{}, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

func (s *Store) EndSession(ctx context.Context, id, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, summary = ? WHERE id = ?`, s.now().UnixNano(), summary, id)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT id, doc_id, doc_name, started_at, ended_at, summary FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess, err
}

// SessionsForDoc lists a document's sessions, newest first.
func (s *Store) SessionsForDoc(ctx context.Context, docID string) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, doc_id, doc_name, started_at, ended_at, summary FROM sessions
		WHERE doc_id = ? ORDER BY started_at DESC, rowid DESC`, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) AddMessage(ctx context.Context, sessionID, role, content string) (Message, error) {
	msg := Message{ID: uuid.NewString(), SessionID: sessionID, Role: role, Content: content, At: s.now()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.exists(ctx, sessionID); err != nil {
		return Message{}, err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (id, session_id, role, content, timestamp) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.At.UnixNano())
	if err != nil {
		return Message{}, fmt.Errorf("failed to add message: %w", err)
	}
	return msg, nil
}

// Messages returns the last limit messages in chronological order.
func (s *Store) Messages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, timestamp FROM chat_messages
		WHERE session_id = ? ORDER BY timestamp DESC, rowid DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var ts int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.At = time.Unix(0, ts)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// RecentContext renders the last limit messages as "Reader:"/"Buddy:" lines.
func (s *Store) RecentContext(ctx context.Context, sessionID string, limit int) (string, error) {
	msgs, err := s.Messages(ctx, sessionID, limit)
	if err != nil {
		return "", err
	}
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		prefix := "Buddy"
		if m.Role == "user" {
			prefix = "Reader"
		}
		lines = append(lines, prefix+": "+m.Content)
	}
	return strings.Join(lines, "\n"), nil
}

func (s *Store) AddEpisode(ctx context.Context, sessionID, state string, page int, duration time.Duration) (Episode, error) {
	ep := Episode{ID: uuid.NewString(), SessionID: sessionID, State: state, Page: page, Duration: duration, At: s.now()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.exists(ctx, sessionID); err != nil {
		return Episode{}, err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state_episodes (id, session_id, state, page, duration_s, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.SessionID, ep.State, ep.Page, ep.Duration.Seconds(), ep.At.UnixNano())
	if err != nil {
		return Episode{}, fmt.Errorf("failed to add episode: %w", err)
	}
	return ep, nil
}

// Episodes returns the last limit episodes in chronological order.
func (s *Store) Episodes(ctx context.Context, sessionID string, limit int) ([]Episode, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, state, page, duration_s, timestamp FROM state_episodes
		WHERE session_id = ? ORDER BY timestamp DESC, rowid DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query episodes: %w", err)
	}
	defer rows.Close()

	var out []Episode
	for rows.Next() {
		var e Episode
		var secs float64
		var ts int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.State, &e.Page, &secs, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan episode: %w", err)
		}
		e.Duration = time.Duration(secs * float64(time.Second))
		e.At = time.Unix(0, ts)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// StuckPages lists, in ascending order, the pages where the reader got stuck.
func (s *Store) StuckPages(ctx context.Context, sessionID string) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT page FROM state_episodes
		WHERE session_id = ? AND state = 'stuck' ORDER BY page`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck pages: %w", err)
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DocStruggleSummary groups STUCK and TIRED episodes by page across every
// session of a document, most frequent first.
func (s *Store) DocStruggleSummary(ctx context.Context, docID string) ([]StrugglePoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.state, e.page, COUNT(*) AS n
		FROM state_episodes e
		JOIN sessions s ON s.id = e.session_id
		WHERE s.doc_id = ? AND e.state IN ('stuck', 'tired')
		GROUP BY e.state, e.page
		ORDER BY n DESC, e.page ASC, e.state ASC`, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize struggles: %w", err)
	}
	defer rows.Close()
	out := []StrugglePoint{}
	for rows.Next() {
		var p StrugglePoint
		if err := rows.Scan(&p.State, &p.Page, &p.Occurrences); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) exists(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to look up session: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(sc rowScanner) (Session, error) {
	var sess Session
	var started int64
	var ended sql.NullInt64
	if err := sc.Scan(&sess.ID, &sess.DocID, &sess.DocName, &started, &ended, &sess.Summary); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sess, err
		}
		return sess, fmt.Errorf("failed to scan session: %w", err)
	}
	sess.StartedAt = time.Unix(0, started)
	if ended.Valid {
		t := time.Unix(0, ended.Int64)
		sess.EndedAt = &t
	}
	return sess, nil
}
