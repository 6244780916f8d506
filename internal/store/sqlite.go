package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/kiranshivaraju/bugtrap/pkg/models"
)

// Times are stored as INTEGER unix nanoseconds so ordering and max() work
// natively and no text time format has to round-trip through the driver.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS issues (
    id              TEXT PRIMARY KEY,
    fingerprint     TEXT NOT NULL UNIQUE,
    type            INTEGER NOT NULL,
    name            TEXT NOT NULL DEFAULT '',
    message         TEXT NOT NULL,
    first_seen      INTEGER NOT NULL,
    last_seen       INTEGER NOT NULL,
    event_count     INTEGER NOT NULL DEFAULT 1,
    status          TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'resolved', 'ignored')),
    pinned          INTEGER NOT NULL DEFAULT 0,
    sample_event_id TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_issues_last_seen ON issues (last_seen);
CREATE INDEX IF NOT EXISTS idx_issues_status_last_seen ON issues (status, last_seen DESC);

CREATE TABLE IF NOT EXISTS events (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    id          TEXT NOT NULL UNIQUE,
    fingerprint TEXT NOT NULL REFERENCES issues (fingerprint) ON DELETE CASCADE,
    received_at INTEGER NOT NULL,
    payload     BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_fingerprint_seq ON events (fingerprint, seq);

CREATE TABLE IF NOT EXISTS users (
    username      TEXT PRIMARY KEY,
    password_hash TEXT NOT NULL,
    created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
    token_hash TEXT PRIMARY KEY,
    username   TEXT NOT NULL REFERENCES users (username) ON DELETE CASCADE,
    created_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions (expires_at);
`

// SQLiteStore implements the Store interface on an embedded SQLite file.
type SQLiteStore struct {
	db    *sql.DB
	codec *Codec
}

// OpenSQLite opens (creating if needed) the database at path in WAL mode
// and applies the schema. The store owns codec.
func OpenSQLite(ctx context.Context, path string, codec *Codec) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	file := strings.TrimPrefix(path, "file:")
	if i := strings.IndexByte(file, '?'); i >= 0 {
		file = file[:i]
	}
	if dir := filepath.Dir(file); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; the busy timeout covers other processes such as bugtrapctl.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &SQLiteStore{db: db, codec: codec}, nil
}

func sqliteDSN(path string) string {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=foreign_keys(1)&_txlock=immediate"
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	s.codec.Close()
	return s.db.Close()
}

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func scanSQLiteIssue(row rowScanner) (*models.Issue, error) {
	var f issueFields
	var first, last int64
	err := row.Scan(&f.issue.ID, &f.fingerprint, &f.eventType, &f.issue.Name, &f.issue.Message,
		&first, &last, &f.issue.EventCount, &f.status, &f.issue.Pinned, &f.issue.SampleEventID)
	if err != nil {
		return nil, err
	}
	f.issue.FirstSeen = fromNanos(first)
	f.issue.LastSeen = fromNanos(last)
	return f.finish()
}

// --- Occurrences ---

func (s *SQLiteStore) RecordOccurrence(ctx context.Context, ev *models.Event) (*models.Issue, error) {
	blob, err := encodePayload(s.codec, &ev.Payload)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifySQLite("begin occurrence", err)
	}
	defer func() { _ = tx.Rollback() }()

	fp := ev.Fingerprint.String()
	received := toNanos(ev.ReceivedAt)
	issue, err := scanSQLiteIssue(tx.QueryRowContext(ctx,
		`INSERT INTO issues (id, fingerprint, type, name, message, first_seen, last_seen, event_count, status, pinned, sample_event_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1, 'open', 0, ?)
		 ON CONFLICT (fingerprint) DO UPDATE SET
		   event_count = issues.event_count + 1,
		   last_seen = max(issues.last_seen, excluded.last_seen)
		 RETURNING `+issueColumns,
		uuid.New(), fp, int(ev.Payload.Type), ev.Payload.Name, ev.Payload.Message, received, received, ev.ID))
	if err != nil {
		return nil, classifySQLite("upsert issue", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, fingerprint, received_at, payload) VALUES (?, ?, ?, ?)`,
		ev.ID, fp, received, blob)
	if err != nil {
		return nil, classifySQLite("append event", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, classifySQLite("commit occurrence", err)
	}
	ev.Seq = seq
	return issue, nil
}

// --- Issues ---

func (s *SQLiteStore) GetIssue(ctx context.Context, fp models.Fingerprint) (*models.Issue, error) {
	issue, err := scanSQLiteIssue(s.db.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE fingerprint = ?`, fp.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get issue: %w", err)
	}
	return issue, nil
}

func (s *SQLiteStore) ListIssues(ctx context.Context, filter IssueFilter) ([]*models.Issue, int, error) {
	where := "1 = 1"
	args := []any{}
	if filter.Status != "" {
		where = "status = ?"
		args = append(args, string(filter.Status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM issues WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count issues: %w", err)
	}

	limit, offset := filter.pagination()
	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE `+where+` ORDER BY last_seen DESC, fingerprint LIMIT ? OFFSET ?`,
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	issues := []*models.Issue{}
	for rows.Next() {
		issue, err := scanSQLiteIssue(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan issue: %w", err)
		}
		issues = append(issues, issue)
	}
	return issues, total, rows.Err()
}

func (s *SQLiteStore) ListEvents(ctx context.Context, fp models.Fingerprint, afterSeq int64, limit int) ([]*models.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, received_at, payload FROM events
		 WHERE fingerprint = ? AND seq > ? ORDER BY seq LIMIT ?`,
		fp.String(), afterSeq, eventsLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := []*models.Event{}
	for rows.Next() {
		ev := &models.Event{Fingerprint: fp}
		var received int64
		var blob []byte
		if err := rows.Scan(&ev.Seq, &ev.ID, &received, &blob); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.ReceivedAt = fromNanos(received)
		if ev.Payload, err = decodePayload(s.codec, blob); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", ev.ID, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) UpdateIssue(ctx context.Context, fp models.Fingerprint, u IssueUpdate) (*models.Issue, error) {
	status, pinned := u.args()
	issue, err := scanSQLiteIssue(s.db.QueryRowContext(ctx,
		`UPDATE issues SET status = COALESCE(?, status), pinned = COALESCE(?, pinned)
		 WHERE fingerprint = ? RETURNING `+issueColumns,
		status, pinned, fp.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update issue: %w", err)
	}
	return issue, nil
}

func (s *SQLiteStore) DeleteIssue(ctx context.Context, fp models.Fingerprint) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM issues WHERE fingerprint = ?`, fp.String())
	if err != nil {
		return fmt.Errorf("delete issue: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) PruneIssues(ctx context.Context, policy PrunePolicy) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM issues
		 WHERE last_seen < ? AND pinned = 0 AND NOT (? AND status = 'resolved')`,
		toNanos(policy.Cutoff), policy.KeepResolved)
	if err != nil {
		return 0, fmt.Errorf("prune issues: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune issues: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) CountIssuesByStatus(ctx context.Context) (map[models.IssueStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM issues GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count issues by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.IssueStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[models.IssueStatus(status)] = n
	}
	return counts, rows.Err()
}

// --- Users & Sessions ---

func (s *SQLiteStore) UpsertUser(ctx context.Context, user *models.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (username) DO UPDATE SET password_hash = excluded.password_hash`,
		user.Username, user.PasswordHash, toNanos(user.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT username, password_hash, created_at FROM users WHERE username = ?`, username,
	).Scan(&u.Username, &u.PasswordHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.CreatedAt = fromNanos(created)
	return &u, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (token_hash, username, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		sess.TokenHash, sess.Username, toNanos(sess.CreatedAt), toNanos(sess.ExpiresAt))
	if err != nil {
		if errors.Is(err, sqlite3.CONSTRAINT_FOREIGNKEY) {
			return ErrNotFound
		}
		return classifySQLite("create session", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, tokenHash string) (*models.Session, error) {
	var sess models.Session
	var created, expires int64
	err := s.db.QueryRowContext(ctx,
		`SELECT token_hash, username, created_at, expires_at FROM sessions WHERE token_hash = ?`, tokenHash,
	).Scan(&sess.TokenHash, &sess.Username, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.CreatedAt = fromNanos(created)
	sess.ExpiresAt = fromNanos(expires)
	return &sess, nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, tokenHash string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token_hash = ?`, tokenHash)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, toNanos(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return n, nil
}

// classifySQLite maps busy databases and unique violations onto ErrConflict.
func classifySQLite(op string, err error) error {
	if errors.Is(err, sqlite3.BUSY) || errors.Is(err, sqlite3.LOCKED) ||
		errors.Is(err, sqlite3.CONSTRAINT_UNIQUE) || errors.Is(err, sqlite3.CONSTRAINT_PRIMARYKEY) {
		return fmt.Errorf("%s: %w: %w", op, ErrConflict, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
