package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kiranshivaraju/bugtrap/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool  *pgxpool.Pool
	codec *Codec
}

// NewPostgresStore creates a new PostgresStore. The store owns codec.
func NewPostgresStore(pool *pgxpool.Pool, codec *Codec) *PostgresStore {
	return &PostgresStore{pool: pool, codec: codec}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	s.codec.Close()
	return nil
}

func scanPGIssue(row rowScanner) (*models.Issue, error) {
	var f issueFields
	err := row.Scan(&f.issue.ID, &f.fingerprint, &f.eventType, &f.issue.Name, &f.issue.Message,
		&f.issue.FirstSeen, &f.issue.LastSeen, &f.issue.EventCount, &f.status, &f.issue.Pinned,
		&f.issue.SampleEventID)
	if err != nil {
		return nil, err
	}
	return f.finish()
}

// --- Occurrences ---

func (s *PostgresStore) RecordOccurrence(ctx context.Context, ev *models.Event) (*models.Issue, error) {
	blob, err := encodePayload(s.codec, &ev.Payload)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, classifyPG("begin occurrence", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	fp := ev.Fingerprint.String()
	issue, err := scanPGIssue(tx.QueryRow(ctx,
		`INSERT INTO issues (id, fingerprint, type, name, message, first_seen, last_seen, event_count, status, pinned, sample_event_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $6, 1, 'open', FALSE, $7)
		 ON CONFLICT (fingerprint) DO UPDATE SET
		   event_count = issues.event_count + 1,
		   last_seen = GREATEST(issues.last_seen, EXCLUDED.last_seen)
		 RETURNING `+issueColumns,
		uuid.New(), fp, int(ev.Payload.Type), ev.Payload.Name, ev.Payload.Message, ev.ReceivedAt, ev.ID))
	if err != nil {
		return nil, classifyPG("upsert issue", err)
	}

	var seq int64
	err = tx.QueryRow(ctx,
		`INSERT INTO events (id, fingerprint, received_at, payload) VALUES ($1, $2, $3, $4) RETURNING seq`,
		ev.ID, fp, ev.ReceivedAt, blob).Scan(&seq)
	if err != nil {
		return nil, classifyPG("append event", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classifyPG("commit occurrence", err)
	}
	ev.Seq = seq
	return issue, nil
}

// --- Issues ---

func (s *PostgresStore) GetIssue(ctx context.Context, fp models.Fingerprint) (*models.Issue, error) {
	issue, err := scanPGIssue(s.pool.QueryRow(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE fingerprint = $1`, fp.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get issue: %w", err)
	}
	return issue, nil
}

func (s *PostgresStore) ListIssues(ctx context.Context, filter IssueFilter) ([]*models.Issue, int, error) {
	where := "TRUE"
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		where = fmt.Sprintf("status = $%d", argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM issues WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count issues: %w", err)
	}

	limit, offset := filter.pagination()
	dataQuery := fmt.Sprintf(
		`SELECT %s FROM issues WHERE %s ORDER BY last_seen DESC, fingerprint LIMIT $%d OFFSET $%d`,
		issueColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	issues := []*models.Issue{}
	for rows.Next() {
		issue, err := scanPGIssue(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan issue: %w", err)
		}
		issues = append(issues, issue)
	}
	return issues, total, rows.Err()
}

func (s *PostgresStore) ListEvents(ctx context.Context, fp models.Fingerprint, afterSeq int64, limit int) ([]*models.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, id, received_at, payload FROM events
		 WHERE fingerprint = $1 AND seq > $2 ORDER BY seq LIMIT $3`,
		fp.String(), afterSeq, eventsLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := []*models.Event{}
	for rows.Next() {
		ev := &models.Event{Fingerprint: fp}
		var blob []byte
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.ReceivedAt, &blob); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if ev.Payload, err = decodePayload(s.codec, blob); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", ev.ID, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) UpdateIssue(ctx context.Context, fp models.Fingerprint, u IssueUpdate) (*models.Issue, error) {
	status, pinned := u.args()
	issue, err := scanPGIssue(s.pool.QueryRow(ctx,
		`UPDATE issues SET status = COALESCE($2::text, status), pinned = COALESCE($3::boolean, pinned)
		 WHERE fingerprint = $1 RETURNING `+issueColumns,
		fp.String(), status, pinned))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update issue: %w", err)
	}
	return issue, nil
}

func (s *PostgresStore) DeleteIssue(ctx context.Context, fp models.Fingerprint) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM issues WHERE fingerprint = $1`, fp.String())
	if err != nil {
		return fmt.Errorf("delete issue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) PruneIssues(ctx context.Context, policy PrunePolicy) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM issues
		 WHERE last_seen < $1 AND NOT pinned AND NOT ($2 AND status = 'resolved')`,
		policy.Cutoff, policy.KeepResolved)
	if err != nil {
		return 0, fmt.Errorf("prune issues: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) CountIssuesByStatus(ctx context.Context) (map[models.IssueStatus]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM issues GROUP BY status`)
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

func (s *PostgresStore) UpsertUser(ctx context.Context, user *models.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (username, password_hash, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (username) DO UPDATE SET password_hash = EXCLUDED.password_hash`,
		user.Username, user.PasswordHash, user.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT username, password_hash, created_at FROM users WHERE username = $1`, username,
	).Scan(&u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *models.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (token_hash, username, created_at, expires_at) VALUES ($1, $2, $3, $4)`,
		sess.TokenHash, sess.Username, sess.CreatedAt, sess.ExpiresAt)
	if err != nil {
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return classifyPG("create session", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, tokenHash string) (*models.Session, error) {
	var sess models.Session
	err := s.pool.QueryRow(ctx,
		`SELECT token_hash, username, created_at, expires_at FROM sessions WHERE token_hash = $1`, tokenHash,
	).Scan(&sess.TokenHash, &sess.Username, &sess.CreatedAt, &sess.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, tokenHash string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// classifyPG maps retryable Postgres failures onto ErrConflict.
func classifyPG(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", // unique_violation
			"40001", // serialization_failure
			"40P01": // deadlock_detected
			return fmt.Errorf("%s: %w: %w", op, ErrConflict, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isForeignKeyError checks if a pgx error is a foreign key violation.
func isForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503" // foreign_key_violation
	}
	return false
}

