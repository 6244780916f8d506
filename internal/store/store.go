package store

import (
	"context"
	"errors"
	"time"

	"github.com/kiranshivaraju/bugtrap/pkg/models"
)

var ErrNotFound = errors.New("resource not found")

// ErrConflict reports a transient write conflict: a unique violation from a
// concurrent insert, a serialization failure or a busy database. Callers may
// retry the whole operation.
var ErrConflict = errors.New("write conflict")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// RecordOccurrence upserts the issue for ev.Fingerprint and appends ev in
	// one transaction. A new issue starts with count 1; an existing one gets
	// event_count+1 and last_seen=max(last_seen, ev.ReceivedAt). Status and
	// pinned are never touched. ev.Seq is filled in on success.
	RecordOccurrence(ctx context.Context, ev *models.Event) (*models.Issue, error)

	GetIssue(ctx context.Context, fp models.Fingerprint) (*models.Issue, error)
	ListIssues(ctx context.Context, filter IssueFilter) ([]*models.Issue, int, error)
	// ListEvents returns events of one issue with Seq > afterSeq in insertion order.
	ListEvents(ctx context.Context, fp models.Fingerprint, afterSeq int64, limit int) ([]*models.Event, error)
	// UpdateIssue applies every set field of u in a single statement.
	UpdateIssue(ctx context.Context, fp models.Fingerprint, u IssueUpdate) (*models.Issue, error)
	DeleteIssue(ctx context.Context, fp models.Fingerprint) error
	PruneIssues(ctx context.Context, policy PrunePolicy) (int64, error)
	CountIssuesByStatus(ctx context.Context) (map[models.IssueStatus]int64, error)

	UpsertUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, username string) (*models.User, error)

	CreateSession(ctx context.Context, sess *models.Session) error
	GetSession(ctx context.Context, tokenHash string) (*models.Session, error)
	DeleteSession(ctx context.Context, tokenHash string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

type IssueFilter struct {
	Status models.IssueStatus
	Page   int
	Limit  int
}

// IssueUpdate carries the triage fields a client may change. Nil fields are
// left as stored.
type IssueUpdate struct {
	Status *models.IssueStatus
	Pinned *bool
}

// args returns the status and pinned bind values, NULL for unset fields.
func (u IssueUpdate) args() (status, pinned any) {
	if u.Status != nil {
		status = string(*u.Status)
	}
	if u.Pinned != nil {
		pinned = *u.Pinned
	}
	return status, pinned
}

// PrunePolicy selects issues for retention deletion: last_seen before Cutoff,
// never pinned, and not resolved when KeepResolved is set.
type PrunePolicy struct {
	Cutoff       time.Time
	KeepResolved bool
}

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
	maxEventsLimit   = 500
)

// pagination normalizes page/limit into limit and offset.
func (f IssueFilter) pagination() (limit, offset int) {
	limit = f.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}

func eventsLimit(limit int) int {
	if limit <= 0 || limit > maxEventsLimit {
		return maxEventsLimit
	}
	return limit
}
