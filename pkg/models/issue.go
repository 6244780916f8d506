package models

import (
	"time"

	"github.com/google/uuid"
)

// IssueStatus is the management state of an issue. Ingestion never changes it.
type IssueStatus string

const (
	IssueStatusOpen     IssueStatus = "open"
	IssueStatusResolved IssueStatus = "resolved"
	IssueStatusIgnored  IssueStatus = "ignored"
)

// Valid reports whether s is one of the known statuses.
func (s IssueStatus) Valid() bool {
	switch s {
	case IssueStatusOpen, IssueStatusResolved, IssueStatusIgnored:
		return true
	}
	return false
}

// Issue is the deduplicated aggregate of every event sharing a fingerprint.
type Issue struct {
	ID            uuid.UUID   `db:"id"              json:"id"`
	Fingerprint   Fingerprint `db:"fingerprint"     json:"fingerprint"`
	Type          EventType   `db:"type"            json:"type"`
	Name          string      `db:"name"            json:"name"`
	Message       string      `db:"message"         json:"message"`
	FirstSeen     time.Time   `db:"first_seen"      json:"first_seen"`
	LastSeen      time.Time   `db:"last_seen"       json:"last_seen"`
	EventCount    int64       `db:"event_count"     json:"event_count"`
	Status        IssueStatus `db:"status"          json:"status"`
	Pinned        bool        `db:"pinned"          json:"pinned"`
	SampleEventID uuid.UUID   `db:"sample_event_id" json:"sample_event_id"`
}

// IssueDigest is the per-status issue count snapshot produced by maintenance.
type IssueDigest struct {
	Open       int64     `json:"open"`
	Resolved   int64     `json:"resolved"`
	Ignored    int64     `json:"ignored"`
	ComputedAt time.Time `json:"computed_at"`
}
