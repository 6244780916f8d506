package store

import (
	"encoding/json"
	"fmt"

	"github.com/kiranshivaraju/bugtrap/pkg/models"
)

const issueColumns = `id, fingerprint, type, name, message, first_seen, last_seen, event_count, status, pinned, sample_event_id`

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func encodePayload(c *Codec, p *models.EventPayload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return c.Encode(raw)
}

func decodePayload(c *Codec, blob []byte) (models.EventPayload, error) {
	var p models.EventPayload
	raw, err := c.Decode(blob)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("unmarshal event payload: %w", err)
	}
	return p, nil
}

// issueFields are the scan targets shared by both backends; only the time
// columns differ in representation.
type issueFields struct {
	issue       models.Issue
	fingerprint string
	eventType   int
	status      string
}

func (f *issueFields) finish() (*models.Issue, error) {
	fp, err := models.ParseFingerprint(f.fingerprint)
	if err != nil {
		return nil, fmt.Errorf("scan issue fingerprint: %w", err)
	}
	f.issue.Fingerprint = fp
	f.issue.Type = models.EventTypeFromInt(f.eventType)
	f.issue.Status = models.IssueStatus(f.status)
	return &f.issue, nil
}
