// Package dedup serializes occurrence writes per fingerprint so concurrent
// identical events fold into a single issue.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/bugtrap/internal/store"
	"github.com/kiranshivaraju/bugtrap/pkg/models"
)

// StorageError reports an occurrence that could not be persisted.
type StorageError struct {
	Fingerprint models.Fingerprint
	Err         error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("record occurrence %s: %v", e.Fingerprint, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Recorder is the store write path the coordinator drives.
type Recorder interface {
	RecordOccurrence(ctx context.Context, ev *models.Event) (*models.Issue, error)
}

// Coordinator is the only caller of the occurrence write path.
type Coordinator struct {
	store Recorder
	locks *lockArena
}

// New creates a Coordinator writing through s.
func New(s Recorder) *Coordinator {
	return &Coordinator{store: s, locks: newLockArena()}
}

// Record appends ev to the issue for ev.Fingerprint, creating the issue on
// first sight. Writes for the same fingerprint are serialized; different
// fingerprints proceed in parallel. A conflicting write is retried once.
func (c *Coordinator) Record(ctx context.Context, ev *models.Event) (*models.Issue, error) {
	unlock := c.locks.lock(ev.Fingerprint)
	defer unlock()

	issue, err := c.store.RecordOccurrence(ctx, ev)
	if errors.Is(err, store.ErrConflict) && ctx.Err() == nil {
		slog.Debug("occurrence write conflicted, retrying", "fingerprint", ev.Fingerprint.String())
		issue, err = c.store.RecordOccurrence(ctx, ev)
	}
	if err != nil {
		return nil, &StorageError{Fingerprint: ev.Fingerprint, Err: err}
	}
	return issue, nil
}
