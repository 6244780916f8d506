// Package maintenance is the periodic housekeeping run by the scheduler:
// retention pruning, expired session cleanup and the issue digest.
package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/bugtrap/internal/cache"
	"github.com/kiranshivaraju/bugtrap/internal/config"
	"github.com/kiranshivaraju/bugtrap/internal/store"
	"github.com/kiranshivaraju/bugtrap/pkg/models"
)

// Store is the subset of store.Store the job needs.
type Store interface {
	PruneIssues(ctx context.Context, policy store.PrunePolicy) (int64, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
	CountIssuesByStatus(ctx context.Context) (map[models.IssueStatus]int64, error)
}

// Report summarizes one run.
type Report struct {
	Pruned          int64              `json:"pruned"`
	SessionsExpired int64              `json:"sessions_expired"`
	Digest          models.IssueDigest `json:"digest"`
}

// Job prunes and digests. Every step is idempotent, so a run that fails
// halfway is simply finished by the next one.
type Job struct {
	store        Store
	cache        cache.Cache
	retention    time.Duration
	keepResolved bool
	now          func() time.Time
}

// New creates a Job. c may be cache.Nop.
func New(s Store, c cache.Cache, cfg config.SchedulerConfig) *Job {
	return &Job{
		store:        s,
		cache:        c,
		retention:    cfg.Retention,
		keepResolved: cfg.KeepResolved,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Run performs one maintenance pass.
func (j *Job) Run(ctx context.Context) (Report, error) {
	var r Report
	now := j.now()

	if j.retention > 0 {
		n, err := j.store.PruneIssues(ctx, store.PrunePolicy{
			Cutoff:       now.Add(-j.retention),
			KeepResolved: j.keepResolved,
		})
		if err != nil {
			return r, fmt.Errorf("prune issues: %w", err)
		}
		r.Pruned = n
	}

	n, err := j.store.DeleteExpiredSessions(ctx, now)
	if err != nil {
		return r, fmt.Errorf("sweep sessions: %w", err)
	}
	r.SessionsExpired = n

	counts, err := j.store.CountIssuesByStatus(ctx)
	if err != nil {
		return r, fmt.Errorf("count issues: %w", err)
	}
	r.Digest = models.IssueDigest{
		Open:       counts[models.IssueStatusOpen],
		Resolved:   counts[models.IssueStatusResolved],
		Ignored:    counts[models.IssueStatusIgnored],
		ComputedAt: now,
	}
	j.publish(ctx, r.Digest)

	slog.Info("maintenance completed",
		"pruned", r.Pruned,
		"sessions_expired", r.SessionsExpired,
		"open", r.Digest.Open,
		"resolved", r.Digest.Resolved,
		"ignored", r.Digest.Ignored,
	)
	return r, nil
}

// Task adapts Run to the scheduler's signature.
func (j *Job) Task(ctx context.Context) error {
	_, err := j.Run(ctx)
	return err
}

func (j *Job) publish(ctx context.Context, d models.IssueDigest) {
	data, err := json.Marshal(d)
	if err != nil {
		slog.Warn("marshal digest", "error", err)
		return
	}
	if err := j.cache.Set(ctx, cache.DigestKey, data, 0); err != nil {
		slog.Warn("publish digest failed", "error", err)
	}
}
