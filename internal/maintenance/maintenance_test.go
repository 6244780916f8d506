package maintenance

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/bugtrap/internal/cache"
	"github.com/kiranshivaraju/bugtrap/internal/config"
	"github.com/kiranshivaraju/bugtrap/internal/store"
	"github.com/kiranshivaraju/bugtrap/pkg/models"
)

// memCache is an in-memory cache.Cache for asserting what the job publishes.
type memCache struct {
	cache.Nop
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.data[key] = value
	return nil
}

func (m *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func openStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), config.DatabaseConfig{
		URL: "sqlite:" + filepath.Join(t.TempDir(), "maintenance.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(t *testing.T, s store.Store, fp models.Fingerprint, at time.Time) {
	t.Helper()
	_, err := s.RecordOccurrence(context.Background(), &models.Event{
		ID:          uuid.New(),
		Fingerprint: fp,
		ReceivedAt:  at,
		Payload:     models.EventPayload{Type: models.EventTypeConsoleError, Message: "boom"},
	})
	require.NoError(t, err)
}

func TestRun_PrunesAndIsIdempotent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	seed(t, s, models.Fingerprint{1}, now.Add(-100*24*time.Hour)) // expired
	seed(t, s, models.Fingerprint{2}, now.Add(-100*24*time.Hour)) // expired, pinned
	seed(t, s, models.Fingerprint{3}, now.Add(-100*24*time.Hour)) // expired, resolved
	seed(t, s, models.Fingerprint{4}, now.Add(-time.Hour))        // fresh
	_, err := s.UpdateIssue(ctx, models.Fingerprint{2}, pinUpdate(true))
	require.NoError(t, err)
	_, err = s.UpdateIssue(ctx, models.Fingerprint{3}, statusUpdate(models.IssueStatusResolved))
	require.NoError(t, err)

	c := &memCache{}
	job := New(s, c, config.SchedulerConfig{Retention: 90 * 24 * time.Hour, KeepResolved: true})
	job.now = func() time.Time { return now }

	first, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Pruned)
	assert.Equal(t, int64(2), first.Digest.Open)
	assert.Equal(t, int64(1), first.Digest.Resolved)

	second, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Pruned)
	assert.Equal(t, first.Digest, second.Digest)

	raw, found, err := c.Get(ctx, cache.DigestKey)
	require.NoError(t, err)
	require.True(t, found)
	var published models.IssueDigest
	require.NoError(t, json.Unmarshal(raw, &published))
	assert.Equal(t, int64(2), published.Open)
	assert.True(t, published.ComputedAt.Equal(now))
}

func TestRun_ResolvedPrunedWithoutKeepResolved(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seed(t, s, models.Fingerprint{1}, now.Add(-48*time.Hour))
	_, err := s.UpdateIssue(ctx, models.Fingerprint{1}, statusUpdate(models.IssueStatusResolved))
	require.NoError(t, err)

	job := New(s, cache.Nop{}, config.SchedulerConfig{Retention: 24 * time.Hour})
	r, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.Pruned)
}

func TestRun_SweepsExpiredSessions(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertUser(ctx, &models.User{Username: "admin", PasswordHash: "x", CreatedAt: now}))
	require.NoError(t, s.CreateSession(ctx, &models.Session{
		TokenHash: "old", Username: "admin", CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))
	require.NoError(t, s.CreateSession(ctx, &models.Session{
		TokenHash: "new", Username: "admin", CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	job := New(s, cache.Nop{}, config.SchedulerConfig{Retention: 24 * time.Hour})
	r, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.SessionsExpired)

	_, err = s.GetSession(ctx, "new")
	assert.NoError(t, err)
}

func statusUpdate(st models.IssueStatus) store.IssueUpdate {
	return store.IssueUpdate{Status: &st}
}

func pinUpdate(pinned bool) store.IssueUpdate {
	return store.IssueUpdate{Pinned: &pinned}
}
