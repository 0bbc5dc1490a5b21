package usage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu     sync.Mutex
	usage  []Record
	audits []AuditEntry
	err    error
}

func (m *memStore) InsertUsage(ctx context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.usage = append(m.usage, r)
	return nil
}

func (m *memStore) CountUsageSince(ctx context.Context, principal string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	n := 0
	for _, r := range m.usage {
		if r.Principal == principal && !r.At.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) InsertAudit(ctx context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, e)
	return nil
}

func newTracker(store *memStore, now time.Time) *Tracker {
	tr := NewTracker(store, map[string]Plan{
		"free": {MonthlyCalls: 2, MaxScheduledJobs: 1},
		"pro":  {MonthlyCalls: 0, MaxScheduledJobs: 20},
	}, nil)
	tr.now = func() time.Time { return now }
	return tr
}

func TestTracker_LogUsage(t *testing.T) {
	store := &memStore{}
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tr := newTracker(store, now)

	require.NoError(t, tr.LogUsage(context.Background(), "owner1", "site_audit", OutcomeSuccess, 1500*time.Millisecond))

	require.Len(t, store.usage, 1)
	assert.Equal(t, Record{
		Principal:  "owner1",
		Tool:       "site_audit",
		Outcome:    OutcomeSuccess,
		DurationMs: 1500,
		At:         now,
	}, store.usage[0])
}

func TestTracker_LogUsageStoreError(t *testing.T) {
	tr := newTracker(&memStore{err: errors.New("disk full")}, time.Now())
	err := tr.LogUsage(context.Background(), "o", "t", OutcomeError, time.Second)
	assert.ErrorContains(t, err, "disk full")
}

func TestTracker_WithinQuota(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store := &memStore{usage: []Record{
		{Principal: "o1", At: time.Date(2026, 2, 28, 23, 59, 0, 0, time.UTC)},
		{Principal: "o1", At: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{Principal: "o2", At: now},
	}}
	tr := newTracker(store, now)
	ctx := context.Background()

	ok, err := tr.WithinQuota(ctx, "o1", "free")
	require.NoError(t, err)
	assert.True(t, ok, "only one call this month")

	store.usage = append(store.usage, Record{Principal: "o1", At: now})
	ok, err = tr.WithinQuota(ctx, "o1", "free")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = tr.WithinQuota(ctx, "o1", "pro")
	require.NoError(t, err)
	assert.True(t, ok, "unlimited plan")

	ok, err = tr.WithinQuota(ctx, "o1", "unknown")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTracker_CaptureAuditRedacts(t *testing.T) {
	store := &memStore{}
	tr := newTracker(store, time.Now())

	err := tr.CaptureAudit(context.Background(), "o", "k", "tool",
		map[string]any{"site_url": "example.com"},
		`token: Bearer abcdefghijklmnop `+strings.Repeat("x", maxAuditResult),
		2*time.Second, "pro")
	require.NoError(t, err)

	require.Len(t, store.audits, 1)
	a := store.audits[0]
	assert.JSONEq(t, `{"site_url":"example.com"}`, a.ArgsJSON)
	assert.NotContains(t, a.Result, "abcdefghijklmnop")
	assert.True(t, strings.HasSuffix(a.Result, "[TRUNCATED]"))
	assert.Equal(t, int64(2000), a.DurationMs)
	assert.Equal(t, "pro", a.Plan)
}

func TestTracker_Plan(t *testing.T) {
	tr := newTracker(&memStore{}, time.Now())
	assert.Equal(t, 1, tr.MaxScheduledJobs("free"))
	assert.Equal(t, "free", tr.Plan("free").Name)
	assert.Equal(t, 0, tr.MaxScheduledJobs("nope"))
}

func TestMonthStart(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	now := time.Date(2026, 2, 28, 21, 0, 0, 0, loc) // March 1st 02:00 UTC
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), MonthStart(now))
}
