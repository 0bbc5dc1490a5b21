package storage

import (
	"context"
	"time"

	"github.com/aatumaykin/seorunner/internal/usage"
)

func (s *Store) InsertUsage(ctx context.Context, r usage.Record) error {
	if r.At.IsZero() {
		r.At = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_log(principal, tool, outcome, duration_ms, at) VALUES(?,?,?,?,?)`,
		r.Principal, r.Tool, string(r.Outcome), r.DurationMs, millis(r.At),
	)
	return err
}

// CountUsageSince counts calls by principal at or after since. Rate-limited
// attempts never reached the worker and are not counted.
func (s *Store) CountUsageSince(ctx context.Context, principal string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_log WHERE principal = ? AND at >= ? AND outcome != ?`,
		principal, millis(since), string(usage.OutcomeRateLimited),
	).Scan(&n)
	return n, err
}

func (s *Store) InsertAudit(ctx context.Context, e usage.AuditEntry) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_history(owner_id, key_id, tool, args, result, duration_ms, plan, at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.OwnerID, nullStr(e.KeyID), e.Tool, nullStr(e.ArgsJSON), nullStr(e.Result),
		e.DurationMs, nullStr(e.Plan), millis(e.At),
	)
	return err
}

// CountAudit returns the number of audit rows for an owner.
func (s *Store) CountAudit(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_history WHERE owner_id = ?`, ownerID).Scan(&n)
	return n, err
}
