// Package usage records tool-call outcomes, captures audit history and
// enforces per-plan monthly quotas.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aatumaykin/seorunner/internal/logger"
	"github.com/aatumaykin/seorunner/internal/sanitizer"
)

type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeError       Outcome = "error"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeRateLimited Outcome = "rate_limited"
)

// maxAuditResult bounds stored result text.
const maxAuditResult = 64 * 1024

type Record struct {
	Principal  string
	Tool       string
	Outcome    Outcome
	DurationMs int64
	At         time.Time
}

type AuditEntry struct {
	OwnerID    string
	KeyID      string
	Tool       string
	ArgsJSON   string
	Result     string
	DurationMs int64
	Plan       string
	At         time.Time
}

// Plan limits one tier of accounts. Zero means unlimited.
type Plan struct {
	Name             string
	MonthlyCalls     int
	MaxScheduledJobs int
}

type Store interface {
	InsertUsage(ctx context.Context, r Record) error
	CountUsageSince(ctx context.Context, principal string, since time.Time) (int, error)
	InsertAudit(ctx context.Context, e AuditEntry) error
}

type Tracker struct {
	store Store
	plans map[string]Plan
	log   *logger.Logger
	now   func() time.Time
}

func NewTracker(store Store, plans map[string]Plan, log *logger.Logger) *Tracker {
	if log == nil {
		log = logger.Nop()
	}
	return &Tracker{
		store: store,
		plans: plans,
		log:   log.Component("usage"),
		now:   time.Now,
	}
}

// Plan returns the limits for name. Unknown plans get no limits.
func (t *Tracker) Plan(name string) Plan {
	if p, ok := t.plans[name]; ok {
		p.Name = name
		return p
	}
	return Plan{Name: name}
}

// MaxScheduledJobs is the job cap of the plan, 0 for unlimited.
func (t *Tracker) MaxScheduledJobs(plan string) int {
	return t.Plan(plan).MaxScheduledJobs
}

func (t *Tracker) LogUsage(ctx context.Context, principal, tool string, outcome Outcome, d time.Duration) error {
	r := Record{
		Principal:  principal,
		Tool:       tool,
		Outcome:    outcome,
		DurationMs: d.Milliseconds(),
		At:         t.now().UTC(),
	}

	t.log.InfoCtx(ctx, "tool usage",
		logger.Field{Key: "principal", Value: principal},
		logger.Field{Key: "tool", Value: tool},
		logger.Field{Key: "outcome", Value: string(outcome)},
		logger.Field{Key: "duration_ms", Value: r.DurationMs})

	if err := t.store.InsertUsage(ctx, r); err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

func (t *Tracker) CaptureAudit(ctx context.Context, ownerID, keyID, tool string, args map[string]any, result string, d time.Duration, plan string) error {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to encode audit args: %w", err)
	}

	e := AuditEntry{
		OwnerID:    ownerID,
		KeyID:      keyID,
		Tool:       tool,
		ArgsJSON:   string(argsJSON),
		Result:     sanitizer.Truncate(sanitizer.Redact(result), maxAuditResult),
		DurationMs: d.Milliseconds(),
		Plan:       plan,
		At:         t.now().UTC(),
	}
	if err := t.store.InsertAudit(ctx, e); err != nil {
		return fmt.Errorf("failed to capture audit: %w", err)
	}
	return nil
}

// WithinQuota reports whether principal may make another call this UTC
// calendar month under plan.
func (t *Tracker) WithinQuota(ctx context.Context, principal, plan string) (bool, error) {
	limit := t.Plan(plan).MonthlyCalls
	if limit <= 0 {
		return true, nil
	}

	used, err := t.store.CountUsageSince(ctx, principal, MonthStart(t.now()))
	if err != nil {
		return false, fmt.Errorf("failed to count usage: %w", err)
	}
	return used < limit, nil
}

// MonthStart is midnight UTC on the first of now's month.
func MonthStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
