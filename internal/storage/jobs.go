package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aatumaykin/seorunner/internal/schedule"
)

const jobColumns = `j.id, j.owner_id, j.key_id, j.site, j.tool, j.args,
	j.period_type, j.period_hour, j.period_day, j.active, j.next_run_at,
	j.last_run_at, j.run_count, j.last_error, j.created_at, j.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner, extra ...any) (schedule.Job, error) {
	var (
		j         schedule.Job
		args      sql.NullString
		day       sql.NullInt64
		active    int
		nextRun   int64
		lastRun   sql.NullInt64
		lastError sql.NullString
		created   int64
		updated   int64
	)

	dest := []any{
		&j.ID, &j.OwnerID, &j.KeyID, &j.Site, &j.Tool, &args,
		&j.Periodicity.Type, &j.Periodicity.Hour, &day, &active, &nextRun,
		&lastRun, &j.RunCount, &lastError, &created, &updated,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return schedule.Job{}, err
	}

	if args.Valid && args.String != "" {
		if err := json.Unmarshal([]byte(args.String), &j.Args); err != nil {
			return schedule.Job{}, fmt.Errorf("job %s has malformed args: %w", j.ID, err)
		}
	}
	if day.Valid {
		d := int(day.Int64)
		j.Periodicity.Day = &d
	}
	if lastRun.Valid {
		t := fromMillis(lastRun.Int64)
		j.LastRunAt = &t
	}
	j.Active = active != 0
	j.NextRunAt = fromMillis(nextRun)
	j.LastError = lastError.String
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	return j, nil
}

func encodeArgs(args map[string]any) (any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job args: %w", err)
	}
	return string(b), nil
}

func dayValue(p schedule.Periodicity) any {
	if p.Day == nil {
		return nil
	}
	return *p.Day
}

func (s *Store) InsertJob(ctx context.Context, j schedule.Job) error {
	args, err := encodeArgs(j.Args)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs(id, owner_id, key_id, site, tool, args,
			period_type, period_hour, period_day, active, next_run_at,
			run_count, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.OwnerID, j.KeyID, j.Site, j.Tool, args,
		string(j.Periodicity.Type), j.Periodicity.Hour, dayValue(j.Periodicity), boolInt(j.Active),
		millis(j.NextRunAt), j.RunCount, millis(j.CreatedAt), millis(j.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// UpdateJob writes the owner-editable fields of j. next_run_at is written
// only when reschedule is set; otherwise the value maintained by RecordRun
// stays, even if a run finished after j was read.
func (s *Store) UpdateJob(ctx context.Context, j schedule.Job, reschedule bool) error {
	args, err := encodeArgs(j.Args)
	if err != nil {
		return err
	}

	query := `UPDATE scheduled_jobs SET site = ?, tool = ?, args = ?,
			period_type = ?, period_hour = ?, period_day = ?, active = ?, updated_at = ?`
	params := []any{
		j.Site, j.Tool, args,
		string(j.Periodicity.Type), j.Periodicity.Hour, dayValue(j.Periodicity), boolInt(j.Active),
		millis(j.UpdatedAt),
	}
	if reschedule {
		query += `, next_run_at = ?`
		params = append(params, millis(j.NextRunAt))
	}
	query += ` WHERE id = ? AND owner_id = ?`
	params = append(params, j.ID, j.OwnerID)

	res, err := s.db.ExecContext(ctx, query, params...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return affectedOrNotFound(res)
}

func (s *Store) GetJob(ctx context.Context, ownerID, id string) (schedule.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM scheduled_jobs j WHERE j.id = ? AND j.owner_id = ?`, id, ownerID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Job{}, ErrNotFound
	}
	return j, err
}

// GetDueJob loads one job with its owner's plan regardless of due time.
func (s *Store) GetDueJob(ctx context.Context, id string) (schedule.DueJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+`, o.plan
		 FROM scheduled_jobs j JOIN owners o ON o.id = j.owner_id
		 WHERE j.id = ?`, id)

	var plan string
	j, err := scanJob(row, &plan)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.DueJob{}, ErrNotFound
	}
	if err != nil {
		return schedule.DueJob{}, err
	}
	return schedule.DueJob{Job: j, Plan: plan}, nil
}

func (s *Store) ListJobs(ctx context.Context, ownerID string) ([]schedule.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM scheduled_jobs j WHERE j.owner_id = ? ORDER BY j.created_at`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) CountJobs(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scheduled_jobs WHERE owner_id = ?`, ownerID).Scan(&n)
	return n, err
}

func (s *Store) DeleteJob(ctx context.Context, ownerID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_jobs WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return affectedOrNotFound(res)
}

// DueJobs returns up to limit active jobs whose next run is not after now,
// earliest first. Jobs whose credential key is inactive are skipped.
func (s *Store) DueJobs(ctx context.Context, now time.Time, limit int) ([]schedule.DueJob, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+`, o.plan
		 FROM scheduled_jobs j
		 JOIN owners o ON o.id = j.owner_id
		 JOIN credential_keys k ON k.id = j.key_id AND k.owner_id = j.owner_id AND k.active = 1
		 WHERE j.active = 1 AND j.next_run_at <= ?
		 ORDER BY j.next_run_at ASC
		 LIMIT ?`,
		millis(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query due jobs: %w", err)
	}
	defer rows.Close()

	var out []schedule.DueJob
	for rows.Next() {
		var plan string
		j, err := scanJob(rows, &plan)
		if err != nil {
			return nil, err
		}
		out = append(out, schedule.DueJob{Job: j, Plan: plan})
	}
	return out, rows.Err()
}

// RecordRun stores the outcome of a run: next run, last run time, error
// and an incremented run counter.
func (s *Store) RecordRun(ctx context.Context, id string, nextRun, ranAt time.Time, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs
		 SET next_run_at = ?, last_run_at = ?, last_error = ?, run_count = run_count + 1, updated_at = ?
		 WHERE id = ?`,
		millis(nextRun), millis(ranAt), nullStr(lastError), millis(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return affectedOrNotFound(res)
}
