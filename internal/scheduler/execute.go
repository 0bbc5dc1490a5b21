package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/wasilibs/go-re2"

	"github.com/aatumaykin/seorunner/internal/jsonrpc"
	"github.com/aatumaykin/seorunner/internal/logger"
	"github.com/aatumaykin/seorunner/internal/sanitizer"
	"github.com/aatumaykin/seorunner/internal/schedule"
	"github.com/aatumaykin/seorunner/internal/spawner"
	"github.com/aatumaykin/seorunner/internal/usage"
	"github.com/aatumaykin/seorunner/internal/webhook"
)

// bookkeepingTimeout bounds the writes made after a run, which must happen
// even when the run's context was cancelled.
const bookkeepingTimeout = 10 * time.Second

const maxLastError = 1024

// scorePatterns find a numeric score in tool output, most specific first.
var scorePatterns = []*re2.Regexp{
	re2.MustCompile(`"(?:overall_)?score"\s*:\s*(\d+(?:\.\d+)?)`),
	re2.MustCompile(`(?i)\bscore\b[^0-9\n]{0,20}(\d+(?:\.\d+)?)`),
}

// RunResult is the outcome of one execution.
type RunResult struct {
	JobID     string
	Outcome   usage.Outcome
	Score     *float64
	Error     string
	Duration  time.Duration
	NextRunAt time.Time
}

// executeJob runs one job end to end. It never panics and always records
// the run and notifies, whatever happened.
func (e *Engine) executeJob(ctx context.Context, job schedule.DueJob) (res RunResult) {
	start := e.now()
	res.JobID = job.ID

	log := e.log.With(
		logger.Field{Key: "job_id", Value: job.ID},
		logger.Field{Key: "owner_id", Value: job.OwnerID},
		logger.Field{Key: "tool", Value: job.Tool})

	var (
		runErr error
		text   string
	)

	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("panic: %v", r)
			res.Outcome = usage.OutcomeError
			log.Error("scheduled job panic recovered", runErr)
		}
		e.finish(ctx, job, start, runErr, &res, log)
	}()

	res.Outcome, text, runErr = e.run(ctx, job, log)

	if res.Outcome == usage.OutcomeSuccess {
		res.Score = ExtractScore(text)
		if err := e.usage.CaptureAudit(ctx, job.OwnerID, job.KeyID, job.Tool, job.CallArgs(), text, e.now().Sub(start), job.Plan); err != nil {
			log.Warn("failed to capture audit", logger.Field{Key: "error", Value: err.Error()})
		}
	}
	return res
}

// run performs the call. The outcome is empty when the worker was never
// reached for reasons other than quota.
func (e *Engine) run(ctx context.Context, job schedule.DueJob, log *logger.Logger) (usage.Outcome, string, error) {
	configPath, err := e.resolver.ResolveConfig(ctx, job.OwnerID, job.KeyID)
	if err != nil {
		return usage.OutcomeError, "", fmt.Errorf("failed to resolve worker config: %w", err)
	}

	ok, err := e.usage.WithinQuota(ctx, job.OwnerID, job.Plan)
	if err != nil {
		return usage.OutcomeError, "", err
	}
	if !ok {
		log.Info("scheduled job skipped: quota reached")
		return usage.OutcomeRateLimited, "", ErrQuotaReached
	}

	handle, err := e.workers.GetInstance(job.OwnerID, configPath)
	if err != nil {
		return usage.OutcomeError, "", fmt.Errorf("failed to get worker instance: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.JobTimeout)
	defer cancel()

	resp, err := e.send(callCtx, handle, job)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return usage.OutcomeTimeout, "", &spawner.Error{
				Code:    spawner.ErrCodeTimeout,
				Message: fmt.Sprintf("scheduled call timed out after %v", e.cfg.JobTimeout),
				Err:     err,
			}
		}
		return usage.OutcomeError, "", err
	}

	if resp.Error != nil {
		msg := resp.Error.Text()
		return usage.OutcomeError, "", &spawner.Error{Code: spawner.Classify(msg), Message: sanitizer.Redact(msg)}
	}

	result := jsonrpc.ParseToolResult(resp.Result)
	if result.IsError {
		msg := result.Text()
		return usage.OutcomeError, "", &spawner.Error{Code: spawner.Classify(msg), Message: sanitizer.Redact(msg)}
	}
	return usage.OutcomeSuccess, result.Text(), nil
}

// send races the worker call against ctx so a handle that ignores
// cancellation cannot hold the job past its timeout.
func (e *Engine) send(ctx context.Context, handle WorkerHandle, job schedule.DueJob) (*jsonrpc.Response, error) {
	type reply struct {
		resp *jsonrpc.Response
		err  error
	}
	ch := make(chan reply, 1)

	go func() {
		if err := handle.EnsureReady(ctx); err != nil {
			ch <- reply{err: fmt.Errorf("worker not ready: %w", err)}
			return
		}
		req := jsonrpc.NewRequest("job-"+uuid.NewString(), jsonrpc.MethodToolsCall,
			jsonrpc.ToolCallParams(job.Tool, job.CallArgs()))
		resp, err := handle.Send(ctx, req)
		ch <- reply{resp: resp, err: err}
	}()

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// finish records the run, logs usage and notifies. It uses a context that
// survives cancellation of the run.
func (e *Engine) finish(runCtx context.Context, job schedule.DueJob, start time.Time, runErr error, res *RunResult, log *logger.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("scheduled job bookkeeping panic recovered", fmt.Errorf("panic: %v", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), bookkeepingTimeout)
	defer cancel()

	if res.Outcome == "" {
		res.Outcome = usage.OutcomeError
	}
	res.Duration = e.now().Sub(start)
	if runErr != nil {
		res.Error = sanitizer.Truncate(sanitizer.Redact(runErr.Error()), maxLastError)
	}

	if err := e.usage.LogUsage(ctx, job.OwnerID, job.Tool, res.Outcome, res.Duration); err != nil {
		log.Warn("failed to log usage", logger.Field{Key: "error", Value: err.Error()})
	}

	res.NextRunAt = schedule.CalculateNextRun(job.Periodicity, e.now())
	if err := e.store.RecordRun(ctx, job.ID, res.NextRunAt, start.UTC(), res.Error); err != nil {
		log.Error("failed to record scheduled run", err)
	}

	e.metrics.recordRun(string(res.Outcome), res.Duration)

	if runErr != nil {
		log.Warn("scheduled job failed",
			logger.Field{Key: "outcome", Value: string(res.Outcome)},
			logger.Field{Key: "error", Value: res.Error},
			logger.Field{Key: "next_run_at", Value: res.NextRunAt})
	} else {
		log.Info("scheduled job completed",
			logger.Field{Key: "duration_ms", Value: res.Duration.Milliseconds()},
			logger.Field{Key: "next_run_at", Value: res.NextRunAt})
	}

	if e.notifier == nil {
		return
	}
	err := e.notifier.NotifyScheduledJobResult(ctx, webhook.JobResult{
		OwnerID: job.OwnerID,
		JobID:   job.ID,
		Tool:    job.Tool,
		Target:  job.Site,
		Score:   res.Score,
		Success: runErr == nil,
		Error:   res.Error,
	})
	if err != nil {
		log.Warn("failed to notify webhooks", logger.Field{Key: "error", Value: err.Error()})
	}
}

// ExtractScore finds the first score-like number in text.
func ExtractScore(text string) *float64 {
	for _, p := range scorePatterns {
		m := p.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		return &v
	}
	return nil
}
