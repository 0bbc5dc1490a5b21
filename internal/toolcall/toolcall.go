// Package toolcall is the calling layer for on-demand tool invocations. It
// takes a pool slot, runs the spawner, logs usage and maps failures to a
// transport status.
package toolcall

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/aatumaykin/seorunner/internal/credentials"
	"github.com/aatumaykin/seorunner/internal/jsonrpc"
	"github.com/aatumaykin/seorunner/internal/logger"
	"github.com/aatumaykin/seorunner/internal/pool"
	"github.com/aatumaykin/seorunner/internal/spawner"
	"github.com/aatumaykin/seorunner/internal/usage"
)

// Codes produced by this layer in addition to spawner.ErrorCode values.
const (
	CodePoolFull    = "POOL_FULL"
	CodeRateLimited = "RATE_LIMITED"
)

type Invoker interface {
	Invoke(ctx context.Context, req spawner.Request) (*spawner.Result, error)
}

type Admission interface {
	Acquire(ctx context.Context, timeout time.Duration) (pool.ReleaseFunc, error)
}

type UsageRecorder interface {
	WithinQuota(ctx context.Context, principal, plan string) (bool, error)
	LogUsage(ctx context.Context, principal, tool string, outcome usage.Outcome, d time.Duration) error
}

// Call is one on-demand invocation. Plan is optional; without it no quota
// applies.
type Call struct {
	Principal string
	Plan      string
	Tool      string
	Args      map[string]any
	Bundle    credentials.Bundle
	Timeout   time.Duration
}

// Response is the structured outcome handed back to the transport.
type Response struct {
	Status        int                   `json:"status"`
	CorrelationID string                `json:"correlation_id,omitempty"`
	Code          string                `json:"code,omitempty"`
	Error         string                `json:"error,omitempty"`
	Content       []jsonrpc.ContentItem `json:"content,omitempty"`
	DurationMs    int64                 `json:"duration_ms"`
}

func (r *Response) OK() bool {
	return r.Status == http.StatusOK
}

type Config struct {
	AcquireTimeout time.Duration
}

type Service struct {
	cfg     Config
	pool    Admission
	invoker Invoker
	usage   UsageRecorder
	log     *logger.Logger
}

func New(cfg Config, admission Admission, invoker Invoker, usage UsageRecorder, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		cfg:     cfg,
		pool:    admission,
		invoker: invoker,
		usage:   usage,
		log:     log.Component("toolcall"),
	}
}

// Call runs c and never returns an error: every failure is folded into the
// response.
func (s *Service) Call(ctx context.Context, c Call) *Response {
	start := time.Now()
	resp := s.call(ctx, c)
	resp.DurationMs = time.Since(start).Milliseconds()

	if s.usage != nil {
		if err := s.usage.LogUsage(context.WithoutCancel(ctx), c.Principal, c.Tool, outcomeOf(resp), time.Since(start)); err != nil {
			s.log.Warn("failed to log usage", logger.Field{Key: "error", Value: err.Error()})
		}
	}
	return resp
}

func (s *Service) call(ctx context.Context, c Call) *Response {
	if s.usage != nil && c.Plan != "" {
		ok, err := s.usage.WithinQuota(ctx, c.Principal, c.Plan)
		if err != nil {
			s.log.Error("quota check failed", err, logger.Field{Key: "principal", Value: c.Principal})
			return failure(http.StatusInternalServerError, string(spawner.ErrCodeSpawn), "quota check failed")
		}
		if !ok {
			return failure(http.StatusTooManyRequests, CodeRateLimited, "monthly usage quota reached")
		}
	}

	release, err := s.pool.Acquire(ctx, s.cfg.AcquireTimeout)
	if err != nil {
		if errors.Is(err, pool.ErrPoolFull) {
			s.log.Warn("tool call rejected: pool full", logger.Field{Key: "tool", Value: c.Tool})
			return failure(http.StatusServiceUnavailable, CodePoolFull, "server busy, try again later")
		}
		return failure(http.StatusServiceUnavailable, CodePoolFull, err.Error())
	}
	defer release()

	res, err := s.invoker.Invoke(ctx, spawner.Request{
		Tool:    c.Tool,
		Args:    c.Args,
		Bundle:  c.Bundle,
		Timeout: c.Timeout,
	})
	if err != nil {
		var serr *spawner.Error
		if errors.As(err, &serr) {
			return failure(serr.HTTPStatus(), string(serr.Code), serr.Message)
		}
		return failure(http.StatusInternalServerError, string(spawner.ErrCodeSpawn), err.Error())
	}

	return &Response{
		Status:        http.StatusOK,
		CorrelationID: res.CorrelationID,
		Content:       res.Content,
	}
}

func failure(status int, code, msg string) *Response {
	return &Response{Status: status, Code: code, Error: msg}
}

func outcomeOf(r *Response) usage.Outcome {
	switch r.Code {
	case "":
		return usage.OutcomeSuccess
	case string(spawner.ErrCodeTimeout):
		return usage.OutcomeTimeout
	case CodeRateLimited:
		return usage.OutcomeRateLimited
	default:
		return usage.OutcomeError
	}
}
