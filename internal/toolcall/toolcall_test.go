package toolcall

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aatumaykin/seorunner/internal/credentials"
	"github.com/aatumaykin/seorunner/internal/jsonrpc"
	"github.com/aatumaykin/seorunner/internal/pool"
	"github.com/aatumaykin/seorunner/internal/spawner"
	"github.com/aatumaykin/seorunner/internal/usage"
	"github.com/aatumaykin/seorunner/internal/workertest"
)

func TestHelperProcess(t *testing.T) {
	if os.Getenv(workertest.EnvHelper) != "1" {
		return
	}
	workertest.Main()
}

type fakeInvoker struct {
	res   *spawner.Result
	err   error
	gate  chan struct{}
	calls int
	mu    sync.Mutex
}

func (f *fakeInvoker) Invoke(ctx context.Context, req spawner.Request) (*spawner.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.gate != nil {
		<-f.gate
	}
	return f.res, f.err
}

type fakeUsage struct {
	mu       sync.Mutex
	over     bool
	outcomes []usage.Outcome
}

func (u *fakeUsage) WithinQuota(ctx context.Context, principal, plan string) (bool, error) {
	return !u.over, nil
}

func (u *fakeUsage) LogUsage(ctx context.Context, principal, tool string, outcome usage.Outcome, d time.Duration) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.outcomes = append(u.outcomes, outcome)
	return nil
}

func bundle() credentials.Bundle {
	return credentials.Bundle{
		Document: []byte(`{"type":"service_account","client_email":"svc@example.iam.gserviceaccount.com"}`),
		SiteURL:  "sc-domain:example.com",
	}
}

func TestCall_StatusMapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		code    string
		outcome usage.Outcome
	}{
		{"permission", &spawner.Error{Code: spawner.ErrCodePermission, Message: "forbidden"}, http.StatusForbidden, "PERMISSION_ERROR", usage.OutcomeError},
		{"auth", &spawner.Error{Code: spawner.ErrCodeAuth, Message: "invalid_grant"}, http.StatusUnauthorized, "AUTH_ERROR", usage.OutcomeError},
		{"validation", &spawner.Error{Code: spawner.ErrCodeValidation, Message: "bad request"}, http.StatusUnprocessableEntity, "VALIDATION_ERROR", usage.OutcomeError},
		{"timeout", &spawner.Error{Code: spawner.ErrCodeTimeout, Message: "timed out"}, http.StatusInternalServerError, "TIMEOUT", usage.OutcomeTimeout},
		{"crash", &spawner.Error{Code: spawner.ErrCodeCrash, Message: "exited"}, http.StatusInternalServerError, "CRASH", usage.OutcomeError},
		{"untyped", errors.New("boom"), http.StatusInternalServerError, "SPAWN_ERROR", usage.OutcomeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &fakeUsage{}
			svc := New(Config{}, pool.New(1, nil), &fakeInvoker{err: tt.err}, u, nil)

			resp := svc.Call(context.Background(), Call{Principal: "key-1", Tool: "site_audit"})
			assert.Equal(t, tt.status, resp.Status)
			assert.Equal(t, tt.code, resp.Code)
			assert.NotEmpty(t, resp.Error)
			assert.False(t, resp.OK())
			assert.Equal(t, []usage.Outcome{tt.outcome}, u.outcomes)
		})
	}
}

func TestCall_PoolFull(t *testing.T) {
	u := &fakeUsage{}
	inv := &fakeInvoker{res: &spawner.Result{}, gate: make(chan struct{})}
	p := pool.New(1, nil)
	svc := New(Config{AcquireTimeout: 50 * time.Millisecond}, p, inv, u, nil)

	done := make(chan *Response, 1)
	go func() { done <- svc.Call(context.Background(), Call{Tool: "a"}) }()
	require.Eventually(t, func() bool { return p.Stats().Active == 1 }, 2*time.Second, 5*time.Millisecond)

	resp := svc.Call(context.Background(), Call{Tool: "b"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, CodePoolFull, resp.Code)

	close(inv.gate)
	first := <-done
	assert.True(t, first.OK())
	assert.Zero(t, p.Stats().Active)
	assert.Equal(t, 1, inv.calls)
}

func TestCall_QuotaReached(t *testing.T) {
	u := &fakeUsage{over: true}
	inv := &fakeInvoker{res: &spawner.Result{}}
	svc := New(Config{}, pool.New(1, nil), inv, u, nil)

	resp := svc.Call(context.Background(), Call{Principal: "key-1", Plan: "free", Tool: "site_audit"})
	assert.Equal(t, http.StatusTooManyRequests, resp.Status)
	assert.Equal(t, CodeRateLimited, resp.Code)
	assert.Zero(t, inv.calls)
	assert.Equal(t, []usage.Outcome{usage.OutcomeRateLimited}, u.outcomes)

	// Without a plan no quota applies.
	resp = svc.Call(context.Background(), Call{Principal: "key-1", Tool: "site_audit"})
	assert.True(t, resp.OK())
}

func TestCall_WithRealWorker(t *testing.T) {
	bin, args := workertest.Command()
	sp, err := spawner.New(spawner.Config{
		Binary:  bin,
		Args:    args,
		Env:     workertest.Env(workertest.ModeOK),
		TempDir: t.TempDir(),
	}, nil, nil)
	require.NoError(t, err)

	u := &fakeUsage{}
	svc := New(Config{AcquireTimeout: time.Second}, pool.New(2, nil), sp, u, nil)

	resp := svc.Call(context.Background(), Call{
		Principal: "key-1",
		Tool:      "site_audit",
		Args:      map[string]any{"depth": 2},
		Bundle:    bundle(),
		Timeout:   10 * time.Second,
	})
	require.True(t, resp.OK(), resp.Error)
	assert.NotEmpty(t, resp.CorrelationID)
	text := jsonrpc.ToolResult{Content: resp.Content}.Text()
	assert.Contains(t, text, "site=example.com")
	assert.Contains(t, text, "SEO score: 87/100")
	assert.Equal(t, []usage.Outcome{usage.OutcomeSuccess}, u.outcomes)
}

func TestCall_RealWorkerClassification(t *testing.T) {
	bin, args := workertest.Command()
	sp, err := spawner.New(spawner.Config{
		Binary:  bin,
		Args:    args,
		Env:     workertest.Env(workertest.ModeToolError, workertest.EnvError+"=Request had invalid_grant"),
		TempDir: t.TempDir(),
	}, nil, nil)
	require.NoError(t, err)

	svc := New(Config{}, pool.New(1, nil), sp, nil, nil)
	resp := svc.Call(context.Background(), Call{Tool: "site_audit", Bundle: bundle(), Timeout: 10 * time.Second})

	assert.Equal(t, http.StatusUnauthorized, resp.Status)
	assert.Equal(t, "AUTH_ERROR", resp.Code)
}
