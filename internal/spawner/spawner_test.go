package spawner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aatumaykin/seorunner/internal/credentials"
	"github.com/aatumaykin/seorunner/internal/proc"
	"github.com/aatumaykin/seorunner/internal/workertest"
)

func TestHelperProcess(t *testing.T) {
	if os.Getenv(workertest.EnvHelper) != "1" {
		return
	}
	workertest.Main()
}

type fixture struct {
	spawner *Spawner
	tempDir string
	pidFile string
}

func newFixture(t *testing.T, mode string, extra ...string) *fixture {
	t.Helper()

	tempDir := t.TempDir()
	pidFile := filepath.Join(t.TempDir(), "worker.pid")
	bin, args := workertest.Command()

	s, err := New(Config{
		Binary:         bin,
		Args:           args,
		TempDir:        tempDir,
		InitTimeout:    5 * time.Second,
		CallTimeout:    5 * time.Second,
		TerminateGrace: 200 * time.Millisecond,
		Env:            workertest.Env(mode, append(extra, workertest.EnvPIDFile+"="+pidFile)...),
	}, nil, nil)
	require.NoError(t, err)

	return &fixture{spawner: s, tempDir: tempDir, pidFile: pidFile}
}

func testRequest() Request {
	return Request{
		Tool: "site_audit",
		Args: map[string]any{"limit": 5},
		Bundle: credentials.Bundle{
			Document: json.RawMessage(`{"type":"service_account","private_key":"x"}`),
			SiteURL:  "sc-domain:example.com",
		},
	}
}

// assertCleanedUp checks that no artifact survives and the worker is gone.
func (f *fixture) assertCleanedUp(t *testing.T) {
	t.Helper()

	entries, err := os.ReadDir(f.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "credential artifacts left behind")

	data, err := os.ReadFile(f.pidFile)
	if os.IsNotExist(err) {
		// killed before it got as far as writing its pid
		return
	}
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.False(t, proc.IsRunning(pid), "worker %d still running", pid)
}

func TestInvoke_Success(t *testing.T) {
	f := newFixture(t, workertest.ModeOK)

	res, err := f.spawner.Invoke(context.Background(), testRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, res.CorrelationID)
	require.Len(t, res.Content, 1)
	assert.Contains(t, res.Text(), "tool=site_audit")
	assert.Contains(t, res.Text(), "site=example.com")
	assert.Contains(t, res.Text(), `"limit":5`)

	f.assertCleanedUp(t)
}

func TestInvoke_ToolErrorClassification(t *testing.T) {
	tests := []struct {
		mode   string
		text   string
		code   ErrorCode
		status int
	}{
		{workertest.ModeToolError, "Request forbidden for property", ErrCodePermission, 403},
		{workertest.ModeToolError, "invalid_grant: token expired", ErrCodeAuth, 401},
		{workertest.ModeToolError, "bad request: dimension", ErrCodeValidation, 422},
		{workertest.ModeToolError, "quota backend unavailable", ErrCodeTool, 500},
		{workertest.ModeIsError, "User lacks permission", ErrCodePermission, 403},
	}

	for _, tt := range tests {
		t.Run(tt.mode+"/"+string(tt.code), func(t *testing.T) {
			f := newFixture(t, tt.mode, workertest.EnvError+"="+tt.text)

			_, err := f.spawner.Invoke(context.Background(), testRequest())
			require.Error(t, err)

			var se *Error
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.code, se.Code)
			assert.Equal(t, tt.status, se.HTTPStatus())

			f.assertCleanedUp(t)
		})
	}
}

func TestInvoke_InitFailed(t *testing.T) {
	f := newFixture(t, workertest.ModeInitError)

	_, err := f.spawner.Invoke(context.Background(), testRequest())
	assert.Equal(t, ErrCodeInitFailed, CodeOf(err))
	assert.ErrorContains(t, err, "initialization failed")

	f.assertCleanedUp(t)
}

func TestInvoke_Timeout(t *testing.T) {
	f := newFixture(t, workertest.ModeHang)
	req := testRequest()
	req.Timeout = 300 * time.Millisecond

	start := time.Now()
	_, err := f.spawner.Invoke(context.Background(), req)
	assert.Equal(t, ErrCodeTimeout, CodeOf(err))
	assert.Less(t, time.Since(start), 4*time.Second)

	f.assertCleanedUp(t)
}

func TestInvoke_InitBoundedByCallerTimeout(t *testing.T) {
	f := newFixture(t, workertest.ModeHangInit)
	req := testRequest()
	req.Timeout = 200 * time.Millisecond

	start := time.Now()
	_, err := f.spawner.Invoke(context.Background(), req)
	assert.Equal(t, ErrCodeTimeout, CodeOf(err))
	assert.ErrorContains(t, err, "initialization")
	assert.Less(t, time.Since(start), 4*time.Second)

	f.assertCleanedUp(t)
}

func TestInvoke_StubbornWorkerIsKilled(t *testing.T) {
	f := newFixture(t, workertest.ModeStubborn)
	req := testRequest()
	req.Timeout = 200 * time.Millisecond

	_, err := f.spawner.Invoke(context.Background(), req)
	assert.Equal(t, ErrCodeTimeout, CodeOf(err))

	f.assertCleanedUp(t)
}

func TestInvoke_Crash(t *testing.T) {
	f := newFixture(t, workertest.ModeCrash)

	_, err := f.spawner.Invoke(context.Background(), testRequest())
	require.Error(t, err)

	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ErrCodeCrash, se.Code)
	assert.Equal(t, 500, se.HTTPStatus())
	assert.Contains(t, se.Stderr, "panic: boom")
	assert.NotContains(t, se.Stderr, "ya29.leaked")

	f.assertCleanedUp(t)
}

func TestInvoke_CallerCancel(t *testing.T) {
	f := newFixture(t, workertest.ModeHang)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	_, err := f.spawner.Invoke(ctx, testRequest())
	assert.Equal(t, ErrCodeSpawn, CodeOf(err))
	assert.ErrorIs(t, err, context.Canceled)

	f.assertCleanedUp(t)
}

func TestInvoke_SpawnError(t *testing.T) {
	tempDir := t.TempDir()
	s, err := New(Config{Binary: filepath.Join(t.TempDir(), "missing-worker"), TempDir: tempDir}, nil, nil)
	require.NoError(t, err)

	_, err = s.Invoke(context.Background(), testRequest())
	assert.Equal(t, ErrCodeSpawn, CodeOf(err))

	entries, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInvoke_InvalidBundle(t *testing.T) {
	f := newFixture(t, workertest.ModeOK)
	req := testRequest()
	req.Bundle = credentials.Bundle{}

	_, err := f.spawner.Invoke(context.Background(), req)
	assert.Equal(t, ErrCodeValidation, CodeOf(err))
	var spawnErr *Error
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, http.StatusUnprocessableEntity, spawnErr.HTTPStatus())
	assert.ErrorIs(t, err, credentials.ErrEmptyDocument)

	req.Bundle = credentials.Bundle{Document: json.RawMessage(`["not", "an", "object"]`)}
	_, err = f.spawner.Invoke(context.Background(), req)
	assert.Equal(t, ErrCodeValidation, CodeOf(err))

	entries, err := os.ReadDir(f.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNew_ResolvesTempDirOnce(t *testing.T) {
	s, err := New(Config{Binary: "worker"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, credentials.TempDir(""), s.cfg.TempDir)

	s, err = New(Config{Binary: "worker", TempDir: "/var/lib/seorunner/tmp"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/seorunner/tmp", s.cfg.TempDir)
}

func TestInvoke_ConcurrentCallsAreIsolated(t *testing.T) {
	f := newFixture(t, workertest.ModeOK)

	const n = 4
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			req := testRequest()
			req.Args = map[string]any{"call": i}
			res, err := f.spawner.Invoke(context.Background(), req)
			if err == nil && !strings.Contains(res.Text(), `"call":`+strconv.Itoa(i)) {
				err = errors.New("response from another call: " + res.Text())
			}
			errs <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		assert.NoError(t, <-errs)
	}

	entries, err := os.ReadDir(f.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInvoke_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	f := newFixture(t, workertest.ModeOK)
	f.spawner.metrics = m

	_, err := f.spawner.Invoke(context.Background(), testRequest())
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, fam := range families {
		for _, metric := range fam.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[fam.GetName()] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[fam.GetName()] = metric.GetGauge().GetValue()
			}
		}
	}

	assert.Equal(t, 1.0, values["test_spawner_invocations_total"])
	assert.Equal(t, 0.0, values["test_spawner_processes_running"])
}

func TestNew_RequiresBinary(t *testing.T) {
	_, err := New(Config{}, nil, nil)
	assert.Error(t, err)
}

func TestEnv_IsMinimal(t *testing.T) {
	t.Setenv("SEORUNNER_TEST_SECRET", "leak")
	s, err := New(Config{Binary: "worker", LogLevel: "debug"}, nil, nil)
	require.NoError(t, err)

	env := s.env("/tmp/cfg.yaml", "/tmp")
	assert.Contains(t, env, "SEO_WORKER_CONFIG=/tmp/cfg.yaml")
	assert.Contains(t, env, "WORKER_LOG=debug")
	assert.Contains(t, env, "TMPDIR=/tmp")
	for _, kv := range env {
		assert.NotContains(t, kv, "SEORUNNER_TEST_SECRET")
	}
}
