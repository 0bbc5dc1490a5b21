package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aatumaykin/seorunner/internal/config"
	"github.com/aatumaykin/seorunner/internal/credentials"
	"github.com/aatumaykin/seorunner/internal/logger"
	"github.com/aatumaykin/seorunner/internal/schedule"
	"github.com/aatumaykin/seorunner/internal/scheduler"
	"github.com/aatumaykin/seorunner/internal/storage"
	"github.com/aatumaykin/seorunner/internal/toolcall"
	"github.com/aatumaykin/seorunner/internal/usage"
	"github.com/aatumaykin/seorunner/internal/workertest"
)

func TestHelperProcess(t *testing.T) {
	if os.Getenv(workertest.EnvHelper) != "1" {
		return
	}
	workertest.Main()
}

const testDocument = `{"type":"service_account","client_email":"bot@example.iam.gserviceaccount.com"}`

// createTestConfig builds a config whose worker is the fake worker in mode.
func createTestConfig(t *testing.T, mode string) *config.Config {
	t.Helper()

	dir := t.TempDir()
	bin, args := workertest.Command()

	var env []string
	for _, kv := range workertest.Env(mode) {
		env = append(env, fmt.Sprintf("%q", kv))
	}

	data := fmt.Sprintf(`
[logging]
level = "debug"

[runtime]
pid_dir = %q

[worker]
binary = %q
args = [%q]
env = [%s]
init_timeout_seconds = 5
call_timeout_seconds = 10

[pool]
max_concurrent = 2
acquire_timeout_seconds = 1

[scheduler]
enabled = false

[instances]
config_dir = %q

[storage]
path = %q
encryption_key = "test-master-key-0123456789"
`, dir, bin, args[0], strings.Join(env, ", "),
		filepath.Join(dir, "instances"), filepath.Join(dir, "seorunner.db"))

	cfg, err := config.Parse([]byte(data))
	require.NoError(t, err)
	require.Empty(t, cfg.Validate())
	return cfg
}

func newTestApp(t *testing.T, mode string) *App {
	t.Helper()

	app := New(createTestConfig(t, mode), logger.Nop())
	require.NoError(t, app.Initialize(context.Background()))
	t.Cleanup(func() { _ = app.Shutdown() })
	return app
}

// seedOwner stores an owner with one sealed credential key.
func seedOwner(t *testing.T, app *App) (storage.Owner, storage.CredentialKey) {
	t.Helper()
	ctx := context.Background()

	owner, err := app.Store().CreateOwner(ctx, storage.Owner{Name: "Acme", Plan: "pro"})
	require.NoError(t, err)

	sealed, err := app.Cipher().Seal([]byte(testDocument))
	require.NoError(t, err)

	key, err := app.Store().AddCredentialKey(ctx, storage.CredentialKey{
		OwnerID: owner.ID,
		Label:   "search console",
		Sealed:  sealed,
		SiteURL: "sc-domain:example.com",
		Active:  true,
	})
	require.NoError(t, err)
	return owner, key
}

func TestApp_New(t *testing.T) {
	app := New(createTestConfig(t, workertest.ModeOK), nil)

	assert.NotNil(t, app.logger)
	assert.Nil(t, app.Store())
	assert.False(t, app.initialized)
}

func TestApp_Initialize(t *testing.T) {
	app := newTestApp(t, workertest.ModeOK)

	assert.NotNil(t, app.Store())
	assert.NotNil(t, app.Cipher())
	assert.NotNil(t, app.ToolCalls())
	assert.NotNil(t, app.Scheduler())
	assert.NotNil(t, app.Instances())
	assert.NoError(t, app.Store().Ping(context.Background()))

	// idempotent
	require.NoError(t, app.Initialize(context.Background()))
}

func TestApp_Initialize_BadEncryptionKey(t *testing.T) {
	cfg := createTestConfig(t, workertest.ModeOK)
	cfg.Storage.EncryptionKey = ""

	app := New(cfg, logger.Nop())
	err := app.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cipher")
	assert.NoError(t, app.Shutdown())
}

func TestApp_StartRequiresInitialize(t *testing.T) {
	app := New(createTestConfig(t, workertest.ModeOK), logger.Nop())
	assert.Error(t, app.Start())
}

func TestApp_ToolCall(t *testing.T) {
	app := newTestApp(t, workertest.ModeOK)

	resp := app.ToolCalls().Call(context.Background(), toolcall.Call{
		Principal: "tenant-1",
		Tool:      "site_audit",
		Args:      map[string]any{"depth": 1},
		Bundle: credentials.Bundle{
			Document: []byte(testDocument),
			SiteURL:  "sc-domain:example.com",
		},
	})

	require.True(t, resp.OK(), "response: %+v", resp)
	require.NotEmpty(t, resp.Content)
	assert.Contains(t, resp.Content[0].Text, "tool=site_audit")
	assert.Contains(t, resp.Content[0].Text, "site=example.com")
	assert.NotEmpty(t, resp.CorrelationID)
}

func TestApp_ScheduledJobEndToEnd(t *testing.T) {
	app := newTestApp(t, workertest.ModeOK)
	ctx := context.Background()
	owner, key := seedOwner(t, app)

	job, err := app.Scheduler().CreateJob(ctx, scheduler.NewJob{
		OwnerID:     owner.ID,
		KeyID:       key.ID,
		Site:        "sc-domain:example.com",
		Tool:        "site_audit",
		Periodicity: schedule.Periodicity{Type: schedule.Daily, Hour: 6},
	})
	require.NoError(t, err)

	res, err := app.Scheduler().TriggerJob(ctx, owner.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, usage.OutcomeSuccess, res.Outcome, "error: %s", res.Error)
	require.NotNil(t, res.Score)
	assert.InDelta(t, 87, *res.Score, 0.001)
	assert.Equal(t, 1, app.Instances().Len())

	stored, err := app.Scheduler().GetJob(ctx, owner.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.RunCount)
	assert.Empty(t, stored.LastError)
	assert.True(t, stored.NextRunAt.After(time.Now()))

	audits, err := app.Store().CountAudit(ctx, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, audits)

	_, err = app.Scheduler().TriggerJob(ctx, "someone-else", job.ID)
	assert.ErrorIs(t, err, scheduler.ErrJobNotFound)
}

func TestApp_ScheduledJobWorkerFailure(t *testing.T) {
	app := newTestApp(t, workertest.ModeInitError)
	ctx := context.Background()
	owner, key := seedOwner(t, app)

	job, err := app.Scheduler().CreateJob(ctx, scheduler.NewJob{
		OwnerID:     owner.ID,
		KeyID:       key.ID,
		Site:        "https://example.com",
		Tool:        "site_audit",
		Periodicity: schedule.Periodicity{Type: schedule.Weekly, Hour: 3, Day: schedule.IntPtr(0)},
	})
	require.NoError(t, err)

	res, err := app.Scheduler().TriggerJob(ctx, owner.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, usage.OutcomeError, res.Outcome)
	assert.NotEmpty(t, res.Error)

	stored, err := app.Scheduler().GetJob(ctx, owner.ID, job.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.LastError)
	assert.True(t, stored.Active, "a failed run must not deactivate the job")
}

func TestApp_Shutdown(t *testing.T) {
	app := New(createTestConfig(t, workertest.ModeOK), logger.Nop())

	// Shutdown without initialize is a no-op
	require.NoError(t, app.Shutdown())

	require.NoError(t, app.Initialize(context.Background()))
	require.NoError(t, app.Start())
	assert.True(t, app.started)

	require.NoError(t, app.Shutdown())
	assert.False(t, app.started)
	assert.Nil(t, app.Store())

	select {
	case <-app.ctx.Done():
	default:
		t.Error("application context should be cancelled after shutdown")
	}

	// second shutdown is safe
	require.NoError(t, app.Shutdown())
}

func TestApp_Run(t *testing.T) {
	cfg := createTestConfig(t, workertest.ModeOK)
	cfg.Scheduler.Enabled = true

	app := New(cfg, logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool {
		app.mu.RLock()
		defer app.mu.RUnlock()
		return app.started
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, app.Scheduler().IsStarted())

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, app.Scheduler().IsStarted())
}
