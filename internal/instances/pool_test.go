package instances

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aatumaykin/seorunner/internal/jsonrpc"
	"github.com/aatumaykin/seorunner/internal/workertest"
)

func TestHelperProcess(t *testing.T) {
	if os.Getenv(workertest.EnvHelper) != "1" {
		return
	}
	workertest.Main()
}

func writeConfig(t *testing.T, site string) string {
	t.Helper()
	dir := t.TempDir()
	creds := filepath.Join(dir, "credentials.json")
	require.NoError(t, os.WriteFile(creds, []byte(`{"type":"service_account"}`), 0o600))
	cfg := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(fmt.Sprintf("credentials_file: %s\nsite: %s\n", creds, site)), 0o600))
	return cfg
}

func newPool(t *testing.T, mode string) *Pool {
	t.Helper()
	bin, args := workertest.Command()
	p, err := New(Config{
		Binary:         bin,
		Args:           args,
		Env:            workertest.Env(mode),
		InitTimeout:    5 * time.Second,
		IdleTimeout:    time.Minute,
		TerminateGrace: 200 * time.Millisecond,
		SpawnRate:      100,
		SpawnBurst:     100,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(p.KillAll)
	return p
}

func callTool(id string) jsonrpc.Request {
	return jsonrpc.NewRequest(id, jsonrpc.MethodToolsCall,
		jsonrpc.ToolCallParams("site_audit", map[string]any{"depth": 1}))
}

func resultText(t *testing.T, resp *jsonrpc.Response) string {
	t.Helper()
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	return jsonrpc.ParseToolResult(resp.Result).Text()
}

func readyInstance(t *testing.T, p *Pool, owner, cfg string) *Instance {
	t.Helper()
	h, err := p.GetInstance(owner, cfg)
	require.NoError(t, err)
	require.NoError(t, h.EnsureReady(context.Background()))
	return h.(*Instance)
}

func TestInstance_Send(t *testing.T) {
	p := newPool(t, workertest.ModeOK)
	cfg := writeConfig(t, "https://example.com")

	in := readyInstance(t, p, "owner-1", cfg)
	assert.True(t, in.Alive())
	assert.NotZero(t, in.PID())

	resp, err := in.Send(context.Background(), callTool("job-1"))
	require.NoError(t, err)

	var id string
	require.NoError(t, json.Unmarshal(resp.ID, &id))
	assert.Equal(t, "job-1", id)

	text := resultText(t, resp)
	assert.Contains(t, text, "tool=site_audit")
	assert.Contains(t, text, "site=https://example.com")
	assert.Contains(t, text, "SEO score: 87/100")
}

func TestInstance_SendRequiresReady(t *testing.T) {
	p := newPool(t, workertest.ModeOK)

	h, err := p.GetInstance("owner-1", writeConfig(t, "https://example.com"))
	require.NoError(t, err)

	_, err = h.Send(context.Background(), callTool("job-1"))
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestPool_ReusesInstance(t *testing.T) {
	p := newPool(t, workertest.ModeOK)
	cfg := writeConfig(t, "https://example.com")

	first := readyInstance(t, p, "owner-1", cfg)
	pid := first.PID()

	second := readyInstance(t, p, "owner-1", cfg)
	assert.Same(t, first, second)
	assert.Equal(t, pid, second.PID())
	assert.Equal(t, 1, p.Len())
}

func TestPool_ReplacesOnConfigChange(t *testing.T) {
	p := newPool(t, workertest.ModeOK)

	old := readyInstance(t, p, "owner-1", writeConfig(t, "https://old.example.com"))
	fresh := readyInstance(t, p, "owner-1", writeConfig(t, "https://new.example.com"))

	assert.NotSame(t, old, fresh)
	require.Eventually(t, func() bool { return !old.Alive() }, 5*time.Second, 10*time.Millisecond)

	resp, err := fresh.Send(context.Background(), callTool("job-2"))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, resp), "site=https://new.example.com")
}

func TestInstance_ConcurrentCalls(t *testing.T) {
	p := newPool(t, workertest.ModeOK)
	in := readyInstance(t, p, "owner-1", writeConfig(t, "https://example.com"))

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	texts := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := in.Send(context.Background(), callTool(fmt.Sprintf("job-%d", i)))
			errs[i] = err
			if err == nil && resp.Error == nil {
				texts[i] = jsonrpc.ParseToolResult(resp.Result).Text()
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Contains(t, texts[i], "SEO score")
	}
	assert.False(t, in.Busy())
}

func TestInstance_InitError(t *testing.T) {
	p := newPool(t, workertest.ModeInitError)

	h, err := p.GetInstance("owner-1", writeConfig(t, "https://example.com"))
	require.NoError(t, err)

	err = h.EnsureReady(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported protocol version")
	assert.False(t, h.(*Instance).Alive())
}

func TestInstance_InitTimeout(t *testing.T) {
	p := newPool(t, workertest.ModeHangInit)
	p.cfg.InitTimeout = 200 * time.Millisecond

	h, err := p.GetInstance("owner-1", writeConfig(t, "https://example.com"))
	require.NoError(t, err)

	err = h.EnsureReady(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.False(t, h.(*Instance).Alive())
}

func TestInstance_RespawnsAfterCrash(t *testing.T) {
	p := newPool(t, workertest.ModeCrash)
	in := readyInstance(t, p, "owner-1", writeConfig(t, "https://example.com"))
	pid := in.PID()

	_, err := in.Send(context.Background(), callTool("job-1"))
	assert.ErrorIs(t, err, jsonrpc.ErrStreamClosed)
	require.Eventually(t, func() bool { return !in.Alive() }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, in.EnsureReady(context.Background()))
	assert.True(t, in.Alive())
	assert.NotEqual(t, pid, in.PID())
}

func TestInstance_SendHonoursContext(t *testing.T) {
	p := newPool(t, workertest.ModeHang)
	in := readyInstance(t, p, "owner-1", writeConfig(t, "https://example.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := in.Send(ctx, callTool("job-1"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, in.Alive())
}

func TestPool_EvictIdle(t *testing.T) {
	p := newPool(t, workertest.ModeOK)

	var evicted []string
	p.OnEvict(func(ownerID string) { evicted = append(evicted, ownerID) })

	in := readyInstance(t, p, "owner-1", writeConfig(t, "https://example.com"))

	assert.Zero(t, p.EvictIdle(time.Now()))
	assert.Equal(t, 1, p.EvictIdle(time.Now().Add(2*time.Minute)))

	assert.Equal(t, []string{"owner-1"}, evicted)
	assert.Zero(t, p.Len())
	assert.False(t, in.Alive())
	assert.ErrorIs(t, in.EnsureReady(context.Background()), ErrClosed)
}

func TestPool_KillAll(t *testing.T) {
	p := newPool(t, workertest.ModeOK)

	a := readyInstance(t, p, "owner-1", writeConfig(t, "https://a.example.com"))
	b := readyInstance(t, p, "owner-2", writeConfig(t, "https://b.example.com"))
	p.Start()

	p.KillAll()

	assert.False(t, a.Alive())
	assert.False(t, b.Alive())
	assert.Zero(t, p.Len())

	_, err := p.GetInstance("owner-1", "whatever")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNew_RequiresBinary(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
}
