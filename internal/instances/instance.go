package instances

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aatumaykin/seorunner/internal/jsonrpc"
	"github.com/aatumaykin/seorunner/internal/logger"
	"github.com/aatumaykin/seorunner/internal/proc"
	"github.com/aatumaykin/seorunner/internal/sanitizer"
)

var (
	ErrNotRunning = errors.New("worker instance is not running")
	ErrClosed     = errors.New("worker instance closed")
)

// Instance is one owner's long-lived worker process. Calls are multiplexed
// over its stdio by request id.
type Instance struct {
	ownerID    string
	configPath string
	cfg        *Config
	log        *logger.Logger
	spawnGate  func(ctx context.Context) error
	breaker    *breaker

	// startMu serialises process start and the handshake.
	startMu sync.Mutex

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	exited  chan struct{}
	ready   bool
	closed  bool
	gen     uint64
	pending map[string]chan *jsonrpc.Response

	writeMu  sync.Mutex
	lastUsed atomic.Int64
	inFlight atomic.Int32
}

func newInstance(ownerID, configPath string, cfg *Config, log *logger.Logger, gate func(context.Context) error) *Instance {
	in := &Instance{
		ownerID:    ownerID,
		configPath: configPath,
		cfg:        cfg,
		log:        log.With(logger.Field{Key: "owner_id", Value: ownerID}),
		spawnGate:  gate,
		breaker:    newBreaker(cfg.FailThreshold, cfg.FailCooldown),
		pending:    make(map[string]chan *jsonrpc.Response),
	}
	in.touch()
	return in
}

func (in *Instance) touch() {
	in.lastUsed.Store(time.Now().UnixNano())
}

// LastUsed is the time of the last call or handshake.
func (in *Instance) LastUsed() time.Time {
	return time.Unix(0, in.lastUsed.Load())
}

// Alive reports whether the process is running.
func (in *Instance) Alive() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.aliveLocked()
}

func (in *Instance) aliveLocked() bool {
	if in.cmd == nil {
		return false
	}
	select {
	case <-in.exited:
		return false
	default:
		return true
	}
}

// PID of the running process, or 0.
func (in *Instance) PID() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.aliveLocked() {
		return 0
	}
	return in.cmd.Process.Pid
}

// EnsureReady starts the process if needed and completes the handshake.
func (in *Instance) EnsureReady(ctx context.Context) error {
	in.startMu.Lock()
	defer in.startMu.Unlock()

	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return ErrClosed
	}
	if in.ready && in.aliveLocked() {
		in.mu.Unlock()
		return nil
	}
	in.mu.Unlock()

	// A dead process is reaped before respawning.
	in.terminate()

	if !in.breaker.allow() {
		return fmt.Errorf("%w after %d failed starts, retry after %v",
			ErrCircuitOpen, in.cfg.FailThreshold, in.cfg.FailCooldown)
	}

	if in.spawnGate != nil {
		if err := in.spawnGate(ctx); err != nil {
			in.breaker.release()
			return fmt.Errorf("spawn throttled: %w", err)
		}
	}
	if err := in.start(); err != nil {
		in.recordFailure()
		return fmt.Errorf("failed to start worker: %w", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, in.cfg.InitTimeout)
	defer cancel()

	if err := in.handshake(initCtx); err != nil {
		in.terminate()
		if ctx.Err() != nil {
			in.breaker.release()
			return fmt.Errorf("worker initialization aborted: %w", ctx.Err())
		}
		in.recordFailure()
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("worker initialization timed out after %v", in.cfg.InitTimeout)
		}
		return fmt.Errorf("worker initialization failed: %w", err)
	}
	in.breaker.success()

	in.mu.Lock()
	in.ready = true
	in.mu.Unlock()
	in.touch()

	in.log.Info("worker instance ready", logger.Field{Key: "pid", Value: in.PID()})
	return nil
}

func (in *Instance) recordFailure() {
	if in.breaker.failure() {
		in.log.Warn("worker keeps failing to start, circuit opened",
			logger.Field{Key: "threshold", Value: in.cfg.FailThreshold},
			logger.Field{Key: "cooldown", Value: in.cfg.FailCooldown.String()})
	}
}

func (in *Instance) start() error {
	cmd := exec.Command(in.cfg.Binary, in.cfg.Args...)
	cmd.Env = in.cfg.env(in.configPath)
	cmd.WaitDelay = in.cfg.TerminateGrace
	proc.Isolate(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = &stderrLogger{log: in.log}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return err
	}
	_ = stdoutW.Close()

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	pending := make(map[string]chan *jsonrpc.Response)

	in.mu.Lock()
	in.gen++
	gen := in.gen
	in.cmd = cmd
	in.stdin = stdin
	in.exited = exited
	in.ready = false
	in.pending = pending
	in.mu.Unlock()

	go in.readLoop(stdoutR, gen, pending)

	in.log.Debug("worker instance started", logger.Field{Key: "pid", Value: cmd.Process.Pid})
	return nil
}

// readLoop routes responses to waiting callers until stdout closes, then
// fails whatever is still pending. Each process generation has its own
// pending table.
func (in *Instance) readLoop(r *os.File, gen uint64, pending map[string]chan *jsonrpc.Response) {
	defer r.Close()

	for line := range jsonrpc.Lines(r, nil) {
		resp, ok := jsonrpc.Decode(line)
		if !ok {
			continue
		}
		key := jsonrpc.IDKey(resp.ID)
		if key == "" {
			continue
		}

		in.mu.Lock()
		ch, found := pending[key]
		if found {
			delete(pending, key)
		}
		in.mu.Unlock()

		if found {
			ch <- &resp
		}
	}

	in.mu.Lock()
	for key, ch := range pending {
		close(ch)
		delete(pending, key)
	}
	if in.gen == gen {
		in.ready = false
	}
	in.mu.Unlock()
}

func (in *Instance) handshake(ctx context.Context) error {
	req := jsonrpc.NewRequest("init-"+uuid.NewString(), jsonrpc.MethodInitialize,
		jsonrpc.InitializeParams(in.cfg.ClientName, in.cfg.ClientVersion))
	resp, err := in.roundTrip(ctx, req)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return errors.New(sanitizer.Redact(resp.Error.Text()))
	}
	return in.write(jsonrpc.NewNotification(jsonrpc.MethodInitialized))
}

// Send issues req and waits for the response with the same id.
func (in *Instance) Send(ctx context.Context, req jsonrpc.Request) (*jsonrpc.Response, error) {
	in.mu.Lock()
	ready := in.ready && in.aliveLocked()
	in.mu.Unlock()
	if !ready {
		return nil, ErrNotRunning
	}

	in.inFlight.Add(1)
	defer in.inFlight.Add(-1)
	defer in.touch()

	return in.roundTrip(ctx, req)
}

// Busy reports whether a call is in flight.
func (in *Instance) Busy() bool {
	return in.inFlight.Load() > 0
}

func (in *Instance) roundTrip(ctx context.Context, req jsonrpc.Request) (*jsonrpc.Response, error) {
	key := jsonrpc.IDKey(req.ID)
	if key == "" {
		return nil, errors.New("request id is required")
	}
	ch := make(chan *jsonrpc.Response, 1)

	in.mu.Lock()
	if !in.aliveLocked() {
		in.mu.Unlock()
		return nil, ErrNotRunning
	}
	if _, dup := in.pending[key]; dup {
		in.mu.Unlock()
		return nil, fmt.Errorf("request id %v already in flight", req.ID)
	}
	pending, exited := in.pending, in.exited
	pending[key] = ch
	in.mu.Unlock()

	forget := func() {
		in.mu.Lock()
		delete(pending, key)
		in.mu.Unlock()
	}

	if err := in.write(req); err != nil {
		forget()
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, jsonrpc.ErrStreamClosed
		}
		return resp, nil
	case <-exited:
		// the reader may still be draining the last lines
		select {
		case resp, ok := <-ch:
			if ok {
				return resp, nil
			}
		case <-time.After(in.cfg.TerminateGrace):
		}
		forget()
		return nil, jsonrpc.ErrStreamClosed
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func (in *Instance) write(msg jsonrpc.Request) error {
	in.mu.Lock()
	stdin := in.stdin
	in.mu.Unlock()
	if stdin == nil {
		return ErrNotRunning
	}

	in.writeMu.Lock()
	defer in.writeMu.Unlock()
	return jsonrpc.Write(stdin, msg)
}

// terminate stops the process, if any, and waits for it to exit.
func (in *Instance) terminate() {
	in.mu.Lock()
	cmd, stdin, exited := in.cmd, in.stdin, in.exited
	in.cmd, in.stdin, in.ready = nil, nil, false
	in.mu.Unlock()

	if cmd == nil {
		return
	}
	if stdin != nil {
		_ = stdin.Close()
	}
	if !proc.Terminate(cmd, exited, in.cfg.TerminateGrace) {
		in.log.Warn("worker instance did not exit", logger.Field{Key: "pid", Value: cmd.Process.Pid})
	}
}

// Close terminates the process; the instance cannot be restarted.
func (in *Instance) Close() {
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()
	in.terminate()
}
