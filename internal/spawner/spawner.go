// Package spawner runs one tool call per worker process. Each invocation gets
// its own credential artifacts, its own process and its own stdio stream, so
// concurrent callers never share state. Callers bound concurrency by holding
// a pool slot around Invoke.
package spawner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/aatumaykin/seorunner/internal/credentials"
	"github.com/aatumaykin/seorunner/internal/jsonrpc"
	"github.com/aatumaykin/seorunner/internal/logger"
	"github.com/aatumaykin/seorunner/internal/proc"
	"github.com/aatumaykin/seorunner/internal/sanitizer"
)

// Reserved ids of the two calls made per process.
const (
	initRequestID = 1
	callRequestID = 2
)

const (
	DefaultInitTimeout    = 10 * time.Second
	DefaultCallTimeout    = 60 * time.Second
	DefaultTerminateGrace = 500 * time.Millisecond
	DefaultConfigEnv      = "SEO_WORKER_CONFIG"
	DefaultLogEnv         = "WORKER_LOG"
)

type Config struct {
	Binary string
	Args   []string
	// ConfigEnv names the variable carrying the generated config path.
	ConfigEnv string
	LogEnv    string
	LogLevel  string
	// TempDir overrides artifact placement; empty picks a RAM-backed dir when
	// present. It is resolved once in New.
	TempDir        string
	InitTimeout    time.Duration
	CallTimeout    time.Duration
	TerminateGrace time.Duration
	// Env holds extra KEY=VALUE entries for the worker.
	Env           []string
	ClientName    string
	ClientVersion string
}

func (c *Config) applyDefaults() {
	if c.ConfigEnv == "" {
		c.ConfigEnv = DefaultConfigEnv
	}
	if c.LogEnv == "" {
		c.LogEnv = DefaultLogEnv
	}
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = DefaultInitTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.TerminateGrace <= 0 {
		c.TerminateGrace = DefaultTerminateGrace
	}
	if c.ClientName == "" {
		c.ClientName = "seorunner"
	}
	if c.ClientVersion == "" {
		c.ClientVersion = "dev"
	}
}

type Request struct {
	Tool    string
	Args    map[string]any
	Bundle  credentials.Bundle
	Timeout time.Duration
}

type Result struct {
	CorrelationID string
	Content       []jsonrpc.ContentItem
	Duration      time.Duration
}

// Text joins the text content items.
func (r *Result) Text() string {
	return jsonrpc.ToolResult{Content: r.Content}.Text()
}

type Spawner struct {
	cfg     Config
	log     *logger.Logger
	metrics *Metrics
}

func New(cfg Config, log *logger.Logger, metrics *Metrics) (*Spawner, error) {
	if cfg.Binary == "" {
		return nil, errors.New("worker binary is required")
	}
	if log == nil {
		log = logger.Nop()
	}
	cfg.applyDefaults()
	cfg.TempDir = credentials.TempDir(cfg.TempDir)

	return &Spawner{
		cfg:     cfg,
		log:     log.Component("spawner"),
		metrics: metrics,
	}, nil
}

// worker is one live process with its stdio ends.
type worker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *tailBuffer
	exited chan struct{}
}

// Invoke runs req.Tool in a fresh worker process. Failures are returned as
// *Error. The process is terminated and the artifacts are deleted before
// Invoke returns, whatever the outcome.
func (s *Spawner) Invoke(ctx context.Context, req Request) (res *Result, err error) {
	start := time.Now()
	id := uuid.NewString()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.CallTimeout
	}

	log := s.log.With(
		logger.Field{Key: "correlation_id", Value: id},
		logger.Field{Key: "tool", Value: req.Tool},
	)

	defer func() {
		code := codeOK
		if err != nil {
			code = string(CodeOf(err))
		}
		s.metrics.record(code, time.Since(start))
	}()

	if err := req.Bundle.Validate(); err != nil {
		return nil, &Error{Code: ErrCodeValidation, Message: "invalid credential bundle", Err: err}
	}

	tempDir := s.cfg.TempDir
	artifacts, err := credentials.WriteEphemeral(tempDir, id, req.Bundle)
	if err != nil {
		return nil, &Error{Code: ErrCodeSpawn, Message: "failed to write credential artifacts", Err: err}
	}
	defer func() {
		artifacts.Remove()
		if artifacts.Exists() {
			log.Warn("credential artifacts left behind", logger.Field{Key: "dir", Value: tempDir})
		}
	}()

	w, err := s.start(artifacts.ConfigPath, tempDir)
	if err != nil {
		return nil, &Error{Code: ErrCodeSpawn, Message: "failed to start worker", Err: err}
	}
	s.metrics.processStarted()
	log.Debug("worker started", logger.Field{Key: "pid", Value: w.cmd.Process.Pid})

	abort := make(chan struct{})
	defer func() {
		close(abort)
		_ = w.stdin.Close()
		if !proc.Terminate(w.cmd, w.exited, s.cfg.TerminateGrace) {
			log.Warn("worker did not exit after kill", logger.Field{Key: "pid", Value: w.cmd.Process.Pid})
		}
		_ = w.stdout.Close()
		s.metrics.processExited()
	}()

	lines := jsonrpc.Lines(w.stdout, abort)

	if err := s.handshake(ctx, w, lines, min(timeout, s.cfg.InitTimeout)); err != nil {
		s.logFailure(log, err)
		return nil, err
	}

	content, err := s.call(ctx, w, lines, req, timeout)
	if err != nil {
		s.logFailure(log, err)
		return nil, err
	}

	res = &Result{CorrelationID: id, Content: content, Duration: time.Since(start)}
	log.Info("tool call completed", logger.Field{Key: "duration_ms", Value: res.Duration.Milliseconds()})
	return res, nil
}

func (s *Spawner) start(configPath, tempDir string) (*worker, error) {
	cmd := exec.Command(s.cfg.Binary, s.cfg.Args...)
	cmd.Env = s.env(configPath, tempDir)
	cmd.WaitDelay = s.cfg.TerminateGrace
	proc.Isolate(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	// A plain pipe rather than StdoutPipe: Wait must not close our read end
	// before buffered responses are consumed.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW

	tail := newTailBuffer(StderrTailSize)
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, err
	}
	_ = stdoutW.Close()

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	return &worker{cmd: cmd, stdin: stdin, stdout: stdoutR, stderr: tail, exited: exited}, nil
}

func (s *Spawner) env(configPath, tempDir string) []string {
	env := make([]string, 0, 5+len(s.cfg.Env))
	for _, key := range []string{"PATH", "HOME"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	env = append(env,
		"TMPDIR="+tempDir,
		s.cfg.ConfigEnv+"="+configPath,
		s.cfg.LogEnv+"="+s.cfg.LogLevel,
	)
	return append(env, s.cfg.Env...)
}

func (s *Spawner) handshake(ctx context.Context, w *worker, lines <-chan []byte, timeout time.Duration) error {
	init := jsonrpc.NewRequest(initRequestID, jsonrpc.MethodInitialize,
		jsonrpc.InitializeParams(s.cfg.ClientName, s.cfg.ClientVersion))
	if err := jsonrpc.Write(w.stdin, init); err != nil {
		return s.crashed(w, "worker closed stdin during initialization", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := jsonrpc.Await(initCtx, lines, initRequestID)
	if err != nil {
		return s.readFailure(ctx, w, err, "initialization", timeout)
	}
	if resp.Error != nil {
		return &Error{
			Code:    ErrCodeInitFailed,
			Message: "initialization failed: " + sanitizer.Redact(resp.Error.Message),
			Stderr:  stderrTail(w, 0),
			Err:     resp.Error,
		}
	}

	if err := jsonrpc.Write(w.stdin, jsonrpc.NewNotification(jsonrpc.MethodInitialized)); err != nil {
		return s.crashed(w, "worker closed stdin after initialization", err)
	}
	return nil
}

func (s *Spawner) call(ctx context.Context, w *worker, lines <-chan []byte, req Request, timeout time.Duration) ([]jsonrpc.ContentItem, error) {
	msg := jsonrpc.NewRequest(callRequestID, jsonrpc.MethodToolsCall, jsonrpc.ToolCallParams(req.Tool, req.Args))
	if err := jsonrpc.Write(w.stdin, msg); err != nil {
		return nil, s.crashed(w, "worker closed stdin before the call", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := jsonrpc.Await(callCtx, lines, callRequestID)
	if err != nil {
		return nil, s.readFailure(ctx, w, err, "tool call", timeout)
	}

	if resp.Error != nil {
		text := resp.Error.Text()
		return nil, &Error{
			Code:    Classify(text),
			Message: sanitizer.Redact(text),
			Err:     resp.Error,
		}
	}

	result := jsonrpc.ParseToolResult(resp.Result)
	if result.IsError {
		text := result.Text()
		return nil, &Error{Code: Classify(text), Message: sanitizer.Redact(text)}
	}
	return result.Content, nil
}

// readFailure turns an Await error into a classified failure. A caller
// cancellation is not a timeout and is reported with the context error.
func (s *Spawner) readFailure(ctx context.Context, w *worker, err error, phase string, timeout time.Duration) error {
	switch {
	case errors.Is(err, jsonrpc.ErrStreamClosed):
		return s.crashed(w, "worker exited during "+phase, err)
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{
			Code:    ErrCodeTimeout,
			Message: fmt.Sprintf("%s timed out after %v", phase, timeout),
			Err:     err,
		}
	case ctx.Err() != nil:
		return &Error{Code: ErrCodeSpawn, Message: phase + " cancelled", Err: ctx.Err()}
	default:
		return &Error{Code: ErrCodeSpawn, Message: phase + " failed", Err: err}
	}
}

func (s *Spawner) crashed(w *worker, msg string, err error) error {
	return &Error{Code: ErrCodeCrash, Message: msg, Stderr: stderrTail(w, s.cfg.TerminateGrace), Err: err}
}

// stderrTail waits up to wait for the worker to exit so its last stderr
// lines are captured.
func stderrTail(w *worker, wait time.Duration) string {
	if wait > 0 {
		select {
		case <-w.exited:
		case <-time.After(wait):
		}
	}
	return sanitizer.Redact(w.stderr.String())
}

func (s *Spawner) logFailure(log *logger.Logger, err error) {
	var se *Error
	if !errors.As(err, &se) {
		log.Error("tool call failed", err)
		return
	}

	fields := []logger.Field{
		{Key: "code", Value: string(se.Code)},
		{Key: "status", Value: se.HTTPStatus()},
	}
	if se.Stderr != "" {
		fields = append(fields, logger.Field{Key: "stderr", Value: se.Stderr})
	}

	switch se.Code {
	case ErrCodeTimeout:
		log.Warn("tool call timed out", fields...)
	case ErrCodeCrash, ErrCodeSpawn, ErrCodeInitFailed:
		log.Error("worker failed", err, fields...)
	default:
		log.Info("tool returned an error", append(fields, logger.Field{Key: "error", Value: se.Message})...)
	}
}
