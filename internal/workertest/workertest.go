// Package workertest provides a fake SEO worker for tests. A test binary
// re-executes itself with GO_WANT_HELPER_PROCESS=1 and the helper test calls
// Main, which speaks the worker protocol over stdio:
//
//	func TestHelperProcess(t *testing.T) {
//		if os.Getenv(workertest.EnvHelper) != "1" {
//			return
//		}
//		workertest.Main()
//	}
package workertest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aatumaykin/seorunner/internal/jsonrpc"
)

const (
	EnvHelper    = "GO_WANT_HELPER_PROCESS"
	EnvMode      = "WORKERTEST_MODE"
	EnvError     = "WORKERTEST_ERROR"
	EnvPIDFile   = "WORKERTEST_PID_FILE"
	EnvDelay     = "WORKERTEST_DELAY"
	EnvConfigVar = "WORKERTEST_CONFIG_ENV"
)

// Behaviours selected with EnvMode.
const (
	ModeOK        = "ok"
	ModeInitError = "init_error"
	ModeHangInit  = "hang_init"
	ModeToolError = "tool_error"
	ModeIsError   = "is_error"
	ModeHang      = "hang"
	ModeCrash     = "crash"
	ModeStubborn  = "stubborn"
)

// Command returns the binary and args that re-run the current test binary
// as the fake worker.
func Command() (string, []string) {
	return os.Args[0], []string{"-test.run=^TestHelperProcess$"}
}

// Env builds the extra environment for a fake worker in mode.
func Env(mode string, extra ...string) []string {
	return append([]string{EnvHelper + "=1", EnvMode + "=" + mode}, extra...)
}

// Main runs the fake worker and exits the process.
func Main() {
	mode := os.Getenv(EnvMode)
	if mode == "" {
		mode = ModeOK
	}

	if p := os.Getenv(EnvPIDFile); p != "" {
		_ = os.WriteFile(p, []byte(fmt.Sprintf("%d", os.Getpid())), 0o600)
	}
	if mode == ModeStubborn {
		signal.Ignore(syscall.SIGTERM)
	}

	site := readSite()
	out := bufio.NewWriter(os.Stdout)
	send := func(v any) {
		_ = jsonrpc.Write(out, v)
		_ = out.Flush()
	}

	fmt.Fprintln(os.Stderr, "fake worker starting")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), jsonrpc.MaxLineSize)
	for scanner.Scan() {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			} `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}

		switch req.Method {
		case jsonrpc.MethodInitialize:
			switch mode {
			case ModeHangInit:
				block()
			case ModeInitError:
				send(errorResponse(req.ID, "unsupported protocol version"))
			default:
				fmt.Fprintln(out, "log: initializing")
				send(result(req.ID, map[string]any{
					"protocolVersion": jsonrpc.ProtocolVersion,
					"serverInfo":      map[string]any{"name": "fake-worker"},
				}))
			}
		case jsonrpc.MethodInitialized:
		case jsonrpc.MethodToolsCall:
			if d, err := time.ParseDuration(os.Getenv(EnvDelay)); err == nil {
				time.Sleep(d)
			}
			switch mode {
			case ModeHang, ModeStubborn:
				block()
			case ModeCrash:
				fmt.Fprintln(os.Stderr, "panic: boom access_token=ya29.leaked")
				os.Exit(2)
			case ModeToolError:
				send(errorResponse(req.ID, errorText()))
			case ModeIsError:
				send(result(req.ID, jsonrpc.ToolResult{
					Content: []jsonrpc.ContentItem{{Type: "text", Text: errorText()}},
					IsError: true,
				}))
			default:
				// noise and a stale id precede the real answer
				fmt.Fprintln(out, "analysing...")
				send(result(json.RawMessage(`999`), map[string]any{}))
				args, _ := json.Marshal(req.Params.Arguments)
				send(result(req.ID, jsonrpc.ToolResult{Content: []jsonrpc.ContentItem{{
					Type: "text",
					Text: fmt.Sprintf("tool=%s site=%s args=%s SEO score: 87/100", req.Params.Name, site, args),
				}}}))
			}
		}
	}
	os.Exit(0)
}

func block() {
	for {
		time.Sleep(time.Hour)
	}
}

func errorText() string {
	if s := os.Getenv(EnvError); s != "" {
		return s
	}
	return "forbidden"
}

func readSite() string {
	name := os.Getenv(EnvConfigVar)
	if name == "" {
		name = "SEO_WORKER_CONFIG"
	}
	data, err := os.ReadFile(os.Getenv(name))
	if err != nil {
		return ""
	}
	var cfg struct {
		CredentialsFile string `yaml:"credentials_file"`
		Site            string `yaml:"site"`
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ""
	}
	if _, err := os.Stat(cfg.CredentialsFile); err != nil {
		return ""
	}
	return cfg.Site
}

func result(id json.RawMessage, v any) map[string]any {
	return map[string]any{"jsonrpc": jsonrpc.Version, "id": id, "result": v}
}

func errorResponse(id json.RawMessage, msg string) map[string]any {
	return map[string]any{
		"jsonrpc": jsonrpc.Version,
		"id":      id,
		"error":   map[string]any{"code": -32000, "message": msg},
	}
}
