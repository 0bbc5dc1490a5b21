package instances

import (
	"bytes"
	"sync"

	"github.com/aatumaykin/seorunner/internal/logger"
	"github.com/aatumaykin/seorunner/internal/sanitizer"
)

const maxStderrLine = 2048

// stderrLogger forwards worker stderr to the debug log line by line,
// redacting secrets.
type stderrLogger struct {
	log *logger.Logger
	mu  sync.Mutex
	buf []byte
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxStderrLine {
		w.emit(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

func (w *stderrLogger) emit(line []byte) {
	s := string(bytes.TrimSpace(line))
	if s == "" {
		return
	}
	w.log.Debug("worker stderr", logger.Field{Key: "line", Value: sanitizer.Truncate(sanitizer.Redact(s), maxStderrLine)})
}
