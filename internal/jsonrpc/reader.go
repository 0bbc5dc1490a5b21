package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
)

// ErrStreamClosed means the peer closed its output before answering.
var ErrStreamClosed = errors.New("stream closed before response")

const (
	initialLineBuffer = 64 * 1024
	// MaxLineSize bounds a single protocol line.
	MaxLineSize = 16 * 1024 * 1024
)

// Lines scans r in a goroutine and delivers each line on the returned
// channel. The channel closes on EOF, on a scan error or once abort is
// closed, so an abandoned reader never blocks on send.
func Lines(r io.Reader, abort <-chan struct{}) <-chan []byte {
	out := make(chan []byte)

	go func() {
		defer close(out)

		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, initialLineBuffer), MaxLineSize)

		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			select {
			case out <- line:
			case <-abort:
				return
			}
		}
	}()

	return out
}

// Decode parses a line as a response. ok is false for lines that are not
// JSON objects (worker log noise).
func Decode(line []byte) (Response, bool) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, false
	}
	return resp, true
}

// Await reads lines until one decodes to a response whose id matches.
// Non-JSON and mismatched lines are skipped. It returns ErrStreamClosed when
// lines closes first and ctx.Err() when ctx expires first.
func Await(ctx context.Context, lines <-chan []byte, id any) (*Response, error) {
	want := IDKey(id)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil, ErrStreamClosed
			}
			resp, ok := Decode(line)
			if !ok || IDKey(resp.ID) != want {
				continue
			}
			return &resp, nil
		}
	}
}
