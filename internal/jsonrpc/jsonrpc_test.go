package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrite_SingleLine(t *testing.T) {
	buf := &bytes.Buffer{}
	req := NewRequest(1, MethodToolsCall, ToolCallParams("audit", map[string]any{"url": "https://example.com"}))

	require.NoError(t, Write(buf, req))

	out := buf.String()
	assert.True(t, strings.HasSuffix(out, "\n"))
	assert.Equal(t, 1, strings.Count(out, "\n"))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "2.0", decoded["jsonrpc"])
	assert.Equal(t, "tools/call", decoded["method"])
}

func TestNotification_OmitsID(t *testing.T) {
	data, err := json.Marshal(NewNotification(MethodInitialized))
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"id"`)
}

func TestIDKey(t *testing.T) {
	assert.Equal(t, IDKey(2), IDKey(json.RawMessage("2")))
	assert.Equal(t, IDKey(2), IDKey(json.RawMessage("2.0")))
	assert.NotEqual(t, IDKey(2), IDKey(json.RawMessage(`"2"`)))
	assert.Equal(t, IDKey("abc"), IDKey(json.RawMessage(`"abc"`)))
	assert.Equal(t, "", IDKey(json.RawMessage("null")))
}

func TestAwait_SkipsNoiseAndMismatchedIDs(t *testing.T) {
	stream := strings.Join([]string{
		"worker starting up",
		`{"jsonrpc":"2.0","method":"notifications/message","params":{}}`,
		`{"jsonrpc":"2.0","id":7,"result":{"other":true}}`,
		"{not json",
		`{"jsonrpc":"2.0","id":2,"result":{"content":[{"type":"text","text":"ok"}]}}`,
	}, "\n") + "\n"

	abort := make(chan struct{})
	defer close(abort)

	resp, err := Await(context.Background(), Lines(strings.NewReader(stream), abort), 2)
	require.NoError(t, err)
	assert.Nil(t, resp.Error)
	assert.Equal(t, "ok", ParseToolResult(resp.Result).Text())
}

func TestAwait_StreamClosed(t *testing.T) {
	abort := make(chan struct{})
	defer close(abort)

	_, err := Await(context.Background(), Lines(strings.NewReader("log line\n"), abort), 1)
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestAwait_Timeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	abort := make(chan struct{})
	lines := Lines(pr, abort)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := Await(ctx, lines, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(abort)
	pw.CloseWithError(io.EOF)

	// the reader goroutine must finish once aborted
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-lines:
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func TestErrorText(t *testing.T) {
	e := &Error{Code: -32000, Message: "request failed", Data: json.RawMessage(`"Forbidden: user lacks permission"`)}
	assert.Equal(t, "request failed Forbidden: user lacks permission", e.Text())

	e = &Error{Code: -32000, Message: "bad", Data: json.RawMessage(`{"reason":"invalid_grant"}`)}
	assert.Contains(t, e.Text(), "invalid_grant")
}

func TestParseToolResult_NonEnvelope(t *testing.T) {
	res := ParseToolResult(json.RawMessage(`{"score": 91}`))
	require.Len(t, res.Content, 1)
	assert.Equal(t, `{"score": 91}`, res.Text())
}
