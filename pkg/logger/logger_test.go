package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCodedError struct{}

func (testCodedError) Error() string         { return "coded" }
func (testCodedError) ErrorCode() string     { return "CALL_CONFLICT" }
func (testCodedError) ErrorCategory() string { return "CONFLICT" }

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	return entry
}

func TestLogger_WritesComponentAndFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: LogLevelDebug, Output: &buf})

	l.WithComponent("session").WithFields(String("sid", "abc")).
		Info(context.Background(), "session opened", Int("buffered", 2))

	entry := decodeLine(t, &buf)
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "session", entry["component"])
	assert.Equal(t, "abc", entry["sid"])
	assert.Equal(t, float64(2), entry["buffered"])
	assert.Equal(t, "session opened", entry["message"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: LogLevelWarn, Output: &buf})

	l.Info(context.Background(), "hidden")
	assert.Zero(t, buf.Len())

	l.SetLevel(LogLevelDebug)
	assert.True(t, l.IsEnabled(LogLevelDebug))
	l.Debug(context.Background(), "visible")
	assert.NotZero(t, buf.Len())
}

func TestLogger_LogErrorAddsCode(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: LogLevelInfo, Output: &buf})

	l.LogError(context.Background(), testCodedError{}, "admission failed")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "CALL_CONFLICT", entry["error_code"])
	assert.Equal(t, "CONFLICT", entry["error_category"])
	assert.Equal(t, "coded", entry["error"])
}

func TestLogger_ErrorField(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: LogLevelInfo, Output: &buf})

	l.Warn(context.Background(), "iq failed", Err(errors.New("timeout")))

	entry := decodeLine(t, &buf)
	assert.Equal(t, "timeout", entry["error"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, ParseLevel("debug"))
	assert.Equal(t, LogLevelError, ParseLevel("ERROR"))
	assert.Equal(t, LogLevelInfo, ParseLevel("bogus"))
}
