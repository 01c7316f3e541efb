package logging

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStdLoggerFiltersBelowMinLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewStdLogger(LogLevelWarn, &buf)
	logger.Debug(context.Background(), "hidden")
	logger.Info(context.Background(), "hidden too")
	logger.Warn(context.Background(), "visible")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "[WARN] visible")
}

func TestStdLoggerIncludesFieldsErrorAndTraceID(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewStdLogger(LogLevelDebug, &buf)
	logger.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	ctx := WithTraceID(context.Background(), "abc")
	logger.WithFields(Field("path", "a.txt")).Error(ctx, "apply failed", errors.New("boom"), Field("hunk", 2))

	line := strings.TrimSpace(buf.String())
	require.Equal(t, `[2024-01-02T03:04:05Z] [ERROR] [error="boom"] apply failed fields=[path=a.txt hunk=2 trace_id=abc]`, line)
}

func TestWithFieldsDoesNotLeakIntoParent(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	parent := NewStdLogger(LogLevelInfo, &buf)
	_ = parent.WithFields(Field("child", true))
	parent.Info(context.Background(), "plain")

	require.NotContains(t, buf.String(), "child")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in    string
		want  LogLevel
		known bool
	}{
		{in: "debug", want: LogLevelDebug, known: true},
		{in: " Error ", want: LogLevelError, known: true},
		{in: "verbose", want: LogLevelWarn, known: false},
	}
	for _, tc := range cases {
		got, ok := ParseLevel(tc.in)
		require.Equal(t, tc.want, got, tc.in)
		require.Equal(t, tc.known, ok, tc.in)
	}
}
