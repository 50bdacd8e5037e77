package diag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"llmextract/pkg/contract"
)

// 日志轮转写入
func TestRotatingFile(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 30)
	_, err := w.Write([]byte("first line that is very long\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("second\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	hasCurrent, hasRotated := false, false
	for _, e := range ents {
		if e.Name() == currentLogName {
			hasCurrent = true
		} else if strings.HasPrefix(e.Name(), "llmextract-") && strings.HasSuffix(e.Name(), ".log") {
			hasRotated = true
		}
	}
	assert.True(t, hasCurrent, "current file")
	assert.True(t, hasRotated, "rotated file")
}

// 空的当前文件不触发轮转
func TestRotatingFileNoRotateWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 5)
	_, err := w.Write([]byte("longer than five bytes\n"))
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())
	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, ents, 1)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{contract.ErrResponseInvalid, CodeProtocol},
		{context.Canceled, CodeCancel},
		{fmt.Errorf("wrap: %w", context.DeadlineExceeded), CodeCancel},
		{&fs.PathError{Op: "open", Path: "/", Err: errors.New("x")}, CodeIO},
		{&net.DNSError{Err: "x"}, CodeNetwork},
		{fmt.Errorf("gemini: %w", contract.ErrRateLimited), CodeBudget},
		{contract.ErrRetriesExhausted, CodeBudget},
		{contract.ErrPathInvalid, CodeInvariant},
		{errors.New("other"), CodeUnknown},
		{nil, CodeUnknown},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.err), "err=%v", c.err)
	}
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

// Logger 事件字段
func TestLoggerEvents(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo("corr-1", "debug", zapcore.AddSync(&buf))
	tm := l.StartWith("queue", "execute", "a/b.pdf", zap.Int("attempt", 1))
	tm.Finish("execute", 3)
	l.Warn("queue", "budget", "rate limited", "a/b.pdf")
	l.ErrorWith("llm_client", "network", "invoke failed", nil, "a/b.pdf", zap.Int("http_status", 503))
	l.Debug("gate", "acquire", "")

	evs := decodeLines(t, &buf)
	require.Len(t, evs, 5)
	assert.Equal(t, "start", evs[0]["stage"])
	assert.Equal(t, "corr-1", evs[0]["corr_id"])
	assert.Equal(t, "a/b.pdf", evs[0]["file_id"])
	assert.Equal(t, "finish", evs[1]["stage"])
	assert.EqualValues(t, 3, evs[1]["count"])
	assert.Equal(t, "warn", evs[2]["level"])
	assert.Equal(t, "error", evs[3]["level"])
	assert.EqualValues(t, 503, evs[3]["http_status"])
	assert.Equal(t, "debug", evs[4]["level"])
}

// info 级别过滤 debug
func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo("c", "info", zapcore.AddSync(&buf))
	l.Debug("comp", "hidden", "")
	assert.Empty(t, buf.String())
	start := time.Now().Add(-10 * time.Millisecond)
	l.Error("comp", "io", "boom", &start)
	evs := decodeLines(t, &buf)
	require.Len(t, evs, 1)
	assert.Contains(t, evs[0], "dur_ms")
}

func TestDebugEnabled(t *testing.T) {
	var buf bytes.Buffer
	assert.True(t, NewLoggerTo("c", "debug", zapcore.AddSync(&buf)).DebugEnabled())
	assert.False(t, NewLoggerTo("c", "info", zapcore.AddSync(&buf)).DebugEnabled())
	assert.False(t, NewNop().DebugEnabled())
	var l *Logger
	assert.False(t, l.DebugEnabled())
}

// nil 接收者安全
func TestLoggerNilSafe(t *testing.T) {
	var l *Logger
	l.Start("c", "m").Finish("m", 1)
	l.Warn("c", "x", "m", "")
	l.Error("c", "x", "m", nil)
	assert.NoError(t, l.Close())
	assert.NotNil(t, l.Zap())
	NewNop().Start("c", "m").Finish("m", 0)
}

func TestLoggerFileSink(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger("corr", "info", dir)
	l.Start("comp", "msg").Finish("ok", 1)
	require.NoError(t, l.Close())
	b, err := os.ReadFile(dir + "/" + currentLogName)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"corr_id":"corr"`)
}

func TestReportCounts(t *testing.T) {
	before := testutil.ToFloat64(errorTotal.WithLabelValues("report_test", string(CodeBudget)))
	code := Report(NewNop(), "report_test", "failed", "x.pdf", contract.ErrRateLimited)
	assert.Equal(t, CodeBudget, code)
	assert.Equal(t, before+1, testutil.ToFloat64(errorTotal.WithLabelValues("report_test", string(CodeBudget))))
}

func TestMetrics(t *testing.T) {
	before := testutil.ToFloat64(opTotal.WithLabelValues("comp", "stage", "success"))
	IncOp("comp", "stage", "success")
	assert.Equal(t, before+1, testutil.ToFloat64(opTotal.WithLabelValues("comp", "stage", "success")))
	IncUnit("SUCCESS")
	IncRateLimited("queue")
	SetInFlight(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(gateInFlight))
	ObserveDuration("comp", "stage", 12)
}

// 终端（非 TTY）每单元一行
func TestTerminalNonTTYFlow(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	require.False(t, term.isTTY)
	term.RunStart(2, 3, "gemini")
	term.UnitFinish("docs/guide.pdf", true, 1, 5100*time.Millisecond)
	term.UnitFinish("docs/bad.pdf", false, 3, 200*time.Millisecond)
	term.RunFinish(1, 1, 41300*time.Millisecond)

	out := sb.String()
	assert.NotContains(t, out, "\r")
	assert.Contains(t, out, "[run] 文档 2 | 并发 3 | llm=gemini")
	assert.Contains(t, out, "[ok] guide.pdf | 尝试 1 | 用时 5.1s")
	assert.Contains(t, out, "[fail] bad.pdf | 尝试 3 | 用时 200ms")
	assert.Contains(t, out, "[fail] 全部完成 | 成功 1 | 失败 1 | 总用时 41.3s")
}

// 终端（TTY）进度节流与失败常驻
func TestTerminalTTYProgress(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	term.isTTY = true
	term.RunStart(3, 2, "mock")

	term.UnitFinish("a.pdf", true, 1, time.Millisecond)
	first := sb.String()
	assert.Contains(t, first, "\r[run] 进度 1/3")

	// 100ms 内再次成功：被节流
	term.UnitFinish("b.pdf", true, 1, time.Millisecond)
	assert.Equal(t, first, sb.String())

	// 最后一个单元总是刷新，失败行常驻
	term.UnitFinish("c.pdf", false, 2, time.Millisecond)
	final := sb.String()
	assert.Contains(t, final, "[fail] c.pdf")
	assert.Contains(t, final, "进度 3/3 | 失败 1")
}

type flakyWriter struct{ fail bool }

func (w *flakyWriter) Write(p []byte) (int, error) {
	if w.fail {
		w.fail = false
		return 0, fmt.Errorf("boom")
	}
	return len(p), nil
}

// 写失败降级为禁用态
func TestTerminalDisableOnWriteError(t *testing.T) {
	term := NewTerminal(&flakyWriter{fail: true}, true)
	term.RunStart(1, 1, "x")
	assert.False(t, term.enabled)
	term.UnitFinish("a", true, 1, 0)
	term.RunFinish(1, 0, 0)

	var tn *Terminal
	tn.RunStart(1, 1, "x")
	tn.UnitFinish("a", true, 1, 0)
	tn.RunFinish(0, 0, 0)
}

func TestTerminalCIEnv(t *testing.T) {
	t.Setenv("CI", "true")
	term := NewTerminal(os.Stderr, true)
	assert.False(t, term.isTTY)
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "a b c", safe("a\nb\rc"))
	assert.Equal(t, "0ms", formatDur(0))
	assert.Equal(t, "1.5s", formatDur(1500*time.Millisecond))
	assert.Equal(t, "", shortenBase("x", 0))
	s := shortenBase("/x/y/这是一个很长的文件名用于截断测试abcdefghijk.pdf", 10)
	assert.Equal(t, 10, visLen(s))
}
