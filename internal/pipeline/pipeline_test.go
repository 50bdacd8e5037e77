package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmextract/internal/diag"
	"llmextract/internal/ledger"
	"llmextract/internal/queue"
	"llmextract/internal/rate"
	"llmextract/pkg/contract"
	"llmextract/plugins/decoder/jsonblock"
	"llmextract/plugins/llmclient/flaky"
	"llmextract/plugins/llmclient/mock"
	pext "llmextract/plugins/prompt/extract"
	rfs "llmextract/plugins/reader/filesystem"
	wfs "llmextract/plugins/writer/filesystem"
)

type env struct {
	in, out  string
	ledger   *ledger.Ledger
	ledgerOp ledger.Options
}

func newEnv(t *testing.T, files ...string) *env {
	t.Helper()
	e := &env{in: t.TempDir(), out: t.TempDir()}
	for _, f := range files {
		p := filepath.Join(e.in, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("%PDF "+f), 0o644))
	}
	e.ledgerOp = ledger.Options{Dir: e.out}
	l, err := ledger.Open(e.ledgerOp)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	e.ledger = l
	return e
}

func (e *env) entries(t *testing.T) (ok, failed []contract.LedgerEntry) {
	t.Helper()
	sp, fp := e.ledgerOp.Paths()
	ok, err := ledger.ReadEntries(sp)
	require.NoError(t, err)
	failed, err = ledger.ReadEntries(fp)
	require.NoError(t, err)
	return ok, failed
}

func newQueue(t *testing.T, gate, ceiling int) *queue.Queue {
	t.Helper()
	b, err := rate.NewBucket(rate.Limits{Capacity: 1000, RefillAmount: 1000, RefillInterval: time.Second}, nil)
	require.NoError(t, err)
	g, err := queue.NewGate(gate)
	require.NoError(t, err)
	q, err := queue.New(b, g, queue.Settings{
		RateLimitBackoff:    time.Millisecond,
		IdleBackoff:         time.Millisecond,
		MaxRateLimitRetries: ceiling,
	}, diag.NewNop())
	require.NoError(t, err)
	return q
}

func (e *env) components(t *testing.T, llm contract.LLMClient) Components {
	t.Helper()
	pb, err := pext.New(nil)
	require.NoError(t, err)
	w, err := wfs.New(&wfs.Options{OutputDir: e.out})
	require.NoError(t, err)
	r := rfs.New(nil)
	return Components{
		Enumerator:    r,
		Loader:        r,
		PromptBuilder: pb,
		LLM:           llm,
		Decoder:       jsonblock.New(nil),
		Writer:        w,
		Ledger:        e.ledger,
	}
}

func (e *env) settings(q *queue.Queue, maxRetries int) Settings {
	return Settings{
		InputRoot:   e.in,
		Concurrency: 3,
		MaxRetries:  maxRetries,
		BaseDelay:   time.Millisecond,
		Queue:       q,
	}
}

var fiveUnits = []string{"ok1.pdf", "sub/ok2.pdf", "bad1.pdf", "sub/bad2.pdf", "slow.pdf"}

func fiveUnitLLM(t *testing.T) *flaky.Client {
	t.Helper()
	c, err := flaky.New(&flaky.Options{
		RateLimitTimes: 4,
		RateLimitNames: []string{"slow.pdf"},
		FailNames:      []string{"bad1.pdf", "bad2.pdf"},
	})
	require.NoError(t, err)
	return c
}

func ids(es []contract.LedgerEntry) []string {
	out := make([]string, 0, len(es))
	for _, e := range es {
		out = append(out, string(e.FileID))
	}
	sort.Strings(out)
	return out
}

// 五个单元：外层 3 次尝试不足以越过 4 次限流
func TestRunFiveUnitsRetriesExhausted(t *testing.T) {
	e := newEnv(t, fiveUnits...)
	llm := fiveUnitLLM(t)
	st, err := Run(context.Background(), e.components(t, llm), e.settings(newQueue(t, 3, 0), 3), diag.NewNop())
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 5, Succeeded: 2, Failed: 3, RateLimited: 1}, st)

	ok, failed := e.entries(t)
	assert.Equal(t, []string{"ok1.pdf", "sub/ok2.pdf"}, ids(ok))
	assert.Equal(t, []string{"bad1.pdf", "slow.pdf", "sub/bad2.pdf"}, ids(failed))
	for _, f := range failed {
		if f.FileID == "slow.pdf" {
			assert.Contains(t, f.Err, "retries exhausted after 3 attempts")
		} else {
			assert.Contains(t, f.Err, "injected upstream failure")
		}
	}
	assert.Equal(t, 3, llm.Calls("slow.pdf"))
	assert.Equal(t, 1, llm.Calls("bad1.pdf"))
	assert.Equal(t, 1, llm.Calls("sub/bad2.pdf"))
	assert.Equal(t, 1, llm.Calls("ok1.pdf"))

	_, err = os.Stat(filepath.Join(e.out, "slow.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// 五个单元：外层 5 次尝试使限流单元成功
func TestRunFiveUnitsEventuallySucceeds(t *testing.T) {
	e := newEnv(t, fiveUnits...)
	llm := fiveUnitLLM(t)
	st, err := Run(context.Background(), e.components(t, llm), e.settings(newQueue(t, 3, 0), 5), diag.NewNop())
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 5, Succeeded: 3, Failed: 2}, st)

	ok, failed := e.entries(t)
	assert.Len(t, append(ok, failed...), 5)
	assert.Equal(t, []string{"ok1.pdf", "slow.pdf", "sub/ok2.pdf"}, ids(ok))
	for _, o := range ok {
		assert.Empty(t, o.Err)
	}
	assert.Equal(t, 5, llm.Calls("slow.pdf"))
}

// 队列内层重试吸收限流，外层只需一次尝试
func TestRunInnerRetriesAbsorbRateLimit(t *testing.T) {
	e := newEnv(t, fiveUnits...)
	llm := fiveUnitLLM(t)
	st, err := Run(context.Background(), e.components(t, llm), e.settings(newQueue(t, 3, 30), 1), diag.NewNop())
	require.NoError(t, err)
	assert.EqualValues(t, 3, st.Succeeded)
	assert.Equal(t, 5, llm.Calls("slow.pdf"))
}

// 输出镜像输入目录结构并替换扩展名
func TestRunMirrorsOutputTree(t *testing.T) {
	e := newEnv(t, "a/b/c.pdf", "top.PDF", "notes.txt")
	llm, err := mock.New(nil)
	require.NoError(t, err)
	set := e.settings(newQueue(t, 2, 0), 1)
	set.OutputExt = "json"
	st, err := Run(context.Background(), e.components(t, llm), set, diag.NewNop())
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.Succeeded)

	b, err := os.ReadFile(filepath.Join(e.out, "a", "b", "c.json"))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"file": "c.pdf"`)
	_, err = os.Stat(filepath.Join(e.out, "top.json"))
	assert.NoError(t, err)
}

// 解码失败立即失败，不重试
func TestRunDecodeFailureFailsFast(t *testing.T) {
	e := newEnv(t, "junk.pdf")
	llm, err := flaky.New(&flaky.Options{InvalidNames: []string{"junk.pdf"}})
	require.NoError(t, err)
	st, err := Run(context.Background(), e.components(t, llm), e.settings(newQueue(t, 1, 0), 5), diag.NewNop())
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Failed)
	assert.Equal(t, 1, llm.Calls("junk.pdf"))
	_, failed := e.entries(t)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Err, "decode")
}

type trackingLLM struct {
	cur, hw atomic.Int64
}

func (l *trackingLLM) Invoke(ctx context.Context, doc contract.Document, p contract.Prompt) (contract.Raw, error) {
	n := l.cur.Add(1)
	defer l.cur.Add(-1)
	for {
		old := l.hw.Load()
		if n <= old || l.hw.CompareAndSwap(old, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return contract.Raw{Text: `{"ok":true}`}, nil
}

// 扇出上限与队列并发门取二者较小值
func TestRunFanOutLimit(t *testing.T) {
	files := make([]string, 12)
	for i := range files {
		files[i] = string(rune('a'+i)) + ".pdf"
	}
	e := newEnv(t, files...)
	llm := &trackingLLM{}
	set := e.settings(newQueue(t, 10, 0), 1)
	set.Concurrency = 2
	st, err := Run(context.Background(), e.components(t, llm), set, diag.NewNop())
	require.NoError(t, err)
	assert.EqualValues(t, 12, st.Succeeded)
	assert.LessOrEqual(t, llm.hw.Load(), int64(2))

	llm2 := &trackingLLM{}
	e2 := newEnv(t, files...)
	set2 := e2.settings(newQueue(t, 1, 0), 1)
	set2.Concurrency = 6
	_, err = Run(context.Background(), e2.components(t, llm2), set2, diag.NewNop())
	require.NoError(t, err)
	assert.EqualValues(t, 1, llm2.hw.Load())
}

type failingLedger struct {
	mu sync.Mutex
	n  int
}

func (l *failingLedger) Append(contract.LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.n++
	return errors.New("disk full")
}

func TestRunLedgerFailureIsProcessError(t *testing.T) {
	e := newEnv(t, "a.pdf", "b.pdf")
	llm, _ := mock.New(nil)
	comp := e.components(t, llm)
	fl := &failingLedger{}
	comp.Ledger = fl
	st, err := Run(context.Background(), comp, e.settings(newQueue(t, 1, 0), 1), diag.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.EqualValues(t, 2, st.Total)
	assert.Equal(t, 2, fl.n)
}

func TestRunSanityAndEnumerateErrors(t *testing.T) {
	e := newEnv(t, "a.pdf")
	llm, _ := mock.New(nil)
	comp := e.components(t, llm)

	set := e.settings(newQueue(t, 1, 0), 0)
	_, err := Run(context.Background(), comp, set, diag.NewNop())
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	set = e.settings(nil, 1)
	_, err = Run(context.Background(), comp, set, diag.NewNop())
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	bad := comp
	bad.Decoder = nil
	_, err = Run(context.Background(), bad, e.settings(newQueue(t, 1, 0), 1), diag.NewNop())
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	set = e.settings(newQueue(t, 1, 0), 1)
	set.InputRoot = filepath.Join(e.in, "missing")
	_, err = Run(context.Background(), comp, set, diag.NewNop())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// 单文件输入：以其所在目录为基准
func TestRunSingleFileRoot(t *testing.T) {
	e := newEnv(t, "only.pdf")
	llm, _ := mock.New(nil)
	set := e.settings(newQueue(t, 1, 0), 1)
	set.InputRoot = filepath.Join(e.in, "only.pdf")
	var sb strings.Builder
	set.Terminal = diag.NewTerminal(&sb, true)
	set.LLMName = "mock"
	st, err := Run(context.Background(), e.components(t, llm), set, diag.NewNop())
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Succeeded)
	_, err = os.Stat(filepath.Join(e.out, "only.json"))
	assert.NoError(t, err)
	assert.Contains(t, sb.String(), "[ok] only.pdf")
	assert.Contains(t, sb.String(), "全部完成 | 成功 1 | 失败 0")
}

func TestBackOffSchedule(t *testing.T) {
	b := newBackOff(100 * time.Millisecond)
	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 200*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 400*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 800*time.Millisecond, b.NextBackOff())
}

func TestMakeItems(t *testing.T) {
	items := makeItems("/in", []contract.FileID{"x/y.PDF"}, ".json")
	require.Len(t, items, 1)
	assert.Equal(t, contract.WorkItem{
		ID:       "x/y.PDF",
		Source:   filepath.Join("/in", "x", "y.PDF"),
		Artifact: "x/y.json",
		Display:  "y.PDF",
		MIMEType: "application/pdf",
	}, items[0])
}
