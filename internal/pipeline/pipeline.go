package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"llmextract/internal/diag"
	"llmextract/internal/queue"
	"llmextract/pkg/contract"
)

// - 单点并发：仅此层扇出；每个文档单元独立，单元失败不影响其它单元。
// - 两层重试：队列内层吸收短暂限流；此层按 BaseDelay*2^(n-1) 指数退避做外层重试，仅针对限流。
// - 账本：每个单元在计入完成前恰好写入一条 SUCCESS/FAILED 记录。

// Components 聚合运行所需的原子组件。
type Components struct {
	Enumerator    contract.Enumerator
	Loader        contract.Loader
	PromptBuilder contract.PromptBuilder
	LLM           contract.LLMClient
	Decoder       contract.Decoder
	Writer        contract.Writer
	Ledger        contract.Ledger
}

// Settings 运行期配置。
type Settings struct {
	InputRoot string
	// OutputExt: 输出扩展名，默认 .json。
	OutputExt string
	// Concurrency: 同时处理的文档数（与队列并发门相互独立）。
	Concurrency int
	// MaxRetries: 每个单元的外层尝试次数（>=1）。
	MaxRetries int
	// BaseDelay: 外层退避基数。
	BaseDelay time.Duration
	Queue     *queue.Queue
	// Terminal/LLMName 仅用于终端提示，可为空。
	Terminal *diag.Terminal
	LLMName  string
}

// Stats 运行汇总。RateLimited 为因限流重试耗尽而失败的单元数（包含在 Failed 中）。
type Stats struct {
	Total       int64
	Succeeded   int64
	Failed      int64
	RateLimited int64
}

// Run 枚举 InputRoot 下的文档并并发处理：Load → Prompt → Queue(LLM) → Decoder → Writer → Ledger。
// 仅在进程级问题（配置非法、枚举失败、账本写入失败、取消）时返回错误；
// 单元失败体现在 Stats 与账本中。ctx 取消后不再启动新单元。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (Stats, error) {
	var st Stats
	if err := sanity(comp, &set); err != nil {
		return st, fmt.Errorf("sanity: %w", err)
	}
	runStart := time.Now()
	rtimer := logger.Start("pipeline", "run", zap.String("root", set.InputRoot), zap.Int("concurrency", set.Concurrency))

	etimer := logger.Start("enumerator", "enumerate", zap.String("root", set.InputRoot))
	ids, err := comp.Enumerator.Enumerate(ctx, set.InputRoot)
	if err != nil {
		diag.Report(logger, "enumerator", "enumerate failed", "", err)
		return st, fmt.Errorf("enumerate: %w", err)
	}
	etimer.Finish("enumerate", int64(len(ids)))
	diag.IncOp("enumerator", "finish", "success")

	items := makeItems(set.InputRoot, ids, set.OutputExt)
	set.Terminal.RunStart(len(items), set.Concurrency, set.LLMName)

	var (
		succeeded, failed, rateLimited, total atomic.Int64
		ledgerMu                              sync.Mutex
		ledgerErrs                            []error
	)
	g := new(errgroup.Group)
	g.SetLimit(set.Concurrency)
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			total.Add(1)
			out := runUnit(ctx, comp, set, item, logger)
			entry := contract.LedgerEntry{Time: time.Now(), FileID: item.ID, Status: contract.StatusSuccess}
			if out.err != nil {
				entry.Status = contract.StatusFailed
				entry.Err = out.err.Error()
				failed.Add(1)
				if out.rateLimited {
					rateLimited.Add(1)
				}
			} else {
				succeeded.Add(1)
			}
			if err := comp.Ledger.Append(entry); err != nil {
				diag.Report(logger, "ledger", "append failed", string(item.ID), err)
				ledgerMu.Lock()
				ledgerErrs = append(ledgerErrs, fmt.Errorf("ledger %s: %w", item.ID, err))
				ledgerMu.Unlock()
			}
			diag.IncUnit(string(entry.Status))
			set.Terminal.UnitFinish(item.Display, out.err == nil, out.attempts, out.dur)
			// 单元错误已落账，不向 errgroup 传播
			return nil
		})
	}
	_ = g.Wait()

	st = Stats{Total: total.Load(), Succeeded: succeeded.Load(), Failed: failed.Load(), RateLimited: rateLimited.Load()}
	set.Terminal.RunFinish(int(st.Succeeded), int(st.Failed), time.Since(runStart))
	rtimer.Finish("run", st.Total,
		zap.Int64("succeeded", st.Succeeded), zap.Int64("failed", st.Failed), zap.Int64("rate_limited", st.RateLimited))

	if err := errors.Join(ledgerErrs...); err != nil {
		return st, err
	}
	if st.Total < int64(len(items)) {
		return st, ctx.Err()
	}
	return st, nil
}

// makeItems 为每个 FileID 构造独立的 WorkItem；root 为单个文件时以其所在目录为基准。
func makeItems(root string, ids []contract.FileID, ext string) []contract.WorkItem {
	base := root
	if info, err := os.Stat(root); err == nil && !info.IsDir() {
		base = filepath.Dir(root)
	}
	items := make([]contract.WorkItem, 0, len(ids))
	for _, id := range ids {
		items = append(items, contract.WorkItem{
			ID:       id,
			Source:   filepath.Join(base, filepath.FromSlash(string(id))),
			Artifact: contract.RemapExt(id, ext),
			Display:  path.Base(string(id)),
			MIMEType: contract.MIMETypeOf(id),
		})
	}
	return items
}

type outcome struct {
	err         error
	attempts    int
	rateLimited bool
	dur         time.Duration
}

// runUnit 处理单个文档：限流按指数退避重试至 MaxRetries 次，其它错误立即失败。
func runUnit(ctx context.Context, comp Components, set Settings, item contract.WorkItem, logger *diag.Logger) (out outcome) {
	t0 := time.Now()
	defer func() { out.dur = time.Since(t0) }()
	utimer := logger.StartWith("pipeline", "unit", string(item.ID), zap.String("artifact", string(item.Artifact)))

	op := func() (contract.Raw, error) {
		out.attempts++
		raw, err := attempt(ctx, comp, set, item, out.attempts, logger)
		if err == nil {
			return raw, nil
		}
		if errors.Is(err, contract.ErrRateLimited) {
			diag.IncRateLimited("driver")
			return raw, err
		}
		return raw, backoff.Permanent(err)
	}
	raw, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(newBackOff(set.BaseDelay)),
		backoff.WithMaxTries(uint(set.MaxRetries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("pipeline", string(diag.CodeBudget), "rate limited, retrying unit", string(item.ID),
				zap.Int("attempt", out.attempts), zap.Duration("backoff", next), zap.Error(err))
		}),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		if errors.Is(err, contract.ErrRateLimited) {
			out.rateLimited = true
			err = fmt.Errorf("%w after %d attempts: %w", contract.ErrRetriesExhausted, out.attempts, err)
		}
		out.err = err
		diag.Report(logger, "pipeline", "unit failed", string(item.ID), err)
		return out
	}

	dtimer := logger.StartWith("decoder", "decode", string(item.ID))
	data, err := comp.Decoder.Decode(ctx, item.ID, raw)
	if err != nil {
		out.err = fmt.Errorf("decode: %w", err)
		diag.Report(logger, "decoder", "decode failed", string(item.ID), err)
		return out
	}
	dtimer.Finish("decode", int64(len(data)))
	diag.IncOp("decoder", "finish", "success")

	wtimer := logger.StartWith("writer", "write", string(item.ID))
	if err := comp.Writer.Write(ctx, item.Artifact, bytes.NewReader(data)); err != nil {
		out.err = fmt.Errorf("write %s: %w", item.Artifact, err)
		diag.Report(logger, "writer", "write failed", string(item.ID), err)
		return out
	}
	var fields []zap.Field
	if loc, ok := comp.Writer.(contract.Locator); ok {
		if p, err := loc.Locate(item.Artifact); err == nil {
			fields = append(fields, zap.String("path", p))
		}
	}
	wtimer.Finish("write", int64(len(data)), fields...)
	diag.IncOp("writer", "finish", "success")
	utimer.Finish("unit", int64(out.attempts))
	return out
}

// attempt 为一次外层尝试：读取文档、构造提示、经队列调用 LLM。
func attempt(ctx context.Context, comp Components, set Settings, item contract.WorkItem, n int, logger *diag.Logger) (contract.Raw, error) {
	doc, err := comp.Loader.Load(ctx, item)
	if err != nil {
		diag.Report(logger, "reader", "load failed", string(item.ID), err)
		return contract.Raw{}, fmt.Errorf("load: %w", err)
	}
	p, err := comp.PromptBuilder.Build(ctx, item)
	if err != nil {
		diag.Report(logger, "prompt_builder", "build failed", string(item.ID), err)
		return contract.Raw{}, fmt.Errorf("prompt: %w", err)
	}

	ltimer := logger.StartWith("llm_client", "invoke", string(item.ID), zap.Int("attempt", n), zap.Int("bytes", len(doc.Data)))
	raw, err := queue.Execute(ctx, set.Queue, func(ctx context.Context) (contract.Raw, error) {
		return comp.LLM.Invoke(ctx, doc, p)
	})
	if err != nil {
		code := diag.Classify(err)
		fields := []zap.Field{zap.Int("attempt", n), zap.Error(err)}
		var ue contract.UpstreamError
		if errors.As(err, &ue) {
			fields = append(fields, zap.Int("http_status", ue.UpstreamStatus()))
			if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
				if len(m) > 200 {
					m = m[:200]
				}
				fields = append(fields, zap.String("upstream_msg", m))
			}
		}
		logger.ErrorWith("llm_client", string(code), "invoke failed", nil, string(item.ID), fields...)
		diag.IncOp("llm_client", "error", "error")
		if code != diag.CodeUnknown {
			diag.IncError("llm_client", string(code))
		}
		return contract.Raw{}, err
	}
	ltimer.Finish("invoke", int64(len(raw.Text)))
	diag.IncOp("llm_client", "finish", "success")
	return raw, nil
}

// newBackOff: 无抖动的翻倍退避，依次为 base, 2*base, 4*base ...
func newBackOff(base time.Duration) *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Duration(math.MaxInt64),
	}
}

func sanity(c Components, s *Settings) error {
	if c.Enumerator == nil || c.Loader == nil || c.PromptBuilder == nil || c.LLM == nil ||
		c.Decoder == nil || c.Writer == nil || c.Ledger == nil {
		return fmt.Errorf("%w: missing component", contract.ErrInvalidInput)
	}
	if s.Queue == nil {
		return fmt.Errorf("%w: queue required", contract.ErrInvalidInput)
	}
	if strings.TrimSpace(s.InputRoot) == "" {
		return fmt.Errorf("%w: input root required", contract.ErrInvalidInput)
	}
	if s.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be >= 1", contract.ErrInvalidInput)
	}
	if s.MaxRetries < 1 {
		return fmt.Errorf("%w: max retries must be >= 1", contract.ErrInvalidInput)
	}
	if s.BaseDelay < 0 {
		return fmt.Errorf("%w: base delay must be >= 0", contract.ErrInvalidInput)
	}
	if s.OutputExt == "" {
		s.OutputExt = ".json"
	}
	return nil
}
