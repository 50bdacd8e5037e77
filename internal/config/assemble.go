package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"llmextract/internal/diag"
	"llmextract/internal/ledger"
	"llmextract/internal/pipeline"
	"llmextract/internal/queue"
	"llmextract/internal/rate"
	"llmextract/pkg/contract"
	"llmextract/pkg/registry"
)

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func invalid(format string, args ...any) error {
	return fmt.Errorf("config: %w: %s", contract.ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Validate 对最小必要边界做静态校验；返回全部问题的合并错误。
func Validate(cfg Config) error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if strings.TrimSpace(cfg.Input) == "" {
		add(invalid("input not set"))
	}
	if strings.TrimSpace(cfg.Output) == "" {
		add(invalid("output not set"))
	}
	if cfg.Concurrency < 1 {
		add(invalid("concurrency must be >= 1"))
	}
	if cfg.MaxRetries < 1 {
		add(invalid("max_retries must be >= 1"))
	}
	if cfg.BaseDelay < 0 {
		add(invalid("base_delay must be >= 0"))
	}

	q := cfg.Queue
	if err := limitsOf(q).Validate(); err != nil {
		add(fmt.Errorf("config: queue: %w", err))
	}
	if q.MaxConcurrent < 1 {
		add(invalid("queue.max_concurrent must be >= 1"))
	}
	if q.RateLimitBackoff < 0 || q.IdleBackoff < 0 {
		add(invalid("queue backoffs must be >= 0"))
	}
	if q.MaxRateLimitRetries != nil && *q.MaxRateLimitRetries < 0 {
		add(invalid("queue.max_rate_limit_retries must be >= 0"))
	}
	if lv := strings.ToLower(cfg.Logging.Level); lv != "" && !logLevels[lv] {
		add(invalid("logging.level %q unknown", cfg.Logging.Level))
	}

	d := Defaults().Components
	if name := effName(cfg.Components.Reader, d.Reader); registry.Reader[name] == nil {
		add(invalid("reader %q not registered", name))
	}
	if name := effName(cfg.Components.PromptBuilder, d.PromptBuilder); registry.PromptBuilder[name] == nil {
		add(invalid("prompt_builder %q not registered", name))
	}
	if name := effName(cfg.Components.Decoder, d.Decoder); registry.Decoder[name] == nil {
		add(invalid("decoder %q not registered", name))
	}
	if name := effName(cfg.Components.Writer, d.Writer); registry.Writer[name] == nil {
		add(invalid("writer %q not registered", name))
	}

	if cfg.LLM == "" {
		add(invalid("llm not set"))
	} else if prov, ok := cfg.Provider[cfg.LLM]; !ok {
		add(invalid("provider %q not found", cfg.LLM))
	} else if prov.Client == "" {
		add(invalid("provider %q missing client", cfg.LLM))
	} else if registry.LLMClient[prov.Client] == nil {
		add(invalid("llm client %q not registered", prov.Client))
	}
	return errors.Join(errs...)
}

func limitsOf(q Queue) rate.Limits {
	return rate.Limits{Capacity: q.Capacity, RefillAmount: q.RefillAmount, RefillInterval: q.RefillInterval.D()}
}

// Runtime: 装配结果。Close 释放 LLM 客户端与账本文件。
type Runtime struct {
	Components pipeline.Components
	Settings   pipeline.Settings
	Ledger     *ledger.Ledger
	LedgerOpts ledger.Options

	closers []io.Closer
}

// Close 逆序关闭装配期打开的资源。
func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i].Close())
	}
	r.closers = nil
	return errors.Join(errs...)
}

// LedgerOptions 返回生效的账本配置；目录为空时与输出目录相同。
func LedgerOptions(cfg Config) ledger.Options {
	lo := cfg.Ledger
	if strings.TrimSpace(lo.Dir) == "" {
		lo.Dir = cfg.Output
	}
	return lo
}

// NewLLM 按 provider 名构造 LLM 客户端（client 实现 + 原样 options）。
// 返回值实现 io.Closer 时由调用方关闭。
func NewLLM(ctx context.Context, cfg Config, name string) (contract.LLMClient, error) {
	prov, ok := cfg.Provider[name]
	if !ok {
		return nil, invalid("provider %q not defined", name)
	}
	newClient, ok := registry.LLMClient[prov.Client]
	if !ok {
		return nil, invalid("provider %q: unknown client %q", name, prov.Client)
	}
	llm, err := newClient(ctx, prov.Options.Node())
	if err != nil {
		return nil, fmt.Errorf("llm %s: %w", name, err)
	}
	return llm, nil
}

// Assemble 构造令牌桶、并发门、请求队列、各组件与账本，返回显式的 pipeline.Settings。
// 严格 Options 解析在 registry（工厂）层进行；此处只传原样 YAML 节点。
func Assemble(ctx context.Context, cfg Config, logger *diag.Logger) (*Runtime, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	rt := &Runtime{}
	done := false
	defer func() {
		if !done {
			_ = rt.Close()
		}
	}()

	d := Defaults().Components
	src, err := registry.Reader[effName(cfg.Components.Reader, d.Reader)](cfg.Options.Reader.Node())
	if err != nil {
		return nil, fmt.Errorf("reader: %w", err)
	}
	pb, err := registry.PromptBuilder[effName(cfg.Components.PromptBuilder, d.PromptBuilder)](cfg.Options.PromptBuilder.Node())
	if err != nil {
		return nil, fmt.Errorf("prompt_builder: %w", err)
	}
	dec, err := registry.Decoder[effName(cfg.Components.Decoder, d.Decoder)](cfg.Options.Decoder.Node())
	if err != nil {
		return nil, fmt.Errorf("decoder: %w", err)
	}
	w, err := registry.Writer[effName(cfg.Components.Writer, d.Writer)](cfg.Options.Writer.Node(), cfg.Output)
	if err != nil {
		return nil, fmt.Errorf("writer: %w", err)
	}

	llm, err := NewLLM(ctx, cfg, cfg.LLM)
	if err != nil {
		return nil, err
	}
	if c, ok := llm.(io.Closer); ok {
		rt.closers = append(rt.closers, c)
	}

	rt.LedgerOpts = LedgerOptions(cfg)
	led, err := ledger.Open(rt.LedgerOpts)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	rt.closers = append(rt.closers, led)
	rt.Ledger = led

	// 单个共享队列：一个令牌桶 + 一个并发门
	bucket, err := rate.NewBucket(limitsOf(cfg.Queue), nil)
	if err != nil {
		return nil, err
	}
	gate, err := queue.NewGate(cfg.Queue.MaxConcurrent)
	if err != nil {
		return nil, err
	}
	qs := queue.Settings{
		RateLimitBackoff:    cfg.Queue.RateLimitBackoff.D(),
		IdleBackoff:         cfg.Queue.IdleBackoff.D(),
		MaxRateLimitRetries: queue.DefaultSettings().MaxRateLimitRetries,
	}
	if cfg.Queue.MaxRateLimitRetries != nil {
		qs.MaxRateLimitRetries = *cfg.Queue.MaxRateLimitRetries
	}
	q, err := queue.New(bucket, gate, qs, logger)
	if err != nil {
		return nil, err
	}

	rt.Components = pipeline.Components{
		Enumerator:    src,
		Loader:        src,
		PromptBuilder: pb,
		LLM:           llm,
		Decoder:       dec,
		Writer:        w,
		Ledger:        led,
	}
	rt.Settings = pipeline.Settings{
		InputRoot:   cfg.Input,
		OutputExt:   cfg.OutputExt,
		Concurrency: cfg.Concurrency,
		MaxRetries:  cfg.MaxRetries,
		BaseDelay:   cfg.BaseDelay.D(),
		Queue:       q,
		LLMName:     cfg.LLM,
	}
	done = true
	return rt, nil
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
