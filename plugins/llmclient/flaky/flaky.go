package flaky

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"llmextract/pkg/contract"
	"llmextract/plugins/llmclient/mock"
)

// Options: 按文档脚本化的故障注入。
type Options struct {
	// RateLimitTimes: 每个文档前 N 次调用返回 ErrRateLimited。
	RateLimitTimes int `yaml:"rate_limit_times"`
	// RateLimitNames: 仅对这些基名生效；为空表示所有文档。
	RateLimitNames []string `yaml:"rate_limit_names"`
	// FailNames: 这些基名总是返回不可重试的上游错误。
	FailNames []string `yaml:"fail_names"`
	// InvalidNames: 这些基名返回无法解析为 JSON 的文本。
	InvalidNames []string `yaml:"invalid_names"`
}

// ErrUpstream: 注入的不可重试故障。
var ErrUpstream = errors.New("flaky: injected upstream failure")

// Client 在注入故障之外委托 mock 客户端产出确定性 JSON。
type Client struct {
	opts    Options
	rlNames map[string]bool
	fail    map[string]bool
	invalid map[string]bool
	ok      *mock.Client

	mu    sync.Mutex
	calls map[contract.FileID]int
}

var _ contract.LLMClient = (*Client)(nil)

func set(names []string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			m[strings.ToLower(n)] = true
		}
	}
	return m
}

func New(opts *Options) (*Client, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.RateLimitTimes < 0 {
		return nil, fmt.Errorf("flaky: %w: rate_limit_times must be >= 0", contract.ErrInvalidInput)
	}
	ok, err := mock.New(&mock.Options{ResponseMode: "fenced_json"})
	if err != nil {
		return nil, err
	}
	return &Client{
		opts:    o,
		rlNames: set(o.RateLimitNames),
		fail:    set(o.FailNames),
		invalid: set(o.InvalidNames),
		ok:      ok,
		calls:   make(map[contract.FileID]int),
	}, nil
}

// Calls 返回某文档累计的调用次数。
func (c *Client) Calls(id contract.FileID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

func (c *Client) Invoke(ctx context.Context, doc contract.Document, p contract.Prompt) (contract.Raw, error) {
	if err := ctx.Err(); err != nil {
		return contract.Raw{}, err
	}
	c.mu.Lock()
	c.calls[doc.ID]++
	n := c.calls[doc.ID]
	c.mu.Unlock()

	name := strings.ToLower(path.Base(string(doc.ID)))
	switch {
	case c.fail[name]:
		return contract.Raw{}, fmt.Errorf("%w: %s", ErrUpstream, doc.ID)
	case c.invalid[name]:
		return contract.Raw{Text: "I could not read this document."}, nil
	case n <= c.opts.RateLimitTimes && (len(c.rlNames) == 0 || c.rlNames[name]):
		return contract.Raw{}, fmt.Errorf("flaky: call %d for %s: %w", n, doc.ID, contract.ErrRateLimited)
	}
	return c.ok.Invoke(ctx, doc, p)
}
