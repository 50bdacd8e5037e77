package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"llmextract/internal/ledger"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// YAML 使用 snake_case；未知字段在解析期失败。
type Config struct {
	// Input: 输入目录（或单个文件）。
	Input string `yaml:"input"`
	// Output: 输出根目录；镜像输入目录结构。
	Output    string `yaml:"output"`
	OutputExt string `yaml:"output_ext"`
	// Concurrency: 同时处理的文档数（批处理扇出上限）。
	Concurrency int `yaml:"concurrency"`
	// MaxRetries: 每个文档的外层尝试次数（>=1）。
	MaxRetries int      `yaml:"max_retries"`
	BaseDelay  Duration `yaml:"base_delay"`

	Queue   Queue          `yaml:"queue"`
	Ledger  ledger.Options `yaml:"ledger"`
	Logging Logging        `yaml:"logging"`
	Metrics Metrics        `yaml:"metrics"`

	// 组件名选择（空则使用默认名）。
	Components Components `yaml:"components"`

	// LLM Provider 选择与定义。
	LLM      string              `yaml:"llm"`
	Provider map[string]Provider `yaml:"provider"`

	// 各组件 Options 子树，原样传入工厂做严格解码。
	Options Options `yaml:"options"`
}

// Queue: 令牌桶与并发门参数。
type Queue struct {
	Capacity         int64    `yaml:"capacity"`
	RefillAmount     int64    `yaml:"refill_amount"`
	RefillInterval   Duration `yaml:"refill_interval"`
	MaxConcurrent    int      `yaml:"max_concurrent"`
	RateLimitBackoff Duration `yaml:"rate_limit_backoff"`
	IdleBackoff      Duration `yaml:"idle_backoff"`
	// MaxRateLimitRetries: 队列内层限流重试上限；0 表示直接交给外层。nil 表示未设置。
	MaxRateLimitRetries *int `yaml:"max_rate_limit_retries,omitempty"`
}

// Logging: 日志等级与目录（空目录写入 ./logs）。
type Logging struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// Metrics: 非空时在该地址暴露 /metrics。
type Metrics struct {
	Listen string `yaml:"listen"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Reader        string `yaml:"reader"`
	PromptBuilder string `yaml:"prompt_builder"`
	Decoder       string `yaml:"decoder"`
	Writer        string `yaml:"writer"`
}

// Options: 各组件的原样 YAML Options。
type Options struct {
	Reader        *RawOptions `yaml:"reader,omitempty"`
	PromptBuilder *RawOptions `yaml:"prompt_builder,omitempty"`
	Decoder       *RawOptions `yaml:"decoder,omitempty"`
	Writer        *RawOptions `yaml:"writer,omitempty"`
}

// Provider: 命名 provider 定义（client 实现 + options）。
type Provider struct {
	Client  string      `yaml:"client"`
	Options *RawOptions `yaml:"options,omitempty"`
}

// RawOptions: 原样保留的 Options 子树。
// 自行实现 UnmarshalYAML，Load 的 KnownFields 检查止于此处；
// 字段校验由 registry 工厂按具体 Options 类型严格完成。
type RawOptions struct {
	node yaml.Node
}

// NewRawOptions 包装已解析的节点；nil 返回 nil。
func NewRawOptions(n *yaml.Node) *RawOptions {
	if n == nil {
		return nil
	}
	return &RawOptions{node: *n}
}

func (r *RawOptions) UnmarshalYAML(n *yaml.Node) error {
	r.node = *n
	return nil
}

func (r RawOptions) MarshalYAML() (any, error) { return &r.node, nil }

// Node 返回底层节点；nil 接收者返回 nil（工厂按默认选项处理）。
func (r *RawOptions) Node() *yaml.Node {
	if r == nil {
		return nil
	}
	return &r.node
}

// Duration 接受 "1s"/"250ms" 形式；纯整数按毫秒解释。
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if v, err := time.ParseDuration(s); err == nil {
		return v, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
