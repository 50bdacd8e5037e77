package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix: 环境变量覆盖前缀。
const EnvPrefix = "LLM_EXTRACT_"

// Defaults 返回带有安全默认值的 Config 雏形。
// LLM 默认 gemini；队列参数对应 Gemini 免费配额量级。
func Defaults() Config {
	retries := 30
	return Config{
		Output:      "output",
		OutputExt:   ".json",
		Concurrency: 3,
		MaxRetries:  3,
		BaseDelay:   Duration(time.Second),
		Queue: Queue{
			Capacity:            1_000_000,
			RefillAmount:        100_000,
			RefillInterval:      Duration(time.Minute),
			MaxConcurrent:       3,
			RateLimitBackoff:    Duration(time.Second),
			IdleBackoff:         Duration(100 * time.Millisecond),
			MaxRateLimitRetries: &retries,
		},
		Logging: Logging{Level: "info"},
		Components: Components{
			Reader:        "fs",
			PromptBuilder: "extract",
			Decoder:       "jsonblock",
			Writer:        "fs",
		},
		LLM: "gemini",
		Provider: map[string]Provider{
			"gemini": {Client: "gemini"},
		},
	}
}

// Load 从文件路径或原始 YAML 解析 Config（严格拒绝未知字段）。
func Load(path string, raw []byte) (Config, error) {
	var cfg Config
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 零值视为未设置；组件 Options 按键整体替换，不做深度合并。
func Merge(base, over Config) Config {
	out := base
	setStr(&out.Input, over.Input)
	setStr(&out.Output, over.Output)
	setStr(&out.OutputExt, over.OutputExt)
	if over.Concurrency != 0 {
		out.Concurrency = over.Concurrency
	}
	if over.MaxRetries != 0 {
		out.MaxRetries = over.MaxRetries
	}
	if over.BaseDelay != 0 {
		out.BaseDelay = over.BaseDelay
	}

	// Queue
	q := over.Queue
	if q.Capacity != 0 {
		out.Queue.Capacity = q.Capacity
	}
	if q.RefillAmount != 0 {
		out.Queue.RefillAmount = q.RefillAmount
	}
	if q.RefillInterval != 0 {
		out.Queue.RefillInterval = q.RefillInterval
	}
	if q.MaxConcurrent != 0 {
		out.Queue.MaxConcurrent = q.MaxConcurrent
	}
	if q.RateLimitBackoff != 0 {
		out.Queue.RateLimitBackoff = q.RateLimitBackoff
	}
	if q.IdleBackoff != 0 {
		out.Queue.IdleBackoff = q.IdleBackoff
	}
	// 0 具有语义（不做内层重试），以指针区分“未设置”
	if q.MaxRateLimitRetries != nil {
		v := *q.MaxRateLimitRetries
		out.Queue.MaxRateLimitRetries = &v
	}

	setStr(&out.Ledger.Dir, over.Ledger.Dir)
	setStr(&out.Ledger.SuccessFile, over.Ledger.SuccessFile)
	setStr(&out.Ledger.FailureFile, over.Ledger.FailureFile)
	setStr(&out.Logging.Level, over.Logging.Level)
	setStr(&out.Logging.Dir, over.Logging.Dir)
	setStr(&out.Metrics.Listen, over.Metrics.Listen)

	// 组件名（空不覆盖）
	setStr(&out.Components.Reader, over.Components.Reader)
	setStr(&out.Components.PromptBuilder, over.Components.PromptBuilder)
	setStr(&out.Components.Decoder, over.Components.Decoder)
	setStr(&out.Components.Writer, over.Components.Writer)

	// Provider：按键合并，client/options 各自非空才覆盖
	if len(over.Provider) > 0 {
		merged := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			merged[k] = v
		}
		for k, v := range over.Provider {
			p := merged[k]
			setStr(&p.Client, v.Client)
			if v.Options != nil {
				p.Options = v.Options
			}
			merged[k] = p
		}
		out.Provider = merged
	}

	// Options（完整替换对应键）
	if over.Options.Reader != nil {
		out.Options.Reader = over.Options.Reader
	}
	if over.Options.PromptBuilder != nil {
		out.Options.PromptBuilder = over.Options.PromptBuilder
	}
	if over.Options.Decoder != nil {
		out.Options.Decoder = over.Options.Decoder
	}
	if over.Options.Writer != nil {
		out.Options.Writer = over.Options.Writer
	}

	setStr(&out.LLM, over.LLM)
	return out
}

func setStr(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 LLM_EXTRACT_；集合之外的键忽略；数值/时长格式错误返回错误。
// 支持：INPUT, OUTPUT, OUTPUT_EXT, CONCURRENCY, MAX_RETRIES, BASE_DELAY, LLM,
// LOG_LEVEL, LOG_DIR, METRICS_LISTEN, LEDGER_DIR, QUEUE_*, COMPONENTS_*
// 以及 PROVIDER__<name>__CLIENT / PROVIDER__<name>__OPTIONS_YAML
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	prov := map[string]Provider{}
	var errs []error
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key := kv[len(EnvPrefix):eq]
		val := strings.TrimSpace(kv[eq+1:])
		if val == "" {
			continue
		}
		var err error
		switch key {
		case "INPUT":
			over.Input = val
		case "OUTPUT":
			over.Output = val
		case "OUTPUT_EXT":
			over.OutputExt = val
		case "CONCURRENCY":
			over.Concurrency, err = strconv.Atoi(val)
		case "MAX_RETRIES":
			over.MaxRetries, err = strconv.Atoi(val)
		case "BASE_DELAY":
			err = setDur(&over.BaseDelay, val)
		case "LLM":
			over.LLM = val
		case "LOG_LEVEL":
			over.Logging.Level = val
		case "LOG_DIR":
			over.Logging.Dir = val
		case "METRICS_LISTEN":
			over.Metrics.Listen = val
		case "LEDGER_DIR":
			over.Ledger.Dir = val
		case "QUEUE_CAPACITY":
			over.Queue.Capacity, err = strconv.ParseInt(val, 10, 64)
		case "QUEUE_REFILL_AMOUNT":
			over.Queue.RefillAmount, err = strconv.ParseInt(val, 10, 64)
		case "QUEUE_REFILL_INTERVAL":
			err = setDur(&over.Queue.RefillInterval, val)
		case "QUEUE_MAX_CONCURRENT":
			over.Queue.MaxConcurrent, err = strconv.Atoi(val)
		case "QUEUE_RATE_LIMIT_BACKOFF":
			err = setDur(&over.Queue.RateLimitBackoff, val)
		case "QUEUE_IDLE_BACKOFF":
			err = setDur(&over.Queue.IdleBackoff, val)
		case "QUEUE_MAX_RATE_LIMIT_RETRIES":
			var n int
			if n, err = strconv.Atoi(val); err == nil {
				over.Queue.MaxRateLimitRetries = &n
			}
		case "COMPONENTS_READER":
			over.Components.Reader = val
		case "COMPONENTS_PROMPT_BUILDER":
			over.Components.PromptBuilder = val
		case "COMPONENTS_DECODER":
			over.Components.Decoder = val
		case "COMPONENTS_WRITER":
			over.Components.Writer = val
		default:
			// provider 路径：PROVIDER__name__FIELD
			parts := strings.Split(key, "__")
			if len(parts) != 3 || parts[0] != "PROVIDER" || parts[1] == "" {
				continue
			}
			name := parts[1]
			p := prov[name]
			switch parts[2] {
			case "CLIENT":
				p.Client = val
			case "OPTIONS_YAML":
				var n yaml.Node
				if err = yaml.Unmarshal([]byte(val), &n); err == nil && len(n.Content) > 0 {
					p.Options = NewRawOptions(n.Content[0])
				}
			default:
				continue
			}
			prov[name] = p
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, errors.Join(errs...)
}

func setDur(dst *Duration, s string) error {
	v, err := parseDuration(s)
	if err != nil {
		return err
	}
	*dst = Duration(v)
	return nil
}
