package jsonblock

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"llmextract/pkg/contract"
)

// Options: 解码选项。
type Options struct {
	// Compact: 输出紧凑 JSON；默认 false（两空格缩进）。
	Compact bool `yaml:"compact"`
	// AllowScalar: 允许顶层为字符串/数字等标量；默认仅接受对象或数组。
	AllowScalar bool `yaml:"allow_scalar"`
}

// fenced 匹配第一个 ``` 或 ```json 围栏块。
var fenced = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)\\s*```")

// raw_text 包装的最大展开层数
const maxUnwrap = 8

// Decoder 从模型回复中提取 JSON：
// 1) 文本本身是携带 raw_text 字符串字段的 JSON 对象时，展开其内容再处理；
// 2) 存在围栏代码块时取第一个块；
// 3) 否则整段文本须为合法 JSON。
type Decoder struct {
	opts Options
}

var _ contract.Decoder = (*Decoder)(nil)

func New(opts *Options) *Decoder {
	d := &Decoder{}
	if opts != nil {
		d.opts = *opts
	}
	return d
}

func (d *Decoder) Decode(ctx context.Context, id contract.FileID, raw contract.Raw) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(raw.Text)
	for i := 0; i < maxUnwrap; i++ {
		inner, ok := unwrapRawText(text)
		if !ok {
			break
		}
		text = inner
	}

	candidate := text
	if m := fenced.FindStringSubmatch(text); m != nil {
		candidate = m[1]
	}
	if !gjson.Valid(candidate) {
		return nil, fmt.Errorf("decode %s: %w: no valid JSON in response (%d bytes)", id, contract.ErrResponseInvalid, len(raw.Text))
	}
	res := gjson.Parse(candidate)
	if !d.opts.AllowScalar && !res.IsObject() && !res.IsArray() {
		return nil, fmt.Errorf("decode %s: %w: top-level %s", id, contract.ErrResponseInvalid, res.Type)
	}
	if d.opts.Compact {
		return []byte(strings.TrimSpace(res.Get("@ugly").Raw)), nil
	}
	return []byte(strings.TrimSpace(res.Get("@pretty").Raw) + "\n"), nil
}

// unwrapRawText 在 s 为 {"raw_text": "..."} 形态时返回内层文本。
func unwrapRawText(s string) (string, bool) {
	if !strings.HasPrefix(s, "{") || !gjson.Valid(s) {
		return "", false
	}
	v := gjson.Get(s, "raw_text")
	if v.Type != gjson.String {
		return "", false
	}
	return strings.TrimSpace(v.String()), true
}
