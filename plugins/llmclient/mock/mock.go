package mock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"llmextract/pkg/contract"
)

// Options: 无网络调试配置（可选）。
type Options struct {
	// ResponseMode:
	//  - "" 或 "fenced_json"：```json 围栏包裹的对象（默认，验证解码器的围栏提取）；
	//  - "json"：裸 JSON 对象；
	//  - "raw_text"：{"raw_text": "<围栏 JSON>"} 包装；
	//  - "echo"：回显 Prompt（非 JSON，用于观察提示词）。
	ResponseMode string `yaml:"response_mode,omitempty"`
	// DelayMS: 每次调用的模拟延迟（毫秒）。
	DelayMS int `yaml:"delay_ms,omitempty"`
}

// Client 依据文档内容产出确定性的结果：文件名、字节数与 sha256。
type Client struct {
	mode  string
	delay time.Duration
}

var _ contract.LLMClient = (*Client)(nil)

func New(opts *Options) (*Client, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	mode := strings.TrimSpace(o.ResponseMode)
	switch mode {
	case "":
		mode = "fenced_json"
	case "fenced_json", "json", "raw_text", "echo":
	default:
		return nil, fmt.Errorf("mock: %w: unknown response_mode %q", contract.ErrInvalidInput, mode)
	}
	return &Client{mode: mode, delay: time.Duration(o.DelayMS) * time.Millisecond}, nil
}

type result struct {
	File          string  `json:"file"`
	Bytes         int     `json:"bytes"`
	SHA256        string  `json:"sha256"`
	MIMEType      string  `json:"mime_type"`
	AccuracyScore float64 `json:"accuracy_score"`
}

// Body 返回 doc 的确定性 JSON 结果（测试断言用）。
func Body(doc contract.Document) []byte {
	sum := sha256.Sum256(doc.Data)
	name := doc.Name
	if name == "" {
		name = path.Base(string(doc.ID))
	}
	b, _ := json.Marshal(result{
		File:          name,
		Bytes:         len(doc.Data),
		SHA256:        hex.EncodeToString(sum[:]),
		MIMEType:      doc.MIMEType,
		AccuracyScore: 1,
	})
	return b
}

func (c *Client) Invoke(ctx context.Context, doc contract.Document, p contract.Prompt) (contract.Raw, error) {
	if c.delay > 0 {
		t := time.NewTimer(c.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return contract.Raw{}, ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return contract.Raw{}, err
	}

	body := string(Body(doc))
	switch c.mode {
	case "json":
		return contract.Raw{Text: body}, nil
	case "raw_text":
		wrapped, _ := json.Marshal(map[string]string{"raw_text": "```json\n" + body + "\n```"})
		return contract.Raw{Text: string(wrapped)}, nil
	case "echo":
		return contract.Raw{Text: fmt.Sprintf("MOCK(system): %s\nMOCK(user): %s", p.System, p.User)}, nil
	default:
		return contract.Raw{Text: "Here is the extracted data:\n```json\n" + body + "\n```"}, nil
	}
}
