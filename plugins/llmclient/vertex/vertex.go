package vertex

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"llmextract/pkg/contract"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// Options: Vertex AI generateContent（REST）最小必需。
type Options struct {
	ProjectID    string `yaml:"project_id"`     // 为空时读 ProjectIDEnv
	ProjectIDEnv string `yaml:"project_id_env"` // 默认 VERTEX_AI_PROJECT_ID
	Region       string `yaml:"region"`         // 默认 us-central1
	Model        string `yaml:"model"`          // 默认 gemini-2.0-flash-exp
	// BaseURL 覆盖 https://{region}-aiplatform.googleapis.com（测试或私有端点）。
	BaseURL string `yaml:"base_url,omitempty"`
	// AccessTokenEnv: 访问令牌环境变量，默认 VERTEX_AI_ACCESS_TOKEN；
	// 未设置时回退到 Application Default Credentials。
	AccessTokenEnv  string   `yaml:"access_token_env"`
	TimeoutSeconds  int      `yaml:"timeout_seconds,omitempty"`
	Temperature     *float32 `yaml:"temperature,omitempty"`
	MaxOutputTokens int      `yaml:"max_output_tokens,omitempty"`
	TopP            *float32 `yaml:"top_p,omitempty"`
	// Stream: 使用 streamGenerateContent 并拼接全部分片文本。
	Stream bool `yaml:"stream,omitempty"`
	// ServiceUsageURL 覆盖 Service Usage API 端点（测试用）。
	ServiceUsageURL string `yaml:"service_usage_url,omitempty"`
}

func (o *Options) defaults() {
	if o.ProjectIDEnv == "" {
		o.ProjectIDEnv = "VERTEX_AI_PROJECT_ID"
	}
	if o.ProjectID == "" {
		o.ProjectID = strings.TrimSpace(os.Getenv(o.ProjectIDEnv))
	}
	if o.Region == "" {
		o.Region = "us-central1"
	}
	if o.Model == "" {
		o.Model = "gemini-2.0-flash-exp"
	}
	if o.BaseURL == "" {
		o.BaseURL = "https://" + o.Region + "-aiplatform.googleapis.com"
	}
	if o.AccessTokenEnv == "" {
		o.AccessTokenEnv = "VERTEX_AI_ACCESS_TOKEN"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 120
	}
	if o.Temperature == nil {
		v := float32(2.0)
		o.Temperature = &v
	}
	if o.MaxOutputTokens <= 0 {
		o.MaxOutputTokens = 8192
	}
	if o.TopP == nil {
		v := float32(0.95)
		o.TopP = &v
	}
}

type Client struct {
	url       string
	streamURL string
	stream    bool
	tokens    oauth2.TokenSource
	gen       generationConfig
	do        func(*http.Request) (*http.Response, error)
}

var (
	_ contract.LLMClient = (*Client)(nil)
	_ contract.Checker   = (*Client)(nil)
)

// New 创建 Vertex 客户端。缺少项目 ID 或凭据时返回 ErrInvalidInput。
func New(ctx context.Context, opts *Options) (*Client, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	o.defaults()
	if o.ProjectID == "" {
		return nil, fmt.Errorf("vertex: %w: project id not provided and %s not set", contract.ErrInvalidInput, o.ProjectIDEnv)
	}
	ts, err := tokenSource(ctx, o.AccessTokenEnv)
	if err != nil {
		return nil, err
	}
	model := o.modelURL()
	hc := &http.Client{Timeout: time.Duration(o.TimeoutSeconds) * time.Second}
	return &Client{
		url:       model + ":generateContent",
		streamURL: model + ":streamGenerateContent",
		stream:    o.Stream,
		tokens:    ts,
		gen: generationConfig{
			ResponseModalities: []string{"TEXT"},
			Temperature:        *o.Temperature,
			MaxOutputTokens:    o.MaxOutputTokens,
			TopP:               *o.TopP,
		},
		do: hc.Do,
	}, nil
}

// modelURL: publishers/google/models/{model} 资源地址（不含动作后缀）。
func (o *Options) modelURL() string {
	return fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s",
		strings.TrimRight(o.BaseURL, "/"), url.PathEscape(o.ProjectID), url.PathEscape(o.Region), url.PathEscape(o.Model))
}

// tokenSource: 环境变量中的静态令牌优先，否则使用 ADC。
func tokenSource(ctx context.Context, env string) (oauth2.TokenSource, error) {
	if tok := strings.TrimSpace(os.Getenv(env)); tok != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok, TokenType: "Bearer"}), nil
	}
	creds, err := google.FindDefaultCredentials(ctx, cloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("vertex: %w: no %s and no default credentials: %v", contract.ErrInvalidInput, env, err)
	}
	return creds.TokenSource, nil
}

// 请求/响应（最小字段，camelCase 与 REST 文档一致）。
type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}
type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}
type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}
type generationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
	Temperature        float32  `json:"temperature"`
	MaxOutputTokens    int      `json:"maxOutputTokens"`
	TopP               float32  `json:"topP"`
}
type request struct {
	Contents          []content        `json:"contents"`
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}
// upstreamError 实现 net.Error，用于将 HTTP 上游 5xx/408 映射为网络类错误。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string {
	return fmt.Sprintf("API request failed with status code %d: %s", e.status, e.msg)
}
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

func encode(doc contract.Document, p contract.Prompt, gen generationConfig) ([]byte, error) {
	mime := doc.MIMEType
	if mime == "" {
		mime = contract.MIMETypeOf(doc.ID)
	}
	req := request{
		Contents: []content{{
			Role: "user",
			Parts: []part{
				{InlineData: &inlineData{MIMEType: mime, Data: base64.StdEncoding.EncodeToString(doc.Data)}},
				{Text: p.User},
			},
		}},
		GenerationConfig: gen,
	}
	if strings.TrimSpace(p.System) != "" {
		req.SystemInstruction = &content{Parts: []part{{Text: p.System}}}
	}
	return json.Marshal(&req)
}

// Invoke 发送一次 generateContent（或 streamGenerateContent）请求并返回候选文本。
func (c *Client) Invoke(ctx context.Context, doc contract.Document, p contract.Prompt) (contract.Raw, error) {
	if len(doc.Data) == 0 {
		return contract.Raw{}, fmt.Errorf("vertex: %w: empty document %s", contract.ErrInvalidInput, doc.ID)
	}
	body, err := encode(doc, p, c.gen)
	if err != nil {
		return contract.Raw{}, fmt.Errorf("vertex: encode: %v: %w", err, contract.ErrInvalidInput)
	}
	u := c.url
	if c.stream {
		u = c.streamURL
	}
	b, err := c.post(ctx, u, body)
	if err != nil {
		return contract.Raw{}, err
	}
	var text string
	if c.stream {
		text = streamText(b)
	} else {
		text = firstText(b)
	}
	if text == "" {
		return contract.Raw{}, fmt.Errorf("vertex: %w: failed to extract data from the API response", contract.ErrResponseInvalid)
	}
	return contract.Raw{Text: text}, nil
}

// post 发送 JSON 请求并按状态码归类错误；成功时返回完整响应体。
func (c *Client) post(ctx context.Context, u string, body []byte) ([]byte, error) {
	tok, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("vertex: access token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("vertex: new request: %v: %w", err, contract.ErrInvalidInput)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	tok.SetAuthHeader(req)

	resp, err := c.do(req)
	if err != nil {
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return nil, ctx.Err()
		}
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, statusError(resp)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("vertex: read body: %w", err)
	}
	return b, nil
}

func statusError(resp *http.Response) error {
	slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	msg := strings.TrimSpace(string(slurp))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("API request failed with status code %d: %w", resp.StatusCode, contract.ErrRateLimited)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode/100 == 5:
		return upstreamError{status: resp.StatusCode, msg: msg}
	}
	return fmt.Errorf("API request failed with status code %d: %s: %w", resp.StatusCode, msg, contract.ErrInvalidInput)
}

// firstText: 首个候选的首段文本。
func firstText(b []byte) string {
	if !gjson.ValidBytes(b) {
		return ""
	}
	return gjson.GetBytes(b, "candidates.0.content.parts.0.text").String()
}

// streamText 拼接流式响应（JSON 数组，每个元素为一个分片）中各分片首个候选的全部文本段。
func streamText(b []byte) string {
	if !gjson.ValidBytes(b) {
		return ""
	}
	var sb strings.Builder
	gjson.ParseBytes(b).ForEach(func(_, chunk gjson.Result) bool {
		for _, t := range chunk.Get("candidates.0.content.parts.#.text").Array() {
			sb.WriteString(t.String())
		}
		return true
	})
	return sb.String()
}
