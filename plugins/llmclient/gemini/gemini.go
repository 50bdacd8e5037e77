package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"llmextract/pkg/contract"
)

// Options: Gemini（generative-ai-go SDK）客户端配置。
type Options struct {
	Model     string `yaml:"model"`       // 默认 gemini-2.0-flash-exp
	APIKeyEnv string `yaml:"api_key_env"` // 默认 GEMINI_API_KEY，其次 GOOGLE_API_KEY
	APIKey    string `yaml:"api_key"`
	// 单次调用超时（秒）；<=0 时为 120。
	TimeoutSeconds  int      `yaml:"timeout_seconds,omitempty"`
	Temperature     *float32 `yaml:"temperature,omitempty"`       // 默认 2.0
	MaxOutputTokens int32    `yaml:"max_output_tokens,omitempty"` // 默认 8192
	TopP            *float32 `yaml:"top_p,omitempty"`             // 默认 0.95
}

func (o *Options) defaults() {
	if o.Model == "" {
		o.Model = "gemini-2.0-flash-exp"
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

func (o *Options) apiKey() string {
	if o.APIKey != "" {
		return o.APIKey
	}
	envs := []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"}
	if o.APIKeyEnv != "" {
		envs = []string{o.APIKeyEnv}
	}
	for _, e := range envs {
		if v := strings.TrimSpace(os.Getenv(e)); v != "" {
			return v
		}
	}
	return ""
}

// generator 是 *genai.GenerativeModel 的最小子集。
type generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

type Client struct {
	client  *genai.Client
	opts    Options
	timeout time.Duration
	// model 按 system 指令构造模型句柄（每次调用独立，避免并发修改共享模型）
	model func(system string) generator
}

var (
	_ contract.LLMClient = (*Client)(nil)
	_ contract.Checker   = (*Client)(nil)
)

// New 创建 Gemini 客户端；缺少 API key 返回 ErrInvalidInput。
func New(ctx context.Context, opts *Options) (*Client, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	o.defaults()
	key := o.apiKey()
	if key == "" {
		return nil, fmt.Errorf("gemini: %w: missing api key", contract.ErrInvalidInput)
	}
	gc, err := genai.NewClient(ctx, option.WithAPIKey(key))
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	c := &Client{client: gc, opts: o, timeout: time.Duration(o.TimeoutSeconds) * time.Second}
	c.model = func(system string) generator {
		m := gc.GenerativeModel(o.Model)
		m.SetTemperature(*o.Temperature)
		m.SetMaxOutputTokens(o.MaxOutputTokens)
		m.SetTopP(*o.TopP)
		if strings.TrimSpace(system) != "" {
			m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
		}
		return m
	}
	return c, nil
}

// Close 释放底层连接。
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Invoke 以内联 Blob 发送文档与用户指令，返回首个候选的文本。
func (c *Client) Invoke(ctx context.Context, doc contract.Document, p contract.Prompt) (contract.Raw, error) {
	if len(doc.Data) == 0 {
		return contract.Raw{}, fmt.Errorf("gemini: %w: empty document %s", contract.ErrInvalidInput, doc.ID)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	mime := doc.MIMEType
	if mime == "" {
		mime = contract.MIMETypeOf(doc.ID)
	}
	resp, err := c.model(p.System).GenerateContent(ctx,
		genai.Blob{MIMEType: mime, Data: doc.Data},
		genai.Text(p.User),
	)
	if err != nil {
		return contract.Raw{}, mapError(ctx, err)
	}
	text := firstText(resp)
	if text == "" {
		return contract.Raw{}, fmt.Errorf("gemini: %w: empty candidates", contract.ErrResponseInvalid)
	}
	return contract.Raw{Text: text}, nil
}

// Check 发送一条纯文本请求，验证 API key 与模型可用。
func (c *Client) Check(ctx context.Context) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	resp, err := c.model("").GenerateContent(ctx, genai.Text("Hello, this is a test message."))
	if err != nil {
		return "", mapError(ctx, err)
	}
	return firstText(resp), nil
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return sb.String()
}

// upstreamError 实现 net.Error，用于将 5xx/UNAVAILABLE 映射为网络类错误。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("gemini upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusGatewayTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

// mapError 按 HTTP 状态或 gRPC code 归类 SDK 错误。
func mapError(ctx context.Context, err error) error {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return ctx.Err()
	}
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return fmt.Errorf("gemini: %w: %v", contract.ErrResponseInvalid, blocked)
	}
	httpCode := -1
	msg := err.Error()
	if ae, ok := apierror.FromError(err); ok {
		httpCode = ae.HTTPCode()
		if s := ae.GRPCStatus(); s != nil {
			msg = s.Message()
		}
	}
	code := status.Code(err)
	switch {
	case httpCode == http.StatusTooManyRequests || code == codes.ResourceExhausted:
		return fmt.Errorf("gemini: %w: %s", contract.ErrRateLimited, msg)
	case httpCode/100 == 5:
		return upstreamError{status: httpCode, msg: msg}
	case code == codes.Unavailable || code == codes.Internal:
		return upstreamError{status: http.StatusServiceUnavailable, msg: msg}
	case code == codes.DeadlineExceeded:
		return upstreamError{status: http.StatusGatewayTimeout, msg: msg}
	}
	return fmt.Errorf("gemini: %w: %s", contract.ErrInvalidInput, msg)
}
