package contract

import "context"

// Raw: LLM 客户端返回的原始文本载荷。
// 约束：原样返回，不做清洗/截断/归一化；结构化提取由 Decoder 完成。
type Raw struct {
	Text string
}

// LLMClient: 以单个文档为单位与大模型交互，返回原始文本 Raw。
// 单次调用、同步返回；应尊重 ctx 取消/超时。
// 上游限流必须以 ErrRateLimited 包装返回，其余失败不得使用该哨兵。
type LLMClient interface {
	Invoke(ctx context.Context, doc Document, p Prompt) (Raw, error)
}

// Checker: LLMClient 的可选能力，以一条纯文本请求验证端点与凭据，返回回复文本。
type Checker interface {
	Check(ctx context.Context) (string, error)
}
