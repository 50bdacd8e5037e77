package contract

import "context"

// Prompt: 一次提取请求的指令文本。
type Prompt struct {
	// System: 系统指令（可为空）。
	System string
	// User: 与文档一同发送的用户指令。
	User string
}

// PromptBuilder: 基于 WorkItem 构造确定性的 Prompt。
// 约束：运行期不做 I/O；失败快速返回错误。
type PromptBuilder interface {
	Build(ctx context.Context, item WorkItem) (Prompt, error)
}
