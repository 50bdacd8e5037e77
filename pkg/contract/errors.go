package contract

import "errors"

// 最小错误分类（用于上层策略判定）。上层一律使用 errors.Is 判定，不做字符串匹配。
var (
	// ErrRateLimited: 上游限流拒绝（HTTP 429 / RESOURCE_EXHAUSTED）。可重试。
	ErrRateLimited = errors.New("rate limited")
	// ErrRetriesExhausted: 重试次数耗尽；通常与最后一次错误一起包装。
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrResponseInvalid: 响应无法解析为期望结构。
	ErrResponseInvalid = errors.New("response invalid")
	// ErrInvalidInput: 调用参数或配置非法。
	ErrInvalidInput = errors.New("invalid input")
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
)

// UpstreamError: HTTP/RPC 上游错误的最小诊断信息（状态码 + 消息片段）。
// pipeline 仅用于结构化日志字段，不据此决定重试。
type UpstreamError interface {
	error
	UpstreamStatus() int
	UpstreamMessage() string
}
