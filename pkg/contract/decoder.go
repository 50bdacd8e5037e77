package contract

import "context"

// Decoder: 将 Raw 文本解析为结构化 JSON 字节。
// 无法解析时返回包装 ErrResponseInvalid 的错误。
type Decoder interface {
	Decode(ctx context.Context, id FileID, raw Raw) ([]byte, error)
}
