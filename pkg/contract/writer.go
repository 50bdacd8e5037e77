package contract

import (
	"context"
	"io"
)

// ArtifactID: 输出工件标识；与 FileID 同形（相对输出根的路径）。
type ArtifactID = FileID

// Writer: 将单个工件持久化到输出介质。
// 约束：
//  1. 同一 ArtifactID 单写者；
//  2. 要么完整写入，要么不留下半成品（原子替换）；
//  3. 错误直接上抛，不做重试。
type Writer interface {
	Write(ctx context.Context, id ArtifactID, r io.Reader) error
}

// Locator: 可选接口，返回工件的实际落盘路径（仅用于日志与终端展示）。
type Locator interface {
	Locate(id ArtifactID) (string, error)
}
