package contract

import "context"

// Enumerator: 工作单元发现（文件系统递归遍历）。
// 约束：
// 1) 结果有限且可重入：对未变化的目录树重复调用得到相同序列；
// 2) 返回相对 root 的规范化 FileID；
// 3) 不读取文件内容，不在内部起并发。
type Enumerator interface {
	Enumerate(ctx context.Context, root string) ([]FileID, error)
}

// Loader: 读取单个工作单元的文档内容。
type Loader interface {
	Load(ctx context.Context, item WorkItem) (Document, error)
}
