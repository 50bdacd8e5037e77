package contract

// FileID: 逻辑文档ID（相对输入根的路径，已规范化为正斜杠形式）。
type FileID string

// WorkItem: 单个文档的一次处理单元。
// 由 BatchDriver 在枚举后一次性构造，按值交给 worker，worker 之间不共享可变状态。
type WorkItem struct {
	// ID: 相对输入根的稳定标识。
	ID FileID
	// Source: 输入文件的实际路径（输入根 + ID）。
	Source string
	// Artifact: 输出工件标识（镜像输入目录结构，扩展名已替换）。
	Artifact ArtifactID
	// Display: 日志/终端展示用的短名。
	Display string
	// MIMEType: 按扩展名推断的内容类型，例如 application/pdf。
	MIMEType string
}

// Document: 提交给 LLM 的原始文档载荷。
type Document struct {
	ID       FileID
	Name     string
	MIMEType string
	Data     []byte
}
