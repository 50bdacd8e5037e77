package contract

import (
	"mime"
	"path"
	"strings"
)

// NormalizeFileID 规范化路径，统一为跨平台稳定的 FileID。
// 规则：
// - 使用正斜杠分隔符
// - 清理多余分隔符与路径片段（.、..）
// - 保留相对/绝对语义，不做隐式绝对化
func NormalizeFileID(p string) FileID {
	return FileID(path.Clean(strings.ReplaceAll(p, "\\", "/")))
}

// RemapExt 将 id 的扩展名替换为 ext（ext 可带或不带前导点；空表示去掉扩展名）。
// 目录部分保持不变，从而输出树镜像输入树。
func RemapExt(id FileID, ext string) ArtifactID {
	s := string(id)
	if old := path.Ext(s); old != "" {
		s = strings.TrimSuffix(s, old)
	}
	ext = strings.TrimSpace(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ArtifactID(s + ext)
}

// MIMETypeOf 按扩展名推断内容类型；未知时为 application/octet-stream。
func MIMETypeOf(id FileID) string {
	if t := mime.TypeByExtension(strings.ToLower(path.Ext(string(id)))); t != "" {
		if i := strings.IndexByte(t, ';'); i >= 0 {
			t = strings.TrimSpace(t[:i])
		}
		return t
	}
	return "application/octet-stream"
}
