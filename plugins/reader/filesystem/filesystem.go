package filesystem

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"llmextract/pkg/contract"
)

// Options 为 FileSystem 枚举器的可选配置。
type Options struct {
	// Extensions: 需要处理的扩展名（大小写不敏感，可带或不带前导点）。默认 [".pdf"]。
	Extensions []string `yaml:"extensions"`
	// ExcludeDirNames: 在扫描目录时跳过这些目录名（基名完全匹配，大小写不敏感）。
	// 例如 [".git","node_modules"]。
	ExcludeDirNames []string `yaml:"exclude_dir_names"`
	// MaxBytes: Load 允许的最大文档字节数；<=0 表示默认 20MiB。
	MaxBytes int64 `yaml:"max_bytes"`
}

// FileSystem 递归枚举输入目录中的文档，并按需读取其内容。
type FileSystem struct {
	exts       map[string]struct{}
	excludeDir map[string]struct{}
	maxBytes   int64
}

var (
	_ contract.Enumerator = (*FileSystem)(nil)
	_ contract.Loader     = (*FileSystem)(nil)
)

// New 创建 FileSystem 枚举器。
func New(opts *Options) *FileSystem {
	r := &FileSystem{
		exts:       make(map[string]struct{}),
		excludeDir: make(map[string]struct{}),
		maxBytes:   20 << 20,
	}
	var exts []string
	if opts != nil {
		exts = opts.Extensions
		for _, name := range opts.ExcludeDirNames {
			if name = strings.Trim(strings.TrimSpace(name), "/\\"); name != "" {
				r.excludeDir[strings.ToLower(name)] = struct{}{}
			}
		}
		if opts.MaxBytes > 0 {
			r.maxBytes = opts.MaxBytes
		}
	}
	for _, e := range exts {
		if e = normExt(e); e != "" {
			r.exts[e] = struct{}{}
		}
	}
	if len(r.exts) == 0 {
		r.exts[".pdf"] = struct{}{}
	}
	return r
}

func normExt(e string) string {
	e = strings.ToLower(strings.TrimSpace(e))
	if e == "" || e == "." {
		return ""
	}
	if !strings.HasPrefix(e, ".") {
		e = "." + e
	}
	return e
}

func (r *FileSystem) match(name string) bool {
	_, ok := r.exts[strings.ToLower(filepath.Ext(name))]
	return ok
}

// Enumerate 返回 root 下所有匹配扩展名的常规文件，ID 为相对 root 的规范化路径。
// 顺序稳定：每层按名字排序，先目录后文件；目录树未变时重复调用结果相同。
// root 为单个文件时返回其基名。
func (r *FileSystem) Enumerate(ctx context.Context, root string) ([]contract.FileID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if info.Mode().IsRegular() && r.match(root) {
			return []contract.FileID{contract.NormalizeFileID(filepath.Base(root))}, nil
		}
		return nil, nil
	}
	var out []contract.FileID
	if err := r.walkDir(ctx, root, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *FileSystem) walkDir(ctx context.Context, root, rel string, out *[]contract.FileID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := os.ReadDir(filepath.Join(root, rel))
	if err != nil {
		return err
	}
	// 稳定顺序：字典序
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	// 先目录（不跟随目录符号链接）
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, skip := r.excludeDir[strings.ToLower(e.Name())]; skip {
			continue
		}
		if err := r.walkDir(ctx, root, filepath.Join(rel, e.Name()), out); err != nil {
			return err
		}
	}
	// 再文件（允许指向常规文件的符号链接）
	for _, e := range entries {
		if e.IsDir() || !r.match(e.Name()) {
			continue
		}
		p := filepath.Join(root, rel, e.Name())
		if e.Type()&os.ModeSymlink != 0 {
			t, err := os.Stat(p)
			if err != nil {
				// 失效链接：跳过
				continue
			}
			if !t.Mode().IsRegular() {
				continue
			}
		} else if !e.Type().IsRegular() {
			// 设备、FIFO 等跳过
			continue
		}
		*out = append(*out, contract.NormalizeFileID(filepath.Join(rel, e.Name())))
	}
	return nil
}

// Load 读取单元文档内容；超过 MaxBytes 返回 ErrInvalidInput。
func (r *FileSystem) Load(ctx context.Context, item contract.WorkItem) (contract.Document, error) {
	if err := ctx.Err(); err != nil {
		return contract.Document{}, err
	}
	f, err := os.Open(item.Source)
	if err != nil {
		return contract.Document{}, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, r.maxBytes+1))
	if err != nil {
		return contract.Document{}, err
	}
	if int64(len(data)) > r.maxBytes {
		return contract.Document{}, fmt.Errorf("reader: %w: %s exceeds %d bytes", contract.ErrInvalidInput, item.ID, r.maxBytes)
	}
	mt := item.MIMEType
	if mt == "" {
		mt = contract.MIMETypeOf(item.ID)
	}
	return contract.Document{ID: item.ID, Name: filepath.Base(item.Source), MIMEType: mt, Data: data}, nil
}
