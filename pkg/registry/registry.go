package registry

import (
	"bytes"
	"context"
	"errors"
	"io"

	"gopkg.in/yaml.v3"

	"llmextract/pkg/contract"
	"llmextract/plugins/decoder/jsonblock"
	"llmextract/plugins/llmclient/flaky"
	gmi "llmextract/plugins/llmclient/gemini"
	"llmextract/plugins/llmclient/mock"
	vtx "llmextract/plugins/llmclient/vertex"
	pext "llmextract/plugins/prompt/extract"
	rfs "llmextract/plugins/reader/filesystem"
	wfs "llmextract/plugins/writer/filesystem"
)

// strictDecode: 以 KnownFields 严格解码 Options 子树，拒绝未知字段。
// yaml.Node.Decode 不支持 KnownFields，因此先重新编码再解码。
func strictDecode(node *yaml.Node, v any) error {
	if node == nil || node.Kind == 0 {
		// 保持零值（默认选项）
		return nil
	}
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil
	}
	b, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// DecodeOptions 以与工厂相同的严格规则解码 Options 子树（供 CLI 辅助命令复用）。
func DecodeOptions(node *yaml.Node, v any) error { return strictDecode(node, v) }

// Source: 同时承担枚举与读取的输入组件。
type Source interface {
	contract.Enumerator
	contract.Loader
}

// NewReader 工厂签名：接收原样 YAML Options。
type NewReader func(node *yaml.Node) (Source, error)

// NewPromptBuilder 工厂签名。
type NewPromptBuilder func(node *yaml.Node) (contract.PromptBuilder, error)

// NewLLMClient 工厂签名；SDK 客户端构造需要 ctx。
type NewLLMClient func(ctx context.Context, node *yaml.Node) (contract.LLMClient, error)

// NewDecoder 工厂签名。
type NewDecoder func(node *yaml.Node) (contract.Decoder, error)

// NewWriter 工厂签名；outputDir 非空时覆盖 Options 中的 output_dir。
type NewWriter func(node *yaml.Node, outputDir string) (contract.Writer, error)

// Reader 工厂注册表（显式、零反射）。
var Reader = map[string]NewReader{
	// fs: 递归遍历目录，按扩展名过滤
	"fs": func(node *yaml.Node) (Source, error) {
		var opts rfs.Options
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts), nil
	},
}

// PromptBuilder 工厂注册表。
var PromptBuilder = map[string]NewPromptBuilder{
	// extract: 文档数据提取指令
	"extract": func(node *yaml.Node) (contract.PromptBuilder, error) {
		var opts pext.Options
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		return pext.New(&opts)
	},
}

// LLMClient 工厂注册表。
var LLMClient = map[string]NewLLMClient{
	"gemini": func(ctx context.Context, node *yaml.Node) (contract.LLMClient, error) {
		var opts gmi.Options
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		return gmi.New(ctx, &opts)
	},
	"vertex": func(ctx context.Context, node *yaml.Node) (contract.LLMClient, error) {
		var opts vtx.Options
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		return vtx.New(ctx, &opts)
	},
	"mock": func(_ context.Context, node *yaml.Node) (contract.LLMClient, error) {
		var opts mock.Options
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		return mock.New(&opts)
	},
	"flaky": func(_ context.Context, node *yaml.Node) (contract.LLMClient, error) {
		var opts flaky.Options
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		return flaky.New(&opts)
	},
}

// Decoder 工厂注册表。
var Decoder = map[string]NewDecoder{
	// jsonblock: 围栏/裸 JSON 提取并规范化
	"jsonblock": func(node *yaml.Node) (contract.Decoder, error) {
		var opts jsonblock.Options
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		return jsonblock.New(&opts), nil
	},
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（镜像目录结构，原子替换可配置）
	"fs": func(node *yaml.Node, outputDir string) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		if outputDir != "" {
			opts.OutputDir = outputDir
		}
		return wfs.New(&opts)
	},
}
