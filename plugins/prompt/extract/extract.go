package extract

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"text/template"

	"llmextract/pkg/contract"
)

// Options: 文档数据抽取 PromptBuilder 配置。
// system/user 模板均可内联或从文件加载（内联优先），都为空时使用内置默认。
// 模板可引用 {{.Name}}（文件基名）与 {{.Path}}（相对输入根的路径）。
type Options struct {
	InlineSystemTemplate string `yaml:"inline_system_template"`
	SystemTemplatePath   string `yaml:"system_template_path"`
	InlineUserTemplate   string `yaml:"inline_user_template"`
	UserTemplatePath     string `yaml:"user_template_path"`
}

const (
	defaultSystemTemplate = "You are a data extractor specializing in insurance-related documents. " +
		"You are an expert at extracting all data which can be extracted from any PDF, " +
		"including data accessible through Optical Character Recognition (OCR)."

	defaultUserTemplate = "Read this file and return all of its data in JSON format. " +
		"Choose meaningful keys and include a field for an accuracy score. " +
		"Contracts may carry information about different parties, such as the address of a company " +
		"and the address of the individual who signed; keep those separated."
)

// Builder: 模板在构造期解析；Build 运行期不做 I/O。
type Builder struct {
	sysT  *template.Template
	userT *template.Template
}

var _ contract.PromptBuilder = (*Builder)(nil)

type view struct {
	Name string
	Path string
}

// New 创建抽取 PromptBuilder。
func New(opts *Options) (*Builder, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	sysT, err := load("system", o.InlineSystemTemplate, o.SystemTemplatePath, defaultSystemTemplate)
	if err != nil {
		return nil, err
	}
	userT, err := load("user", o.InlineUserTemplate, o.UserTemplatePath, defaultUserTemplate)
	if err != nil {
		return nil, err
	}
	return &Builder{sysT: sysT, userT: userT}, nil
}

func load(name, inline, file, def string) (*template.Template, error) {
	src := def
	if strings.TrimSpace(inline) != "" {
		src = inline
	} else if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("%s template read: %w", name, err)
		}
		src = string(b)
	}
	tpl, err := template.New(name).Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("%s template parse: %w", name, err)
	}
	return tpl, nil
}

// Build 为单个文档渲染 system 与 user 指令。
func (b *Builder) Build(ctx context.Context, item contract.WorkItem) (contract.Prompt, error) {
	if err := ctx.Err(); err != nil {
		return contract.Prompt{}, err
	}
	if item.ID == "" {
		return contract.Prompt{}, fmt.Errorf("prompt: %w: empty file id", contract.ErrInvalidInput)
	}
	v := view{Name: path.Base(string(item.ID)), Path: string(item.ID)}
	sys, err := render(b.sysT, v)
	if err != nil {
		return contract.Prompt{}, err
	}
	user, err := render(b.userT, v)
	if err != nil {
		return contract.Prompt{}, err
	}
	if strings.TrimSpace(user) == "" {
		return contract.Prompt{}, fmt.Errorf("prompt: %w: empty user instruction", contract.ErrInvalidInput)
	}
	return contract.Prompt{System: sys, User: user}, nil
}

func render(t *template.Template, v view) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, v); err != nil {
		return "", fmt.Errorf("prompt: render %s: %w", t.Name(), err)
	}
	return strings.TrimSpace(buf.String()), nil
}
