package config

import "fmt"

// templateYAML: `llmextract init` 写出的配置模板，列出全部可配置键。
const templateYAML = `# llmextract 配置（优先级：默认 < 本文件 < LLM_EXTRACT_* 环境变量 < 命令行）
input: documents
output: output
output_ext: .json
# 同时处理的文档数
concurrency: 3
# 每个文档的外层尝试次数；仅限流错误会重试，退避为 base_delay * 2^(n-1)
max_retries: 3
base_delay: 1s

queue:
  # 令牌桶：容量与每 refill_interval 补充的令牌数
  capacity: 1000000
  refill_amount: 100000
  refill_interval: 1m
  # 同时在途的 LLM 调用数
  max_concurrent: 3
  rate_limit_backoff: 1s
  idle_backoff: 100ms
  max_rate_limit_retries: 30

ledger:
  # 为空时与 output 相同
  dir: ""
  success_file: extraction_success.csv
  failure_file: extraction_failure.csv

logging:
  level: info
  # 为空时写入 ./logs
  dir: ""

metrics:
  # 例如 127.0.0.1:9090；为空不启用
  listen: ""

components:
  reader: fs
  prompt_builder: extract
  decoder: jsonblock
  writer: fs

# 改为 mock 可离线试运行
llm: gemini

provider:
  gemini:
    client: gemini
    options:
      model: gemini-2.0-flash-exp
      api_key_env: GEMINI_API_KEY
      timeout_seconds: 120
      temperature: 2.0
      max_output_tokens: 8192
      top_p: 0.95
  vertex:
    client: vertex
    options:
      project_id_env: VERTEX_AI_PROJECT_ID
      region: us-central1
      model: gemini-2.0-flash-exp
      access_token_env: VERTEX_AI_ACCESS_TOKEN
      timeout_seconds: 120
      stream: false
  mock:
    client: mock
    options:
      response_mode: fenced_json
      delay_ms: 0

options:
  reader:
    extensions: [.pdf]
    exclude_dir_names: [.git, node_modules]
    max_bytes: 20971520
  prompt_builder:
    inline_system_template: ""
    system_template_path: ""
    inline_user_template: ""
    user_template_path: ""
  decoder:
    compact: false
    allow_scalar: false
  writer:
    atomic: true
    flat: false
`

// envTemplate: `llmextract init` 写出的 .env 模板。
const envTemplate = `# Gemini API（provider.gemini）
GEMINI_API_KEY=
# Vertex AI（provider.vertex）；令牌为空时使用 Application Default Credentials
VERTEX_AI_PROJECT_ID=
VERTEX_AI_ACCESS_TOKEN=
# 覆盖示例
# LLM_EXTRACT_LLM=mock
# LLM_EXTRACT_CONCURRENCY=5
`

// TemplateYAML 返回配置模板文本。
func TemplateYAML() []byte { return []byte(templateYAML) }

// EnvTemplate 返回 .env 模板文本。
func EnvTemplate() []byte { return []byte(envTemplate) }

// DefaultTemplateConfig 返回模板解析后的 Config；模板必须能通过严格解析。
func DefaultTemplateConfig() Config {
	cfg, err := Load("", TemplateYAML())
	if err != nil {
		panic(fmt.Sprintf("config: template invalid: %v", err))
	}
	return cfg
}
