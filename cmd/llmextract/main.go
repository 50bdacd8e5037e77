package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	cfgpkg "llmextract/internal/config"
	"llmextract/internal/diag"
	"llmextract/internal/ledger"
	"llmextract/internal/pipeline"
	"llmextract/pkg/contract"
	"llmextract/pkg/registry"
	vtx "llmextract/plugins/llmclient/vertex"
)

var pipelineRun = pipeline.Run

// 退出码
const (
	exitOK     = 0
	exitRun    = 1 // 进程级运行错误
	exitFailed = 2 // 运行完成但存在 FAILED 单元
	exitConfig = 3 // 配置或装配错误
)

// exitError 携带退出码；err 为空时不输出提示。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func fail(code int, format string, a ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, a...)}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run 执行 CLI 并返回退出码。默认子命令为 run。
func run(args []string, stdout, stderr io.Writer) int {
	// 在任何 ENV 读取前加载工作目录下的 .env（不覆盖已有 ENV）
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(stderr, "提示：.env 读取失败（已跳过）：%v\n", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil && !errors.Is(ee.err, context.Canceled) {
			fmt.Fprintln(stderr, ee.err)
		}
		return ee.code
	}
	// 旗标/参数解析错误
	fmt.Fprintln(stderr, err)
	return exitConfig
}

type runFlags struct {
	config      string
	output      string
	llm         string
	concurrency int
	maxRetries  int
	baseDelay   time.Duration
	ext         string
	logLevel    string
	status      bool
}

func newRootCmd(stderr io.Writer) *cobra.Command {
	var rf runFlags
	root := &cobra.Command{
		Use:           "llmextract [input_dir]",
		Short:         "批量将文档送入 LLM 提取结构化 JSON",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtract(cmd, args, &rf, stderr)
		},
	}
	bindRunFlags(root, &rf)

	var sub runFlags
	runCmd := &cobra.Command{
		Use:   "run [input_dir]",
		Short: "处理输入目录下的全部文档（默认子命令）",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtract(cmd, args, &sub, stderr)
		},
	}
	bindRunFlags(runCmd, &sub)

	root.AddCommand(runCmd, newInitCmd(), newReportCmd(), newCheckCmd(), newModelsCmd())
	return root
}

func bindRunFlags(cmd *cobra.Command, f *runFlags) {
	fl := cmd.Flags()
	fl.StringVar(&f.config, "config", "", "配置文件路径（YAML）；缺省读取 ./config.yaml（若存在）")
	fl.StringVarP(&f.output, "output", "o", "", "输出目录（覆盖配置）")
	fl.StringVar(&f.llm, "llm", "", "provider 名称（覆盖配置）")
	fl.IntVar(&f.concurrency, "concurrency", 0, "同时处理的文档数（覆盖配置）")
	fl.IntVar(&f.maxRetries, "max-retries", 0, "每个文档的外层尝试次数（覆盖配置）")
	fl.DurationVar(&f.baseDelay, "base-delay", 0, "外层退避基数，例如 1s（覆盖配置）")
	fl.StringVar(&f.ext, "ext", "", "输出扩展名（覆盖配置）")
	fl.StringVar(&f.logLevel, "log-level", "", "日志级别 debug|info|warn|error（覆盖配置）")
	fl.BoolVar(&f.status, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 每单元一行")
}

// loadConfig 合并 默认 < YAML < ENV；CLI 覆盖由调用方完成。
func loadConfig(path string) (cfgpkg.Config, error) {
	cfg := cfgpkg.Defaults()
	if path == "" {
		path = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	if path != "" {
		fileCfg, err := cfgpkg.Load(path, nil)
		if err != nil {
			return cfg, fmt.Errorf("配置解析失败: %w", err)
		}
		cfg = cfgpkg.Merge(cfg, fileCfg)
	}
	over, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, fmt.Errorf("环境变量解析失败: %w", err)
	}
	return cfgpkg.Merge(cfg, over), nil
}

func cliOverlay(cmd *cobra.Command, args []string, f *runFlags) cfgpkg.Config {
	var over cfgpkg.Config
	if len(args) > 0 {
		over.Input = args[0]
	}
	fl := cmd.Flags()
	over.Output = f.output
	over.LLM = f.llm
	over.OutputExt = f.ext
	over.Logging.Level = f.logLevel
	if fl.Changed("base-delay") {
		over.BaseDelay = cfgpkg.Duration(f.baseDelay)
	}
	return over
}

func runExtract(cmd *cobra.Command, args []string, f *runFlags, stderr io.Writer) error {
	ctx := cmd.Context()
	start := time.Now()

	cfg, err := loadConfig(f.config)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	cfg = cfgpkg.Merge(cfg, cliOverlay(cmd, args, f))
	// 显式给出的 0 或负数需进入校验，不能被 Merge 视为未设置
	if cmd.Flags().Changed("concurrency") {
		cfg.Concurrency = f.concurrency
	}
	if cmd.Flags().Changed("max-retries") {
		cfg.MaxRetries = f.maxRetries
	}
	if err := cfgpkg.Validate(cfg); err != nil {
		return fail(exitConfig, "配置校验失败: %w", err)
	}

	logger := diag.NewLogger(uuid.NewString(), cfg.Logging.Level, cfg.Logging.Dir)
	defer logger.Close()

	if addr := strings.TrimSpace(cfg.Metrics.Listen); addr != "" {
		mctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := diag.ServeMetrics(mctx, addr, logger); err != nil {
				diag.Report(logger, "metrics", "listen failed", "", err)
			}
		}()
	}

	rt, err := cfgpkg.Assemble(ctx, cfg, logger)
	if err != nil {
		diag.Report(logger, "config", "assemble failed", "", err)
		return fail(exitConfig, "装配失败: %w", err)
	}
	defer rt.Close()

	rt.Settings.Terminal = diag.NewTerminal(stderr, f.status)
	logger.Debug("config", "effective", "",
		zap.String("input", cfg.Input),
		zap.String("output", cfg.Output),
		zap.String("llm", cfg.LLM),
		zap.String("client", cfg.Provider[cfg.LLM].Client),
		zap.Int("concurrency", cfg.Concurrency),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("base_delay", cfg.BaseDelay.D()),
		zap.Int64("bucket_capacity", cfg.Queue.Capacity),
		zap.Int("max_concurrent", cfg.Queue.MaxConcurrent),
	)

	st, err := pipelineRun(ctx, rt.Components, rt.Settings, logger)
	if cerr := rt.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	diag.ObserveDuration("pipeline", "finish", time.Since(start).Milliseconds())
	if err != nil {
		logger.Error("pipeline", string(diag.Classify(err)), "run failed", &start)
		return fail(exitRun, "运行失败: %w", err)
	}
	if st.Failed > 0 {
		_, fp := rt.LedgerOpts.Paths()
		return fail(exitFailed, "%d/%d 个文档失败，详见 %s", st.Failed, st.Total, fp)
	}
	return nil
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "生成 config.yaml 与 .env 模板（已存在则不覆盖）",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
				dir = strings.TrimSpace(args[0])
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fail(exitConfig, "生成默认配置失败: %w", err)
			}
			cfgPath := filepath.Join(dir, "config.yaml")
			if err := writeNew(cfgPath, cfgpkg.TemplateYAML()); err != nil {
				return fail(exitConfig, "生成默认配置失败: %w", err)
			}
			// .env 已存在时跳过
			envPath := filepath.Join(dir, ".env")
			if err := writeNew(envPath, cfgpkg.EnvTemplate()); err != nil && !errors.Is(err, fs.ErrExist) {
				fmt.Fprintf(cmd.ErrOrStderr(), "提示：.env 生成失败（已跳过）：%v\n", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "已生成 %s\n", cfgPath)
			return nil
		},
	}
}

// writeNew 仅创建新文件，不覆盖已存在文件。
func writeNew(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func newReportCmd() *cobra.Command {
	var (
		configPath string
		output     string
		ledgerDir  string
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "汇总账本：成功/失败条数与仍处于失败状态的文档",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return &exitError{code: exitConfig, err: err}
			}
			cfg = cfgpkg.Merge(cfg, cfgpkg.Config{Output: output, Ledger: ledger.Options{Dir: ledgerDir}})
			sp, fp := cfgpkg.LedgerOptions(cfg).Paths()
			ok, err := ledger.ReadEntries(sp)
			if err != nil {
				return fail(exitRun, "读取账本失败: %w", err)
			}
			failed, err := ledger.ReadEntries(fp)
			if err != nil {
				return fail(exitRun, "读取账本失败: %w", err)
			}
			writeReport(cmd.OutOrStdout(), ok, failed)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&configPath, "config", "", "配置文件路径（YAML）")
	fl.StringVarP(&output, "output", "o", "", "输出目录（账本默认位于此处）")
	fl.StringVar(&ledgerDir, "ledger-dir", "", "账本目录（覆盖配置）")
	return cmd
}

// writeReport 输出条目计数，以及最近一次记录为 FAILED 的文档。
func writeReport(w io.Writer, ok, failed []ledger.Entry) {
	all := make([]ledger.Entry, 0, len(ok)+len(failed))
	all = append(all, ok...)
	all = append(all, failed...)
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].Time.Equal(all[j].Time) {
			return all[i].Time.Before(all[j].Time)
		}
		// 时间戳精度为秒：同一时刻的 SUCCESS 视为更晚
		return all[i].Status != contract.StatusSuccess && all[j].Status == contract.StatusSuccess
	})
	latest := make(map[contract.FileID]ledger.Entry, len(all))
	for _, e := range all {
		latest[e.FileID] = e
	}
	var pending []ledger.Entry
	for _, e := range latest {
		if e.Status != contract.StatusSuccess {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].FileID < pending[j].FileID })

	fmt.Fprintf(w, "SUCCESS %d\nFAILED  %d\n文档 %d | 仍失败 %d\n", len(ok), len(failed), len(latest), len(pending))
	for _, e := range pending {
		fmt.Fprintf(w, "  %s\t%s\n", e.FileID, e.Err)
	}
}

// checkMessage: 连通性检查的固定消息。
const checkMessage = "Hello, this is a test message."

func newCheckCmd() *cobra.Command {
	var (
		configPath    string
		llm           string
		enableService bool
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "验证所选 provider 的凭据与连通性（vertex 额外检查服务启用状态）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			cfg, err := loadConfig(configPath)
			if err != nil {
				return &exitError{code: exitConfig, err: err}
			}
			cfg = cfgpkg.Merge(cfg, cfgpkg.Config{LLM: llm})
			prov, ok := cfg.Provider[cfg.LLM]
			if !ok {
				return fail(exitConfig, "provider %q 未定义", cfg.LLM)
			}
			logger := diag.NewLogger(uuid.NewString(), cfg.Logging.Level, cfg.Logging.Dir)
			defer logger.Close()

			if prov.Client == "vertex" {
				var o vtx.Options
				if err := registry.DecodeOptions(prov.Options.Node(), &o); err != nil {
					return fail(exitConfig, "provider %s 选项无效: %w", cfg.LLM, err)
				}
				on, err := vtx.EnsureService(ctx, &o, enableService)
				if err != nil {
					diag.Report(logger, "check", "service check failed", "", err)
					return fail(exitRun, "服务检查失败: %w", err)
				}
				if !on {
					return fail(exitRun, "%s 未启用（使用 --enable-service 启用）", vtx.ServiceName)
				}
				fmt.Fprintf(out, "[ok] 服务 %s 已启用\n", vtx.ServiceName)
			}

			client, err := cfgpkg.NewLLM(ctx, cfg, cfg.LLM)
			if err != nil {
				return fail(exitConfig, "装配失败: %w", err)
			}
			if c, ok := client.(io.Closer); ok {
				defer c.Close()
			}

			start := time.Now()
			tm := logger.Start("check", "invoke", zap.String("llm", cfg.LLM))
			reply, err := checkLLM(ctx, client)
			if err != nil {
				diag.Report(logger, "check", "invoke failed", "", err)
				return fail(exitRun, "连通性检查失败: %w", err)
			}
			tm.Finish("invoke", 1)
			fmt.Fprintf(out, "[ok] llm=%s client=%s | 用时 %s\n", cfg.LLM, prov.Client, time.Since(start).Round(time.Millisecond))
			if r := firstLine(reply, 120); r != "" {
				fmt.Fprintf(out, "  %s\n", r)
			}
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&configPath, "config", "", "配置文件路径（YAML）")
	fl.StringVar(&llm, "llm", "", "provider 名称（覆盖配置）")
	fl.BoolVar(&enableService, "enable-service", false, "vertex：服务未启用时尝试启用")
	return cmd
}

// checkLLM 优先使用客户端的纯文本检查；否则以一个小文本文档调用 Invoke。
func checkLLM(ctx context.Context, c contract.LLMClient) (string, error) {
	if ck, ok := c.(contract.Checker); ok {
		return ck.Check(ctx)
	}
	doc := contract.Document{
		ID:       "llmextract-check.txt",
		Name:     "llmextract-check.txt",
		MIMEType: "text/plain",
		Data:     []byte(checkMessage),
	}
	raw, err := c.Invoke(ctx, doc, contract.Prompt{User: checkMessage})
	return raw.Text, err
}

func firstLine(s string, max int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if rs := []rune(s); len(rs) > max {
		s = string(rs[:max]) + "…"
	}
	return s
}

func newModelsCmd() *cobra.Command {
	var (
		configPath string
		provider   string
	)
	cmd := &cobra.Command{
		Use:   "models",
		Short: "列出 Vertex AI 上可用的 Google 模型",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return &exitError{code: exitConfig, err: err}
			}
			name := provider
			if name == "" {
				name = "vertex"
				if cfg.Provider[cfg.LLM].Client == "vertex" {
					name = cfg.LLM
				}
			}
			prov, ok := cfg.Provider[name]
			if !ok || prov.Client != "vertex" {
				return fail(exitConfig, "provider %q 不是 vertex 客户端", name)
			}
			var o vtx.Options
			if err := registry.DecodeOptions(prov.Options.Node(), &o); err != nil {
				return fail(exitConfig, "provider %s 选项无效: %w", name, err)
			}
			names, err := vtx.ListModels(cmd.Context(), &o)
			if err != nil {
				return fail(exitRun, "列出模型失败: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(names) == 0 {
				fmt.Fprintln(out, "（无可用模型）")
				return nil
			}
			for _, n := range names {
				fmt.Fprintln(out, n)
			}
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&configPath, "config", "", "配置文件路径（YAML）")
	fl.StringVar(&provider, "provider", "", "vertex provider 名称；缺省为当前 llm（若为 vertex）或 vertex")
	return cmd
}
