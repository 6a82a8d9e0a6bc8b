package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	cfgpkg "llmkvt/internal/config"
	"llmkvt/internal/diag"
	"llmkvt/internal/pipeline"
)

var pipelineRun = pipeline.Run

// 退出码
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 3
)

// 位置参数为输入（文件/目录 或 "-" 表示 STDIN，不能与其他根混用）。
// 优先级：CLI > ENV(.env) > JSON > 默认值。
func main() {
	os.Exit(run())
}

type cliFlags struct {
	config      string
	llm         string
	concurrency int
	maxTokens   int
	maxRetries  int
	initDir     string
	status      bool

	output   string
	src      string
	dst      string
	variant  string
	format   string
	guidance string
	memo     string
	logLevel string
	force    bool
	dryRun   bool
}

// strVar 以多个名字注册同一个字符串旗标（如 -o 与 --output）。
func strVar(fs *flag.FlagSet, p *string, names []string, def, usage string) {
	for _, n := range names {
		fs.StringVar(p, n, def, usage)
	}
}

func parseFlags() (cliFlags, []string, error) {
	var f cliFlags
	fs := flag.CommandLine
	strVar(fs, &f.config, []string{"config"}, "", "配置文件路径（JSON）；缺省读取 ./config.json（若存在）")
	strVar(fs, &f.llm, []string{"llm"}, "", "provider 名称（覆盖配置）")
	fs.IntVar(&f.concurrency, "concurrency", 0, "并发翻译的块数（覆盖配置）")
	fs.IntVar(&f.maxTokens, "max-tokens", 0, "单次请求 token 上限（覆盖配置）")
	fs.IntVar(&f.maxTokens, "c", 0, "同 --max-tokens")
	// max-retries 允许显式设置为 0；默认 -1 表示“未覆盖”。
	fs.IntVar(&f.maxRetries, "max-retries", -1, "LLM 阶段最大重试次数（覆盖配置；0 表示不重试）")
	strVar(fs, &f.initDir, []string{"init-config"}, "", "在指定目录生成默认 config.json 和 .env 模板（已存在则失败/跳过）；不带值时为当前目录")
	fs.BoolVar(&f.status, "status", true, "终端状态提示（stderr）")
	strVar(fs, &f.output, []string{"o", "output"}, "", "输出路径或模板，如 {{.Dir}}/{{.Stem}}.{{.Lang}}{{.Ext}}")
	strVar(fs, &f.src, []string{"s", "src"}, "", "源语言（默认 auto）")
	strVar(fs, &f.dst, []string{"d", "dst"}, "", "目标语言（默认 English）")
	strVar(fs, &f.variant, []string{"t", "type"}, "", "文档形状 auto|flat|kv|tree")
	strVar(fs, &f.format, []string{"f", "format"}, "", "格式 auto|json|yaml|markdown|srt|html")
	strVar(fs, &f.guidance, []string{"p", "prompt"}, "", "随每个块发送的背景说明")
	strVar(fs, &f.memo, []string{"memo"}, "", "译文缓存文件路径")
	strVar(fs, &f.logLevel, []string{"log-level"}, "", "日志等级 debug|info|warn|error")
	fs.BoolVar(&f.force, "force", false, "忽略已有译文，全部重译")
	fs.BoolVar(&f.dryRun, "dry-run", false, "只打印计划与 diff，不调用 LLM、不写文件")
	normalizeInitArg()
	if err := fs.Parse(os.Args[1:]); err != nil {
		return f, nil, err
	}
	return f, fs.Args(), nil
}

func run() int {
	start := time.Now()
	corrID := genCorrID()
	// 在任何 ENV 读取前加载工作目录下的 .env（不覆盖已有 ENV）。
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			fprintf(os.Stderr, "提示：.env 解析失败（已跳过）：%v\n", err)
		}
	}
	// 最终等级与目录在合并配置后确定；此前的错误只写 stderr。
	logger := diag.NewWriterLogger(corrID, "error", os.Stderr)

	flags, roots, err := parseFlags()
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		return exitConfig
	}

	// --init-config: 生成模板并退出
	if initDir := strings.TrimSpace(flags.initDir); initDir != "" {
		if err := os.MkdirAll(initDir, 0o755); err != nil {
			fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
			return exitConfig
		}
		if err := writeConfig(filepath.Join(initDir, "config.json"), cfgpkg.DefaultTemplateConfig()); err != nil {
			fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
			logger.Fail("config", err, start, diag.Fields{})
			return exitConfig
		}
		// 生成 .env 模板（不覆盖已存在文件）。
		if err := writeDotEnv(filepath.Join(initDir, ".env")); err != nil {
			fprintf(os.Stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
		}
		return exitOK
	}

	cfg, err := loadConfig(flags, roots)
	if err != nil {
		fprintf(os.Stderr, "%v\n", err)
		return exitConfig
	}
	if err := cfgpkg.Validate(cfg); err != nil {
		fprintf(os.Stderr, "配置校验失败: %v\n", err)
		_ = dumpConfig(cfg)
		return exitConfig
	}

	logger = diag.NewLogger(corrID, cfg.Logging.Level, cfg.Logging.Dir)
	defer logger.Close()

	if err := preflightCheckOutputDir(cfg); err != nil {
		fprintf(os.Stderr, "输出目录不可写或无法创建: %v\n", err)
		logger.Fail("config", err, start, diag.Fields{})
		return exitConfig
	}

	comp, set, err := cfgpkg.Assemble(cfg)
	if err != nil {
		fprintf(os.Stderr, "装配失败: %v\n", err)
		logger.Fail("config", err, start, diag.Fields{})
		return exitConfig
	}
	defer comp.Memo.Close()
	set.DryRun = flags.dryRun
	// dry-run 的报告占用 stdout，终端提示也关闭以免混杂
	comp.Terminal = diag.NewTerminal(os.Stderr, flags.status && !flags.dryRun)

	logger.Debug("config", "effective", diag.Fields{KV: effectiveKV(cfg)})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	t := logger.Start("pipeline", "run", diag.Fields{})
	sums, err := pipelineRun(ctx, comp, set, logger)
	for _, s := range sums {
		logger.Info("pipeline", "summary", diag.Fields{FileID: string(s.FileID), KV: map[string]string{
			"output":    s.Output,
			"retained":  strconv.Itoa(s.Retained),
			"pending":   strconv.Itoa(s.Pending),
			"chunks":    strconv.Itoa(s.Chunks),
			"memo":      strconv.Itoa(s.MemoHits),
			"unchanged": strconv.FormatBool(s.Unchanged),
			"written":   strconv.FormatBool(s.Written),
		}})
	}
	if err != nil {
		t.Fail(err)
		if !errors.Is(err, context.Canceled) {
			fprintf(os.Stderr, "运行失败: %v\n", err)
		}
		return exitRuntime
	}
	t.Finish("run", int64(len(sums)))
	return exitOK
}

// loadConfig: 默认值 → JSON（--config / LLM_KVT_CONFIG_FILE / LLM_KVT_CONFIG_JSON / ./config.json）→ ENV → CLI。
func loadConfig(flags cliFlags, roots []string) (cfgpkg.Config, error) {
	path := flags.config
	if path == "" {
		path = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	var raw []byte
	if s := os.Getenv(cfgpkg.EnvPrefix + "CONFIG_JSON"); s != "" && path == "" {
		raw = []byte(s)
	}
	if path == "" && len(raw) == 0 {
		if _, err := os.Stat("config.json"); err == nil {
			path = "config.json"
		}
	}

	cfg := cfgpkg.Defaults()
	if path != "" || len(raw) > 0 {
		base, err := cfgpkg.LoadJSON(path, raw)
		if err != nil {
			return cfg, fmt.Errorf("配置解析失败: %w", err)
		}
		cfg = cfgpkg.Merge(cfg, base)
	}

	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, fmt.Errorf("环境变量解析失败: %w", err)
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	over := cfgpkg.Config{
		Inputs:      roots,
		Output:      flags.output,
		SourceLang:  flags.src,
		TargetLang:  flags.dst,
		Variant:     flags.variant,
		Format:      flags.format,
		Guidance:    flags.guidance,
		Concurrency: flags.concurrency,
		MaxTokens:   flags.maxTokens,
		MaxRetries:  flags.maxRetries,
		Force:       flags.force,
		Memo:        cfgpkg.Memo{Path: flags.memo},
		Logging:     cfgpkg.Logging{Level: flags.logLevel},
		LLM:         flags.llm,
	}
	return cfgpkg.Merge(cfg, over), nil
}

// effectiveKV: 运行时配置摘要（不含密钥）。
func effectiveKV(cfg cfgpkg.Config) map[string]string {
	kv := map[string]string{
		"inputs_count":   strconv.Itoa(len(cfg.Inputs)),
		"output":         cfg.Output,
		"source_lang":    cfg.SourceLang,
		"target_lang":    cfg.TargetLang,
		"variant":        cfg.Variant,
		"format":         cfg.Format,
		"concurrency":    strconv.Itoa(cfg.Concurrency),
		"max_tokens":     strconv.Itoa(cfg.MaxTokens),
		"llm":            cfg.LLM,
		"reader":         cfg.Components.Reader,
		"prompt_builder": cfg.Components.PromptBuilder,
		"decoder":        cfg.Components.Decoder,
		"writer":         cfg.Components.Writer,
		"memo":           cfg.Memo.Path,
	}
	if p, ok := cfg.Provider[cfg.LLM]; ok {
		kv["provider_client"] = p.Client
		var s struct {
			BaseURL  string `json:"base_url"`
			Model    string `json:"model"`
			Endpoint string `json:"endpoint_path"`
		}
		_ = json.Unmarshal(p.Options, &s)
		if s.BaseURL != "" {
			kv["base_url"] = s.BaseURL
		}
		if s.Model != "" {
			kv["model"] = s.Model
		}
		if s.Endpoint != "" {
			kv["endpoint_path"] = s.Endpoint
		}
	}
	return kv
}

func fprintf(w *os.File, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }

func dumpConfig(c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, _ = os.Stderr.Write(append([]byte("有效配置:\n"), b...))
	_, _ = os.Stderr.Write([]byte("\n"))
	return nil
}

func writeConfig(path string, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = os.Stdout.Write(append(b, '\n'))
		return err
	}
	// 不覆盖已存在文件
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

func genCorrID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return ""
	}
	return hex.EncodeToString(b[:])
}

// normalizeInitArg: 允许 --init-config 在未提供路径值时采用当前目录 "."。
//
//	--init-config                => 等价于 --init-config .
//	--init-config=out
//	--init-config out
func normalizeInitArg() {
	args := os.Args
	if len(args) <= 1 {
		return
	}
	out := make([]string, 0, len(args)+1)
	out = append(out, args[0])
	for i := 1; i < len(args); i++ {
		a := args[i]
		out = append(out, a)
		if a == "--init-config" || a == "-init-config" {
			if i == len(args)-1 || strings.HasPrefix(args[i+1], "-") {
				out = append(out, ".")
			}
		}
	}
	os.Args = out
}

// writeDotEnv 生成 .env 模板（若文件已存在则跳过）。
func writeDotEnv(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	p := cfgpkg.EnvPrefix
	env := map[string]string{
		p + "CONFIG_FILE":     "",
		p + "CONFIG_JSON":     "",
		p + "INPUTS":          "",
		p + "OUTPUT":          "",
		p + "SOURCE_LANG":     "",
		p + "TARGET_LANG":     "",
		p + "VARIANT":         "",
		p + "FORMAT":          "",
		p + "GUIDANCE":        "",
		p + "CONCURRENCY":     "",
		p + "MAX_TOKENS":      "",
		p + "BYTES_PER_TOKEN": "",
		p + "ESTIMATOR":       "",
		p + "MAX_RETRIES":     "",
		p + "FORCE":           "",
		p + "MEMO_PATH":       "",
		p + "LOG_LEVEL":       "",
		p + "LLM":             "",
		p + "PROVIDER__openai__OPTIONS_JSON":             "",
		p + "PROVIDER__openai__LIMITS_RPM":               "",
		p + "PROVIDER__openai__LIMITS_TPM":               "",
		p + "PROVIDER__gemini__OPTIONS_JSON":             "",
		p + "PROVIDER__gemini__LIMITS_RPM":               "",
		p + "PROVIDER__gemini__LIMITS_TPM":               "",
		p + "PROVIDER__gemini__LIMITS_MAX_TOKENS_PER_REQ": "",
		// 供应商 API Key 由客户端直接读取，不经前缀
		"OPENAI_API_KEY": "",
		"GOOGLE_API_KEY": "",
	}
	body, err := godotenv.Marshal(env)
	if err != nil {
		return err
	}
	head := "# llmkvt .env 模板（由 --init-config 生成）\n# 优先级：CLI > ENV(.env) > JSON；空值表示未设置。\n"
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.WriteString(head + body + "\n")
	return err
}

// preflightCheckOutputDir: Writer 为 fs 且配置了 root 时，启动前检查其可写性。
// 目录不存在时检查父目录。dry-run 同样检查，便于提前发现问题。
func preflightCheckOutputDir(cfg cfgpkg.Config) error {
	writerName := strings.TrimSpace(cfg.Components.Writer)
	if writerName == "" {
		writerName = cfgpkg.Defaults().Components.Writer
	}
	if writerName != "fs" {
		return nil
	}
	var wopts struct {
		Root string `json:"root"`
	}
	if len(cfg.Options.Writer) > 0 {
		_ = json.Unmarshal(cfg.Options.Writer, &wopts)
	}
	dir := strings.TrimSpace(wopts.Root)
	if dir == "" {
		// 未指定根目录时输出随输入路径分布，交由 Writer 按需创建
		return nil
	}
	st, err := os.Stat(dir)
	switch {
	case err == nil && st.IsDir():
		f, err := os.CreateTemp(dir, ".wcheck-*")
		if err != nil {
			return err
		}
		name := f.Name()
		_ = f.Close()
		return os.Remove(name)
	case err == nil:
		return fmt.Errorf("路径存在但不是目录: %s", dir)
	case !os.IsNotExist(err):
		return err
	}
	parent := filepath.Dir(dir)
	if parent == "" || parent == dir {
		return fmt.Errorf("无法确定父目录: %s", dir)
	}
	pst, err := os.Stat(parent)
	if err != nil {
		return err
	}
	if !pst.IsDir() {
		return fmt.Errorf("父路径不是目录: %s", parent)
	}
	tmpd, err := os.MkdirTemp(parent, ".wcheck-*")
	if err != nil {
		return err
	}
	return os.RemoveAll(tmpd)
}
