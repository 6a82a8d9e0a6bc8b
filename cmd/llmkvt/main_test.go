package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	cfgpkg "llmkvt/internal/config"
	"llmkvt/internal/diag"
	"llmkvt/internal/pipeline"
)

func resetFlag(args []string) {
	flag.CommandLine = flag.NewFlagSet(args[0], flag.ContinueOnError)
	os.Args = args
}

// chdir 切换到临时目录，测试结束时恢复。
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(cwd) })
	return dir
}

// stubRun 替换 pipelineRun；fn 为 nil 时仅记录调用。
func stubRun(t *testing.T, fn func(pipeline.Settings) error) *bool {
	t.Helper()
	called := new(bool)
	orig := pipelineRun
	pipelineRun = func(ctx context.Context, comp pipeline.Components, set pipeline.Settings, logger *diag.Logger) ([]pipeline.Summary, error) {
		*called = true
		if fn != nil {
			return nil, fn(set)
		}
		return []pipeline.Summary{{FileID: "stdin", Written: true}}, nil
	}
	t.Cleanup(func() { pipelineRun = orig })
	return called
}

func stdinConfig(t *testing.T) cfgpkg.Config {
	t.Helper()
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Inputs = []string{"-"}
	cfg.Output = ""
	return cfg
}

func setConfigEnv(t *testing.T, cfg cfgpkg.Config) {
	t.Helper()
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	t.Setenv("LLM_KVT_CONFIG_JSON", string(b))
}

func TestWriteConfig(t *testing.T) {
	cfg := cfgpkg.Defaults()
	dir := t.TempDir()
	file := filepath.Join(dir, "c.json")
	if err := writeConfig(file, cfg); err != nil {
		t.Fatalf("writeConfig file: %v", err)
	}
	if _, err := os.Stat(file); err != nil {
		t.Fatalf("file not created: %v", err)
	}
	if err := writeConfig(file, cfg); err == nil {
		t.Fatalf("已存在文件不应被覆盖")
	}
	r, w, _ := os.Pipe()
	old := os.Stdout
	os.Stdout = w
	if err := writeConfig("-", cfg); err != nil {
		t.Fatalf("writeConfig stdout: %v", err)
	}
	w.Close()
	os.Stdout = old
	r.Close()
}

func TestDumpConfig(t *testing.T) {
	cfg := cfgpkg.Defaults()
	devnull, _ := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	old := os.Stderr
	os.Stderr = devnull
	if err := dumpConfig(cfg); err != nil {
		t.Fatalf("dumpConfig: %v", err)
	}
	os.Stderr = old
	devnull.Close()
}

func TestRunInitConfigDir(t *testing.T) {
	dir := chdir(t)
	outDir := filepath.Join(dir, "emit")
	resetFlag([]string{"llmkvt", "--init-config", outDir})
	if code := run(); code != exitOK {
		t.Fatalf("run return %d", code)
	}
	if _, err := os.Stat(filepath.Join(outDir, "config.json")); err != nil {
		t.Fatalf("config not generated: %v", err)
	}
	env, err := os.ReadFile(filepath.Join(outDir, ".env"))
	if err != nil {
		t.Fatalf(".env not generated: %v", err)
	}
	if !strings.Contains(string(env), "LLM_KVT_TARGET_LANG") {
		t.Fatalf(".env 模板缺少变量: %s", env)
	}
	// 生成的配置能被严格解析
	if _, err := cfgpkg.LoadJSON(filepath.Join(outDir, "config.json"), nil); err != nil {
		t.Fatalf("模板配置无法解析: %v", err)
	}
}

func TestRunInitConfigDefault(t *testing.T) {
	chdir(t)
	resetFlag([]string{"llmkvt", "--init-config"})
	if code := run(); code != exitOK {
		t.Fatalf("run return %d", code)
	}
	if _, err := os.Stat("config.json"); err != nil {
		t.Fatalf("config not written: %v", err)
	}
}

func TestRunInitConfigFileExists(t *testing.T) {
	dir := chdir(t)
	outDir := filepath.Join(dir, "out2")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(outDir, "config.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write existing: %v", err)
	}
	resetFlag([]string{"llmkvt", "--init-config", outDir})
	if code := run(); code != exitConfig {
		t.Fatalf("expect 3, got %d", code)
	}
}

func TestRunSuccess(t *testing.T) {
	chdir(t)
	setConfigEnv(t, stdinConfig(t))
	resetFlag([]string{"llmkvt"})
	called := stubRun(t, nil)
	if code := run(); code != exitOK {
		t.Fatalf("run return %d", code)
	}
	if !*called {
		t.Fatalf("pipelineRun not called")
	}
}

func TestRunWithConfigFile(t *testing.T) {
	dir := chdir(t)
	b, _ := json.Marshal(stdinConfig(t))
	path := filepath.Join(dir, "cfg.json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	resetFlag([]string{"llmkvt", "--config", path})
	called := stubRun(t, nil)
	if code := run(); code != exitOK {
		t.Fatalf("run return %d", code)
	}
	if !*called {
		t.Fatalf("pipelineRun not called")
	}
}

func TestRunConfigFileEnv(t *testing.T) {
	dir := chdir(t)
	b, _ := json.Marshal(stdinConfig(t))
	path := filepath.Join(dir, "cfg.json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("LLM_KVT_CONFIG_FILE", path)
	resetFlag([]string{"llmkvt"})
	called := stubRun(t, nil)
	if code := run(); code != exitOK {
		t.Fatalf("run return %d", code)
	}
	if !*called {
		t.Fatalf("pipelineRun not called")
	}
}

func TestRunDefaultConfigFile(t *testing.T) {
	chdir(t)
	b, _ := json.Marshal(stdinConfig(t))
	if err := os.WriteFile("config.json", b, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	resetFlag([]string{"llmkvt"})
	called := stubRun(t, nil)
	if code := run(); code != exitOK {
		t.Fatalf("run return %d", code)
	}
	if !*called {
		t.Fatalf("pipelineRun not called")
	}
}

func TestRunConfigFileNotFound(t *testing.T) {
	chdir(t)
	resetFlag([]string{"llmkvt", "--config", "missing.json"})
	if code := run(); code != exitConfig {
		t.Fatalf("expect 3, got %d", code)
	}
}

func TestRunValidateError(t *testing.T) {
	chdir(t)
	cfg := stdinConfig(t)
	cfg.LLM = ""
	cfg.Provider = map[string]cfgpkg.Provider{}
	setConfigEnv(t, cfg)
	resetFlag([]string{"llmkvt"})
	if code := run(); code != exitConfig {
		t.Fatalf("expect 3, got %d", code)
	}
}

func TestRunAssembleError(t *testing.T) {
	chdir(t)
	cfg := stdinConfig(t)
	cfg.Options.Reader = json.RawMessage(`{"unknown":1}`)
	setConfigEnv(t, cfg)
	resetFlag([]string{"llmkvt"})
	if code := run(); code != exitConfig {
		t.Fatalf("expect 3, got %d", code)
	}
}

func TestRunPipelineError(t *testing.T) {
	chdir(t)
	setConfigEnv(t, stdinConfig(t))
	resetFlag([]string{"llmkvt"})
	stubRun(t, func(pipeline.Settings) error { return errors.New("boom") })
	if code := run(); code != exitRuntime {
		t.Fatalf("expect 1, got %d", code)
	}
}

func TestRunCLIOverrides(t *testing.T) {
	chdir(t)
	cfg := stdinConfig(t)
	cfg.Inputs = nil
	cfg.LLM = ""
	setConfigEnv(t, cfg)
	resetFlag([]string{"llmkvt",
		"--llm", "mock", "--concurrency", "2", "-c", "800", "--max-retries", "1",
		"-s", "English", "--dst", "German", "-t", "tree", "--format", "yaml",
		"-p", "game UI", "--force", "--dry-run", "-o", "-", "-"})
	called := stubRun(t, func(set pipeline.Settings) error {
		if set.Concurrency != 2 || set.MaxTokens != 800 || set.MaxRetries != 1 {
			t.Errorf("数值覆盖未生效: %+v", set)
		}
		if set.SourceLang != "English" || set.TargetLang != "German" || set.Format != "yaml" || set.Guidance != "game UI" {
			t.Errorf("字符串覆盖未生效: %+v", set)
		}
		if !set.Force || !set.DryRun {
			t.Errorf("force/dry-run 未生效")
		}
		if len(set.Inputs) != 1 || set.Inputs[0] != "-" {
			t.Errorf("位置参数未生效: %v", set.Inputs)
		}
		return nil
	})
	if code := run(); code != exitOK {
		t.Fatalf("run return %d", code)
	}
	if !*called {
		t.Fatalf("pipelineRun not called")
	}
}

// --max-retries=0 显式禁用重试
func TestRunMaxRetriesZeroCLI(t *testing.T) {
	chdir(t)
	setConfigEnv(t, stdinConfig(t))
	resetFlag([]string{"llmkvt", "--max-retries", "0"})
	stubRun(t, func(set pipeline.Settings) error {
		if set.MaxRetries != 0 {
			t.Errorf("max-retries=0 not applied, got %d", set.MaxRetries)
		}
		return nil
	})
	if code := run(); code != exitOK {
		t.Fatalf("run return %d", code)
	}
}

func TestRunMaxRetriesZeroEnv(t *testing.T) {
	chdir(t)
	setConfigEnv(t, stdinConfig(t))
	t.Setenv("LLM_KVT_MAX_RETRIES", "0")
	resetFlag([]string{"llmkvt"})
	stubRun(t, func(set pipeline.Settings) error {
		if set.MaxRetries != 0 {
			t.Errorf("env max-retries=0 not applied, got %d", set.MaxRetries)
		}
		return nil
	})
	if code := run(); code != exitOK {
		t.Fatalf("run return %d", code)
	}
}

// .env 中的变量在读取配置前生效，且不覆盖已有 ENV
func TestRunDotEnv(t *testing.T) {
	chdir(t)
	setConfigEnv(t, stdinConfig(t))
	t.Setenv("LLM_KVT_SOURCE_LANG", "French")
	if err := os.WriteFile(".env", []byte("LLM_KVT_TARGET_LANG=Japanese\nLLM_KVT_SOURCE_LANG=German\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("LLM_KVT_TARGET_LANG") })
	resetFlag([]string{"llmkvt"})
	stubRun(t, func(set pipeline.Settings) error {
		if set.TargetLang != "Japanese" {
			t.Errorf(".env 未生效: %q", set.TargetLang)
		}
		if set.SourceLang != "French" {
			t.Errorf(".env 不应覆盖已有 ENV: %q", set.SourceLang)
		}
		return nil
	})
	if code := run(); code != exitOK {
		t.Fatalf("run return %d", code)
	}
}

func TestRunDebugProviderInfo(t *testing.T) {
	chdir(t)
	cfg := stdinConfig(t)
	cfg.LLM = "openai"
	cfg.Provider["openai"] = cfgpkg.Provider{
		Client:  "openai",
		Options: json.RawMessage(`{"base_url":"https://api.openai.com/v1","model":"gpt-4o-mini","api_key":"x","endpoint_path":"/chat/completions"}`),
	}
	setConfigEnv(t, cfg)
	resetFlag([]string{"llmkvt", "--log-level", "debug"})
	called := stubRun(t, nil)
	if code := run(); code != exitOK {
		t.Fatalf("run return %d", code)
	}
	if !*called {
		t.Fatalf("pipelineRun not called")
	}
	kv := effectiveKV(cfg)
	if kv["model"] != "gpt-4o-mini" || kv["provider_client"] != "openai" {
		t.Fatalf("effectiveKV 缺少 provider 信息: %v", kv)
	}
	if _, ok := kv["api_key"]; ok {
		t.Fatalf("effectiveKV 不应包含密钥")
	}
}

func TestPreflightCheckOutputDir(t *testing.T) {
	dir := t.TempDir()
	cfg := cfgpkg.Defaults()
	if err := preflightCheckOutputDir(cfg); err != nil {
		t.Fatalf("未配置 root 应通过: %v", err)
	}
	cfg.Options.Writer = json.RawMessage(`{"root":"` + filepath.ToSlash(filepath.Join(dir, "new")) + `"}`)
	if err := preflightCheckOutputDir(cfg); err != nil {
		t.Fatalf("父目录可写应通过: %v", err)
	}
	file := filepath.Join(dir, "f")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg.Options.Writer = json.RawMessage(`{"root":"` + filepath.ToSlash(file) + `"}`)
	if err := preflightCheckOutputDir(cfg); err == nil {
		t.Fatalf("文件路径作为 root 应失败")
	}
}

func TestNormalizeInitArg(t *testing.T) {
	old := os.Args
	defer func() { os.Args = old }()
	os.Args = []string{"llmkvt", "--init-config", "--llm", "mock"}
	normalizeInitArg()
	if len(os.Args) != 5 || os.Args[2] != "." {
		t.Fatalf("缺省目录未补齐: %v", os.Args)
	}
}
