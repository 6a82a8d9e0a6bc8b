package translate

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"llmkvt/pkg/contract"
)

func entries() *contract.Document {
	child := contract.NewDocument(1)
	child.SetText("y", "hi")
	doc := contract.NewDocument(2)
	doc.SetText("a", "Hello {name}")
	doc.Set("x", contract.TreeNode(child))
	return doc
}

// TestBuildDefault 测试默认模板构造
func TestBuildDefault(t *testing.T) {
	b, err := New(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p, err := b.Build(context.Background(), contract.Batch{Entries: entries(), SourceLang: "English", TargetLang: "Chinese"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	cp, ok := p.(contract.ChatPrompt)
	if !ok || len(cp) != 2 {
		t.Fatalf("unexpected prompt %#v", p)
	}
	if !strings.HasPrefix(cp[0].Content, "You are a helpful assistant that translates English to Chinese in json format.") {
		t.Fatalf("system 首行不符: %s", cp[0].Content)
	}
	if !strings.Contains(cp[0].Content, "{{count}}") {
		t.Fatalf("占位符示例应原样输出: %s", cp[0].Content)
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(cp[1].Content), &obj); err != nil || obj["a"] != "Hello {name}" {
		t.Fatalf("user 应为块 JSON: %v %s", err, cp[1].Content)
	}
}

func TestBuildUnknownSource(t *testing.T) {
	b, _ := New(nil)
	p, _ := b.Build(context.Background(), contract.Batch{Entries: entries(), TargetLang: "French"})
	if !strings.Contains(p.(contract.ChatPrompt)[0].Content, "translates the source language to French") {
		t.Fatalf("源语言缺省措辞不符")
	}
}

func TestBuildRejects(t *testing.T) {
	b, _ := New(nil)
	if _, err := b.Build(context.Background(), contract.Batch{TargetLang: "x"}); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("空块应报错: %v", err)
	}
	if _, err := b.Build(context.Background(), contract.Batch{Entries: entries()}); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("缺目标语言应报错: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Build(ctx, contract.Batch{Entries: entries(), TargetLang: "x"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("已取消应返回 ctx 错误: %v", err)
	}
}

// TestEstimateOverhead 测试开销估算
func TestEstimateOverhead(t *testing.T) {
	plain, _ := New(nil)
	withGlos, _ := New(&Options{InlineGlossary: "a:b"})
	est := func(s string) int { return len(s) }
	if plain.EstimateOverheadTokens(est) <= 0 || withGlos.EstimateOverheadTokens(est) <= plain.EstimateOverheadTokens(est) {
		t.Fatalf("术语表应增加固定开销")
	}
	if plain.EstimateOverheadTokens(nil) != 0 {
		t.Fatalf("nil 估算器应返回 0")
	}
}

// TestBuildWithGlossaryAndGuidance 术语表与背景说明追加
func TestBuildWithGlossaryAndGuidance(t *testing.T) {
	b, _ := New(&Options{InlineGlossary: "t1"})
	p, err := b.Build(context.Background(), contract.Batch{Entries: entries(), TargetLang: "Chinese", Guidance: "A cooking app."})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	sys := p.(contract.ChatPrompt)[0].Content
	bg := strings.Index(sys, "<background>\nA cooking app.\n</background>")
	gl := strings.Index(sys, "<glossary>\nt1\n</glossary>")
	if bg < 0 || gl < 0 || bg > gl {
		t.Fatalf("背景/术语表位置不符: %s", sys)
	}
}

func TestKeySchema(t *testing.T) {
	b, _ := New(&Options{KeySchema: true})
	p, _ := b.Build(context.Background(), contract.Batch{Entries: entries(), TargetLang: "Chinese"})
	cp := p.(contract.ChatPrompt)
	if len(cp) != 3 || cp[2].Role != "json_schema" {
		t.Fatalf("缺少 json_schema 消息")
	}
	var s struct {
		Required   []string                   `json:"required"`
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal([]byte(cp[2].Content), &s); err != nil {
		t.Fatalf("schema 非法: %v", err)
	}
	if strings.Join(s.Required, ",") != "a,x" || !strings.Contains(string(s.Properties["x"]), `"required":["y"]`) {
		t.Fatalf("schema 不符: %s", cp[2].Content)
	}
}

// TestNewTemplatePathGlossaryPath 从文件加载
func TestNewTemplatePathGlossaryPath(t *testing.T) {
	dir := t.TempDir()
	sys := filepath.Join(dir, "sys.txt")
	glos := filepath.Join(dir, "g.txt")
	os.WriteFile(sys, []byte("to {{.Target}}"), 0o644)
	os.WriteFile(glos, []byte("g"), 0o644)
	b, err := New(&Options{SystemTemplatePath: sys, GlossaryPath: glos})
	if err != nil || b.glos != "g" {
		t.Fatalf("new file: %v", err)
	}
	p, _ := b.Build(context.Background(), contract.Batch{Entries: entries(), TargetLang: "Korean"})
	if !strings.HasPrefix(p.(contract.ChatPrompt)[0].Content, "to Korean") {
		t.Fatalf("自定义模板未生效")
	}
}

// TestNewTemplateParseError 模板解析失败
func TestNewTemplateParseError(t *testing.T) {
	if _, err := New(&Options{InlineSystemTemplate: "{{"}); err == nil {
		t.Fatalf("expect parse error")
	}
}
