package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"llmkvt/internal/diag"
	"llmkvt/internal/memo"
	"llmkvt/internal/rate"
	"llmkvt/pkg/contract"
	"llmkvt/pkg/engine"
	"llmkvt/plugins/decoder/jsonmap"
	"llmkvt/plugins/format/jsonfmt"
	"llmkvt/plugins/format/yamlfmt"
	"llmkvt/plugins/llmclient/flaky"
	"llmkvt/plugins/llmclient/mock"
	"llmkvt/plugins/prompt/translate"
	fsreader "llmkvt/plugins/reader/filesystem"
	fswriter "llmkvt/plugins/writer/filesystem"
)

// 测试夹具 ----------------------------------------------------

func newComponents(t testing.TB, llm contract.LLMClient) Components {
	t.Helper()
	pb, err := translate.New(nil)
	if err != nil {
		t.Fatalf("构造 PromptBuilder 失败: %v", err)
	}
	dec, err := jsonmap.New(nil)
	if err != nil {
		t.Fatalf("构造 Decoder 失败: %v", err)
	}
	return Components{
		Reader: fsreader.New(nil),
		Formats: map[string]contract.Format{
			"json": jsonfmt.New(nil),
			"yaml": yamlfmt.New(),
		},
		PromptBuilder: pb,
		LLM:           llm,
		Decoder:       dec,
		Writer:        fswriter.New(nil),
	}
}

func newMock(t *testing.T, raw string) *mock.Client {
	t.Helper()
	c, err := mock.New([]byte(raw))
	if err != nil {
		t.Fatalf("构造 mock 失败: %v", err)
	}
	return c.(*mock.Client)
}

func baseSettings(inputs ...string) Settings {
	return Settings{
		Inputs:      inputs,
		SourceLang:  "English",
		TargetLang:  "Chinese",
		Variant:     engine.Auto,
		Concurrency: 1,
		MaxTokens:   4000,
		MaxRetries:  1,
		RetryDelay:  time.Millisecond,
		Stdout:      &bytes.Buffer{},
	}
}

func writeFile(t *testing.T, p, s string) {
	t.Helper()
	if err := os.WriteFile(p, []byte(s), 0o644); err != nil {
		t.Fatalf("写入 %s 失败: %v", p, err)
	}
}

func readDoc(t *testing.T, p string) *contract.Document {
	t.Helper()
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("读取 %s 失败: %v", p, err)
	}
	doc, err := jsonfmt.New(nil).Parse(b)
	if err != nil {
		t.Fatalf("解析 %s 失败: %v", p, err)
	}
	return doc
}

func text(t *testing.T, doc *contract.Document, key string) string {
	t.Helper()
	n, ok := doc.Get(key)
	if !ok || n.IsTree() {
		t.Fatalf("缺少文本键 %q: keys=%v", key, doc.Keys())
	}
	return n.Text
}

// 用例 --------------------------------------------------------

func TestRun_FirstRunThenIncremental(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "en.json")
	writeFile(t, src, "{\n  \"greeting\": \"Hello\",\n  \"farewell\": \"Bye\"\n}\n")
	llm := newMock(t, "")
	comp := newComponents(t, llm)

	sums, err := Run(context.Background(), comp, baseSettings(src), nil)
	if err != nil {
		t.Fatalf("首次运行失败: %v", err)
	}
	if len(sums) != 1 || !sums[0].Written || sums[0].Pending != 2 || sums[0].Chunks != 1 {
		t.Fatalf("首次运行摘要异常: %+v", sums)
	}
	out := filepath.Join(dir, "en.Chinese.json")
	if sums[0].Output != out {
		t.Fatalf("输出路径期望 %s, 得到 %s", out, sums[0].Output)
	}
	doc := readDoc(t, out)
	if got := strings.Join(doc.Keys(), ","); got != "greeting,farewell" {
		t.Fatalf("键顺序异常: %s", got)
	}
	if text(t, doc, "greeting") != "MOCK: Hello" {
		t.Fatalf("译文异常: %q", text(t, doc, "greeting"))
	}
	if llm.Calls() != 1 {
		t.Fatalf("首次运行应调用 LLM 1 次, 实际 %d", llm.Calls())
	}

	sums, err = Run(context.Background(), comp, baseSettings(src), nil)
	if err != nil {
		t.Fatalf("二次运行失败: %v", err)
	}
	if !sums[0].Unchanged || sums[0].Written || sums[0].Pending != 0 {
		t.Fatalf("二次运行应无变化: %+v", sums[0])
	}
	if llm.Calls() != 1 {
		t.Fatalf("二次运行不应调用 LLM, 累计 %d", llm.Calls())
	}
}

func TestRun_AddedAndRemovedKeys(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "en.json")
	writeFile(t, src, `{"a": "A", "b": "B", "c": "C"}`)
	writeFile(t, filepath.Join(dir, "en.Chinese.json"), `{"c": "丙", "old": "旧", "a": "甲"}`)
	llm := newMock(t, "")

	sums, err := Run(context.Background(), newComponents(t, llm), baseSettings(src), nil)
	if err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	if sums[0].Retained != 2 || sums[0].Pending != 1 {
		t.Fatalf("计划异常: %+v", sums[0])
	}
	doc := readDoc(t, filepath.Join(dir, "en.Chinese.json"))
	if got := strings.Join(doc.Keys(), ","); got != "a,b,c" {
		t.Fatalf("应按源顺序输出且删除多余键, 得到 %s", got)
	}
	if text(t, doc, "a") != "甲" || text(t, doc, "c") != "丙" || text(t, doc, "b") != "MOCK: B" {
		t.Fatalf("合并结果异常: a=%q b=%q c=%q", text(t, doc, "a"), text(t, doc, "b"), text(t, doc, "c"))
	}
}

func TestRun_RemovedKeyOnlyRewritesWithoutLLM(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "en.json")
	writeFile(t, src, `{"a": "A"}`)
	writeFile(t, filepath.Join(dir, "en.Chinese.json"), `{"a": "甲", "gone": "x"}`)
	llm := newMock(t, "")

	sums, err := Run(context.Background(), newComponents(t, llm), baseSettings(src), nil)
	if err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	if !sums[0].Written || sums[0].Chunks != 0 || llm.Calls() != 0 {
		t.Fatalf("仅删除键时应直接重写: %+v calls=%d", sums[0], llm.Calls())
	}
	doc := readDoc(t, filepath.Join(dir, "en.Chinese.json"))
	if doc.Len() != 1 || text(t, doc, "a") != "甲" {
		t.Fatalf("结果异常: %v", doc.Keys())
	}
}

func TestRun_TreeDocument(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "en.json")
	writeFile(t, src, `{"menu": {"open": "Open", "close": "Close"}, "title": "T"}`)
	writeFile(t, filepath.Join(dir, "en.Chinese.json"), `{"menu": {"open": "打开"}, "title": "标题"}`)
	llm := newMock(t, "")

	sums, err := Run(context.Background(), newComponents(t, llm), baseSettings(src), nil)
	if err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	if sums[0].Variant != engine.Tree || sums[0].Pending != 1 {
		t.Fatalf("摘要异常: %+v", sums[0])
	}
	doc := readDoc(t, filepath.Join(dir, "en.Chinese.json"))
	menu, ok := doc.Get("menu")
	if !ok || !menu.IsTree() {
		t.Fatalf("menu 应为子文档")
	}
	if got := strings.Join(menu.Child.Keys(), ","); got != "open,close" {
		t.Fatalf("子文档键顺序异常: %s", got)
	}
	if text(t, menu.Child, "open") != "打开" || text(t, menu.Child, "close") != "MOCK: Close" {
		t.Fatalf("子文档合并异常")
	}
	if text(t, doc, "title") != "标题" {
		t.Fatalf("title 应保留旧译文")
	}
}

// 数字、布尔、null、数字键对象与空数组不发给 LLM，输出与源文件同形。
func TestRun_KeepsNonTextValues(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "en.json")
	writeFile(t, src, "{\n  \"count\": 3,\n  \"enabled\": true,\n  \"none\": null,\n  \"plural\": {\n    \"0\": \"none\",\n    \"1\": \"one\"\n  },\n  \"tags\": [\n    \"a\",\n    7\n  ],\n  \"empty\": []\n}\n")
	llm := newMock(t, "")
	comp := newComponents(t, llm)

	if _, err := Run(context.Background(), comp, baseSettings(src), nil); err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	out := filepath.Join(dir, "en.Chinese.json")
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("读取输出失败: %v", err)
	}
	want := "{\n  \"count\": 3,\n  \"enabled\": true,\n  \"none\": null,\n  \"plural\": {\n    \"0\": \"MOCK: none\",\n    \"1\": \"MOCK: one\"\n  },\n  \"tags\": [\n    \"MOCK: a\",\n    7\n  ],\n  \"empty\": []\n}\n"
	if string(got) != want {
		t.Fatalf("输出形状异常:\n%s\n--- 期望 ---\n%s", got, want)
	}

	// 只剩非文本条目待处理时不调用 LLM，且重跑无变化
	writeFile(t, src, strings.Replace(want, "\"empty\": []", "\"empty\": [],\n  \"ratio\": 0.5", 1))
	calls := llm.Calls()
	sums, err := Run(context.Background(), comp, baseSettings(src), nil)
	if err != nil {
		t.Fatalf("二次运行失败: %v", err)
	}
	if llm.Calls() != calls || sums[0].Chunks != 0 {
		t.Fatalf("非文本条目不应触发翻译: %+v calls=%d", sums[0], llm.Calls()-calls)
	}
	got, _ = os.ReadFile(out)
	if !strings.Contains(string(got), "\"ratio\": 0.5\n}") {
		t.Fatalf("新增数字未原样写入:\n%s", got)
	}
}

func TestRun_ForceIgnoresPrevious(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "en.json")
	writeFile(t, src, `{"a": "A"}`)
	writeFile(t, filepath.Join(dir, "en.Chinese.json"), `{"a": "旧"}`)
	set := baseSettings(src)
	set.Force = true

	if _, err := Run(context.Background(), newComponents(t, newMock(t, "")), set, nil); err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	if got := text(t, readDoc(t, filepath.Join(dir, "en.Chinese.json")), "a"); got != "MOCK: A" {
		t.Fatalf("force 应重译, 得到 %q", got)
	}
}

func TestRun_ChunksKeepSourceOrderUnderConcurrency(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "en.json")
	var sb strings.Builder
	sb.WriteString("{")
	keys := make([]string, 0, 40)
	for i := 0; i < 40; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		k := "key_" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		keys = append(keys, k)
		sb.WriteString(`"` + k + `": "some text to translate here"`)
	}
	sb.WriteString("}")
	writeFile(t, src, sb.String())

	llm := newMock(t, "")
	comp := newComponents(t, llm)
	set := baseSettings(src)
	set.Concurrency = 4
	// 固定开销之外约容纳几条记录，迫使切成多块
	set.MaxTokens = comp.PromptBuilder.EstimateOverheadTokens(func(s string) int { return (len(s) + 3) / 4 }) + 60

	sums, err := Run(context.Background(), comp, set, nil)
	if err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	if sums[0].Chunks < 2 {
		t.Fatalf("应切成多块, 得到 %d", sums[0].Chunks)
	}
	if int(llm.Calls()) != sums[0].Chunks {
		t.Fatalf("每块一次调用: calls=%d chunks=%d", llm.Calls(), sums[0].Chunks)
	}
	doc := readDoc(t, filepath.Join(dir, "en.Chinese.json"))
	if got, want := strings.Join(doc.Keys(), ","), strings.Join(keys, ","); got != want {
		t.Fatalf("键顺序异常:\n got=%s\nwant=%s", got, want)
	}
}

func TestRun_MemoAvoidsLLM(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "en.json")
	writeFile(t, src, `{"a": "A", "b": "B"}`)
	store, err := memo.Open(filepath.Join(dir, "memo", "memo.db"))
	if err != nil {
		t.Fatalf("打开 memo 失败: %v", err)
	}
	defer store.Close()

	llm := newMock(t, "")
	comp := newComponents(t, llm)
	comp.Memo = store
	set := baseSettings(src)
	set.Force = true

	if _, err := Run(context.Background(), comp, set, nil); err != nil {
		t.Fatalf("首次运行失败: %v", err)
	}
	sums, err := Run(context.Background(), comp, set, nil)
	if err != nil {
		t.Fatalf("二次运行失败: %v", err)
	}
	if llm.Calls() != 1 {
		t.Fatalf("命中 memo 时不应调用 LLM, 累计 %d", llm.Calls())
	}
	if sums[0].MemoHits != 1 || !sums[0].Unchanged {
		t.Fatalf("摘要异常: %+v", sums[0])
	}
	if n, _ := store.Count("English", "Chinese"); n != 1 {
		t.Fatalf("memo 条目数期望 1, 得到 %d", n)
	}
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "en.json")
	writeFile(t, src, `{"a": "A", "b": "B"}`)
	writeFile(t, filepath.Join(dir, "en.Chinese.json"), `{"a": "甲"}`)
	llm := newMock(t, "")
	set := baseSettings(src)
	set.DryRun = true
	var buf bytes.Buffer
	set.Stdout = &buf

	sums, err := Run(context.Background(), newComponents(t, llm), set, nil)
	if err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	if sums[0].Written || llm.Calls() != 0 {
		t.Fatalf("dry-run 不应写出或调用 LLM: %+v calls=%d", sums[0], llm.Calls())
	}
	b, _ := os.ReadFile(filepath.Join(dir, "en.Chinese.json"))
	if string(b) != `{"a": "甲"}` {
		t.Fatalf("dry-run 修改了目标文件: %s", b)
	}
	out := buf.String()
	if !strings.Contains(out, "pending=1") || !strings.Contains(out, `"b": "B"`) || !strings.Contains(out, "\n+") {
		t.Fatalf("dry-run 报告异常:\n%s", out)
	}
}

func TestRun_KeyMismatchFailsWithoutWriting(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "en.json")
	writeFile(t, src, `{"a": "A", "b": "B"}`)
	llm := newMock(t, `{"response_mode":"drop_last"}`)

	_, err := Run(context.Background(), newComponents(t, llm), baseSettings(src), nil)
	if !errors.Is(err, contract.ErrKeyReconstructionMismatch) {
		t.Fatalf("期望 ErrKeyReconstructionMismatch, 得到 %v", err)
	}
	if llm.Calls() != 2 {
		t.Fatalf("键不一致应重试一次, calls=%d", llm.Calls())
	}
	if _, err := os.Stat(filepath.Join(dir, "en.Chinese.json")); !os.IsNotExist(err) {
		t.Fatalf("失败时不应写出目标文件: %v", err)
	}
}

func TestRun_RetriesFlakyClient(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "en.json")
	writeFile(t, src, `{"a": "A"}`)
	llm, err := flaky.New(nil)
	if err != nil {
		t.Fatalf("构造 flaky 失败: %v", err)
	}
	set := baseSettings(src)

	set.MaxRetries = 1
	if _, err := Run(context.Background(), newComponents(t, llm), set, nil); !errors.Is(err, contract.ErrResponseInvalid) {
		t.Fatalf("重试次数不足时期望 ErrResponseInvalid, 得到 %v", err)
	}

	llm, _ = flaky.New(nil)
	set.MaxRetries = 2
	if _, err := Run(context.Background(), newComponents(t, llm), set, nil); err != nil {
		t.Fatalf("重试后应成功: %v", err)
	}
	if got := text(t, readDoc(t, filepath.Join(dir, "en.Chinese.json")), "a"); got != "FLAKY: A" {
		t.Fatalf("译文异常: %q", got)
	}
}

func TestRun_ResolvesLanguageCodes(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "en.yaml")
	writeFile(t, src, "a: A\n")
	llm := newMock(t, "")
	set := baseSettings(src)
	set.SourceLang = "auto"
	set.TargetLang = "zh"

	sums, err := Run(context.Background(), newComponents(t, llm), set, nil)
	if err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	if want := filepath.Join(dir, "en.zh.yaml"); sums[0].Output != want || sums[0].Format != "yaml" {
		t.Fatalf("输出异常: %+v", sums[0])
	}
	// 一次语言名解析 + 一次块翻译
	if llm.Calls() != 2 {
		t.Fatalf("calls 期望 2, 得到 %d", llm.Calls())
	}
}

func TestRun_BudgetTooSmall(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "en.json")
	writeFile(t, src, `{"a": "A"}`)
	set := baseSettings(src)
	set.MaxTokens = 5
	if _, err := Run(context.Background(), newComponents(t, newMock(t, "")), set, nil); !errors.Is(err, contract.ErrBudgetExceeded) {
		t.Fatalf("期望 ErrBudgetExceeded, 得到 %v", err)
	}
}

func TestRun_GatePerRequestCap(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "en.json")
	writeFile(t, src, `{"a": "A"}`)
	set := baseSettings(src)
	set.Gate = rate.NewGate(map[rate.LimitKey]rate.Limits{"k": {MaxTokensPerReq: 1}}, nil)
	set.GateKey = "k"
	llm := newMock(t, "")
	if _, err := Run(context.Background(), newComponents(t, llm), set, nil); !errors.Is(err, contract.ErrBudgetExceeded) {
		t.Fatalf("期望 ErrBudgetExceeded, 得到 %v", err)
	}
	if llm.Calls() != 0 {
		t.Fatalf("被闸门拒绝时不应调用 LLM")
	}
}

func TestRun_OutputCollision(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.json")
	b := filepath.Join(dir, "b.json")
	writeFile(t, a, `{"x": "X"}`)
	writeFile(t, b, `{"y": "Y"}`)
	set := baseSettings(a, b)
	set.Output = filepath.Join(dir, "out.json")
	if _, err := Run(context.Background(), newComponents(t, newMock(t, "")), set, nil); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("期望 ErrInvalidInput, 得到 %v", err)
	}
}

func TestRun_UnknownFormat(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "notes.txt")
	writeFile(t, src, "hi")
	if _, err := Run(context.Background(), newComponents(t, newMock(t, "")), baseSettings(src), nil); !errors.Is(err, contract.ErrUnknownFormat) {
		t.Fatalf("期望 ErrUnknownFormat, 得到 %v", err)
	}
}

func TestRun_LogsEvents(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "en.json")
	writeFile(t, src, `{"a": "A"}`)
	var logBuf bytes.Buffer
	logger := diag.NewWriterLogger("test", "info", &logBuf)
	var term bytes.Buffer
	comp := newComponents(t, newMock(t, ""))
	comp.Terminal = diag.NewTerminal(&term, true)

	if _, err := Run(context.Background(), comp, baseSettings(src), logger); err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	for _, want := range []string{`"comp":"llm_client"`, `"comp":"writer"`, `"msg":"plan"`} {
		if !strings.Contains(logBuf.String(), want) {
			t.Fatalf("日志缺少 %s:\n%s", want, logBuf.String())
		}
	}
	if !strings.Contains(term.String(), "[done]") {
		t.Fatalf("终端提示缺少 [done]:\n%s", term.String())
	}
}

func TestSanity(t *testing.T) {
	set := Settings{TargetLang: "Chinese"}
	if err := sanity(Components{}, &set); err == nil {
		t.Fatalf("缺少组件应报错")
	}
	comp := newComponents(t, newMock(t, ""))
	if err := sanity(comp, &set); err != nil {
		t.Fatalf("sanity 失败: %v", err)
	}
	if set.Concurrency != 1 || set.RetryDelay != 200*time.Millisecond {
		t.Fatalf("默认值未补齐: %+v", set)
	}
	set.TargetLang = ""
	if err := sanity(comp, &set); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("空目标语言应报 ErrInvalidInput, 得到 %v", err)
	}
}

func TestOutputPath(t *testing.T) {
	cases := []struct {
		name, tmpl, fid, lang, want string
		err                          error
	}{
		{"默认模板", "", "docs/en.json", "zh", filepath.FromSlash("docs/en.zh.json"), nil},
		{"自定义模板", "out/{{.Lang}}/{{.Base}}", "docs/en.json", "fr", filepath.FromSlash("out/fr/en.json"), nil},
		{"字面路径", "dist/app.json", "docs/en.json", "fr", filepath.FromSlash("dist/app.json"), nil},
		{"覆盖源文件", "{{.Dir}}/{{.Base}}", "docs/en.json", "fr", "", contract.ErrPathInvalid},
		{"未知字段", "{{.Nope}}", "docs/en.json", "fr", "", contract.ErrInvalidInput},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := OutputPath(c.tmpl, contract.FileID(c.fid), c.lang)
			if c.err != nil {
				if !errors.Is(err, c.err) {
					t.Fatalf("期望 %v, 得到 %v", c.err, err)
				}
				return
			}
			if err != nil || got != c.want {
				t.Fatalf("期望 %s, 得到 %s (%v)", c.want, got, err)
			}
		})
	}
}

func TestCleanLanguageName(t *testing.T) {
	cases := map[string]string{
		"Chinese":            "Chinese",
		"  Japanese.\n":      "Japanese",
		"\n\"French\"\nmore": "French",
	}
	for in, want := range cases {
		got, err := cleanLanguageName(in)
		if err != nil || got != want {
			t.Fatalf("%q: 期望 %q, 得到 %q (%v)", in, want, got, err)
		}
	}
	if _, err := cleanLanguageName(" \n "); !errors.Is(err, contract.ErrResponseInvalid) {
		t.Fatalf("空回复应为 ErrResponseInvalid, 得到 %v", err)
	}
}
