// Package translate 构造键值文档翻译的 ChatPrompt：system 规则 + user 中的 JSON 块。
package translate

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"text/template"

	"llmkvt/pkg/contract"
	"llmkvt/pkg/engine"
	"llmkvt/plugins/format/jsonfmt"
)

// Options 为翻译 PromptBuilder 的配置。
// InlineSystemTemplate / SystemTemplatePath 二选一，均为空时使用内置模板。
// 模板可引用 {{.Source}}（可能为空）与 {{.Target}}。
type Options struct {
	InlineSystemTemplate string `json:"inline_system_template"`
	SystemTemplatePath   string `json:"system_template_path"`
	// 术语对照表：同样二选一；提供时以 <glossary> 包裹拼接到 system 尾部。
	InlineGlossary string `json:"inline_glossary"`
	GlossaryPath   string `json:"glossary_path"`
	// KeySchema: 追加按块键集生成的 json_schema 消息，供支持结构化输出的客户端使用。
	KeySchema bool `json:"key_schema"`
}

// Builder: 以 Batch.Entries 构造 ChatPrompt。运行期不做 I/O；模板在构造期解析。
type Builder struct {
	sysT      *template.Template
	glos      string
	keySchema bool
	enc       *jsonfmt.Format
}

type sysData struct {
	Source string
	Target string
}

// New 创建翻译 PromptBuilder。
func New(opts *Options) (*Builder, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	src := defaultSystemTemplate
	if o.InlineSystemTemplate != "" {
		src = o.InlineSystemTemplate
	} else if o.SystemTemplatePath != "" {
		b, err := os.ReadFile(o.SystemTemplatePath)
		if err != nil {
			return nil, fmt.Errorf("system template read: %w", err)
		}
		src = string(b)
	}
	tpl, err := template.New("system").Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("system template parse: %v: %w", err, contract.ErrInvalidInput)
	}
	var glos string
	if o.InlineGlossary != "" {
		glos = o.InlineGlossary
	} else if o.GlossaryPath != "" {
		b, err := os.ReadFile(o.GlossaryPath)
		if err != nil {
			return nil, fmt.Errorf("glossary read: %w", err)
		}
		glos = string(b)
	}
	nl := false
	return &Builder{sysT: tpl, glos: glos, keySchema: o.KeySchema, enc: jsonfmt.New(&jsonfmt.Options{TrailingNewline: &nl})}, nil
}

// Build: system（规则 + 背景说明 + 术语表）+ user（块 JSON）[+ json_schema]。
func (b *Builder) Build(ctx context.Context, batch contract.Batch) (contract.Prompt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if batch.Entries == nil || batch.Entries.Len() == 0 {
		return nil, fmt.Errorf("prompt: %w: empty batch entries", contract.ErrInvalidInput)
	}
	if strings.TrimSpace(batch.TargetLang) == "" {
		return nil, fmt.Errorf("prompt: %w: missing target language", contract.ErrInvalidInput)
	}
	sys, err := b.system(sysData{Source: batch.SourceLang, Target: batch.TargetLang}, batch.Guidance)
	if err != nil {
		return nil, err
	}
	body, err := b.enc.Serialize(batch.Entries, contract.SerializeOptions{Indent: 2})
	if err != nil {
		return nil, fmt.Errorf("prompt: encode entries: %w", err)
	}
	msgs := []contract.Message{
		{Role: "system", Content: sys},
		{Role: "user", Content: string(body)},
	}
	if b.keySchema {
		msgs = append(msgs, contract.Message{Role: "json_schema", Content: KeySchema(batch.Entries)})
	}
	return contract.ChatPrompt(msgs), nil
}

// system 渲染模板并依次追加背景说明与术语表。
func (b *Builder) system(d sysData, guidance string) (string, error) {
	var buf bytes.Buffer
	if err := b.sysT.Execute(&buf, d); err != nil {
		return "", fmt.Errorf("system render: %v: %w", err, contract.ErrInvalidInput)
	}
	appendSection(&buf, "background", guidance)
	appendSection(&buf, "glossary", b.glos)
	return buf.String(), nil
}

func appendSection(buf *bytes.Buffer, tag, body string) {
	if strings.TrimSpace(body) == "" {
		return
	}
	buf.WriteString("\n\n<" + tag + ">\n")
	buf.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		buf.WriteByte('\n')
	}
	buf.WriteString("</" + tag + ">")
}

// EstimateOverheadTokens: 固定开销，即语言名为空时的 system、术语表与背景标签。
// 语言名、背景正文与块本身由调用方另计；json_schema 随块变化，不计入。
func (b *Builder) EstimateOverheadTokens(estimate contract.TokenEstimator) int {
	if estimate == nil {
		return 0
	}
	var buf bytes.Buffer
	_ = b.sysT.Execute(&buf, sysData{})
	appendSection(&buf, "glossary", b.glos)
	return estimate(buf.String()) + estimate("\n\n<background>\n\n</background>")
}

// KeySchema 生成要求“键集与嵌套完全一致”的 JSON Schema。
func KeySchema(doc *contract.Document) string {
	var sb strings.Builder
	writeSchema(&sb, doc)
	return sb.String()
}

func writeSchema(sb *strings.Builder, doc *contract.Document) {
	sb.WriteString(`{"type":"object","additionalProperties":false,"properties":{`)
	i := 0
	doc.Range(func(k string, n contract.Node) bool {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(engine.QuoteJSON(k))
		sb.WriteByte(':')
		if n.IsTree() {
			writeSchema(sb, n.Child)
		} else {
			sb.WriteString(`{"type":"string"}`)
		}
		i++
		return true
	})
	sb.WriteString(`},"required":[`)
	for j, k := range doc.Keys() {
		if j > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(engine.QuoteJSON(k))
	}
	sb.WriteString(`]}`)
}

var _ contract.PromptBuilder = (*Builder)(nil)

const defaultSystemTemplate = `You are a helpful assistant that translates {{if .Source}}{{.Source}}{{else}}the source language{{end}} to {{.Target}} in json format.

## Rules
- The user message is a JSON object. Reply with a JSON object that has exactly the same keys and the same nesting.
- Translate only string values. Never translate, rename, add or drop keys.
- An empty object {} stays {}. An empty string stays "".
- Keep placeholders (such as {name}, %s, {{"{{"}}count{{"}}"}}), HTML tags, Markdown syntax and line breaks unchanged.
- If a <glossary> is present, its term mappings take precedence.
- Output strict JSON only: no code fences, no commentary.`
