// Package mock 提供离线 LLM 实现：把待译文档按原结构回显为 JSON，文本加前缀。
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"llmkvt/pkg/contract"
	"llmkvt/plugins/format/jsonfmt"
)

// Options: 调试配置（均可选）。
type Options struct {
	Prefix string `json:"prefix"` // 译文前缀，默认 "MOCK"
	// APIKey: 仅用于限流分组，不参与网络请求。
	APIKey string `json:"api_key"`
	// ResponseMode:
	//   - "" / "echo": 严格 JSON 对象，键与嵌套同输入；
	//   - "fenced": 同 echo，但包在 ```json 代码块里；
	//   - "drop_last": 丢弃最后一个键（用于校验路径）。
	ResponseMode string `json:"response_mode,omitempty"`
	// Languages: 自由文本请求（如语言名探测）的应答表，键为小写语言代码。
	Languages map[string]string `json:"languages,omitempty"`
}

var defaultLanguages = map[string]string{
	"en": "English",
	"zh": "Chinese",
	"ja": "Japanese",
	"ko": "Korean",
	"fr": "French",
	"de": "German",
	"es": "Spanish",
}

type Client struct {
	prefix string
	mode   string
	langs  map[string]string
	calls  atomic.Int64
}

func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("mock options: %w", err)
		}
	}
	if o.Prefix == "" {
		o.Prefix = "MOCK"
	}
	mode := strings.TrimSpace(o.ResponseMode)
	switch mode {
	case "":
		mode = "echo"
	case "echo", "fenced", "drop_last":
	default:
		return nil, fmt.Errorf("mock: %w: unknown response_mode %q", contract.ErrInvalidInput, mode)
	}
	langs := make(map[string]string, len(defaultLanguages)+len(o.Languages))
	for k, v := range defaultLanguages {
		langs[k] = v
	}
	for k, v := range o.Languages {
		langs[strings.ToLower(k)] = v
	}
	return &Client{prefix: o.Prefix, mode: mode, langs: langs}, nil
}

// Calls 返回累计 Invoke 次数。
func (c *Client) Calls() int64 { return c.calls.Load() }

func (c *Client) Invoke(ctx context.Context, b contract.Batch, p contract.Prompt) (contract.Raw, error) {
	if err := ctx.Err(); err != nil {
		return contract.Raw{}, err
	}
	c.calls.Add(1)
	if b.Entries == nil {
		return contract.Raw{Text: c.answer(p)}, nil
	}
	out := Echo(b.Entries, c.prefix)
	if c.mode == "drop_last" && out.Len() > 0 {
		keys := out.Keys()
		trimmed := contract.NewDocument(len(keys) - 1)
		for _, k := range keys[:len(keys)-1] {
			n, _ := out.Get(k)
			trimmed.Set(k, n)
		}
		out = trimmed
	}
	text, err := Encode(out)
	if err != nil {
		return contract.Raw{}, err
	}
	if c.mode == "fenced" {
		text = "```json\n" + text + "\n```"
	}
	return contract.Raw{Text: text}, nil
}

// answer: 取最后一条 user 消息，按语言表应答，查不到则原样返回。
func (c *Client) answer(p contract.Prompt) string {
	var q string
	switch v := p.(type) {
	case contract.TextPrompt:
		q = string(v)
	case contract.ChatPrompt:
		for i := len(v) - 1; i >= 0; i-- {
			if v[i].Role == "user" {
				q = v[i].Content
				break
			}
		}
	}
	q = strings.TrimSpace(q)
	if name, ok := c.langs[strings.ToLower(q)]; ok {
		return name
	}
	return q
}

// Echo 复制 doc 的结构，每个文本叶子变为 "prefix: 原文"；空叶子保持为空。
func Echo(doc *contract.Document, prefix string) *contract.Document {
	out := contract.NewDocument(doc.Len())
	doc.Range(func(k string, n contract.Node) bool {
		switch {
		case n.IsTree():
			out.Set(k, contract.TreeNode(Echo(n.Child, prefix)))
		case n.Text == "":
			out.SetText(k, "")
		default:
			out.SetText(k, prefix+": "+n.Text)
		}
		return true
	})
	return out
}

// Encode 以紧凑缩进输出 JSON 对象文本（无末尾换行）。
func Encode(doc *contract.Document) (string, error) {
	nl := false
	b, err := jsonfmt.New(&jsonfmt.Options{TrailingNewline: &nl}).Serialize(doc, contract.SerializeOptions{Indent: 2})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var _ contract.LLMClient = (*Client)(nil)
