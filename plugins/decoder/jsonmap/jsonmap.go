// Package jsonmap 把 LLM 回复解码为与已发送块同形的文档。
package jsonmap

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"llmkvt/pkg/contract"
	"llmkvt/pkg/engine"
	"llmkvt/plugins/format/jsonfmt"
)

// Options 解码选项。
type Options struct {
	// Delimiter: 回复把嵌套块压平成路径键时用于还原；默认 "|"。
	Delimiter string `json:"delimiter"`
	// RejectEcho: 所有非空叶子都与原文一致时视为回显并报错。
	RejectEcho bool `json:"reject_echo"`
}

type decoder struct {
	delim      string
	rejectEcho bool
	parser     *jsonfmt.Format
}

// New 从原样 JSON 选项创建解码器。
func New(raw json.RawMessage) (contract.Decoder, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("jsonmap options: %w", err)
		}
	}
	if o.Delimiter == "" {
		o.Delimiter = engine.DefaultDelimiter
	}
	return &decoder{delim: o.Delimiter, rejectEcho: o.RejectEcho, parser: jsonfmt.New(nil)}, nil
}

// Decode: 剥离代码块围栏，截取最外层对象并解析，随后校验键集与形状与 b.Entries 一致。
func (d *decoder) Decode(ctx context.Context, b contract.Batch, raw contract.Raw) (*contract.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.Entries == nil {
		return nil, fmt.Errorf("jsonmap: %w: nil entries", contract.ErrInvalidInput)
	}
	body, ok := ExtractJSON(raw.Text)
	if !ok {
		return nil, fmt.Errorf("jsonmap: no json in reply: %w", contract.ErrResponseInvalid)
	}
	got, err := d.parser.Parse([]byte(body))
	if err != nil {
		return nil, fmt.Errorf("jsonmap: %v: %w", err, contract.ErrResponseInvalid)
	}
	if hasTree(b.Entries) && !hasTree(got) && hasDelimited(got, d.delim) {
		if un, err := engine.Unflatten(got, d.delim); err == nil {
			got = un
		}
	}
	if err := engine.CheckChunk(b.Entries, got); err != nil {
		return nil, err
	}
	if d.rejectEcho && echoed(b.Entries, got) {
		return nil, fmt.Errorf("jsonmap: echoed original detected: %w", contract.ErrResponseInvalid)
	}
	return got, nil
}

// ExtractJSON 去掉 ``` 围栏，返回最外层对象（或数组，键为 0..n-1 的块以数组发送）的文本。
func ExtractJSON(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
	}
	i := strings.IndexAny(s, "{[")
	if i < 0 {
		return "", false
	}
	closer := byte('}')
	if s[i] == '[' {
		closer = ']'
	}
	j := strings.LastIndexByte(s, closer)
	if j < i {
		return "", false
	}
	return s[i : j+1], true
}

func hasTree(doc *contract.Document) bool {
	tree := false
	doc.Range(func(_ string, n contract.Node) bool {
		tree = n.IsTree()
		return !tree
	})
	return tree
}

func hasDelimited(doc *contract.Document, delim string) bool {
	for _, k := range doc.Keys() {
		if strings.Contains(k, delim) {
			return true
		}
	}
	return false
}

// echoed: 至少一个非空叶子，且所有非空叶子去首尾空白后与原文相同。
func echoed(sent, got *contract.Document) bool {
	seen := 0
	same := true
	var walk func(a, b *contract.Document)
	walk = func(a, b *contract.Document) {
		a.Range(func(k string, n contract.Node) bool {
			m, _ := b.Get(k)
			if n.IsTree() {
				walk(n.Child, m.Child)
				return same
			}
			src := strings.TrimSpace(n.Text)
			if src == "" {
				return true
			}
			seen++
			if src != strings.TrimSpace(m.Text) {
				same = false
			}
			return same
		})
	}
	walk(sent, got)
	return seen > 0 && same
}

var _ contract.Decoder = (*decoder)(nil)
