// Package mdfmt 将 Markdown 按块映射为扁平文档：可翻译块键为 p_<块序号>，
// 围栏代码、链接定义与分隔线不进入文档，序列化时从源骨架原样恢复。
package mdfmt

import (
	"fmt"
	"strconv"
	"strings"

	"llmkvt/pkg/contract"
)

const keyPrefix = "p_"

// Format 实现 contract.Format。
type Format struct{}

// New 创建 Markdown 格式适配器。
func New() *Format { return &Format{} }

// Key 返回第 i 个块的键。
func Key(i int) string { return keyPrefix + strconv.Itoa(i) }

// Parse 输出扁平文档；块序号包含不可翻译块，保证键与源位置一一对应。
func (f *Format) Parse(src []byte) (*contract.Document, error) {
	_, blocks := lex(string(src))
	doc := contract.NewDocument(len(blocks))
	for i, b := range blocks {
		if b.verbatim {
			continue
		}
		doc.SetText(Key(i), b.text)
	}
	return doc, nil
}

// Serialize 以 Source 为骨架回填译文：可翻译块取 doc 中同键的值（缺失则保留原文），
// 其余块与空行分隔原样输出。Source 为空时按键顺序以空行拼接。
func (f *Format) Serialize(doc *contract.Document, opt contract.SerializeOptions) ([]byte, error) {
	if doc == nil {
		return nil, fmt.Errorf("markdown: %w: nil document", contract.ErrMalformedDocument)
	}
	var sb strings.Builder
	if len(opt.Source) == 0 {
		var err error
		doc.Range(func(k string, n contract.Node) bool {
			if n.IsTree() {
				err = fmt.Errorf("markdown: %w: nested value at %q", contract.ErrMalformedDocument, k)
				return false
			}
			sb.WriteString(n.Text)
			sb.WriteString("\n\n")
			return true
		})
		if err != nil {
			return nil, err
		}
		return []byte(strings.TrimRight(sb.String(), "\n") + "\n"), nil
	}
	lead, blocks := lex(string(opt.Source))
	sb.WriteString(lead)
	for i, b := range blocks {
		text := b.text
		if !b.verbatim {
			if n, ok := doc.Get(Key(i)); ok && !n.IsTree() {
				text = n.Text
			}
		}
		sb.WriteString(text)
		sb.WriteString(b.sep)
	}
	return []byte(sb.String()), nil
}

var _ contract.Format = (*Format)(nil)
