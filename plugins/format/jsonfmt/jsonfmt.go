// Package jsonfmt 为 JSON 文档提供保序的 Parse/Serialize。
package jsonfmt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"llmkvt/pkg/contract"
	"llmkvt/pkg/engine"
)

// Options: JSON 格式选项。
type Options struct {
	// TrailingNewline: 输出末尾追加换行（默认 true）。
	TrailingNewline *bool `json:"trailing_newline"`
}

// Format 实现 contract.Format。
type Format struct {
	newline bool
}

// New 创建 JSON 格式适配器。
func New(opts *Options) *Format {
	f := &Format{newline: true}
	if opts != nil && opts.TrailingNewline != nil {
		f.newline = *opts.TrailingNewline
	}
	return f
}

// Parse 以 token 流解析，保留对象键顺序。
// 数组转为键 "0".."n-1" 并带序列标记的文档；数字/布尔/null 记录种类与原字面量。
func (f *Format) Parse(src []byte) (*contract.Document, error) {
	if len(bytes.TrimSpace(src)) == 0 {
		return contract.NewDocument(0), nil
	}
	dec := json.NewDecoder(bytes.NewReader(src))
	dec.UseNumber()
	n, err := readNode(dec)
	if err != nil {
		return nil, err
	}
	if !n.IsTree() {
		return nil, fmt.Errorf("json: %w: top-level value is not an object or array", contract.ErrMalformedDocument)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("json: %w: trailing data after top-level value", contract.ErrMalformedDocument)
	}
	return n.Child, nil
}

func readNode(dec *json.Decoder) (contract.Node, error) {
	tok, err := dec.Token()
	if err != nil {
		return contract.Node{}, fmt.Errorf("json: %w: %v", contract.ErrMalformedDocument, err)
	}
	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			return readObject(dec)
		case '[':
			return readArray(dec)
		}
		return contract.Node{}, fmt.Errorf("json: %w: unexpected %q", contract.ErrMalformedDocument, v)
	case string:
		return contract.TextNode(v), nil
	case json.Number:
		return contract.ScalarNode(v.String(), contract.ScalarNumber), nil
	case bool:
		return contract.ScalarNode(strconv.FormatBool(v), contract.ScalarBool), nil
	case nil:
		return contract.ScalarNode("null", contract.ScalarNull), nil
	}
	return contract.Node{}, fmt.Errorf("json: %w: unexpected token %v", contract.ErrMalformedDocument, tok)
}

func readObject(dec *json.Decoder) (contract.Node, error) {
	doc := contract.NewDocument(0)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return contract.Node{}, fmt.Errorf("json: %w: %v", contract.ErrMalformedDocument, err)
		}
		key, ok := tok.(string)
		if !ok {
			return contract.Node{}, fmt.Errorf("json: %w: object key %v", contract.ErrMalformedDocument, tok)
		}
		val, err := readNode(dec)
		if err != nil {
			return contract.Node{}, err
		}
		doc.Set(key, val)
	}
	if _, err := dec.Token(); err != nil { // '}'
		return contract.Node{}, fmt.Errorf("json: %w: %v", contract.ErrMalformedDocument, err)
	}
	return contract.TreeNode(doc), nil
}

func readArray(dec *json.Decoder) (contract.Node, error) {
	doc := contract.NewDocument(0)
	doc.SetSequence(true)
	for i := 0; dec.More(); i++ {
		val, err := readNode(dec)
		if err != nil {
			return contract.Node{}, err
		}
		doc.Set(strconv.Itoa(i), val)
	}
	if _, err := dec.Token(); err != nil { // ']'
		return contract.Node{}, fmt.Errorf("json: %w: %v", contract.ErrMalformedDocument, err)
	}
	return contract.TreeNode(doc), nil
}

// Serialize 输出缩进 JSON：键顺序即文档顺序；带序列标记的子文档输出为数组，
// 非字符串标量按原字面量输出。
// Indent<=0 时从 Source 探测，探测不到用 4 个空格。
func (f *Format) Serialize(doc *contract.Document, opt contract.SerializeOptions) ([]byte, error) {
	if doc == nil {
		return nil, fmt.Errorf("json: %w: nil document", contract.ErrMalformedDocument)
	}
	unit := strings.Repeat(" ", opt.Indent)
	if opt.Indent <= 0 {
		unit = DetectIndent(opt.Source)
	}
	var buf bytes.Buffer
	writeDoc(&buf, doc, unit, 0)
	if f.newline {
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func writeDoc(buf *bytes.Buffer, doc *contract.Document, unit string, depth int) {
	seq := doc.Sequence()
	lb, rb := "{", "}"
	if seq {
		lb, rb = "[", "]"
	}
	if doc.Len() == 0 {
		buf.WriteString(lb + rb)
		return
	}
	buf.WriteString(lb)
	i, last := 0, doc.Len()-1
	doc.Range(func(k string, n contract.Node) bool {
		buf.WriteByte('\n')
		buf.WriteString(strings.Repeat(unit, depth+1))
		if !seq {
			buf.WriteString(engine.QuoteJSON(k))
			buf.WriteString(": ")
		}
		if n.IsTree() {
			writeDoc(buf, n.Child, unit, depth+1)
		} else {
			writeScalar(buf, n)
		}
		if i < last {
			buf.WriteByte(',')
		}
		i++
		return true
	})
	buf.WriteByte('\n')
	buf.WriteString(strings.Repeat(unit, depth))
	buf.WriteString(rb)
}

func writeScalar(buf *bytes.Buffer, n contract.Node) {
	switch n.Scalar {
	case contract.ScalarNull:
		buf.WriteString("null")
	case contract.ScalarNumber, contract.ScalarBool:
		// 字面量来自其他格式时可能不是合法 JSON，退回字符串
		if json.Valid([]byte(n.Text)) {
			buf.WriteString(n.Text)
			return
		}
		buf.WriteString(engine.QuoteJSON(n.Text))
	default:
		buf.WriteString(engine.QuoteJSON(n.Text))
	}
}

// DetectIndent 返回 src 中第一处缩进行的缩进单位（制表符或若干空格），否则 4 个空格。
func DetectIndent(src []byte) string {
	for _, line := range strings.Split(string(src), "\n") {
		trimmed := strings.TrimLeft(line, " \t")
		if trimmed == "" || len(trimmed) == len(line) {
			continue
		}
		if line[0] == '\t' {
			return "\t"
		}
		return line[:len(line)-len(strings.TrimLeft(line, " "))]
	}
	return "    "
}

var _ contract.Format = (*Format)(nil)
