// Package htmlfmt 基于 golang.org/x/net/html 提取 HTML 中的可翻译文本。
// 文本节点键为 t_<i>，可翻译属性键为 a_<i>（按文档顺序编号）；序列化时重新解析源文本作为骨架回填。
package htmlfmt

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"llmkvt/pkg/contract"
)

// Options: HTML 格式选项。
type Options struct {
	// SkipTags: 其内文本不翻译的元素（默认 script/style/code/pre/textarea/noscript）。
	SkipTags []string `json:"skip_tags"`
	// Attributes: 需要翻译的属性名（默认 alt/title/placeholder/aria-label）。
	Attributes []string `json:"attributes"`
}

// Format 实现 contract.Format。
type Format struct {
	skip  map[string]struct{}
	attrs map[string]struct{}
}

// New 创建 HTML 格式适配器。
func New(opts *Options) *Format {
	skip := []string{"script", "style", "code", "pre", "textarea", "noscript"}
	attrs := []string{"alt", "title", "placeholder", "aria-label"}
	if opts != nil && opts.SkipTags != nil {
		skip = opts.SkipTags
	}
	if opts != nil && opts.Attributes != nil {
		attrs = opts.Attributes
	}
	return &Format{skip: toSet(skip), attrs: toSet(attrs)}
}

func toSet(xs []string) map[string]struct{} {
	m := make(map[string]struct{}, len(xs))
	for _, x := range xs {
		m[strings.ToLower(strings.TrimSpace(x))] = struct{}{}
	}
	return m
}

// slot: 一个可翻译位置（文本节点或某个属性）。
type slot struct {
	key  string
	node *html.Node
	attr int // -1 表示文本节点
}

func (s slot) get() string {
	if s.attr < 0 {
		return s.node.Data
	}
	return s.node.Attr[s.attr].Val
}

func (s slot) set(v string) {
	if s.attr < 0 {
		s.node.Data = v
		return
	}
	s.node.Attr[s.attr].Val = v
}

// parseTree 返回根节点序列：完整文档为单个 Document 节点，片段为 body 下的节点列表。
func parseTree(src []byte) ([]*html.Node, error) {
	lower := bytes.ToLower(src)
	if bytes.Contains(lower, []byte("<html")) || bytes.Contains(lower, []byte("<!doctype")) {
		root, err := html.Parse(bytes.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("html: %w: %v", contract.ErrMalformedDocument, err)
		}
		return []*html.Node{root}, nil
	}
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(bytes.NewReader(src), body)
	if err != nil {
		return nil, fmt.Errorf("html: %w: %v", contract.ErrMalformedDocument, err)
	}
	return nodes, nil
}

// slots 以先序遍历收集可翻译位置，编号只依赖源结构。
func (f *Format) slots(roots []*html.Node) []slot {
	var out []slot
	texts, attrs := 0, 0
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			if _, ok := f.skip[n.Data]; ok {
				return
			}
			for i, a := range n.Attr {
				if _, ok := f.attrs[a.Key]; ok && strings.TrimSpace(a.Val) != "" {
					out = append(out, slot{key: "a_" + strconv.Itoa(attrs), node: n, attr: i})
					attrs++
				}
			}
		case html.TextNode:
			if strings.TrimSpace(n.Data) != "" {
				out = append(out, slot{key: "t_" + strconv.Itoa(texts), node: n, attr: -1})
				texts++
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, r := range roots {
		walk(r)
	}
	return out
}

// Parse 输出扁平文档；值去掉首尾空白，回填时恢复。
func (f *Format) Parse(src []byte) (*contract.Document, error) {
	if len(bytes.TrimSpace(src)) == 0 {
		return contract.NewDocument(0), nil
	}
	roots, err := parseTree(src)
	if err != nil {
		return nil, err
	}
	ss := f.slots(roots)
	doc := contract.NewDocument(len(ss))
	for _, s := range ss {
		doc.SetText(s.key, strings.TrimSpace(s.get()))
	}
	return doc, nil
}

// Serialize 以 Source 为骨架回填译文并重新渲染；缺失的键保留原文。
func (f *Format) Serialize(doc *contract.Document, opt contract.SerializeOptions) ([]byte, error) {
	if doc == nil {
		return nil, fmt.Errorf("html: %w: nil document", contract.ErrMalformedDocument)
	}
	if len(bytes.TrimSpace(opt.Source)) == 0 {
		return nil, fmt.Errorf("html: %w: source skeleton required", contract.ErrInvalidInput)
	}
	roots, err := parseTree(opt.Source)
	if err != nil {
		return nil, err
	}
	for _, s := range f.slots(roots) {
		n, ok := doc.Get(s.key)
		if !ok || n.IsTree() {
			continue
		}
		orig := s.get()
		lead := orig[:len(orig)-len(strings.TrimLeft(orig, " \t\r\n"))]
		trail := orig[len(strings.TrimRight(orig, " \t\r\n")):]
		s.set(lead + n.Text + trail)
	}
	var buf bytes.Buffer
	for _, r := range roots {
		if err := html.Render(&buf, r); err != nil {
			return nil, fmt.Errorf("html: render: %w", err)
		}
	}
	if !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

var _ contract.Format = (*Format)(nil)
