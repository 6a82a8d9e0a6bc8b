// Package yamlfmt 基于 gopkg.in/yaml.v3 的节点树实现保序的 YAML 文档读写。
package yamlfmt

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"llmkvt/pkg/contract"
)

// Format 实现 contract.Format。
type Format struct{}

// New 创建 YAML 格式适配器。
func New() *Format { return &Format{} }

// Parse 解析首个 YAML 文档；映射保序，序列转为 "0".."n-1" 键并带序列标记，别名展开。
// 非字符串标量（数字、布尔、null、时间戳等）记录种类与原字面量，不参与翻译。
func (f *Format) Parse(src []byte) (*contract.Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(src, &root); err != nil {
		return nil, fmt.Errorf("yaml: %w: %v", contract.ErrMalformedDocument, err)
	}
	n := &root
	if n.Kind == yaml.DocumentNode {
		if len(n.Content) == 0 {
			return contract.NewDocument(0), nil
		}
		n = n.Content[0]
	}
	if n.Kind == 0 {
		return contract.NewDocument(0), nil
	}
	node, err := fromNode(n, 0)
	if err != nil {
		return nil, err
	}
	if !node.IsTree() {
		return nil, fmt.Errorf("yaml: %w: top-level value is not a mapping or sequence", contract.ErrMalformedDocument)
	}
	return node.Child, nil
}

// 别名链的最大深度，防止自引用。
const maxDepth = 64

func fromNode(n *yaml.Node, depth int) (contract.Node, error) {
	if depth > maxDepth {
		return contract.Node{}, fmt.Errorf("yaml: %w: nesting deeper than %d", contract.ErrMalformedDocument, maxDepth)
	}
	switch n.Kind {
	case yaml.MappingNode:
		doc := contract.NewDocument(len(n.Content) / 2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, v := n.Content[i], n.Content[i+1]
			if k.Kind != yaml.ScalarNode {
				return contract.Node{}, fmt.Errorf("yaml: %w: non-scalar key at line %d", contract.ErrMalformedDocument, k.Line)
			}
			child, err := fromNode(v, depth+1)
			if err != nil {
				return contract.Node{}, err
			}
			doc.Set(k.Value, child)
		}
		return contract.TreeNode(doc), nil
	case yaml.SequenceNode:
		doc := contract.NewDocument(len(n.Content))
		doc.SetSequence(true)
		for i, item := range n.Content {
			child, err := fromNode(item, depth+1)
			if err != nil {
				return contract.Node{}, err
			}
			doc.Set(strconv.Itoa(i), child)
		}
		return contract.TreeNode(doc), nil
	case yaml.AliasNode:
		if n.Alias == nil {
			return contract.Node{}, fmt.Errorf("yaml: %w: dangling alias", contract.ErrMalformedDocument)
		}
		return fromNode(n.Alias, depth+1)
	case yaml.ScalarNode:
		return contract.ScalarNode(n.Value, scalarKind(n.ShortTag())), nil
	}
	return contract.Node{}, fmt.Errorf("yaml: %w: unsupported node kind %d", contract.ErrMalformedDocument, n.Kind)
}

// Serialize 输出 YAML；文本以字符串标量输出（必要时加引号），多行文本使用块样式；
// 其他标量按原字面量输出，带序列标记的子文档输出为序列。
// Indent<=0 时从 Source 探测，探测不到用 4。
func (f *Format) Serialize(doc *contract.Document, opt contract.SerializeOptions) ([]byte, error) {
	if doc == nil {
		return nil, fmt.Errorf("yaml: %w: nil document", contract.ErrMalformedDocument)
	}
	indent := opt.Indent
	if indent <= 0 {
		indent = DetectIndent(opt.Source)
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(indent)
	if err := enc.Encode(toNode(doc)); err != nil {
		return nil, fmt.Errorf("yaml: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("yaml: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func toNode(doc *contract.Document) *yaml.Node {
	out := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	seq := doc.Sequence()
	if seq {
		out = &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	}
	doc.Range(func(k string, n contract.Node) bool {
		var v *yaml.Node
		if n.IsTree() {
			v = toNode(n.Child)
		} else {
			v = scalarNode(n)
		}
		if seq {
			out.Content = append(out.Content, v)
		} else {
			out.Content = append(out.Content, keyNode(k), v)
		}
		return true
	})
	return out
}

func scalarKind(tag string) contract.Scalar {
	switch tag {
	case "!!str":
		return contract.ScalarString
	case "!!int", "!!float":
		return contract.ScalarNumber
	case "!!bool":
		return contract.ScalarBool
	case "!!null":
		return contract.ScalarNull
	}
	return contract.ScalarLiteral
}

// scalarNode: 非字符串标量不带标签输出，由解析器按字面量还原原类型；
// 字面量在 YAML 中解析不回原种类时（如来自 JSON 的数字写法差异）按字符串输出。
func scalarNode(n contract.Node) *yaml.Node {
	if n.Scalar == contract.ScalarString {
		return strNode(n.Text)
	}
	out := &yaml.Node{Kind: yaml.ScalarNode, Value: n.Text}
	if scalarKind(out.ShortTag()) != n.Scalar {
		return strNode(n.Text)
	}
	return out
}

// keyNode: 键按纯量原样输出（如 0: none 不加引号）；会被读成 null 的键加引号。
func keyNode(k string) *yaml.Node {
	n := &yaml.Node{Kind: yaml.ScalarNode, Value: k}
	if n.ShortTag() == "!!null" || strings.Contains(k, "\n") {
		return strNode(k)
	}
	return n
}

func strNode(s string) *yaml.Node {
	n := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
	if strings.Contains(strings.TrimRight(s, "\n"), "\n") {
		n.Style = yaml.LiteralStyle
	}
	return n
}

// DetectIndent 返回 src 中首个缩进行的空格数（2..8），否则 4。
func DetectIndent(src []byte) int {
	for _, line := range strings.Split(string(src), "\n") {
		trimmed := strings.TrimLeft(line, " ")
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if w := len(line) - len(trimmed); w >= 2 && w <= 8 {
			return w
		}
	}
	return 4
}

var _ contract.Format = (*Format)(nil)
