package engine

import (
	"fmt"
	"strings"

	"llmkvt/pkg/contract"
)

// Variant: 文档形状标签。
type Variant string

const (
	// Auto: 由 DetectVariant 按首层值判定。
	Auto Variant = "auto"
	// Flat: 扁平键值（所有值均为文本）。
	Flat Variant = "flat"
	// Tree: 嵌套树（值可为子文档）。
	Tree Variant = "tree"
)

// DefaultDelimiter: 扁平键路径分隔符。
const DefaultDelimiter = "|"

// ParseVariant 解析标签；"kv" 为 flat 的别名，空串视为 auto。
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return Auto, nil
	case "flat", "kv":
		return Flat, nil
	case "tree":
		return Tree, nil
	default:
		return "", fmt.Errorf("%w: %q", contract.ErrUnknownVariant, s)
	}
}

// DetectVariant 检查首层值：任一值为子文档（含空子文档）即为 tree，否则为 flat。
func DetectVariant(doc *contract.Document) (Variant, error) {
	if doc == nil {
		return "", fmt.Errorf("detect variant: %w: nil document", contract.ErrMalformedDocument)
	}
	v := Flat
	doc.Range(func(_ string, n contract.Node) bool {
		if n.IsTree() {
			v = Tree
			return false
		}
		return true
	})
	return v, nil
}

// Options: 结构操作的参数。
type Options struct {
	// Delimiter: tree 变体的路径分隔符；空则使用 DefaultDelimiter。
	Delimiter string
}

func (o Options) delimiter() string {
	if o.Delimiter == "" {
		return DefaultDelimiter
	}
	return o.Delimiter
}

// Structure: 绑定到某个变体的四个操作。
type Structure interface {
	Variant() Variant
	// Diff 计算保留集与待翻译集，并返回源键顺序。previous 为 nil 表示不存在旧译文。
	Diff(source, previous *contract.Document) (Plan, error)
	// Split 按 token 预算把待翻译集切成有序块。
	Split(pending *contract.Document, estimate contract.TokenEstimator, budget int) ([]*contract.Document, error)
	// Join 按给定顺序拼接译文块为补丁。
	Join(chunks []*contract.Document) (*contract.Document, error)
	// Merge 将补丁覆盖到保留集上，并严格按 order 输出。
	Merge(retained, patch *contract.Document, order KeyOrder) (*contract.Document, error)
}

// 变体注册表（封闭集合）。
var structures = map[Variant]func(Options) Structure{
	Flat: func(o Options) Structure { return flatStructure{} },
	Tree: func(o Options) Structure { return treeStructure{delim: o.delimiter()} },
}

// Resolve 返回绑定到变体的操作集合。Auto 需要文档才能判定，请使用 ResolveFor。
func Resolve(v Variant, opt Options) (Structure, error) {
	if v == Auto {
		return nil, fmt.Errorf("%w: auto requires a document to inspect", contract.ErrUnknownVariant)
	}
	mk, ok := structures[v]
	if !ok {
		return nil, fmt.Errorf("%w: %q", contract.ErrUnknownVariant, string(v))
	}
	return mk(opt), nil
}

// ResolveFor 与 Resolve 相同，但 Auto 时按 doc 自动判定。
func ResolveFor(v Variant, doc *contract.Document, opt Options) (Structure, error) {
	if v == Auto || v == "" {
		dv, err := DetectVariant(doc)
		if err != nil {
			return nil, err
		}
		v = dv
	}
	return Resolve(v, opt)
}
