package engine

import (
	"fmt"
	"strings"

	"llmkvt/pkg/contract"
)

// Flatten 把嵌套文档展平为以 delim 连接路径的扁平文档。
// - 文本叶子与空子树都作为叶子输出（空子树值仍为空 Document）；
// - 输出顺序为深度优先的首次出现顺序；
// - 任一层键包含 delim 时返回 ErrMalformedDocument（否则无法无歧义还原）。
func Flatten(doc *contract.Document, delim string) (*contract.Document, error) {
	if doc == nil {
		return nil, fmt.Errorf("flatten: %w: nil document", contract.ErrMalformedDocument)
	}
	if delim == "" {
		return nil, fmt.Errorf("flatten: %w: empty delimiter", contract.ErrInvalidInput)
	}
	out := contract.NewDocument(doc.Len())
	if err := flattenInto(out, doc, "", true, delim); err != nil {
		return nil, err
	}
	return out, nil
}

func flattenInto(out, doc *contract.Document, prefix string, root bool, delim string) error {
	var err error
	doc.Range(func(k string, n contract.Node) bool {
		if strings.Contains(k, delim) {
			err = fmt.Errorf("flatten: %w: key %q contains delimiter %q", contract.ErrMalformedDocument, k, delim)
			return false
		}
		path := k
		if !root {
			path = prefix + delim + k
		}
		if n.IsTree() && n.Child.Len() > 0 {
			err = flattenInto(out, n.Child, path, false, delim)
			return err == nil
		}
		out.Set(path, copyNode(n))
		return true
	})
	return err
}

// Unflatten 为 Flatten 的逆：按首次出现顺序重建嵌套文档。
// 同一路径既是叶子又是父节点时返回 ErrMalformedDocument。
func Unflatten(flat *contract.Document, delim string) (*contract.Document, error) {
	if flat == nil {
		return nil, fmt.Errorf("unflatten: %w: nil document", contract.ErrMalformedDocument)
	}
	if delim == "" {
		return nil, fmt.Errorf("unflatten: %w: empty delimiter", contract.ErrInvalidInput)
	}
	out := contract.NewDocument(0)
	var err error
	flat.Range(func(k string, n contract.Node) bool {
		if n.IsTree() && n.Child.Len() > 0 {
			err = fmt.Errorf("unflatten: %w: key %q holds a nested value", contract.ErrMalformedDocument, k)
			return false
		}
		parts := strings.Split(k, delim)
		cur := out
		for _, p := range parts[:len(parts)-1] {
			existing, ok := cur.Get(p)
			if !ok {
				child := contract.NewDocument(0)
				cur.Set(p, contract.TreeNode(child))
				cur = child
				continue
			}
			if !existing.IsTree() {
				err = fmt.Errorf("unflatten: %w: path %q is both leaf and parent", contract.ErrMalformedDocument, k)
				return false
			}
			cur = existing.Child
		}
		last := parts[len(parts)-1]
		if cur.Has(last) {
			err = fmt.Errorf("unflatten: %w: path %q is both leaf and parent", contract.ErrMalformedDocument, k)
			return false
		}
		cur.Set(last, copyNode(n))
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// copyNode 复制节点，避免输出与输入共享子树。
func copyNode(n contract.Node) contract.Node {
	if n.IsTree() {
		return contract.Node{Child: n.Child.Clone()}
	}
	return n
}

// isFlat 报告文档是否不含非空子树。
func isFlat(doc *contract.Document) bool {
	flat := true
	doc.Range(func(_ string, n contract.Node) bool {
		if n.IsTree() && n.Child.Len() > 0 {
			flat = false
		}
		return flat
	})
	return flat
}

func requireFlat(op string, doc *contract.Document) error {
	if !isFlat(doc) {
		return fmt.Errorf("%s: %w: nested value in flat document", op, contract.ErrMalformedDocument)
	}
	return nil
}
