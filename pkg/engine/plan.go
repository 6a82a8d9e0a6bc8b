package engine

import "llmkvt/pkg/contract"

// KeyOrder: Diff 时捕获的源文档扁平键顺序，仅供配对的 Merge 使用一次。
type KeyOrder []string

// Plan: Diff 的结果。
type Plan struct {
	// Retained: 旧译文中仍存在于源文档的条目（值取自旧译文）。
	Retained *contract.Document
	// Pending: 源文档中旧译文缺失的条目（按源顺序）。
	Pending *contract.Document
	// Order: 源文档扁平键顺序。
	Order KeyOrder
}

// Empty 报告是否无需翻译；为 true 时调用方应跳过 Split 与翻译。
func (p Plan) Empty() bool { return p.Pending.Len() == 0 }

// Partition 把 Pending 分为需翻译的字符串叶子与原样透传的条目
// （数字、布尔、null、空子树等）。两者均保持源顺序。
func (p Plan) Partition() (translate, fixed *contract.Document) {
	translate, fixed = contract.NewDocument(0), contract.NewDocument(0)
	p.Pending.Range(func(k string, n contract.Node) bool {
		if n.Translatable() {
			translate.Set(k, n)
		} else {
			fixed.Set(k, copyNode(n))
		}
		return true
	})
	return translate, fixed
}
