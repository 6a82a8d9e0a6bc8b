package engine

import "llmkvt/pkg/contract"

// Conform 按 src 中同路径子文档的序列标记修正 dst（就地修改）。
// 展平/还原会丢失数组标记，合并后据此恢复源文档的形状。
func Conform(dst, src *contract.Document) {
	if dst == nil || src == nil {
		return
	}
	dst.SetSequence(src.Sequence())
	dst.Range(func(k string, n contract.Node) bool {
		if !n.IsTree() {
			return true
		}
		if s, ok := src.Get(k); ok && s.IsTree() {
			Conform(n.Child, s.Child)
		}
		return true
	})
}
