package engine

import (
	"fmt"

	"llmkvt/pkg/contract"
)

// CheckChunk 校验译文块与发送块的键集合及节点形状一致（逐层递归）。
// 译文多出、缺少键或叶子/子树类型不符时返回 ErrKeyReconstructionMismatch。
func CheckChunk(sent, got *contract.Document) error {
	return checkLevel(sent, got, "")
}

func checkLevel(sent, got *contract.Document, at string) error {
	if got == nil {
		return fmt.Errorf("%w: missing document at %q", contract.ErrKeyReconstructionMismatch, at)
	}
	if sent.Len() != got.Len() {
		return fmt.Errorf("%w: %d keys sent, %d returned at %q", contract.ErrKeyReconstructionMismatch, sent.Len(), got.Len(), at)
	}
	var err error
	sent.Range(func(k string, n contract.Node) bool {
		g, ok := got.Get(k)
		if !ok {
			err = fmt.Errorf("%w: key %q missing at %q", contract.ErrKeyReconstructionMismatch, k, at)
			return false
		}
		if n.IsTree() != g.IsTree() {
			err = fmt.Errorf("%w: key %q changed shape at %q", contract.ErrKeyReconstructionMismatch, k, at)
			return false
		}
		if n.IsTree() {
			err = checkLevel(n.Child, g.Child, at+"/"+k)
		}
		return err == nil
	})
	return err
}
