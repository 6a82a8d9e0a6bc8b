package engine

import (
	"fmt"

	"llmkvt/pkg/contract"
)

// treeStructure: 先展平再委托给 flat 语义；Split 输出与 Merge 结果还原为嵌套形状。
type treeStructure struct {
	delim string
}

func (treeStructure) Variant() Variant { return Tree }

// asFlat: 已是扁平形状（如 Diff 产出的 Pending/Retained）则原样返回，否则展平。
func (t treeStructure) asFlat(doc *contract.Document) (*contract.Document, error) {
	if doc == nil || isFlat(doc) {
		return doc, nil
	}
	return Flatten(doc, t.delim)
}

func (t treeStructure) Diff(source, previous *contract.Document) (Plan, error) {
	if source == nil {
		return Plan{}, fmt.Errorf("diff: %w: nil source", contract.ErrMalformedDocument)
	}
	fs, err := Flatten(source, t.delim)
	if err != nil {
		return Plan{}, err
	}
	var fp *contract.Document
	if previous != nil {
		if fp, err = Flatten(previous, t.delim); err != nil {
			return Plan{}, err
		}
	}
	return flatStructure{}.Diff(fs, fp)
}

func (t treeStructure) Split(pending *contract.Document, est contract.TokenEstimator, budget int) ([]*contract.Document, error) {
	fp, err := t.asFlat(pending)
	if err != nil {
		return nil, err
	}
	chunks, err := flatStructure{}.Split(fp, est, budget)
	if err != nil {
		return nil, err
	}
	out := make([]*contract.Document, 0, len(chunks))
	for _, c := range chunks {
		nested, err := Unflatten(c, t.delim)
		if err != nil {
			return nil, err
		}
		out = append(out, nested)
	}
	return out, nil
}

func (t treeStructure) Join(chunks []*contract.Document) (*contract.Document, error) {
	flat := make([]*contract.Document, 0, len(chunks))
	for _, c := range chunks {
		if c == nil {
			flat = append(flat, nil)
			continue
		}
		fc, err := Flatten(c, t.delim)
		if err != nil {
			return nil, err
		}
		flat = append(flat, fc)
	}
	return flatStructure{}.Join(flat)
}

func (t treeStructure) Merge(retained, patch *contract.Document, order KeyOrder) (*contract.Document, error) {
	fr, err := t.asFlat(retained)
	if err != nil {
		return nil, err
	}
	fp, err := t.asFlat(patch)
	if err != nil {
		return nil, err
	}
	merged, err := flatStructure{}.Merge(fr, fp, order)
	if err != nil {
		return nil, err
	}
	return Unflatten(merged, t.delim)
}
