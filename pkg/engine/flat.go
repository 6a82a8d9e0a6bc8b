package engine

import (
	"fmt"

	"llmkvt/pkg/contract"
)

type flatStructure struct{}

func (flatStructure) Variant() Variant { return Flat }

func (flatStructure) Diff(source, previous *contract.Document) (Plan, error) {
	if source == nil {
		return Plan{}, fmt.Errorf("diff: %w: nil source", contract.ErrMalformedDocument)
	}
	if err := requireFlat("diff", source); err != nil {
		return Plan{}, err
	}
	if err := requireFlat("diff", previous); err != nil {
		return Plan{}, err
	}
	pending := contract.NewDocument(0)
	source.Range(func(k string, n contract.Node) bool {
		if !previous.Has(k) {
			pending.Set(k, copyNode(n))
		}
		return true
	})
	retained := contract.NewDocument(0)
	previous.Range(func(k string, n contract.Node) bool {
		if source.Has(k) {
			retained.Set(k, copyNode(n))
		}
		return true
	})
	return Plan{Retained: retained, Pending: pending, Order: KeyOrder(source.Keys())}, nil
}

// Split 贪心切块：条目按源顺序累加，累计成本 + 条目成本 < budget 时并入当前块，
// 否则先落当前块（非空才落）再以该条目开新块。单条目超预算时独占一块。
func (flatStructure) Split(pending *contract.Document, est contract.TokenEstimator, budget int) ([]*contract.Document, error) {
	if est == nil {
		return nil, fmt.Errorf("split: %w: nil estimator", contract.ErrInvalidInput)
	}
	if budget <= minBudget {
		return nil, fmt.Errorf("split: %w: budget %d must exceed %d", contract.ErrEmptyBudget, budget, minBudget)
	}
	if err := requireFlat("split", pending); err != nil {
		return nil, err
	}
	var out []*contract.Document
	acc := contract.NewDocument(0)
	running := chunkOverhead
	pending.Range(func(k string, n contract.Node) bool {
		c := EntryCost(est, k, n)
		if running+c < budget {
			acc.Set(k, copyNode(n))
			running += c
			return true
		}
		if acc.Len() > 0 {
			out = append(out, acc)
		}
		acc = contract.NewDocument(0)
		acc.Set(k, copyNode(n))
		running = chunkOverhead + c
		return true
	})
	if acc.Len() > 0 {
		out = append(out, acc)
	}
	return out, nil
}

func (flatStructure) Join(chunks []*contract.Document) (*contract.Document, error) {
	out := contract.NewDocument(0)
	for i, c := range chunks {
		if err := requireFlat("join", c); err != nil {
			return nil, err
		}
		var err error
		c.Range(func(k string, n contract.Node) bool {
			if out.Has(k) {
				err = fmt.Errorf("join: %w: key %q repeated in chunk %d", contract.ErrKeyReconstructionMismatch, k, i)
				return false
			}
			out.Set(k, copyNode(n))
			return true
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Merge: 补丁优先；输出严格按 order，order 之外的键丢弃；order 中的键两侧都没有时报错。
func (flatStructure) Merge(retained, patch *contract.Document, order KeyOrder) (*contract.Document, error) {
	if err := requireFlat("merge", retained); err != nil {
		return nil, err
	}
	if err := requireFlat("merge", patch); err != nil {
		return nil, err
	}
	out := contract.NewDocument(len(order))
	for _, k := range order {
		n, ok := patch.Get(k)
		if !ok {
			n, ok = retained.Get(k)
		}
		if !ok {
			return nil, fmt.Errorf("merge: %w: key %q has no value", contract.ErrKeyReconstructionMismatch, k)
		}
		out.Set(k, copyNode(n))
	}
	return out, nil
}
