package engine

import (
	"bytes"
	"encoding/json"
	"strings"

	"llmkvt/pkg/contract"
)

const (
	// chunkOverhead: 块外层 "{" 与 "}"。
	chunkOverhead = 2
	// entryOverhead: 每条目的 ":" 与 ","。
	entryOverhead = 2
	// minBudget: 预算须严格大于此值，否则每块都只能容纳溢出的单条目。
	minBudget = chunkOverhead + entryOverhead
)

// QuoteJSON 返回 s 的 JSON 字符串字面量（不转义 HTML 字符）。
func QuoteJSON(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return `""`
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// EntryCost 返回单条目的 token 成本：est(键字面量) + est(值字面量) + 分隔开销。
// 子树值（只会是空子树）按 "{}" 计。
func EntryCost(est contract.TokenEstimator, key string, n contract.Node) int {
	v := "{}"
	if !n.IsTree() {
		v = QuoteJSON(n.Text)
	}
	return est(QuoteJSON(key)) + est(v) + entryOverhead
}

// ChunkCost 返回一个扁平块的总成本（含外层开销）。
func ChunkCost(est contract.TokenEstimator, chunk *contract.Document) int {
	total := chunkOverhead
	chunk.Range(func(k string, n contract.Node) bool {
		total += EntryCost(est, k, n)
		return true
	})
	return total
}
