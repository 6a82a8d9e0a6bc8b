package prompt

import (
	"fmt"
	"unicode/utf8"

	"llmkvt/pkg/contract"
)

// MakeEstimator 返回近似 token 估算器：tokens ≈ ceil(utf8 字节数 / bytesPerToken)。
// bytesPerToken<=0 时取 4。
func MakeEstimator(bytesPerToken int) contract.TokenEstimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = 4
	}
	return func(s string) int {
		n := len(s)
		if n == 0 {
			return 0
		}
		return (n + bpt - 1) / bpt
	}
}

// MakeRuneEstimator 按字符计数：ASCII 按 bytesPerToken 合并，非 ASCII 字符各计 1。
// 适合 CJK 等多字节文本占比高的文档。
func MakeRuneEstimator(bytesPerToken int) contract.TokenEstimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = 4
	}
	return func(s string) int {
		ascii, wide := 0, 0
		for len(s) > 0 {
			r, size := utf8.DecodeRuneInString(s)
			s = s[size:]
			if r < utf8.RuneSelf {
				ascii++
			} else {
				wide++
			}
		}
		return (ascii+bpt-1)/bpt + wide
	}
}

// ChunkBudget 从单次请求上限中扣除固定提示开销，得到切块预算。
// 返回 (budget, overhead)；maxTokens<=0 或扣除后不足时返回 ErrBudgetExceeded。
func ChunkBudget(pb contract.PromptBuilder, est contract.TokenEstimator, maxTokens int) (int, int, error) {
	if maxTokens <= 0 {
		return 0, 0, fmt.Errorf("%w: max_tokens=%d", contract.ErrBudgetExceeded, maxTokens)
	}
	overhead := 0
	if pb != nil {
		overhead = pb.EstimateOverheadTokens(est)
	}
	budget := maxTokens - overhead
	if budget <= 0 {
		return 0, overhead, fmt.Errorf("%w: prompt overhead %d leaves no room under max_tokens=%d", contract.ErrBudgetExceeded, overhead, maxTokens)
	}
	return budget, overhead, nil
}
