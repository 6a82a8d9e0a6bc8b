package contract

import "errors"

// 结构化文档引擎的最小错误分类。
var (
	// ErrUnknownVariant: 无法识别或无法判定的结构标签（flat/tree/auto 之外）。
	ErrUnknownVariant = errors.New("unknown variant")
	// ErrMalformedDocument: 期望 Document 的位置出现非映射值，或键与分隔符冲突。
	ErrMalformedDocument = errors.New("malformed document")
	// ErrEmptyBudget: 预算不大于单条目最小开销，会退化为无界的单条目块。
	ErrEmptyBudget = errors.New("empty budget")
	// ErrKeyReconstructionMismatch: 合并/拼接时键集合对不上（diff/split/join/merge 配对损坏或译文键不一致）。
	ErrKeyReconstructionMismatch = errors.New("key reconstruction mismatch")
	// ErrUnknownFormat: 无法由文件名判定格式，或格式名未注册。
	ErrUnknownFormat = errors.New("unknown format")
)

// Writer/路径相关最小错误分类。
var (
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrBudgetExceeded: 预算或配额不足（如 token 预算、上游配额）。
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
)
