package diag

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"time"

	"llmkvt/pkg/contract"
)

// Code: 错误分类代码，仅用于日志与指标。
type Code string

const (
	CodeUnknown   Code = "unknown"
	CodeNetwork   Code = "network"
	CodeProtocol  Code = "protocol"
	CodeInvariant Code = "invariant"
	CodeBudget    Code = "budget"
	CodeCancel    Code = "cancel"
	CodeIO        Code = "io"
)

// Classify 依据哨兵错误与标准库错误类型分类，不做字符串匹配。
func Classify(err error) Code {
	switch {
	case err == nil:
		return CodeUnknown
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCancel
	case errors.Is(err, contract.ErrBudgetExceeded),
		errors.Is(err, contract.ErrRateLimited),
		errors.Is(err, contract.ErrEmptyBudget):
		return CodeBudget
	case errors.Is(err, contract.ErrResponseInvalid),
		errors.Is(err, contract.ErrKeyReconstructionMismatch):
		return CodeProtocol
	case errors.Is(err, contract.ErrInvariantViolation),
		errors.Is(err, contract.ErrInvalidInput),
		errors.Is(err, contract.ErrPathInvalid),
		errors.Is(err, contract.ErrMalformedDocument),
		errors.Is(err, contract.ErrUnknownVariant),
		errors.Is(err, contract.ErrUnknownFormat):
		return CodeInvariant
	}
	var perr *os.PathError
	if errors.As(err, &perr) || errors.Is(err, fs.ErrNotExist) {
		return CodeIO
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return CodeNetwork
	}
	return CodeUnknown
}

// Retryable 报告该类错误是否值得由 LLM 阶段重试（网络、限流、响应不合法/键不一致）。
func Retryable(err error) bool {
	switch Classify(err) {
	case CodeNetwork, CodeProtocol:
		return true
	case CodeBudget:
		return errors.Is(err, contract.ErrRateLimited)
	default:
		return false
	}
}

// NowUTC 返回 RFC3339 UTC 时间字符串。
func NowUTC() string { return time.Now().UTC().Format(time.RFC3339) }
