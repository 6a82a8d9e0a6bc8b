package contract

import "context"

// Decoder: 将 Raw 解码为与 Batch.Entries 同键集合的译文文档。
// 约束：
//  1. 键集合必须与 b.Entries 完全一致，否则返回 ErrKeyReconstructionMismatch；
//  2. 无法解析的载荷返回 ErrResponseInvalid（可重试）；
//  3. 纯计算，无 I/O。
type Decoder interface {
	Decode(ctx context.Context, b Batch, raw Raw) (*Document, error)
}
