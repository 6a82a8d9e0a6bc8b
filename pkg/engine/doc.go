// Package engine 实现结构化文档的 Diff/Chunk/Merge 引擎。
//
// 五个操作：
//
//	diff(src, dst)            => Plan{Retained, Pending, Order}
//	split(pending)            => [chunk1, chunk2, ...]
//	translate(chunk_i)        => translated_i        （外部协作方，不在本包）
//	join([translated_i...])   => patch
//	merge(retained, patch, Order) => final
//
// 约束：
//   - 所有操作均为纯函数：不修改入参，总是构造新的 Document；
//   - SourceKeyOrder 由 Diff 显式返回（Plan.Order），调用方负责传给 Merge，引擎不持有任何跨调用状态；
//   - 无 I/O、无内部并发、无重试。
package engine
