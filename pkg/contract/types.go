package contract

// FileID: 逻辑文档ID（通常为路径，需规范化，跨平台一致）。
type FileID string

// Meta: 可选的轻量元信息；核心流程不读取其键值。
type Meta map[string]string

// Batch: 一次翻译请求的载体（一个 Chunk）。
// 约束：
//   - Entries 为 PendingSet 的有序子集，键集合即译文必须回显的键集合；
//   - BatchIndex 在同一 FileID 内 0..n-1 严格递增，用于按序 Join；
//   - 语言与背景说明随批传递，PromptBuilder 不持有运行期状态。
type Batch struct {
	FileID     FileID
	BatchIndex int64
	Entries    *Document
	SourceLang string
	TargetLang string
	// Guidance: 可选的背景说明（术语、语气、领域等）。
	Guidance string
	Meta     Meta // 可为 nil
}
