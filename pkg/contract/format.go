package contract

// SerializeOptions: 序列化参数。
type SerializeOptions struct {
	// Indent: 缩进宽度；<=0 时由实现决定（通常从 Source 探测，兜底 4）。
	Indent int
	// Source: 源文本。骨架型格式（markdown/html）以它为模板回填译文；其余格式可忽略。
	Source []byte
}

// Format: 磁盘格式适配器（JSON/YAML/Markdown/SRT/HTML）。
// 约束：
//   - Parse 对空输入返回空文档而非错误；
//   - 顶层为标量等无法映射为文档的输入返回 ErrMalformedDocument（数组按 "0".."n-1" 作键）；
//   - 无内部状态，可并发使用。
type Format interface {
	Parse(src []byte) (*Document, error)
	Serialize(doc *Document, opt SerializeOptions) ([]byte, error)
}
