package contract

// Scalar: 叶子的标量种类。只有 ScalarString 参与翻译，其余按原字面量透传。
type Scalar uint8

const (
	ScalarString Scalar = iota
	ScalarNumber
	ScalarBool
	ScalarNull
	// ScalarLiteral: 格式自有的其他类型（如 YAML 时间戳），Text 为原字面量。
	ScalarLiteral
)

// Node: 文档节点。Child 非 nil 时为子树（允许空子树 {}），否则为叶子。
// 叶子的 Text 对字符串为文本，对其他标量为源文件中的字面量。
type Node struct {
	Text   string
	Scalar Scalar
	Child  *Document
}

// TextNode 构造文本叶子。
func TextNode(s string) Node { return Node{Text: s} }

// ScalarNode 构造指定种类的叶子。
func ScalarNode(literal string, kind Scalar) Node { return Node{Text: literal, Scalar: kind} }

// TreeNode 构造子树节点；nil 视为空子树。
func TreeNode(d *Document) Node {
	if d == nil {
		d = NewDocument(0)
	}
	return Node{Child: d}
}

// IsTree 报告节点是否为子树。
func (n Node) IsTree() bool { return n.Child != nil }

// Translatable 报告节点是否为需要翻译的字符串叶子。
func (n Node) Translatable() bool { return n.Child == nil && n.Scalar == ScalarString }

// Document: 有序键值文档。
// - 键唯一；顺序只影响输出，不影响查找；
// - 查找 O(1)：有序键切片 + 索引映射；
// - 零值不可用，请使用 NewDocument。
type Document struct {
	keys []string
	vals map[string]Node
	seq  bool
}

// NewDocument 创建空文档；n 为容量提示。
func NewDocument(n int) *Document {
	if n < 0 {
		n = 0
	}
	return &Document{keys: make([]string, 0, n), vals: make(map[string]Node, n)}
}

// Len 返回条目数（nil 安全）。
func (d *Document) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

// Keys 返回键顺序的拷贝。
func (d *Document) Keys() []string {
	if d == nil {
		return nil
	}
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

// Get 按键取值。
func (d *Document) Get(key string) (Node, bool) {
	if d == nil {
		return Node{}, false
	}
	n, ok := d.vals[key]
	return n, ok
}

// Has 报告键是否存在。
func (d *Document) Has(key string) bool {
	_, ok := d.Get(key)
	return ok
}

// Set 写入键值：新键追加到末尾，已有键原位替换（不改变顺序）。
func (d *Document) Set(key string, n Node) {
	if _, ok := d.vals[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.vals[key] = n
}

// SetText 写入文本叶子。
func (d *Document) SetText(key, s string) { d.Set(key, TextNode(s)) }

// Range 按顺序遍历；fn 返回 false 时提前结束。
func (d *Document) Range(fn func(key string, n Node) bool) {
	if d == nil {
		return
	}
	for _, k := range d.keys {
		if !fn(k, d.vals[k]) {
			return
		}
	}
}

// Clone 深拷贝（子树一并复制）。
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := NewDocument(len(d.keys))
	out.seq = d.seq
	for _, k := range d.keys {
		n := d.vals[k]
		if n.Child != nil {
			n = Node{Child: n.Child.Clone()}
		}
		out.Set(k, n)
	}
	return out
}

// Equal 深比较（顺序敏感，含标量种类）；序列标记不参与比较。
func (d *Document) Equal(o *Document) bool {
	if d.Len() != o.Len() {
		return false
	}
	for i, k := range d.Keys() {
		if o.keys[i] != k {
			return false
		}
		a, b := d.vals[k], o.vals[k]
		if a.IsTree() != b.IsTree() {
			return false
		}
		if a.IsTree() {
			if !a.Child.Equal(b.Child) {
				return false
			}
			continue
		}
		if a.Text != b.Text || a.Scalar != b.Scalar {
			return false
		}
	}
	return true
}

// Sequence 报告文档是否来自数组/序列（由格式解析时标记）。
func (d *Document) Sequence() bool { return d != nil && d.seq }

// SetSequence 标记文档是否按数组/序列输出。
func (d *Document) SetSequence(seq bool) { d.seq = seq }
