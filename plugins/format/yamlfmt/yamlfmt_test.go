package yamlfmt

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"llmkvt/pkg/contract"
)

func TestParseOrderAndShapes(t *testing.T) {
	src := `
zeta: Z
alpha:
  beta: "2"
  list:
    - one
    - two
  none: ~
anchor: &a shared
ref: *a
`
	doc, err := New().Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse 失败: %v", err)
	}
	if !reflect.DeepEqual(doc.Keys(), []string{"zeta", "alpha", "anchor", "ref"}) {
		t.Fatalf("键顺序错误: %v", doc.Keys())
	}
	alpha, _ := doc.Get("alpha")
	list, _ := alpha.Child.Get("list")
	if !list.Child.Sequence() || list.Child.Len() != 2 {
		t.Fatalf("序列应转为索引文档")
	}
	if none, _ := alpha.Child.Get("none"); none.Scalar != contract.ScalarNull || none.Text != "~" {
		t.Fatalf("null 应保留种类与字面量: %+v", none)
	}
	if beta, _ := alpha.Child.Get("beta"); !beta.Translatable() {
		t.Fatalf("带引号的 \"2\" 是字符串")
	}
	if ref, _ := doc.Get("ref"); ref.Text != "shared" {
		t.Fatalf("别名应展开: %q", ref.Text)
	}
}

func TestParseErrors(t *testing.T) {
	if _, err := New().Parse([]byte("just a scalar")); !errors.Is(err, contract.ErrMalformedDocument) {
		t.Fatalf("标量顶层应报错: %v", err)
	}
	if _, err := New().Parse([]byte("a: [unclosed")); !errors.Is(err, contract.ErrMalformedDocument) {
		t.Fatalf("语法错误应报 ErrMalformedDocument: %v", err)
	}
	doc, err := New().Parse(nil)
	if err != nil || doc.Len() != 0 {
		t.Fatalf("空输入应得空文档: %v", err)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	src := "title: Hello\nmenu:\n  open: \"true\"\n  items:\n    - one\n    - two\n"
	f := New()
	doc, err := f.Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse 失败: %v", err)
	}
	out, err := f.Serialize(doc, contract.SerializeOptions{Source: []byte(src)})
	if err != nil {
		t.Fatalf("Serialize 失败: %v", err)
	}
	back, err := f.Parse(out)
	if err != nil || !back.Equal(doc) {
		t.Fatalf("往返不一致: %v\n%s", err, out)
	}
	if !strings.HasPrefix(string(out), "title: Hello\nmenu:\n  open: \"true\"") {
		t.Fatalf("输出形状错误:\n%s", out)
	}
}

func TestSerializeMultiline(t *testing.T) {
	doc := contract.NewDocument(0)
	doc.SetText("body", "line one\nline two")
	out, err := New().Serialize(doc, contract.SerializeOptions{Indent: 2})
	if err != nil {
		t.Fatalf("Serialize 失败: %v", err)
	}
	if !strings.Contains(string(out), "body: |-") {
		t.Fatalf("多行文本应使用块样式:\n%s", out)
	}
}

// 未经翻译的内容往返后保持原样：标量类型、数字键映射、空序列。
func TestSerializeKeepsShape(t *testing.T) {
	cases := []struct {
		name string
		src  string
	}{
		{"scalars", "n: 3\nf: 1.5\nok: true\nz: null\nwhen: 2001-12-14\n"},
		{"numeric_keys", "plural:\n  0: none\n  1: one\n"},
		{"empty_seq", "list: []\nname: x\n"},
		{"quoted_number", "code: \"42\"\n"},
		{"mixed_seq", "xs:\n  - 1\n  - two\n  - false\n"},
	}
	f := New()
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			doc, err := f.Parse([]byte(c.src))
			if err != nil {
				t.Fatalf("Parse 失败: %v", err)
			}
			out, err := f.Serialize(doc, contract.SerializeOptions{Indent: 2})
			if err != nil {
				t.Fatalf("Serialize 失败: %v", err)
			}
			if string(out) != c.src {
				t.Fatalf("往返不一致:\n%s\n---\n%s", out, c.src)
			}
		})
	}
}

func TestScalarKinds(t *testing.T) {
	doc, err := New().Parse([]byte("n: 3\nok: true\nz: null\nwhen: 2001-12-14\ns: hi\n"))
	if err != nil {
		t.Fatalf("Parse 失败: %v", err)
	}
	want := map[string]contract.Scalar{
		"n": contract.ScalarNumber, "ok": contract.ScalarBool, "z": contract.ScalarNull,
		"when": contract.ScalarLiteral, "s": contract.ScalarString,
	}
	for k, kind := range want {
		if n, _ := doc.Get(k); n.Scalar != kind {
			t.Fatalf("%s 种类 = %d, 期望 %d", k, n.Scalar, kind)
		}
	}
}
