// Package report 渲染 --dry-run 输出：每个文档一行计划摘要 + 旧/新目标文件的 unified diff。
package report

import (
	"fmt"
	"io"
	"strings"

	difflib "github.com/pmezard/go-difflib/difflib"
)

// DocPlan 是单个文档的处理摘要。
type DocPlan struct {
	Input    string
	Output   string
	Format   string
	Variant  string
	Retained int
	Pending  int
	Chunks   int
	MemoHits int
}

// Header 返回计划摘要行。
func (p DocPlan) Header() string {
	return fmt.Sprintf("# %s -> %s | format=%s | variant=%s | retained=%d | pending=%d | chunks=%d | memo=%d",
		p.Input, p.Output, p.Format, p.Variant, p.Retained, p.Pending, p.Chunks, p.MemoHits)
}

// Unified 生成 prev→next 的 unified diff；prev 为 nil 表示目标文件尚不存在。
// 内容相同时返回空串。
func Unified(name string, prev, next []byte, context int) (string, error) {
	if context <= 0 {
		context = 3
	}
	from := "a/" + name
	if prev == nil {
		from = "/dev/null"
	}
	u := difflib.UnifiedDiff{
		A:        splitLines(string(prev)),
		B:        splitLines(string(next)),
		FromFile: from,
		ToFile:   "b/" + name,
		Context:  context,
	}
	return difflib.GetUnifiedDiffString(u)
}

// Write 输出摘要与 diff。
func Write(w io.Writer, p DocPlan, prev, next []byte) error {
	if _, err := fmt.Fprintln(w, p.Header()); err != nil {
		return err
	}
	d, err := Unified(p.Output, prev, next, 0)
	if err != nil {
		return fmt.Errorf("report: diff %s: %w", p.Output, err)
	}
	if d == "" {
		_, err = fmt.Fprintln(w, "(no changes)")
		return err
	}
	_, err = io.WriteString(w, d)
	return err
}

// splitLines 保留行尾换行；末行无换行时补一个，避免 diff 粘行。
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if last := lines[len(lines)-1]; !strings.HasSuffix(last, "\n") {
		lines[len(lines)-1] = last + "\n"
	}
	return lines
}
