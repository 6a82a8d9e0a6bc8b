package mdfmt

import (
	"regexp"
	"strings"
)

// block: 块级片段。sep 为其后的空行原文；verbatim 块（围栏代码、链接定义、分隔线）不参与翻译。
type block struct {
	text     string
	sep      string
	verbatim bool
}

var (
	fenceRe   = regexp.MustCompile("^ {0,3}(`{3,}|~{3,})")
	linkDefRe = regexp.MustCompile(`^ {0,3}\[[^\]]+\]:\s*\S+`)
	headingRe = regexp.MustCompile(`^ {0,3}#{1,6}(\s|$)`)
	// RE2 不支持反向引用，三种标记分别列出
	ruleRe = regexp.MustCompile(`^ {0,3}(?:(?:-[ \t]*){3,}|(?:\*[ \t]*){3,}|(?:_[ \t]*){3,})\s*$`)
)

// lex 将 Markdown 切成块并返回前导空行。拼接 lead + Σ(text+sep) 可还原原文（换行统一为 \n）。
func lex(src string) (lead string, blocks []block) {
	src = strings.ReplaceAll(src, "\r\n", "\n")
	lines := strings.SplitAfter(src, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	i := 0
	for i < len(lines) && isBlank(lines[i]) {
		lead += lines[i]
		i++
	}
	for i < len(lines) {
		start := i
		verbatim := false
		line := lines[i]
		switch {
		case fenceRe.MatchString(line):
			marker := strings.TrimLeft(fenceRe.FindStringSubmatch(line)[1], " ")
			i++
			for i < len(lines) {
				closing := strings.TrimSpace(lines[i])
				i++
				if strings.HasPrefix(closing, marker) && strings.Trim(closing, marker[:1]) == "" {
					break
				}
			}
			verbatim = true
		case linkDefRe.MatchString(line):
			for i < len(lines) && linkDefRe.MatchString(lines[i]) {
				i++
			}
			verbatim = true
		case headingRe.MatchString(line):
			i++
		case ruleRe.MatchString(line):
			i++
			verbatim = true
		default:
			i++
			for i < len(lines) && !isBlank(lines[i]) && !startsBlock(lines[i]) {
				i++
			}
		}
		text := strings.Join(lines[start:i], "")
		sepStart := i
		for i < len(lines) && isBlank(lines[i]) {
			i++
		}
		sep := strings.Join(lines[sepStart:i], "")
		// 块内末尾换行归入分隔，翻译值不带结尾换行
		if strings.HasSuffix(text, "\n") {
			text = strings.TrimSuffix(text, "\n")
			sep = "\n" + sep
		}
		blocks = append(blocks, block{text: text, sep: sep, verbatim: verbatim})
	}
	return lead, blocks
}

func isBlank(line string) bool { return strings.TrimSpace(line) == "" }

func startsBlock(line string) bool {
	return fenceRe.MatchString(line) || headingRe.MatchString(line) || linkDefRe.MatchString(line)
}
