package pipeline

import (
	"bytes"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"text/template"

	"llmkvt/pkg/contract"
)

// DefaultOutput: 与源文件同目录，在扩展名前插入目标语言。
const DefaultOutput = "{{.Dir}}/{{.Stem}}.{{.Lang}}{{.Ext}}"

// PathVars: 输出路径模板可用的字段。
type PathVars struct {
	Dir  string // 源文件目录（"." 表示当前目录）
	Base string // 文件名
	Stem string // 去掉扩展名的文件名
	Ext  string // 扩展名（含点）
	Lang string // 目标语言（按配置原样）
}

// OutputPath 渲染输出路径。tmpl 不含 "{{" 时视为字面路径。
// 结果与源文件相同返回 ErrPathInvalid。
func OutputPath(tmpl string, fileID contract.FileID, lang string) (string, error) {
	if tmpl == "" {
		tmpl = DefaultOutput
	}
	src := string(fileID)
	var out string
	if !strings.Contains(tmpl, "{{") {
		out = tmpl
	} else {
		base := path.Base(src)
		ext := path.Ext(base)
		vars := PathVars{Dir: path.Dir(src), Base: base, Stem: strings.TrimSuffix(base, ext), Ext: ext, Lang: lang}
		t, err := template.New("output").Option("missingkey=error").Parse(tmpl)
		if err != nil {
			return "", fmt.Errorf("%w: output template: %v", contract.ErrInvalidInput, err)
		}
		var buf bytes.Buffer
		if err := t.Execute(&buf, vars); err != nil {
			return "", fmt.Errorf("%w: output template: %v", contract.ErrInvalidInput, err)
		}
		out = buf.String()
	}
	out = filepath.Clean(filepath.FromSlash(strings.TrimSpace(out)))
	if out == "." || out == "" {
		return "", fmt.Errorf("%w: empty output path for %s", contract.ErrPathInvalid, fileID)
	}
	if contract.NormalizeFileID(out) == contract.NormalizeFileID(src) {
		return "", fmt.Errorf("%w: output %s would overwrite its source", contract.ErrPathInvalid, out)
	}
	return out, nil
}
