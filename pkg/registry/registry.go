// Package registry 以名称显式注册各端口的实现工厂（零反射）。
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"llmkvt/pkg/contract"
	jmap "llmkvt/plugins/decoder/jsonmap"
	fhtml "llmkvt/plugins/format/htmlfmt"
	fjson "llmkvt/plugins/format/jsonfmt"
	fmd "llmkvt/plugins/format/mdfmt"
	fsrt "llmkvt/plugins/format/srtfmt"
	fyaml "llmkvt/plugins/format/yamlfmt"
	flaky "llmkvt/plugins/llmclient/flaky"
	gmi "llmkvt/plugins/llmclient/gemini"
	mock "llmkvt/plugins/llmclient/mock"
	oai "llmkvt/plugins/llmclient/openai"
	ppt "llmkvt/plugins/prompt/translate"
	rfs "llmkvt/plugins/reader/filesystem"
	wfs "llmkvt/plugins/writer/filesystem"
)

// strictUnmarshal: DisallowUnknownFields 严格解码；空输入保持零值。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// NewReader 工厂签名：接收原样 JSON Options。
type NewReader func(raw json.RawMessage) (contract.Reader, error)

// NewFormat 工厂签名：接收原样 JSON Options。
type NewFormat func(raw json.RawMessage) (contract.Format, error)

// NewPromptBuilder 工厂签名：接收原样 JSON Options。
type NewPromptBuilder func(raw json.RawMessage) (contract.PromptBuilder, error)

// NewLLMClient 工厂签名：接收原样 JSON Options。
type NewLLMClient func(raw json.RawMessage) (contract.LLMClient, error)

// NewDecoder 工厂签名：接收原样 JSON Options。
type NewDecoder func(raw json.RawMessage) (contract.Decoder, error)

// NewWriter 工厂签名：接收原样 JSON Options。
type NewWriter func(raw json.RawMessage) (contract.Writer, error)

// Reader 工厂注册表。
var Reader = map[string]NewReader{
	// fs: 文件系统/STDIN Reader；未指定扩展名过滤时默认只收已注册格式的文件
	"fs": func(raw json.RawMessage) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		if opts.Extensions == nil {
			opts.Extensions = Extensions()
		}
		return rfs.New(&opts), nil
	},
}

// Format 工厂注册表。
var Format = map[string]NewFormat{
	"json": func(raw json.RawMessage) (contract.Format, error) {
		var opts fjson.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return fjson.New(&opts), nil
	},
	"yaml": func(raw json.RawMessage) (contract.Format, error) {
		var opts struct{}
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return fyaml.New(), nil
	},
	"markdown": func(raw json.RawMessage) (contract.Format, error) {
		var opts struct{}
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return fmd.New(), nil
	},
	"srt": func(raw json.RawMessage) (contract.Format, error) {
		var opts fsrt.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return fsrt.New(&opts), nil
	},
	"html": func(raw json.RawMessage) (contract.Format, error) {
		var opts fhtml.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return fhtml.New(&opts), nil
	},
}

// formatByExt: 扩展名（小写、含点）→ Format 名称。
var formatByExt = map[string]string{
	".json":     "json",
	".yaml":     "yaml",
	".yml":      "yaml",
	".md":       "markdown",
	".markdown": "markdown",
	".srt":      "srt",
	".html":     "html",
	".htm":      "html",
}

// DetectFormat 按扩展名推断格式名；未知扩展名返回 ErrUnknownFormat。
func DetectFormat(filename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if name, ok := formatByExt[ext]; ok {
		return name, nil
	}
	return "", fmt.Errorf("%w: %q", contract.ErrUnknownFormat, filename)
}

// Extensions 返回已注册的扩展名（字典序）。
func Extensions() []string {
	out := make([]string, 0, len(formatByExt))
	for ext := range formatByExt {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// PromptBuilder 工厂注册表。
var PromptBuilder = map[string]NewPromptBuilder{
	// translate: 键值文档翻译（system 规则 + user 块 JSON）
	"translate": func(raw json.RawMessage) (contract.PromptBuilder, error) {
		var opts ppt.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return ppt.New(&opts)
	},
}

// LLMClient 工厂注册表。选项由各实现自行解码。
var LLMClient = map[string]NewLLMClient{
	"openai": func(raw json.RawMessage) (contract.LLMClient, error) { return oai.New(raw) },
	"gemini": func(raw json.RawMessage) (contract.LLMClient, error) { return gmi.New(raw) },
	"mock":   func(raw json.RawMessage) (contract.LLMClient, error) { return mock.New(raw) },
	"flaky":  func(raw json.RawMessage) (contract.LLMClient, error) { return flaky.New(raw) },
}

// Decoder 工厂注册表。
var Decoder = map[string]NewDecoder{
	// jsonmap: 与发送块同形的 JSON 对象
	"jsonmap": func(raw json.RawMessage) (contract.Decoder, error) {
		var opts jmap.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		b, _ := json.Marshal(opts)
		return jmap.New(b)
	},
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（默认原子替换）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts), nil
	},
}
