package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON 使用 snake_case；未知字段在解析期失败。
type Config struct {
	Inputs []string `json:"inputs"`
	// Output: 输出路径模板，可用 {{.Dir}} {{.Base}} {{.Stem}} {{.Ext}} {{.Lang}}；
	// 不含模板时视为字面路径（仅限单个输入）。
	Output string `json:"output"`

	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`
	// Variant: auto|flat|kv|tree
	Variant string `json:"variant"`
	// Format: auto|json|yaml|markdown|srt|html
	Format    string `json:"format"`
	Delimiter string `json:"delimiter"`
	// Indent: 输出缩进；0 表示从源文件探测。
	Indent int `json:"indent"`
	// Guidance: 随每个块发送的背景说明。
	Guidance string `json:"guidance"`

	Concurrency int `json:"concurrency"`
	// MaxTokens: 单次请求 token 上限；扣除提示开销后为块预算。
	MaxTokens     int `json:"max_tokens"`
	BytesPerToken int `json:"bytes_per_token"`
	// Estimator: bytes|runes
	Estimator string `json:"estimator"`
	// MaxRetries: LLM 阶段最大重试次数（>=0）。0 表示不重试。
	MaxRetries int  `json:"max_retries"`
	Force      bool `json:"force"`

	Memo    Memo    `json:"memo"`
	Logging Logging `json:"logging"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`

	// LLM Provider 选择与定义。
	LLM      string              `json:"llm"`
	Provider map[string]Provider `json:"provider"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Memo: 译文缓存；Path 为空则关闭。
type Memo struct {
	Path string `json:"path"`
}

// Logging: 日志等级与目录；轮转策略为固定默认。
type Logging struct {
	Level string `json:"level"`
	Dir   string `json:"dir"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Reader        string `json:"reader"`
	Writer        string `json:"writer"`
	PromptBuilder string `json:"prompt_builder"`
	Decoder       string `json:"decoder"`
}

// Options: 各组件的原样 JSON Options。Formats 以格式名为键。
type Options struct {
	Reader        json.RawMessage            `json:"reader"`
	Writer        json.RawMessage            `json:"writer"`
	PromptBuilder json.RawMessage            `json:"prompt_builder"`
	Decoder       json.RawMessage            `json:"decoder"`
	Formats       map[string]json.RawMessage `json:"formats"`
}

// Provider: 命名 provider 定义（client 实现 + options + 限额）。
type Provider struct {
	Client  string          `json:"client"`
	Options json.RawMessage `json:"options"`
	Limits  Limits          `json:"limits"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Gate）。
type Limits struct {
	RPM             int `json:"rpm"`
	TPM             int `json:"tpm"`
	MaxTokensPerReq int `json:"max_tokens_per_req"`
}
