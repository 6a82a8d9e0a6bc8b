package config

import "encoding/json"

// DefaultTemplateConfig 返回一个可直接运行的默认配置模板：
// - 使用 mock LLM 与合理限额（本地/离线调试友好）；
// - 输入 locales/en.json，译文写到同目录 en.<lang>.json；
// - 选项给出全部键与中性默认值。
func DefaultTemplateConfig() Config {
	d := Defaults()
	cfg := Config{
		Inputs:        []string{"locales/en.json"},
		Output:        "{{.Dir}}/{{.Stem}}.{{.Lang}}{{.Ext}}",
		SourceLang:    d.SourceLang,
		TargetLang:    "Chinese",
		Variant:       d.Variant,
		Format:        d.Format,
		Delimiter:     d.Delimiter,
		Concurrency:   d.Concurrency,
		MaxTokens:     d.MaxTokens,
		BytesPerToken: 4,
		Estimator:     d.Estimator,
		MaxRetries:    d.MaxRetries,
		Memo:          Memo{Path: ".llmkvt/memo.db"},
		Logging:       Logging{Level: "info", Dir: "logs"},
		Components:    d.Components,
		LLM:           "mock",
		Provider: map[string]Provider{
			"mock": {
				Client:  "mock",
				Options: json.RawMessage(`{"prefix":"","api_key":"","response_mode":""}`),
				Limits:  Limits{RPM: 60, TPM: 100000, MaxTokensPerReq: 4096},
			},
			"openai": {
				Client: "openai",
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "OPENAI_API_KEY",
  "api_key": "",
  "timeout_seconds": 60,
  "temperature": null,
  "json_mode": true,
  "endpoint_path": "",
  "disable_default_auth": false,
  "extra_headers": {}
}`),
				Limits: Limits{RPM: 0, TPM: 0, MaxTokensPerReq: 0},
			},
			"gemini": {
				Client: "gemini",
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "GOOGLE_API_KEY",
  "api_key": "",
  "endpoint_path": "",
  "timeout_seconds": 60,
  "api_key_in_query": true,
  "extra_headers": {},
  "extra_query": {}
}`),
				Limits: Limits{RPM: 0, TPM: 0, MaxTokensPerReq: 0},
			},
		},
	}
	cfg.Options.Reader = json.RawMessage(`{
  "buf_size": 65536,
  "exclude_dir_names": [".git", "node_modules", "vendor"]
}`)
	cfg.Options.Writer = json.RawMessage(`{
  "root": "",
  "atomic": true,
  "buf_size": 65536
}`)
	cfg.Options.PromptBuilder = json.RawMessage(`{
  "inline_system_template": "",
  "system_template_path": "",
  "inline_glossary": "",
  "glossary_path": "",
  "key_schema": false
}`)
	cfg.Options.Decoder = json.RawMessage(`{
  "reject_echo": false
}`)
	cfg.Options.Formats = map[string]json.RawMessage{
		"json": json.RawMessage(`{"trailing_newline": true}`),
		"srt":  json.RawMessage(`{"max_fragment_bytes": 0}`),
		"html": json.RawMessage(`{"skip_tags": ["script", "style", "code", "pre", "textarea", "noscript"], "attributes": ["alt", "title", "placeholder", "aria-label"]}`),
	}
	return cfg
}
