package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// EnvPrefix: 环境变量覆盖前缀。
const EnvPrefix = "LLM_KVT_"

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：LLM 不设默认（必须由 JSON/ENV/CLI 提供）。
func Defaults() Config {
	return Config{
		SourceLang:  "auto",
		TargetLang:  "English",
		Variant:     "auto",
		Format:      "auto",
		Delimiter:   "|",
		Concurrency: 1,
		MaxTokens:   1500,
		Estimator:   "bytes",
		MaxRetries:  2,
		Components: Components{
			Reader:        "fs",
			Writer:        "fs",
			PromptBuilder: "translate",
			Decoder:       "jsonmap",
		},
	}
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
// 未出现的 max_retries 保持 -1，Merge 时不覆盖。
func LoadJSON(path string, raw []byte) (Config, error) {
	cfg := Config{MaxRetries: -1}
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	if len(over.Inputs) > 0 {
		out.Inputs = cloneStrings(over.Inputs)
	}
	setStr(&out.Output, over.Output)
	setStr(&out.SourceLang, over.SourceLang)
	setStr(&out.TargetLang, over.TargetLang)
	setStr(&out.Variant, over.Variant)
	setStr(&out.Format, over.Format)
	if over.Delimiter != "" {
		out.Delimiter = over.Delimiter
	}
	if over.Indent != 0 {
		out.Indent = over.Indent
	}
	if over.Guidance != "" {
		out.Guidance = over.Guidance
	}
	if over.Concurrency != 0 {
		out.Concurrency = over.Concurrency
	}
	if over.MaxTokens != 0 {
		out.MaxTokens = over.MaxTokens
	}
	if over.BytesPerToken != 0 {
		out.BytesPerToken = over.BytesPerToken
	}
	setStr(&out.Estimator, over.Estimator)
	// 特殊：MaxRetries 的 0 具有语义（禁用重试），需要显式可覆盖。
	// 约定：当 over.MaxRetries >= 0 时认为“存在”，否则（例如 -1）视为未覆盖。
	if over.MaxRetries >= 0 {
		out.MaxRetries = over.MaxRetries
	}
	if over.Force {
		out.Force = true
	}
	setStr(&out.Memo.Path, over.Memo.Path)
	setStr(&out.Logging.Level, over.Logging.Level)
	setStr(&out.Logging.Dir, over.Logging.Dir)

	// 组件名（空不覆盖）
	setStr(&out.Components.Reader, over.Components.Reader)
	setStr(&out.Components.Writer, over.Components.Writer)
	setStr(&out.Components.PromptBuilder, over.Components.PromptBuilder)
	setStr(&out.Components.Decoder, over.Components.Decoder)

	// Provider（完整替换对应键）
	if len(over.Provider) > 0 {
		prov := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			prov[k] = v
		}
		for k, v := range over.Provider {
			prov[k] = v
		}
		out.Provider = prov
	}

	// Options（完整替换对应键）
	if len(over.Options.Reader) > 0 {
		out.Options.Reader = cloneRaw(over.Options.Reader)
	}
	if len(over.Options.Writer) > 0 {
		out.Options.Writer = cloneRaw(over.Options.Writer)
	}
	if len(over.Options.PromptBuilder) > 0 {
		out.Options.PromptBuilder = cloneRaw(over.Options.PromptBuilder)
	}
	if len(over.Options.Decoder) > 0 {
		out.Options.Decoder = cloneRaw(over.Options.Decoder)
	}
	if len(over.Options.Formats) > 0 {
		fm := make(map[string]json.RawMessage, len(out.Options.Formats)+len(over.Options.Formats))
		for k, v := range out.Options.Formats {
			fm[k] = v
		}
		for k, v := range over.Options.Formats {
			fm[k] = cloneRaw(v)
		}
		out.Options.Formats = fm
	}

	setStr(&out.LLM, over.LLM)
	return out
}

func setStr(dst *string, v string) {
	if t := strings.TrimSpace(v); t != "" {
		*dst = t
	}
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 LLM_KVT_；集合之外的键忽略；数值无法解析时报错。
// 支持：INPUTS, OUTPUT, SOURCE_LANG, TARGET_LANG, VARIANT, FORMAT, DELIMITER, INDENT, GUIDANCE,
// CONCURRENCY, MAX_TOKENS, BYTES_PER_TOKEN, ESTIMATOR, MAX_RETRIES, FORCE, MEMO_PATH,
// LOG_LEVEL, LOG_DIR, LLM, COMPONENTS_*
// 以及 PROVIDER__<name>__CLIENT / PROVIDER__<name>__LIMITS_{RPM,TPM,MAX_TOKENS_PER_REQ} / PROVIDER__<name>__OPTIONS_JSON
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	// 默认：-1 表示未设置，以便 Merge 能区分“未覆盖”和“显式设置为 0”。
	over.MaxRetries = -1
	prov := map[string]Provider{}
	ints := map[string]*int{
		"INDENT":          &over.Indent,
		"CONCURRENCY":     &over.Concurrency,
		"MAX_TOKENS":      &over.MaxTokens,
		"BYTES_PER_TOKEN": &over.BytesPerToken,
		"MAX_RETRIES":     &over.MaxRetries,
	}
	strs := map[string]*string{
		"OUTPUT":                    &over.Output,
		"SOURCE_LANG":               &over.SourceLang,
		"TARGET_LANG":               &over.TargetLang,
		"VARIANT":                   &over.Variant,
		"FORMAT":                    &over.Format,
		"ESTIMATOR":                 &over.Estimator,
		"MEMO_PATH":                 &over.Memo.Path,
		"LOG_LEVEL":                 &over.Logging.Level,
		"LOG_DIR":                   &over.Logging.Dir,
		"LLM":                       &over.LLM,
		"COMPONENTS_READER":         &over.Components.Reader,
		"COMPONENTS_WRITER":         &over.Components.Writer,
		"COMPONENTS_PROMPT_BUILDER": &over.Components.PromptBuilder,
		"COMPONENTS_DECODER":        &over.Components.Decoder,
	}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		nk, val := kv[len(EnvPrefix):eq], kv[eq+1:]
		if p, ok := ints[nk]; ok {
			if strings.TrimSpace(val) == "" {
				continue
			}
			v, err := atoi(val)
			if err != nil {
				return over, fmt.Errorf("config: %s%s=%q: %w", EnvPrefix, nk, val, err)
			}
			*p = v
			continue
		}
		if p, ok := strs[nk]; ok {
			*p = strings.TrimSpace(val)
			continue
		}
		switch nk {
		case "INPUTS":
			over.Inputs = splitComma(val)
		case "DELIMITER":
			// 分隔符可能含空白，保留原样
			over.Delimiter = val
		case "GUIDANCE":
			over.Guidance = val
		case "FORCE":
			if strings.TrimSpace(val) == "" {
				continue
			}
			b, err := strconv.ParseBool(strings.TrimSpace(val))
			if err != nil {
				return over, fmt.Errorf("config: %sFORCE=%q: %w", EnvPrefix, val, err)
			}
			over.Force = b
		default:
			// provider.* 路径：PROVIDER__name__FOO
			if !strings.HasPrefix(nk, "PROVIDER__") {
				continue
			}
			parts := strings.Split(nk, "__")
			if len(parts) < 3 {
				continue
			}
			name := strings.TrimSpace(parts[1])
			field := strings.Join(parts[2:], "__")
			p := prov[name]
			changed := false
			switch field {
			case "CLIENT":
				if tv := strings.TrimSpace(val); tv != "" {
					p.Client = tv
					changed = true
				}
			case "LIMITS_RPM", "LIMITS_TPM", "LIMITS_MAX_TOKENS_PER_REQ":
				v, err := atoi(val)
				if err != nil {
					continue
				}
				switch field {
				case "LIMITS_RPM":
					p.Limits.RPM = v
				case "LIMITS_TPM":
					p.Limits.TPM = v
				default:
					p.Limits.MaxTokensPerReq = v
				}
				changed = true
			case "OPTIONS_JSON":
				// 原样 JSON；空值视为未设置，避免清空现有配置
				if strings.TrimSpace(val) != "" {
					p.Options = json.RawMessage(val)
					changed = true
				}
			}
			// 仅在发生有效变更时记录该 provider；避免空值覆盖 config.json
			if changed {
				prov[name] = p
			}
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, nil
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func atoi(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &n)
	if err != nil {
		return 0, err
	}
	return n, nil
}
