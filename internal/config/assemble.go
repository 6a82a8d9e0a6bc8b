package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"llmkvt/internal/memo"
	"llmkvt/internal/pipeline"
	"llmkvt/internal/rate"
	"llmkvt/pkg/contract"
	"llmkvt/pkg/engine"
	"llmkvt/pkg/registry"
)

// Validate 对最小必要边界做静态校验。
func Validate(cfg Config) error {
	if len(cfg.Inputs) == 0 {
		return errors.New("config: inputs empty")
	}
	// 输入路径不得为空字符串；"-" 不能与其他根混用
	dash := false
	for _, r := range cfg.Inputs {
		if strings.TrimSpace(r) == "" {
			return errors.New("config: input path cannot be empty")
		}
		if strings.TrimSpace(r) == "-" {
			dash = true
		}
	}
	if dash && len(cfg.Inputs) > 1 {
		return errors.New("config: '-' cannot be mixed with other roots")
	}
	if out := strings.TrimSpace(cfg.Output); out != "" && out != "-" {
		if strings.Contains(out, "{{") {
			if _, err := template.New("output").Parse(out); err != nil {
				return fmt.Errorf("config: output template: %w", err)
			}
		} else if len(cfg.Inputs) > 1 {
			return fmt.Errorf("config: literal output %q needs a single input; use a template such as %s", out, pipeline.DefaultOutput)
		}
	}
	if strings.TrimSpace(cfg.TargetLang) == "" || strings.EqualFold(strings.TrimSpace(cfg.TargetLang), "auto") {
		return errors.New("config: target_lang must name a language")
	}
	if _, err := engine.ParseVariant(cfg.Variant); err != nil {
		return fmt.Errorf("config: variant: %w", err)
	}
	if f := cfg.Format; f != "" && f != "auto" && registry.Format[f] == nil {
		return fmt.Errorf("config: format %q not registered", f)
	}
	for name := range cfg.Options.Formats {
		if registry.Format[name] == nil {
			return fmt.Errorf("config: options.formats: format %q not registered", name)
		}
	}
	if cfg.Delimiter == "" {
		return errors.New("config: delimiter cannot be empty")
	}
	if cfg.Indent < 0 || cfg.Indent > 16 {
		return errors.New("config: indent must be within [0,16]")
	}
	if cfg.Concurrency < 1 {
		return errors.New("config: concurrency must be >= 1")
	}
	if cfg.MaxTokens <= 0 {
		return errors.New("config: max_tokens must be > 0")
	}
	if cfg.BytesPerToken < 0 {
		return errors.New("config: bytes_per_token must be >= 0")
	}
	switch cfg.Estimator {
	case "", "bytes", "runes":
	default:
		return fmt.Errorf("config: estimator %q must be bytes or runes", cfg.Estimator)
	}
	if cfg.MaxRetries < 0 {
		return errors.New("config: max_retries must be >= 0")
	}
	if cfg.LLM == "" {
		return errors.New("config: llm not set")
	}
	prov, ok := cfg.Provider[cfg.LLM]
	if !ok {
		return fmt.Errorf("config: provider %q not found", cfg.LLM)
	}
	if prov.Client == "" {
		return fmt.Errorf("config: provider %q missing client", cfg.LLM)
	}
	if prov.Limits.MaxTokensPerReq > 0 && cfg.MaxTokens > prov.Limits.MaxTokensPerReq {
		return fmt.Errorf("config: max_tokens(%d) exceeds provider.max_tokens_per_req(%d)", cfg.MaxTokens, prov.Limits.MaxTokensPerReq)
	}
	// 组件名若为空，使用默认名（由 Defaults() 提供）。此处只要最终有值即可。
	d := Defaults().Components
	if name := effName(cfg.Components.Reader, d.Reader); registry.Reader[name] == nil {
		return fmt.Errorf("config: reader %q not registered", name)
	}
	if name := effName(cfg.Components.PromptBuilder, d.PromptBuilder); registry.PromptBuilder[name] == nil {
		return fmt.Errorf("config: prompt_builder %q not registered", name)
	}
	if name := effName(cfg.Components.Decoder, d.Decoder); registry.Decoder[name] == nil {
		return fmt.Errorf("config: decoder %q not registered", name)
	}
	if name := effName(cfg.Components.Writer, d.Writer); registry.Writer[name] == nil {
		return fmt.Errorf("config: writer %q not registered", name)
	}
	if registry.LLMClient[prov.Client] == nil {
		return fmt.Errorf("config: llm client %q not registered", prov.Client)
	}
	return nil
}

// Assemble 构造 Components 与 Settings（含限流 Gate 与分组键）。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
// 返回的 Components.Memo 非空时由调用方关闭。
func Assemble(cfg Config) (pipeline.Components, pipeline.Settings, error) {
	var none pipeline.Components
	if err := Validate(cfg); err != nil {
		return none, pipeline.Settings{}, err
	}

	d := Defaults().Components
	r, err := registry.Reader[effName(cfg.Components.Reader, d.Reader)](cfg.Options.Reader)
	if err != nil {
		return none, pipeline.Settings{}, fmt.Errorf("reader: %w", err)
	}
	pb, err := registry.PromptBuilder[effName(cfg.Components.PromptBuilder, d.PromptBuilder)](cfg.Options.PromptBuilder)
	if err != nil {
		return none, pipeline.Settings{}, fmt.Errorf("prompt_builder: %w", err)
	}
	dec, err := registry.Decoder[effName(cfg.Components.Decoder, d.Decoder)](decoderOptions(cfg))
	if err != nil {
		return none, pipeline.Settings{}, fmt.Errorf("decoder: %w", err)
	}
	w, err := registry.Writer[effName(cfg.Components.Writer, d.Writer)](cfg.Options.Writer)
	if err != nil {
		return none, pipeline.Settings{}, fmt.Errorf("writer: %w", err)
	}

	// 全部已注册格式都装配，便于目录内混合格式
	names := make([]string, 0, len(registry.Format))
	for name := range registry.Format {
		names = append(names, name)
	}
	sort.Strings(names)
	formats := make(map[string]contract.Format, len(names))
	for _, name := range names {
		f, err := registry.Format[name](cfg.Options.Formats[name])
		if err != nil {
			return none, pipeline.Settings{}, fmt.Errorf("format %s: %w", name, err)
		}
		formats[name] = f
	}

	// LLM 客户端
	prov := cfg.Provider[cfg.LLM]
	llm, err := registry.LLMClient[prov.Client](prov.Options)
	if err != nil {
		return none, pipeline.Settings{}, fmt.Errorf("llm %s: %w", cfg.LLM, err)
	}

	// 限流 Gate（按 provider 限额构造；分组键从 options 中派生 API Key）
	// 派生失败则退化为 provider 名称。
	key, kerr := rate.KeyFor(prov.Client, prov.Options)
	if kerr != nil {
		key = rate.LimitKey(cfg.LLM)
	}
	gate := rate.NewGate(map[rate.LimitKey]rate.Limits{
		key: {RPM: prov.Limits.RPM, TPM: prov.Limits.TPM, MaxTokensPerReq: prov.Limits.MaxTokensPerReq},
	}, nil)

	variant, _ := engine.ParseVariant(cfg.Variant)
	set := pipeline.Settings{
		Inputs:        cloneStrings(cfg.Inputs),
		Output:        strings.TrimSpace(cfg.Output),
		OutputRoot:    writerRoot(cfg.Options.Writer),
		SourceLang:    cfg.SourceLang,
		TargetLang:    cfg.TargetLang,
		Variant:       variant,
		Format:        cfg.Format,
		Delimiter:     cfg.Delimiter,
		Indent:        cfg.Indent,
		Guidance:      cfg.Guidance,
		Model:         modelID(cfg.LLM, prov),
		Concurrency:   cfg.Concurrency,
		MaxTokens:     cfg.MaxTokens,
		BytesPerToken: cfg.BytesPerToken,
		RuneEstimate:  cfg.Estimator == "runes",
		MaxRetries:    cfg.MaxRetries,
		RetryDelay:    200 * time.Millisecond,
		Force:         cfg.Force,
		Gate:          gate,
		GateKey:       key,
	}

	// memo 最后打开，前面失败时无需关闭
	store, err := memo.Open(cfg.Memo.Path)
	if err != nil {
		return none, pipeline.Settings{}, err
	}
	comp := pipeline.Components{
		Reader:        r,
		Formats:       formats,
		PromptBuilder: pb,
		LLM:           llm,
		Decoder:       dec,
		Writer:        w,
		Memo:          store,
	}
	return comp, set, nil
}

// decoderOptions: 未显式设置 delimiter 时沿用顶层 delimiter。
func decoderOptions(cfg Config) json.RawMessage {
	var m map[string]json.RawMessage
	if len(cfg.Options.Decoder) > 0 {
		if err := json.Unmarshal(cfg.Options.Decoder, &m); err != nil {
			// 交给工厂报告
			return cfg.Options.Decoder
		}
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	if _, ok := m["delimiter"]; ok || cfg.Delimiter == "" {
		return cfg.Options.Decoder
	}
	b, _ := json.Marshal(cfg.Delimiter)
	m["delimiter"] = b
	out, _ := json.Marshal(m)
	return out
}

// modelID 取 provider options 中的 model；未设置时以客户端名代替。
func modelID(name string, prov Provider) string {
	var o struct {
		Model string `json:"model"`
	}
	if len(prov.Options) > 0 {
		_ = json.Unmarshal(prov.Options, &o)
	}
	if m := strings.TrimSpace(o.Model); m != "" {
		return name + "/" + m
	}
	return name + "/" + prov.Client
}

func writerRoot(raw json.RawMessage) string {
	var o struct {
		Root string `json:"root"`
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &o)
	}
	return strings.TrimSpace(o.Root)
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
