package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"llmkvt/internal/diag"
	"llmkvt/pkg/contract"
)

// 形如 "English"/"Chinese" 的英文语言名直接使用，其余（zh、pt-BR、中文）交给 LLM 换算。
var languageNameRe = regexp.MustCompile(`^[A-Z][a-z]{2,}$`)

const languageSystemPrompt = "You are a helpful assistant that directly print the language name in English."

// languagePrompt: 请求把语言代码转为英文语言名的自由文本提示（Batch.Entries 为 nil）。
func languagePrompt(code string) contract.ChatPrompt {
	return contract.ChatPrompt{
		{Role: "system", Content: languageSystemPrompt},
		{Role: "user", Content: code},
	}
}

// resolveLanguage 返回 code 对应的英文语言名；空或 "auto" 返回空串（由提示词让模型自行识别）。
func (r *runner) resolveLanguage(ctx context.Context, code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" || strings.EqualFold(code, "auto") {
		return "", nil
	}
	if languageNameRe.MatchString(code) {
		return code, nil
	}
	if name, ok := r.langs[code]; ok {
		return name, nil
	}
	var name string
	f := diag.Fields{KV: map[string]string{"code": code}}
	err := r.invoke(ctx, contract.Batch{}, languagePrompt(code), f, func(raw contract.Raw) error {
		n, err := cleanLanguageName(raw.Text)
		name = n
		return err
	})
	if err != nil {
		return "", fmt.Errorf("resolve language %q: %w", code, err)
	}
	r.langs[code] = name
	r.log.Info("lang", code+" -> "+name, f)
	return name, nil
}

// cleanLanguageName 取首个非空行，去掉引号与句末标点；过长或为空视为无效回复。
func cleanLanguageName(s string) (string, error) {
	for _, line := range strings.Split(s, "\n") {
		line = strings.Trim(strings.TrimSpace(line), "\"'`*.。")
		if line == "" {
			continue
		}
		if len(line) > 64 {
			break
		}
		return line, nil
	}
	return "", fmt.Errorf("%w: language name %q", contract.ErrResponseInvalid, s)
}
