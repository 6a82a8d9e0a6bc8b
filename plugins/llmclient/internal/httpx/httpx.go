// Package httpx 为 HTTP 型 LLM 客户端提供共用的请求发送与错误归类。
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"llmkvt/pkg/contract"
)

// SchemaRole: PromptBuilder 用于携带 JSON Schema 的伪角色；客户端发送前将其剥离。
const SchemaRole = "json_schema"

// UpstreamError: 上游 408/5xx。实现 net.Error 以便归类为网络错误（可重试），
// 同时实现 contract.UpstreamError 供日志记录状态码。
type UpstreamError struct {
	Provider string
	Status   int
	Msg      string
}

func (e UpstreamError) Error() string {
	return fmt.Sprintf("%s upstream %d: %s", e.Provider, e.Status, e.Msg)
}
func (e UpstreamError) Timeout() bool           { return e.Status == http.StatusRequestTimeout }
func (e UpstreamError) Temporary() bool         { return e.Status/100 == 5 }
func (e UpstreamError) UpstreamStatus() int     { return e.Status }
func (e UpstreamError) UpstreamMessage() string { return e.Msg }

var _ contract.UpstreamError = UpstreamError{}

// SplitSchema 从 ChatPrompt 中取出 json_schema 消息（内容须为合法 JSON），返回其余消息与 schema。
func SplitSchema(p contract.Prompt) (contract.Prompt, json.RawMessage) {
	cp, ok := p.(contract.ChatPrompt)
	if !ok {
		return p, nil
	}
	out := make(contract.ChatPrompt, 0, len(cp))
	var schema json.RawMessage
	for _, m := range cp {
		if strings.EqualFold(strings.TrimSpace(m.Role), SchemaRole) {
			if json.Valid([]byte(m.Content)) {
				schema = json.RawMessage(m.Content)
			}
			continue
		}
		out = append(out, m)
	}
	return out, schema
}

// Messages 将 Prompt 规整为消息列表；TextPrompt 视为单条 user 消息。
func Messages(p contract.Prompt) ([]contract.Message, error) {
	switch v := p.(type) {
	case contract.TextPrompt:
		return []contract.Message{{Role: "user", Content: string(v)}}, nil
	case contract.ChatPrompt:
		return []contract.Message(v), nil
	default:
		return nil, fmt.Errorf("%w: unsupported prompt type %T", contract.ErrInvalidInput, p)
	}
}

// JoinURL 拼接 base 与 path；path 本身为完整 URL 时原样返回。
func JoinURL(base, path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// ResolveKey 优先使用明文 key，否则读取环境变量 env。
func ResolveKey(key, env string) string {
	if key != "" {
		return key
	}
	if env != "" {
		return strings.TrimSpace(os.Getenv(env))
	}
	return ""
}

// Doer: *http.Client.Do 的函数形态，便于测试替换。
type Doer func(*http.Request) (*http.Response, error)

// PostJSON 发送 JSON 请求并把 2xx 响应体解码到 out。
// 429 → ErrRateLimited；408/5xx → UpstreamError；其余非 2xx → ErrInvalidInput；响应体无法解码 → ErrResponseInvalid。
func PostJSON(ctx context.Context, do Doer, provider, url string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode: %v: %w", provider, err, contract.ErrInvalidInput)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: new request: %v: %w", provider, err, contract.ErrInvalidInput)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		if k != "" {
			req.Header.Set(k, v)
		}
	}
	resp, err := do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w", provider, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w", provider, contract.ErrRateLimited)
	case resp.StatusCode/100 != 2:
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		msg := strings.TrimSpace(string(slurp))
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode/100 == 5 {
			return UpstreamError{Provider: provider, Status: resp.StatusCode, Msg: msg}
		}
		return fmt.Errorf("%s upstream %d: %s: %w", provider, resp.StatusCode, msg, contract.ErrInvalidInput)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %v: %w", provider, err, contract.ErrResponseInvalid)
	}
	return nil
}
