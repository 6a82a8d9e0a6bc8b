// Package openai 对接 OpenAI 兼容的 Chat Completions 接口。
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"llmkvt/pkg/contract"
	"llmkvt/plugins/llmclient/internal/httpx"
)

// Options: 最小必需配置。
type Options struct {
	BaseURL        string   `json:"base_url"`        // 例如 https://api.openai.com/v1
	Model          string   `json:"model"`           // 为空则使用默认
	APIKeyEnv      string   `json:"api_key_env"`     // 优先从环境变量读取
	APIKey         string   `json:"api_key"`         // 明文传入（仅测试）
	TimeoutSeconds int      `json:"timeout_seconds"` // client 级超时（秒）
	Temperature    *float64 `json:"temperature,omitempty"`
	// JSONMode: 无 schema 时请求 response_format=json_object。默认开启。
	JSONMode *bool `json:"json_mode,omitempty"`
	// 第三方兼容：
	EndpointPath       string            `json:"endpoint_path"`        // 覆盖默认 /chat/completions；可为完整 URL
	DisableDefaultAuth bool              `json:"disable_default_auth"` // 关闭 Authorization: Bearer 注入
	ExtraHeaders       map[string]string `json:"extra_headers"`
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://api.openai.com/v1"
	}
	if o.Model == "" {
		o.Model = "gpt-4.1-mini"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "OPENAI_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/chat/completions"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
	if o.JSONMode == nil {
		t := true
		o.JSONMode = &t
	}
}

type Client struct {
	url      string
	model    string
	temp     *float64
	jsonMode bool
	headers  map[string]string
	do       httpx.Doer
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("openai options: %w", err)
		}
	}
	opts.defaults()
	key := httpx.ResolveKey(opts.APIKey, opts.APIKeyEnv)
	if key == "" && !opts.DisableDefaultAuth {
		return nil, fmt.Errorf("openai: %w: missing api key", contract.ErrInvalidInput)
	}
	headers := make(map[string]string, len(opts.ExtraHeaders)+1)
	if !opts.DisableDefaultAuth {
		headers["Authorization"] = "Bearer " + key
	}
	for k, v := range opts.ExtraHeaders {
		headers[k] = v
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	return &Client{
		url:      httpx.JoinURL(opts.BaseURL, opts.EndpointPath),
		model:    opts.Model,
		temp:     opts.Temperature,
		jsonMode: *opts.JSONMode,
		headers:  headers,
		do:       hc.Do,
	}, nil
}

type oaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaReq struct {
	Model          string            `json:"model"`
	Messages       []oaMessage       `json:"messages"`
	Temperature    *float64          `json:"temperature,omitempty"`
	ResponseFormat *oaResponseFormat `json:"response_format,omitempty"`
}

type oaResponseFormat struct {
	Type       string        `json:"type"` // json_object | json_schema
	JSONSchema *oaJSONSchema `json:"json_schema,omitempty"`
}

type oaJSONSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict,omitempty"`
}

type oaResp struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// request 构造请求体。携带 Entries 的批次才会请求 JSON 输出；语言探测等自由文本请求不加 response_format。
func (c *Client) request(b contract.Batch, p contract.Prompt) (*oaReq, error) {
	pp, schema := httpx.SplitSchema(p)
	msgs, err := httpx.Messages(pp)
	if err != nil {
		return nil, err
	}
	req := &oaReq{Model: c.model, Temperature: c.temp, Messages: make([]oaMessage, 0, len(msgs))}
	for _, m := range msgs {
		req.Messages = append(req.Messages, oaMessage{Role: m.Role, Content: m.Content})
	}
	switch {
	case len(schema) > 0:
		req.ResponseFormat = &oaResponseFormat{Type: "json_schema", JSONSchema: &oaJSONSchema{Name: "kv_translation", Schema: schema, Strict: true}}
	case c.jsonMode && b.Entries != nil:
		req.ResponseFormat = &oaResponseFormat{Type: "json_object"}
	}
	return req, nil
}

// Invoke: 单次调用，同步返回。
func (c *Client) Invoke(ctx context.Context, b contract.Batch, p contract.Prompt) (contract.Raw, error) {
	req, err := c.request(b, p)
	if err != nil {
		return contract.Raw{}, err
	}
	var or oaResp
	if err := httpx.PostJSON(ctx, c.do, "openai", c.url, c.headers, req, &or); err != nil {
		return contract.Raw{}, err
	}
	if len(or.Choices) == 0 || or.Choices[0].Message.Content == "" {
		return contract.Raw{}, fmt.Errorf("openai: empty choices: %w", contract.ErrResponseInvalid)
	}
	return contract.Raw{Text: or.Choices[0].Message.Content}, nil
}
