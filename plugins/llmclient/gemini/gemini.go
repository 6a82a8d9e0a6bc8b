// Package gemini 对接 Google Generative Language API。
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"llmkvt/pkg/contract"
	"llmkvt/plugins/llmclient/internal/httpx"
)

// Options: Gemini 最小必需配置。
type Options struct {
	BaseURL        string `json:"base_url"`    // https://generativelanguage.googleapis.com
	Model          string `json:"model"`       // 默认 gemini-2.5-flash
	APIKeyEnv      string `json:"api_key_env"` // 默认 GOOGLE_API_KEY
	APIKey         string `json:"api_key"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	// 第三方兼容
	EndpointPath  string            `json:"endpoint_path"`    // 默认 /v1beta/models/{model}:generateContent；支持 {model} 占位
	APIKeyInQuery *bool             `json:"api_key_in_query"` // 默认 true；false 时改用 x-goog-api-key 头
	ExtraHeaders  map[string]string `json:"extra_headers"`
	ExtraQuery    map[string]string `json:"extra_query"`
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if o.Model == "" {
		o.Model = "gemini-2.5-flash"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "GOOGLE_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/v1beta/models/{model}:generateContent"
	}
	if o.APIKeyInQuery == nil {
		t := true
		o.APIKeyInQuery = &t
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
}

type Client struct {
	url     string // 已展开模型并附带 query
	headers map[string]string
	do      httpx.Doer
}

func New(raw json.RawMessage) (contract.LLMClient, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("gemini options: %w", err)
		}
	}
	opts.defaults()
	key := httpx.ResolveKey(opts.APIKey, opts.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("gemini: %w: missing api key", contract.ErrInvalidInput)
	}
	path := strings.ReplaceAll(opts.EndpointPath, "{model}", url.PathEscape(opts.Model))
	u, err := url.Parse(httpx.JoinURL(opts.BaseURL, path))
	if err != nil {
		return nil, fmt.Errorf("gemini: invalid url: %v: %w", err, contract.ErrInvalidInput)
	}
	q := u.Query()
	if *opts.APIKeyInQuery {
		q.Set("key", key)
	}
	for k, v := range opts.ExtraQuery {
		if k != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	headers := make(map[string]string, len(opts.ExtraHeaders)+1)
	if !*opts.APIKeyInQuery {
		headers["x-goog-api-key"] = key
	}
	for k, v := range opts.ExtraHeaders {
		headers[k] = v
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	return &Client{url: u.String(), headers: headers, do: hc.Do}, nil
}

type gmPart struct {
	Text string `json:"text"`
}

type gmContent struct {
	Role  string   `json:"role,omitempty"`
	Parts []gmPart `json:"parts"`
}

type gmGenerationConfig struct {
	ResponseMIMEType string          `json:"response_mime_type,omitempty"`
	ResponseSchema   json.RawMessage `json:"response_schema,omitempty"`
}

type gmReq struct {
	SystemInstruction *gmContent          `json:"systemInstruction,omitempty"`
	Contents          []gmContent         `json:"contents"`
	GenerationConfig  *gmGenerationConfig `json:"generationConfig,omitempty"`
}

type gmResp struct {
	Candidates []struct {
		Content struct {
			Parts []gmPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// request: system 消息合并进 systemInstruction；assistant→model，其余→user。
// 携带 Entries 时要求 application/json 输出，schema 存在则一并下发。
func request(b contract.Batch, p contract.Prompt) (*gmReq, error) {
	pp, schema := httpx.SplitSchema(p)
	msgs, err := httpx.Messages(pp)
	if err != nil {
		return nil, err
	}
	req := &gmReq{}
	var sys []gmPart
	for _, m := range msgs {
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "system":
			sys = append(sys, gmPart{Text: m.Content})
		case "assistant", "model":
			req.Contents = append(req.Contents, gmContent{Role: "model", Parts: []gmPart{{Text: m.Content}}})
		default:
			req.Contents = append(req.Contents, gmContent{Role: "user", Parts: []gmPart{{Text: m.Content}}})
		}
	}
	if len(sys) > 0 {
		req.SystemInstruction = &gmContent{Parts: sys}
	}
	if len(req.Contents) == 0 {
		return nil, fmt.Errorf("gemini: %w: no user content", contract.ErrInvalidInput)
	}
	if b.Entries != nil {
		req.GenerationConfig = &gmGenerationConfig{ResponseMIMEType: "application/json", ResponseSchema: schema}
	}
	return req, nil
}

func (c *Client) Invoke(ctx context.Context, b contract.Batch, p contract.Prompt) (contract.Raw, error) {
	req, err := request(b, p)
	if err != nil {
		return contract.Raw{}, err
	}
	var gr gmResp
	if err := httpx.PostJSON(ctx, c.do, "gemini", c.url, c.headers, req, &gr); err != nil {
		return contract.Raw{}, err
	}
	if len(gr.Candidates) == 0 {
		return contract.Raw{}, fmt.Errorf("gemini: no candidates: %w", contract.ErrResponseInvalid)
	}
	var sb strings.Builder
	for _, part := range gr.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	if sb.Len() == 0 {
		return contract.Raw{}, fmt.Errorf("gemini: empty content: %w", contract.ErrResponseInvalid)
	}
	return contract.Raw{Text: sb.String()}, nil
}
