// Package flaky 提供带状态的故障注入 LLM，用于验证重试路径。
package flaky

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"llmkvt/pkg/contract"
	"llmkvt/plugins/llmclient/mock"
)

// Options 定义可选项。
type Options struct {
	Prefix string `json:"prefix"`
	// LogPath: 调试用日志文件，逐次记录调用结果。
	LogPath string `json:"log_path,omitempty"`
}

// Client:
// 第一次 Invoke 返回 ErrRateLimited；
// 第二次返回无法解析的文本；
// 之后按 mock 的方式回显。
type Client struct {
	prefix  string
	logPath string
	count   atomic.Int32
}

// New 构造 Client。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("flaky options: %w", err)
		}
	}
	if o.Prefix == "" {
		o.Prefix = "FLAKY"
	}
	return &Client{prefix: o.Prefix, logPath: o.LogPath}, nil
}

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	f, err := os.OpenFile(c.logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(s + "\n")
}

// Invoke 实现 contract.LLMClient。
func (c *Client) Invoke(ctx context.Context, b contract.Batch, p contract.Prompt) (contract.Raw, error) {
	if err := ctx.Err(); err != nil {
		return contract.Raw{}, err
	}
	switch c.count.Add(1) {
	case 1:
		c.log("rate_limited")
		return contract.Raw{}, fmt.Errorf("flaky: %w", contract.ErrRateLimited)
	case 2:
		c.log("invalid_json")
		return contract.Raw{Text: "invalid"}, nil
	}
	c.log("ok")
	if b.Entries == nil {
		return contract.Raw{Text: "English"}, nil
	}
	text, err := mock.Encode(mock.Echo(b.Entries, c.prefix))
	if err != nil {
		return contract.Raw{}, err
	}
	return contract.Raw{Text: text}, nil
}

var _ contract.LLMClient = (*Client)(nil)
