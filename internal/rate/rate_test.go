package rate

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"llmkvt/pkg/contract"
)

// 超过 RPM 后拒绝；时间流逝后恢复
func TestGateTryLimit(t *testing.T) {
	now := time.Unix(0, 0)
	clk := func() time.Time { return now }
	g := NewGate(map[LimitKey]Limits{"k": {RPM: 1, TPM: 10, MaxTokensPerReq: 5}}, clk)
	if !g.Try(Ask{Key: "k", Requests: 1, Tokens: 3}) {
		t.Fatalf("首次应通过")
	}
	if g.Try(Ask{Key: "k", Requests: 1, Tokens: 3}) {
		t.Fatalf("应因 RPM 拒绝")
	}
	now = now.Add(time.Minute)
	if !g.Try(Ask{Key: "k", Requests: 1, Tokens: 3}) {
		t.Fatalf("一分钟后应恢复")
	}
	if rpm, tpm := g.Snapshot("k"); rpm != 0 || tpm != 7 {
		t.Fatalf("快照错误: %d %d", rpm, tpm)
	}
}

func TestGateUnknownKeyUnlimited(t *testing.T) {
	g := NewGate(nil, nil)
	for i := 0; i < 100; i++ {
		if !g.Try(Ask{Key: "free", Requests: 1, Tokens: 1000}) {
			t.Fatalf("未配置分组应不限额")
		}
	}
}

func TestGateWaitErrors(t *testing.T) {
	g := NewGate(map[LimitKey]Limits{"k": {MaxTokensPerReq: 5}}, nil)
	if err := g.Wait(context.Background(), Ask{Key: "k", Requests: 1, Tokens: 6}); !errors.Is(err, contract.ErrBudgetExceeded) {
		t.Fatalf("超单请求上限应报 ErrBudgetExceeded: %v", err)
	}
	if err := g.Wait(context.Background(), Ask{Key: "k"}); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("Requests=0 应报 ErrInvalidInput: %v", err)
	}
}

func TestGateWaitCancel(t *testing.T) {
	now := time.Unix(0, 0)
	g := NewGate(map[LimitKey]Limits{"k": {RPM: 1}}, func() time.Time { return now })
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx, Ask{Key: "k", Requests: 2}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("应返回超时错误: %v", err)
	}
}

func TestKeyFor(t *testing.T) {
	t.Setenv("TEST_KEY", "abc")
	raw, _ := json.Marshal(map[string]any{"api_key_env": "TEST_KEY"})
	k, err := KeyFor("openai", raw)
	if err != nil || !strings.HasPrefix(string(k), "openai:") {
		t.Fatalf("派生失败: %v %q", err, k)
	}
	k2, _ := KeyFor("openai", json.RawMessage(`{"api_key":"abc"}`))
	if k != k2 {
		t.Fatalf("同一 key 应得到同一分组")
	}
	if _, err := KeyFor("openai", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("缺少 key 应失败")
	}
	if _, err := KeyFor("mock", nil); err != nil {
		t.Fatalf("mock 应使用调试键: %v", err)
	}
}
