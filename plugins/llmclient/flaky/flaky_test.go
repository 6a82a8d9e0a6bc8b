package flaky

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"llmkvt/pkg/contract"
)

func TestSequence(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "flaky.log")
	c, err := New([]byte(`{"log_path":"` + filepath.ToSlash(logPath) + `"}`))
	if err != nil {
		t.Fatalf("构造失败: %v", err)
	}
	doc := contract.NewDocument(1)
	doc.SetText("k", "v")
	b := contract.Batch{Entries: doc}
	if _, err := c.Invoke(context.Background(), b, nil); !errors.Is(err, contract.ErrRateLimited) {
		t.Fatalf("首次应限流: %v", err)
	}
	if raw, err := c.Invoke(context.Background(), b, nil); err != nil || raw.Text != "invalid" {
		t.Fatalf("第二次应返回非法文本: %v %q", err, raw.Text)
	}
	raw, err := c.Invoke(context.Background(), b, nil)
	if err != nil || !strings.Contains(raw.Text, `"FLAKY: v"`) {
		t.Fatalf("第三次应回显: %v %q", err, raw.Text)
	}
	data, _ := os.ReadFile(logPath)
	if string(data) != "rate_limited\ninvalid_json\nok\n" {
		t.Fatalf("日志不符: %q", data)
	}
}
