package rate

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// KeyFor 从客户端名与其原始 options JSON 中取 API key（api_key 或 api_key_env），
// 返回 "<client>:<sha256(key) 前 16 字节>" 作为限流分组键。
// mock/flaky 未给 key 时使用固定的调试键；其余客户端缺 key 时报错。
func KeyFor(client string, raw json.RawMessage) (LimitKey, error) {
	var opts struct {
		APIKey    string `json:"api_key"`
		APIKeyEnv string `json:"api_key_env"`
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &opts)
	}
	key := strings.TrimSpace(opts.APIKey)
	if key == "" && opts.APIKeyEnv != "" {
		key = strings.TrimSpace(os.Getenv(opts.APIKeyEnv))
	}
	if key == "" && (client == "mock" || client == "flaky") {
		key = "MOCK_DEBUG_KEY"
	}
	if key == "" {
		return "", fmt.Errorf("rate: missing api key for client %s", client)
	}
	sum := sha256.Sum256([]byte(key))
	return LimitKey(fmt.Sprintf("%s:%x", client, sum[:16])), nil
}
