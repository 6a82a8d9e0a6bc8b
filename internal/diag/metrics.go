package diag

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

// 进程内计数（无外部导出）：
// - op_total{comp,stage,result}
// - error_total{comp,code}
// - op_duration_ms{comp,stage}（累计值）
var (
	metricsMu sync.Mutex
	counters  = map[string]int64{}
)

func bump(name string, delta int64, labels ...string) {
	key := name + "{" + strings.Join(labels, ",") + "}"
	metricsMu.Lock()
	counters[key] += delta
	metricsMu.Unlock()
}

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) { bump("op_total", 1, comp, stage, result) }

// IncError 按分类累加错误计数。
func IncError(comp, code string) { bump("error_total", 1, comp, code) }

// ObserveDuration 累计阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) { bump("op_duration_ms", durMS, comp, stage) }

// MetricsSnapshot 返回当前计数的有序快照（"name{labels}=value"）。
func MetricsSnapshot() []string {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	out := make([]string, 0, len(counters))
	for k, v := range counters {
		out = append(out, k+"="+strconv.FormatInt(v, 10))
	}
	sort.Strings(out)
	return out
}

// Counter 读取单个计数；name 形如 error_total，labels 按写入顺序。
func Counter(name string, labels ...string) int64 {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	return counters[name+"{"+strings.Join(labels, ",")+"}"]
}
