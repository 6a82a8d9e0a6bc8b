package diag

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Terminal: 面向人的进度提示（非日志）。
// - TTY 下块进度单行 \r 覆盖，非 TTY 只在文档起止处分行打印；
// - 并发安全；nil 或 disabled 时为 no-op；写失败后自动禁用。
type Terminal struct {
	w       io.Writer
	enabled bool
	isTTY   bool

	concurrency int
	llm         string
	runStart    time.Time
	docsDone    int
	docsSkipped int

	doc        string
	chunks     int
	chunksDone int
	memoHits   int

	lastLen   int
	lastFlush time.Time

	mu sync.Mutex
}

// NewTerminal 构造终端提示器；w 为 nil 时输出到 stderr。
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	t := &Terminal{w: w, enabled: enabled}
	if os.Getenv("CI") == "" {
		if f, ok := w.(*os.File); ok {
			if fi, err := f.Stat(); err == nil {
				t.isTTY = fi.Mode()&os.ModeCharDevice != 0
			}
		}
	}
	return t
}

func (t *Terminal) lock() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	if !t.enabled {
		t.mu.Unlock()
		return false
	}
	return true
}

// RunStart 记录运行参数。
func (t *Terminal) RunStart(concurrency int, llm string) {
	if !t.lock() {
		return
	}
	defer t.mu.Unlock()
	t.concurrency, t.llm = concurrency, llm
	t.runStart = time.Now()
	t.docsDone, t.docsSkipped = 0, 0
	t.println(fmt.Sprintf("[run] 并发=%d | llm=%s", concurrency, oneLine(llm)))
}

// DocStart 标记当前文档及其计划：保留条目、待翻译条目、块数。
func (t *Terminal) DocStart(fileID string, retained, pending, chunks int) {
	if !t.lock() {
		return
	}
	defer t.mu.Unlock()
	t.doc = shortenBase(fileID, 48)
	t.chunks, t.chunksDone, t.memoHits = chunks, 0, 0
	t.println(fmt.Sprintf("[doc] %s | 保留=%d | 待译=%d | 块=%d", t.doc, retained, pending, chunks))
}

// ChunkDone 报告一个块完成（memo=true 表示命中翻译缓存），TTY 下 100ms 节流刷新。
func (t *Terminal) ChunkDone(memo bool) {
	if !t.lock() {
		return
	}
	defer t.mu.Unlock()
	t.chunksDone++
	if memo {
		t.memoHits++
	}
	if !t.isTTY {
		return
	}
	now := time.Now()
	if t.chunksDone < t.chunks && now.Sub(t.lastFlush) < 100*time.Millisecond {
		return
	}
	t.lastFlush = now
	t.printInline(fmt.Sprintf("[doc] %s | 块 %d/%d | 缓存命中 %d | 用时 %s",
		t.doc, t.chunksDone, t.chunks, t.memoHits, formatDur(time.Since(t.runStart))))
}

// DocFinish 结束当前文档。
func (t *Terminal) DocFinish(ok bool, dur time.Duration) {
	if !t.lock() {
		return
	}
	defer t.mu.Unlock()
	t.docsDone++
	status := "done"
	if !ok {
		status = "fail"
	}
	if t.isTTY && t.lastLen > 0 {
		t.printInline("")
	}
	t.println(fmt.Sprintf("[%s] %s | 块 %d/%d | 用时 %s", status, t.doc, t.chunksDone, t.chunks, formatDur(dur)))
}

// DocUnchanged 报告文档无需翻译（译文已覆盖全部键）。
func (t *Terminal) DocUnchanged(fileID string) {
	if !t.lock() {
		return
	}
	defer t.mu.Unlock()
	t.docsDone++
	t.docsSkipped++
	t.println(fmt.Sprintf("[skip] %s | 无新增键", shortenBase(fileID, 48)))
}

// RunFinish 打印总览。
func (t *Terminal) RunFinish(ok bool, dur time.Duration) {
	if !t.lock() {
		return
	}
	defer t.mu.Unlock()
	tag := "ok"
	if !ok {
		tag = "fail"
	}
	t.println(fmt.Sprintf("[%s] 文档 %d（未变 %d）| 总用时 %s", tag, t.docsDone, t.docsSkipped, formatDur(dur)))
}

func (t *Terminal) println(s string) {
	if _, err := io.WriteString(t.w, s+"\n"); err != nil {
		t.enabled = false
	}
	t.lastLen = 0
}

func (t *Terminal) printInline(s string) {
	var b strings.Builder
	b.WriteByte('\r')
	b.WriteString(s)
	if l := visLen(s); t.lastLen > l {
		b.WriteString(strings.Repeat(" ", t.lastLen-l))
	}
	if _, err := io.WriteString(t.w, b.String()); err != nil {
		t.enabled = false
		return
	}
	t.lastLen = visLen(s)
}

// shortenBase 取基名并按 rune 数截断（尾部省略号）。
func shortenBase(s string, max int) string {
	base := filepath.Base(strings.TrimSpace(s))
	if max <= 1 || visLen(base) <= max {
		return base
	}
	rs := []rune(base)
	return string(rs[:max-1]) + "…"
}

func visLen(s string) int { return len([]rune(s)) }

func oneLine(s string) string {
	return strings.NewReplacer("\n", " ", "\r", " ").Replace(s)
}

func formatDur(d time.Duration) string {
	if d < time.Second {
		if d < 0 {
			d = 0
		}
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", float64(d.Milliseconds())/1000.0)
}
