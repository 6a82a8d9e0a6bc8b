package diag

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// RotatingFile 按大小轮转的日志文件。
// - 当前文件：<prefix>-current.log；
// - 写入后将超过 maxBytes 时，当前文件改名为 <prefix>-<UTC 时间戳>.log 并重新创建；
// - 历史文件最多保留 keep 个（按名称即时间排序，删除最旧的），keep<=0 表示不清理。
type RotatingFile struct {
	dir      string
	prefix   string
	maxBytes int64
	keep     int

	mu   sync.Mutex
	f    *os.File
	size int64
}

// NewRotatingFile 创建轮转文件；maxBytes<=0 时取 10 MiB，默认保留 5 个历史文件。
func NewRotatingFile(dir, prefix string, maxBytes int64) *RotatingFile {
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}
	if prefix == "" {
		prefix = "llmkvt"
	}
	return &RotatingFile{dir: dir, prefix: prefix, maxBytes: maxBytes, keep: 5}
}

// SetKeep 调整历史文件保留数。
func (w *RotatingFile) SetKeep(n int) {
	w.mu.Lock()
	w.keep = n
	w.mu.Unlock()
}

func (w *RotatingFile) currentPath() string {
	return filepath.Join(w.dir, w.prefix+"-current.log")
}

// WriteLine 追加一行（自动补换行）。
func (w *RotatingFile) WriteLine(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.open(); err != nil {
		return err
	}
	line := append(b, '\n')
	if w.size > 0 && w.size+int64(len(line)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	n, err := w.f.Write(line)
	w.size += int64(n)
	return err
}

func (w *RotatingFile) open() error {
	if w.f != nil {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.currentPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.f = f
	w.size = 0
	if st, err := f.Stat(); err == nil {
		w.size = st.Size()
	}
	return nil
}

func (w *RotatingFile) rotate() error {
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	// 纳秒精度，避免同秒覆盖
	stamp := time.Now().UTC().Format("20060102-150405.000000000")
	rotated := filepath.Join(w.dir, fmt.Sprintf("%s-%s.log", w.prefix, stamp))
	if err := os.Rename(w.currentPath(), rotated); err != nil {
		return fmt.Errorf("rotate log: %w", err)
	}
	w.prune()
	return w.open()
}

// prune 删除超出保留数的最旧历史文件；失败忽略。
func (w *RotatingFile) prune() {
	if w.keep <= 0 {
		return
	}
	olds, err := filepath.Glob(filepath.Join(w.dir, w.prefix+"-2*.log"))
	if err != nil || len(olds) <= w.keep {
		return
	}
	sort.Strings(olds)
	for _, p := range olds[:len(olds)-w.keep] {
		_ = os.Remove(p)
	}
}

// Close 关闭当前文件。
func (w *RotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
