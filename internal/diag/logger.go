package diag

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level: 日志级别。
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// ParseLevel 解析级别名；未知值按 info 处理。
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug
	case "warn", "warning":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// lineSink: 按行写出的目标（RotatingFile 或任意 io.Writer）。
type lineSink interface {
	WriteLine(b []byte) error
}

type writerSink struct{ w io.Writer }

func (s writerSink) WriteLine(b []byte) error {
	_, err := s.w.Write(append(b, '\n'))
	return err
}

// Logger: 单行 JSON 结构化日志。nil *Logger 的所有方法均为 no-op。
type Logger struct {
	corrID string
	level  Level
	sink   lineSink
	closer io.Closer
	mu     sync.Mutex
}

// NewLogger 将日志写入 dir 下按大小轮转的文件（dir 为空时使用 "logs"）。
func NewLogger(corrID, level, dir string) *Logger {
	if strings.TrimSpace(dir) == "" {
		dir = "logs"
	}
	rf := NewRotatingFile(dir, "llmkvt", 10*1024*1024)
	return &Logger{corrID: corrID, level: ParseLevel(level), sink: rf, closer: rf}
}

// NewWriterLogger 将日志写入 w（测试或 stderr 输出）。
func NewWriterLogger(corrID, level string, w io.Writer) *Logger {
	if w == nil {
		w = io.Discard
	}
	return &Logger{corrID: corrID, level: ParseLevel(level), sink: writerSink{w: w}}
}

// Close 关闭底层文件（若有）。
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Event: 日志事件的线上形状。
type Event struct {
	Level  string            `json:"level"`
	TS     string            `json:"ts"`
	CorrID string            `json:"corr_id"`
	Comp   string            `json:"comp"`
	Stage  string            `json:"stage"` // start|finish|error|note
	Code   string            `json:"code,omitempty"`
	DurMS  int64             `json:"dur_ms,omitempty"`
	Count  int64             `json:"count,omitempty"`
	FileID string            `json:"file_id,omitempty"`
	Batch  string            `json:"batch_id,omitempty"`
	Msg    string            `json:"msg"`
	KV     map[string]string `json:"kv,omitempty"`
}

// Fields: 事件的定位信息（文档、块序号）与附加键值。
type Fields struct {
	FileID string
	Batch  string
	KV     map[string]string
}

func (l *Logger) emit(lv Level, ev Event) {
	if l == nil || lv < l.level {
		return
	}
	ev.Level = lv.String()
	ev.TS = NowUTC()
	ev.CorrID = l.corrID
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.sink.WriteLine(b); err != nil {
		fmt.Fprintf(os.Stderr, "logger sink error: %v\n", err)
		_, _ = os.Stderr.Write(append(b, '\n'))
	}
}

func (f Fields) event(comp, stage, msg string) Event {
	return Event{Comp: comp, Stage: stage, FileID: f.FileID, Batch: f.Batch, Msg: msg, KV: f.KV}
}

// Start 记录 start 事件并返回计时器。
func (l *Logger) Start(comp, msg string, f Fields) *Timer {
	l.emit(Info, f.event(comp, "start", msg))
	return &Timer{l: l, comp: comp, f: f, t0: time.Now()}
}

// Debug 记录调试事件（仅 level=debug 时输出）。
func (l *Logger) Debug(comp, msg string, f Fields) {
	l.emit(Debug, f.event(comp, "note", msg))
}

// Info 记录一般事件。
func (l *Logger) Info(comp, msg string, f Fields) {
	l.emit(Info, f.event(comp, "note", msg))
}

// Warn 记录可恢复的异常（例如重试）。
func (l *Logger) Warn(comp, msg string, f Fields) {
	l.emit(Warn, f.event(comp, "note", msg))
}

// Fail 记录 error 事件：错误码由 Classify 给出，并计入 error_total。
func (l *Logger) Fail(comp string, err error, since time.Time, f Fields) {
	code := Classify(err)
	IncError(comp, string(code))
	ev := f.event(comp, "error", errString(err))
	ev.Code = string(code)
	if !since.IsZero() {
		ev.DurMS = time.Since(since).Milliseconds()
	}
	l.emit(Error, ev)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Timer: start→finish 计时。
type Timer struct {
	l    *Logger
	comp string
	f    Fields
	t0   time.Time
}

// Since 返回起点时间。
func (t *Timer) Since() time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.t0
}

// Finish 记录 finish 事件并观测耗时。
func (t *Timer) Finish(msg string, count int64) { t.FinishKV(msg, count, nil) }

// FinishKV 同 Finish，附加键值（覆盖 start 时的 KV）。
func (t *Timer) FinishKV(msg string, count int64, kv map[string]string) {
	if t == nil {
		return
	}
	dur := time.Since(t.t0).Milliseconds()
	ObserveDuration(t.comp, "finish", dur)
	IncOp(t.comp, "finish", "success")
	ev := t.f.event(t.comp, "finish", msg)
	ev.DurMS = dur
	ev.Count = count
	if kv != nil {
		ev.KV = kv
	}
	t.l.emit(Info, ev)
}

// Fail 以计时器上下文记录错误。
func (t *Timer) Fail(err error) {
	if t == nil {
		return
	}
	IncOp(t.comp, "finish", "error")
	t.l.Fail(t.comp, err, t.t0, t.f)
}
