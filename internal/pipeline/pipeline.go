package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"llmkvt/internal/diag"
	"llmkvt/internal/memo"
	"llmkvt/internal/prompt"
	"llmkvt/internal/rate"
	"llmkvt/internal/report"
	"llmkvt/pkg/contract"
	"llmkvt/pkg/engine"
	"llmkvt/pkg/registry"
	"llmkvt/plugins/format/jsonfmt"
)

// - 逐文档处理：解析源文档与旧译文 → Diff → Split → 并发翻译 → Join → Merge → 写出。
// - 单点并发：仅块翻译阶段并发，受 Concurrency 与 Gate 控制；其余组件同步。
// - 首错取消：任一块失败即 cancel，排空后返回该错误；失败的文档不写出任何内容。
// - 预算：块预算 = MaxTokens − 固定提示开销 − 背景说明与语言名开销。

// Components 聚合运行所需的组件。
type Components struct {
	Reader contract.Reader
	// Formats: 格式名 → 适配器（json/yaml/markdown/srt/html）。
	Formats       map[string]contract.Format
	PromptBuilder contract.PromptBuilder
	LLM           contract.LLMClient
	Decoder       contract.Decoder
	Writer        contract.Writer
	// Memo 可为 nil（不缓存）。
	Memo *memo.Store
	// Terminal 可为 nil（不打印进度）。
	Terminal *diag.Terminal
}

// Settings 运行期配置。
type Settings struct {
	Inputs []string
	// Output: 输出路径模板（见 OutputPath）；STDIN 输入时空或 "-" 表示写到 Stdout。
	Output string
	// OutputRoot: Writer 的根目录，用于定位旧译文。
	OutputRoot string

	SourceLang string
	TargetLang string
	Variant    engine.Variant
	// Format: 格式名；空或 "auto" 按扩展名识别。
	Format    string
	Delimiter string
	Indent    int
	Guidance  string
	// Model: 译文缓存按模型区分，见 memo.Key
	Model string

	Concurrency int
	// MaxTokens: 单次请求的 token 上限（含固定提示开销）。
	MaxTokens     int
	BytesPerToken int
	// RuneEstimate: 按字符估算 token（CJK 文本更准确）。
	RuneEstimate bool
	// MaxRetries: LLM/Decoder 阶段最大重试次数（>=0）。
	MaxRetries int
	// RetryDelay: 首次重试前的等待，之后逐次翻倍；0 取 200ms。
	RetryDelay time.Duration

	// Force: 忽略旧译文，全部重译。
	Force bool
	// DryRun: 不调用 LLM、不写出；向 Stdout 打印计划与 diff。
	DryRun bool
	Stdout io.Writer

	// 限流闸门（可选）：非空时在每次调用 LLM 前 Wait。
	Gate    *rate.Gate
	GateKey rate.LimitKey
}

// Summary: 单个文档的处理结果。
type Summary struct {
	FileID    contract.FileID
	Output    string
	Format    string
	Variant   engine.Variant
	Retained  int
	Pending   int
	Chunks    int
	MemoHits  int
	Unchanged bool
	Written   bool
}

// Run 依次处理所有输入文档，返回每个文档的摘要。
// 出错时返回已完成文档的摘要与首个错误。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) ([]Summary, error) {
	if err := sanity(comp, &set); err != nil {
		return nil, fmt.Errorf("sanity: %w", err)
	}
	r := &runner{
		comp:  comp,
		set:   set,
		log:   logger,
		langs: map[string]string{},
		json:  jsonfmt.New(&jsonfmt.Options{TrailingNewline: new(bool)}),
		seen:  map[string]contract.FileID{},
	}
	if set.RuneEstimate {
		r.est = prompt.MakeRuneEstimator(set.BytesPerToken)
	} else {
		r.est = prompt.MakeEstimator(set.BytesPerToken)
	}
	budget, overhead, err := prompt.ChunkBudget(comp.PromptBuilder, r.est, set.MaxTokens)
	if err != nil {
		return nil, err
	}
	r.budget = budget
	logger.Info("pipeline", "budget", diag.Fields{KV: map[string]string{
		"max_tokens": strconv.Itoa(set.MaxTokens),
		"overhead":   strconv.Itoa(overhead),
	}})

	start := time.Now()
	comp.Terminal.RunStart(set.Concurrency, fmt.Sprintf("%T", comp.LLM))
	var sums []Summary
	tm := logger.Start("reader", "iterate", diag.Fields{})
	err = comp.Reader.Iterate(ctx, set.Inputs, func(fid contract.FileID, rc io.ReadCloser) error {
		defer rc.Close()
		src, err := io.ReadAll(rc)
		if err != nil {
			return fmt.Errorf("read %s: %w", fid, err)
		}
		sum, err := r.document(ctx, fid, src)
		if err != nil {
			return err
		}
		sums = append(sums, sum)
		return nil
	})
	comp.Terminal.RunFinish(err == nil, time.Since(start))
	if err != nil {
		tm.Fail(err)
		return sums, err
	}
	tm.Finish("iterate", int64(len(sums)))
	return sums, nil
}

type runner struct {
	comp   Components
	set    Settings
	log    *diag.Logger
	est    contract.TokenEstimator
	budget int
	json   *jsonfmt.Format

	// 语言名在首个需要翻译的文档时解析一次。
	langs    map[string]string
	resolved bool
	srcName  string
	dstName  string

	// 输出路径 → 源文档，检测多个输入写到同一目标。
	seen map[string]contract.FileID
}

func (r *runner) stdin(fid contract.FileID) bool {
	in := r.set.Inputs
	return fid == "stdin" && (len(in) == 0 || (len(in) == 1 && in[0] == "-"))
}

// document 处理单个文档。
func (r *runner) document(ctx context.Context, fid contract.FileID, src []byte) (Summary, error) {
	f := diag.Fields{FileID: string(fid)}
	sum := Summary{FileID: fid}
	started := time.Now()

	toStdout := r.stdin(fid) && (r.set.Output == "" || r.set.Output == "-")
	if !toStdout {
		out, err := OutputPath(r.set.Output, fid, r.set.TargetLang)
		if err != nil {
			return sum, err
		}
		if prev, dup := r.seen[out]; dup {
			return sum, fmt.Errorf("%w: %s and %s both map to %s", contract.ErrInvalidInput, prev, fid, out)
		}
		r.seen[out] = fid
		sum.Output = out
	} else {
		sum.Output = "-"
	}

	name, err := r.formatName(fid, sum.Output)
	if err != nil {
		return sum, err
	}
	sum.Format = name
	format := r.comp.Formats[name]
	if format == nil {
		return sum, fmt.Errorf("%w: format %q not configured", contract.ErrUnknownFormat, name)
	}

	tm := r.log.Start("format", "parse", f)
	source, err := format.Parse(src)
	if err != nil {
		tm.Fail(err)
		return sum, fmt.Errorf("parse %s: %w", fid, err)
	}
	tm.Finish("parse", int64(source.Len()))

	var prevBytes []byte
	var previous *contract.Document
	if !toStdout {
		prevBytes, err = r.readPrevious(ctx, sum.Output)
		if err != nil {
			r.log.Fail("reader", err, time.Time{}, f)
			return sum, err
		}
		if prevBytes != nil && !r.set.Force {
			if previous, err = format.Parse(prevBytes); err != nil {
				return sum, fmt.Errorf("parse previous %s: %w", sum.Output, err)
			}
		}
	}

	st, err := engine.ResolveFor(r.set.Variant, source, engine.Options{Delimiter: r.set.Delimiter})
	if err != nil {
		return sum, err
	}
	sum.Variant = st.Variant()
	plan, err := st.Diff(source, previous)
	if err != nil {
		return sum, fmt.Errorf("diff %s: %w", fid, err)
	}
	sum.Retained, sum.Pending = plan.Retained.Len(), plan.Pending.Len()

	// 非字符串标量与空子树原样透传，只有字符串叶子进入翻译
	pending, patch := plan.Partition()
	if pending.Len() > 0 {
		budget := r.budget
		if !r.set.DryRun {
			if err := r.resolveLanguages(ctx); err != nil {
				return sum, err
			}
			budget -= r.est(r.set.Guidance) + r.est(r.srcName) + r.est(r.dstName)
			if budget <= 0 {
				return sum, fmt.Errorf("%w: guidance and language names leave no room under max_tokens=%d", contract.ErrBudgetExceeded, r.set.MaxTokens)
			}
		}
		chunks, err := st.Split(pending, r.est, budget)
		if err != nil {
			return sum, fmt.Errorf("split %s: %w", fid, err)
		}
		sum.Chunks = len(chunks)
		var translated *contract.Document
		if r.set.DryRun {
			// 预览：待翻译条目以原文占位。
			translated = pending
		} else {
			r.comp.Terminal.DocStart(string(fid), sum.Retained, sum.Pending, sum.Chunks)
			got, hits, err := r.translateAll(ctx, fid, chunks)
			sum.MemoHits = hits
			if err != nil {
				r.comp.Terminal.DocFinish(false, time.Since(started))
				return sum, err
			}
			if translated, err = st.Join(got); err != nil {
				r.comp.Terminal.DocFinish(false, time.Since(started))
				return sum, fmt.Errorf("join %s: %w", fid, err)
			}
		}
		translated.Range(func(k string, n contract.Node) bool {
			patch.Set(k, n)
			return true
		})
	}

	merged, err := st.Merge(plan.Retained, patch, plan.Order)
	if err != nil {
		return sum, fmt.Errorf("merge %s: %w", fid, err)
	}
	engine.Conform(merged, source)
	out, err := format.Serialize(merged, contract.SerializeOptions{Indent: r.set.Indent, Source: src})
	if err != nil {
		return sum, fmt.Errorf("serialize %s: %w", fid, err)
	}

	r.log.Info("pipeline", "plan", diag.Fields{FileID: string(fid), KV: map[string]string{
		"variant":  string(sum.Variant),
		"retained": strconv.Itoa(sum.Retained),
		"pending":  strconv.Itoa(sum.Pending),
		"chunks":   strconv.Itoa(sum.Chunks),
		"memo":     strconv.Itoa(sum.MemoHits),
	}})

	if r.set.DryRun {
		dp := report.DocPlan{
			Input: string(fid), Output: sum.Output, Format: sum.Format, Variant: string(sum.Variant),
			Retained: sum.Retained, Pending: sum.Pending, Chunks: sum.Chunks,
		}
		return sum, report.Write(r.stdout(), dp, prevBytes, out)
	}
	if pending.Len() == 0 && !(prevBytes != nil && bytes.Equal(prevBytes, out)) {
		// 仅删除了键：无需翻译但仍需重写。
		r.comp.Terminal.DocStart(string(fid), sum.Retained, 0, 0)
	}
	if toStdout {
		if _, err := r.stdout().Write(out); err != nil {
			return sum, fmt.Errorf("write stdout: %w", err)
		}
		sum.Written = true
		r.comp.Terminal.DocFinish(true, time.Since(started))
		return sum, nil
	}
	if prevBytes != nil && bytes.Equal(prevBytes, out) {
		sum.Unchanged = true
		r.log.Info("pipeline", "unchanged", diag.Fields{FileID: string(fid)})
		r.comp.Terminal.DocUnchanged(string(fid))
		return sum, nil
	}
	wt := r.log.Start("writer", "write", diag.Fields{FileID: sum.Output})
	if err := r.comp.Writer.Write(ctx, contract.ArtifactID(contract.NormalizeFileID(sum.Output)), bytes.NewReader(out)); err != nil {
		wt.Fail(err)
		r.comp.Terminal.DocFinish(false, time.Since(started))
		return sum, fmt.Errorf("writer write: %w", err)
	}
	wt.Finish("write", int64(len(out)))
	sum.Written = true
	r.comp.Terminal.DocFinish(true, time.Since(started))
	return sum, nil
}

// formatName: 显式配置优先；否则按源文件扩展名，STDIN 按输出扩展名。
func (r *runner) formatName(fid contract.FileID, output string) (string, error) {
	if r.set.Format != "" && r.set.Format != "auto" {
		return r.set.Format, nil
	}
	name := string(fid)
	if r.stdin(fid) {
		name = output
	}
	return registry.DetectFormat(name)
}

// readPrevious 读取旧译文；不存在返回 (nil, nil)。
func (r *runner) readPrevious(ctx context.Context, output string) ([]byte, error) {
	p := output
	if r.set.OutputRoot != "" {
		p = filepath.Join(r.set.OutputRoot, output)
	}
	rc, err := r.comp.Reader.Open(ctx, p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open previous %s: %w", output, err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read previous %s: %w", output, err)
	}
	return b, nil
}

func (r *runner) resolveLanguages(ctx context.Context) error {
	if r.resolved {
		return nil
	}
	src, err := r.resolveLanguage(ctx, r.set.SourceLang)
	if err != nil {
		return err
	}
	dst, err := r.resolveLanguage(ctx, r.set.TargetLang)
	if err != nil {
		return err
	}
	if dst == "" {
		return fmt.Errorf("%w: target language is required", contract.ErrInvalidInput)
	}
	r.srcName, r.dstName, r.resolved = src, dst, true
	return nil
}

func (r *runner) stdout() io.Writer {
	if r.set.Stdout != nil {
		return r.set.Stdout
	}
	return os.Stdout
}

func sanity(c Components, s *Settings) error {
	if c.Reader == nil || len(c.Formats) == 0 || c.PromptBuilder == nil || c.LLM == nil || c.Decoder == nil || c.Writer == nil {
		return errors.New("pipeline: missing components")
	}
	if s.Concurrency < 1 {
		s.Concurrency = 1
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = 0
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = 200 * time.Millisecond
	}
	if s.TargetLang == "" {
		return fmt.Errorf("%w: empty target language", contract.ErrInvalidInput)
	}
	return nil
}
