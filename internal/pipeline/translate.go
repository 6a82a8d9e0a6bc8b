package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"llmkvt/internal/diag"
	"llmkvt/internal/memo"
	"llmkvt/internal/rate"
	"llmkvt/pkg/contract"
	"llmkvt/pkg/engine"
)

// translateAll 并发翻译各块，按块序号返回译文与缓存命中数。
// 任一块失败即取消其余块。
func (r *runner) translateAll(ctx context.Context, fid contract.FileID, chunks []*contract.Document) ([]*contract.Document, int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type job struct {
		idx   int
		chunk *contract.Document
	}
	type res struct {
		idx  int
		doc  *contract.Document
		memo bool
		err  error
	}
	n := r.set.Concurrency
	if n > len(chunks) {
		n = len(chunks)
	}
	if n < 1 {
		n = 1
	}
	// 有界通道：2×并发度，形成自然背压
	inCh := make(chan job, n*2)
	outCh := make(chan res, n*2)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			for j := range inCh {
				doc, hit, err := r.translateChunk(ctx, fid, j.idx, j.chunk)
				outCh <- res{idx: j.idx, doc: doc, memo: hit, err: err}
			}
		}()
	}
	go func() {
		defer close(inCh)
		for i, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case inCh <- job{idx: i, chunk: c}:
			}
		}
	}()
	go func() {
		wg.Wait()
		close(outCh)
	}()

	got := make([]*contract.Document, len(chunks))
	hits := 0
	var firstErr error
	for rs := range outCh {
		if rs.err != nil {
			if firstErr == nil {
				firstErr = rs.err
				cancel()
			}
			continue
		}
		got[rs.idx] = rs.doc
		if rs.memo {
			hits++
		}
		r.comp.Terminal.ChunkDone(rs.memo)
	}
	if firstErr != nil {
		return nil, hits, firstErr
	}
	for i, d := range got {
		if d == nil {
			if err := ctx.Err(); err != nil {
				return nil, hits, err
			}
			return nil, hits, fmt.Errorf("%w: chunk %d of %s has no result", contract.ErrInvariantViolation, i, fid)
		}
	}
	return got, hits, nil
}

// translateChunk: memo → PromptBuilder → (Gate → LLM → Decoder)×重试 → memo。
// 返回的 bool 表示命中缓存。
func (r *runner) translateChunk(ctx context.Context, fid contract.FileID, idx int, chunk *contract.Document) (*contract.Document, bool, error) {
	f := diag.Fields{FileID: string(fid), Batch: strconv.Itoa(idx)}
	text, err := r.encode(chunk)
	if err != nil {
		return nil, false, err
	}
	key := memo.Key{SourceLang: r.srcName, TargetLang: r.dstName, Model: r.set.Model, Guidance: r.set.Guidance, Chunk: text}
	if doc, ok := r.recall(key, chunk, f); ok {
		return doc, true, nil
	}

	b := contract.Batch{
		FileID:     fid,
		BatchIndex: int64(idx),
		Entries:    chunk,
		SourceLang: r.srcName,
		TargetLang: r.dstName,
		Guidance:   r.set.Guidance,
	}
	tm := r.log.Start("prompt_builder", "build", f)
	p, err := r.comp.PromptBuilder.Build(ctx, b)
	if err != nil {
		tm.Fail(err)
		return nil, false, fmt.Errorf("prompt build: %w", err)
	}
	tm.Finish("build", int64(chunk.Len()))

	var out *contract.Document
	err = r.invoke(ctx, b, p, f, func(raw contract.Raw) error {
		dt := r.log.Start("decoder", "decode", f)
		doc, err := r.comp.Decoder.Decode(ctx, b, raw)
		if err != nil {
			dt.Fail(err)
			return err
		}
		dt.Finish("decode", int64(doc.Len()))
		out = doc
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("chunk %d of %s: %w", idx, fid, err)
	}
	if res, err := r.encode(out); err == nil {
		if err := r.comp.Memo.Put(key, res); err != nil {
			r.log.Warn("memo", "put failed: "+err.Error(), f)
		}
	}
	return out, false, nil
}

// recall 查询缓存；记录无法解析或键集合不符按未命中处理。
func (r *runner) recall(key memo.Key, chunk *contract.Document, f diag.Fields) (*contract.Document, bool) {
	hit, ok, err := r.comp.Memo.Get(key)
	if err != nil {
		r.log.Warn("memo", "get failed: "+err.Error(), f)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	doc, err := r.json.Parse([]byte(hit))
	if err == nil {
		err = engine.CheckChunk(chunk, doc)
	}
	if err != nil {
		r.log.Warn("memo", "stale entry: "+err.Error(), f)
		return nil, false
	}
	r.log.Debug("memo", "hit", f)
	return doc, true
}

func (r *runner) encode(doc *contract.Document) (string, error) {
	b, err := r.json.Serialize(doc, contract.SerializeOptions{Indent: 2})
	if err != nil {
		return "", fmt.Errorf("encode chunk: %w", err)
	}
	return string(b), nil
}

// invoke 调用 LLM 并交给 accept 校验回复；可重试的错误按 RetryDelay 指数退避。
// Gate 错误不重试（通常为取消或单请求超限）。
func (r *runner) invoke(ctx context.Context, b contract.Batch, p contract.Prompt, f diag.Fields, accept func(contract.Raw) error) error {
	tokens := approxPromptTokens(p, r.est)
	attempts := r.set.MaxRetries + 1
	delay := r.set.RetryDelay
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepWithCtx(ctx, delay); err != nil {
				return err
			}
			delay *= 2
		}
		kv := map[string]string{
			"tokens":  strconv.Itoa(tokens),
			"attempt": strconv.Itoa(attempt + 1),
		}
		af := diag.Fields{FileID: f.FileID, Batch: f.Batch, KV: kv}
		if r.set.Gate != nil {
			r.log.Debug("gate", "ask", af)
			if err := r.set.Gate.Wait(ctx, rate.Ask{Key: r.set.GateKey, Requests: 1, Tokens: tokens}); err != nil {
				r.log.Fail("gate", err, time.Time{}, af)
				return err
			}
		}
		tm := r.log.Start("llm_client", "invoke", af)
		raw, err := r.comp.LLM.Invoke(ctx, b, p)
		if err != nil {
			var ue contract.UpstreamError
			if errors.As(err, &ue) {
				kv["http_status"] = strconv.Itoa(ue.UpstreamStatus())
				if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
					if len(m) > 200 {
						m = m[:200]
					}
					kv["upstream_msg"] = m
				}
			}
			tm.Fail(err)
		} else {
			tm.Finish("invoke", int64(tokens))
			err = accept(raw)
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if !diag.Retryable(err) || ctx.Err() != nil {
			break
		}
		if attempt+1 < attempts {
			r.log.Warn("llm_client", "retry: "+err.Error(), af)
		}
	}
	return lastErr
}

// sleepWithCtx: 可取消的 sleep。
func sleepWithCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// approxPromptTokens: 按 Prompt 实际文本估算请求规模，供 Gate 判定单请求上限与 TPM。
func approxPromptTokens(p contract.Prompt, est contract.TokenEstimator) int {
	total := 0
	switch v := p.(type) {
	case contract.TextPrompt:
		total = est(string(v))
	case contract.ChatPrompt:
		for _, m := range v {
			total += est(m.Content)
		}
	}
	return total
}
