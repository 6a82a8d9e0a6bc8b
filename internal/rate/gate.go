package rate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"llmkvt/pkg/contract"
)

// LimitKey: 限流分组键（client + API key 指纹）。
type LimitKey string

// Limits: 分组限额；0 表示该维度不限。
type Limits struct {
	RPM             int // 每分钟请求数
	TPM             int // 每分钟 token 数
	MaxTokensPerReq int // 单请求 token 上限
}

// Ask: 一次放行申请。
type Ask struct {
	Key      LimitKey
	Requests int // >=1
	Tokens   int // >=0
}

// Gate: RPM/TPM 双令牌桶闸门，并发安全。未配置的分组不限额。
type Gate struct {
	clk func() time.Time

	mu sync.Mutex
	m  map[LimitKey]*entry
}

type entry struct {
	mu  sync.Mutex
	lim Limits
	req bucket
	tok bucket
}

// NewGate 按静态限额构造闸门；clk 为 nil 时使用 time.Now。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) *Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &Gate{clk: clk, m: make(map[LimitKey]*entry, len(m))}
	now := clk()
	for k, lim := range m {
		g.m[k] = &entry{lim: lim, req: newBucket(lim.RPM, now), tok: newBucket(lim.TPM, now)}
	}
	return g
}

func (g *Gate) entry(key LimitKey) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.m[key]
	if e == nil {
		e = &entry{}
		g.m[key] = e
	}
	return e
}

func (g *Gate) check(a Ask) (*entry, error) {
	if a.Requests <= 0 || a.Tokens < 0 {
		return nil, fmt.Errorf("rate: %w: requests=%d tokens=%d", contract.ErrInvalidInput, a.Requests, a.Tokens)
	}
	e := g.entry(a.Key)
	if e.lim.MaxTokensPerReq > 0 && a.Tokens > e.lim.MaxTokensPerReq {
		return nil, fmt.Errorf("rate: %w: %d tokens over per-request cap %d", contract.ErrBudgetExceeded, a.Tokens, e.lim.MaxTokensPerReq)
	}
	return e, nil
}

// tryTake 在锁内补充并尝试扣减；失败时返回还需等待的时长。
func (e *entry) tryTake(now time.Time, a Ask) (bool, time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.req.refill(now)
	e.tok.refill(now)
	if e.req.has(a.Requests) && e.tok.has(a.Tokens) {
		e.req.take(a.Requests)
		e.tok.take(a.Tokens)
		return true, 0
	}
	w := e.req.wait(a.Requests)
	if wt := e.tok.wait(a.Tokens); wt > w {
		w = wt
	}
	return false, w
}

// Try 非阻塞尝试。
func (g *Gate) Try(a Ask) bool {
	e, err := g.check(a)
	if err != nil {
		return false
	}
	ok, _ := e.tryTake(g.clk(), a)
	return ok
}

// Wait 阻塞直到额度可用或 ctx 结束；超过单请求上限时立即失败。
func (g *Gate) Wait(ctx context.Context, a Ask) error {
	e, err := g.check(a)
	if err != nil {
		return err
	}
	const minSleep = 10 * time.Millisecond
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, d := e.tryTake(g.clk(), a)
		if ok {
			return nil
		}
		if d < minSleep {
			d = minSleep
		}
		if err := sleepCtx(ctx, d); err != nil {
			return err
		}
	}
}

// Snapshot 返回分组当前可用的请求数与 token 数（向下取整，仅诊断）；未启用的维度为 0。
func (g *Gate) Snapshot(key LimitKey) (rpmAvail, tpmAvail int) {
	e := g.entry(key)
	now := g.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.req.refill(now)
	e.tok.refill(now)
	return e.req.avail(), e.tok.avail()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// bucket: 每分钟补满 cap 的令牌桶；cap==0 表示关闭。
type bucket struct {
	cap   int
	level float64
	last  time.Time
}

func newBucket(capacity int, now time.Time) bucket {
	if capacity <= 0 {
		return bucket{}
	}
	return bucket{cap: capacity, level: float64(capacity), last: now}
}

func (b *bucket) perSec() float64 { return float64(b.cap) / 60.0 }

func (b *bucket) refill(now time.Time) {
	// 时钟回拨视为无时间流逝
	if b.cap == 0 || !now.After(b.last) {
		return
	}
	b.level += now.Sub(b.last).Seconds() * b.perSec()
	if b.level > float64(b.cap) {
		b.level = float64(b.cap)
	}
	b.last = now
}

func (b *bucket) has(n int) bool { return b.cap == 0 || n <= 0 || b.level >= float64(n) }

func (b *bucket) take(n int) {
	if b.cap == 0 || n <= 0 {
		return
	}
	b.level -= float64(n)
	if b.level < 0 {
		b.level = 0
	}
}

func (b *bucket) wait(n int) time.Duration {
	if b.has(n) {
		return 0
	}
	deficit := float64(n) - b.level
	return time.Duration(deficit / b.perSec() * float64(time.Second))
}

func (b *bucket) avail() int {
	if b.cap == 0 || b.level < 0 {
		return 0
	}
	return int(b.level)
}
