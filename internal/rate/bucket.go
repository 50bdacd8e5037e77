package rate

import (
	"fmt"
	"sync"
	"time"

	"llmextract/pkg/contract"
)

// Limits: 令牌桶静态配置。
type Limits struct {
	Capacity       int64         // 桶容量（>0）
	RefillAmount   int64         // 每个补充周期增加的令牌数（>=0）
	RefillInterval time.Duration // 补充周期（>0）
}

// Validate 校验配置边界。
func (l Limits) Validate() error {
	if l.Capacity <= 0 {
		return fmt.Errorf("rate: %w: capacity must be > 0", contract.ErrInvalidInput)
	}
	if l.RefillAmount < 0 {
		return fmt.Errorf("rate: %w: refill amount must be >= 0", contract.ErrInvalidInput)
	}
	if l.RefillInterval <= 0 {
		return fmt.Errorf("rate: %w: refill interval must be > 0", contract.ErrInvalidInput)
	}
	return nil
}

// Bucket: 惰性补充的令牌桶（并发安全）。
// - 不依赖后台定时器，补充在每次访问时按“已流逝的完整周期数”计算；
// - lastRefill 只按完整周期前移，不足一个周期的余量保留到下次；
// - 0 <= tokens <= capacity 恒成立。
// 仅是远端配额的本地近似，真正的约束在服务端。
type Bucket struct {
	mu         sync.Mutex
	clk        func() time.Time
	capacity   int64
	tokens     int64
	refill     int64
	interval   time.Duration
	lastRefill time.Time
}

// NewBucket: 构造满桶；clk 为空则使用 time.Now。
func NewBucket(l Limits, clk func() time.Time) (*Bucket, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = time.Now
	}
	return &Bucket{
		clk:        clk,
		capacity:   l.Capacity,
		tokens:     l.Capacity,
		refill:     l.RefillAmount,
		interval:   l.RefillInterval,
		lastRefill: clk(),
	}, nil
}

// TryConsume: 先惰性补充，再尝试取走一个令牌。非阻塞；失败无副作用。
func (b *Bucket) TryConsume() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.clk())
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// Refill: 显式触发一次补充计算（TryConsume 内部也会调用）。
func (b *Bucket) Refill() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.clk())
}

func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed < b.interval {
		// 含时钟回拨（elapsed<0）：视为无时间流逝
		return
	}
	n := int64(elapsed / b.interval)
	add := n * b.refill
	// 溢出保护：n 很大时直接填满
	if b.refill > 0 && (add/b.refill != n || add < 0 || add > b.capacity-b.tokens) {
		b.tokens = b.capacity
	} else {
		b.tokens += add
	}
	b.lastRefill = b.lastRefill.Add(time.Duration(n) * b.interval)
}

// Tokens: 当前可用令牌的快照（会先做惰性补充）。
func (b *Bucket) Tokens() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.clk())
	return b.tokens
}

// Capacity: 桶容量。
func (b *Bucket) Capacity() int64 { return b.capacity }
