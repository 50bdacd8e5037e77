package rate

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"llmextract/pkg/contract"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// 容量 10、每 100ms 补 2：第 11 次失败；200ms 后补到 4
func TestBucketDrainAndRefill(t *testing.T) {
	clk := newFakeClock()
	b, err := NewBucket(Limits{Capacity: 10, RefillAmount: 2, RefillInterval: 100 * time.Millisecond}, clk.Now)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.True(t, b.TryConsume(), "consume #%d", i+1)
	}
	assert.False(t, b.TryConsume())
	assert.EqualValues(t, 0, b.Tokens())

	clk.Advance(200 * time.Millisecond)
	b.Refill()
	assert.EqualValues(t, 4, b.Tokens())
}

// 不足一个周期的余量保留到下次
func TestBucketKeepsPartialInterval(t *testing.T) {
	clk := newFakeClock()
	b, err := NewBucket(Limits{Capacity: 5, RefillAmount: 1, RefillInterval: 100 * time.Millisecond}, clk.Now)
	require.NoError(t, err)
	for b.TryConsume() {
	}
	clk.Advance(150 * time.Millisecond)
	assert.EqualValues(t, 1, b.Tokens())
	clk.Advance(50 * time.Millisecond)
	assert.EqualValues(t, 2, b.Tokens())
	clk.Advance(99 * time.Millisecond)
	assert.EqualValues(t, 2, b.Tokens())
}

// 补充不超过容量
func TestBucketClampsAtCapacity(t *testing.T) {
	clk := newFakeClock()
	b, err := NewBucket(Limits{Capacity: 3, RefillAmount: 100, RefillInterval: time.Millisecond}, clk.Now)
	require.NoError(t, err)
	require.True(t, b.TryConsume())
	clk.Advance(time.Hour)
	assert.EqualValues(t, 3, b.Tokens())
	assert.EqualValues(t, 3, b.Capacity())
}

// 时钟回拨视为无时间流逝
func TestBucketClockRollback(t *testing.T) {
	clk := newFakeClock()
	b, err := NewBucket(Limits{Capacity: 2, RefillAmount: 1, RefillInterval: time.Second}, clk.Now)
	require.NoError(t, err)
	require.True(t, b.TryConsume())
	require.True(t, b.TryConsume())
	clk.Advance(-time.Hour)
	assert.False(t, b.TryConsume())
	assert.EqualValues(t, 0, b.Tokens())
}

func TestLimitsValidate(t *testing.T) {
	cases := []Limits{
		{Capacity: 0, RefillAmount: 1, RefillInterval: time.Second},
		{Capacity: 1, RefillAmount: -1, RefillInterval: time.Second},
		{Capacity: 1, RefillAmount: 1, RefillInterval: 0},
	}
	for _, l := range cases {
		_, err := NewBucket(l, nil)
		assert.True(t, errors.Is(err, contract.ErrInvalidInput), "limits=%+v", l)
	}
	_, err := NewBucket(Limits{Capacity: 1, RefillAmount: 0, RefillInterval: time.Second}, nil)
	assert.NoError(t, err)
}

// 并发消费：成功次数恰为容量
func TestBucketConcurrentConsume(t *testing.T) {
	clk := newFakeClock()
	b, err := NewBucket(Limits{Capacity: 50, RefillAmount: 1, RefillInterval: time.Hour}, clk.Now)
	require.NoError(t, err)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.TryConsume() {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, ok)
	assert.EqualValues(t, 0, b.Tokens())
}

// 性质：任意操作序列下 0<=tokens<=capacity，且补充量等于 min(cap, t + floor(elapsed/interval)*refill)
func TestBucketProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		capacity := rapid.Int64Range(1, 64).Draw(rt, "capacity")
		refill := rapid.Int64Range(0, 16).Draw(rt, "refill")
		interval := time.Duration(rapid.Int64Range(1, 500).Draw(rt, "interval_ms")) * time.Millisecond
		clk := newFakeClock()
		b, err := NewBucket(Limits{Capacity: capacity, RefillAmount: refill, RefillInterval: interval}, clk.Now)
		if err != nil {
			rt.Fatalf("new bucket: %v", err)
		}

		// 参考模型
		tokens := capacity
		last := clk.Now()
		model := func() {
			n := int64(clk.Now().Sub(last) / interval)
			if n <= 0 {
				return
			}
			tokens += n * refill
			if tokens > capacity {
				tokens = capacity
			}
			last = last.Add(time.Duration(n) * interval)
		}

		steps := rapid.IntRange(1, 60).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(rt, "advance") {
				clk.Advance(time.Duration(rapid.Int64Range(0, 2000).Draw(rt, "dt_ms")) * time.Millisecond)
			}
			model()
			want := tokens > 0
			if want {
				tokens--
			}
			if got := b.TryConsume(); got != want {
				rt.Fatalf("step %d: consume=%v want %v", i, got, want)
			}
			cur := b.Tokens()
			if cur < 0 || cur > capacity {
				rt.Fatalf("tokens out of bounds: %d (cap %d)", cur, capacity)
			}
			if cur != tokens {
				rt.Fatalf("tokens=%d model=%d", cur, tokens)
			}
		}
	})
}
