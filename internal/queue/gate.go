package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"llmextract/internal/diag"
	"llmextract/pkg/contract"
)

// Gate: 计数信号量，限制同时在途的上游调用数。
type Gate struct {
	sem      *semaphore.Weighted
	max      int
	inFlight atomic.Int64
}

// NewGate 构造最多 max 个并发许可的门。
func NewGate(max int) (*Gate, error) {
	if max <= 0 {
		return nil, fmt.Errorf("queue: %w: max concurrent must be > 0", contract.ErrInvalidInput)
	}
	return &Gate{sem: semaphore.NewWeighted(int64(max)), max: max}, nil
}

// Acquire 阻塞直到获得许可或 ctx 结束。
// 返回的 release 可重复调用，仅首次生效。
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	diag.SetInFlight(int(g.inFlight.Add(1)))
	var once sync.Once
	return func() {
		once.Do(func() {
			diag.SetInFlight(int(g.inFlight.Add(-1)))
			g.sem.Release(1)
		})
	}, nil
}

// InFlight 当前已发出的许可数。
func (g *Gate) InFlight() int { return int(g.inFlight.Load()) }

// Max 许可上限。
func (g *Gate) Max() int { return g.max }
