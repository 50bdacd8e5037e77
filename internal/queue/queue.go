// Package queue 组合令牌桶与并发门，为单个上游调用提供本地节流与限流重试。
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"llmextract/internal/diag"
	"llmextract/internal/rate"
	"llmextract/pkg/contract"
)

// Settings: 队列内层重试参数。
type Settings struct {
	RateLimitBackoff    time.Duration // 上游限流后的等待（默认 1s）
	IdleBackoff         time.Duration // 本地无令牌时的等待（默认 100ms）
	MaxRateLimitRetries int           // 连续限流重试上限；0 表示首次限流即返回
}

// DefaultSettings 返回默认参数。
func DefaultSettings() Settings {
	return Settings{
		RateLimitBackoff:    time.Second,
		IdleBackoff:         100 * time.Millisecond,
		MaxRateLimitRetries: 30,
	}
}

// Queue: 令牌桶 + 并发门。并发安全，可被多个 worker 共享。
type Queue struct {
	bucket *rate.Bucket
	gate   *Gate
	set    Settings
	logger *diag.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New 构造队列；bucket 与 gate 必须非空。
func New(b *rate.Bucket, g *Gate, s Settings, logger *diag.Logger) (*Queue, error) {
	if b == nil || g == nil {
		return nil, fmt.Errorf("queue: %w: bucket and gate required", contract.ErrInvalidInput)
	}
	if s.RateLimitBackoff < 0 || s.IdleBackoff < 0 || s.MaxRateLimitRetries < 0 {
		return nil, fmt.Errorf("queue: %w: negative settings", contract.ErrInvalidInput)
	}
	return &Queue{bucket: b, gate: g, set: s, logger: logger, sleep: sleepCtx}, nil
}

// Gate 暴露并发门（用于观测）。
func (q *Queue) Gate() *Gate { return q.gate }

// Bucket 暴露令牌桶（用于观测）。
func (q *Queue) Bucket() *rate.Bucket { return q.bucket }

// Execute 在持有并发许可的前提下执行 task：
// - 有令牌即调用；上游限流（contract.ErrRateLimited）等待 RateLimitBackoff 后重试；
// - 连续限流超过 MaxRateLimitRetries 返回同时包裹 ErrRateLimited 与 ErrRetriesExhausted 的错误；
// - 其它错误立即返回；无令牌时等待 IdleBackoff 再试。
// 许可在任何退出路径上都会释放。
func Execute[T any](ctx context.Context, q *Queue, task func(context.Context) (T, error)) (T, error) {
	var zero T
	release, err := q.gate.Acquire(ctx)
	if err != nil {
		return zero, err
	}
	defer release()

	rateLimited := 0
	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if !q.bucket.TryConsume() {
			if q.logger.DebugEnabled() {
				q.logger.Debug("queue", "no token", "", zap.Int64("tokens", q.bucket.Tokens()))
			}
			if err := q.sleep(ctx, q.set.IdleBackoff); err != nil {
				return zero, err
			}
			continue
		}
		v, err := task(ctx)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, contract.ErrRateLimited) {
			return zero, err
		}
		diag.IncRateLimited("queue")
		if rateLimited >= q.set.MaxRateLimitRetries {
			return zero, fmt.Errorf("queue: %w after %d retries: %w", contract.ErrRetriesExhausted, rateLimited, err)
		}
		rateLimited++
		q.logger.Warn("queue", string(diag.CodeBudget), "rate limited, backing off", "",
			zap.Int("retry", rateLimited), zap.Duration("backoff", q.set.RateLimitBackoff))
		if err := q.sleep(ctx, q.set.RateLimitBackoff); err != nil {
			return zero, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
