// internal/services/batch_limiter.go
package services

import (
	"context"
)

// BatchLimiter 跨作品共享的批次并发限制器。
// 所有在途批次对同一个生成服务的调用都受它约束，避免
// 触发提供商侧限流。作品内部的章节生成仍然严格串行，
// 这里只限制不同作品之间的并行度。
type BatchLimiter struct {
	slots chan struct{}
}

// NewBatchLimiter 创建并发限制器，size<=0 时按1处理
func NewBatchLimiter(size int) *BatchLimiter {
	if size <= 0 {
		size = 1
	}
	return &BatchLimiter{
		slots: make(chan struct{}, size),
	}
}

// Acquire 占用一个并发槽，ctx取消时放弃等待
func (l *BatchLimiter) Acquire(ctx context.Context) error {
	select {
	case l.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release 释放一个并发槽
func (l *BatchLimiter) Release() {
	select {
	case <-l.slots:
	default:
	}
}

// InFlight 返回当前占用的槽数量
func (l *BatchLimiter) InFlight() int {
	return len(l.slots)
}
