package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	xerrors "Sokosumi-Chain/internal/errors"
	"Sokosumi-Chain/pkg/logger"
)

// ErrClosed 表示队列已关闭。
var ErrClosed = xerrors.New(xerrors.CodeQueueFailure, "队列已关闭", xerrors.WithRetryable(false))

// MemoryQueue 使用 channel 实现的进程内队列，适合单机运行与测试。
type MemoryQueue struct {
	ch        chan string
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size), done: make(chan struct{})}
}

// Publish 将任务投递到队列，队列满时阻塞直到 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, jobID string) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrClosed
	case q.ch <- jobID:
		return nil
	}
}

// Len 返回尚未被消费的消息数量。
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Dropped 返回因队列已满而未能重新入队的消息数量。
func (q *MemoryQueue) Dropped() int64 {
	return q.dropped.Load()
}

// Consume 启动指定数量的工作协程消费队列中的任务。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case jobID := <-q.ch:
					if err := handler(ctx, jobID); shouldRequeue(err) && ctx.Err() == nil {
						// 队列已满时丢弃，由巡检或重启后的恢复流程重新投递。
						select {
						case q.ch <- jobID:
						default:
							q.dropped.Add(1)
							logger.Named("queue.memory").Warn("队列已满，丢弃重试消息",
								slog.String("job_id", jobID),
								slog.Any("error", err),
								slog.Int("capacity", cap(q.ch)))
						}
					}
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
	case <-q.done:
	}
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存队列，正在运行的 Consume 随之返回。
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
