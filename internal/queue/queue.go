package queue

import (
	"context"
	"strings"

	xerrors "Sokosumi-Chain/internal/errors"
)

// Handler 处理一条待监听支付的任务 ID。
// 返回可重试错误时消息会被重新投递，其余错误直接确认丢弃。
type Handler func(ctx context.Context, jobID string) error

// Producer 负责向队列投递任务。
type Producer interface {
	Publish(ctx context.Context, jobID string) error
	Close() error
}

// Consumer 负责从队列中消费任务，阻塞直到 ctx 结束或发生不可恢复的错误。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// Options 汇总各驱动的连接参数。
type Options struct {
	Driver   string
	Size     int
	Redis    RedisConfig
	RabbitMQ RabbitMQConfig
}

// Open 根据驱动名称创建队列实现。
func Open(opts Options) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", "memory":
		return NewMemoryQueue(opts.Size), nil
	case "redis":
		q, err := NewRedisQueue(opts.Redis)
		if err != nil {
			return nil, err
		}
		return q, nil
	case "rabbitmq":
		q, err := NewRabbitMQQueue(opts.RabbitMQ)
		if err != nil {
			return nil, err
		}
		return q, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的队列驱动: "+opts.Driver)
	}
}

// shouldRequeue 判断处理失败的消息是否需要重新投递。
func shouldRequeue(err error) bool {
	return err != nil && xerrors.RetryableError(err)
}
