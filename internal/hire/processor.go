package hire

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	xerrors "Sokosumi-Chain/internal/errors"
	"Sokosumi-Chain/internal/observability/alerting"
	"Sokosumi-Chain/internal/queue"
	"Sokosumi-Chain/internal/tracking"
	"Sokosumi-Chain/pkg/logger"
)

// maxRetryDelay 为重投间隔的上限。
const maxRetryDelay = 2 * time.Minute

// Processor 从监听队列消费任务 ID，并等待对应支付锁定。
type Processor struct {
	service     *Service
	consumer    queue.Consumer
	producer    queue.Producer
	workerCount int
	retryDelay  time.Duration
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRetryDelay 设置首次重投的间隔，之后按指数退避增长。
func WithRetryDelay(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d >= 0 {
			p.retryDelay = d
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。producer 用于重启后恢复未完成的监听。
func NewProcessor(service *Service, consumer queue.Consumer, producer queue.Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		service:     service,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		retryDelay:  5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	if p.logger == nil {
		p.logger = logger.Named("hire.processor")
	}
	return p
}

// Start 启动消费循环，阻塞直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置支付监听消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// Run 先启动消费循环，再在后台恢复待支付任务，阻塞直到 ctx 结束。
// 恢复与消费并行，待恢复的任务多于队列容量时也不会阻塞启动。
func (p *Processor) Run(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置支付监听消费者")
	}
	go func() {
		if _, err := p.Recover(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("恢复待支付任务失败", slog.Any("error", err))
		}
	}()
	return p.Start(ctx)
}

// Recover 将所有仍在等待支付的任务重新入队，返回入队数量。
func (p *Processor) Recover(ctx context.Context) (int, error) {
	if p.producer == nil || p.service == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	pending, err := p.service.listAll(ctx, tracking.StatusPendingPayment)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, job := range pending {
		if job.MasumiJobID == "" {
			continue
		}
		if err := p.producer.Publish(ctx, job.ID); err != nil {
			return count, xerrors.Wrap(CodeHirePublish, err, fmt.Sprintf("任务 %s 恢复入队失败", job.ID))
		}
		count++
	}
	if count > 0 {
		p.logger.Info("已恢复待支付任务的监听", slog.Int("count", count))
	}
	return count, nil
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.service == nil || p.service.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.service.store.Get(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, tracking.ErrJobNotFound) {
			p.logger.Debug("跳过任务", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("读取任务失败", slog.Any("error", err), slog.String("job_id", jobID))
		return err
	}
	if job.Status != tracking.StatusPendingPayment || job.MasumiJobID == "" {
		p.logger.Debug("跳过任务", slog.String("job_id", jobID), slog.String("status", string(job.Status)))
		return nil
	}

	current, _, waitErr := p.service.watchPayment(ctx, job)
	if waitErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		// 未完成的监听在下次启动时由 Recover 重新入队。
		return nil
	}
	if !transientPaymentError(waitErr) {
		if xerrors.ShouldAlert(waitErr) {
			p.emitAlert(ctx, current, waitErr, "terminal")
		}
		return nil
	}
	return p.handleTransient(ctx, job.ID, waitErr)
}

func (p *Processor) handleTransient(ctx context.Context, jobID string, cause error) error {
	store := p.service.store
	job, err := store.IncrementChecks(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, tracking.ErrJobTerminal) {
			return nil
		}
		return err
	}
	if job.MaxChecks > 0 && job.CheckCount >= job.MaxChecks {
		update := tracking.StatusUpdate{
			Status:    tracking.StatusFailed,
			LastError: cause.Error(),
			ErrorCode: xerrors.CodeOf(cause),
		}
		if err := p.service.apply(ctx, jobID, update); err != nil {
			return err
		}
		job.Status = tracking.StatusFailed
		p.emitAlert(ctx, job, cause, "exhausted")
		return nil
	}
	if xerrors.ShouldAlert(cause) {
		p.emitAlert(ctx, job, cause, "retry")
	}
	p.logger.Debug("支付服务暂不可用，稍后重试",
		slog.String("job_id", jobID),
		slog.Int("check_count", job.CheckCount),
		slog.Int("max_checks", job.MaxChecks))

	if delay := p.retryBackoff(job.CheckCount); delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
	// 返回可重试错误，由队列重新投递。
	return cause
}

// retryBackoff 返回第 checks 次失败后的重投间隔。
func (p *Processor) retryBackoff(checks int) time.Duration {
	if p.retryDelay <= 0 || checks <= 0 {
		return 0
	}
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.retryDelay),
		backoff.WithMaxInterval(max(maxRetryDelay, p.retryDelay)),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
	delay := p.retryDelay
	for i := 0; i < checks; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (p *Processor) emitAlert(ctx context.Context, job *tracking.Job, cause error, stage string) {
	if p == nil || p.alerter == nil || job == nil {
		return
	}
	code := xerrors.CodeOf(cause)
	attrs := xerrors.AttributesOf(code)
	event := alerting.Event{
		Code:       code,
		Message:    cause.Error(),
		Severity:   xerrors.SeverityOf(cause),
		JobID:      job.ID,
		AgentID:    job.AgentID,
		CheckCount: job.CheckCount,
		MaxChecks:  job.MaxChecks,
		Metadata: map[string]string{
			"stage":         stage,
			"status":        string(job.Status),
			"masumi_job_id": job.MasumiJobID,
			"default":       attrs.Message,
		},
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
			slog.String("stage", stage),
		)
	}
}
