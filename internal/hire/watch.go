package hire

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "Sokosumi-Chain/internal/errors"
	"Sokosumi-Chain/internal/masumi"
	"Sokosumi-Chain/internal/observability/metrics"
	"Sokosumi-Chain/internal/sokosumi"
	"Sokosumi-Chain/internal/tracking"
	"Sokosumi-Chain/pkg/logger"
)

// 支付等待的结局，用作指标标签。
const (
	outcomeLocked      = "locked"
	outcomeRefunded    = "refunded"
	outcomeTimeout     = "timeout"
	outcomeFailed      = "failed"
	outcomeUnavailable = "unavailable"
	outcomeCanceled    = "canceled"
)

// MonitorReport 汇总一次批量巡检的结果。
type MonitorReport struct {
	Checked   int               `json:"checked"`
	Completed int               `json:"completed"`
	Failed    int               `json:"failed"`
	Active    int               `json:"active"`
	Errors    map[string]string `json:"errors,omitempty"`
	Jobs      []*tracking.Job   `json:"jobs"`
}

// watchPayment 阻塞等待支付锁定并据此更新任务状态。
// 支付服务暂时不可用或 ctx 被取消时任务保持 pending_payment。
func (s *Service) watchPayment(ctx context.Context, job *tracking.Job) (*tracking.Job, *masumi.PaymentStatus, error) {
	if s.payments == nil {
		return job, nil, xerrors.New(xerrors.CodeInitializationFailure, "支付服务未配置")
	}
	// 等待结束后的落库不受调用方取消影响。
	storeCtx := context.WithoutCancel(ctx)

	started := time.Now()
	opts := s.wait
	opts.OnUpdate = func(state masumi.OnChainState) {
		if err := s.store.UpdatePaymentState(storeCtx, job.ID, string(state)); err != nil {
			s.logger.Warn("记录支付状态失败", slog.Any("error", err), slog.String("job_id", job.ID))
		}
	}
	status, err := s.payments.WaitForPaymentLocked(ctx, job.MasumiJobID, opts)
	outcome, update := classifyPayment(ctx, err)
	metrics.ObservePaymentWait(outcome, time.Since(started))

	if update != nil {
		if markErr := s.apply(storeCtx, job.ID, *update); markErr != nil {
			s.logger.Error("更新任务状态失败", slog.Any("error", markErr), slog.String("job_id", job.ID))
			if err == nil {
				err = markErr
			}
		}
	}
	s.logger.Info("支付等待结束",
		slog.String("job_id", job.ID),
		slog.String("masumi_job_id", job.MasumiJobID),
		slog.String("outcome", outcome),
		slog.Duration("elapsed", time.Since(started)),
	)

	current, getErr := s.store.Get(storeCtx, job.ID)
	if getErr != nil {
		current = job
	}
	return current, status, err
}

func classifyPayment(ctx context.Context, err error) (string, *tracking.StatusUpdate) {
	if err == nil {
		return outcomeLocked, &tracking.StatusUpdate{Status: tracking.StatusInProgress}
	}
	if ctx.Err() != nil && (stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded)) {
		return outcomeCanceled, nil
	}
	failure := func(status tracking.Status) *tracking.StatusUpdate {
		return &tracking.StatusUpdate{Status: status, LastError: err.Error(), ErrorCode: xerrors.CodeOf(err)}
	}
	switch {
	case masumi.IsRefunded(err):
		return outcomeRefunded, failure(tracking.StatusRefunded)
	case masumi.IsKind(err, masumi.KindTimeout):
		return outcomeTimeout, failure(tracking.StatusTimedOut)
	case masumi.IsKind(err, masumi.KindServiceUnavailable), masumi.IsKind(err, masumi.KindNetworkError):
		return outcomeUnavailable, nil
	default:
		return outcomeFailed, failure(tracking.StatusFailed)
	}
}

// transientPaymentError 判断错误是否只需稍后重试支付监听。
func transientPaymentError(err error) bool {
	return masumi.IsKind(err, masumi.KindServiceUnavailable) || masumi.IsKind(err, masumi.KindNetworkError)
}

// apply 写入状态变更，进入终态时记录指标并裁剪历史。
func (s *Service) apply(ctx context.Context, id string, update tracking.StatusUpdate) error {
	if err := s.store.MarkStatus(ctx, id, update); err != nil {
		if stdErrors.Is(err, tracking.ErrJobTerminal) {
			return nil
		}
		return err
	}
	if !update.Status.Terminal() {
		return nil
	}
	metrics.ObserveJobFinished(string(update.Status))
	logger.Audit().Info("任务已结束",
		slog.String("job_id", id),
		slog.String("status", string(update.Status)),
		slog.String("error_code", string(update.ErrorCode)),
		slog.String("error", update.LastError),
	)
	if removed, err := s.store.Prune(ctx, s.maxHistory); err != nil {
		s.logger.Warn("裁剪历史任务失败", slog.Any("error", err))
	} else if removed > 0 {
		s.logger.Debug("已裁剪历史任务", slog.Int("removed", removed))
	}
	return nil
}

// Refresh 对单个任务执行一次巡检：确认支付状态或拉取市场上的执行结果。
// 巡检次数达到上限后任务标记为 timed_out。
func (s *Service) Refresh(ctx context.Context, id string) (*tracking.Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}
	job, err = s.store.IncrementChecks(ctx, id)
	if err != nil {
		if stdErrors.Is(err, tracking.ErrJobTerminal) {
			return s.store.Get(ctx, id)
		}
		return nil, err
	}

	var stepErr error
	switch {
	case job.Status == tracking.StatusPendingPayment && s.payments != nil && job.MasumiJobID != "":
		stepErr = s.refreshPayment(ctx, job)
	default:
		stepErr = s.refreshMarketplace(ctx, job)
	}
	if stepErr != nil {
		s.logger.Warn("任务巡检失败",
			slog.Any("error", stepErr),
			slog.String("job_id", id),
			slog.Int("check_count", job.CheckCount))
	}

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !current.Status.Terminal() && current.MaxChecks > 0 && current.CheckCount >= current.MaxChecks {
		msg := fmt.Sprintf("超过最大巡检次数 %d", current.MaxChecks)
		if stepErr != nil {
			msg += ": " + stepErr.Error()
		}
		if err := s.apply(ctx, id, tracking.StatusUpdate{
			Status:    tracking.StatusTimedOut,
			LastError: msg,
			ErrorCode: CodeMaxChecksExceeded,
		}); err != nil {
			return nil, err
		}
		return s.store.Get(ctx, id)
	}
	return current, stepErr
}

func (s *Service) refreshPayment(ctx context.Context, job *tracking.Job) error {
	status, err := s.payments.GetPaymentStatus(ctx, job.MasumiJobID)
	if err != nil {
		return err
	}
	if err := s.store.UpdatePaymentState(ctx, job.ID, string(status.OnChainState)); err != nil {
		return err
	}
	switch status.OnChainState {
	case masumi.StateFundsLocked, masumi.StateResultSubmitted, masumi.StateWithdrawn:
		return s.apply(ctx, job.ID, tracking.StatusUpdate{Status: tracking.StatusInProgress})
	case masumi.StateRefundWithdrawn:
		return s.apply(ctx, job.ID, tracking.StatusUpdate{
			Status:    tracking.StatusRefunded,
			LastError: "payment was refunded",
			ErrorCode: masumi.CodePaymentFailed,
		})
	}
	return nil
}

func (s *Service) refreshMarketplace(ctx context.Context, job *tracking.Job) error {
	if s.market == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "市场客户端未配置")
	}
	mjob, err := s.market.GetJob(ctx, job.ID)
	if err != nil {
		return marketplaceError(err, "查询市场任务失败")
	}
	switch mjob.Status {
	case sokosumi.JobStatusCompleted:
		return s.apply(ctx, job.ID, tracking.StatusUpdate{Status: tracking.StatusCompleted, Result: mjob.Payload()})
	case sokosumi.JobStatusFailed:
		return s.apply(ctx, job.ID, tracking.StatusUpdate{
			Status:    tracking.StatusFailed,
			LastError: "marketplace reported job failed",
			ErrorCode: CodeMarketplaceFailure,
			Result:    mjob.Payload(),
		})
	}
	return nil
}

// Monitor 巡检所有未结束的任务。单个任务失败不会中断整体巡检。
func (s *Service) Monitor(ctx context.Context) (*MonitorReport, error) {
	active, err := s.listAll(ctx, tracking.ActiveStatuses...)
	if err != nil {
		return nil, err
	}
	report := &MonitorReport{Jobs: make([]*tracking.Job, 0, len(active))}
	for _, job := range active {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++
		current, err := s.Refresh(ctx, job.ID)
		if err != nil {
			if report.Errors == nil {
				report.Errors = make(map[string]string)
			}
			report.Errors[job.ID] = err.Error()
			if current == nil {
				current = job
			}
		}
		switch current.Status {
		case tracking.StatusCompleted:
			report.Completed++
		case tracking.StatusFailed, tracking.StatusTimedOut, tracking.StatusRefunded:
			report.Failed++
		default:
			report.Active++
		}
		report.Jobs = append(report.Jobs, current)
	}
	return report, nil
}

// Cleanup 将所有未结束的任务标记为 timed_out，返回处理数量。
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	active, err := s.listAll(ctx, tracking.ActiveStatuses...)
	if err != nil {
		return 0, err
	}
	cleaned := 0
	for _, job := range active {
		err := s.store.MarkStatus(ctx, job.ID, tracking.StatusUpdate{
			Status:    tracking.StatusTimedOut,
			LastError: "cleaned up while still active",
			ErrorCode: xerrors.CodeTimeout,
		})
		if err != nil {
			if stdErrors.Is(err, tracking.ErrJobTerminal) {
				continue
			}
			return cleaned, err
		}
		metrics.ObserveJobFinished(string(tracking.StatusTimedOut))
		cleaned++
	}
	if cleaned > 0 {
		logger.Audit().Warn("已清理滞留任务", slog.Int("count", cleaned))
		if _, err := s.store.Prune(ctx, s.maxHistory); err != nil {
			s.logger.Warn("裁剪历史任务失败", slog.Any("error", err))
		}
	}
	return cleaned, nil
}

func (s *Service) listAll(ctx context.Context, statuses ...tracking.Status) ([]*tracking.Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	const page = 200
	var all []*tracking.Job
	for offset := 0; ; offset += page {
		jobs, err := s.store.List(ctx, tracking.BuildListOptions(
			tracking.WithStatuses(statuses...),
			tracking.WithLimit(page),
			tracking.WithOffset(offset),
			tracking.WithSortOrder(tracking.SortByUpdatedAsc),
		))
		if err != nil {
			return nil, err
		}
		all = append(all, jobs...)
		if len(jobs) < page {
			return all, nil
		}
	}
}
