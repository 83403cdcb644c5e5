package hire

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	xerrors "Sokosumi-Chain/internal/errors"
	"Sokosumi-Chain/internal/masumi"
	"Sokosumi-Chain/internal/observability/metrics"
	"Sokosumi-Chain/internal/queue"
	"Sokosumi-Chain/internal/sokosumi"
	"Sokosumi-Chain/internal/tracking"
	"Sokosumi-Chain/pkg/logger"
)

// Marketplace 定义了雇佣流程所需的市场能力，*sokosumi.Client 满足该接口。
type Marketplace interface {
	CreateJob(ctx context.Context, agentID string, input sokosumi.JobInput) (*sokosumi.Job, error)
	GetJob(ctx context.Context, jobID string) (*sokosumi.Job, error)
}

// Payments 定义了雇佣流程所需的支付能力，*masumi.Client 满足该接口。
type Payments interface {
	GetPaymentStatus(ctx context.Context, blockchainIdentifier string) (*masumi.PaymentStatus, error)
	WaitForPaymentLocked(ctx context.Context, blockchainIdentifier string, opts masumi.WaitOptions) (*masumi.PaymentStatus, error)
	SubmitResult(ctx context.Context, blockchainIdentifier, resultHash string) (json.RawMessage, error)
}

// HireRequest 描述一次雇佣请求。
type HireRequest struct {
	AgentID            string          `json:"agent_id"`
	AgentName          string          `json:"agent_name,omitempty"`
	InputData          map[string]any  `json:"input_data,omitempty"`
	MaxAcceptedCredits decimal.Decimal `json:"max_accepted_credits"`
	JobName            string          `json:"job_name,omitempty"`
	SharePublic        bool            `json:"share_public,omitempty"`
	ShareOrganization  bool            `json:"share_organization,omitempty"`
}

// HireResult 为雇佣结果。支付未锁定时 Payment 为空。
type HireResult struct {
	Job     *tracking.Job         `json:"job"`
	Payment *masumi.PaymentStatus `json:"payment,omitempty"`
	Message string                `json:"message,omitempty"`
}

// SubmitReceipt 为提交结果哈希后的回执。
type SubmitReceipt struct {
	ResultHash string          `json:"result_hash"`
	Response   json.RawMessage `json:"response,omitempty"`
}

// Service 负责雇佣任务的创建、支付监听与状态巡检。
type Service struct {
	market     Marketplace
	payments   Payments
	store      tracking.Store
	producer   queue.Producer
	wait       masumi.WaitOptions
	maxChecks  int
	maxHistory int
	logger     *slog.Logger
}

// Option 定义 Service 的可选配置。
type Option func(*Service)

// WithProducer 启用异步模式：支付监听交由队列消费者完成。
func WithProducer(producer queue.Producer) Option {
	return func(s *Service) { s.producer = producer }
}

// WithWaitOptions 设置支付等待预算。
func WithWaitOptions(opts masumi.WaitOptions) Option {
	return func(s *Service) { s.wait = opts }
}

// WithMaxChecks 设置单个任务的最大巡检次数。
func WithMaxChecks(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxChecks = n
		}
	}
}

// WithMaxHistory 设置保留的已结束任务数量。
func WithMaxHistory(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxHistory = n
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService 构造雇佣服务。payments 为空时跳过支付确认。
func NewService(market Marketplace, payments Payments, store tracking.Store, opts ...Option) *Service {
	s := &Service{
		market:     market,
		payments:   payments,
		store:      store,
		maxChecks:  20,
		maxHistory: 50,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("hire")
	}
	return s
}

// Async 报告服务是否以队列方式监听支付。
func (s *Service) Async() bool {
	return s.producer != nil
}

// Hire 在市场上创建任务并处理支付锁定。
// 支付等待失败时同时返回已记录的任务与错误。
func (s *Service) Hire(ctx context.Context, req HireRequest) (*HireResult, error) {
	req.AgentID = strings.TrimSpace(req.AgentID)
	if req.AgentID == "" {
		return nil, xerrors.New(CodeHireValidation, "agent_id 不能为空")
	}
	if req.MaxAcceptedCredits.IsNegative() {
		return nil, xerrors.New(CodeHireValidation, "max_accepted_credits 不能为负数")
	}
	if s.market == nil || s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "雇佣服务未初始化")
	}

	mjob, err := s.market.CreateJob(ctx, req.AgentID, sokosumi.JobInput{
		InputData:          req.InputData,
		MaxAcceptedCredits: req.MaxAcceptedCredits,
		Name:               req.JobName,
		SharePublic:        req.SharePublic,
		ShareOrganization:  req.ShareOrganization,
	})
	if err != nil {
		s.logger.Error("创建市场任务失败", slog.Any("error", err), slog.String("agent_id", req.AgentID))
		return nil, marketplaceError(err, "创建市场任务失败")
	}

	id := mjob.Identifier()
	if id == "" {
		id = uuid.NewString()
	}
	agentName := req.AgentName
	if agentName == "" {
		agentName = mjob.Name
	}
	job := &tracking.Job{
		ID:          id,
		AgentID:     req.AgentID,
		AgentName:   agentName,
		MasumiJobID: mjob.MasumiJobID,
		Status:      tracking.StatusPendingPayment,
		MaxChecks:   s.maxChecks,
	}
	free := !mjob.RequiresPayment() || s.payments == nil
	if free {
		job.Status = tracking.StatusInProgress
	}
	if err := s.store.Create(ctx, job); err != nil {
		if stdErrors.Is(err, tracking.ErrJobConflict) {
			existing, getErr := s.store.Get(ctx, id)
			if getErr == nil {
				return &HireResult{Job: existing, Message: "任务已在追踪中"}, nil
			}
			return nil, getErr
		}
		return nil, err
	}
	logger.Audit().Info("雇佣任务已创建",
		slog.String("job_id", job.ID),
		slog.String("agent_id", job.AgentID),
		slog.String("masumi_job_id", job.MasumiJobID),
		slog.String("max_accepted_credits", req.MaxAcceptedCredits.String()),
	)

	switch {
	case free:
		metrics.ObserveHire("free")
		msg := "任务无需支付，已开始执行"
		if mjob.RequiresPayment() {
			msg = "支付服务未配置，跳过支付确认"
		}
		return &HireResult{Job: job, Message: msg}, nil
	case s.producer != nil:
		metrics.ObserveHire("async")
		if err := s.producer.Publish(ctx, job.ID); err != nil {
			s.logger.Error("支付监听入队失败", slog.Any("error", err), slog.String("job_id", job.ID))
			wrapped := xerrors.Wrap(CodeHirePublish, err, "发布支付监听任务失败")
			update := tracking.StatusUpdate{
				Status:    tracking.StatusFailed,
				LastError: wrapped.Error(),
				ErrorCode: CodeHirePublish,
			}
			if markErr := s.store.MarkStatus(ctx, job.ID, update); markErr != nil {
				s.logger.Error("标记任务失败状态失败", slog.Any("error", markErr), slog.String("job_id", job.ID))
			} else if current, getErr := s.store.Get(ctx, job.ID); getErr == nil {
				job = current
			}
			return &HireResult{Job: job, Message: wrapped.Error()}, wrapped
		}
		return &HireResult{Job: job, Message: "等待支付锁定"}, nil
	default:
		metrics.ObserveHire("sync")
		updated, status, err := s.watchPayment(ctx, job)
		result := &HireResult{Job: updated, Payment: status}
		if err != nil {
			result.Message = err.Error()
			return result, err
		}
		result.Message = "支付已锁定，任务执行中"
		return result, nil
	}
}

// Get 返回指定任务的追踪记录。
func (s *Service) Get(ctx context.Context, id string) (*tracking.Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...tracking.ListOption) ([]*tracking.Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, tracking.BuildListOptions(opts...))
}

// SubmitResult 计算结果哈希并提交给支付服务以释放资金。
func (s *Service) SubmitResult(ctx context.Context, blockchainIdentifier string, result []byte) (*SubmitReceipt, error) {
	blockchainIdentifier = strings.TrimSpace(blockchainIdentifier)
	if blockchainIdentifier == "" {
		return nil, xerrors.New(CodeHireValidation, "blockchain identifier 不能为空")
	}
	if s.payments == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "支付服务未配置")
	}
	hash := masumi.HashResult(result)
	resp, err := s.payments.SubmitResult(ctx, blockchainIdentifier, hash)
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("任务结果已提交",
		slog.String("masumi_job_id", blockchainIdentifier),
		slog.String("result_hash", hash),
	)
	return &SubmitReceipt{ResultHash: hash, Response: resp}, nil
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
