package tracking

import (
	"encoding/json"

	xerrors "Sokosumi-Chain/internal/errors"
)

// Status 表示被雇佣任务在本地追踪中的状态。
type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusInProgress     Status = "in_progress"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusTimedOut       Status = "timed_out"
	StatusRefunded       Status = "refunded"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusRefunded:
		return true
	default:
		return false
	}
}

// IsValidStatus 检查给定状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPendingPayment, StatusInProgress:
		return true
	default:
		return status.Terminal()
	}
}

// Job 描述一次在市场上雇佣智能体的记录。
type Job struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name,omitempty"`
	// MasumiJobID 即支付的 blockchainIdentifier，进程重启后凭此恢复轮询。
	MasumiJobID  string          `json:"masumi_job_id,omitempty"`
	Status       Status          `json:"status"`
	PaymentState string          `json:"payment_state,omitempty"`
	CheckCount   int             `json:"check_count"`
	MaxChecks    int             `json:"max_checks"`
	LastError    string          `json:"last_error,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	HiredAt      int64           `json:"hired_at"`
	UpdatedAt    int64           `json:"updated_at"`
	CompletedAt  int64           `json:"completed_at,omitempty"`
}

// StatusUpdate 描述一次状态变更。
type StatusUpdate struct {
	Status    Status
	LastError string
	ErrorCode xerrors.Code
	Result    json.RawMessage
}

const (
	CodeJobNotFound   xerrors.Code = "JOB_NOT_FOUND"
	CodeJobConflict   xerrors.Code = "JOB_CONFLICT"
	CodeJobTerminal   xerrors.Code = "JOB_TERMINAL"
	CodeJobValidation xerrors.Code = "JOB_VALIDATION_FAILED"
)

var (
	// ErrJobNotFound 表示指定的任务不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "job not found")
	// ErrJobConflict 表示任务 ID 已存在。
	ErrJobConflict = xerrors.New(CodeJobConflict, "job already exists")
	// ErrJobTerminal 表示任务已处于终态，不能再变更。
	ErrJobTerminal = xerrors.New(CodeJobTerminal, "job already finished")
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:    "job not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 404,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:    "job already exists",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: 409,
	})
	xerrors.Register(CodeJobTerminal, xerrors.Attributes{
		Message:    "job already finished",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 409,
	})
	xerrors.Register(CodeJobValidation, xerrors.Attributes{
		Message:    "job validation failed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 400,
	})
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	clone := *job
	if job.Result != nil {
		clone.Result = append(json.RawMessage(nil), job.Result...)
	}
	return &clone
}

func validateJob(job *Job) error {
	if job == nil {
		return xerrors.New(CodeJobValidation, "job 不能为空")
	}
	if job.ID == "" {
		return xerrors.New(CodeJobValidation, "任务 ID 不能为空")
	}
	if job.Status == "" {
		job.Status = StatusPendingPayment
	}
	if !IsValidStatus(job.Status) {
		return xerrors.New(CodeJobValidation, "任务状态无效: "+string(job.Status))
	}
	return nil
}
