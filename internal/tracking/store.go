package tracking

import (
	"context"
	"strings"

	xerrors "Sokosumi-Chain/internal/errors"
)

// Store 抽象了雇佣任务记录的持久化接口。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	UpdatePaymentState(ctx context.Context, id, state string) error
	MarkStatus(ctx context.Context, id string, update StatusUpdate) error
	// IncrementChecks 增加一次巡检计数并返回最新记录。
	IncrementChecks(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	// Prune 仅保留最近 keep 条终态记录，返回删除的数量。
	Prune(ctx context.Context, keep int) (int, error)
	Close() error
}

// SortOrder 决定列表的排序方式。
type SortOrder int

const (
	SortByUpdatedDesc SortOrder = iota
	SortByUpdatedAsc
)

// ListOptions 控制列表查询的过滤条件。
type ListOptions struct {
	Limit    int
	Offset   int
	Statuses []Status
	AgentID  string
	Order    SortOrder
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 限制返回数量。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithOffset 跳过前 n 条记录。
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithStatuses 按状态过滤。
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithAgent 按智能体过滤。
func WithAgent(agentID string) ListOption {
	return func(opts *ListOptions) { opts.AgentID = agentID }
}

// WithSortOrder 修改排序方式。
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) { opts.Order = order }
}

// ActiveStatuses 为尚未结束的状态集合。
var ActiveStatuses = []Status{StatusPendingPayment, StatusInProgress}

// BuildListOptions 在默认值基础上应用选项。
func BuildListOptions(opts ...ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 200 {
		opts.Limit = 200
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	opts.Statuses = normalizeStatuses(opts.Statuses)
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.AgentID = strings.TrimSpace(opts.AgentID)
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// Open 根据驱动名称创建存储实现。
func Open(driver, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		store, err := NewSQLiteStore(dsn)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "mysql":
		store, err := NewMySQLStore(dsn)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的存储驱动: "+driver)
	}
}
