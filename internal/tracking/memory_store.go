package tracking

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore 以内存方式保存任务记录，主要用于测试和单机运行。
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	now  func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job), now: time.Now}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, job *Job) error {
	if err := validateJob(job); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return ErrJobConflict
	}
	now := m.now().Unix()
	if job.HiredAt == 0 {
		job.HiredAt = now
	}
	job.UpdatedAt = now
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

// Get 返回任务记录的副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

// UpdatePaymentState 记录最近一次观察到的链上支付状态。
func (m *MemoryStore) UpdatePaymentState(_ context.Context, id, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.PaymentState = state
	job.UpdatedAt = m.now().Unix()
	return nil
}

// MarkStatus 变更任务状态，终态任务不可再变更。
func (m *MemoryStore) MarkStatus(_ context.Context, id string, update StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		return ErrJobTerminal
	}
	now := m.now().Unix()
	job.Status = update.Status
	job.LastError = update.LastError
	job.ErrorCode = string(update.ErrorCode)
	if update.Result != nil {
		job.Result = append(job.Result[:0:0], update.Result...)
	}
	job.UpdatedAt = now
	if update.Status.Terminal() {
		job.CompletedAt = now
	}
	return nil
}

// IncrementChecks 实现 Store 接口。
func (m *MemoryStore) IncrementChecks(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.Status.Terminal() {
		return cloneJob(job), ErrJobTerminal
	}
	job.CheckCount++
	job.UpdatedAt = m.now().Unix()
	return cloneJob(job), nil
}

// List 返回符合条件的任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if !matches(job, opts) {
			continue
		}
		results = append(results, cloneJob(job))
	}
	sortJobs(results, opts.Order)

	if opts.Offset >= len(results) {
		return []*Job{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Prune 仅保留最近 keep 条终态记录。
func (m *MemoryStore) Prune(_ context.Context, keep int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	finished := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if job.Status.Terminal() {
			finished = append(finished, job)
		}
	}
	if keep < 0 {
		keep = 0
	}
	if len(finished) <= keep {
		return 0, nil
	}
	sort.Slice(finished, func(i, j int) bool {
		if finished[i].CompletedAt == finished[j].CompletedAt {
			return finished[i].ID > finished[j].ID
		}
		return finished[i].CompletedAt > finished[j].CompletedAt
	})
	removed := 0
	for _, job := range finished[keep:] {
		delete(m.jobs, job.ID)
		removed++
	}
	return removed, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

func matches(job *Job, opts ListOptions) bool {
	if opts.AgentID != "" && job.AgentID != opts.AgentID {
		return false
	}
	if len(opts.Statuses) == 0 {
		return true
	}
	for _, status := range opts.Statuses {
		if job.Status == status {
			return true
		}
	}
	return false
}

func sortJobs(jobs []*Job, order SortOrder) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].UpdatedAt == jobs[j].UpdatedAt {
			if order == SortByUpdatedAsc {
				return jobs[i].ID < jobs[j].ID
			}
			return jobs[i].ID > jobs[j].ID
		}
		if order == SortByUpdatedAsc {
			return jobs[i].UpdatedAt < jobs[j].UpdatedAt
		}
		return jobs[i].UpdatedAt > jobs[j].UpdatedAt
	})
}
