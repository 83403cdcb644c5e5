package hire

import (
	"context"

	"Sokosumi-Chain/internal/tracking"
)

// Stats 聚合任务状态的统计信息，供仪表盘或健康检查使用。
type Stats struct {
	Total    int                     `json:"total"`
	ByStatus map[tracking.Status]int `json:"by_status"`
	// OldestActiveAt 为最早一条未结束任务的雇佣时间。
	OldestActiveAt  int64 `json:"oldest_active_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// Stats 统计当前保留的全部任务。
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	jobs, err := s.listAll(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{ByStatus: make(map[tracking.Status]int)}
	for _, job := range jobs {
		stats.Total++
		stats.ByStatus[job.Status]++
		if job.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = job.UpdatedAt
		}
		if !job.Status.Terminal() && (stats.OldestActiveAt == 0 || job.HiredAt < stats.OldestActiveAt) {
			stats.OldestActiveAt = job.HiredAt
		}
	}
	return stats, nil
}
