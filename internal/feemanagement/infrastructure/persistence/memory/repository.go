// Package memory 提供进程内的费率仓储
package memory

import (
	"context"
	"sync"

	"github.com/wyfcoding/margintrading/internal/feemanagement/domain"
)

type feeRepository struct {
	mu        sync.RWMutex
	schedules []*domain.FeeSchedule
}

// NewFeeRepository 创建内存费率仓储
func NewFeeRepository() domain.FeeRepository {
	return &feeRepository{}
}

func (r *feeRepository) SaveSchedule(_ context.Context, s *domain.FeeSchedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.Active {
		for _, existing := range r.schedules {
			existing.Active = false
		}
	}
	c := *s
	r.schedules = append(r.schedules, &c)
	return nil
}

func (r *feeRepository) GetActiveSchedule(_ context.Context) (*domain.FeeSchedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.schedules) - 1; i >= 0; i-- {
		if r.schedules[i].Active {
			c := *r.schedules[i]
			return &c, nil
		}
	}
	return nil, nil
}

func (r *feeRepository) ListSchedules(_ context.Context) ([]*domain.FeeSchedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.FeeSchedule, 0, len(r.schedules))
	for i := len(r.schedules) - 1; i >= 0; i-- {
		c := *r.schedules[i]
		out = append(out, &c)
	}
	return out, nil
}
