package application

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/margintrading/internal/feemanagement/domain"
	margindomain "github.com/wyfcoding/margintrading/internal/margin/domain"
	"github.com/wyfcoding/margintrading/pkg/utils"
)

// CreateScheduleCommand 创建费率表
type CreateScheduleCommand struct {
	Name            string          `json:"name" binding:"required"`
	MakerFeePercent decimal.Decimal `json:"maker_fee_percent"`
	TakerFeePercent decimal.Decimal `json:"taker_fee_percent"`
	Activate        bool            `json:"activate"`
}

// FeeService 费率管理与费率查询，实现交易核心的 FeePolicyProvider
type FeeService struct {
	repo   domain.FeeRepository
	ids    *utils.SnowflakeID
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	cached   *margindomain.FeeConfig
	cachedAt time.Time
}

// NewFeeService 创建费率服务，ttl 为生效费率的本地缓存时间
func NewFeeService(repo domain.FeeRepository, ids *utils.SnowflakeID, ttl time.Duration, logger *slog.Logger) *FeeService {
	return &FeeService{
		repo:   repo,
		ids:    ids,
		ttl:    ttl,
		logger: logger.With("module", "feemanagement"),
	}
}

// GetActiveFeeConfig 返回生效费率，没有生效费率表时返回 nil
func (s *FeeService) GetActiveFeeConfig(ctx context.Context) (*margindomain.FeeConfig, error) {
	s.mu.Lock()
	if s.ttl > 0 && !s.cachedAt.IsZero() && time.Since(s.cachedAt) < s.ttl {
		cfg := s.cached
		s.mu.Unlock()
		return cfg, nil
	}
	s.mu.Unlock()

	schedule, err := s.repo.GetActiveSchedule(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load active fee schedule: %w", err)
	}

	var cfg *margindomain.FeeConfig
	if schedule != nil {
		cfg = &margindomain.FeeConfig{
			MakerFeePercent: schedule.MakerFeePercent,
			TakerFeePercent: schedule.TakerFeePercent,
		}
	}

	s.mu.Lock()
	s.cached, s.cachedAt = cfg, time.Now()
	s.mu.Unlock()
	return cfg, nil
}

// CreateSchedule 创建费率表，activate 时立即生效并刷新缓存
func (s *FeeService) CreateSchedule(ctx context.Context, cmd CreateScheduleCommand) (*domain.FeeSchedule, error) {
	schedule := &domain.FeeSchedule{
		ScheduleID:      s.ids.NewID("FEE"),
		Name:            cmd.Name,
		MakerFeePercent: cmd.MakerFeePercent,
		TakerFeePercent: cmd.TakerFeePercent,
		Active:          cmd.Activate,
		CreatedAt:       time.Now(),
	}
	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.SaveSchedule(ctx, schedule); err != nil {
		return nil, err
	}
	if schedule.Active {
		s.invalidate()
		s.logger.InfoContext(ctx, "fee schedule activated",
			"schedule_id", schedule.ScheduleID,
			"maker", schedule.MakerFeePercent.String(),
			"taker", schedule.TakerFeePercent.String(),
		)
	}
	return schedule, nil
}

// ListSchedules 列出全部费率表
func (s *FeeService) ListSchedules(ctx context.Context) ([]*domain.FeeSchedule, error) {
	return s.repo.ListSchedules(ctx)
}

func (s *FeeService) invalidate() {
	s.mu.Lock()
	s.cachedAt = time.Time{}
	s.mu.Unlock()
}
