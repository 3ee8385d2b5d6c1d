package mysql

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/margintrading/internal/feemanagement/domain"
	"github.com/wyfcoding/margintrading/pkg/db"
	"gorm.io/gorm"
)

// FeeScheduleModel GORM 模型
type FeeScheduleModel struct {
	gorm.Model
	ScheduleID      string          `gorm:"column:schedule_id;uniqueIndex;type:varchar(64);not null"`
	Name            string          `gorm:"column:name;type:varchar(255)"`
	MakerFeePercent decimal.Decimal `gorm:"column:maker_fee_percent;type:decimal(10,6);not null"`
	TakerFeePercent decimal.Decimal `gorm:"column:taker_fee_percent;type:decimal(10,6);not null"`
	Active          bool            `gorm:"column:active;index;not null;default:false"`
}

func (FeeScheduleModel) TableName() string { return "fee_schedules" }

type feeRepository struct {
	db *db.DB
}

// NewFeeRepository 创建费率仓储
func NewFeeRepository(database *db.DB) domain.FeeRepository {
	return &feeRepository{db: database}
}

// AutoMigrate 建表
func AutoMigrate(ctx context.Context, database *db.DB) error {
	return database.WithContext(ctx).AutoMigrate(&FeeScheduleModel{})
}

func (r *feeRepository) SaveSchedule(ctx context.Context, s *domain.FeeSchedule) error {
	return r.db.WithTx(ctx, func(ctx context.Context) error {
		conn := r.db.Conn(ctx)
		if s.Active {
			if err := conn.Model(&FeeScheduleModel{}).Where("active = ?", true).Update("active", false).Error; err != nil {
				return fmt.Errorf("failed to deactivate fee schedules: %w", err)
			}
		}
		m := &FeeScheduleModel{
			ScheduleID:      s.ScheduleID,
			Name:            s.Name,
			MakerFeePercent: s.MakerFeePercent,
			TakerFeePercent: s.TakerFeePercent,
			Active:          s.Active,
		}
		if err := conn.Create(m).Error; err != nil {
			return fmt.Errorf("failed to save fee schedule: %w", err)
		}
		return nil
	})
}

func (r *feeRepository) GetActiveSchedule(ctx context.Context) (*domain.FeeSchedule, error) {
	var m FeeScheduleModel
	err := r.db.Conn(ctx).Where("active = ?", true).Order("created_at desc").First(&m).Error
	if err != nil {
		if db.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return toDomain(&m), nil
}

func (r *feeRepository) ListSchedules(ctx context.Context) ([]*domain.FeeSchedule, error) {
	var models []FeeScheduleModel
	if err := r.db.Conn(ctx).Order("created_at desc").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*domain.FeeSchedule, len(models))
	for i := range models {
		out[i] = toDomain(&models[i])
	}
	return out, nil
}

func toDomain(m *FeeScheduleModel) *domain.FeeSchedule {
	return &domain.FeeSchedule{
		ScheduleID:      m.ScheduleID,
		Name:            m.Name,
		MakerFeePercent: m.MakerFeePercent,
		TakerFeePercent: m.TakerFeePercent,
		Active:          m.Active,
		CreatedAt:       m.CreatedAt,
	}
}

