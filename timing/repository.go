package timing

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// Repository 计时记录的持久化
type Repository interface {
	// Save 写入一条已关闭的记录
	Save(ctx context.Context, rec *Record) error
	// ListBySession 按开始时间升序返回会话的全部记录
	ListBySession(ctx context.Context, sessionID string) ([]Record, error)
}

// GormRepository 基于 gorm 的 Repository
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository 创建仓储
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// Save 插入记录
func (r *GormRepository) Save(ctx context.Context, rec *Record) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("insert timing record %s: %w", rec.ID, err)
	}
	return nil
}

// ListBySession 按 start_time 排序读取
func (r *GormRepository) ListBySession(ctx context.Context, sessionID string) ([]Record, error) {
	var records []Record
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("start_time ASC").
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list timing records for %s: %w", sessionID, err)
	}
	return records, nil
}
