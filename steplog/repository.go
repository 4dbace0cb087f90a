package steplog

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// Repository 执行日志持久化
type Repository interface {
	// Insert 写入条目并回填 ID
	Insert(ctx context.Context, e *Entry) error
	// List 按序号升序返回会话条目，limit<=0 表示不限
	List(ctx context.Context, sessionID string, limit int) ([]Entry, error)
}

// GormRepository 基于 gorm 的 Repository
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository 创建仓储
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// Insert 插入条目
func (r *GormRepository) Insert(ctx context.Context, e *Entry) error {
	if err := r.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("insert log entry %s#%d: %w", e.SessionID, e.Sequence, err)
	}
	return nil
}

// List 按 sequence 排序读取
func (r *GormRepository) List(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	q := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("sequence ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var entries []Entry
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("list log entries for %s: %w", sessionID, err)
	}
	return entries, nil
}
