// Package storage 把拦截事件持久化到 sqlite，用于事后查询。
package storage

import (
	"context"
	"fmt"
	"time"

	"cdpwebreq/internal/config"
	"cdpwebreq/internal/logger"
	"cdpwebreq/pkg/model"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// Store 事件存储
type Store struct {
	db    *gorm.DB
	table string
	log   logger.Logger
}

// Open 打开数据库并迁移事件表
func Open(cfg config.SqliteConfig, l logger.Logger) (*Store, error) {
	if l == nil {
		l = logger.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(cfg.Dsn), &gorm.Config{Logger: NewGormLogger(l)})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Dsn, err)
	}
	s := &Store{db: db, table: cfg.Prefix + "events", log: l}
	if err := s.events(context.Background()).AutoMigrate(&EventRecord{}); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", s.table, err)
	}
	l.Info("事件存储已就绪", "dsn", cfg.Dsn, "table", s.table)
	return s, nil
}

func (s *Store) events(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table(s.table)
}

// Record 写入一条事件
func (s *Store) Record(ctx context.Context, evt model.Event) error {
	rec := recordFromEvent(evt)
	if err := s.events(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// Recent 按时间倒序返回最近的事件
func (s *Store) Recent(ctx context.Context, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []EventRecord
	if err := s.events(ctx).Order("timestamp desc, id desc").Limit(limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	out := make([]model.Event, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Event())
	}
	return out, nil
}

// Prune 删除早于 before 的事件，返回删除条数
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := s.events(ctx).Where("timestamp < ?", before.UnixMilli()).Delete(&EventRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune events: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Consume 持续把事件写入存储，直到通道关闭或 ctx 结束
func (s *Store) Consume(ctx context.Context, events <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := s.Record(ctx, evt); err != nil {
				s.log.Err(err, "写入事件失败", "type", evt.Type, "url", evt.URL)
			}
		}
	}
}

// Close 关闭底层连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
