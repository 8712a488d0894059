package service

import (
	"time"

	"clip-flow/app/config"
	"clip-flow/app/logger"
	"clip-flow/app/model"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// Flusher 存储的排队写入冲刷能力
type Flusher interface {
	Flush() error
	PendingWrites() int
}

// CleanupService 定时维护任务：
// 清理超过保留期的失败记录，并触发存储冲刷排队中的写入
type CleanupService struct {
	db      *gorm.DB
	flusher Flusher
	cfg     config.CleanupConfig
	logger  *logger.Logger
	cron    *cron.Cron
}

// NewCleanupService 创建定时清理服务
func NewCleanupService(db *gorm.DB, flusher Flusher, cfg config.CleanupConfig, log *logger.Logger) *CleanupService {
	return &CleanupService{
		db:      db,
		flusher: flusher,
		cfg:     cfg,
		logger:  log,
		cron:    cron.New(),
	}
}

// Start 启动定时任务
func (s *CleanupService) Start() error {
	if !s.cfg.Enabled {
		s.logger.Info("定时清理已禁用")
		return nil
	}

	if _, err := s.cron.AddFunc(s.cfg.Cron, s.runCleanup); err != nil {
		return err
	}
	// 每分钟检查一次排队写入，存储恢复后尽快落盘
	if _, err := s.cron.AddFunc("* * * * *", s.runFlush); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Infof("定时清理已启动: Cron=%s, 失败记录保留 %d 天", s.cfg.Cron, s.cfg.FailedRetentionDays)
	return nil
}

// Stop 停止定时任务
func (s *CleanupService) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("定时清理已停止")
}

// runCleanup 删除超过保留期的失败记录（含已取消的记录）
func (s *CleanupService) runCleanup() {
	retention := time.Duration(s.cfg.FailedRetentionDays) * 24 * time.Hour
	cutoff := time.Now().Add(-retention)

	result := s.db.Where("status = ? AND created_at < ?", model.StatusFailed, cutoff).
		Delete(&model.UploadRecord{})
	if result.Error != nil {
		s.logger.Errorf("清理失败记录出错: %v", result.Error)
		return
	}
	if result.RowsAffected > 0 {
		s.logger.Infof("已清理 %d 条过期失败记录", result.RowsAffected)
	}
}

// runFlush 触发存储冲刷排队中的写入
func (s *CleanupService) runFlush() {
	if s.flusher == nil {
		return
	}
	if pending := s.flusher.PendingWrites(); pending > 0 {
		s.logger.Debugf("存储有 %d 个排队写入，尝试冲刷", pending)
		if err := s.flusher.Flush(); err != nil {
			s.logger.Warnf("冲刷排队写入失败: %v", err)
		}
	}
}
