package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"clip-flow/app/database"
	"clip-flow/app/logger"
	"clip-flow/app/model"
	"clip-flow/app/utils/retry"

	"gorm.io/gorm"
)

// pendingOp 存储不可用期间排队的写操作
type pendingOp struct {
	record *model.UploadRecord
	delete bool
	id     string
}

// UploadStore 上传记录的持久化存储。
// 底层为 sqlite，写入失败时进入内存排队模式，
// 由独立的恢复协程按自己的退避节奏刷回，不消耗任务本身的重试预算。
type UploadStore struct {
	db     *database.Database
	logger *logger.Logger

	mu        sync.Mutex
	available bool
	corrupted bool
	queue     []pendingOp
	overlay   map[string]*model.UploadRecord // 排队中的最新记录状态
	tombstone map[string]bool                // 排队中的删除标记
	queueSize int

	recovering bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// recoveryPolicy 存储恢复自身的重试预算，与任务级重试完全解耦
var recoveryPolicy = retry.Policy{
	MaxRetries:   10,
	InitialDelay: time.Second,
	MaxDelay:     30 * time.Second,
	Multiplier:   2.0,
}

// New 创建上传记录存储
func New(db *database.Database, queueSize int, log *logger.Logger) *UploadStore {
	if queueSize <= 0 {
		queueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &UploadStore{
		db:        db,
		logger:    log,
		available: true,
		overlay:   make(map[string]*model.UploadRecord),
		tombstone: make(map[string]bool),
		queueSize: queueSize,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Close 停止后台恢复协程
func (s *UploadStore) Close() {
	s.cancel()
	s.wg.Wait()
}

// Put 写入或更新一条上传记录
func (s *UploadStore) Put(rec *model.UploadRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.corrupted {
		return database.ErrCorrupted
	}

	if s.available {
		if err := s.db.DB.Save(rec).Error; err == nil {
			return nil
		} else {
			s.logger.Errorf("写入上传记录失败，切换到内存排队模式: ID=%s, Error=%v", rec.ID, err)
			s.markUnavailableLocked()
		}
	}

	return s.enqueueLocked(pendingOp{record: cloneRecord(rec), id: rec.ID})
}

// Get 按ID获取上传记录，不存在时返回 (nil, nil)
func (s *UploadStore) Get(id string) (*model.UploadRecord, error) {
	s.mu.Lock()
	if s.tombstone[id] {
		s.mu.Unlock()
		return nil, nil
	}
	if rec, ok := s.overlay[id]; ok {
		s.mu.Unlock()
		return cloneRecord(rec), nil
	}
	s.mu.Unlock()

	var rec model.UploadRecord
	err := s.db.DB.Where("id = ?", id).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", database.ErrUnavailable, err)
	}
	return &rec, nil
}

// Delete 按ID删除上传记录
func (s *UploadStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.corrupted {
		return database.ErrCorrupted
	}

	delete(s.overlay, id)

	if s.available {
		if err := s.db.DB.Where("id = ?", id).Delete(&model.UploadRecord{}).Error; err == nil {
			return nil
		} else {
			s.logger.Errorf("删除上传记录失败，切换到内存排队模式: ID=%s, Error=%v", id, err)
			s.markUnavailableLocked()
		}
	}

	return s.enqueueLocked(pendingOp{delete: true, id: id})
}

// All 返回全部上传记录（已合并内存排队中的最新状态）
func (s *UploadStore) All() ([]model.UploadRecord, error) {
	var records []model.UploadRecord
	if err := s.db.DB.Order("created_at ASC").Find(&records).Error; err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		// 数据库读不出来时，至少返回内存中排队的记录
		out := make([]model.UploadRecord, 0, len(s.overlay))
		for _, rec := range s.overlay {
			out = append(out, *rec)
		}
		return out, fmt.Errorf("%w: %v", database.ErrUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.overlay) == 0 && len(s.tombstone) == 0 {
		return records, nil
	}

	merged := make([]model.UploadRecord, 0, len(records)+len(s.overlay))
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		if s.tombstone[rec.ID] {
			continue
		}
		if pending, ok := s.overlay[rec.ID]; ok {
			merged = append(merged, *pending)
		} else {
			merged = append(merged, rec)
		}
		seen[rec.ID] = true
	}
	for id, rec := range s.overlay {
		if !seen[id] && !s.tombstone[id] {
			merged = append(merged, *rec)
		}
	}
	return merged, nil
}

// CountByStatus 按状态统计任务数量
func (s *UploadStore) CountByStatus() (map[model.UploadStatus]int64, error) {
	type row struct {
		Status model.UploadStatus
		Total  int64
	}
	var rows []row
	if err := s.db.DB.Model(&model.UploadRecord{}).
		Select("status, count(*) as total").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", database.ErrUnavailable, err)
	}

	counts := make(map[model.UploadStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Total
	}
	return counts, nil
}

// FindActiveByPath 查找指定文件路径上仍活跃（未失败、未发布）的任务
func (s *UploadStore) FindActiveByPath(path string) (*model.UploadRecord, error) {
	s.mu.Lock()
	for id, rec := range s.overlay {
		if !s.tombstone[id] && rec.LocalFilePath == path && rec.IsActive() {
			s.mu.Unlock()
			return cloneRecord(rec), nil
		}
	}
	s.mu.Unlock()

	var rec model.UploadRecord
	err := s.db.DB.
		Where("local_file_path = ? AND status NOT IN ?", path,
			[]model.UploadStatus{model.StatusFailed, model.StatusPublished}).
		First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", database.ErrUnavailable, err)
	}
	return &rec, nil
}

// Available 存储当前是否可直接写入
func (s *UploadStore) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// PendingWrites 内存排队中的写操作数量
func (s *UploadStore) PendingWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Flush 主动触发一次刷盘尝试（定时任务调用）
func (s *UploadStore) Flush() error {
	s.mu.Lock()
	if s.available || len(s.queue) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.tryFlush()
}

// enqueueLocked 把写操作放入有界内存队列，调用方需持有锁
func (s *UploadStore) enqueueLocked(op pendingOp) error {
	if len(s.queue) >= s.queueSize {
		return fmt.Errorf("%w: 内存写入队列已满 (%d)", database.ErrUnavailable, s.queueSize)
	}
	s.queue = append(s.queue, op)
	if op.delete {
		s.tombstone[op.id] = true
		delete(s.overlay, op.id)
	} else {
		s.overlay[op.id] = op.record
		delete(s.tombstone, op.id)
	}
	return nil
}

// markUnavailableLocked 标记存储不可用并启动后台恢复，调用方需持有锁
func (s *UploadStore) markUnavailableLocked() {
	s.available = false
	if s.recovering {
		return
	}
	s.recovering = true
	s.wg.Add(1)
	go s.recoverLoop()
}

// recoverLoop 后台恢复协程：按独立的退避预算反复尝试刷盘，
// 预算耗尽后存储被视为永久损坏
func (s *UploadStore) recoverLoop() {
	defer s.wg.Done()

	err := retry.Do(s.ctx, recoveryPolicy,
		func(error) bool { return true },
		func(err error, delay time.Duration) {
			s.logger.Warnf("存储恢复失败，%s 后再次尝试: %v", delay, err)
		},
		func() error { return s.tryFlush() },
	)

	s.mu.Lock()
	s.recovering = false
	if err != nil && s.ctx.Err() == nil {
		s.corrupted = true
	}
	s.mu.Unlock()

	if err != nil && s.ctx.Err() == nil {
		s.logger.Errorf("存储恢复预算已耗尽，标记为永久损坏: %v", err)
	}
}

// tryFlush 尝试把内存队列按顺序刷回数据库
func (s *UploadStore) tryFlush() error {
	if err := s.db.Ping(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) > 0 {
		op := s.queue[0]
		var err error
		if op.delete {
			err = s.db.DB.Where("id = ?", op.id).Delete(&model.UploadRecord{}).Error
		} else {
			err = s.db.DB.Save(op.record).Error
		}
		if err != nil {
			return err
		}

		s.queue = s.queue[1:]
		if op.delete {
			delete(s.tombstone, op.id)
		} else if cur, ok := s.overlay[op.id]; ok && cur == op.record {
			delete(s.overlay, op.id)
		}
	}

	s.available = true
	s.logger.Info("存储已恢复，内存队列全部刷回")
	return nil
}

// cloneRecord 复制记录，避免调用方与队列共享可变状态
func cloneRecord(rec *model.UploadRecord) *model.UploadRecord {
	c := *rec
	if rec.Hashtags != nil {
		c.Hashtags = append([]string(nil), rec.Hashtags...)
	}
	if rec.Progress != nil {
		p := *rec.Progress
		c.Progress = &p
	}
	return &c
}
