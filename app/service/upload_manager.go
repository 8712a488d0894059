package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"clip-flow/app/config"
	"clip-flow/app/database"
	"clip-flow/app/destination"
	"clip-flow/app/logger"
	"clip-flow/app/model"
	"clip-flow/app/utils/breaker"
	"clip-flow/app/utils/retry"

	"github.com/google/uuid"
)

var (
	ErrUploadNotFound = errors.New("上传任务不存在")
	ErrDuplicateJob   = errors.New("该文件已有进行中的上传任务")
	ErrInvalidState   = errors.New("当前状态不允许该操作")
)

// RecordStore 上传记录的持久化契约，由构造时注入
type RecordStore interface {
	Put(rec *model.UploadRecord) error
	Get(id string) (*model.UploadRecord, error)
	Delete(id string) error
	All() ([]model.UploadRecord, error)
	FindActiveByPath(path string) (*model.UploadRecord, error)
	CountByStatus() (map[model.UploadStatus]int64, error)
}

// StartUploadRequest 发起上传所需的全部输入
type StartUploadRequest struct {
	FilePath      string
	OwnerIdentity string
	Title         string
	Description   string
	Hashtags      []string
}

// UpdateMetadataRequest 元数据更新请求，nil 字段表示不修改
type UpdateMetadataRequest struct {
	Title       *string
	Description *string
	Hashtags    []string
}

// stopReason 任务被中断的原因
type stopReason int

const (
	stopNone stopReason = iota
	stopPause
	stopCancel
	stopDelete
)

// jobHandle 单个在途任务的控制句柄。
// done 在执行协程退出时关闭，控制操作据此等待执行序列完全停下，
// 避免迟到的进度回调覆盖控制操作写入的最终状态
type jobHandle struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	reason stopReason
}

func (h *jobHandle) stop(reason stopReason) {
	h.mu.Lock()
	h.reason = reason
	h.mu.Unlock()
	h.cancel()
}

func (h *jobHandle) stopReason() stopReason {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// UploadManager 上传编排器：接收任务、持久化记录、
// 在熔断与重试约束下驱动任务流经各目的地，并对外暴露状态查询与控制操作
type UploadManager struct {
	logger   *logger.Logger
	store    RecordStore
	cfg      config.UploadConfig
	provider *config.DestinationProvider
	byName   map[string]destination.Destination
	breakers *breaker.Registry
	events   *eventBus
	workers  chan struct{} // 控制并发数的信号量

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	jobs      map[string]*jobHandle
	isRunning bool
}

// NewUploadManager 创建上传管理器
func NewUploadManager(
	store RecordStore,
	provider *config.DestinationProvider,
	destinations []destination.Destination,
	uploadCfg config.UploadConfig,
	breakerSettings breaker.Settings,
	log *logger.Logger,
) *UploadManager {
	if uploadCfg.MaxConcurrent <= 0 {
		uploadCfg.MaxConcurrent = 1
	}

	byName := make(map[string]destination.Destination, len(destinations))
	for _, d := range destinations {
		byName[d.Name()] = d
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &UploadManager{
		logger:   log,
		store:    store,
		cfg:      uploadCfg,
		provider: provider,
		byName:   byName,
		breakers: breaker.NewRegistry(breakerSettings),
		events:   newEventBus(),
		workers:  make(chan struct{}, uploadCfg.MaxConcurrent),
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[string]*jobHandle),
	}
}

// Start 启动管理器，并重新拉起上个进程遗留的未完成任务
func (m *UploadManager) Start() {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		m.logger.Warn("上传管理器已经在运行中")
		return
	}
	m.isRunning = true
	m.mu.Unlock()

	records, err := m.store.All()
	if err != nil {
		m.logger.Errorf("恢复未完成任务失败: %v", err)
	}
	resumed := 0
	for i := range records {
		rec := records[i]
		switch rec.Status {
		case model.StatusPending, model.StatusUploading, model.StatusRetrying, model.StatusProcessing:
			rec.SetPending()
			m.persist(&rec)
			m.launch(rec.ID)
			resumed++
		}
	}
	if resumed > 0 {
		m.logger.Infof("上传管理器已启动，恢复了 %d 个未完成任务", resumed)
	} else {
		m.logger.Info("上传管理器已启动")
	}
}

// Stop 停止管理器，等待在途任务退出
func (m *UploadManager) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	m.mu.Unlock()

	m.logger.Info("正在停止上传管理器...")
	m.cancel()
	m.wg.Wait()
	m.logger.Info("上传管理器已停止")
}

// StartUpload 发起一个上传任务：校验文件、创建 pending 记录、
// 持久化后异步开始首次上传尝试。
// 仅当存储已不可恢复时同步返回错误。
func (m *UploadManager) StartUpload(req StartUploadRequest) (*model.UploadRecord, error) {
	if req.OwnerIdentity == "" {
		return nil, fmt.Errorf("上传者身份标识不能为空")
	}
	if _, err := os.Stat(req.FilePath); err != nil {
		return nil, fmt.Errorf("本地文件不存在: %s", req.FilePath)
	}

	if existing, err := m.store.FindActiveByPath(req.FilePath); err == nil && existing != nil {
		m.logger.Warnf("上传任务已存在: Path=%s, ID=%s", req.FilePath, existing.ID)
		return nil, ErrDuplicateJob
	}

	zero := 0.0
	rec := &model.UploadRecord{
		ID:            uuid.NewString(),
		LocalFilePath: req.FilePath,
		OwnerIdentity: req.OwnerIdentity,
		Title:         req.Title,
		Description:   req.Description,
		Hashtags:      req.Hashtags,
		Status:        model.StatusPending,
		MaxRetryCount: m.cfg.MaxRetries,
		Progress:      &zero,
		CreatedAt:     time.Now(),
	}

	if err := m.store.Put(rec); err != nil {
		// 存储不可恢复是公共API唯一允许同步失败的场景
		m.logger.Errorf("持久化上传记录失败: %v", err)
		return nil, err
	}

	m.logger.Infof("创建上传任务: ID=%s, Path=%s, Owner=%s", rec.ID, req.FilePath, req.OwnerIdentity)
	m.publish(rec)
	m.launch(rec.ID)
	return rec, nil
}

// PauseUpload 暂停上传，仅对 uploading 状态有效
func (m *UploadManager) PauseUpload(id string) error {
	rec, err := m.getRecord(id)
	if err != nil {
		return err
	}
	if rec.Status != model.StatusUploading {
		m.logger.Warnf("任务不在上传中，忽略暂停请求: ID=%s, Status=%s", id, rec.Status)
		return nil
	}

	m.stopJob(id, stopPause)

	// 中断后重新读取，避免覆盖刚好完成的任务
	rec, err = m.getRecord(id)
	if err != nil {
		return err
	}
	if rec.Status != model.StatusUploading && rec.Status != model.StatusRetrying {
		return nil
	}
	rec.SetPaused()
	m.persist(rec)
	m.publish(rec)
	m.logger.Infof("任务已暂停: ID=%s", id)
	return nil
}

// ResumeUpload 恢复上传，仅对 paused 状态有效，进度归零
func (m *UploadManager) ResumeUpload(id string) error {
	rec, err := m.getRecord(id)
	if err != nil {
		return err
	}
	if rec.Status != model.StatusPaused {
		m.logger.Warnf("任务未处于暂停状态，忽略恢复请求: ID=%s, Status=%s", id, rec.Status)
		return nil
	}

	rec.SetPending()
	m.persist(rec)
	m.publish(rec)
	m.launch(id)
	m.logger.Infof("任务已恢复: ID=%s", id)
	return nil
}

// RetryUpload 手动重试失败的任务。
// 距最后一次尝试超过重置窗口时，重试计数归零，否则保留
func (m *UploadManager) RetryUpload(id string) error {
	rec, err := m.getRecord(id)
	if err != nil {
		return err
	}
	if rec.Status != model.StatusFailed {
		m.logger.Warnf("任务未处于失败状态，忽略重试请求: ID=%s, Status=%s", id, rec.Status)
		return fmt.Errorf("%w: 仅失败的任务可以重试", ErrInvalidState)
	}

	window := m.cfg.RetryResetWindow()
	if rec.LastAttemptAt == nil || time.Since(*rec.LastAttemptAt) > window {
		rec.RetryCount = 0
	}
	rec.ErrorMessage = ""
	rec.CompletedAt = nil
	rec.SetPending()
	m.persist(rec)
	m.publish(rec)
	m.launch(id)
	m.logger.Infof("任务已重新排队: ID=%s, RetryCount=%d", id, rec.RetryCount)
	return nil
}

// CancelUpload 取消任务：立即中断在途上传（包括退避等待），
// 记录保留为失败状态以便之后重试
func (m *UploadManager) CancelUpload(id string) error {
	rec, err := m.getRecord(id)
	if err != nil {
		return err
	}
	if rec.IsTerminal() {
		m.logger.Warnf("任务已处于终态，忽略取消请求: ID=%s, Status=%s", id, rec.Status)
		return nil
	}
	if rec.Status == model.StatusFailed {
		// 已失败的任务没有在途工作可取消，保持可手动重试
		m.logger.Warnf("任务已处于失败状态，无需取消: ID=%s", id)
		return nil
	}

	m.stopJob(id, stopCancel)

	rec, err = m.getRecord(id)
	if err != nil {
		return err
	}
	rec.SetCancelled()
	m.persist(rec)
	m.publish(rec)
	m.logger.Infof("任务已取消: ID=%s", id)
	return nil
}

// DeleteUpload 永久删除任务记录，先中断在途工作
func (m *UploadManager) DeleteUpload(id string) error {
	rec, err := m.getRecord(id)
	if err != nil {
		return err
	}

	m.stopJob(id, stopDelete)

	if err := m.store.Delete(rec.ID); err != nil {
		return err
	}
	m.events.closeJob(id)
	m.logger.Infof("任务已删除: ID=%s", id)
	return nil
}

// UpdateMetadata 合并描述性元数据，不改变任务状态。
// 任务发布后不再允许修改
func (m *UploadManager) UpdateMetadata(id string, req UpdateMetadataRequest) (*model.UploadRecord, error) {
	rec, err := m.getRecord(id)
	if err != nil {
		return nil, err
	}
	if !rec.CanEditMetadata() {
		return nil, fmt.Errorf("%w: 已发布的任务不允许修改元数据", ErrInvalidState)
	}

	if req.Title != nil {
		rec.Title = *req.Title
	}
	if req.Description != nil {
		rec.Description = *req.Description
	}
	if req.Hashtags != nil {
		rec.Hashtags = req.Hashtags
	}
	m.persist(rec)
	return rec, nil
}

// MarkPublished 外部消费者确认引用该媒体的事件已持久发布
func (m *UploadManager) MarkPublished(id string) error {
	rec, err := m.getRecord(id)
	if err != nil {
		return err
	}
	if rec.Status != model.StatusReadyToPublish {
		return fmt.Errorf("%w: 仅待发布的任务可以标记为已发布", ErrInvalidState)
	}

	rec.SetPublished()
	m.persist(rec)
	m.publish(rec)
	m.logger.Infof("任务已发布: ID=%s", id)
	return nil
}

// GetUpload 按ID查询上传记录
func (m *UploadManager) GetUpload(id string) (*model.UploadRecord, error) {
	return m.getRecord(id)
}

// ListUploads 按状态过滤查询全部上传记录
func (m *UploadManager) ListUploads(status model.UploadStatus) ([]model.UploadRecord, error) {
	records, err := m.store.All()
	if err != nil {
		return nil, err
	}
	if status == "" {
		return records, nil
	}
	filtered := make([]model.UploadRecord, 0, len(records))
	for _, rec := range records {
		if rec.Status == status {
			filtered = append(filtered, rec)
		}
	}
	return filtered, nil
}

// Counts 按状态统计任务数量
func (m *UploadManager) Counts() (map[model.UploadStatus]int64, error) {
	return m.store.CountByStatus()
}

// BreakerStates 各目的地的熔断状态快照
func (m *UploadManager) BreakerStates() map[string]string {
	return m.breakers.States()
}

// Subscribe 订阅单个任务的状态/进度事件流
func (m *UploadManager) Subscribe(id string) (<-chan UploadEvent, func()) {
	return m.events.subscribe(id)
}

// SubscribeAll 订阅全部任务的聚合事件流
func (m *UploadManager) SubscribeAll() (<-chan UploadEvent, func()) {
	return m.events.subscribeAll()
}

// launch 为任务启动独立的执行协程，同一任务同时只有一个执行序列。
// 已被中断但尚未退出的旧序列不算在途，直接被新序列替换
func (m *UploadManager) launch(id string) {
	m.mu.Lock()
	if h, running := m.jobs[id]; running && h.ctx.Err() == nil {
		m.mu.Unlock()
		return
	}
	jobCtx, cancel := context.WithCancel(m.ctx)
	handle := &jobHandle{ctx: jobCtx, cancel: cancel, done: make(chan struct{})}
	m.jobs[id] = handle
	m.mu.Unlock()

	m.wg.Add(1)
	go m.runJob(jobCtx, id, handle)
}

// stopJob 中断在途任务（若存在）并等待其执行协程完全退出，
// 保证调用方随后写入的状态不会被在途协程覆盖
func (m *UploadManager) stopJob(id string, reason stopReason) {
	m.mu.Lock()
	handle := m.jobs[id]
	m.mu.Unlock()
	if handle != nil {
		handle.stop(reason)
		<-handle.done
	}
}

// runJob 驱动单个任务的完整上传/重试序列
func (m *UploadManager) runJob(ctx context.Context, id string, handle *jobHandle) {
	defer m.wg.Done()
	defer close(handle.done)
	defer func() {
		m.mu.Lock()
		// 只清理自己的句柄，避免误删替换后的新序列
		if m.jobs[id] == handle {
			delete(m.jobs, id)
		}
		m.mu.Unlock()
	}()

	// 获取工作槽位，等待期间可被中断
	select {
	case m.workers <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-m.workers }()

	rec, err := m.store.Get(id)
	if err != nil || rec == nil {
		m.logger.Errorf("读取上传记录失败: ID=%s, Error=%v", id, err)
		return
	}

	// 已消耗的重试计入预算：窗口内手动重试只拿剩余的次数
	remaining := rec.MaxRetryCount - rec.RetryCount
	if remaining < 0 {
		remaining = 0
	}
	policy := retry.Policy{
		MaxRetries:   remaining,
		InitialDelay: m.cfg.InitialDelay(),
		MaxDelay:     m.cfg.MaxDelay(),
		Multiplier:   m.cfg.BackoffMultiplier,
	}

	var outcome *destination.Outcome
	err = retry.Do(ctx, policy, destination.Retryable,
		func(attemptErr error, delay time.Duration) {
			rec.SetRetrying(attemptErr)
			m.persist(rec)
			m.publish(rec)
			m.logger.Warnf("上传失败，%s 后重试: ID=%s, RetryCount=%d/%d, Error=%v",
				delay, id, rec.RetryCount, rec.MaxRetryCount, attemptErr)
		},
		func() error {
			out, dest, attemptErr := m.attempt(ctx, rec)
			if attemptErr != nil {
				return attemptErr
			}
			if out.Processing {
				out, attemptErr = m.awaitAsset(ctx, rec, dest, out)
				if attemptErr != nil {
					return attemptErr
				}
			}
			outcome = out
			return nil
		})

	if ctx.Err() != nil {
		// 被暂停/取消/删除或管理器关停打断，最终状态已由控制操作写入
		m.logger.Debugf("任务执行被中断: ID=%s, Reason=%d", id, handle.stopReason())
		return
	}

	if err != nil {
		rec.SetFailed(err)
		m.persist(rec)
		m.publish(rec)
		m.logger.Errorf("任务最终失败: ID=%s, RetryCount=%d, Error=%v", id, rec.RetryCount, err)
		return
	}

	rec.SetReadyToPublish(outcome.DestinationID, outcome.CdnURL, outcome.ThumbnailURL)
	m.persist(rec)
	m.publish(rec)
	m.logger.Infof("任务上传完成: ID=%s, URL=%s", id, outcome.CdnURL)
}

// attempt 执行一次上传尝试：重新评估目的地优先级、过熔断器、带硬超时提交
func (m *UploadManager) attempt(ctx context.Context, rec *model.UploadRecord) (*destination.Outcome, destination.Destination, error) {
	// 每次尝试前重新校验文件仍然存在
	if _, err := os.Stat(rec.LocalFilePath); err != nil {
		return nil, nil, destination.NewError(destination.KindFileNotFound, "本地文件不存在: %s", rec.LocalFilePath)
	}

	dest, err := m.selectDestination()
	if err != nil {
		return nil, nil, err
	}

	br := m.breakers.Get(dest.Name())
	if err := br.Allow(); err != nil {
		return nil, nil, destination.WrapError(destination.KindServerError, err)
	}

	rec.SetUploading()
	m.persist(rec)
	m.publish(rec)

	attemptCtx := ctx
	if timeout := m.cfg.AttemptTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	lastPersisted := 0.0
	outcome, err := dest.Submit(attemptCtx, destination.SubmitRequest{
		JobID:    rec.ID,
		FilePath: rec.LocalFilePath,
		Metadata: destination.Metadata{
			OwnerIdentity: rec.OwnerIdentity,
			Title:         rec.Title,
			Description:   rec.Description,
			Hashtags:      rec.Hashtags,
		},
	}, func(fraction float64) {
		// 任务被中断后丢弃迟到的进度回调，不再写回任何状态
		if ctx.Err() != nil {
			return
		}
		if !rec.UpdateProgress(fraction) {
			return
		}
		m.publish(rec)
		// 进度每推进 5% 落盘一次，避免高频写
		if fraction-lastPersisted >= 0.05 || fraction >= 1.0 {
			lastPersisted = fraction
			m.persist(rec)
		}
	})

	br.Record(!isBreakerFailure(err))
	if err != nil {
		return nil, nil, err
	}
	return outcome, dest, nil
}

// selectDestination 按配置的优先级顺序选出本次尝试的目的地。
// 顺序每次尝试都重新评估，熔断中的目的地被跳过
func (m *UploadManager) selectDestination() (destination.Destination, error) {
	snap := m.provider.Snapshot()
	skippedByBreaker := false

	for _, name := range snap.Preference {
		dest, ok := m.byName[name]
		if !ok {
			continue
		}
		switch name {
		case "storage":
			if !snap.Storage.Enabled {
				continue
			}
		case "stream":
			if !snap.Stream.Enabled {
				continue
			}
		case "primary":
			if snap.Primary.URL == "" {
				continue
			}
		}
		if m.breakers.Get(name).State() == breaker.StateOpen {
			skippedByBreaker = true
			continue
		}
		return dest, nil
	}

	if skippedByBreaker {
		return nil, destination.WrapError(destination.KindServerError, breaker.ErrOpen)
	}
	return nil, destination.NewError(destination.KindClientError, "没有已配置且可用的上传目的地")
}

// awaitAsset 目的地已接收字节但资产仍在服务端处理时，轮询直至就绪
func (m *UploadManager) awaitAsset(ctx context.Context, rec *model.UploadRecord, dest destination.Destination, out *destination.Outcome) (*destination.Outcome, error) {
	poller, ok := dest.(destination.AssetPoller)
	if !ok {
		// 目的地不支持轮询，按已就绪处理
		out.Processing = false
		return out, nil
	}

	rec.SetProcessing()
	m.persist(rec)
	m.publish(rec)
	m.logger.Infof("资产处理中，开始轮询: ID=%s, AssetID=%s", rec.ID, out.DestinationID)

	interval := poller.PollInterval()
	if interval <= 0 {
		interval = 3 * time.Second
	}
	timeout := poller.PollTimeout()
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, destination.NewError(destination.KindServerError, "等待资产就绪超时: AssetID=%s", out.DestinationID)
		case <-ticker.C:
			latest, err := poller.PollAsset(pollCtx, out.DestinationID)
			if err != nil {
				if !destination.Retryable(err) {
					return nil, err
				}
				m.logger.Debugf("轮询资产状态失败，继续等待: AssetID=%s, Error=%v", out.DestinationID, err)
				continue
			}
			if !latest.Processing {
				return latest, nil
			}
		}
	}
}

// isBreakerFailure 判定错误是否计入目的地的熔断统计。
// 客户端自身的问题（4xx、认证、文件缺失）不代表目的地劣化
func isBreakerFailure(err error) bool {
	if err == nil {
		return false
	}
	switch destination.Classify(err) {
	case destination.KindNetwork, destination.KindServerError, destination.KindRateLimited:
		return true
	default:
		return false
	}
}

// getRecord 读取记录，区分"不存在"与存储失败
func (m *UploadManager) getRecord(id string) (*model.UploadRecord, error) {
	rec, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrUploadNotFound
	}
	return rec, nil
}

// persist 写回记录。存储暂时不可用时写入已在内存排队，只记录日志
func (m *UploadManager) persist(rec *model.UploadRecord) {
	if err := m.store.Put(rec); err != nil {
		if errors.Is(err, database.ErrCorrupted) {
			m.logger.Errorf("存储已永久损坏，记录无法写回: ID=%s", rec.ID)
			return
		}
		m.logger.Errorf("写回上传记录失败: ID=%s, Error=%v", rec.ID, err)
	}
}

// publish 根据记录当前状态分发事件
func (m *UploadManager) publish(rec *model.UploadRecord) {
	m.events.publish(UploadEvent{
		ID:           rec.ID,
		Status:       rec.Status,
		Progress:     rec.Progress,
		RetryCount:   rec.RetryCount,
		ErrorMessage: rec.ErrorMessage,
		CdnURL:       rec.CdnURL,
		Timestamp:    time.Now(),
	})
}
