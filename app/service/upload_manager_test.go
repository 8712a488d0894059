package service

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"clip-flow/app/config"
	"clip-flow/app/destination"
	"clip-flow/app/logger"
	"clip-flow/app/model"
	"clip-flow/app/utils/breaker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore 测试用内存存储
type memStore struct {
	mu   sync.Mutex
	recs map[string]*model.UploadRecord
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]*model.UploadRecord)}
}

func (s *memStore) clone(rec *model.UploadRecord) *model.UploadRecord {
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

func (s *memStore) Put(rec *model.UploadRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = s.clone(rec)
	return nil
}

func (s *memStore) Get(id string) (*model.UploadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, nil
	}
	return s.clone(rec), nil
}

func (s *memStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, id)
	return nil
}

func (s *memStore) All() ([]model.UploadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.UploadRecord, 0, len(s.recs))
	for _, rec := range s.recs {
		out = append(out, *s.clone(rec))
	}
	return out, nil
}

func (s *memStore) FindActiveByPath(path string) (*model.UploadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.recs {
		if rec.LocalFilePath == path && rec.IsActive() {
			return s.clone(rec), nil
		}
	}
	return nil, nil
}

func (s *memStore) CountByStatus() (map[model.UploadStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[model.UploadStatus]int64)
	for _, rec := range s.recs {
		counts[rec.Status]++
	}
	return counts, nil
}

// mockDestination 可编排行为的测试目的地
type mockDestination struct {
	name  string
	calls atomic.Int64
	// submit 为 nil 时直接成功
	submit func(ctx context.Context, req destination.SubmitRequest, onProgress destination.ProgressFunc) (*destination.Outcome, error)
}

func (d *mockDestination) Name() string {
	if d.name != "" {
		return d.name
	}
	return "mock"
}

func (d *mockDestination) Submit(ctx context.Context, req destination.SubmitRequest, onProgress destination.ProgressFunc) (*destination.Outcome, error) {
	d.calls.Add(1)
	if d.submit != nil {
		return d.submit(ctx, req, onProgress)
	}
	if onProgress != nil {
		onProgress(1.0)
	}
	return &destination.Outcome{DestinationID: "asset-" + req.JobID, CdnURL: "https://cdn.example.com/" + req.JobID}, nil
}

func testUploadConfig() config.UploadConfig {
	return config.UploadConfig{
		MaxConcurrent:       5,
		MaxRetries:          3,
		InitialDelayMs:      1,
		MaxDelayMs:          5,
		BackoffMultiplier:   2.0,
		AttemptTimeoutMin:   1,
		RetryResetWindowMin: 60,
	}
}

func newTestManager(t *testing.T, dest destination.Destination, cfg config.UploadConfig) (*UploadManager, *memStore) {
	t.Helper()

	store := newMemStore()
	provider := config.StaticDestinationProvider(config.DestinationConfigs{
		Preference: []string{dest.Name()},
	})
	log := logger.New(config.LogConfig{Level: "error", Format: "text", Output: "stdout"})

	m := NewUploadManager(store, provider, []destination.Destination{dest}, cfg,
		breaker.Settings{Window: time.Minute, FailureThreshold: 0.5, MinRequests: 100, Cooldown: time.Minute}, log)
	m.Start()
	t.Cleanup(m.Stop)
	return m, store
}

func tempMedia(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("fake video bytes"), 0644))
	return path
}

func waitForStatus(t *testing.T, store *memStore, id string, want model.UploadStatus) *model.UploadRecord {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := store.Get(id)
		require.NoError(t, err)
		if rec != nil && rec.Status == want {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, _ := store.Get(id)
	t.Fatalf("等待状态超时: want=%s, got=%+v", want, rec)
	return nil
}

func TestStartUploadHappyPath(t *testing.T) {
	dest := &mockDestination{}
	m, store := newTestManager(t, dest, testUploadConfig())

	rec, err := m.StartUpload(StartUploadRequest{
		FilePath:      tempMedia(t),
		OwnerIdentity: "user-1",
		Title:         "第一条视频",
		Hashtags:      []string{"dance", "loop"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, rec.Status)

	final := waitForStatus(t, store, rec.ID, model.StatusReadyToPublish)
	assert.Equal(t, "asset-"+rec.ID, final.DestinationID)
	assert.Equal(t, "https://cdn.example.com/"+rec.ID, final.CdnURL)
	require.NotNil(t, final.Progress)
	assert.Equal(t, 1.0, *final.Progress)
	assert.Equal(t, 0, final.RetryCount)
	assert.Empty(t, final.ErrorMessage)
	assert.Equal(t, int64(1), dest.calls.Load())
}

func TestStartUploadMissingFile(t *testing.T) {
	m, _ := newTestManager(t, &mockDestination{}, testUploadConfig())

	_, err := m.StartUpload(StartUploadRequest{
		FilePath:      "/does/not/exist.mp4",
		OwnerIdentity: "user-1",
	})
	assert.Error(t, err)
}

func TestStartUploadRejectsDuplicate(t *testing.T) {
	block := make(chan struct{})
	dest := &mockDestination{submit: func(ctx context.Context, req destination.SubmitRequest, _ destination.ProgressFunc) (*destination.Outcome, error) {
		select {
		case <-block:
			return &destination.Outcome{DestinationID: "a", CdnURL: "u"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	m, _ := newTestManager(t, dest, testUploadConfig())

	path := tempMedia(t)
	_, err := m.StartUpload(StartUploadRequest{FilePath: path, OwnerIdentity: "user-1"})
	require.NoError(t, err)

	_, err = m.StartUpload(StartUploadRequest{FilePath: path, OwnerIdentity: "user-1"})
	assert.ErrorIs(t, err, ErrDuplicateJob)
	close(block)
}

func TestTransientFailureThenSuccess(t *testing.T) {
	dest := &mockDestination{}
	dest.submit = func(_ context.Context, req destination.SubmitRequest, onProgress destination.ProgressFunc) (*destination.Outcome, error) {
		if dest.calls.Load() <= 2 {
			return nil, destination.NewError(destination.KindServerError, "服务端错误 (503)")
		}
		if onProgress != nil {
			onProgress(1.0)
		}
		return &destination.Outcome{DestinationID: "a", CdnURL: "u"}, nil
	}
	m, store := newTestManager(t, dest, testUploadConfig())

	rec, err := m.StartUpload(StartUploadRequest{FilePath: tempMedia(t), OwnerIdentity: "user-1"})
	require.NoError(t, err)

	final := waitForStatus(t, store, rec.ID, model.StatusReadyToPublish)
	assert.Equal(t, 2, final.RetryCount)
	assert.Equal(t, int64(3), dest.calls.Load())
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	dest := &mockDestination{submit: func(context.Context, destination.SubmitRequest, destination.ProgressFunc) (*destination.Outcome, error) {
		return nil, destination.NewError(destination.KindAuthFailure, "token 无效")
	}}
	m, store := newTestManager(t, dest, testUploadConfig())

	rec, err := m.StartUpload(StartUploadRequest{FilePath: tempMedia(t), OwnerIdentity: "user-1"})
	require.NoError(t, err)

	final := waitForStatus(t, store, rec.ID, model.StatusFailed)
	// 不可重试的失败只尝试一次，不计入重试次数
	assert.Equal(t, 0, final.RetryCount)
	assert.Equal(t, int64(1), dest.calls.Load())
	assert.Contains(t, final.ErrorMessage, "token 无效")
	assert.False(t, final.IsTerminal())
}

func TestRetriesExhausted(t *testing.T) {
	dest := &mockDestination{submit: func(context.Context, destination.SubmitRequest, destination.ProgressFunc) (*destination.Outcome, error) {
		return nil, destination.NewError(destination.KindNetwork, "连接超时")
	}}
	cfg := testUploadConfig()
	cfg.MaxRetries = 2
	m, store := newTestManager(t, dest, cfg)

	rec, err := m.StartUpload(StartUploadRequest{FilePath: tempMedia(t), OwnerIdentity: "user-1"})
	require.NoError(t, err)

	final := waitForStatus(t, store, rec.ID, model.StatusFailed)
	assert.Equal(t, 2, final.RetryCount)
	// 首次尝试 + 2 次重试
	assert.Equal(t, int64(3), dest.calls.Load())
}

func TestConcurrentJobs(t *testing.T) {
	dest := &mockDestination{}
	m, store := newTestManager(t, dest, testUploadConfig())

	dir := t.TempDir()
	ids := make(map[string]bool)
	for i := 0; i < 5; i++ {
		path := filepath.Join(dir, filepath.Base(dir)+string(rune('a'+i))+".mp4")
		require.NoError(t, os.WriteFile(path, []byte("bytes"), 0644))

		rec, err := m.StartUpload(StartUploadRequest{FilePath: path, OwnerIdentity: "user-1"})
		require.NoError(t, err)
		ids[rec.ID] = true
	}
	assert.Len(t, ids, 5)

	for id := range ids {
		waitForStatus(t, store, id, model.StatusReadyToPublish)
	}
	assert.Equal(t, int64(5), dest.calls.Load())
}

func TestPauseAndResume(t *testing.T) {
	var paused atomic.Bool
	dest := &mockDestination{submit: func(ctx context.Context, req destination.SubmitRequest, onProgress destination.ProgressFunc) (*destination.Outcome, error) {
		if !paused.Load() {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		if onProgress != nil {
			onProgress(1.0)
		}
		return &destination.Outcome{DestinationID: "a", CdnURL: "u"}, nil
	}}
	m, store := newTestManager(t, dest, testUploadConfig())

	rec, err := m.StartUpload(StartUploadRequest{FilePath: tempMedia(t), OwnerIdentity: "user-1"})
	require.NoError(t, err)
	waitForStatus(t, store, rec.ID, model.StatusUploading)

	require.NoError(t, m.PauseUpload(rec.ID))
	got := waitForStatus(t, store, rec.ID, model.StatusPaused)
	// 暂停后进度清空
	assert.Nil(t, got.Progress)

	// 对已暂停的任务重复暂停是无害的
	require.NoError(t, m.PauseUpload(rec.ID))

	paused.Store(true)
	require.NoError(t, m.ResumeUpload(rec.ID))
	waitForStatus(t, store, rec.ID, model.StatusReadyToPublish)
}

func TestPauseSurvivesLateProgressCallback(t *testing.T) {
	dest := &mockDestination{submit: func(ctx context.Context, _ destination.SubmitRequest, onProgress destination.ProgressFunc) (*destination.Outcome, error) {
		<-ctx.Done()
		// 模拟传输层在取消后才冲刷出的迟到进度回调
		time.Sleep(20 * time.Millisecond)
		if onProgress != nil {
			onProgress(0.9)
		}
		return nil, ctx.Err()
	}}
	m, store := newTestManager(t, dest, testUploadConfig())

	rec, err := m.StartUpload(StartUploadRequest{FilePath: tempMedia(t), OwnerIdentity: "user-1"})
	require.NoError(t, err)
	waitForStatus(t, store, rec.ID, model.StatusUploading)

	require.NoError(t, m.PauseUpload(rec.ID))
	got := waitForStatus(t, store, rec.ID, model.StatusPaused)
	assert.Nil(t, got.Progress)

	// 迟到的回调不得把记录改回 uploading
	time.Sleep(100 * time.Millisecond)
	got, err = store.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaused, got.Status)
	assert.Nil(t, got.Progress)
}

func TestManualRetryWithinWindowUsesRemainingBudget(t *testing.T) {
	dest := &mockDestination{submit: func(context.Context, destination.SubmitRequest, destination.ProgressFunc) (*destination.Outcome, error) {
		return nil, destination.NewError(destination.KindServerError, "服务端错误")
	}}
	m, store := newTestManager(t, dest, testUploadConfig())

	recent := time.Now().Add(-time.Minute)
	rec := &model.UploadRecord{
		ID:            "budget-job",
		LocalFilePath: tempMedia(t),
		OwnerIdentity: "user-1",
		Status:        model.StatusFailed,
		RetryCount:    2,
		MaxRetryCount: 3,
		LastAttemptAt: &recent,
		CreatedAt:     recent,
	}
	require.NoError(t, store.Put(rec))

	require.NoError(t, m.RetryUpload(rec.ID))
	final := waitForStatus(t, store, rec.ID, model.StatusFailed)
	// 窗口内的手动重试只拿剩余预算：已用 2 次，只允许再重试 1 次
	assert.Equal(t, 3, final.RetryCount)
	assert.Equal(t, int64(2), dest.calls.Load())
}

func TestCancelDuringUpload(t *testing.T) {
	dest := &mockDestination{submit: func(ctx context.Context, _ destination.SubmitRequest, _ destination.ProgressFunc) (*destination.Outcome, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	m, store := newTestManager(t, dest, testUploadConfig())

	rec, err := m.StartUpload(StartUploadRequest{FilePath: tempMedia(t), OwnerIdentity: "user-1"})
	require.NoError(t, err)
	waitForStatus(t, store, rec.ID, model.StatusUploading)

	require.NoError(t, m.CancelUpload(rec.ID))
	final := waitForStatus(t, store, rec.ID, model.StatusFailed)
	assert.Equal(t, model.CancelledMessage, final.ErrorMessage)
	assert.NotNil(t, final.CompletedAt)
	assert.True(t, final.IsTerminal())
}

func TestManualRetryResetsCountAfterWindow(t *testing.T) {
	dest := &mockDestination{}
	m, store := newTestManager(t, dest, testUploadConfig())

	old := time.Now().Add(-2 * time.Hour)
	rec := &model.UploadRecord{
		ID:            "stale-job",
		LocalFilePath: tempMedia(t),
		OwnerIdentity: "user-1",
		Status:        model.StatusFailed,
		RetryCount:    3,
		MaxRetryCount: 3,
		ErrorMessage:  "连接超时",
		LastAttemptAt: &old,
		CreatedAt:     old,
	}
	require.NoError(t, store.Put(rec))

	require.NoError(t, m.RetryUpload(rec.ID))
	final := waitForStatus(t, store, rec.ID, model.StatusReadyToPublish)
	// 超过重置窗口，重试计数归零
	assert.Equal(t, 0, final.RetryCount)
	assert.Empty(t, final.ErrorMessage)
}

func TestManualRetryKeepsCountWithinWindow(t *testing.T) {
	dest := &mockDestination{}
	m, store := newTestManager(t, dest, testUploadConfig())

	recent := time.Now().Add(-time.Minute)
	rec := &model.UploadRecord{
		ID:            "recent-job",
		LocalFilePath: tempMedia(t),
		OwnerIdentity: "user-1",
		Status:        model.StatusFailed,
		RetryCount:    2,
		MaxRetryCount: 3,
		LastAttemptAt: &recent,
		CreatedAt:     recent,
	}
	require.NoError(t, store.Put(rec))

	require.NoError(t, m.RetryUpload(rec.ID))
	final := waitForStatus(t, store, rec.ID, model.StatusReadyToPublish)
	// 窗口内重试保留计数
	assert.Equal(t, 2, final.RetryCount)
}

func TestRetryRejectsNonFailed(t *testing.T) {
	m, store := newTestManager(t, &mockDestination{}, testUploadConfig())

	rec, err := m.StartUpload(StartUploadRequest{FilePath: tempMedia(t), OwnerIdentity: "user-1"})
	require.NoError(t, err)
	waitForStatus(t, store, rec.ID, model.StatusReadyToPublish)

	assert.ErrorIs(t, m.RetryUpload(rec.ID), ErrInvalidState)
}

func TestMarkPublished(t *testing.T) {
	m, store := newTestManager(t, &mockDestination{}, testUploadConfig())

	rec, err := m.StartUpload(StartUploadRequest{FilePath: tempMedia(t), OwnerIdentity: "user-1"})
	require.NoError(t, err)
	waitForStatus(t, store, rec.ID, model.StatusReadyToPublish)

	require.NoError(t, m.MarkPublished(rec.ID))
	final := waitForStatus(t, store, rec.ID, model.StatusPublished)
	assert.NotNil(t, final.CompletedAt)
	assert.True(t, final.IsTerminal())

	// 已发布的任务不允许再修改元数据
	title := "新标题"
	_, err = m.UpdateMetadata(rec.ID, UpdateMetadataRequest{Title: &title})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestUpdateMetadataMergesFields(t *testing.T) {
	m, store := newTestManager(t, &mockDestination{}, testUploadConfig())

	rec, err := m.StartUpload(StartUploadRequest{
		FilePath:      tempMedia(t),
		OwnerIdentity: "user-1",
		Title:         "旧标题",
		Description:   "旧描述",
	})
	require.NoError(t, err)
	waitForStatus(t, store, rec.ID, model.StatusReadyToPublish)

	title := "新标题"
	updated, err := m.UpdateMetadata(rec.ID, UpdateMetadataRequest{Title: &title, Hashtags: []string{"new"}})
	require.NoError(t, err)
	assert.Equal(t, "新标题", updated.Title)
	assert.Equal(t, "旧描述", updated.Description)
	assert.Equal(t, []string{"new"}, updated.Hashtags)
}

func TestBreakerOpenSkipsNetworkCall(t *testing.T) {
	dest := &mockDestination{}
	store := newMemStore()
	provider := config.StaticDestinationProvider(config.DestinationConfigs{Preference: []string{"mock"}})
	log := logger.New(config.LogConfig{Level: "error", Format: "text", Output: "stdout"})

	cfg := testUploadConfig()
	cfg.MaxRetries = 1
	m := NewUploadManager(store, provider, []destination.Destination{dest}, cfg,
		breaker.Settings{Window: time.Minute, FailureThreshold: 0.5, MinRequests: 1, Cooldown: time.Minute}, log)
	m.Start()
	defer m.Stop()

	// 预先打开熔断器
	m.breakers.Get("mock").Record(false)
	require.Equal(t, "open", m.BreakerStates()["mock"])

	rec, err := m.StartUpload(StartUploadRequest{FilePath: tempMedia(t), OwnerIdentity: "user-1"})
	require.NoError(t, err)

	final := waitForStatus(t, store, rec.ID, model.StatusFailed)
	// 熔断期间不发起任何网络调用
	assert.Equal(t, int64(0), dest.calls.Load())
	assert.Contains(t, final.ErrorMessage, "熔断")
}

func TestStartRequeuesUnfinishedJobs(t *testing.T) {
	dest := &mockDestination{}
	store := newMemStore()
	provider := config.StaticDestinationProvider(config.DestinationConfigs{Preference: []string{"mock"}})
	log := logger.New(config.LogConfig{Level: "error", Format: "text", Output: "stdout"})

	// 模拟上个进程崩溃时留下的记录
	half := 0.5
	require.NoError(t, store.Put(&model.UploadRecord{
		ID:            "orphan",
		LocalFilePath: tempMedia(t),
		OwnerIdentity: "user-1",
		Status:        model.StatusUploading,
		Progress:      &half,
		MaxRetryCount: 3,
		CreatedAt:     time.Now(),
	}))

	m := NewUploadManager(store, provider, []destination.Destination{dest}, testUploadConfig(),
		breaker.Settings{Window: time.Minute, FailureThreshold: 0.5, MinRequests: 100, Cooldown: time.Minute}, log)
	m.Start()
	defer m.Stop()

	waitForStatus(t, store, "orphan", model.StatusReadyToPublish)
	assert.Equal(t, int64(1), dest.calls.Load())
}

func TestProcessingAssetPolledUntilReady(t *testing.T) {
	dest := &pollingDestination{}
	m, store := newTestManager(t, dest, testUploadConfig())

	rec, err := m.StartUpload(StartUploadRequest{FilePath: tempMedia(t), OwnerIdentity: "user-1"})
	require.NoError(t, err)

	final := waitForStatus(t, store, rec.ID, model.StatusReadyToPublish)
	assert.Equal(t, "https://play.example.com/asset-1", final.CdnURL)
	assert.GreaterOrEqual(t, dest.polls.Load(), int64(2))
}

func TestSubscribeReceivesLifecycleEvents(t *testing.T) {
	m, store := newTestManager(t, &mockDestination{}, testUploadConfig())

	events, cancel := m.SubscribeAll()
	defer cancel()

	rec, err := m.StartUpload(StartUploadRequest{FilePath: tempMedia(t), OwnerIdentity: "user-1"})
	require.NoError(t, err)
	waitForStatus(t, store, rec.ID, model.StatusReadyToPublish)

	seen := make(map[model.UploadStatus]bool)
	deadline := time.After(time.Second)
	for !seen[model.StatusReadyToPublish] {
		select {
		case ev := <-events:
			assert.Equal(t, rec.ID, ev.ID)
			seen[ev.Status] = true
		case <-deadline:
			t.Fatalf("未收到完成事件, 已见状态: %v", seen)
		}
	}
	assert.True(t, seen[model.StatusUploading])
}

// pollingDestination 模拟需要服务端处理的目的地
type pollingDestination struct {
	calls atomic.Int64
	polls atomic.Int64
}

func (d *pollingDestination) Name() string { return "mock" }

func (d *pollingDestination) Submit(_ context.Context, _ destination.SubmitRequest, onProgress destination.ProgressFunc) (*destination.Outcome, error) {
	d.calls.Add(1)
	if onProgress != nil {
		onProgress(1.0)
	}
	return &destination.Outcome{DestinationID: "asset-1", Processing: true}, nil
}

func (d *pollingDestination) PollAsset(context.Context, string) (*destination.Outcome, error) {
	if d.polls.Add(1) < 2 {
		return &destination.Outcome{DestinationID: "asset-1", Processing: true}, nil
	}
	return &destination.Outcome{DestinationID: "asset-1", CdnURL: "https://play.example.com/asset-1", Processing: false}, nil
}

func (d *pollingDestination) PollInterval() time.Duration { return 2 * time.Millisecond }
func (d *pollingDestination) PollTimeout() time.Duration  { return time.Second }
