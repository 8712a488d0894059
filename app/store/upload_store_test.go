package store

import (
	"path/filepath"
	"testing"
	"time"

	"clip-flow/app/config"
	"clip-flow/app/database"
	"clip-flow/app/logger"
	"clip-flow/app/model"
	"clip-flow/app/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 存储必须满足定时任务的冲刷契约
var _ service.Flusher = (*UploadStore)(nil)

func newTestStore(t *testing.T) *UploadStore {
	t.Helper()

	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Path:             filepath.Join(t.TempDir(), "test.db"),
			OpenRetries:      1,
			PendingQueueSize: 16,
		},
	}
	log := logger.New(config.LogConfig{Level: "error", Format: "text", Output: "stdout"})

	db, err := database.New(cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := New(db, cfg.Database.PendingQueueSize, log)
	t.Cleanup(s.Close)
	return s
}

func newRecord(id, path string, status model.UploadStatus) *model.UploadRecord {
	zero := 0.0
	return &model.UploadRecord{
		ID:            id,
		LocalFilePath: path,
		OwnerIdentity: "user-1",
		Status:        status,
		MaxRetryCount: 3,
		Progress:      &zero,
		CreatedAt:     time.Now(),
	}
}

func TestPutAndGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	rec := newRecord("job-1", "/tmp/a.mp4", model.StatusPending)
	rec.Hashtags = []string{"dance", "loop"}
	require.NoError(t, s.Put(rec))

	got, err := s.Get("job-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "job-1", got.ID)
	assert.Equal(t, "/tmp/a.mp4", got.LocalFilePath)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, []string{"dance", "loop"}, got.Hashtags)
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)

	got, err := s.Get("不存在")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPutUpdatesExisting(t *testing.T) {
	s := newTestStore(t)

	rec := newRecord("job-1", "/tmp/a.mp4", model.StatusPending)
	require.NoError(t, s.Put(rec))

	rec.SetUploading()
	rec.UpdateProgress(0.4)
	require.NoError(t, s.Put(rec))

	got, err := s.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusUploading, got.Status)
	require.NotNil(t, got.Progress)
	assert.Equal(t, 0.4, *got.Progress)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put(newRecord("job-1", "/tmp/a.mp4", model.StatusPending)))
	require.NoError(t, s.Delete("job-1"))

	got, err := s.Get("job-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAllOrderedByCreation(t *testing.T) {
	s := newTestStore(t)

	first := newRecord("job-1", "/tmp/a.mp4", model.StatusPending)
	first.CreatedAt = time.Now().Add(-time.Hour)
	second := newRecord("job-2", "/tmp/b.mp4", model.StatusFailed)
	require.NoError(t, s.Put(first))
	require.NoError(t, s.Put(second))

	all, err := s.All()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "job-1", all[0].ID)
	assert.Equal(t, "job-2", all[1].ID)
}

func TestFindActiveByPath(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put(newRecord("job-1", "/tmp/a.mp4", model.StatusUploading)))
	require.NoError(t, s.Put(newRecord("job-2", "/tmp/b.mp4", model.StatusFailed)))

	got, err := s.FindActiveByPath("/tmp/a.mp4")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "job-1", got.ID)

	// 失败的任务不算活跃，同一路径可以再次发起
	got, err = s.FindActiveByPath("/tmp/b.mp4")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCountByStatus(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put(newRecord("job-1", "/tmp/a.mp4", model.StatusPending)))
	require.NoError(t, s.Put(newRecord("job-2", "/tmp/b.mp4", model.StatusPending)))
	require.NoError(t, s.Put(newRecord("job-3", "/tmp/c.mp4", model.StatusFailed)))

	counts, err := s.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[model.StatusPending])
	assert.Equal(t, int64(1), counts[model.StatusFailed])
}

func TestGetReturnsIndependentCopy(t *testing.T) {
	s := newTestStore(t)

	rec := newRecord("job-1", "/tmp/a.mp4", model.StatusPending)
	rec.Hashtags = []string{"a"}
	require.NoError(t, s.Put(rec))

	got, err := s.Get("job-1")
	require.NoError(t, err)
	got.Hashtags[0] = "改掉了"
	got.Status = model.StatusFailed

	again, err := s.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, again.Hashtags)
	assert.Equal(t, model.StatusPending, again.Status)
}

func TestPersistenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Path:             filepath.Join(dir, "test.db"),
			OpenRetries:      1,
			PendingQueueSize: 16,
		},
	}
	log := logger.New(config.LogConfig{Level: "error", Format: "text", Output: "stdout"})

	db, err := database.New(cfg, log)
	require.NoError(t, err)
	s := New(db, 16, log)

	rec := newRecord("job-1", "/tmp/a.mp4", model.StatusRetrying)
	rec.RetryCount = 2
	rec.ErrorMessage = "连接超时"
	require.NoError(t, s.Put(rec))
	s.Close()
	require.NoError(t, db.Close())

	// 重新打开同一数据库文件，记录仍在
	db2, err := database.New(cfg, log)
	require.NoError(t, err)
	defer db2.Close()
	s2 := New(db2, 16, log)
	defer s2.Close()

	got, err := s2.Get("job-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.StatusRetrying, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, "连接超时", got.ErrorMessage)
}
