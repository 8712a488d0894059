package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateProgressMonotonic(t *testing.T) {
	r := &UploadRecord{}

	assert.True(t, r.UpdateProgress(0.3))
	assert.False(t, r.UpdateProgress(0.2))
	assert.True(t, r.UpdateProgress(0.9))
	assert.Equal(t, 0.9, *r.Progress)

	// 超出范围的值被截断
	assert.True(t, r.UpdateProgress(1.5))
	assert.Equal(t, 1.0, *r.Progress)
}

func TestTerminalStates(t *testing.T) {
	published := &UploadRecord{Status: StatusPublished}
	assert.True(t, published.IsTerminal())

	cancelled := &UploadRecord{}
	cancelled.SetCancelled()
	assert.True(t, cancelled.IsTerminal())
	assert.Equal(t, CancelledMessage, cancelled.ErrorMessage)
	require.NotNil(t, cancelled.CompletedAt)

	// 普通失败不是终态，允许手动重试
	failed := &UploadRecord{}
	failed.SetFailed(errors.New("连接超时"))
	assert.False(t, failed.IsTerminal())
	assert.False(t, failed.IsActive())
}

func TestSetRetryingIncrementsCount(t *testing.T) {
	r := &UploadRecord{Status: StatusUploading}
	r.SetRetrying(errors.New("服务端错误"))
	r.SetRetrying(errors.New("服务端错误"))

	assert.Equal(t, StatusRetrying, r.Status)
	assert.Equal(t, 2, r.RetryCount)
}

func TestSetReadyToPublishClearsError(t *testing.T) {
	r := &UploadRecord{Status: StatusRetrying, ErrorMessage: "上一次的错误"}
	r.SetReadyToPublish("asset-1", "https://cdn/x", "https://cdn/t")

	assert.Equal(t, StatusReadyToPublish, r.Status)
	assert.Empty(t, r.ErrorMessage)
	assert.Equal(t, 1.0, *r.Progress)
	assert.Equal(t, "asset-1", r.DestinationID)
}

func TestCanEditMetadata(t *testing.T) {
	assert.True(t, (&UploadRecord{Status: StatusUploading}).CanEditMetadata())
	assert.True(t, (&UploadRecord{Status: StatusReadyToPublish}).CanEditMetadata())
	assert.False(t, (&UploadRecord{Status: StatusPublished}).CanEditMetadata())
}
