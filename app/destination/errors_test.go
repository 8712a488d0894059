package destination

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromStatusCode(t *testing.T) {
	tests := []struct {
		code int
		want Kind
	}{
		{429, KindRateLimited},
		{401, KindAuthFailure},
		{403, KindAuthFailure},
		{500, KindServerError},
		{503, KindServerError},
		{400, KindClientError},
		{404, KindClientError},
		{413, KindClientError},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d", tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(FromStatusCode(tt.code, "x")))
		})
	}
}

func TestFromTransport(t *testing.T) {
	assert.Equal(t, KindNetwork, Classify(FromTransport(context.DeadlineExceeded)))
	assert.Equal(t, KindNetwork, Classify(FromTransport(&net.OpError{Op: "dial", Err: errors.New("connection refused")})))
	assert.Equal(t, KindUnknown, Classify(FromTransport(errors.New("奇怪的错误"))))
}

func TestRetryable(t *testing.T) {
	retryable := []Kind{KindNetwork, KindServerError, KindRateLimited, KindStorageUnavailable, KindUnknown}
	for _, kind := range retryable {
		assert.True(t, Retryable(NewError(kind, "x")), string(kind))
	}

	permanent := []Kind{KindClientError, KindAuthFailure, KindFileNotFound}
	for _, kind := range permanent {
		assert.False(t, Retryable(NewError(kind, "x")), string(kind))
	}

	// 未分类错误乐观地按可重试处理
	assert.True(t, Retryable(errors.New("裸错误")))
}

func TestClassifySeesWrappedError(t *testing.T) {
	inner := NewError(KindAuthFailure, "token 过期")
	wrapped := fmt.Errorf("上传失败: %w", inner)

	assert.Equal(t, KindAuthFailure, Classify(wrapped))
	assert.False(t, Retryable(wrapped))
}

func TestWrapErrorPreservesCause(t *testing.T) {
	cause := errors.New("底层错误")
	err := WrapError(KindNetwork, cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "底层错误", err.Error())
}
