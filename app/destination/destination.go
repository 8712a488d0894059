package destination

import (
	"context"
	"time"
)

// Metadata 上传时附带的描述性元数据
type Metadata struct {
	OwnerIdentity string
	Title         string
	Description   string
	Hashtags      []string
}

// SubmitRequest 一次上传请求
type SubmitRequest struct {
	JobID    string
	FilePath string
	Metadata Metadata
}

// Outcome 上传成功的统一结果。
// Processing 为 true 表示目的地已接收字节但资产仍在服务端处理，
// 需要通过 AssetPoller 轮询就绪。
type Outcome struct {
	DestinationID string
	CdnURL        string
	ThumbnailURL  string
	Hash          string
	Processing    bool
}

// ProgressFunc 进度回调，取值单调不减，成功时以 1.0 收尾
type ProgressFunc func(fraction float64)

// Destination 上传目的地的统一契约。
// 适配器自行负责请求构造与认证头注入，
// 并保证返回的错误已按 Kind 分类。
type Destination interface {
	Name() string
	Submit(ctx context.Context, req SubmitRequest, onProgress ProgressFunc) (*Outcome, error)
}

// AssetPoller 可选能力：目的地在接收字节后仍需服务端处理的，
// 由上传管理器轮询资产就绪状态
type AssetPoller interface {
	PollAsset(ctx context.Context, destinationID string) (*Outcome, error)
	PollInterval() time.Duration
	PollTimeout() time.Duration
}

// AuthProvider 外部认证能力：为指定请求铸造认证头。
// 返回空字符串表示当前无可用凭证。
type AuthProvider interface {
	CreateAuthHeader(url, method string) (string, error)
}
