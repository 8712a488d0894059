package destination

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"clip-flow/app/config"
	"clip-flow/app/logger"

	"resty.dev/v3"
)

// streamAsset 流媒体接收服务的资产描述
type streamAsset struct {
	AssetID      string `json:"asset_id"`
	Status       string `json:"status"` // processing 或 ready
	PlaybackURL  string `json:"playback_url"`
	ThumbnailURL string `json:"thumbnail_url"`
	Hash         string `json:"hash"`
}

// Stream 托管流媒体接收服务目的地。
// 字节上传完成后资产通常还在转码，适配器实现 AssetPoller，
// 由上传管理器轮询直至资产就绪。
type Stream struct {
	provider *config.DestinationProvider
	auth     AuthProvider
	logger   *logger.Logger
}

// NewStream 创建流媒体接收目的地适配器
func NewStream(provider *config.DestinationProvider, auth AuthProvider, log *logger.Logger) *Stream {
	return &Stream{provider: provider, auth: auth, logger: log}
}

func (d *Stream) Name() string {
	return "stream"
}

// Submit 上传文件到流媒体接收服务
func (d *Stream) Submit(ctx context.Context, req SubmitRequest, onProgress ProgressFunc) (*Outcome, error) {
	cfg := d.provider.Snapshot().Stream
	if cfg.URL == "" {
		return nil, NewError(KindClientError, "流媒体接收服务地址未配置")
	}

	info, err := os.Stat(req.FilePath)
	if err != nil {
		return nil, NewError(KindFileNotFound, "本地文件不存在: %s", req.FilePath)
	}

	uploadURL := strings.TrimRight(cfg.URL, "/") + "/videos"
	header, err := buildAuthHeader(d.auth, cfg.AllowAnonymous, uploadURL, "POST")
	if err != nil {
		return nil, err
	}

	file, err := os.Open(req.FilePath)
	if err != nil {
		return nil, WrapError(KindFileNotFound, err)
	}
	defer file.Close()

	client := resty.New()
	defer client.Close()

	var asset streamAsset
	var errBody apiError
	r := client.R().
		SetContext(ctx).
		SetMultipartField("file", filepath.Base(req.FilePath), contentTypeOf(req.FilePath),
			newProgressReader(file, info.Size(), onProgress)).
		SetMultipartFormData(map[string]string{
			"owner":       req.Metadata.OwnerIdentity,
			"title":       req.Metadata.Title,
			"description": req.Metadata.Description,
			"hashtags":    strings.Join(req.Metadata.Hashtags, ","),
		}).
		SetResult(&asset).
		SetError(&errBody)
	if header != "" {
		r.SetHeader("Authorization", header)
	}

	resp, err := r.Post(uploadURL)
	if err != nil {
		return nil, FromTransport(err)
	}
	if !resp.IsSuccess() {
		message := errBody.Message
		if message == "" {
			message = resp.String()
		}
		return nil, FromStatusCode(resp.StatusCode(), message)
	}
	if asset.AssetID == "" {
		return nil, NewError(KindUnknown, "流媒体接收服务响应缺少资产ID")
	}

	if onProgress != nil {
		onProgress(1.0)
	}
	d.logger.Debugf("流媒体接收完成: AssetID=%s, Status=%s", asset.AssetID, asset.Status)

	return asset.toOutcome(), nil
}

// PollAsset 查询资产是否就绪
func (d *Stream) PollAsset(ctx context.Context, destinationID string) (*Outcome, error) {
	cfg := d.provider.Snapshot().Stream
	assetURL := strings.TrimRight(cfg.URL, "/") + "/videos/" + destinationID

	header, err := buildAuthHeader(d.auth, cfg.AllowAnonymous, assetURL, "GET")
	if err != nil {
		return nil, err
	}

	client := resty.New()
	defer client.Close()

	var asset streamAsset
	var errBody apiError
	r := client.R().
		SetContext(ctx).
		SetResult(&asset).
		SetError(&errBody)
	if header != "" {
		r.SetHeader("Authorization", header)
	}

	resp, err := r.Get(assetURL)
	if err != nil {
		return nil, FromTransport(err)
	}
	if !resp.IsSuccess() {
		message := errBody.Message
		if message == "" {
			message = resp.String()
		}
		return nil, FromStatusCode(resp.StatusCode(), message)
	}

	return asset.toOutcome(), nil
}

// PollInterval 资产就绪轮询间隔
func (d *Stream) PollInterval() time.Duration {
	return d.provider.Snapshot().Stream.PollInterval()
}

// PollTimeout 资产就绪轮询超时
func (d *Stream) PollTimeout() time.Duration {
	return d.provider.Snapshot().Stream.PollTimeout()
}

func (a *streamAsset) toOutcome() *Outcome {
	return &Outcome{
		DestinationID: a.AssetID,
		CdnURL:        a.PlaybackURL,
		ThumbnailURL:  a.ThumbnailURL,
		Hash:          a.Hash,
		Processing:    a.Status != "ready",
	}
}
