package destination

import (
	"context"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"clip-flow/app/config"
	"clip-flow/app/logger"

	"resty.dev/v3"
)

// apiError 目的地返回的机器可读错误体
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// submitResult 目的地返回的上传结果
type submitResult struct {
	ID           string `json:"id"`
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnail_url"`
	Hash         string `json:"hash"`
}

// Primary 主后端上传目的地：multipart 表单上传
type Primary struct {
	provider *config.DestinationProvider
	auth     AuthProvider
	logger   *logger.Logger
}

// NewPrimary 创建主后端目的地适配器
func NewPrimary(provider *config.DestinationProvider, auth AuthProvider, log *logger.Logger) *Primary {
	return &Primary{provider: provider, auth: auth, logger: log}
}

func (d *Primary) Name() string {
	return "primary"
}

// Submit 上传文件到主后端
func (d *Primary) Submit(ctx context.Context, req SubmitRequest, onProgress ProgressFunc) (*Outcome, error) {
	cfg := d.provider.Snapshot().Primary
	if cfg.URL == "" {
		return nil, NewError(KindClientError, "主后端上传地址未配置")
	}

	info, err := os.Stat(req.FilePath)
	if err != nil {
		return nil, NewError(KindFileNotFound, "本地文件不存在: %s", req.FilePath)
	}

	header, err := buildAuthHeader(d.auth, cfg.AllowAnonymous, cfg.URL, "POST")
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

	var result submitResult
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
		SetResult(&result).
		SetError(&errBody)
	if header != "" {
		r.SetHeader("Authorization", header)
	}

	resp, err := r.Post(cfg.URL)
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
	if result.URL == "" {
		return nil, NewError(KindUnknown, "主后端响应缺少资源URL")
	}

	if onProgress != nil {
		onProgress(1.0)
	}
	d.logger.Debugf("主后端上传完成: ID=%s, URL=%s", result.ID, result.URL)

	return &Outcome{
		DestinationID: result.ID,
		CdnURL:        result.URL,
		ThumbnailURL:  result.ThumbnailURL,
		Hash:          result.Hash,
	}, nil
}

// buildAuthHeader 获取认证头。凭证缺失时仅在目的地允许匿名上传的情况下放行
func buildAuthHeader(auth AuthProvider, allowAnonymous bool, url, method string) (string, error) {
	if auth == nil {
		if allowAnonymous {
			return "", nil
		}
		return "", NewError(KindAuthFailure, "目的地要求认证，但未配置认证能力")
	}
	header, err := auth.CreateAuthHeader(url, method)
	if err != nil {
		return "", WrapError(KindAuthFailure, err)
	}
	if header == "" && !allowAnonymous {
		return "", NewError(KindAuthFailure, "无法铸造认证头，且目的地不允许匿名上传")
	}
	return header, nil
}

// contentTypeOf 按扩展名推断内容类型
func contentTypeOf(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
