package destination

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"clip-flow/app/config"
	"clip-flow/app/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Storage 用户自备的 S3 兼容对象存储目的地（支持 MinIO 等自定义端点）
type Storage struct {
	provider *config.DestinationProvider
	logger   *logger.Logger
}

// NewStorage 创建对象存储目的地适配器
func NewStorage(provider *config.DestinationProvider, log *logger.Logger) *Storage {
	return &Storage{provider: provider, logger: log}
}

func (d *Storage) Name() string {
	return "storage"
}

// Submit 上传文件到对象存储
func (d *Storage) Submit(ctx context.Context, req SubmitRequest, onProgress ProgressFunc) (*Outcome, error) {
	cfg := d.provider.Snapshot().Storage
	if cfg.Region == "" || cfg.Bucket == "" {
		return nil, NewError(KindClientError, "对象存储配置不完整：缺少 region 或 bucket")
	}

	info, err := os.Stat(req.FilePath)
	if err != nil {
		return nil, NewError(KindFileNotFound, "本地文件不存在: %s", req.FilePath)
	}

	client, err := d.newClient(ctx, cfg)
	if err != nil {
		return nil, WrapError(KindUnknown, err)
	}

	file, err := os.Open(req.FilePath)
	if err != nil {
		return nil, WrapError(KindFileNotFound, err)
	}
	defer file.Close()

	// 以任务ID生成对象键，重试时覆盖同一对象，保证幂等
	key := objectKey(req)
	out, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(cfg.Bucket),
		Key:           aws.String(key),
		Body:          newProgressReader(file, info.Size(), onProgress),
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentTypeOf(req.FilePath)),
		Metadata: map[string]string{
			"owner":    req.Metadata.OwnerIdentity,
			"title":    req.Metadata.Title,
			"hashtags": strings.Join(req.Metadata.Hashtags, ","),
		},
	})
	if err != nil {
		return nil, classifyS3Error(err)
	}

	if onProgress != nil {
		onProgress(1.0)
	}

	hash := ""
	if out.ETag != nil {
		hash = strings.Trim(*out.ETag, `"`)
	}
	url := d.publicURL(cfg, key)
	d.logger.Debugf("对象存储上传完成: Key=%s, URL=%s", key, url)

	return &Outcome{
		DestinationID: key,
		CdnURL:        url,
		Hash:          hash,
	}, nil
}

// newClient 按当前配置快照构建 S3 客户端
func (d *Storage) newClient(ctx context.Context, cfg config.StorageDestinationConfig) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// publicURL 计算对象的公开访问URL
func (d *Storage) publicURL(cfg config.StorageDestinationConfig, key string) string {
	if cfg.PublicBase != "" {
		return strings.TrimRight(cfg.PublicBase, "/") + "/" + key
	}
	if cfg.Endpoint != "" {
		return strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket + "/" + key
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", cfg.Bucket, cfg.Region, key)
}

// objectKey 计算对象键
func objectKey(req SubmitRequest) string {
	return fmt.Sprintf("clips/%s/%s%s", req.Metadata.OwnerIdentity, req.JobID, filepath.Ext(req.FilePath))
}

// classifyS3Error 对 S3 调用错误分类
func classifyS3Error(err error) *ClassifiedError {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return FromStatusCode(respErr.HTTPStatusCode(), respErr.Error())
	}
	return FromTransport(err)
}
