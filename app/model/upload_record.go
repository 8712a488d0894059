package model

import (
	"time"
)

// UploadStatus 上传任务状态
type UploadStatus string

const (
	StatusPending        UploadStatus = "pending"        // 等待中
	StatusUploading      UploadStatus = "uploading"      // 上传中
	StatusRetrying       UploadStatus = "retrying"       // 等待重试
	StatusPaused         UploadStatus = "paused"         // 已暂停
	StatusProcessing     UploadStatus = "processing"     // 服务端处理中
	StatusReadyToPublish UploadStatus = "readyToPublish" // 上传完成，待发布
	StatusPublished      UploadStatus = "published"      // 已发布
	StatusFailed         UploadStatus = "failed"         // 失败
)

// CancelledMessage 取消任务时写入的错误标记
const CancelledMessage = "cancelled"

// UploadRecord 上传任务模型，任务全生命周期的唯一事实来源
type UploadRecord struct {
	ID            string       `json:"id" gorm:"primarykey;size:36"`
	LocalFilePath string       `json:"local_file_path" gorm:"not null;index;comment:本地媒体文件路径"`
	OwnerIdentity string       `json:"owner_identity" gorm:"size:128;not null;comment:上传者身份标识"`
	Title         string       `json:"title" gorm:"size:200;comment:标题"`
	Description   string       `json:"description" gorm:"type:text;comment:描述"`
	Hashtags      []string     `json:"hashtags" gorm:"serializer:json;comment:话题标签"`
	Status        UploadStatus `json:"status" gorm:"size:20;default:pending;index;comment:状态"`
	RetryCount    int          `json:"retry_count" gorm:"default:0;comment:当前重试次数"`
	MaxRetryCount int          `json:"max_retry_count" gorm:"default:3;comment:最大重试次数"`
	ErrorMessage  string       `json:"error_message" gorm:"type:text;comment:最后一次错误信息"`
	Progress      *float64     `json:"progress" gorm:"comment:上传进度 0.0-1.0，暂停时为空"`
	DestinationID string       `json:"destination_id" gorm:"size:200;comment:目的地返回的资源ID"`
	CdnURL        string       `json:"cdn_url" gorm:"type:text;comment:可公开访问的URL"`
	ThumbnailURL  string       `json:"thumbnail_url" gorm:"type:text;comment:缩略图URL"`
	CreatedAt     time.Time    `json:"created_at"`
	CompletedAt   *time.Time   `json:"completed_at" gorm:"comment:发布或取消的时间"`
	LastAttemptAt *time.Time   `json:"last_attempt_at" gorm:"comment:最后一次上传尝试时间"`
}

// TableName 指定表名
func (UploadRecord) TableName() string {
	return "upload_records"
}

// IsTerminal 检查任务是否处于终态（已发布或已取消/失败后不再自动流转）
func (r *UploadRecord) IsTerminal() bool {
	return r.Status == StatusPublished ||
		(r.Status == StatusFailed && r.ErrorMessage == CancelledMessage)
}

// IsActive 检查任务是否仍在活跃生命周期内（非失败且非已发布）
func (r *UploadRecord) IsActive() bool {
	return r.Status != StatusFailed && r.Status != StatusPublished
}

// CanEditMetadata 检查是否还允许修改描述性元数据
func (r *UploadRecord) CanEditMetadata() bool {
	return r.Status != StatusPublished
}

// SetUploading 设置为上传中状态，进度归零
func (r *UploadRecord) SetUploading() {
	zero := 0.0
	r.Status = StatusUploading
	r.Progress = &zero
	now := time.Now()
	r.LastAttemptAt = &now
}

// SetRetrying 记录一次可重试的失败，等待退避后重试
func (r *UploadRecord) SetRetrying(err error) {
	r.Status = StatusRetrying
	r.RetryCount++
	r.ErrorMessage = err.Error()
}

// SetPaused 设置为暂停状态，进度清空
func (r *UploadRecord) SetPaused() {
	r.Status = StatusPaused
	r.Progress = nil
}

// SetPending 回到等待状态，进度归零
func (r *UploadRecord) SetPending() {
	zero := 0.0
	r.Status = StatusPending
	r.Progress = &zero
}

// SetProcessing 设置为服务端处理中状态
func (r *UploadRecord) SetProcessing() {
	r.Status = StatusProcessing
}

// SetReadyToPublish 上传成功，记录目的地返回的结果
func (r *UploadRecord) SetReadyToPublish(destinationID, cdnURL, thumbnailURL string) {
	one := 1.0
	r.Status = StatusReadyToPublish
	r.Progress = &one
	r.DestinationID = destinationID
	r.CdnURL = cdnURL
	r.ThumbnailURL = thumbnailURL
	r.ErrorMessage = ""
}

// SetPublished 外部消费者确认发布完成
func (r *UploadRecord) SetPublished() {
	now := time.Now()
	r.Status = StatusPublished
	r.CompletedAt = &now
}

// SetFailed 设置为失败状态
func (r *UploadRecord) SetFailed(err error) {
	r.Status = StatusFailed
	r.ErrorMessage = err.Error()
}

// SetCancelled 用户取消任务，记录保留以便之后重试
func (r *UploadRecord) SetCancelled() {
	now := time.Now()
	r.Status = StatusFailed
	r.ErrorMessage = CancelledMessage
	r.CompletedAt = &now
}

// UpdateProgress 更新上传进度，保证单调不减
func (r *UploadRecord) UpdateProgress(p float64) bool {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	if r.Progress != nil && p <= *r.Progress {
		return false
	}
	r.Progress = &p
	return true
}
