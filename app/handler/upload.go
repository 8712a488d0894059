package handler

import (
	"errors"
	"io"
	"net/http"

	"clip-flow/app/model"
	"clip-flow/app/service"

	"github.com/gin-gonic/gin"
)

// UploadHandler 上传任务处理器
type UploadHandler struct {
	manager  *service.UploadManager
	response *ResponseHelper
}

// NewUploadHandler 创建上传任务处理器
func NewUploadHandler(manager *service.UploadManager) *UploadHandler {
	return &UploadHandler{
		manager:  manager,
		response: NewResponseHelper(),
	}
}

// CreateUploadRequest 创建上传任务请求
type CreateUploadRequest struct {
	FilePath      string   `json:"file_path" binding:"required"`
	OwnerIdentity string   `json:"owner_identity" binding:"required"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	Hashtags      []string `json:"hashtags"`
}

// UpdateMetadataRequest 更新元数据请求，缺失字段不修改
type UpdateMetadataRequest struct {
	Title       *string  `json:"title"`
	Description *string  `json:"description"`
	Hashtags    []string `json:"hashtags"`
}

// CreateUpload 创建上传任务
func (h *UploadHandler) CreateUpload(c *gin.Context) {
	var req CreateUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, h.response.Error(400, "请求参数错误: "+err.Error()))
		return
	}

	rec, err := h.manager.StartUpload(service.StartUploadRequest{
		FilePath:      req.FilePath,
		OwnerIdentity: req.OwnerIdentity,
		Title:         req.Title,
		Description:   req.Description,
		Hashtags:      req.Hashtags,
	})
	if err != nil {
		if errors.Is(err, service.ErrDuplicateJob) {
			c.JSON(http.StatusConflict, h.response.Error(409, err.Error()))
			return
		}
		c.JSON(http.StatusBadRequest, h.response.Error(400, err.Error()))
		return
	}

	c.JSON(http.StatusCreated, h.response.Success(rec, "上传任务已创建"))
}

// GetUploads 查询上传任务列表，支持按状态过滤
func (h *UploadHandler) GetUploads(c *gin.Context) {
	status := model.UploadStatus(c.Query("status"))

	records, err := h.manager.ListUploads(status)
	if err != nil {
		c.JSON(http.StatusInternalServerError, h.response.Error(500, "查询上传任务失败: "+err.Error()))
		return
	}

	c.JSON(http.StatusOK, h.response.Success(records, "success"))
}

// GetUploadStats 按状态统计任务数量，附带各目的地的熔断状态
func (h *UploadHandler) GetUploadStats(c *gin.Context) {
	counts, err := h.manager.Counts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, h.response.Error(500, "统计上传任务失败: "+err.Error()))
		return
	}

	c.JSON(http.StatusOK, h.response.Success(gin.H{
		"counts":   counts,
		"breakers": h.manager.BreakerStates(),
	}, "success"))
}

// GetUpload 查询单个上传任务
func (h *UploadHandler) GetUpload(c *gin.Context) {
	rec, err := h.manager.GetUpload(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, h.response.Success(rec, "success"))
}

// PauseUpload 暂停上传任务
func (h *UploadHandler) PauseUpload(c *gin.Context) {
	if err := h.manager.PauseUpload(c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.response.Success(nil, "任务已暂停"))
}

// ResumeUpload 恢复上传任务
func (h *UploadHandler) ResumeUpload(c *gin.Context) {
	if err := h.manager.ResumeUpload(c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.response.Success(nil, "任务已恢复"))
}

// RetryUpload 手动重试失败的任务
func (h *UploadHandler) RetryUpload(c *gin.Context) {
	if err := h.manager.RetryUpload(c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.response.Success(nil, "任务已重新排队"))
}

// CancelUpload 取消上传任务
func (h *UploadHandler) CancelUpload(c *gin.Context) {
	if err := h.manager.CancelUpload(c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.response.Success(nil, "任务已取消"))
}

// DeleteUpload 删除上传任务
func (h *UploadHandler) DeleteUpload(c *gin.Context) {
	if err := h.manager.DeleteUpload(c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.response.Success(nil, "任务已删除"))
}

// UpdateMetadata 更新任务的描述性元数据
func (h *UploadHandler) UpdateMetadata(c *gin.Context) {
	var req UpdateMetadataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, h.response.Error(400, "请求参数错误: "+err.Error()))
		return
	}

	rec, err := h.manager.UpdateMetadata(c.Param("id"), service.UpdateMetadataRequest{
		Title:       req.Title,
		Description: req.Description,
		Hashtags:    req.Hashtags,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, h.response.Success(rec, "元数据已更新"))
}

// MarkPublished 标记任务为已发布
func (h *UploadHandler) MarkPublished(c *gin.Context) {
	if err := h.manager.MarkPublished(c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.response.Success(nil, "任务已发布"))
}

// Events 以 SSE 推送任务状态/进度事件。
// 指定 id 时只推送该任务的事件，否则推送全部任务
func (h *UploadHandler) Events(c *gin.Context) {
	id := c.Param("id")

	var events <-chan service.UploadEvent
	var cancel func()
	if id != "" {
		if _, err := h.manager.GetUpload(id); err != nil {
			h.writeError(c, err)
			return
		}
		events, cancel = h.manager.Subscribe(id)
	} else {
		events, cancel = h.manager.SubscribeAll()
	}
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent("upload", ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// writeError 将管理器错误映射到HTTP状态码
func (h *UploadHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrUploadNotFound):
		c.JSON(http.StatusNotFound, h.response.Error(404, err.Error()))
	case errors.Is(err, service.ErrInvalidState):
		c.JSON(http.StatusConflict, h.response.Error(409, err.Error()))
	default:
		c.JSON(http.StatusInternalServerError, h.response.Error(500, err.Error()))
	}
}
