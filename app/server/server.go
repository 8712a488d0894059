package server

import (
	"context"
	"net/http"

	"clip-flow/app/auth"
	"clip-flow/app/config"
	"clip-flow/app/database"
	"clip-flow/app/destination"
	"clip-flow/app/filewatcher"
	"clip-flow/app/handler"
	"clip-flow/app/logger"
	"clip-flow/app/middleware"
	"clip-flow/app/service"
	"clip-flow/app/store"
	"clip-flow/app/utils/breaker"

	"github.com/gin-gonic/gin"
)

// Server 表示 HTTP 服务器
type Server struct {
	Config *config.Config
	Logger *logger.Logger

	gin  *gin.Engine
	http *http.Server

	db            *database.Database
	uploadStore   *store.UploadStore
	uploadManager *service.UploadManager
	cleanup       *service.CleanupService
	watcher       *filewatcher.FileWatcher
}

// New 创建一个新的 Server 实例并装配上传管道
func New(cfg *config.Config, db *database.Database, log *logger.Logger) (*Server, error) {
	// 初始化管理员账户
	if err := db.InitAdminUser(cfg); err != nil {
		return nil, err
	}

	// 目的地配置支持热更新，每次上传尝试读取最新快照
	provider := config.NewDestinationProvider(cfg, log)

	jwtService := auth.NewJWTService(cfg)
	headerProvider := auth.NewHeaderProvider(jwtService)

	destinations := []destination.Destination{
		destination.NewPrimary(provider, headerProvider, log),
		destination.NewStorage(provider, log),
		destination.NewStream(provider, headerProvider, log),
	}

	uploadStore := store.New(db, cfg.Database.PendingQueueSize, log)

	breakerSettings := breaker.Settings{
		Window:           cfg.Destinations.Breaker.Window(),
		FailureThreshold: cfg.Destinations.Breaker.FailureThreshold,
		MinRequests:      cfg.Destinations.Breaker.MinRequests,
		Cooldown:         cfg.Destinations.Breaker.Cooldown(),
	}

	manager := service.NewUploadManager(uploadStore, provider, destinations, cfg.Upload, breakerSettings, log)

	watcher, err := filewatcher.New(&cfg.Watch, manager, log)
	if err != nil {
		return nil, err
	}

	router := gin.Default()

	s := &Server{
		Config: cfg,
		Logger: log,
		gin:    router,
		http: &http.Server{
			Addr:    ":" + cfg.Server.Port,
			Handler: router,
		},
		db:            db,
		uploadStore:   uploadStore,
		uploadManager: manager,
		cleanup:       service.NewCleanupService(db.DB, uploadStore, cfg.Cleanup, log),
		watcher:       watcher,
	}

	// 设置路由
	s.setupRoutes()

	return s, nil
}

// Start 启动服务器
func (s *Server) Start() error {
	s.Logger.Infof("在端口 %s 启动服务器", s.http.Addr)

	// 启动上传管理器（恢复遗留任务）
	s.uploadManager.Start()

	// 启动定时清理
	if err := s.cleanup.Start(); err != nil {
		return err
	}

	// 启动投递目录监控
	if err := s.watcher.Start(); err != nil {
		return err
	}

	return s.http.ListenAndServe()
}

// Shutdown 按依赖顺序关停各组件
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.watcher.Stop(); err != nil {
		s.Logger.Errorf("停止投递目录监控失败: %v", err)
	}

	s.uploadManager.Stop()
	s.cleanup.Stop()
	s.uploadStore.Close()

	// 关闭数据库连接
	if err := s.db.Close(); err != nil {
		s.Logger.Errorf("关闭数据库连接失败: %v", err)
	}
	return s.http.Shutdown(ctx)
}

// setupRoutes 设置API路由
func (s *Server) setupRoutes() {
	// 创建处理器实例
	authHandler := handler.NewAuthHandler(s.Config, s.db.DB)
	uploadHandler := handler.NewUploadHandler(s.uploadManager)

	// API路由组
	api := s.gin.Group("/api")

	// 认证相关路由（不需要JWT验证）
	authGroup := api.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/refresh", authHandler.RefreshToken)
	}

	// 需要JWT验证的路由
	protected := api.Group("/")
	protected.Use(middleware.JWTAuth(s.Config))
	{
		// 用户相关
		protected.GET("/me", authHandler.Me)

		// 上传任务相关路由
		uploads := protected.Group("/uploads")
		{
			uploads.POST("", uploadHandler.CreateUpload)
			uploads.GET("", uploadHandler.GetUploads)
			uploads.GET("/stats", uploadHandler.GetUploadStats)
			uploads.GET("/events", uploadHandler.Events)
			uploads.GET("/:id", uploadHandler.GetUpload)
			uploads.DELETE("/:id", uploadHandler.DeleteUpload)
			uploads.PUT("/:id/metadata", uploadHandler.UpdateMetadata)

			// 生命周期控制
			uploads.POST("/:id/pause", uploadHandler.PauseUpload)
			uploads.POST("/:id/resume", uploadHandler.ResumeUpload)
			uploads.POST("/:id/retry", uploadHandler.RetryUpload)
			uploads.POST("/:id/cancel", uploadHandler.CancelUpload)
			uploads.POST("/:id/published", uploadHandler.MarkPublished)
			uploads.GET("/:id/events", uploadHandler.Events)
		}
	}
}
