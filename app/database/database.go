package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"clip-flow/app/config"
	"clip-flow/app/logger"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// 存储层的两类失败：暂时不可用（可等待恢复）与永久损坏（恢复预算耗尽）
var (
	ErrUnavailable = errors.New("存储暂时不可用")
	ErrCorrupted   = errors.New("存储已损坏且无法恢复")
)

// Database 显式持有的数据库句柄，由调用方注入，不使用包级全局实例
type Database struct {
	DB     *gorm.DB
	logger *logger.Logger
	path   string
}

// New 初始化数据库连接。
// 首次打开失败时在有限预算内尝试恢复：先重试打开，
// 仍失败则备份疑似损坏的文件并重建存储；预算耗尽返回 ErrCorrupted。
func New(cfg *config.Config, log *logger.Logger) (*Database, error) {
	dbPath := cfg.Database.Path
	if err := ensureDir(filepath.Dir(dbPath)); err != nil {
		log.Errorf("创建数据库目录失败: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	retries := cfg.Database.OpenRetries
	if retries <= 0 {
		retries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		db, err := open(dbPath)
		if err == nil {
			log.Infof("数据库连接成功: %s", dbPath)
			return &Database{DB: db, logger: log, path: dbPath}, nil
		}

		lastErr = err
		log.Warnf("打开数据库失败 (第%d/%d次): %v", attempt, retries, err)
		time.Sleep(cfg.Database.OpenRetryDelay())
	}

	// 常规重试用尽，备份疑似损坏的文件并重建后做最后一次尝试
	if err := reinitialize(dbPath, log); err != nil {
		log.Errorf("重建数据库文件失败: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, lastErr)
	}
	db, err := open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	log.Warnf("数据库已重建: %s", dbPath)
	return &Database{DB: db, logger: log, path: dbPath}, nil
}

// open 打开数据库并迁移表结构
func open(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("迁移表结构失败: %w", err)
	}
	return db, nil
}

// reinitialize 备份疑似损坏的数据库文件并重建
func reinitialize(dbPath string, log *logger.Logger) error {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil
	}
	backup := fmt.Sprintf("%s.corrupt.%s", dbPath, time.Now().Format("20060102150405"))
	if err := os.Rename(dbPath, backup); err != nil {
		return err
	}
	log.Warnf("已将疑似损坏的数据库文件备份到: %s", backup)
	return nil
}

// Ping 检查数据库当前是否可用
func (d *Database) Ping() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Close 关闭数据库连接
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ensureDir 确保目录存在
func ensureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}
