package filewatcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"clip-flow/app/config"
	"clip-flow/app/logger"
	"clip-flow/app/service"

	"github.com/fsnotify/fsnotify"
)

// FileWatcher 投递目录监控器：
// 监控配置的目录，新出现的媒体文件等待写入完成后自动创建上传任务
type FileWatcher struct {
	config   *config.WatchConfig
	manager  *service.UploadManager
	watcher  *fsnotify.Watcher
	logger   *logger.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
	watching bool
	mu       sync.RWMutex
}

// New 创建投递目录监控器。配置禁用时返回 nil，调用方按未启用处理
func New(cfg *config.WatchConfig, manager *service.UploadManager, log *logger.Logger) (*FileWatcher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("投递目录监控已启用但未配置目录")
	}
	if cfg.OwnerIdentity == "" {
		return nil, fmt.Errorf("投递目录监控已启用但未配置上传者身份")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %w", err)
	}

	return &FileWatcher{
		config:  cfg,
		manager: manager,
		watcher: watcher,
		logger:  log,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start 启动投递目录监控
func (fw *FileWatcher) Start() error {
	if fw == nil {
		return nil
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.watching {
		return fmt.Errorf("投递目录监控器已经在运行")
	}

	// 检查投递目录是否存在
	if _, err := os.Stat(fw.config.Dir); os.IsNotExist(err) {
		return fmt.Errorf("投递目录不存在: %s", fw.config.Dir)
	}

	if err := fw.addWatchPaths(); err != nil {
		return fmt.Errorf("添加监控路径失败: %w", err)
	}

	fw.watching = true
	fw.wg.Add(1)

	go fw.watchLoop()

	fw.logger.Infof("投递目录监控已启动: %s", fw.config.Dir)

	// 只有在配置允许时才处理已存在的文件
	if fw.config.ProcessExisting {
		go func() {
			// 等待1秒确保监控器完全初始化
			time.Sleep(1 * time.Second)
			fw.processExistingFiles(fw.config.Dir)
		}()
	}

	return nil
}

// Stop 停止投递目录监控
func (fw *FileWatcher) Stop() error {
	if fw == nil {
		return nil
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if !fw.watching {
		return nil
	}

	close(fw.stopCh)
	fw.watcher.Close()
	fw.wg.Wait()
	fw.watching = false

	fw.logger.Info("投递目录监控已停止")
	return nil
}

// addWatchPaths 添加监控路径
func (fw *FileWatcher) addWatchPaths() error {
	if err := fw.watcher.Add(fw.config.Dir); err != nil {
		return fmt.Errorf("添加根监控目录失败: %w", err)
	}

	// 如果启用递归监控，添加所有子目录
	if fw.config.Recursive {
		err := filepath.Walk(fw.config.Dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() && path != fw.config.Dir {
				if err := fw.watcher.Add(path); err != nil {
					fw.logger.Warnf("添加子目录监控失败: %s, 错误: %v", path, err)
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("递归添加监控目录失败: %w", err)
		}
	}

	return nil
}

// watchLoop 监控事件循环
func (fw *FileWatcher) watchLoop() {
	defer fw.wg.Done()

	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handleEvent(event)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Errorf("投递目录监控错误: %v", err)

		case <-fw.stopCh:
			return
		}
	}
}

// handleEvent 处理文件系统事件
func (fw *FileWatcher) handleEvent(event fsnotify.Event) {
	// 只处理创建事件
	if event.Op&fsnotify.Create == 0 {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		fw.logger.Warnf("获取文件信息失败: %s, 错误: %v", event.Name, err)
		return
	}

	if info.IsDir() {
		// 如果是目录且启用递归监控，添加到监控列表
		if fw.config.Recursive {
			if err := fw.watcher.Add(event.Name); err != nil {
				fw.logger.Warnf("添加新目录监控失败: %s, 错误: %v", event.Name, err)
			} else {
				fw.logger.Debugf("添加新目录监控: %s", event.Name)
				fw.processExistingFiles(event.Name)
			}
		}
		return
	}

	if !fw.shouldProcessFile(event.Name) {
		return
	}

	// 等待文件写入完成
	if err := fw.waitForFileReady(event.Name); err != nil {
		fw.logger.Warnf("等待文件就绪失败: %s, 错误: %v", event.Name, err)
		return
	}

	fw.enqueueUpload(event.Name)
}

// processExistingFiles 为目录中已存在的媒体文件创建上传任务
func (fw *FileWatcher) processExistingFiles(dirPath string) {
	go func() {
		fw.logger.Infof("开始检查投递目录中已存在的文件: %s", dirPath)

		var enqueued int
		err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				fw.logger.Warnf("遍历投递目录失败: %s, 错误: %v", path, err)
				return nil // 继续处理其他文件
			}
			if info.IsDir() {
				if !fw.config.Recursive && path != dirPath {
					return filepath.SkipDir
				}
				return nil
			}
			if !fw.shouldProcessFile(path) {
				return nil
			}
			if err := fw.waitForFileReady(path); err != nil {
				fw.logger.Warnf("等待文件就绪失败: %s, 错误: %v", path, err)
				return nil
			}
			if fw.enqueueUpload(path) {
				enqueued++
			}
			return nil
		})

		if err != nil {
			fw.logger.Errorf("遍历投递目录失败: %s, 错误: %v", dirPath, err)
		} else if enqueued > 0 {
			fw.logger.Infof("投递目录初始扫描完成: %s，创建了 %d 个上传任务", dirPath, enqueued)
		}
	}()
}

// enqueueUpload 为文件创建上传任务。
// 同一文件已有进行中的任务时按已处理跳过
func (fw *FileWatcher) enqueueUpload(path string) bool {
	rec, err := fw.manager.StartUpload(service.StartUploadRequest{
		FilePath:      path,
		OwnerIdentity: fw.config.OwnerIdentity,
		Title:         strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
	})
	if err != nil {
		if errors.Is(err, service.ErrDuplicateJob) {
			fw.logger.Debugf("文件已有进行中的上传任务，跳过: %s", path)
			return false
		}
		fw.logger.Errorf("为投递文件创建上传任务失败: %s, 错误: %v", path, err)
		return false
	}

	fw.logger.Infof("投递文件已加入上传队列: %s, ID=%s", path, rec.ID)
	return true
}

// shouldProcessFile 检查是否应该处理此文件
func (fw *FileWatcher) shouldProcessFile(filePath string) bool {
	// 如果没有指定扩展名，处理所有文件
	if len(fw.config.Extensions) == 0 {
		return true
	}

	ext := strings.ToLower(filepath.Ext(filePath))
	for _, allowedExt := range fw.config.Extensions {
		if strings.ToLower(allowedExt) == ext {
			return true
		}
	}

	return false
}

// waitForFileReady 等待文件写入完成（大小稳定后认为写入结束）
func (fw *FileWatcher) waitForFileReady(filePath string) error {
	maxWait := 30 * time.Second
	checkInterval := 500 * time.Millisecond
	timeout := time.After(maxWait)

	var lastSize int64 = -1

	for {
		select {
		case <-timeout:
			return fmt.Errorf("等待文件就绪超时: %s", filePath)
		case <-time.After(checkInterval):
			info, err := os.Stat(filePath)
			if err != nil {
				return fmt.Errorf("获取文件信息失败: %w", err)
			}

			currentSize := info.Size()
			if currentSize == lastSize && currentSize > 0 {
				// 文件大小没有变化，认为写入完成
				return nil
			}
			lastSize = currentSize
		}
	}
}
