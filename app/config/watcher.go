package config

import (
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// reloadLogger 热更新过程使用的日志能力，避免依赖具体日志实现
type reloadLogger interface {
	Infof(template string, args ...interface{})
	Errorf(template string, args ...interface{})
}

// DestinationProvider 持有目的地配置的热更新快照。
// 上传管理器在每次上传尝试前读取最新快照，
// 因此管理员在重试间隙修改配置会在下一次尝试生效。
type DestinationProvider struct {
	snapshot atomic.Value // DestinationConfigs
	logger   reloadLogger
}

// NewDestinationProvider 创建目的地配置提供者并开始监听配置文件变化
func NewDestinationProvider(cfg *Config, log reloadLogger) *DestinationProvider {
	p := &DestinationProvider{logger: log}
	p.snapshot.Store(cfg.Destinations)

	viper.OnConfigChange(func(e fsnotify.Event) {
		log.Infof("检测到配置文件变化: %s", e.Name)

		var updated Config
		if err := viper.Unmarshal(&updated); err != nil {
			log.Errorf("重新解析配置失败，保留旧配置: %v", err)
			return
		}
		if err := Validate(&updated); err != nil {
			log.Errorf("新配置验证失败，保留旧配置: %v", err)
			return
		}

		p.snapshot.Store(updated.Destinations)
		log.Infof("目的地配置已热更新，优先级: %v", updated.Destinations.Preference)
	})
	viper.WatchConfig()

	return p
}

// Snapshot 返回当前目的地配置快照
func (p *DestinationProvider) Snapshot() DestinationConfigs {
	return p.snapshot.Load().(DestinationConfigs)
}

// Store 直接写入快照（测试与无配置文件场景使用）
func (p *DestinationProvider) Store(dc DestinationConfigs) {
	p.snapshot.Store(dc)
}

// StaticDestinationProvider 创建不监听文件的静态提供者
func StaticDestinationProvider(dc DestinationConfigs) *DestinationProvider {
	p := &DestinationProvider{}
	p.snapshot.Store(dc)
	return p
}
