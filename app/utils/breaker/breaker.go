package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen 熔断器处于打开状态，请求被直接拒绝，不发起网络调用
var ErrOpen = errors.New("服务暂不可用：目的地熔断中")

// State 熔断器状态
type State int

const (
	StateClosed State = iota // 关闭：请求放行，统计失败
	StateOpen                // 打开：请求直接拒绝
	StateHalfOpen            // 半开：冷却结束后放行单个探测请求
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Settings 熔断器参数
type Settings struct {
	Window           time.Duration // 失败率统计的滑动窗口
	FailureThreshold float64       // 触发熔断的失败率阈值 (0,1]
	MinRequests      int           // 窗口内触发判定所需的最小请求数
	Cooldown         time.Duration // 打开后的冷却时间
}

// DefaultSettings 默认熔断参数
func DefaultSettings() Settings {
	return Settings{
		Window:           time.Minute,
		FailureThreshold: 0.5,
		MinRequests:      5,
		Cooldown:         30 * time.Second,
	}
}

// Breaker 单个目的地的熔断器。
// 同一目的地的所有任务共享同一个实例，计数更新是并发安全的。
type Breaker struct {
	settings Settings
	clock    func() time.Time

	mu          sync.Mutex
	state       State
	windowStart time.Time
	requests    int
	failures    int
	openedAt    time.Time
	probing     bool
}

// New 创建熔断器
func New(settings Settings) *Breaker {
	if settings.Window <= 0 {
		settings.Window = time.Minute
	}
	if settings.FailureThreshold <= 0 || settings.FailureThreshold > 1 {
		settings.FailureThreshold = 0.5
	}
	if settings.MinRequests <= 0 {
		settings.MinRequests = 1
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 30 * time.Second
	}
	return &Breaker{
		settings: settings,
		clock:    time.Now,
	}
}

// WithClock 替换时钟（测试用）
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

// State 当前状态
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked(b.clock())
}

// Allow 判断请求是否放行。放行后必须调用 Record 回报结果。
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	switch b.currentStateLocked(now) {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		// 半开状态只允许单个探测请求
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// Record 回报一次请求结果
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	state := b.currentStateLocked(now)

	if state == StateHalfOpen {
		b.probing = false
		if success {
			// 探测成功，恢复闭合并清空窗口
			b.resetLocked(now)
		} else {
			// 探测失败，重新打开并重置冷却
			b.state = StateOpen
			b.openedAt = now
		}
		return
	}

	// 窗口过期则滚动
	if now.Sub(b.windowStart) > b.settings.Window {
		b.windowStart = now
		b.requests = 0
		b.failures = 0
	}

	b.requests++
	if !success {
		b.failures++
	}

	if b.requests >= b.settings.MinRequests {
		rate := float64(b.failures) / float64(b.requests)
		if rate >= b.settings.FailureThreshold {
			b.state = StateOpen
			b.openedAt = now
		}
	}
}

// currentStateLocked 计算当前状态（处理冷却到期的 open→half-open 迁移）
func (b *Breaker) currentStateLocked(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.settings.Cooldown {
		b.state = StateHalfOpen
		b.probing = false
	}
	return b.state
}

// resetLocked 恢复到闭合状态并清空计数
func (b *Breaker) resetLocked(now time.Time) {
	b.state = StateClosed
	b.windowStart = now
	b.requests = 0
	b.failures = 0
	b.probing = false
}

// Registry 按目的地名称管理熔断器实例
type Registry struct {
	settings Settings
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry 创建熔断器注册表
func NewRegistry(settings Settings) *Registry {
	return &Registry{
		settings: settings,
		breakers: make(map[string]*Breaker),
	}
}

// Get 获取指定目的地的熔断器，不存在时创建
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(r.settings)
	r.breakers[name] = b
	return b
}

// States 返回所有目的地的熔断状态快照
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State().String()
	}
	return out
}
