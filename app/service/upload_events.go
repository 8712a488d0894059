package service

import (
	"sync"
	"time"

	"clip-flow/app/model"
)

// UploadEvent 上传状态/进度变化事件，供UI层渲染上传指示器
type UploadEvent struct {
	ID           string             `json:"id"`
	Status       model.UploadStatus `json:"status"`
	Progress     *float64           `json:"progress,omitempty"`
	RetryCount   int                `json:"retry_count"`
	ErrorMessage string             `json:"error_message,omitempty"`
	CdnURL       string             `json:"cdn_url,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
}

// eventBus 按任务ID和聚合两个维度分发事件。
// 通道带缓冲，订阅者消费不及时会丢弃事件而不是阻塞上传流程。
type eventBus struct {
	mu      sync.Mutex
	nextID  int
	jobSubs map[string]map[int]chan UploadEvent
	allSubs map[int]chan UploadEvent
}

const eventBufferSize = 16

func newEventBus() *eventBus {
	return &eventBus{
		jobSubs: make(map[string]map[int]chan UploadEvent),
		allSubs: make(map[int]chan UploadEvent),
	}
}

// subscribe 订阅单个任务的事件流，返回取消函数
func (b *eventBus) subscribe(jobID string) (<-chan UploadEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	ch := make(chan UploadEvent, eventBufferSize)

	if b.jobSubs[jobID] == nil {
		b.jobSubs[jobID] = make(map[int]chan UploadEvent)
	}
	b.jobSubs[jobID][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.jobSubs[jobID]; ok {
			if _, ok := subs[id]; ok {
				delete(subs, id)
				close(ch)
			}
			if len(subs) == 0 {
				delete(b.jobSubs, jobID)
			}
		}
	}
	return ch, cancel
}

// subscribeAll 订阅全部任务的聚合事件流
func (b *eventBus) subscribeAll() (<-chan UploadEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	ch := make(chan UploadEvent, eventBufferSize)
	b.allSubs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.allSubs[id]; ok {
			delete(b.allSubs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// publish 分发事件，不阻塞
func (b *eventBus) publish(ev UploadEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.jobSubs[ev.ID] {
		select {
		case ch <- ev:
		default:
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// closeJob 任务删除后关闭其全部订阅
func (b *eventBus) closeJob(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.jobSubs[jobID] {
		close(ch)
	}
	delete(b.jobSubs, jobID)
}
