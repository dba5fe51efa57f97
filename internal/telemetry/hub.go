package telemetry

import (
	"sync"
	"time"
)

// 事件类型。
const (
	EventTransition = "transition" // 仓位状态跃迁
	EventGuard      = "guard"      // 守卫拦截
	EventRisk       = "risk"       // 风险等级变化
	EventReconcile  = "reconcile"  // 对账差异/自愈
)

// Event 广播给订阅者的运行事件。
type Event struct {
	Type   string
	Symbol string
	Detail string
	At     time.Time
}

// Hub 事件扇出中心：通知器、HTTP 推送等各自订阅。
// 慢订阅者直接丢事件，绝不反压交易路径。
type Hub struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe 返回事件通道与退订函数。
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish 非阻塞广播。
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
