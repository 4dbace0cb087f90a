package steplog

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/crewtrace/internal/metrics"
)

// DefaultSubscriberBuffer 每个订阅者的缓冲条数
const DefaultSubscriberBuffer = 256

// Hub 把新条目按会话扇出给实时订阅者。
// 订阅者消费过慢时丢弃新条目而不是阻塞 Logger，读端可按序号回补。
type Hub struct {
	buffer  int
	logger  *zap.Logger
	metrics *metrics.Collector

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}

	dropped atomic.Int64
}

type subscriber struct {
	ch     chan Entry
	closed bool
}

// NewHub 创建扇出器
func NewHub(buffer int, logger *zap.Logger, collector *metrics.Collector) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		buffer:  buffer,
		logger:  logger.With(zap.String("component", "steplog_hub")),
		metrics: collector,
		subs:    make(map[string]map[*subscriber]struct{}),
	}
}

// Subscribe 订阅会话，返回条目通道与取消函数。取消后通道关闭。
func (h *Hub) Subscribe(sessionID string) (<-chan Entry, func()) {
	sub := &subscriber{ch: make(chan Entry, h.buffer)}

	h.mu.Lock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	h.metrics.AddStreamSubscribers(1)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[sessionID]; ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(h.subs, sessionID)
				}
			}
			sub.closed = true
			close(sub.ch)
			h.mu.Unlock()
			h.metrics.AddStreamSubscribers(-1)
		})
	}
	return sub.ch, cancel
}

// OnEntry 实现 Observer，非阻塞投递
func (h *Hub) OnEntry(e Entry) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[e.SessionID] {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			h.dropped.Add(1)
			h.logger.Debug("subscriber too slow, entry dropped",
				zap.String("session_id", e.SessionID),
				zap.Int64("sequence", e.Sequence),
			)
		}
	}
}

// Subscribers 会话当前订阅者数
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// Dropped 累计丢弃条数
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
