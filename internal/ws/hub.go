package ws

import (
	"encoding/json"
	"sync"

	"chatserver/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Event 是服务端推送的统一信封。
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Hub 维护用户名到在线连接的映射，每个用户最多一个活跃槽位。
// 注册、注销、快照都在一把短锁内完成；真正的网络写入在锁外进行，
// 慢接收方不会卡住注册表，也不会阻塞 store 事务。
type Hub struct {
	mu    sync.Mutex
	conns map[string]*Client
}

func NewHub() *Hub { return &Hub{conns: make(map[string]*Client)} }

// Register 安装用户的在线连接。同名旧连接先被通知关闭再替换，
// 避免旧 socket 的资源一直挂着没人收尾。替换不改变槽位数，
// 连接计数只在新占槽位时增加。
func (h *Hub) Register(username string, c *Client) {
	h.mu.Lock()
	prev := h.conns[username]
	h.conns[username] = c
	h.mu.Unlock()

	if prev == nil {
		metrics.WsConnections.Inc()
		return
	}
	prev.shutdown()
}

// Unregister 移除连接，仅当槽位仍指向该连接时生效并返回 true：
// 旧连接的迟到断开不能挤掉刚刚注册的新连接，调用方据此判断
// 用户是否还有活跃连接。
func (h *Hub) Unregister(username string, c *Client) bool {
	h.mu.Lock()
	cur, ok := h.conns[username]
	removed := ok && cur == c
	if removed {
		delete(h.conns, username)
	}
	h.mu.Unlock()
	if removed {
		metrics.WsConnections.Dec()
	}
	return removed
}

// Online 返回用户是否有活跃连接。
func (h *Hub) Online(username string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[username] != nil
}

// SendTo 向指定用户推送事件。用户不在线时静默丢弃，推送不保证送达。
func (h *Hub) SendTo(username string, evt Event) {
	b, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Str("event", evt.Event).Msg("marshal event")
		return
	}
	h.mu.Lock()
	c := h.conns[username]
	h.mu.Unlock()
	if c == nil {
		return
	}
	if c.enqueue(b) {
		metrics.WsEventsTotal.WithLabelValues(evt.Event).Inc()
	}
}

// Broadcast 向所有在线连接推送事件。先在锁内做快照，再在锁外投递。
func (h *Hub) Broadcast(evt Event) {
	b, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Str("event", evt.Event).Msg("marshal event")
		return
	}
	h.mu.Lock()
	targets := make([]*Client, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if c.enqueue(b) {
			metrics.WsEventsTotal.WithLabelValues(evt.Event).Inc()
		}
	}
}
