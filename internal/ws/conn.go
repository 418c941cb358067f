package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"chatserver/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Gateway 把连接上的事务性动作交还给业务层：鉴权、消息落库、
// 上下线的持久化与广播都在那边按标准加锁顺序执行。
type Gateway interface {
	// Authenticate 校验 token 并返回用户名，失败即拒绝连接。
	Authenticate(token string) (string, error)
	// SubmitMessage 持久化连接上提交的聊天消息并触发广播。
	SubmitMessage(sender, roomID, content string, attachments []models.Attachment) error
	// PresenceUp / PresenceDown 在注册表变更之后落库在线状态并广播 status。
	PresenceUp(username string)
	PresenceDown(username string)
}

type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	username string

	mu     sync.Mutex
	closed bool
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// inboundFrame 是客户端帧的统一解码形态，按 action 分发。
type inboundFrame struct {
	Action      string              `json:"action"`
	RoomID      string              `json:"room_id"`
	Content     string              `json:"content"`
	Attachments []models.Attachment `json:"attachments"`
	To          string              `json:"to"`
	Payload     json.RawMessage     `json:"payload"`
}

// enqueue 非阻塞投递。连接已关闭或缓冲写满时返回 false，消息丢弃。
func (c *Client) enqueue(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// shutdown 供 Hub 在同名新连接注册时调用：关掉发送通道，
// writePump 随之下发 Close 帧并断开 socket，读循环走统一的断开路径。
func (c *Client) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
}

// Serve 返回实时通道的 gin handler。连接时校验 token，非法立即以
// policy violation 关闭；通过后注册进 Hub 并拉起读写两个泵。
func Serve(h *Hub, gw Gateway) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		token := ctx.Query("token")
		if token == "" {
			authz := ctx.GetHeader("Authorization")
			if len(authz) > 7 && (authz[:7] == "Bearer " || authz[:7] == "bearer ") {
				token = authz[7:]
			}
		}

		username, err := gw.Authenticate(token)
		if err != nil {
			// 先升级再关闭，浏览器端才能读到关闭码。
			conn, upErr := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
			if upErr != nil {
				return
			}
			msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			_ = conn.Close()
			return
		}

		conn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
		if err != nil {
			return
		}
		client := &Client{hub: h, conn: conn, send: make(chan []byte, 256), username: username}

		// 连接生命周期内三步固定顺序：注册表变更、在线状态落库、status 广播。
		h.Register(username, client)
		gw.PresenceUp(username)

		go client.writePump()
		client.readPump(gw)
	}
}

// readPump 解析入站帧并路由，退出即走断开路径：主动断开与异常断开
// 走同一条逻辑，不作区分。只有注销真正清空了槽位才落库下线——
// 被新连接替换掉的旧连接退出时，用户仍然在线。
func (c *Client) readPump(gw Gateway) {
	defer func() {
		if c.hub.Unregister(c.username, c) {
			gw.PresenceDown(c.username)
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(1 << 20) // 1MB
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		var in inboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			c.sendEvent(Event{Event: "error", Data: gin.H{"detail": "malformed frame"}})
			continue
		}
		switch in.Action {
		case "send_message":
			if err := gw.SubmitMessage(c.username, in.RoomID, in.Content, in.Attachments); err != nil {
				c.sendEvent(Event{Event: "error", Data: gin.H{"detail": err.Error()}})
			}
		case "signal":
			// 点对点信令只做中继，不落库。收件人不在线就丢弃。
			if in.To == "" {
				c.sendEvent(Event{Event: "error", Data: gin.H{"detail": "signal requires to"}})
				continue
			}
			c.hub.SendTo(in.To, Event{Event: "signal", Data: gin.H{
				"from":    c.username,
				"payload": in.Payload,
			}})
		case "ping":
			c.sendEvent(Event{Event: "pong", Data: gin.H{"ts": time.Now().UTC()}})
		default:
			c.sendEvent(Event{Event: "error", Data: gin.H{"detail": "unknown action"}})
		}
	}
}

func (c *Client) sendEvent(evt Event) {
	b, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Str("event", evt.Event).Msg("marshal event")
		return
	}
	c.enqueue(b)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
