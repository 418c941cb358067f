package server

import (
	"errors"
	"net/http"
	"strings"

	"chatserver/internal/models"
	"chatserver/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	users   *service.UserService
	rooms   *service.RoomService
	invites *service.InviteService
}

func NewHandler(users *service.UserService, rooms *service.RoomService, invites *service.InviteService) *Handler {
	return &Handler{users: users, rooms: rooms, invites: invites}
}

// writeError 把业务错误种类映射到 HTTP 状态码。种类之外的错误按 500
// 处理并记日志，不向客户端透出内部细节。
func writeError(c *gin.Context, err error) {
	var (
		notFound   *service.NotFoundError
		conflict   *service.ConflictError
		authErr    *service.AuthError
		forbidden  *service.ForbiddenError
		validation *service.ValidationError
	)
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Reason})
	case errors.As(err, &authErr):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
	case errors.As(err, &forbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": forbidden.Reason})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": notFound.Error()})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"error": conflict.Reason})
	default:
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("internal error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// AuthMiddleware 解析 Bearer token 并在 store 互斥区内验证会话，
// 把用户名写入请求上下文。
func (h *Handler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token := strings.TrimSpace(authz[len("Bearer "):])
		username, err := h.users.Authenticate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("username", username)
		c.Next()
	}
}

func currentUser(c *gin.Context) string {
	if v, ok := c.Get("username"); ok {
		if name, ok2 := v.(string); ok2 {
			return name
		}
	}
	return ""
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if len(req.Username) < 3 || len(req.Username) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}
	if len(req.Password) < 6 || len(req.Password) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	if err := h.users.Register(req.Username, req.Password); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "username": req.Username})
}

// Login 处理用户登录请求，返回新会话 token。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	token, err := h.users.Login(req.Username, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// Logout 处理登出请求。token 取自请求体，兼容 Bearer 头。
func (h *Handler) Logout(c *gin.Context) {
	var req struct {
		Token string `json:"token"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Token == "" {
		authz := c.GetHeader("Authorization")
		if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			req.Token = strings.TrimSpace(authz[len("Bearer "):])
		}
	}
	if req.Token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.users.Logout(req.Token); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListUsers 返回全部用户的在线概况。
func (h *Handler) ListUsers(c *gin.Context) {
	users, err := h.users.List()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// CreateRoom 处理创建房间请求。
func (h *Handler) CreateRoom(c *gin.Context) {
	var req struct {
		Name    string   `json:"name"`
		Members []string `json:"members"`
		Type    string   `json:"type"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room name"})
		return
	}
	room, err := h.rooms.Create(req.Name, currentUser(c), req.Members, req.Type)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": room.ID})
}

// ListRooms 返回当前用户所在的全部房间。
func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.rooms.ListForUser(currentUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// CreateInvite 处理发起邀请请求。
func (h *Handler) CreateInvite(c *gin.Context) {
	var req struct {
		ToUser string `json:"to_user"`
		RoomID string `json:"room_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ToUser == "" || req.RoomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	invite, err := h.invites.Create(currentUser(c), req.ToUser, req.RoomID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invite_id": invite.ID})
}

// ListInvites 返回发给当前用户的邀请。
func (h *Handler) ListInvites(c *gin.Context) {
	invites, err := h.invites.ListForUser(currentUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invites": invites})
}

// AcceptInvite 处理接受邀请请求。
func (h *Handler) AcceptInvite(c *gin.Context) {
	status, err := h.invites.Accept(c.Param("id"), currentUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

// DeclineInvite 处理拒绝邀请请求。
func (h *Handler) DeclineInvite(c *gin.Context) {
	status, err := h.invites.Decline(c.Param("id"), currentUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

// SendMessage 处理发消息请求。
func (h *Handler) SendMessage(c *gin.Context) {
	var req struct {
		RoomID      string              `json:"room_id"`
		Content     string              `json:"content"`
		Attachments []models.Attachment `json:"attachments"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RoomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	msg, err := h.rooms.AppendMessage(currentUser(c), req.RoomID, req.Content, req.Attachments)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message_id": msg.ID, "message": msg})
}

// ListMessages 返回房间消息，按追加顺序。
func (h *Handler) ListMessages(c *gin.Context) {
	msgs, err := h.rooms.ListMessages(currentUser(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}
