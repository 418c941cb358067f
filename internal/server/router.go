package server

import (
	"net/http"
	"time"

	"chatserver/internal/config"
	"chatserver/internal/metrics"
	"chatserver/internal/models"
	"chatserver/internal/mw"
	"chatserver/internal/service"
	"chatserver/internal/store"
	"chatserver/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// wsGateway 把实时通道上的事务性动作接回 service 层，
// 保证连接侧的状态变更也走标准的加锁顺序。
type wsGateway struct {
	users *service.UserService
	rooms *service.RoomService
}

func (g *wsGateway) Authenticate(token string) (string, error) {
	return g.users.Authenticate(token)
}

func (g *wsGateway) SubmitMessage(sender, roomID, content string, attachments []models.Attachment) error {
	_, err := g.rooms.AppendMessage(sender, roomID, content, attachments)
	return err
}

func (g *wsGateway) PresenceUp(username string)   { g.users.SetPresence(username, true) }
func (g *wsGateway) PresenceDown(username string) { g.users.SetPresence(username, false) }

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, st *store.Store, hub *ws.Hub) (*gin.Engine, *service.InviteService) {
	users := service.NewUserService(st, hub, cfg)
	rooms := service.NewRoomService(st, hub)
	invites := service.NewInviteService(st, hub, cfg.InviteTTL)
	h := NewHandler(users, rooms, invites)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.AllowedOrigins))
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/logout", h.Logout)
	// 在线概况对未登录方也可见，和登录页的用户列表保持一致。
	api.GET("/users", h.ListUsers)

	authed := api.Group("")
	authed.Use(h.AuthMiddleware())
	authed.POST("/rooms", h.CreateRoom)
	authed.GET("/rooms", h.ListRooms)
	authed.GET("/rooms/:id/messages", h.ListMessages)
	authed.POST("/invites", h.CreateInvite)
	authed.GET("/invites", h.ListInvites)
	authed.POST("/invites/:id/accept", h.AcceptInvite)
	authed.POST("/invites/:id/decline", h.DeclineInvite)
	authed.POST("/messages", h.SendMessage)

	r.GET("/ws", ws.Serve(hub, &wsGateway{users: users, rooms: rooms}))

	return r, invites
}
