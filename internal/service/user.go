package service

import (
	"sort"
	"time"

	"chatserver/internal/auth"
	"chatserver/internal/config"
	clog "chatserver/internal/log"
	"chatserver/internal/models"
	"chatserver/internal/store"
	"chatserver/internal/ws"

	"github.com/rs/zerolog"
)

// UserService 封装注册、登录、会话与在线状态相关的业务逻辑。
// 每次登录签发新 token 并覆盖旧值（单会话策略），上下线变更在
// store 事务提交后以 status 事件广播给所有在线连接。
type UserService struct {
	store *store.Store
	hub   *ws.Hub
	cfg   config.Config
	log   zerolog.Logger
}

func NewUserService(st *store.Store, hub *ws.Hub, cfg config.Config) *UserService {
	return &UserService{store: st, hub: hub, cfg: cfg, log: clog.Component("user")}
}

// UserDTO 是对外输出的用户数据，不含凭证材料。
type UserDTO struct {
	Username string     `json:"username"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen"`
}

// Register 注册新用户，用户名冲突返回 ConflictError。只保存单向哈希。
func (s *UserService) Register(username, password string) error {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	return s.store.WithExclusive(func(doc *models.Document) error {
		if _, ok := doc.Users[username]; ok {
			return &ConflictError{Reason: "username taken"}
		}
		doc.Users[username] = &models.User{
			Username:     username,
			PasswordHash: hash,
			CreatedAt:    time.Now().UTC(),
		}
		return nil
	})
}

// Login 校验凭证并签发新会话 token。用户不存在和密码错误对外
// 同样返回 AuthError，不暴露差别。
func (s *UserService) Login(username, password string) (string, error) {
	token, err := auth.GenerateSessionToken(username, s.cfg.JWTSecret)
	if err != nil {
		return "", err
	}
	var statusEvt ws.Event
	err = s.store.WithExclusive(func(doc *models.Document) error {
		user, ok := doc.Users[username]
		if !ok || !auth.VerifyPassword(user.PasswordHash, password) {
			return &AuthError{}
		}
		now := time.Now().UTC()
		user.SessionToken = token
		user.Online = true
		user.LastSeen = &now
		statusEvt = statusEvent(user)
		return nil
	})
	if err != nil {
		return "", err
	}
	s.hub.Broadcast(statusEvt)
	s.log.Info().Str("username", username).Msg("login")
	return token, nil
}

// Logout 撤销会话并下线。token 非法或已被新登录覆盖时返回 AuthError。
func (s *UserService) Logout(token string) error {
	claims, err := auth.ParseSessionToken(token, s.cfg.JWTSecret)
	if err != nil {
		return &AuthError{}
	}
	var statusEvt ws.Event
	err = s.store.WithExclusive(func(doc *models.Document) error {
		user, ok := doc.Users[claims.Username]
		if !ok || user.SessionToken != token {
			return &AuthError{}
		}
		now := time.Now().UTC()
		user.SessionToken = ""
		user.Online = false
		user.LastSeen = &now
		statusEvt = statusEvent(user)
		return nil
	})
	if err != nil {
		return err
	}
	s.hub.Broadcast(statusEvt)
	s.log.Info().Str("username", claims.Username).Msg("logout")
	return nil
}

// Authenticate 把 token 解析为用户名。签名必须合法，且必须仍是该
// 用户当前保存的 token，否则视为过期会话。
func (s *UserService) Authenticate(token string) (string, error) {
	claims, err := auth.ParseSessionToken(token, s.cfg.JWTSecret)
	if err != nil {
		return "", &AuthError{}
	}
	err = s.store.WithExclusive(func(doc *models.Document) error {
		user, ok := doc.Users[claims.Username]
		if !ok || user.SessionToken == "" || user.SessionToken != token {
			return &AuthError{}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return claims.Username, nil
}

// List 返回全部用户的在线概况，按用户名排序。
func (s *UserService) List() ([]UserDTO, error) {
	var out []UserDTO
	err := s.store.WithExclusive(func(doc *models.Document) error {
		out = make([]UserDTO, 0, len(doc.Users))
		for _, u := range doc.Users {
			out = append(out, UserDTO{Username: u.Username, Online: u.Online, LastSeen: u.LastSeen})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// SetPresence 在连接注册/注销之后落库在线状态并广播。注册表变更、
// 落库、广播三步各自有序但整体不构成一个原子动作。
func (s *UserService) SetPresence(username string, online bool) {
	var statusEvt ws.Event
	err := s.store.WithExclusive(func(doc *models.Document) error {
		user, ok := doc.Users[username]
		if !ok {
			return &NotFoundError{Entity: "user", ID: username}
		}
		now := time.Now().UTC()
		user.Online = online
		user.LastSeen = &now
		statusEvt = statusEvent(user)
		return nil
	})
	if err != nil {
		s.log.Warn().Err(err).Str("username", username).Msg("set presence")
		return
	}
	s.hub.Broadcast(statusEvt)
}

func statusEvent(u *models.User) ws.Event {
	return ws.Event{Event: "status", Data: UserDTO{
		Username: u.Username,
		Online:   u.Online,
		LastSeen: u.LastSeen,
	}}
}
