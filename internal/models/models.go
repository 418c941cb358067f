package models

import "time"

// 邀请状态机：pending 是唯一可迁移状态，其余均为终态。
const (
	InviteStatusPending  = "pending"
	InviteStatusAccepted = "accepted"
	InviteStatusDeclined = "declined"
	InviteStatusExpired  = "expired"
)

type User struct {
	Username     string     `json:"username"`
	PasswordHash string     `json:"password_hash"`
	SessionToken string     `json:"session_token,omitempty"`
	Online       bool       `json:"online"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

type Room struct {
	ID        string    `json:"room_id"`
	Name      string    `json:"name"`
	Owner     string    `json:"owner"`
	Members   []string  `json:"members"`
	Type      string    `json:"type,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HasMember 判断用户是否在房间成员列表中。
func (r *Room) HasMember(username string) bool {
	for _, m := range r.Members {
		if m == username {
			return true
		}
	}
	return false
}

type Invite struct {
	ID        string    `json:"invite_id"`
	From      string    `json:"from_user"`
	To        string    `json:"to_user"`
	RoomID    string    `json:"room_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type Message struct {
	ID          string       `json:"message_id"`
	RoomID      string       `json:"room_id"`
	Sender      string       `json:"sender"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Document 是持久化的全量状态文档，四个集合统一由 store 持有，
// 任何组件都只能在 store 的互斥区内读写它。
// 消息采用追加式切片，插入顺序即时间顺序。
type Document struct {
	Users    map[string]*User   `json:"users"`
	Rooms    map[string]*Room   `json:"rooms"`
	Invites  map[string]*Invite `json:"invites"`
	Messages []*Message         `json:"messages"`
}

// NewDocument 返回一个各集合均已初始化的空文档。
func NewDocument() *Document {
	return &Document{
		Users:    make(map[string]*User),
		Rooms:    make(map[string]*Room),
		Invites:  make(map[string]*Invite),
		Messages: make([]*Message, 0),
	}
}
