package service

import (
	"encoding/base64"
	"sort"
	"time"

	clog "chatserver/internal/log"
	"chatserver/internal/metrics"
	"chatserver/internal/models"
	"chatserver/internal/store"
	"chatserver/internal/ws"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// RoomService 封装房间与消息相关的业务逻辑。成员集只增不减：
// 唯一的扩员路径是邀请被接受（以及建房时的初始名单）。
type RoomService struct {
	store *store.Store
	hub   *ws.Hub
	log   zerolog.Logger
}

func NewRoomService(st *store.Store, hub *ws.Hub) *RoomService {
	return &RoomService{store: st, hub: hub, log: clog.Component("room")}
}

// Create 创建房间。拥有者和名单里的每个成员都必须存在，名单去重
// 且始终包含拥有者。room_created 对全部在线连接广播（而不是只发给
// 成员），客户端无需私有邀请步骤即可感知新房间。
func (s *RoomService) Create(name, owner string, members []string, roomType string) (*models.Room, error) {
	var room *models.Room
	err := s.store.WithExclusive(func(doc *models.Document) error {
		if _, ok := doc.Users[owner]; !ok {
			return &NotFoundError{Entity: "user", ID: owner}
		}
		for _, m := range members {
			if _, ok := doc.Users[m]; !ok {
				return &NotFoundError{Entity: "user", ID: m}
			}
		}
		all := lo.Uniq(append([]string{owner}, members...))
		sort.Strings(all)
		room = &models.Room{
			ID:        uuid.NewString(),
			Name:      name,
			Owner:     owner,
			Members:   all,
			Type:      roomType,
			CreatedAt: time.Now().UTC(),
		}
		doc.Rooms[room.ID] = room
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.hub.Broadcast(ws.Event{Event: "room_created", Data: room})
	s.log.Info().Str("room_id", room.ID).Str("owner", owner).Msg("room created")
	return room, nil
}

// AddMember 把用户加入房间，幂等：已是成员时集合不变。
func (s *RoomService) AddMember(roomID, username string) error {
	return s.store.WithExclusive(func(doc *models.Document) error {
		room, ok := doc.Rooms[roomID]
		if !ok {
			return &NotFoundError{Entity: "room", ID: roomID}
		}
		if !room.HasMember(username) {
			room.Members = append(room.Members, username)
			sort.Strings(room.Members)
		}
		return nil
	})
}

// ListForUser 返回成员集中包含该用户的全部房间。
func (s *RoomService) ListForUser(username string) ([]*models.Room, error) {
	var out []*models.Room
	err := s.store.WithExclusive(func(doc *models.Document) error {
		out = lo.Filter(lo.Values(doc.Rooms), func(r *models.Room, _ int) bool {
			return r.HasMember(username)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AppendMessage 追加消息。附件在进入互斥区之前完成校验，任何状态
// 变更之前就拒绝坏输入；房间必须存在且发送者必须是成员。消息只追加，
// 不提供编辑或删除。提交后向全部在线连接广播（刻意的全局扇出）。
func (s *RoomService) AppendMessage(sender, roomID, content string, attachments []models.Attachment) (*models.Message, error) {
	atts, err := validateAttachments(attachments)
	if err != nil {
		return nil, err
	}
	var msg *models.Message
	err = s.store.WithExclusive(func(doc *models.Document) error {
		room, ok := doc.Rooms[roomID]
		if !ok {
			return &NotFoundError{Entity: "room", ID: roomID}
		}
		if !room.HasMember(sender) {
			return &ForbiddenError{Reason: "sender is not a room member"}
		}
		msg = &models.Message{
			ID:          uuid.NewString(),
			RoomID:      roomID,
			Sender:      sender,
			Content:     content,
			Attachments: atts,
			CreatedAt:   time.Now().UTC(),
		}
		doc.Messages = append(doc.Messages, msg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.MessagesTotal.Inc()
	s.hub.Broadcast(ws.Event{Event: "message", Data: msg})
	return msg, nil
}

// ListMessages 返回房间内的全部消息，保持追加顺序。非成员不可读。
func (s *RoomService) ListMessages(actor, roomID string) ([]*models.Message, error) {
	var out []*models.Message
	err := s.store.WithExclusive(func(doc *models.Document) error {
		room, ok := doc.Rooms[roomID]
		if !ok {
			return &NotFoundError{Entity: "room", ID: roomID}
		}
		if !room.HasMember(actor) {
			return &ForbiddenError{Reason: "not a room member"}
		}
		out = lo.Filter(doc.Messages, func(m *models.Message, _ int) bool {
			return m.RoomID == roomID
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// validateAttachments 校验每个附件的 base64 载荷，并在声明的 MIME
// 缺失时用内容嗅探补全。空载荷与坏编码一律拒绝。
func validateAttachments(attachments []models.Attachment) ([]models.Attachment, error) {
	if len(attachments) == 0 {
		return []models.Attachment{}, nil
	}
	out := make([]models.Attachment, 0, len(attachments))
	for _, a := range attachments {
		raw, err := base64.StdEncoding.DecodeString(a.Data)
		if err != nil {
			return nil, &ValidationError{Reason: "attachment " + a.Name + ": payload is not valid base64"}
		}
		if len(raw) == 0 {
			return nil, &ValidationError{Reason: "attachment " + a.Name + ": payload is empty"}
		}
		if a.MimeType == "" {
			a.MimeType = mimetype.Detect(raw).String()
		}
		out = append(out, a)
	}
	return out, nil
}
