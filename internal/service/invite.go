package service

import (
	"context"
	"time"

	clog "chatserver/internal/log"
	"chatserver/internal/metrics"
	"chatserver/internal/models"
	"chatserver/internal/store"
	"chatserver/internal/ws"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// InviteService 实现邀请的 pending → {accepted, declined, expired}
// 状态机。过期扫描是幂等的，既在每个涉及邀请的操作内联执行，
// 也由后台循环按固定间隔执行，两条路径共用同一个扫描函数。
type InviteService struct {
	store *store.Store
	hub   *ws.Hub
	ttl   time.Duration
	log   zerolog.Logger
}

func NewInviteService(st *store.Store, hub *ws.Hub, ttl time.Duration) *InviteService {
	return &InviteService{store: st, hub: hub, ttl: ttl, log: clog.Component("invite")}
}

// Create 发起邀请。发起者、收件人、目标房间都必须存在。
// 事务提交后向收件人推送 invite 事件。
func (s *InviteService) Create(sender, recipient, roomID string) (*models.Invite, error) {
	var (
		invite  *models.Invite
		expired []*models.Invite
	)
	err := s.store.WithExclusive(func(doc *models.Document) error {
		expired = sweep(doc, time.Now().UTC())
		if _, ok := doc.Users[sender]; !ok {
			return &NotFoundError{Entity: "user", ID: sender}
		}
		if _, ok := doc.Users[recipient]; !ok {
			return &NotFoundError{Entity: "user", ID: recipient}
		}
		if _, ok := doc.Rooms[roomID]; !ok {
			return &NotFoundError{Entity: "room", ID: roomID}
		}
		now := time.Now().UTC()
		invite = &models.Invite{
			ID:        uuid.NewString(),
			From:      sender,
			To:        recipient,
			RoomID:    roomID,
			Status:    models.InviteStatusPending,
			CreatedAt: now,
			ExpiresAt: now.Add(s.ttl),
		}
		doc.Invites[invite.ID] = invite
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifyExpired(expired)
	s.hub.SendTo(recipient, ws.Event{Event: "invite", Data: invite})
	s.log.Info().Str("invite_id", invite.ID).Str("from", sender).Str("to", recipient).Msg("invite created")
	return invite, nil
}

// Accept 接受邀请并把收件人加入目标房间（已是成员时为 no-op）。
func (s *InviteService) Accept(inviteID, actor string) (string, error) {
	return s.respond(inviteID, actor, models.InviteStatusAccepted)
}

// Decline 拒绝邀请。
func (s *InviteService) Decline(inviteID, actor string) (string, error) {
	return s.respond(inviteID, actor, models.InviteStatusDeclined)
}

// respond 是 accept/decline 的共同路径：先扫描过期，再要求邀请存在
// 且仍为 pending，操作者必须是收件人。并发的 accept/decline/过期
// 在全局互斥区内串行，第一个迁移生效，其后的都以冲突失败。
func (s *InviteService) respond(inviteID, actor, status string) (string, error) {
	var (
		invite  *models.Invite
		expired []*models.Invite
	)
	err := s.store.WithExclusive(func(doc *models.Document) error {
		expired = sweep(doc, time.Now().UTC())
		inv, ok := doc.Invites[inviteID]
		if !ok {
			return &NotFoundError{Entity: "invite", ID: inviteID}
		}
		if inv.Status != models.InviteStatusPending {
			return &ConflictError{Reason: "invite is " + inv.Status}
		}
		if inv.To != actor {
			return &ForbiddenError{Reason: "invite addressed to another user"}
		}
		if status == models.InviteStatusAccepted {
			room, ok := doc.Rooms[inv.RoomID]
			if !ok {
				return &NotFoundError{Entity: "room", ID: inv.RoomID}
			}
			if !room.HasMember(actor) {
				room.Members = append(room.Members, actor)
			}
		}
		inv.Status = status
		invite = inv
		return nil
	})
	if err != nil {
		return "", err
	}
	s.notifyExpired(expired)
	s.hub.SendTo(invite.From, ws.Event{Event: "invite_response", Data: invite})
	s.log.Info().Str("invite_id", inviteID).Str("status", status).Msg("invite resolved")
	return status, nil
}

// ListForUser 返回发给该用户的全部邀请，读取前同样先扫描过期。
func (s *InviteService) ListForUser(username string) ([]*models.Invite, error) {
	var (
		out     []*models.Invite
		expired []*models.Invite
	)
	err := s.store.WithExclusive(func(doc *models.Document) error {
		expired = sweep(doc, time.Now().UTC())
		out = lo.Filter(lo.Values(doc.Invites), func(inv *models.Invite, _ int) bool {
			return inv.To == username
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifyExpired(expired)
	return out, nil
}

// Sweep 扫描一次过期邀请，供后台循环调用。
func (s *InviteService) Sweep(now time.Time) error {
	var expired []*models.Invite
	err := s.store.WithExclusive(func(doc *models.Document) error {
		expired = sweep(doc, now)
		return nil
	})
	if err != nil {
		return err
	}
	s.notifyExpired(expired)
	return nil
}

// Run 按固定间隔驱动后台扫描，直到 ctx 结束。扫描与请求处理共用
// store 的互斥区，不会与并发的邀请响应竞态。
func (s *InviteService) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(time.Now().UTC()); err != nil {
				s.log.Error().Err(err).Msg("background sweep")
			}
		}
	}
}

// sweep 把所有超时的 pending 邀请翻成 expired，返回本次新过期的
// 条目。幂等：已是终态的条目直接跳过，重复调用安全。单个坏条目
// 不影响其余条目的扫描。
func sweep(doc *models.Document, now time.Time) []*models.Invite {
	var expired []*models.Invite
	for _, inv := range doc.Invites {
		if inv == nil || inv.Status != models.InviteStatusPending {
			continue
		}
		if now.After(inv.ExpiresAt) {
			inv.Status = models.InviteStatusExpired
			expired = append(expired, inv)
		}
	}
	return expired
}

// notifyExpired 把过期结果通知双方。过期对发起方和收件人都有意义，
// 推送尽力而为。
func (s *InviteService) notifyExpired(expired []*models.Invite) {
	for _, inv := range expired {
		metrics.InvitesExpiredTotal.Inc()
		evt := ws.Event{Event: "invite_response", Data: inv}
		s.hub.SendTo(inv.From, evt)
		s.hub.SendTo(inv.To, evt)
	}
}
