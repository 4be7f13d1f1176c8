package ws

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"sheetcollab/backend/internal/presence"
	"sheetcollab/backend/internal/sheet"
)

// PresenceStore 跨实例的在线名单，cache.PresenceCache 实现
type PresenceStore interface {
	AddMember(ctx context.Context, sheetID string, user sheet.ActiveUser, ttl time.Duration) error
	RemoveMember(ctx context.Context, sheetID, email string) error
	AliveMembers(ctx context.Context, sheetID string) ([]sheet.ActiveUser, error)
}

// Backend 广播校验需要的服务端能力，collab.Service 实现
type Backend interface {
	CheckBroadcast(ctx context.Context, sheetID string, at sheet.Coord, version int64) (stale bool, current int64, err error)
	CellAt(ctx context.Context, sheetID string, at sheet.Coord) (sheet.CellContent, error)
}

// Limiter 限制同时处理的 cell_update 数量，collab.SemaphoreControl 实现
type Limiter interface {
	Acquire(ctx context.Context) error
	Release() error
}

type HubOptions struct {
	PresenceTTL  time.Duration
	ReadTimeout  time.Duration // 0 表示不设读超时
	WriteTimeout time.Duration
	SendQueue    int
	// 单条 cell_update 的处理时限（含等待 Limiter）
	HandleTimeout time.Duration
}

func DefaultHubOptions() HubOptions {
	return HubOptions{
		PresenceTTL:   90 * time.Second,
		ReadTimeout:   0,
		WriteTimeout:  5 * time.Second,
		SendQueue:     32,
		HandleTimeout: 500 * time.Millisecond,
	}
}

type Hub struct {
	// 接口实例（一般是 Redis 实现），不存数据，只负责落地 / 共享在线状态
	presence PresenceStore
	backend  Backend
	limiter  Limiter
	colors   *presence.Tracker
	opts     HubOptions

	// 保护 rooms，加入 / 离开 / 广播时都要先加锁
	mu sync.RWMutex
	// sheetID -> set of connections
	// 一个用户可以开多个标签页，广播要逐连接发
	rooms map[string]map[*Conn]struct{}
}

func NewHub(p PresenceStore, b Backend, limiter Limiter, opts HubOptions) *Hub {
	d := DefaultHubOptions()
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = d.PresenceTTL
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = d.WriteTimeout
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = d.SendQueue
	}
	if opts.HandleTimeout <= 0 {
		opts.HandleTimeout = d.HandleTimeout
	}
	return &Hub{
		presence: p,
		backend:  b,
		limiter:  limiter,
		colors:   presence.NewTracker(nil),
		opts:     opts,
		rooms:    make(map[string]map[*Conn]struct{}),
	}
}

// join 返回该 email 是否是这个房间里的第一条连接
func (h *Hub) join(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[c.sheetID]
	if room == nil {
		room = make(map[*Conn]struct{})
		h.rooms[c.sheetID] = room
	}
	first := true
	for other := range room {
		if other.email == c.email {
			first = false
			break
		}
	}
	room[c] = struct{}{}
	return first
}

// leave 返回该 email 是否已经没有连接留在房间里
func (h *Hub) leave(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[c.sheetID]
	if !ok {
		return true
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, c.sheetID)
		return true
	}
	for other := range room {
		if other.email == c.email {
			return false
		}
	}
	return true
}

// Broadcast 发给房间里除 except 以外的所有连接；except 为 nil 时全发
func (h *Hub) Broadcast(sheetID string, msg Message, except *Conn) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[sheetID]))
	for c := range h.rooms[sheetID] {
		if c != except {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Enqueue(msg)
	}
}

// RoomSize 房间里的连接数
func (h *Hub) RoomSize(sheetID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sheetID])
}

// Serve 接管一条已经升级、已经鉴权的连接，阻塞到连接关闭
func (h *Hub) Serve(ctx context.Context, wsConn *websocket.Conn, sheetID, email string) {
	c := newConn(wsConn, h, sheetID, email)
	defer wsConn.Close()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	user := sheet.ActiveUser{Email: email, Color: h.colors.ColorFor(email)}
	if err := h.presence.AddMember(ctx, sheetID, user, h.opts.PresenceTTL); err != nil {
		glog.Warningf("presence add sheet=%s email=%s error = %v", sheetID, email, err)
	}
	first := h.join(c)
	h.sendRoster(ctx, c)
	if first {
		h.Broadcast(sheetID, UserMessage{Type: TypeUserJoined, UserEmail: email}, c)
	}
	glog.Infof("ws join sheet=%s email=%s conns=%d", sheetID, email, h.RoomSize(sheetID))

	c.readLoop(ctx)

	if h.leave(c) {
		// 连接断开时请求 ctx 往往已经取消，用独立的 ctx 清理
		cctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := h.presence.RemoveMember(cctx, sheetID, email); err != nil {
			glog.Warningf("presence remove sheet=%s email=%s error = %v", sheetID, email, err)
		}
		cancel()
		h.Broadcast(sheetID, UserMessage{Type: TypeUserLeft, UserEmail: email}, nil)
	}
	c.stop()
	<-writerDone
	glog.Infof("ws leave sheet=%s email=%s conns=%d", sheetID, email, h.RoomSize(sheetID))
}

// sendRoster 新连接先收到当前每个在线成员（含自己）的 user_joined
func (h *Hub) sendRoster(ctx context.Context, c *Conn) {
	members, err := h.presence.AliveMembers(ctx, c.sheetID)
	if err != nil {
		glog.Warningf("presence members sheet=%s error = %v", c.sheetID, err)
		members = nil
	}
	seen := make(map[string]bool, len(members)+1)
	for _, m := range members {
		seen[m.Email] = true
		c.Enqueue(UserMessage{Type: TypeUserJoined, UserEmail: m.Email})
	}
	// Redis 不可用时退回本实例房间里的成员
	h.mu.RLock()
	var local []string
	for other := range h.rooms[c.sheetID] {
		if !seen[other.email] {
			seen[other.email] = true
			local = append(local, other.email)
		}
	}
	h.mu.RUnlock()
	for _, email := range local {
		c.Enqueue(UserMessage{Type: TypeUserJoined, UserEmail: email})
	}
}
