package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"sheetcollab/backend/internal/sheet"
)

// localPresence 单实例内存版，没有配置 Redis 时使用
type localPresence struct {
	mu     sync.Mutex
	now    func() time.Time
	sheets map[string]map[string]localMember
}

type localMember struct {
	color    string
	expireAt time.Time
}

func NewLocalPresence() PresenceCache {
	return &localPresence{now: time.Now, sheets: make(map[string]map[string]localMember)}
}

func (p *localPresence) AddMember(ctx context.Context, sheetID string, user sheet.ActiveUser, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	room := p.sheets[sheetID]
	if room == nil {
		room = make(map[string]localMember)
		p.sheets[sheetID] = room
	}
	room[user.Email] = localMember{color: user.Color, expireAt: p.now().Add(ttl)}
	return nil
}

func (p *localPresence) RemoveMember(ctx context.Context, sheetID, email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if room := p.sheets[sheetID]; room != nil {
		delete(room, email)
		if len(room) == 0 {
			delete(p.sheets, sheetID)
		}
	}
	return nil
}

func (p *localPresence) AliveMembers(ctx context.Context, sheetID string) ([]sheet.ActiveUser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	room := p.sheets[sheetID]
	now := p.now()
	type entry struct {
		user     sheet.ActiveUser
		expireAt time.Time
	}
	var alive []entry
	for email, m := range room {
		if !m.expireAt.After(now) {
			delete(room, email)
			continue
		}
		alive = append(alive, entry{sheet.ActiveUser{Email: email, Color: m.color}, m.expireAt})
	}
	if len(alive) == 0 {
		delete(p.sheets, sheetID)
		return nil, nil
	}
	// 与 Redis 版一致：按 expireAt 升序
	sort.Slice(alive, func(i, j int) bool {
		if alive[i].expireAt.Equal(alive[j].expireAt) {
			return alive[i].user.Email < alive[j].user.Email
		}
		return alive[i].expireAt.Before(alive[j].expireAt)
	})
	out := make([]sheet.ActiveUser, 0, len(alive))
	for _, e := range alive {
		out = append(out, e.user)
	}
	return out, nil
}

func (p *localPresence) Sheets(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.sheets))
	for id := range p.sheets {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
