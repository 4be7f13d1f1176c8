package presence

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"sheetcollab/backend/internal/sheet"
)

// DefaultPalette 协作者显示颜色
var DefaultPalette = []string{
	"#e57373", "#64b5f6", "#81c784", "#ffb74d",
	"#ba68c8", "#4db6ac", "#f06292", "#a1887f",
}

// Tracker 当前在线协作者。只由 user_joined / user_left 驱动，
// 没有超时：对端静默断线后仍然在列表里，直到服务端发 user_left。
type Tracker struct {
	mu      sync.RWMutex
	palette []string
	order   []string // 按加入顺序
	users   map[string]sheet.ActiveUser
}

func NewTracker(palette []string) *Tracker {
	if len(palette) == 0 {
		palette = DefaultPalette
	}
	return &Tracker{palette: palette, users: make(map[string]sheet.ActiveUser)}
}

// ColorFor 同一个 email 永远得到同一个颜色，与在线名单的构成无关
func (t *Tracker) ColorFor(email string) string {
	return t.palette[xxhash.Sum64String(email)%uint64(len(t.palette))]
}

// Join 新增或替换；重复加入只保留一条，位置不变
func (t *Tracker) Join(email string) sheet.ActiveUser {
	u := sheet.ActiveUser{Email: email, Color: t.ColorFor(email)}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.users[email]; !ok {
		t.order = append(t.order, email)
	}
	t.users[email] = u
	return u
}

// Leave 返回是否真的删掉了
func (t *Tracker) Leave(email string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.users[email]; !ok {
		return false
	}
	delete(t.users, email)
	for i, e := range t.order {
		if e == email {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

func (t *Tracker) Roster() []sheet.ActiveUser {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]sheet.ActiveUser, 0, len(t.order))
	for _, e := range t.order {
		out = append(out, t.users[e])
	}
	return out
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	t.order = nil
	t.users = make(map[string]sheet.ActiveUser)
	t.mu.Unlock()
}
