package editor

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"sheetcollab/backend/internal/cellstore"
	"sheetcollab/backend/internal/channel"
	"sheetcollab/backend/internal/presence"
	"sheetcollab/backend/internal/sheet"
	"sheetcollab/backend/internal/ws"
)

var (
	ErrClosed     = errors.New("editor closed")
	ErrNotUnsaved = errors.New("cell has no unsaved changes")
)

// Persister 持久化接口，persist.Client 实现
type Persister interface {
	UpdateCell(ctx context.Context, sheetID string, at sheet.Coord, content sheet.CellContent) (int64, error)
	LoadSheet(ctx context.Context, sheetID string) (*sheet.Snapshot, error)
}

// Broadcaster 实时通道，*channel.Channel 实现
type Broadcaster interface {
	Send(msg ws.Message) error
	Close()
}

// DialFunc 为一个表格打开实时通道，入站消息回调给 h
type DialFunc func(ctx context.Context, sheetID string, h channel.Handler) Broadcaster

type Deps struct {
	Persist Persister
	// nil 表示不开实时通道（离线编辑）
	Dial DialFunc
}

type Options struct {
	// Enter/Tab 提交后直接进入下一格的编辑；false 时只选中
	AdvanceIntoEdit bool
	Palette         []string
	PersistTimeout  time.Duration
	// 任何状态变化之后调用（锁外），渲染方用来重绘
	OnChange func()
}

func DefaultOptions() Options {
	return Options{AdvanceIntoEdit: true, PersistTimeout: 10 * time.Second}
}

// ChannelDialer 按 {base}/v1/sheets/{id}/ws 拨号，token 放在 Authorization 头里
func ChannelDialer(base string, token string, settings *channel.Settings) DialFunc {
	base = strings.TrimRight(base, "/")
	return func(ctx context.Context, sheetID string, h channel.Handler) Broadcaster {
		header := http.Header{}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
		u := base + "/v1/sheets/" + url.PathEscape(sheetID) + "/ws"
		return channel.Open(ctx, u, header, h, settings)
	}
}

// Editor 一个打开的表格：store、编辑会话、在线名单、持久化和实时通道。
// 所有入口在同一把锁下执行完，相当于单线程事件循环。
type Editor struct {
	id      string
	sheetID string
	opts    Options
	persist Persister

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	meta    sheet.Meta
	store   *cellstore.Store
	session *Session
	roster  *presence.Tracker
	ch      Broadcaster
	unsaved map[sheet.Coord]error
	closed  bool

	// 本地提交记录：重载时进行中或重载开始后的提交要盖回快照上
	seq     uint64
	touched map[sheet.Coord]*localEdit

	// 提交 / 重载的后台协程数，受 mu 保护；归零时 idle 广播
	bg      int
	idle    *sync.Cond
	reloads singleflight.Group
}

type localEdit struct {
	content  sheet.CellContent
	seq      uint64
	inflight int
}

// Open 加载表格；只有 owner/edit 权限才打开实时通道
func Open(ctx context.Context, deps Deps, sheetID string, opts Options) (*Editor, error) {
	if deps.Persist == nil {
		return nil, errors.New("editor: nil persister")
	}
	snap, err := deps.Persist.LoadSheet(ctx, sheetID)
	if err != nil {
		return nil, errors.Wrapf(err, "open sheet %s", sheetID)
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = DefaultOptions().PersistTimeout
	}

	cctx, cancel := context.WithCancel(context.Background())
	e := &Editor{
		id:      uuid.NewString(),
		sheetID: sheetID,
		opts:    opts,
		persist: deps.Persist,
		ctx:     cctx,
		cancel:  cancel,
		meta:    snap.Meta,
		store:   cellstore.New(),
		roster:  presence.NewTracker(opts.Palette),
		unsaved: make(map[sheet.Coord]error),
		touched: make(map[sheet.Coord]*localEdit),
	}
	e.idle = sync.NewCond(&e.mu)
	e.store.Replace(snap.Cells)
	e.session = NewSession(gridView{e}, e.commitLocked, opts.AdvanceIntoEdit)

	e.mu.Lock()
	if snap.MyPermission.CanEdit() && deps.Dial != nil {
		e.ch = deps.Dial(cctx, sheetID, e)
	}
	e.mu.Unlock()

	glog.Infof("[editor %s]opened sheet=%s %dx%d version=%d perm=%s live=%t",
		e.id, sheetID, snap.Rows, snap.Cols, snap.Version, snap.MyPermission, e.ch != nil)
	return e, nil
}

// gridView 会话的只读视图，调用时 Editor 的锁已经持有
type gridView struct{ e *Editor }

func (g gridView) Value(c sheet.Coord) string  { return g.e.store.Get(c).Value }
func (g gridView) Contains(c sheet.Coord) bool { return g.e.meta.Contains(c) }
func (g gridView) CanEdit() bool               { return g.e.meta.MyPermission.CanEdit() }

func (e *Editor) ID() string      { return e.id }
func (e *Editor) SheetID() string { return e.sheetID }

func (e *Editor) notify() {
	if e.opts.OnChange != nil {
		e.opts.OnChange()
	}
}

func (e *Editor) gesture(fn func(s *Session)) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	fn(e.session)
	e.mu.Unlock()
	e.notify()
}

func (e *Editor) Click(c sheet.Coord)       { e.gesture(func(s *Session) { s.Click(c) }) }
func (e *Editor) DoubleClick(c sheet.Coord) { e.gesture(func(s *Session) { s.DoubleClick(c) }) }
func (e *Editor) Type(text string)          { e.gesture(func(s *Session) { s.Type(text) }) }
func (e *Editor) SetDraft(text string)      { e.gesture(func(s *Session) { s.SetDraft(text) }) }
func (e *Editor) Backspace()                { e.gesture(func(s *Session) { s.Backspace() }) }
func (e *Editor) Enter()                    { e.gesture(func(s *Session) { s.Enter() }) }
func (e *Editor) Tab()                      { e.gesture(func(s *Session) { s.Tab() }) }
func (e *Editor) Blur()                     { e.gesture(func(s *Session) { s.Blur() }) }
func (e *Editor) Escape()                   { e.gesture(func(s *Session) { s.Escape() }) }

func (e *Editor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.State()
}

func (e *Editor) Meta() sheet.Meta {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.meta
}

func (e *Editor) Cell(c sheet.Coord) sheet.CellContent { return e.store.Get(c) }

func (e *Editor) Cells() map[sheet.Coord]sheet.CellContent { return e.store.Snapshot() }

func (e *Editor) Roster() []sheet.ActiveUser { return e.roster.Roster() }

// Live 是否打开了实时通道（view 权限永远是 false）
func (e *Editor) Live() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch != nil
}

// Unsaved 持久化失败、尚未重试成功的单元格，按行列排序
func (e *Editor) Unsaved() []sheet.Coord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]sheet.Coord, 0, len(e.unsaved))
	for c := range e.unsaved {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Row != out[j].Row {
			return out[i].Row < out[j].Row
		}
		return out[i].Col < out[j].Col
	})
	return out
}

func (e *Editor) IsUnsaved(c sheet.Coord) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.unsaved[c]
	return ok
}

// UnsavedError 该单元格最近一次持久化失败的原因
func (e *Editor) UnsavedError(c sheet.Coord) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unsaved[c]
}

// goLocked 起一个后台协程并计数；关闭之后不再起新的
func (e *Editor) goLocked(fn func()) bool {
	if e.closed {
		return false
	}
	e.bg++
	go func() {
		defer func() {
			e.mu.Lock()
			e.bg--
			if e.bg == 0 {
				e.idle.Broadcast()
			}
			e.mu.Unlock()
		}()
		fn()
	}()
	return true
}

// commitLocked 乐观写 store，持久化和广播放到后台协程
func (e *Editor) commitLocked(c sheet.Coord, draft string) {
	content := e.store.Get(c).WithValue(draft)
	e.store.Set(c, content)

	e.seq++
	le := e.touched[c]
	if le == nil {
		le = &localEdit{}
		e.touched[c] = le
	}
	le.content, le.seq = content, e.seq
	le.inflight++

	e.goLocked(func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.PersistTimeout)
		defer cancel()
		// 关闭编辑器不取消进行中的请求，只忽略结果
		if err := e.persistCell(ctx, c, content); err != nil && !errors.Is(err, ErrClosed) {
			glog.Warningf("[editor %s]persist %s error = %v", e.id, c, err)
		}
		e.mu.Lock()
		le.inflight--
		e.mu.Unlock()
	})
}

// persistCell 先落库，成功后再广播；失败标记为未保存，不回滚 store
func (e *Editor) persistCell(ctx context.Context, c sheet.Coord, content sheet.CellContent) error {
	version, err := e.persist.UpdateCell(ctx, e.sheetID, c, content)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if err != nil {
		e.unsaved[c] = err
		e.mu.Unlock()
		e.notify()
		return err
	}
	delete(e.unsaved, c)
	if version > e.meta.Version {
		e.meta.Version = version
	}
	// 广播带这次写入的版本号，服务端按单元格判断是否被别人覆盖过
	hint := version
	if hint <= 0 {
		hint = e.meta.Version
	}
	msg := ws.CellUpdateMessage{
		Type:          ws.TypeCellUpdate,
		SpreadsheetID: e.sheetID,
		Cell:          ws.NewWireCell(c, content),
		Version:       hint,
	}
	ch := e.ch
	e.mu.Unlock()

	if ch != nil {
		if err := ch.Send(msg); err != nil {
			// 广播失败不影响已落库的结果，对端靠重连后的重载追上
			glog.Warningf("[editor %s]broadcast %s error = %v", e.id, c, err)
		}
	}
	e.notify()
	return nil
}

// Retry 手动重试一个未保存的单元格，用 store 里的当前值
func (e *Editor) Retry(ctx context.Context, c sheet.Coord) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if _, ok := e.unsaved[c]; !ok {
		e.mu.Unlock()
		return ErrNotUnsaved
	}
	content := e.store.Get(c)
	e.mu.Unlock()
	return e.persistCell(ctx, c, content)
}

// Reload 重新加载整张表；未保存的单元格保留本地值和标记
func (e *Editor) Reload(ctx context.Context) error { return e.reload(ctx, false) }

// reload discard=true 只用于 version_conflict：以服务端为准，清掉未保存标记。
// 同一模式的并发重载合并成一次。
func (e *Editor) reload(ctx context.Context, discard bool) error {
	key := "keep"
	if discard {
		key = "discard"
	}
	_, err, _ := e.reloads.Do(key, func() (any, error) {
		e.mu.Lock()
		start := e.seq
		e.mu.Unlock()
		snap, err := e.persist.LoadSheet(ctx, e.sheetID)
		if err != nil {
			return nil, err
		}
		e.apply(snap, start, discard)
		return nil, nil
	})
	return err
}

// apply 用快照替换 store，再把快照里可能缺的本地值盖回去：
// 加载开始后的提交、还在持久化中的提交，以及（非 discard 时）未保存的单元格。
func (e *Editor) apply(snap *sheet.Snapshot, start uint64, discard bool) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	keep := make(map[sheet.Coord]sheet.CellContent)
	if !discard {
		for c := range e.unsaved {
			keep[c] = e.store.Get(c)
		}
	}
	for c, le := range e.touched {
		if le.inflight > 0 || le.seq > start {
			if _, failed := e.unsaved[c]; discard && failed && le.inflight == 0 {
				continue
			}
			keep[c] = le.content
			continue
		}
		delete(e.touched, c)
	}

	e.meta = snap.Meta
	e.store.Replace(snap.Cells)
	for c, v := range keep {
		if e.meta.Contains(c) {
			e.store.Set(c, v)
		}
	}
	if discard {
		e.unsaved = make(map[sheet.Coord]error)
	} else {
		for c := range e.unsaved {
			if !e.meta.Contains(c) {
				delete(e.unsaved, c)
			}
		}
	}
	if !e.meta.MyPermission.CanEdit() {
		e.session.Discard()
	}
	e.session.Revalidate()
	e.mu.Unlock()
	glog.Infof("[editor %s]reloaded sheet=%s version=%d kept=%d discard=%t", e.id, e.sheetID, snap.Version, len(keep), discard)
	e.notify()
}

func (e *Editor) reloadLocked(reason string, discard bool) {
	e.goLocked(func() {
		glog.Infof("[editor %s]reload sheet=%s (%s)", e.id, e.sheetID, reason)
		if err := e.reload(e.ctx, discard); err != nil && e.ctx.Err() == nil {
			glog.Warningf("[editor %s]reload error = %v", e.id, err)
		}
	})
}

// HandleMessage 通道读协程按接收顺序回调
func (e *Editor) HandleMessage(msg ws.Message) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	switch m := msg.(type) {
	case ws.CellUpdateMessage:
		if m.SpreadsheetID != "" && m.SpreadsheetID != e.sheetID {
			e.mu.Unlock()
			return
		}
		// 自己的回显也照样写一遍，结果相同
		at, content := m.Cell.Coord(), m.Cell.Content()
		e.store.Set(at, content)
		// 重载盖回去的应该是这个格子最新看到的值
		if le := e.touched[at]; le != nil {
			le.content = content
		}
		if m.Version > e.meta.Version {
			e.meta.Version = m.Version
		}
	case ws.UserMessage:
		switch m.Type {
		case ws.TypeUserJoined:
			e.roster.Join(m.UserEmail)
		case ws.TypeUserLeft:
			e.roster.Leave(m.UserEmail)
		}
	case ws.VersionConflictMessage:
		if e.session.Discard() {
			glog.Infof("[editor %s]version conflict, draft discarded", e.id)
		}
		e.reloadLocked("version_conflict", true)
	case ws.ErrorMessage:
		glog.Warningf("[editor %s]server error: %s", e.id, m.Message)
	}
	e.mu.Unlock()
	e.notify()
}

// Connected 每次连上都清空在线名单，服务端会重新发 user_joined；重连后重载补齐断线期间的修改
func (e *Editor) Connected(reconnect bool) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.roster.Reset()
	if reconnect {
		e.reloadLocked("reconnect", false)
	}
	e.mu.Unlock()
	e.notify()
}

// Close 关闭通道和保活；进行中的持久化不取消，结果被忽略
func (e *Editor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	ch := e.ch
	e.mu.Unlock()

	e.cancel()
	if ch != nil {
		ch.Close()
	}
	glog.Infof("[editor %s]closed sheet=%s", e.id, e.sheetID)
}

// Wait 等待后台的提交和重载结束
func (e *Editor) Wait() {
	e.mu.Lock()
	for e.bg > 0 {
		e.idle.Wait()
	}
	e.mu.Unlock()
}
