package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"sheetcollab/backend/internal/cache"
	"sheetcollab/backend/internal/collab"
	"sheetcollab/backend/internal/sheet"
	"sheetcollab/backend/internal/store"
)

// fakeBackend 所有格子共用 current 作为格子版本
type fakeBackend struct {
	mu      sync.Mutex
	current int64
	cells   map[sheet.Coord]sheet.CellContent
}

func (b *fakeBackend) CheckBroadcast(ctx context.Context, sheetID string, at sheet.Coord, version int64) (bool, int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return version > 0 && version < b.current, b.current, nil
}

func (b *fakeBackend) CellAt(ctx context.Context, sheetID string, at sheet.Coord) (sheet.CellContent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cells[at], nil
}

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func newTestHub(t *testing.T, backend *fakeBackend) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(cache.NewLocalPresence(), backend, nil, DefaultHubOptions())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Serve(r.Context(), conn, "s1", r.URL.Query().Get("email"))
	}))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, email string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?email=" + email
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// next 读到下一条匹配 want 的消息，中间的其它消息跳过
func next(t *testing.T, conn *websocket.Conn, want func(Message) bool) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read error: %v", err)
		}
		msg, err := Decode(b)
		if err != nil {
			t.Fatalf("decode error: %v", err)
		}
		if want(msg) {
			return msg
		}
	}
}

func joined(email string) func(Message) bool {
	return func(m Message) bool {
		u, ok := m.(UserMessage)
		return ok && u.Type == TypeUserJoined && u.UserEmail == email
	}
}

func isType(typ string) func(Message) bool {
	return func(m Message) bool { return m.MessageType() == typ }
}

func waitRoom(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for hub.RoomSize("s1") != n {
		if time.Now().After(deadline) {
			t.Fatalf("room size = %d, want %d", hub.RoomSize("s1"), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestJoinSendsRosterAndAnnounces(t *testing.T) {
	hub, srv := newTestHub(t, &fakeBackend{})

	a := dial(t, srv, "a@x.com")
	next(t, a, joined("a@x.com"))
	waitRoom(t, hub, 1)

	b := dial(t, srv, "b@x.com")
	next(t, b, joined("a@x.com"))
	next(t, a, joined("b@x.com"))
	waitRoom(t, hub, 2)

	b.Close()
	msg := next(t, a, isType(TypeUserLeft))
	assert.Equal(t, "b@x.com", msg.(UserMessage).UserEmail)
	waitRoom(t, hub, 1)
}

func TestSecondTabDoesNotLeave(t *testing.T) {
	hub, srv := newTestHub(t, &fakeBackend{})

	a := dial(t, srv, "a@x.com")
	next(t, a, joined("a@x.com"))
	a2 := dial(t, srv, "a@x.com")
	next(t, a2, joined("a@x.com"))
	waitRoom(t, hub, 2)

	a2.Close()
	waitRoom(t, hub, 1)

	// 同一个 email 还有连接，不广播 user_left；随后的广播照常送达
	a.WriteJSON(CellUpdateMessage{Type: TypeCellUpdate, Cell: NewWireCell(sheet.Coord{}, sheet.CellContent{Value: "still"})})
	msg := next(t, a, func(m Message) bool {
		return m.MessageType() == TypeCellUpdate || m.MessageType() == TypeUserLeft
	})
	assert.Equal(t, TypeCellUpdate, msg.MessageType())
}

func TestCellUpdateRelayedToRoom(t *testing.T) {
	hub, srv := newTestHub(t, &fakeBackend{current: 5})
	a := dial(t, srv, "a@x.com")
	b := dial(t, srv, "b@x.com")
	waitRoom(t, hub, 2)

	err := a.WriteJSON(CellUpdateMessage{
		Type:          TypeCellUpdate,
		SpreadsheetID: "s1",
		Cell:          NewWireCell(sheet.Coord{Row: 2, Col: 3}, sheet.CellContent{Value: "X"}),
		Version:       5,
	})
	assert.Equal(t, nil, err)

	for _, conn := range []*websocket.Conn{a, b} {
		m := next(t, conn, isType(TypeCellUpdate)).(CellUpdateMessage)
		assert.Equal(t, "X", m.Cell.Value)
		assert.Equal(t, sheet.Coord{Row: 2, Col: 3}, m.Cell.Coord())
	}
}

func TestStaleBroadcastGetsConflict(t *testing.T) {
	backend := &fakeBackend{current: 9, cells: map[sheet.Coord]sheet.CellContent{
		{Row: 1, Col: 1}: {Value: "server", ValueType: sheet.ValueText},
	}}
	hub, srv := newTestHub(t, backend)
	a := dial(t, srv, "a@x.com")
	b := dial(t, srv, "b@x.com")
	waitRoom(t, hub, 2)

	a.WriteJSON(CellUpdateMessage{
		Type:    TypeCellUpdate,
		Cell:    NewWireCell(sheet.Coord{Row: 1, Col: 1}, sheet.CellContent{Value: "old"}),
		Version: 3,
	})

	next(t, a, isType(TypeVersionConflict))
	for _, conn := range []*websocket.Conn{a, b} {
		m := next(t, conn, isType(TypeCellUpdate)).(CellUpdateMessage)
		assert.Equal(t, "server", m.Cell.Value)
		assert.Equal(t, int64(9), m.Version)
	}
}

func TestMismatchedSheetIsRejected(t *testing.T) {
	hub, srv := newTestHub(t, &fakeBackend{})
	a := dial(t, srv, "a@x.com")
	waitRoom(t, hub, 1)

	a.WriteJSON(CellUpdateMessage{Type: TypeCellUpdate, SpreadsheetID: "other"})
	m := next(t, a, isType(TypeError)).(ErrorMessage)
	assert.Equal(t, "spreadsheet_id mismatch", m.Message)
}

func TestStalenessIsPerCell(t *testing.T) {
	repo := store.NewMemoryStore()
	ctx := context.Background()
	repo.CreateSheet(ctx, sheet.Meta{ID: "s1", Title: "t", Rows: 5, Cols: 5}, "a@x.com")
	repo.Grant(ctx, "s1", "b@x.com", sheet.PermEdit)
	svc := collab.NewService(repo, nil)

	hub := NewHub(cache.NewLocalPresence(), svc, nil, DefaultHubOptions())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Serve(r.Context(), conn, "s1", r.URL.Query().Get("email"))
	}))
	defer srv.Close()
	a := dial(t, srv, "a@x.com")
	waitRoom(t, hub, 1)

	mine, _ := svc.UpdateCell(ctx, "s1", "a@x.com", sheet.Coord{}, sheet.CellContent{Value: "hello"})
	// PUT 和广播之间另一个格子被写入
	svc.UpdateCell(ctx, "s1", "b@x.com", sheet.Coord{Row: 4, Col: 4}, sheet.CellContent{Value: "other"})

	a.WriteJSON(CellUpdateMessage{
		Type:    TypeCellUpdate,
		Cell:    NewWireCell(sheet.Coord{}, sheet.CellContent{Value: "hello"}),
		Version: mine,
	})
	msg := next(t, a, func(m Message) bool {
		return m.MessageType() == TypeCellUpdate || m.MessageType() == TypeVersionConflict
	})
	assert.Equal(t, TypeCellUpdate, msg.MessageType())
	assert.Equal(t, mine, msg.(CellUpdateMessage).Version)

	// 同一个格子被别人覆盖之后再广播旧值才算冲突
	svc.UpdateCell(ctx, "s1", "b@x.com", sheet.Coord{}, sheet.CellContent{Value: "newer"})
	a.WriteJSON(CellUpdateMessage{
		Type:    TypeCellUpdate,
		Cell:    NewWireCell(sheet.Coord{}, sheet.CellContent{Value: "hello"}),
		Version: mine,
	})
	next(t, a, isType(TypeVersionConflict))
	m := next(t, a, isType(TypeCellUpdate)).(CellUpdateMessage)
	assert.Equal(t, "newer", m.Cell.Value)
}
