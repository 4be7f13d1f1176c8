package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/assert/v2"

	"sheetcollab/backend/internal/cache"
	"sheetcollab/backend/internal/channel"
	"sheetcollab/backend/internal/collab"
	"sheetcollab/backend/internal/editor"
	"sheetcollab/backend/internal/httpapi/middleware"
	"sheetcollab/backend/internal/persist"
	"sheetcollab/backend/internal/sheet"
	"sheetcollab/backend/internal/store"
	"sheetcollab/backend/internal/ws"
)

const secret = "test-secret"

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := collab.NewService(store.NewMemoryStore(), nil)
	hub := ws.NewHub(cache.NewLocalPresence(), svc, collab.NewSemaphoreControl(8), ws.DefaultHubOptions())
	return NewRouter(svc, hub, RouterOptions{Secret: secret})
}

func token(t *testing.T, email string) string {
	t.Helper()
	tok, err := middleware.SignToken(secret, email, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func call(t *testing.T, r http.Handler, method, path, email string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if email != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, email))
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func createSheet(t *testing.T, r http.Handler, owner string, rows, cols int) sheet.Meta {
	t.Helper()
	w := call(t, r, http.MethodPost, "/v1/sheets", owner, gin.H{"title": "Budget", "rows": rows, "cols": cols})
	assert.Equal(t, http.StatusCreated, w.Code)
	var meta sheet.Meta
	if err := json.Unmarshal(w.Body.Bytes(), &meta); err != nil {
		t.Fatal(err)
	}
	return meta
}

func TestHealthzAndAuth(t *testing.T) {
	r := newTestRouter(t)
	assert.Equal(t, http.StatusOK, call(t, r, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, call(t, r, http.MethodGet, "/v1/sheets/x", "", nil).Code)
}

func TestSheetEndpoints(t *testing.T) {
	r := newTestRouter(t)
	meta := createSheet(t, r, "owner@x.com", 3, 4)
	path := "/v1/sheets/" + meta.ID

	w := call(t, r, http.MethodPost, path+"/permissions", "owner@x.com", gin.H{"email": "viewer@x.com", "role": "view"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = call(t, r, http.MethodPost, path+"/permissions", "viewer@x.com", gin.H{"email": "z@x.com", "role": "edit"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = call(t, r, http.MethodPut, path+"/cells", "owner@x.com", gin.H{"row": 1, "col": 2, "value": "42", "value_type": "number"})
	assert.Equal(t, http.StatusOK, w.Code)
	var upd sheet.UpdateCellResponse
	json.Unmarshal(w.Body.Bytes(), &upd)
	assert.Equal(t, int64(1), upd.Version)

	w = call(t, r, http.MethodPut, path+"/cells", "owner@x.com", gin.H{"row": 3, "col": 0, "value": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = call(t, r, http.MethodPut, path+"/cells", "viewer@x.com", gin.H{"row": 0, "col": 0, "value": "x"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = call(t, r, http.MethodPut, path+"/cells", "owner@x.com", "not an object")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = call(t, r, http.MethodGet, path, "viewer@x.com", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var load sheet.LoadResponse
	if err := json.Unmarshal(w.Body.Bytes(), &load); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, sheet.PermView, load.MyPermission)
	assert.Equal(t, int64(1), load.Version)
	assert.Equal(t, "42", load.Cells["1_2"].Value)
	assert.Equal(t, sheet.ValueType("number"), load.Cells["1_2"].ValueType)

	assert.Equal(t, http.StatusForbidden, call(t, r, http.MethodGet, path, "stranger@x.com", nil).Code)
	assert.Equal(t, http.StatusNotFound, call(t, r, http.MethodGet, "/v1/sheets/missing", "owner@x.com", nil).Code)
	assert.Equal(t, http.StatusBadRequest, call(t, r, http.MethodPost, "/v1/sheets", "owner@x.com", gin.H{"title": "", "rows": 1, "cols": 1}).Code)
}

func TestWebSocketRequiresEdit(t *testing.T) {
	r := newTestRouter(t)
	meta := createSheet(t, r, "owner@x.com", 2, 2)
	call(t, r, http.MethodPost, "/v1/sheets/"+meta.ID+"/permissions", "owner@x.com", gin.H{"email": "viewer@x.com", "role": "view"})

	w := call(t, r, http.MethodGet, "/v1/sheets/"+meta.ID+"/ws", "viewer@x.com", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func openEditor(t *testing.T, srv *httptest.Server, sheetID, email string) *editor.Editor {
	t.Helper()
	return openEditorWith(t, srv, sheetID, email, nil)
}

// openEditorWith wrap 非 nil 时包一层持久化
func openEditorWith(t *testing.T, srv *httptest.Server, sheetID, email string, wrap func(editor.Persister) editor.Persister) *editor.Editor {
	t.Helper()
	tok := token(t, email)
	var client editor.Persister = persist.New(persist.Options{BaseURL: srv.URL, Token: tok})
	if wrap != nil {
		client = wrap(client)
	}
	wsBase := "ws" + strings.TrimPrefix(srv.URL, "http")
	e, err := editor.Open(context.Background(), editor.Deps{
		Persist: client,
		Dial:    editor.ChannelDialer(wsBase, tok, channel.DefaultSettings()),
	}, sheetID, editor.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		e.Close()
		e.Wait()
	})
	return e
}

func rosterHas(e *editor.Editor, email string) bool {
	for _, u := range e.Roster() {
		if u.Email == email {
			return true
		}
	}
	return false
}

func TestTwoEditorsEndToEnd(t *testing.T) {
	r := newTestRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	meta := createSheet(t, r, "owner@x.com", 5, 5)
	call(t, r, http.MethodPost, "/v1/sheets/"+meta.ID+"/permissions", "owner@x.com", gin.H{"email": "editor@x.com", "role": "edit"})

	a := openEditor(t, srv, meta.ID, "owner@x.com")
	b := openEditor(t, srv, meta.ID, "editor@x.com")
	waitFor(t, "both live", func() bool { return a.Live() && b.Live() })
	waitFor(t, "presence", func() bool { return rosterHas(a, "editor@x.com") && rosterHas(b, "owner@x.com") })

	a.DoubleClick(sheet.Coord{Row: 0, Col: 0})
	a.Type("hello")
	a.Enter()

	waitFor(t, "remote cell", func() bool { return b.Cell(sheet.Coord{}).Value == "hello" })
	assert.Equal(t, "hello", a.Cell(sheet.Coord{}).Value)
	assert.Equal(t, 0, len(a.Unsaved()))

	// 服务端也落库了
	w := call(t, r, http.MethodGet, "/v1/sheets/"+meta.ID, "editor@x.com", nil)
	var load sheet.LoadResponse
	json.Unmarshal(w.Body.Bytes(), &load)
	assert.Equal(t, "hello", load.Cells["0_0"].Value)
}

// interleavingPersister 第一次写成功之后、广播之前插入 between
type interleavingPersister struct {
	editor.Persister
	once    sync.Once
	between func()
}

func (p *interleavingPersister) UpdateCell(ctx context.Context, sheetID string, at sheet.Coord, content sheet.CellContent) (int64, error) {
	v, err := p.Persister.UpdateCell(ctx, sheetID, at, content)
	if err == nil {
		p.once.Do(p.between)
	}
	return v, err
}

func TestWriteElsewhereBeforeBroadcastKeepsDraft(t *testing.T) {
	r := newTestRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	meta := createSheet(t, r, "owner@x.com", 5, 5)
	call(t, r, http.MethodPost, "/v1/sheets/"+meta.ID+"/permissions", "owner@x.com", gin.H{"email": "editor@x.com", "role": "edit"})

	otherCode := make(chan int, 1)
	a := openEditorWith(t, srv, meta.ID, "owner@x.com", func(p editor.Persister) editor.Persister {
		return &interleavingPersister{Persister: p, between: func() {
			w := call(t, r, http.MethodPut, "/v1/sheets/"+meta.ID+"/cells", "editor@x.com", gin.H{"row": 4, "col": 4, "value": "other"})
			otherCode <- w.Code
		}}
	})
	b := openEditor(t, srv, meta.ID, "editor@x.com")
	waitFor(t, "both live", func() bool { return a.Live() && b.Live() })
	waitFor(t, "presence", func() bool { return rosterHas(a, "editor@x.com") && rosterHas(b, "owner@x.com") })

	a.DoubleClick(sheet.Coord{Row: 0, Col: 0})
	a.Type("hello")
	a.Enter()
	a.Type("second")

	waitFor(t, "remote cell", func() bool { return b.Cell(sheet.Coord{}).Value == "hello" })
	assert.Equal(t, http.StatusOK, <-otherCode)

	// b 的广播排在 a 可能收到的 version_conflict 之后
	b.DoubleClick(sheet.Coord{Row: 2, Col: 2})
	b.Type("pong")
	b.Blur()
	waitFor(t, "pong", func() bool { return a.Cell(sheet.Coord{Row: 2, Col: 2}).Value == "pong" })

	assert.Equal(t, editor.State{Mode: editor.ModeEditing, Cell: sheet.Coord{Row: 1, Col: 0}, Draft: "second"}, a.State())
	assert.Equal(t, "hello", a.Cell(sheet.Coord{}).Value)
}
