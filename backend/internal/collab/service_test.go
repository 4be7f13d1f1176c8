package collab

import (
	"context"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"

	"sheetcollab/backend/internal/sheet"
	"sheetcollab/backend/internal/store"
)

type recordSink struct {
	mu     sync.Mutex
	events []CellEvent
}

func (r *recordSink) Enqueue(ctx context.Context, evt CellEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func newTestService(t *testing.T) (Service, *store.MemoryStore, *recordSink) {
	t.Helper()
	repo := store.NewMemoryStore()
	ctx := context.Background()
	if err := repo.CreateSheet(ctx, sheet.Meta{ID: "s1", Title: "Budget", Rows: 3, Cols: 3}, "owner@x.com"); err != nil {
		t.Fatal(err)
	}
	repo.Grant(ctx, "s1", "editor@x.com", sheet.PermEdit)
	repo.Grant(ctx, "s1", "viewer@x.com", sheet.PermView)
	sink := &recordSink{}
	return NewService(repo, sink), repo, sink
}

func TestLoadSheetSetsPermissionPerCaller(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	snap, err := svc.LoadSheet(ctx, "s1", "viewer@x.com")
	assert.Equal(t, nil, err)
	assert.Equal(t, sheet.PermView, snap.MyPermission)
	assert.Equal(t, 3, snap.Rows)

	snap, err = svc.LoadSheet(ctx, "s1", "owner@x.com")
	assert.Equal(t, nil, err)
	assert.Equal(t, sheet.PermOwner, snap.MyPermission)

	_, err = svc.LoadSheet(ctx, "s1", "stranger@x.com")
	assert.Equal(t, ErrForbidden, err)
	_, err = svc.LoadSheet(ctx, "nope", "owner@x.com")
	assert.Equal(t, ErrNotFound, err)
}

func TestUpdateCell(t *testing.T) {
	svc, repo, sink := newTestService(t)
	ctx := context.Background()

	v, err := svc.UpdateCell(ctx, "s1", "editor@x.com", sheet.Coord{Row: 2, Col: 2}, sheet.CellContent{Value: "X"})
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(1), v)

	cell, _ := repo.GetCell(ctx, "s1", sheet.Coord{Row: 2, Col: 2})
	assert.Equal(t, "X", cell.Value)
	assert.Equal(t, sheet.ValueText, cell.ValueType)

	assert.Equal(t, 1, len(sink.events))
	assert.Equal(t, "editor@x.com", sink.events[0].AuthorEmail)
	assert.Equal(t, int64(1), sink.events[0].Version)

	_, err = svc.UpdateCell(ctx, "s1", "viewer@x.com", sheet.Coord{}, sheet.CellContent{Value: "no"})
	assert.Equal(t, ErrForbidden, err)
	_, err = svc.UpdateCell(ctx, "s1", "editor@x.com", sheet.Coord{Row: 3, Col: 0}, sheet.CellContent{Value: "no"})
	assert.Equal(t, ErrOutOfBounds, err)
	assert.Equal(t, 1, len(sink.events))
}

func TestCheckBroadcast(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	svc.UpdateCell(ctx, "s1", "owner@x.com", sheet.Coord{}, sheet.CellContent{Value: "a"})
	svc.UpdateCell(ctx, "s1", "editor@x.com", sheet.Coord{}, sheet.CellContent{Value: "b"})

	stale, current, err := svc.CheckBroadcast(ctx, "s1", sheet.Coord{}, 1)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, stale)
	assert.Equal(t, int64(2), current)

	stale, _, _ = svc.CheckBroadcast(ctx, "s1", sheet.Coord{}, 2)
	assert.Equal(t, false, stale)

	// 没带版本号的广播不判陈旧
	stale, _, _ = svc.CheckBroadcast(ctx, "s1", sheet.Coord{}, 0)
	assert.Equal(t, false, stale)

	_, _, err = svc.CheckBroadcast(ctx, "nope", sheet.Coord{}, 1)
	assert.Equal(t, ErrNotFound, err)

	cell, err := svc.CellAt(ctx, "s1", sheet.Coord{})
	assert.Equal(t, nil, err)
	assert.Equal(t, "b", cell.Value)
}

func TestWriteToOtherCellIsNotStale(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	v, _ := svc.UpdateCell(ctx, "s1", "owner@x.com", sheet.Coord{}, sheet.CellContent{Value: "mine"})
	// 广播发出之前别人写了另一个格子，表格版本已经前进
	svc.UpdateCell(ctx, "s1", "editor@x.com", sheet.Coord{Row: 2, Col: 2}, sheet.CellContent{Value: "theirs"})

	stale, current, err := svc.CheckBroadcast(ctx, "s1", sheet.Coord{}, v)
	assert.Equal(t, nil, err)
	assert.Equal(t, false, stale)
	assert.Equal(t, v, current)
}

func TestCreateSheetAndGrant(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateSheet(ctx, "me@x.com", "  ", 2, 2)
	assert.Equal(t, ErrInvalidSheet, err)
	_, err = svc.CreateSheet(ctx, "me@x.com", "big", MaxRows+1, 2)
	assert.Equal(t, ErrInvalidSheet, err)

	meta, err := svc.CreateSheet(ctx, "me@x.com", "Plan", 4, 5)
	assert.Equal(t, nil, err)
	assert.Equal(t, sheet.PermOwner, meta.MyPermission)
	if meta.ID == "" {
		t.Fatal("empty sheet id")
	}

	assert.Equal(t, ErrInvalidRole, svc.Grant(ctx, meta.ID, "me@x.com", "you@x.com", sheet.PermOwner))
	assert.Equal(t, ErrForbidden, svc.Grant(ctx, "s1", "editor@x.com", "you@x.com", sheet.PermEdit))
	assert.Equal(t, nil, svc.Grant(ctx, meta.ID, "me@x.com", "you@x.com", sheet.PermEdit))

	perm, err := svc.Permission(ctx, meta.ID, "you@x.com")
	assert.Equal(t, nil, err)
	assert.Equal(t, sheet.PermEdit, perm)
}
