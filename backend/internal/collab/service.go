package collab

import (
	"context"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"sheetcollab/backend/internal/sheet"
	"sheetcollab/backend/internal/store"
)

// 协作服务接口：HTTP 和 WebSocket 两侧共用
type Service interface {
	LoadSheet(ctx context.Context, sheetID, email string) (*sheet.Snapshot, error)
	UpdateCell(ctx context.Context, sheetID, email string, at sheet.Coord, content sheet.CellContent) (int64, error)
	// CheckBroadcast 按单元格判断：格子在广播携带的版本之后又被写过即为陈旧，current 是格子当前的版本。
	// version=0 表示客户端不知道版本，不判陈旧
	CheckBroadcast(ctx context.Context, sheetID string, at sheet.Coord, version int64) (stale bool, current int64, err error)
	CellAt(ctx context.Context, sheetID string, at sheet.Coord) (sheet.CellContent, error)
	Permission(ctx context.Context, sheetID, email string) (sheet.Permission, error)

	CreateSheet(ctx context.Context, ownerEmail, title string, rows, cols int) (sheet.Meta, error)
	Grant(ctx context.Context, sheetID, ownerEmail, email string, role sheet.Permission) error
}

// SheetRepository 持久层接口，实现在 store 中
type SheetRepository interface {
	CreateSheet(ctx context.Context, meta sheet.Meta, ownerEmail string) error
	Grant(ctx context.Context, sheetID, email string, role sheet.Permission) error
	Permission(ctx context.Context, sheetID, email string) (sheet.Permission, error)
	LoadSheet(ctx context.Context, sheetID string) (*sheet.Snapshot, error)
	CellVersion(ctx context.Context, sheetID string, at sheet.Coord) (int64, error)
	GetCell(ctx context.Context, sheetID string, at sheet.Coord) (sheet.CellContent, error)
	UpsertCell(ctx context.Context, sheetID, email string, at sheet.Coord, content sheet.CellContent) (int64, error)
}

// EventSink 单元格事件出口，KafkaDispatcher 实现
type EventSink interface {
	Enqueue(ctx context.Context, evt CellEvent) error
}

var (
	ErrForbidden    = errors.New("FORBIDDEN")
	ErrNotFound     = errors.New("SHEET_NOT_FOUND")
	ErrOutOfBounds  = errors.New("CELL_OUT_OF_BOUNDS")
	ErrInvalidSheet = errors.New("INVALID_SHEET")
	ErrInvalidRole  = errors.New("INVALID_ROLE")
)

const (
	MaxRows = 10_000
	MaxCols = 1_000
)

type sheetService struct {
	repo   SheetRepository
	events EventSink
	// 同一张表并发的整表加载合并成一次查询
	loads singleflight.Group

	enqueueTimeout time.Duration
}

// NewService events 可以为 nil（不投递事件）
func NewService(repo SheetRepository, events EventSink) Service {
	return &sheetService{repo: repo, events: events, enqueueTimeout: 200 * time.Millisecond}
}

// mapStoreErr 持久层错误翻译成服务层错误
func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrSheetNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrNoAccess):
		return ErrForbidden
	case errors.Is(err, store.ErrOutOfBounds):
		return ErrOutOfBounds
	}
	return err
}

func (s *sheetService) Permission(ctx context.Context, sheetID, email string) (sheet.Permission, error) {
	perm, err := s.repo.Permission(ctx, sheetID, email)
	if err != nil {
		return "", mapStoreErr(err)
	}
	return perm, nil
}

func (s *sheetService) LoadSheet(ctx context.Context, sheetID, email string) (*sheet.Snapshot, error) {
	perm, err := s.Permission(ctx, sheetID, email)
	if err != nil {
		return nil, err
	}
	v, err, shared := s.loads.Do(sheetID, func() (interface{}, error) {
		return s.repo.LoadSheet(ctx, sheetID)
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if shared {
		glog.V(2).Infof("load sheet=%s shared", sheetID)
	}
	snap, ok := v.(*sheet.Snapshot)
	if !ok {
		return nil, errors.New("internal type error")
	}
	// 共享结果只读，按请求者拷一份 Meta
	out := *snap
	out.MyPermission = perm
	return &out, nil
}

func (s *sheetService) UpdateCell(ctx context.Context, sheetID, email string, at sheet.Coord, content sheet.CellContent) (int64, error) {
	perm, err := s.Permission(ctx, sheetID, email)
	if err != nil {
		return 0, err
	}
	if !perm.CanEdit() {
		return 0, ErrForbidden
	}
	if content.ValueType == "" {
		content.ValueType = sheet.ValueText
	}
	version, err := s.repo.UpsertCell(ctx, sheetID, email, at, content)
	if err != nil {
		return 0, mapStoreErr(err)
	}

	if s.events != nil {
		// 入队失败不影响写入结果
		ectx, cancel := context.WithTimeout(context.Background(), s.enqueueTimeout)
		defer cancel()
		if err := s.events.Enqueue(ectx, NewCellEvent(sheetID, email, at, content, version)); err != nil {
			glog.Warningf("enqueue cell event sheet=%s cell=%s version=%d error = %v", sheetID, at, version, err)
		}
	}
	return version, nil
}

func (s *sheetService) CheckBroadcast(ctx context.Context, sheetID string, at sheet.Coord, version int64) (bool, int64, error) {
	current, err := s.repo.CellVersion(ctx, sheetID, at)
	if err != nil {
		return false, 0, mapStoreErr(err)
	}
	if version <= 0 {
		return false, current, nil
	}
	return version < current, current, nil
}

func (s *sheetService) CellAt(ctx context.Context, sheetID string, at sheet.Coord) (sheet.CellContent, error) {
	c, err := s.repo.GetCell(ctx, sheetID, at)
	if err != nil {
		return sheet.CellContent{}, mapStoreErr(err)
	}
	return c, nil
}

func (s *sheetService) CreateSheet(ctx context.Context, ownerEmail, title string, rows, cols int) (sheet.Meta, error) {
	title = strings.TrimSpace(title)
	if title == "" || rows <= 0 || cols <= 0 || rows > MaxRows || cols > MaxCols {
		return sheet.Meta{}, ErrInvalidSheet
	}
	meta := sheet.Meta{
		ID:           uuid.NewString(),
		Title:        title,
		Rows:         rows,
		Cols:         cols,
		MyPermission: sheet.PermOwner,
	}
	if err := s.repo.CreateSheet(ctx, meta, ownerEmail); err != nil {
		return sheet.Meta{}, mapStoreErr(err)
	}
	return meta, nil
}

// Grant 只有 owner 能分享；owner 角色不能再授予
func (s *sheetService) Grant(ctx context.Context, sheetID, ownerEmail, email string, role sheet.Permission) error {
	if !role.Valid() || role == sheet.PermOwner || strings.TrimSpace(email) == "" {
		return ErrInvalidRole
	}
	perm, err := s.Permission(ctx, sheetID, ownerEmail)
	if err != nil {
		return err
	}
	if perm != sheet.PermOwner {
		return ErrForbidden
	}
	return mapStoreErr(s.repo.Grant(ctx, sheetID, email, role))
}
