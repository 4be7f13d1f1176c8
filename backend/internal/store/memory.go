package store

import (
	"context"
	"sync"

	"sheetcollab/backend/internal/sheet"
)

// MemoryStore 进程内实现，和 SheetStore 语义一致；没有配置 MySQL 时和测试里使用
type MemoryStore struct {
	mu     sync.RWMutex
	sheets map[string]*memSheet
}

type memSheet struct {
	row   SheetRow
	cells map[sheet.Coord]sheet.CellContent
	// 单元格最后一次写入时的表格版本，对应 sheet_cells.updated_version
	cellVersions map[sheet.Coord]int64
	// 按授权顺序
	grants []sheet.Grant
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sheets: make(map[string]*memSheet)}
}

func (m *MemoryStore) CreateSheet(ctx context.Context, meta sheet.Meta, ownerEmail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sheets[meta.ID]; ok {
		return ErrSheetExists
	}
	m.sheets[meta.ID] = &memSheet{
		row: SheetRow{
			ID:         meta.ID,
			Title:      meta.Title,
			RowCount:   meta.Rows,
			ColCount:   meta.Cols,
			Version:    meta.Version,
			OwnerEmail: ownerEmail,
		},
		cells:        make(map[sheet.Coord]sheet.CellContent),
		cellVersions: make(map[sheet.Coord]int64),
	}
	return nil
}

func (m *MemoryStore) Grant(ctx context.Context, sheetID, email string, role sheet.Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sheets[sheetID]
	if !ok {
		return ErrSheetNotFound
	}
	for i, g := range s.grants {
		if g.Email == email {
			s.grants[i].Role = role
			return nil
		}
	}
	s.grants = append(s.grants, sheet.Grant{Email: email, Role: role})
	return nil
}

func (m *MemoryStore) Permission(ctx context.Context, sheetID, email string) (sheet.Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sheets[sheetID]
	if !ok {
		return "", ErrSheetNotFound
	}
	if s.row.OwnerEmail == email {
		return sheet.PermOwner, nil
	}
	for _, g := range s.grants {
		if g.Email == email && g.Role.Valid() {
			return g.Role, nil
		}
	}
	return "", ErrNoAccess
}

func (m *MemoryStore) LoadSheet(ctx context.Context, sheetID string) (*sheet.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sheets[sheetID]
	if !ok {
		return nil, ErrSheetNotFound
	}
	snap := &sheet.Snapshot{
		Meta:        s.row.Meta(""),
		Cells:       make(map[sheet.Coord]sheet.CellContent, len(s.cells)),
		Permissions: make([]sheet.Grant, 0, len(s.grants)+1),
	}
	for k, v := range s.cells {
		snap.Cells[k] = v
	}
	snap.Permissions = append(snap.Permissions, sheet.Grant{Email: s.row.OwnerEmail, Role: sheet.PermOwner})
	snap.Permissions = append(snap.Permissions, s.grants...)
	return snap, nil
}

func (m *MemoryStore) SheetVersion(ctx context.Context, sheetID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sheets[sheetID]
	if !ok {
		return 0, ErrSheetNotFound
	}
	return s.row.Version, nil
}

func (m *MemoryStore) GetCell(ctx context.Context, sheetID string, at sheet.Coord) (sheet.CellContent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sheets[sheetID]
	if !ok {
		return sheet.CellContent{}, ErrSheetNotFound
	}
	return s.cells[at], nil
}

func (m *MemoryStore) UpsertCell(ctx context.Context, sheetID, email string, at sheet.Coord, content sheet.CellContent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sheets[sheetID]
	if !ok {
		return 0, ErrSheetNotFound
	}
	if !s.row.Meta("").Contains(at) {
		return 0, ErrOutOfBounds
	}
	if content.ValueType == "" {
		content.ValueType = sheet.ValueText
	}
	s.row.Version++
	s.cells[at] = content
	s.cellVersions[at] = s.row.Version
	return s.row.Version, nil
}

func (m *MemoryStore) CellVersion(ctx context.Context, sheetID string, at sheet.Coord) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sheets[sheetID]
	if !ok {
		return 0, ErrSheetNotFound
	}
	return s.cellVersions[at], nil
}
