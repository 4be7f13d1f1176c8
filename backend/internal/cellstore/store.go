package cellstore

import (
	"sync"

	"sheetcollab/backend/internal/sheet"
)

// Store 坐标 -> 单元格内容，渲染的唯一数据来源。
// 不存在的坐标与“存在但为空”读起来完全一样。
type Store struct {
	mu    sync.RWMutex
	cells map[sheet.Coord]sheet.CellContent
}

func New() *Store {
	return &Store{cells: make(map[sheet.Coord]sheet.CellContent)}
}

// Get 永不失败，未知坐标返回空单元格
func (s *Store) Get(c sheet.Coord) sheet.CellContent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cells[c]
}

// Set 整体替换，不是局部 patch；需要保留样式的调用方自己先读再合并。
// 这一层不校验坐标范围。
func (s *Store) Set(c sheet.Coord, content sheet.CellContent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cells[c] = content
}

// Replace 用加载结果整体重建（重新加载 / version_conflict 之后）
func (s *Store) Replace(cells map[sheet.Coord]sheet.CellContent) {
	next := make(map[sheet.Coord]sheet.CellContent, len(cells))
	for k, v := range cells {
		next[k] = v
	}
	s.mu.Lock()
	s.cells = next
	s.mu.Unlock()
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cells)
}

// Snapshot 返回拷贝，供渲染方遍历
func (s *Store) Snapshot() map[sheet.Coord]sheet.CellContent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[sheet.Coord]sheet.CellContent, len(s.cells))
	for k, v := range s.cells {
		out[k] = v
	}
	return out
}
