package editor

import (
	"fmt"

	"sheetcollab/backend/internal/sheet"
)

type Mode int

const (
	ModeIdle Mode = iota
	ModeSelected
	ModeEditing
)

func (m Mode) String() string {
	switch m {
	case ModeSelected:
		return "Selected"
	case ModeEditing:
		return "Editing"
	default:
		return "Idle"
	}
}

// State 编辑会话当前状态；Idle 时 Cell/Draft 无意义
type State struct {
	Mode  Mode
	Cell  sheet.Coord
	Draft string
}

func (s State) String() string {
	switch s.Mode {
	case ModeSelected:
		return fmt.Sprintf("Selected%s", s.Cell)
	case ModeEditing:
		return fmt.Sprintf("Editing%s draft=%q", s.Cell, s.Draft)
	default:
		return "Idle"
	}
}

// Grid 会话需要的只读视图
type Grid interface {
	// Value 单元格当前已提交的值，用来初始化 draft
	Value(c sheet.Coord) string
	Contains(c sheet.Coord) bool
	CanEdit() bool
}

// CommitFunc 把 draft 写入 store 并发起持久化，必须同步返回
type CommitFunc func(c sheet.Coord, draft string)

// Session 单元格选择 / 编辑状态机。
// draft 与 store 分开：按键只改 draft，只有提交才写 store。
// 非并发安全，由 Editor 加锁串行调用。
type Session struct {
	grid            Grid
	commit          CommitFunc
	advanceIntoEdit bool
	state           State
}

func NewSession(grid Grid, commit CommitFunc, advanceIntoEdit bool) *Session {
	return &Session{grid: grid, commit: commit, advanceIntoEdit: advanceIntoEdit}
}

func (s *Session) State() State { return s.state }

// Click 选中单元格。编辑中点到别的格子按失焦处理，先提交。
func (s *Session) Click(c sheet.Coord) {
	if !s.grid.Contains(c) {
		return
	}
	if s.state.Mode == ModeEditing {
		if s.state.Cell == c {
			return
		}
		s.commit(s.state.Cell, s.state.Draft)
	}
	s.state = State{Mode: ModeSelected, Cell: c}
}

// DoubleClick 进入编辑。没有编辑权限时只停在 Selected。
func (s *Session) DoubleClick(c sheet.Coord) {
	if !s.grid.Contains(c) {
		return
	}
	if s.state.Mode == ModeEditing && s.state.Cell == c {
		return
	}
	if s.state.Mode != ModeSelected || s.state.Cell != c {
		s.Click(c)
	}
	if !s.grid.CanEdit() {
		return
	}
	s.state = State{Mode: ModeEditing, Cell: c, Draft: s.grid.Value(c)}
}

// Type 追加输入，只改 draft
func (s *Session) Type(text string) {
	if s.state.Mode != ModeEditing {
		return
	}
	s.state.Draft += text
}

// SetDraft 整体替换 draft（输入框内容直接同步过来时用）
func (s *Session) SetDraft(text string) {
	if s.state.Mode != ModeEditing {
		return
	}
	s.state.Draft = text
}

// Backspace 删除 draft 的最后一个字符
func (s *Session) Backspace() {
	if s.state.Mode != ModeEditing || s.state.Draft == "" {
		return
	}
	r := []rune(s.state.Draft)
	s.state.Draft = string(r[:len(r)-1])
}

// Enter 提交并下移，最后一行回到 Idle
func (s *Session) Enter() { s.commitAndAdvance(sheet.Coord.Down) }

// Tab 提交并右移，最后一列回到 Idle（不换行）
func (s *Session) Tab() { s.commitAndAdvance(sheet.Coord.Right) }

func (s *Session) commitAndAdvance(next func(sheet.Coord) sheet.Coord) {
	if s.state.Mode != ModeEditing {
		return
	}
	cur := s.state
	s.commit(cur.Cell, cur.Draft)

	n := next(cur.Cell)
	if !s.grid.Contains(n) {
		s.state = State{Mode: ModeIdle}
		return
	}
	if s.advanceIntoEdit && s.grid.CanEdit() {
		s.state = State{Mode: ModeEditing, Cell: n, Draft: s.grid.Value(n)}
		return
	}
	s.state = State{Mode: ModeSelected, Cell: n}
}

// Blur 失焦：提交，停在原单元格
func (s *Session) Blur() {
	if s.state.Mode != ModeEditing {
		return
	}
	cur := s.state
	s.commit(cur.Cell, cur.Draft)
	s.state = State{Mode: ModeSelected, Cell: cur.Cell}
}

// Escape 丢弃 draft，store 不动
func (s *Session) Escape() {
	if s.state.Mode != ModeEditing {
		return
	}
	s.state = State{Mode: ModeSelected, Cell: s.state.Cell}
}

// Discard 丢弃 draft 而不提交（版本冲突重载时）；返回是否丢掉了东西
func (s *Session) Discard() bool {
	if s.state.Mode != ModeEditing {
		return false
	}
	s.Escape()
	return true
}

// Revalidate 重新加载后调用：选中的格子已经越界则回到 Idle
func (s *Session) Revalidate() {
	if s.state.Mode != ModeIdle && !s.grid.Contains(s.state.Cell) {
		s.state = State{Mode: ModeIdle}
	}
}
