package sheet

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Coord 单元格坐标，可直接作为 map 的 key
type Coord struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

func (c Coord) String() string { return fmt.Sprintf("(%d,%d)", c.Row, c.Col) }

// Key 返回加载接口里使用的 "row_col" 形式
func (c Coord) Key() string { return strconv.Itoa(c.Row) + "_" + strconv.Itoa(c.Col) }

// Down / Right 只做加法，越界由调用方用 Meta.Contains 判断
func (c Coord) Down() Coord  { return Coord{Row: c.Row + 1, Col: c.Col} }
func (c Coord) Right() Coord { return Coord{Row: c.Row, Col: c.Col + 1} }

var ErrBadKey = errors.New("invalid cell key")

// ParseKey 解析 "row_col"
func ParseKey(key string) (Coord, error) {
	r, c, ok := strings.Cut(key, "_")
	if !ok {
		return Coord{}, errors.Wrapf(ErrBadKey, "%q", key)
	}
	row, err := strconv.Atoi(r)
	if err != nil || row < 0 {
		return Coord{}, errors.Wrapf(ErrBadKey, "%q", key)
	}
	col, err := strconv.Atoi(c)
	if err != nil || col < 0 {
		return Coord{}, errors.Wrapf(ErrBadKey, "%q", key)
	}
	return Coord{Row: row, Col: col}, nil
}

type ValueType string

// 编辑器目前只产生 text，其它类型原样透传
const ValueText ValueType = "text"

// CellStyle 所有字段可选，未设置的字段按默认样式渲染
type CellStyle struct {
	Bold            *bool   `json:"bold,omitempty"`
	Italic          *bool   `json:"italic,omitempty"`
	Color           *string `json:"color,omitempty"`
	BackgroundColor *string `json:"backgroundColor,omitempty"`
}

func (s CellStyle) IsZero() bool {
	return s.Bold == nil && s.Italic == nil && s.Color == nil && s.BackgroundColor == nil
}

// CellContent 零值即空单元格（无值、无样式）
type CellContent struct {
	Value     string    `json:"value"`
	ValueType ValueType `json:"value_type,omitempty"`
	Formula   *string   `json:"formula,omitempty"`
	Style     CellStyle `json:"style"`
}

// WithValue 只替换值，样式和公式保持不变（读-改-写）
func (c CellContent) WithValue(v string) CellContent {
	c.Value = v
	c.ValueType = ValueText
	return c
}

type Permission string

const (
	PermOwner Permission = "owner"
	PermEdit  Permission = "edit"
	PermView  Permission = "view"
)

func (p Permission) CanEdit() bool { return p == PermOwner || p == PermEdit }

func (p Permission) Valid() bool { return p == PermOwner || p == PermEdit || p == PermView }

type Meta struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Rows         int        `json:"rows"`
	Cols         int        `json:"cols"`
	Version      int64      `json:"version"`
	MyPermission Permission `json:"my_permission"`
}

// Contains 坐标是否在表格范围内
func (m Meta) Contains(c Coord) bool {
	return c.Row >= 0 && c.Col >= 0 && c.Row < m.Rows && c.Col < m.Cols
}

type Grant struct {
	Email string     `json:"email"`
	Role  Permission `json:"role"`
}

// Snapshot 一次完整加载的结果
type Snapshot struct {
	Meta
	Cells       map[Coord]CellContent
	Permissions []Grant
}

type ActiveUser struct {
	Email string `json:"email"`
	Color string `json:"color"`
}
