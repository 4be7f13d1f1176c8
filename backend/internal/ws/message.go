package ws

import (
	"encoding/json"

	"github.com/pkg/errors"

	"sheetcollab/backend/internal/sheet"
)

// 消息类型，客户端与服务端共用
const (
	TypePing            = "ping"
	TypeCellUpdate      = "cell_update"
	TypeUserJoined      = "user_joined"
	TypeUserLeft        = "user_left"
	TypeVersionConflict = "version_conflict"
	TypeError           = "error"
)

// Envelope 只用来先读出 type，再按类型解第二遍
type Envelope struct {
	Type string `json:"type"`
}

type PingMessage struct {
	Type string `json:"type"` // 固定 "ping"
}

// WireCell 线上的单元格，坐标和内容放在同一层
type WireCell struct {
	Row       int              `json:"row"`
	Col       int              `json:"col"`
	Value     string           `json:"value"`
	ValueType sheet.ValueType  `json:"value_type"`
	Formula   *string          `json:"formula,omitempty"`
	Style     *sheet.CellStyle `json:"style,omitempty"`
}

func NewWireCell(c sheet.Coord, content sheet.CellContent) WireCell {
	wc := WireCell{Row: c.Row, Col: c.Col, Value: content.Value, ValueType: content.ValueType, Formula: content.Formula}
	if wc.ValueType == "" {
		wc.ValueType = sheet.ValueText
	}
	style := content.Style
	wc.Style = &style
	return wc
}

func (w WireCell) Coord() sheet.Coord { return sheet.Coord{Row: w.Row, Col: w.Col} }

// Content 缺省的 style 视为空样式
func (w WireCell) Content() sheet.CellContent {
	c := sheet.CellContent{Value: w.Value, ValueType: w.ValueType, Formula: w.Formula}
	if w.Style != nil {
		c.Style = *w.Style
	}
	return c
}

// CellUpdateMessage 出站时带 spreadsheet_id 和 version（只是陈旧度提示，不是 CAS）
type CellUpdateMessage struct {
	Type          string   `json:"type"` // 固定 "cell_update"
	SpreadsheetID string   `json:"spreadsheet_id,omitempty"`
	Cell          WireCell `json:"cell"`
	Version       int64    `json:"version,omitempty"`
}

// UserMessage user_joined / user_left
type UserMessage struct {
	Type      string `json:"type"`
	UserEmail string `json:"user_email"`
}

type VersionConflictMessage struct {
	Type string `json:"type"` // 固定 "version_conflict"
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Message 出站消息接口
type Message interface {
	MessageType() string
}

func (m PingMessage) MessageType() string            { return m.Type }
func (m CellUpdateMessage) MessageType() string      { return m.Type }
func (m UserMessage) MessageType() string            { return m.Type }
func (m VersionConflictMessage) MessageType() string { return m.Type }
func (m ErrorMessage) MessageType() string           { return m.Type }

var ErrUnknownType = errors.New("unknown message type")

// Decode 两遍解码：先读 type，再解成具体结构体。
// 未知类型返回 ErrUnknownType，调用方决定是否忽略。
func Decode(b []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}
	var (
		msg Message
		err error
	)
	switch env.Type {
	case TypePing:
		msg = PingMessage{Type: TypePing}
	case TypeCellUpdate:
		var m CellUpdateMessage
		err = json.Unmarshal(b, &m)
		msg = m
	case TypeUserJoined, TypeUserLeft:
		var m UserMessage
		err = json.Unmarshal(b, &m)
		msg = m
	case TypeVersionConflict:
		msg = VersionConflictMessage{Type: TypeVersionConflict}
	case TypeError:
		var m ErrorMessage
		err = json.Unmarshal(b, &m)
		msg = m
	default:
		return nil, errors.Wrapf(ErrUnknownType, "%q", env.Type)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", env.Type)
	}
	return msg, nil
}
