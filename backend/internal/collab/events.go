package collab

import (
	"time"

	"github.com/oklog/ulid/v2"

	"sheetcollab/backend/internal/sheet"
)

const EventCellUpdated = "CELL_UPDATED"

// CellEvent 每次单元格落库成功后投递到 Kafka，key 为 sheetId 保证同一表格有序
type CellEvent struct {
	EventType   string          `json:"eventType"` // 固定 "CELL_UPDATED"
	EventID     string          `json:"eventId"`   // ulid，按时间有序
	SheetID     string          `json:"sheetId"`
	Row         int             `json:"row"`
	Col         int             `json:"col"`
	Value       string          `json:"value"`
	ValueType   sheet.ValueType `json:"valueType"`
	Style       sheet.CellStyle `json:"style"`
	Version     int64           `json:"version"`
	AuthorEmail string          `json:"authorEmail"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func NewCellEvent(sheetID, author string, at sheet.Coord, content sheet.CellContent, version int64) CellEvent {
	return CellEvent{
		EventType:   EventCellUpdated,
		EventID:     ulid.Make().String(),
		SheetID:     sheetID,
		Row:         at.Row,
		Col:         at.Col,
		Value:       content.Value,
		ValueType:   content.ValueType,
		Style:       content.Style,
		Version:     version,
		AuthorEmail: author,
		UpdatedAt:   time.Now().UTC(),
	}
}
