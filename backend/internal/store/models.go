package store

import (
	"time"

	"sheetcollab/backend/internal/sheet"
)

// ROWS / ROW 在 MySQL 8 是保留字，列名统一加后缀

type SheetRow struct {
	ID         string `gorm:"primaryKey;size:64"`
	Title      string `gorm:"size:255;not null"`
	RowCount   int    `gorm:"column:row_count;not null"`
	ColCount   int    `gorm:"column:col_count;not null"`
	Version    int64  `gorm:"not null;default:0"`
	OwnerEmail string `gorm:"size:255;index;not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (SheetRow) TableName() string { return "sheets" }

func (r SheetRow) Meta(perm sheet.Permission) sheet.Meta {
	return sheet.Meta{
		ID:           r.ID,
		Title:        r.Title,
		Rows:         r.RowCount,
		Cols:         r.ColCount,
		Version:      r.Version,
		MyPermission: perm,
	}
}

type CellRow struct {
	SheetID        string          `gorm:"primaryKey;size:64"`
	RowIdx         int             `gorm:"primaryKey;column:row_idx"`
	ColIdx         int             `gorm:"primaryKey;column:col_idx"`
	Value          string          `gorm:"type:text"`
	ValueType      string          `gorm:"size:32"`
	Formula        *string         `gorm:"type:text"`
	Style          sheet.CellStyle `gorm:"serializer:json;type:json"`
	UpdatedVersion int64
	UpdatedBy      string `gorm:"size:255"`
	UpdatedAt      time.Time
}

func (CellRow) TableName() string { return "sheet_cells" }

func (r CellRow) Coord() sheet.Coord { return sheet.Coord{Row: r.RowIdx, Col: r.ColIdx} }

func (r CellRow) Content() sheet.CellContent {
	return sheet.CellContent{
		Value:     r.Value,
		ValueType: sheet.ValueType(r.ValueType),
		Formula:   r.Formula,
		Style:     r.Style,
	}
}

type PermissionRow struct {
	SheetID   string `gorm:"primaryKey;size:64"`
	Email     string `gorm:"primaryKey;size:255"`
	Role      string `gorm:"size:16;not null"`
	CreatedAt time.Time
}

func (PermissionRow) TableName() string { return "sheet_permissions" }
