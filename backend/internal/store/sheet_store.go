package store

import (
	"context"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sheetcollab/backend/internal/sheet"
)

var (
	ErrSheetNotFound    = errors.New("sheet not found")
	ErrSheetExists      = errors.New("sheet already exists")
	ErrNoAccess         = errors.New("no access to sheet")
	ErrOutOfBounds      = errors.New("cell out of bounds")
	ErrDeadlineExceeded = errors.New("deadline exceeded")
)

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 3*time.Second)
}

// mapErr 把驱动层错误翻译成本包的哨兵错误
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrSheetNotFound
	}
	// 1062 = duplicate key
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return ErrSheetExists
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrDeadlineExceeded
	}
	return err
}

type SheetStore struct{ db *gorm.DB }

func NewSheetStore(db *gorm.DB) *SheetStore {
	return &SheetStore{db: db}
}

func (s *SheetStore) CreateSheet(ctx context.Context, meta sheet.Meta, ownerEmail string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	row := SheetRow{
		ID:         meta.ID,
		Title:      meta.Title,
		RowCount:   meta.Rows,
		ColCount:   meta.Cols,
		OwnerEmail: ownerEmail,
	}
	return mapErr(s.db.WithContext(ctx).Create(&row).Error)
}

// Grant 新增或修改协作者权限（owner 不走这张表）
func (s *SheetStore) Grant(ctx context.Context, sheetID, email string, role sheet.Permission) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	row := PermissionRow{SheetID: sheetID, Email: email, Role: string(role)}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sheet_id"}, {Name: "email"}},
		DoUpdates: clause.AssignmentColumns([]string{"role"}),
	}).Create(&row).Error
	return mapErr(err)
}

// Permission owner 优先，其次查授权表；都没有返回 ErrNoAccess
func (s *SheetStore) Permission(ctx context.Context, sheetID, email string) (sheet.Permission, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var row SheetRow
	if err := s.db.WithContext(ctx).Select("id", "owner_email").Where("id = ?", sheetID).First(&row).Error; err != nil {
		return "", mapErr(err)
	}
	if row.OwnerEmail == email {
		return sheet.PermOwner, nil
	}
	var perm PermissionRow
	err := s.db.WithContext(ctx).Where("sheet_id = ? AND email = ?", sheetID, email).First(&perm).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNoAccess
		}
		return "", mapErr(err)
	}
	role := sheet.Permission(perm.Role)
	if !role.Valid() {
		return "", ErrNoAccess
	}
	return role, nil
}

// LoadSheet 整表加载；MyPermission 由调用方按请求者填
func (s *SheetStore) LoadSheet(ctx context.Context, sheetID string) (*sheet.Snapshot, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	db := s.db.WithContext(ctx)

	var row SheetRow
	if err := db.Where("id = ?", sheetID).First(&row).Error; err != nil {
		return nil, mapErr(err)
	}
	var cells []CellRow
	if err := db.Where("sheet_id = ?", sheetID).Find(&cells).Error; err != nil {
		return nil, mapErr(err)
	}
	var perms []PermissionRow
	if err := db.Where("sheet_id = ?", sheetID).Order("created_at").Find(&perms).Error; err != nil {
		return nil, mapErr(err)
	}

	snap := &sheet.Snapshot{
		Meta:        row.Meta(""),
		Cells:       make(map[sheet.Coord]sheet.CellContent, len(cells)),
		Permissions: make([]sheet.Grant, 0, len(perms)+1),
	}
	for _, c := range cells {
		snap.Cells[c.Coord()] = c.Content()
	}
	snap.Permissions = append(snap.Permissions, sheet.Grant{Email: row.OwnerEmail, Role: sheet.PermOwner})
	for _, p := range perms {
		snap.Permissions = append(snap.Permissions, sheet.Grant{Email: p.Email, Role: sheet.Permission(p.Role)})
	}
	return snap, nil
}

func (s *SheetStore) SheetVersion(ctx context.Context, sheetID string) (int64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var row SheetRow
	if err := s.db.WithContext(ctx).Select("id", "version").Where("id = ?", sheetID).First(&row).Error; err != nil {
		return 0, mapErr(err)
	}
	return row.Version, nil
}

// GetCell 不存在的单元格返回空内容
func (s *SheetStore) GetCell(ctx context.Context, sheetID string, at sheet.Coord) (sheet.CellContent, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var row CellRow
	err := s.db.WithContext(ctx).
		Where("sheet_id = ? AND row_idx = ? AND col_idx = ?", sheetID, at.Row, at.Col).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return sheet.CellContent{}, nil
		}
		return sheet.CellContent{}, mapErr(err)
	}
	return row.Content(), nil
}

// CellVersion 单元格最后一次写入时的表格版本；没写过返回 0
func (s *SheetStore) CellVersion(ctx context.Context, sheetID string, at sheet.Coord) (int64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var row CellRow
	err := s.db.WithContext(ctx).
		Select("updated_version").
		Where("sheet_id = ? AND row_idx = ? AND col_idx = ?", sheetID, at.Row, at.Col).
		First(&row).Error
	if err == nil {
		return row.UpdatedVersion, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, mapErr(err)
	}
	// 区分表格不存在和格子没写过
	if _, err := s.SheetVersion(ctx, sheetID); err != nil {
		return 0, err
	}
	return 0, nil
}

// UpsertCell 同一个事务里：锁表格行、版本 +1、写单元格。返回新版本号。
func (s *SheetStore) UpsertCell(ctx context.Context, sheetID, email string, at sheet.Coord, content sheet.CellContent) (int64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var version int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row SheetRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", sheetID).First(&row).Error; err != nil {
			return err
		}
		if !row.Meta("").Contains(at) {
			return ErrOutOfBounds
		}
		version = row.Version + 1
		if err := tx.Model(&SheetRow{}).Where("id = ?", sheetID).Update("version", version).Error; err != nil {
			return err
		}

		vt := content.ValueType
		if vt == "" {
			vt = sheet.ValueText
		}
		cell := CellRow{
			SheetID:        sheetID,
			RowIdx:         at.Row,
			ColIdx:         at.Col,
			Value:          content.Value,
			ValueType:      string(vt),
			Formula:        content.Formula,
			Style:          content.Style,
			UpdatedVersion: version,
			UpdatedBy:      email,
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&cell).Error
	})
	if err != nil {
		return 0, mapErr(err)
	}
	return version, nil
}
