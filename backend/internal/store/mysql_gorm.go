package store

import (
	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open mysql")
	}
	return db, nil
}

// AutoMigrate 建表：sheets / sheet_cells / sheet_permissions
func AutoMigrate(db *gorm.DB) error {
	return errors.Wrap(db.AutoMigrate(&SheetRow{}, &CellRow{}, &PermissionRow{}), "auto migrate")
}
