package migration_1

import (
	"fmt"

	"gorm.io/gorm"
)

type Run struct {
	Device string `gorm:"size:20"`
}

func Migration(db *gorm.DB) error {
	if err := db.Migrator().AddColumn(&Run{}, "device"); err != nil {
		return fmt.Errorf("error adding Device column: %w", err)
	}

	if err := db.Model(&Run{}).
		Where("device IS NULL").
		Update("device", "cpu").Error; err != nil {
		return fmt.Errorf("error setting default value for Device: %w", err)
	}

	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropColumn(&Run{}, "Device"); err != nil {
		return fmt.Errorf("error dropping Device column: %w", err)
	}

	return nil
}
