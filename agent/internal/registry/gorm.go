package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type GormRepository struct {
	db *gorm.DB
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string) (*GormRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("ensure registry dir: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	if err := db.Exec("PRAGMA busy_timeout = 5000;").Error; err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Credential{}); err != nil {
		return nil, fmt.Errorf("migrate registry: %w", err)
	}
	return &GormRepository{db: db}, nil
}

func (r *GormRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *GormRepository) CreateCredential(ctx context.Context, c *Credential) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(c).Error
}

func (r *GormRepository) GetCredential(ctx context.Context, name string) (Credential, error) {
	var c Credential
	if err := r.db.WithContext(ctx).First(&c, "name = ?", name).Error; err != nil {
		return Credential{}, mapErr(err)
	}
	return c, nil
}

func (r *GormRepository) SetRevoked(ctx context.Context, name string, revoked bool, at time.Time) error {
	updates := map[string]any{"revoked": revoked, "revoked_at": nil}
	if revoked {
		updates["revoked_at"] = at
	}
	res := r.db.WithContext(ctx).Model(&Credential{}).Where("name = ?", name).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GormRepository) DeleteCredential(ctx context.Context, name string) (bool, error) {
	res := r.db.WithContext(ctx).Delete(&Credential{}, "name = ?", name)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
