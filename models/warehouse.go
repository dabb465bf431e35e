package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/wms_backend/config"
)

type Warehouse struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Code      string    `gorm:"size:50;not null;uniqueIndex" json:"code" binding:"required"`
	Name      string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Address   string    `gorm:"type:text" json:"address"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetWarehouse(ctx context.Context, id int) (*Warehouse, error) {
	db := config.GetDB()
	if db == nil {
		return nil, errors.New("db is nil")
	}
	var warehouse Warehouse
	if err := db.WithContext(ctx).Where("id = ?", id).First(&warehouse).Error; err != nil {
		return nil, err
	}
	return &warehouse, nil
}
