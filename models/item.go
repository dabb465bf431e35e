package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Item is collaborator metadata the engine consumes. SKU resolution happens
// upstream; the engine only ever sees item ids plus the shelf-life flag that
// drives batch-requirement validation.
type Item struct {
	ID           int       `gorm:"primary_key" json:"id"`
	Sku          string    `gorm:"size:100;not null;uniqueIndex" json:"sku" binding:"required"`
	Name         string    `gorm:"size:200;not null" json:"name" binding:"required"`
	HasShelfLife *bool     `gorm:"not null;default:false" json:"has_shelf_life"`
	IsActive     *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetItemShelfLifeFlags loads has_shelf_life for a set of item ids in one query.
func GetItemShelfLifeFlags(tx *gorm.DB, ctx context.Context, itemIds []int) (map[int]bool, error) {
	if tx == nil {
		return nil, errors.New("db is nil")
	}
	var items []Item
	if err := tx.WithContext(ctx).Where("id IN ?", itemIds).Find(&items).Error; err != nil {
		return nil, err
	}
	flags := make(map[int]bool, len(items))
	for _, it := range items {
		flags[it.ID] = it.HasShelfLife != nil && *it.HasShelfLife
	}
	return flags, nil
}
