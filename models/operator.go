package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/wms_backend/config"
	"github.com/mmdatafocus/wms_backend/utils"
)

// Operator is a floor/admin account for the internal ops endpoints.
type Operator struct {
	ID        int          `gorm:"primary_key" json:"id"`
	Username  string       `gorm:"size:100;not null;uniqueIndex" json:"username"`
	Password  string       `gorm:"size:255;not null" json:"-"`
	Name      string       `gorm:"size:100" json:"name"`
	Role      OperatorRole `gorm:"size:20;not null;default:Picker" json:"role"`
	IsActive  *bool        `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

var ErrInvalidCredentials = errors.New("invalid username or password")

// LoginOperator verifies credentials, issues a jwt and registers the session
// token in redis for the session middleware.
func LoginOperator(ctx context.Context, username, password string) (string, *Operator, error) {
	db := config.GetDB()
	if db == nil {
		return "", nil, errors.New("db is nil")
	}
	var op Operator
	if err := db.WithContext(ctx).Where("username = ? AND is_active = 1", username).First(&op).Error; err != nil {
		return "", nil, ErrInvalidCredentials
	}
	if err := utils.ComparePassword(op.Password, password); err != nil {
		return "", nil, ErrInvalidCredentials
	}
	token, err := utils.JwtGenerate(op.ID, string(op.Role))
	if err != nil {
		return "", nil, err
	}
	if err := config.SetRedisValue("Token:"+token, op.Username, 24*time.Hour); err != nil {
		return "", nil, err
	}
	return token, &op, nil
}
