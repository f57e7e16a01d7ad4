package domain

import (
	"errors"
	"time"
)

var (
	// ErrUserNotFound 表示邮箱所属账户不存在。
	ErrUserNotFound = errors.New("user not found")
)

// User 表示拥有虚拟邮箱的账户。
//
// 账户由 Web 层维护，转发核心只读取真实地址和启用状态。
type User struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Email     string    `json:"email" gorm:"uniqueIndex;type:varchar(255);not null"`
	Active    bool      `json:"active" gorm:"not null"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
