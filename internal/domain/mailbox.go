package domain

import (
	"errors"
	"time"
)

var (
	// ErrMailboxNotFound 表示虚拟邮箱不存在。
	ErrMailboxNotFound = errors.New("mailbox not found")
)

// Mailbox 表示一个转发用的虚拟邮箱（local@domain）。
//
// 激活状态以 Expired 的反值保存；ValidUntil 为 0 表示永不过期，
// 到期后由定时清扫任务翻转状态，投递路径只看标志位。
type Mailbox struct {
	ID            string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	LocalPart     string    `json:"localPart" gorm:"type:varchar(64);not null;uniqueIndex:idx_mailbox_address"`
	Domain        string    `json:"domain" gorm:"type:varchar(100);not null;uniqueIndex:idx_mailbox_address"`
	UserID        string    `json:"userId" gorm:"type:varchar(36);index"`
	Expired       bool      `json:"expired" gorm:"not null;index"`
	ValidUntil    int64     `json:"validUntil" gorm:"not null"` // 毫秒时间戳
	Forwards      int64     `json:"forwards" gorm:"not null"`
	Suppressions  int64     `json:"suppressions" gorm:"not null"`
	ForwardEmails bool      `json:"forwardEmails" gorm:"not null"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Active 返回邮箱是否处于激活状态。
func (m *Mailbox) Active() bool {
	return !m.Expired
}

// Address 返回完整的虚拟地址。
func (m *Mailbox) Address() string {
	return m.LocalPart + "@" + m.Domain
}

// IsDue 判断邮箱是否已超过有效期但仍处于激活状态。
func (m *Mailbox) IsDue(now time.Time) bool {
	return !m.Expired && m.ValidUntil != 0 && m.ValidUntil < now.UnixMilli()
}
