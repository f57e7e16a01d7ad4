package domain

import (
	"fmt"
	"time"
)

// StatusCode 邮件事务的结果码，数值是对外约定，不能修改。
type StatusCode int

const (
	StatusMalformedAddress StatusCode = 0   // 收件地址格式错误
	StatusMailboxNotFound  StatusCode = 100 // 邮箱不存在
	StatusMailboxInactive  StatusCode = 200 // 邮箱未激活
	StatusForwarded        StatusCode = 300 // 转发成功
	StatusForwardFailed    StatusCode = 400 // 转发失败
	StatusRelayDenied      StatusCode = 500 // 域名不受本系统管理
	StatusAccountDisabled  StatusCode = 600 // 所属账户已停用
	StatusLoopSuppressed   StatusCode = 700 // 检测到转发环路
)

// String 返回结果码的可读名称。
func (s StatusCode) String() string {
	switch s {
	case StatusMalformedAddress:
		return "malformed_address"
	case StatusMailboxNotFound:
		return "mailbox_not_found"
	case StatusMailboxInactive:
		return "mailbox_inactive"
	case StatusForwarded:
		return "forwarded"
	case StatusForwardFailed:
		return "forward_failed"
	case StatusRelayDenied:
		return "relay_denied"
	case StatusAccountDisabled:
		return "account_disabled"
	case StatusLoopSuppressed:
		return "loop_suppressed"
	default:
		return fmt.Sprintf("status_%d", int(s))
	}
}

// MailTransaction 记录一次接收或转发决定，创建后不再修改。
//
// 事务只按地址字符串关联邮箱，邮箱删除后审计记录仍然保留。
type MailTransaction struct {
	ID            uint64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Timestamp     int64      `json:"ts" gorm:"column:ts;not null;index"` // 毫秒时间戳
	Status        StatusCode `json:"status" gorm:"not null;index"`
	SourceAddress string     `json:"sourceAddress" gorm:"type:varchar(255)"`
	RelayAddress  string     `json:"relayAddress" gorm:"type:varchar(255)"`
	TargetAddress string     `json:"targetAddress" gorm:"type:varchar(255)"`
}

// NewMailTransaction 以当前时间创建事务记录。
func NewMailTransaction(status StatusCode, source, relay, target string) MailTransaction {
	return MailTransaction{
		Timestamp:     time.Now().UnixMilli(),
		Status:        status,
		SourceAddress: source,
		RelayAddress:  relay,
		TargetAddress: target,
	}
}

// Time 返回事务时间。
func (t MailTransaction) Time() time.Time {
	return time.UnixMilli(t.Timestamp)
}

// StatusCount 按结果码汇总的事务数量。
type StatusCount struct {
	Status StatusCode `json:"status"`
	Name   string     `json:"name"`
	Count  int64      `json:"count"`
}
