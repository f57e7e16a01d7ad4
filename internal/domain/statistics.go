package domain

import (
	"fmt"
	"time"
)

// MailStatistics 按日期、刻钟和域名对聚合的投递统计。
//
// DropCount 累计结果码 100，ForwardCount 累计结果码 300。
type MailStatistics struct {
	ID           uint64    `json:"id" gorm:"primaryKey;autoIncrement"`
	Day          time.Time `json:"day" gorm:"type:date;not null;uniqueIndex:idx_statistics_key"`
	QuarterHour  int       `json:"quarterHour" gorm:"not null;uniqueIndex:idx_statistics_key"`
	FromDomain   string    `json:"fromDomain" gorm:"type:varchar(255);not null;uniqueIndex:idx_statistics_key"`
	TargetDomain string    `json:"targetDomain" gorm:"type:varchar(255);not null;uniqueIndex:idx_statistics_key"`
	DropCount    int64     `json:"dropCount" gorm:"not null"`
	ForwardCount int64     `json:"forwardCount" gorm:"not null"`
}

// TableName 指定统计表名。
func (MailStatistics) TableName() string {
	return "mail_statistics"
}

// Key 返回聚合键。
func (s *MailStatistics) Key() string {
	return fmt.Sprintf("%s|%d|%s|%s", s.Day.Format("2006-01-02"), s.QuarterHour, s.FromDomain, s.TargetDomain)
}

// StatisticsSlot 计算时间所属的统计日期（UTC 零点）和刻钟序号（0-95）。
func StatisticsSlot(t time.Time) (time.Time, int) {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return day, t.Hour()*4 + t.Minute()/15
}
