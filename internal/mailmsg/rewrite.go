package mailmsg

import (
	"fmt"
)

// 转发改写使用的头部字段
const (
	HeaderForwardedFrom = "X-Forwarded-From"
	HeaderAutoSubmitted = "Auto-Submitted"
	AutoForwarded       = "auto-forwarded"
)

// Forward 描述一次转发改写。
type Forward struct {
	Sender         string // 信封发件人
	VirtualAddress string // 收件的虚拟地址
	Target         string // 真实转发地址
	LoopHeader     string // 环路标记头名称
	LoopValue      string // 环路标记头取值
	Quote          bool   // 是否把正文改写为引用格式
}

// ApplyForward 按转发规则改写邮件头部。
//
// To 改为真实地址，删除 Cc/Bcc 避免泄露其他收件人；From/Sender 改为
// 虚拟地址，原发件人保存在 Reply-To 和 X-Forwarded-From 中；最后写入
// 环路标记头和 Auto-Submitted。
func (m *Message) ApplyForward(f Forward) error {
	if f.Target == "" {
		return fmt.Errorf("forward target is empty")
	}

	originalFrom := m.Get("From")
	if originalFrom == "" {
		originalFrom = f.Sender
	}

	if f.Quote {
		if err := m.quoteBody(originalFrom, f.VirtualAddress); err != nil {
			return fmt.Errorf("quote body: %w", err)
		}
	}

	m.Header.Set("To", f.Target)
	m.Header.Del("Cc")
	m.Header.Del("Bcc")

	if f.VirtualAddress != "" {
		m.Header.Set("From", f.VirtualAddress)
		m.Header.Set("Sender", f.VirtualAddress)
	}
	if originalFrom != "" {
		m.Header.Set("Reply-To", originalFrom)
	}
	m.Header.Set(HeaderForwardedFrom, f.Sender)

	if f.LoopHeader != "" {
		m.Header.Add(f.LoopHeader, f.LoopValue)
	}
	m.Header.Set(HeaderAutoSubmitted, AutoForwarded)

	return nil
}
