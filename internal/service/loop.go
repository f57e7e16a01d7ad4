package service

import (
	"strings"

	"mailrelay/backend/internal/mailmsg"
)

// LoopMarker 转发时写入的环路标记头
type LoopMarker struct {
	Header string // 头部名称，例如 X-Loop
	Prefix string // 取值前缀，完整取值为 Prefix + 收件地址
}

// Value 返回某个收件地址对应的标记取值
func (m LoopMarker) Value(recipient string) string {
	return m.Prefix + recipient
}

// CheckForLoop 判断邮件是否可能形成转发环路，命中时返回原因。
//
// 按顺序检查：空的 Return-Path（退信）、本系统为该收件人写入的环路标记、
// References 和 In-Reply-To 中与自身 Message-ID 同域的引用。属于启发式判断，
// 回复链中的正常邮件也可能被判定为环路。
func CheckForLoop(msg *mailmsg.Message, recipient string, marker LoopMarker) (string, bool) {
	if values := msg.Values("Return-Path"); len(values) > 0 && isEmptyPath(values[0]) {
		return "Return-Path is empty", true
	}

	if marker.Header != "" {
		want := marker.Value(recipient)
		for _, value := range msg.Values(marker.Header) {
			if strings.EqualFold(strings.TrimSpace(value), want) {
				return marker.Header + " header matches recipient", true
			}
		}
	}

	ownDomain := messageIDDomain(msg.Get("Message-ID"))
	if ownDomain == "" {
		return "", false
	}

	if referencesDomain(msg.Values("References"), ownDomain) {
		return "References contains own Message-ID domain", true
	}
	if referencesDomain(msg.Values("In-Reply-To"), ownDomain) {
		return "In-Reply-To contains own Message-ID domain", true
	}

	return "", false
}

func isEmptyPath(value string) bool {
	switch strings.TrimSpace(value) {
	case "", "<>", "< >":
		return true
	}
	return false
}

// messageIDDomain 取 Message-ID 中 @ 之后的部分，去掉尖括号，小写
func messageIDDomain(id string) string {
	id = strings.Trim(strings.TrimSpace(id), "<>")
	at := strings.LastIndex(id, "@")
	if at < 0 || at == len(id)-1 {
		return ""
	}
	return strings.ToLower(id[at+1:])
}

func referencesDomain(values []string, domainName string) bool {
	for _, value := range values {
		for _, token := range strings.Fields(value) {
			if messageIDDomain(token) == domainName {
				return true
			}
		}
	}
	return false
}
