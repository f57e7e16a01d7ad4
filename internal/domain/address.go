package domain

import (
	"errors"
	"strings"
)

var (
	// ErrMalformedAddress 表示地址不是恰好包含一个 @ 的 local@domain 形式。
	ErrMalformedAddress = errors.New("malformed address")
)

// Address 拆分后的邮件地址，两部分均为小写。
type Address struct {
	Local  string
	Domain string
}

// String 返回 local@domain 形式。
func (a Address) String() string {
	return a.Local + "@" + a.Domain
}

// ParseAddress 拆分邮件地址。
//
// 去掉首尾空白和尖括号后必须恰好包含一个 @。空的本地部分或域名不算格式错误，
// 由后续的域名和邮箱查找处理。
func ParseAddress(raw string) (Address, error) {
	parts := strings.Split(NormalizeAddress(raw), "@")
	if len(parts) != 2 {
		return Address{}, ErrMalformedAddress
	}
	return Address{Local: parts[0], Domain: parts[1]}, nil
}

// NormalizeAddress 去掉空白和尖括号并转为小写。
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(strings.TrimSpace(addr))
}

// DomainOf 返回地址的域名部分，格式错误时返回空字符串。
func DomainOf(raw string) string {
	a, err := ParseAddress(raw)
	if err != nil {
		return ""
	}
	return a.Domain
}
