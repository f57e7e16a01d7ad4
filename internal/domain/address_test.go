package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantLocal  string
		wantDomain string
		wantErr    bool
	}{
		{"普通地址", "abox@xcmailr.test", "abox", "xcmailr.test", false},
		{"大写转小写", "ABox@XCMailr.Test", "abox", "xcmailr.test", false},
		{"带尖括号和空白", "  <abox@xcmailr.test> ", "abox", "xcmailr.test", false},
		{"缺少@", "abox.xcmailr.test", "", "", true},
		{"多个@", "a@b@xcmailr.test", "", "", true},
		{"本地部分为空", "@xcmailr.test", "", "xcmailr.test", false},
		{"域名为空", "abox@", "abox", "", false},
		{"空字符串", "", "", "", true},
		{"本地部分超过 64 字符", strings.Repeat("a", 70) + "@xcmailr.test", strings.Repeat("a", 70), "xcmailr.test", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := ParseAddress(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedAddress)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLocal, addr.Local)
			assert.Equal(t, tt.wantDomain, addr.Domain)
			assert.Equal(t, tt.wantLocal+"@"+tt.wantDomain, addr.String())
		})
	}
}

func TestDomainOf(t *testing.T) {
	assert.Equal(t, "example.com", DomainOf("Sender@Example.com"))
	assert.Equal(t, "", DomainOf("broken"))
}

func TestMailboxIsDue(t *testing.T) {
	now := time.Now()

	t.Run("无限期邮箱不会到期", func(t *testing.T) {
		mb := &Mailbox{ValidUntil: 0}
		assert.False(t, mb.IsDue(now))
	})

	t.Run("过期时间已过且仍激活", func(t *testing.T) {
		mb := &Mailbox{ValidUntil: now.Add(-time.Minute).UnixMilli()}
		assert.True(t, mb.IsDue(now))
		assert.True(t, mb.Active())
	})

	t.Run("已停用的邮箱不再处理", func(t *testing.T) {
		mb := &Mailbox{Expired: true, ValidUntil: now.Add(-time.Minute).UnixMilli()}
		assert.False(t, mb.IsDue(now))
	})
}

func TestStatisticsSlot(t *testing.T) {
	ts := time.Date(2024, 3, 5, 13, 47, 10, 0, time.UTC)
	day, quarter := StatisticsSlot(ts)
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), day)
	assert.Equal(t, 13*4+3, quarter)
}
