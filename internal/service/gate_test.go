package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailrelay/backend/internal/domain"
)

func TestRecipientGate(t *testing.T) {
	queue := NewTransactionQueue(true)
	gate := NewRecipientGate([]string{"xcmailr.test", "Other.Test"}, queue, zap.NewNop())

	t.Run("受管理域名的收件人被接收", func(t *testing.T) {
		assert.True(t, gate.Accept("sender@external.com", "abox@xcmailr.test"))
		assert.True(t, gate.Accept("sender@external.com", "ABOX@XCMAILR.TEST"))
		assert.True(t, gate.Accept("sender@external.com", "<x@other.test>"))
		assert.Empty(t, queue.Drain(0))
	})

	t.Run("其他域名被拒绝并记录 500", func(t *testing.T) {
		assert.False(t, gate.Accept("sender@external.com", "victim@elsewhere.org"))

		batch := queue.Drain(0)
		require.Len(t, batch, 1)
		assert.Equal(t, domain.StatusRelayDenied, batch[0].Status)
		assert.Equal(t, "sender@external.com", batch[0].SourceAddress)
		assert.Equal(t, "victim@elsewhere.org", batch[0].RelayAddress)
	})

	t.Run("格式错误的地址被拒绝", func(t *testing.T) {
		assert.False(t, gate.Accept("sender@external.com", "no-at-sign"))
		assert.False(t, gate.Accept("sender@external.com", "a@b@xcmailr.test"))
		assert.Len(t, queue.Drain(0), 2)
	})

	t.Run("只看 @ 个数，受管理域名下的异常本地部分照常接收", func(t *testing.T) {
		assert.True(t, gate.Accept("a@b.c", "@xcmailr.test"))
		assert.True(t, gate.Accept("a@b.c", strings.Repeat("x", 70)+"@xcmailr.test"))
		assert.Empty(t, queue.Drain(0))
	})

	t.Run("发件人原样记录", func(t *testing.T) {
		assert.False(t, gate.Accept("  weird sender ", "x@elsewhere.org"))
		batch := queue.Drain(0)
		require.Len(t, batch, 1)
		assert.Equal(t, "  weird sender ", batch[0].SourceAddress)
	})

	assert.True(t, gate.Serves("XCMAILR.test"))
	assert.False(t, gate.Serves("elsewhere.org"))
}
