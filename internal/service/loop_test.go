package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailrelay/backend/internal/mailmsg"
)

var testMarker = LoopMarker{Header: "X-Loop", Prefix: "loopbreaker"}

func parseMessage(t *testing.T, headers ...string) *mailmsg.Message {
	t.Helper()
	raw := strings.Join(headers, "\r\n") + "\r\n\r\nbody\r\n"
	msg, err := mailmsg.Parse(strings.NewReader(raw))
	require.NoError(t, err)
	return msg
}

func TestCheckForLoop(t *testing.T) {
	const rcpt = "abox@xcmailr.test"

	tests := []struct {
		name    string
		headers []string
		loop    bool
	}{
		{
			name:    "普通邮件不是环路",
			headers: []string{"From: a@external.com", "Message-ID: <1@external.com>"},
			loop:    false,
		},
		{
			name:    "Return-Path 为空尖括号",
			headers: []string{"Return-Path: <>", "From: a@external.com"},
			loop:    true,
		},
		{
			name:    "Return-Path 为带空格的尖括号",
			headers: []string{"Return-Path: < >", "From: a@external.com"},
			loop:    true,
		},
		{
			name:    "Return-Path 有地址时不是环路",
			headers: []string{"Return-Path: <bounce@external.com>", "From: a@external.com"},
			loop:    false,
		},
		{
			name:    "环路标记与收件人相同",
			headers: []string{"X-Loop: loopbreakerabox@xcmailr.test", "From: a@external.com"},
			loop:    true,
		},
		{
			name:    "环路标记大小写不同也命中",
			headers: []string{"X-Loop:  LoopBreakerABox@XCMailr.test ", "From: a@external.com"},
			loop:    true,
		},
		{
			name:    "多个环路标记中任意一个命中",
			headers: []string{"X-Loop: something-else", "X-Loop: loopbreakerabox@xcmailr.test", "From: a@external.com"},
			loop:    true,
		},
		{
			name:    "其他收件人的环路标记不命中",
			headers: []string{"X-Loop: loopbreakerother@xcmailr.test", "From: a@external.com"},
			loop:    false,
		},
		{
			name:    "References 含同域 Message-ID",
			headers: []string{"Message-ID: <2@mail.external.com>", "References: <0@other.org> <1@mail.external.com>"},
			loop:    true,
		},
		{
			name:    "In-Reply-To 含同域 Message-ID",
			headers: []string{"Message-ID: <2@mail.external.com>", "In-Reply-To: <1@MAIL.external.com>"},
			loop:    true,
		},
		{
			name:    "References 只含其他域",
			headers: []string{"Message-ID: <2@mail.external.com>", "References: <1@other.org>"},
			loop:    false,
		},
		{
			name:    "没有 Message-ID 时跳过引用检查",
			headers: []string{"From: a@external.com", "References: <1@mail.external.com>"},
			loop:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, loop := CheckForLoop(parseMessage(t, tt.headers...), rcpt, testMarker)
			assert.Equal(t, tt.loop, loop)
			if tt.loop {
				assert.NotEmpty(t, reason)
			} else {
				assert.Empty(t, reason)
			}
		})
	}
}

func TestCheckForLoopOrder(t *testing.T) {
	msg := parseMessage(t,
		"Return-Path: <>",
		"X-Loop: loopbreakerabox@xcmailr.test",
	)
	reason, loop := CheckForLoop(msg, "abox@xcmailr.test", testMarker)
	assert.True(t, loop)
	assert.Equal(t, "Return-Path is empty", reason)
}
