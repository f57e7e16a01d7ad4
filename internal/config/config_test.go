package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// clearEnv 清空测试涉及的环境变量，测试结束后自动恢复
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"MAILRELAY_CONFIG_FILE",
		"MAILRELAY_SERVER_PORT",
		"MAILRELAY_MAILBOX_ALLOWED_DOMAINS",
		"MAILRELAY_SMTP_BIND_ADDR",
		"MAILRELAY_SMTP_ALT_BIND_ADDR",
		"MAILRELAY_SMTP_MAX_MESSAGE_BYTES",
		"MAILRELAY_FORWARD_LOOP_PREFIX",
		"MAILRELAY_FORWARD_SEND_TIMEOUT",
		"MAILRELAY_OUTBOUND_TRANSPORT",
		"MAILRELAY_OUTBOUND_TLS_MODE",
		"MAILRELAY_TRANSACTION_MAX_AGE",
		"MAILRELAY_TRANSACTION_DROP_NOT_FOUND",
		"MAILRELAY_TRANSACTION_SWEEP_INTERVAL",
		"MAILRELAY_DATABASE_TYPE",
		"MAILRELAY_DATABASE_DSN",
		"MAILRELAY_SMTP_TLS_CERT_FILE",
		"MAILRELAY_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad(t *testing.T) {
	t.Run("加载默认配置成功", func(t *testing.T) {
		clearEnv(t)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, ":25", cfg.SMTP.BindAddr)
		assert.Empty(t, cfg.SMTP.AltBindAddr)
		assert.Equal(t, int64(10*1024*1024), cfg.SMTP.MaxMessageBytes)
		assert.Equal(t, []string{"xcmailr.test"}, cfg.Mailbox.AllowedDomains)
		assert.Equal(t, "X-Loop", cfg.Forward.LoopHeader)
		assert.Equal(t, "loopbreaker", cfg.Forward.LoopPrefix)
		assert.Equal(t, 30*time.Second, cfg.Forward.SendTimeout)
		assert.Equal(t, "smtp", cfg.Outbound.Transport)
		assert.Equal(t, "none", cfg.Outbound.TLSMode)
		assert.Equal(t, time.Minute, cfg.Transaction.SweepInterval)
		assert.Equal(t, -1, cfg.Transaction.MaxAge)
		assert.True(t, cfg.Transaction.DropNotFound)
		assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.Empty(t, cfg.Database.Type)
		assert.Equal(t, 5*time.Minute, cfg.Redis.MailboxTTL)
		assert.Equal(t, 30*time.Second, cfg.Alert.Interval)
		assert.Equal(t, 50000, cfg.Alert.QueueBacklog)
		assert.Empty(t, cfg.Alert.WebhookURL)
	})

	t.Run("环境变量覆盖默认值", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("MAILRELAY_MAILBOX_ALLOWED_DOMAINS", " XCMailr.test , other.test ,")
		t.Setenv("MAILRELAY_SMTP_ALT_BIND_ADDR", ":2525")
		t.Setenv("MAILRELAY_FORWARD_SEND_TIMEOUT", "5s")
		t.Setenv("MAILRELAY_TRANSACTION_MAX_AGE", "48")
		t.Setenv("MAILRELAY_TRANSACTION_DROP_NOT_FOUND", "false")
		t.Setenv("MAILRELAY_OUTBOUND_TRANSPORT", "SES")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, []string{"xcmailr.test", "other.test"}, cfg.Mailbox.AllowedDomains)
		assert.Equal(t, ":2525", cfg.SMTP.AltBindAddr)
		assert.Equal(t, 5*time.Second, cfg.Forward.SendTimeout)
		assert.Equal(t, 48, cfg.Transaction.MaxAge)
		assert.False(t, cfg.Transaction.DropNotFound)
		assert.Equal(t, "ses", cfg.Outbound.Transport)
	})

	t.Run("从 YAML 文件加载，环境变量优先", func(t *testing.T) {
		clearEnv(t)

		content, err := yaml.Marshal(map[string]any{
			"mailbox": map[string]any{
				"allowed_domains": []string{"yaml.test", "Second.Test"},
			},
			"smtp": map[string]any{
				"bind_addr":         ":2526",
				"max_message_bytes": 2048,
			},
			"forward": map[string]any{
				"loop_prefix": "from-yaml",
			},
			"transaction": map[string]any{
				"max_age":        0,
				"sweep_interval": "30s",
			},
		})
		require.NoError(t, err)

		path := filepath.Join(t.TempDir(), "mailrelay.yaml")
		require.NoError(t, os.WriteFile(path, content, 0o600))
		t.Setenv("MAILRELAY_CONFIG_FILE", path)
		t.Setenv("MAILRELAY_FORWARD_LOOP_PREFIX", "from-env")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, []string{"yaml.test", "second.test"}, cfg.Mailbox.AllowedDomains)
		assert.Equal(t, ":2526", cfg.SMTP.BindAddr)
		assert.Equal(t, int64(2048), cfg.SMTP.MaxMessageBytes)
		assert.Equal(t, "from-env", cfg.Forward.LoopPrefix)
		assert.Equal(t, 0, cfg.Transaction.MaxAge)
		assert.Equal(t, 30*time.Second, cfg.Transaction.SweepInterval)
	})

	t.Run("配置文件不存在时报错", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("MAILRELAY_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

		_, err := Load()
		assert.Error(t, err)
	})
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "无效的时长", env: map[string]string{"MAILRELAY_TRANSACTION_SWEEP_INTERVAL": "soon"}},
		{name: "保留小时数小于 -1", env: map[string]string{"MAILRELAY_TRANSACTION_MAX_AGE": "-2"}},
		{name: "不支持的外发通道", env: map[string]string{"MAILRELAY_OUTBOUND_TRANSPORT": "pigeon"}},
		{name: "不支持的 TLS 模式", env: map[string]string{"MAILRELAY_OUTBOUND_TLS_MODE": "maybe"}},
		{name: "不支持的数据库类型", env: map[string]string{"MAILRELAY_DATABASE_TYPE": "oracle", "MAILRELAY_DATABASE_DSN": "x"}},
		{name: "数据库缺少 DSN", env: map[string]string{"MAILRELAY_DATABASE_TYPE": "postgres"}},
		{name: "证书和私钥必须同时配置", env: map[string]string{"MAILRELAY_SMTP_TLS_CERT_FILE": "/tmp/cert.pem"}},
		{name: "域名列表为空", env: map[string]string{"MAILRELAY_MAILBOX_ALLOWED_DOMAINS": " , "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for key, value := range tt.env {
				t.Setenv(key, value)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, parseList(" a, ,b "))
	assert.Empty(t, parseList(""))
	assert.Equal(t, []string{"x.test"}, parseDomains([]string{"X.Test"}))
}
