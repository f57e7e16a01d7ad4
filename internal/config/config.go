package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义运维 HTTP 接口（健康检查、指标）的监听配置
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080；为 0 时不启动
}

// SMTPConfig 定义 SMTP 收件服务器的配置
type SMTPConfig struct {
	BindAddr          string        // 主监听地址，默认 ":25"
	AltBindAddr       string        // 可选的第二监听地址
	Domain            string        // HELO/EHLO 响应使用的域名
	MaxMessageBytes   int64         // 单封邮件最大字节数
	MaxRecipients     int           // 单封邮件最大收件人数
	ReadTimeout       time.Duration // 读超时
	WriteTimeout      time.Duration // 写超时
	MaxConnections    int           // 最大并发连接数
	MaxConnectionRate int           // 每秒最多新建连接数
	TLSCertFile       string        // STARTTLS 证书，留空表示不启用
	TLSKeyFile        string        // STARTTLS 私钥
}

// MailboxConfig 定义本系统管理的邮箱域名
type MailboxConfig struct {
	AllowedDomains []string // 允许收信的域名列表（小写）
}

// ForwardConfig 定义转发行为
type ForwardConfig struct {
	LoopHeader     string        // 环路标记头名称
	LoopPrefix     string        // 环路标记头取值前缀
	RewriteMessage bool          // 是否把正文改写为引用格式
	Workers        int           // 外发协程数
	QueueSize      int           // 外发任务队列长度
	SendTimeout    time.Duration // 单次外发超时
	ShutdownGrace  time.Duration // 关闭时等待在途外发的时间
}

// OutboundConfig 定义外发通道
type OutboundConfig struct {
	Transport          string // smtp、ses 或 stdout
	Host               string
	Port               int
	Username           string
	Password           string
	TLSMode            string // none、starttls 或 tls
	InsecureSkipVerify bool
	HeloName           string
	Timeout            time.Duration

	SESRegion           string
	SESAccessKeyID      string
	SESSecretAccessKey  string
	SESConfigurationSet string
}

// TransactionConfig 定义事务记录、清扫和保留期
type TransactionConfig struct {
	SweepInterval     time.Duration // 清扫周期
	BatchSize         int           // 每批写入的最大记录数
	DropNotFound      bool          // 是否丢弃结果码 100 的记录
	MaxAge            int           // 保留小时数：-1 永久保留，0 不记录，正数为保留期
	DeleteChunkSize   int           // 保留期清理每轮删除行数
	DeleteMaxRounds   int           // 保留期清理最大轮数
	StatisticsMaxDays int           // 统计数据保留天数，0 表示不清理
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件，留空只输出到控制台
	MaxSize     int    // 单个日志文件大小 (MB)
	MaxBackups  int
	MaxAge      int // 天
	Compress    bool
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type            string // "mysql"、"postgres"，留空使用内存存储
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig 定义邮箱查询缓存
type RedisConfig struct {
	Address    string        // 留空表示不启用缓存
	Password   string
	DB         int
	MailboxTTL time.Duration // 邮箱缓存有效期
}

// AlertConfig 定义运行期告警规则
type AlertConfig struct {
	Interval       time.Duration // 规则检查周期，0 表示不启用
	QueueBacklog   int           // 事务队列积压阈值
	ForwardBacklog int           // 外发工作池积压阈值
	MemoryLimitMB  float64
	WebhookURL     string // 留空只写日志
	WebhookTimeout time.Duration
}

// Config 是系统配置的根结构体
type Config struct {
	Server      ServerConfig
	SMTP        SMTPConfig
	Mailbox     MailboxConfig
	Forward     ForwardConfig
	Outbound    OutboundConfig
	Transaction TransactionConfig
	CORS        CORSConfig
	Log         LogConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Alert       AlertConfig
}

// Load 从环境变量、可选的 YAML 文件和 .env 文件加载配置
//
// 优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件
//  3. MAILRELAY_CONFIG_FILE 指定的 YAML 文件
//  4. 默认值
//
// 环境变量前缀: MAILRELAY_，例如 MAILRELAY_SMTP_BIND_ADDR
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("mailrelay")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path := os.Getenv("MAILRELAY_CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	domainList := parseDomains(stringList(v, "mailbox.allowed_domains"))
	if len(domainList) == 0 {
		return nil, fmt.Errorf("mailbox.allowed_domains must not be empty")
	}

	corsOrigins := stringList(v, "cors.allowed_origins")
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	durations := map[string]*time.Duration{}
	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("server.host"),
			Port: v.GetInt("server.port"),
		},
		SMTP: SMTPConfig{
			BindAddr:          v.GetString("smtp.bind_addr"),
			AltBindAddr:       v.GetString("smtp.alt_bind_addr"),
			Domain:            v.GetString("smtp.domain"),
			MaxMessageBytes:   v.GetInt64("smtp.max_message_bytes"),
			MaxRecipients:     v.GetInt("smtp.max_recipients"),
			MaxConnections:    v.GetInt("smtp.max_connections"),
			MaxConnectionRate: v.GetInt("smtp.max_connection_rate"),
			TLSCertFile:       v.GetString("smtp.tls_cert_file"),
			TLSKeyFile:        v.GetString("smtp.tls_key_file"),
		},
		Mailbox: MailboxConfig{
			AllowedDomains: domainList,
		},
		Forward: ForwardConfig{
			LoopHeader:     v.GetString("forward.loop_header"),
			LoopPrefix:     v.GetString("forward.loop_prefix"),
			RewriteMessage: v.GetBool("forward.rewrite_message"),
			Workers:        v.GetInt("forward.workers"),
			QueueSize:      v.GetInt("forward.queue_size"),
		},
		Outbound: OutboundConfig{
			Transport:           strings.ToLower(v.GetString("outbound.transport")),
			Host:                v.GetString("outbound.host"),
			Port:                v.GetInt("outbound.port"),
			Username:            v.GetString("outbound.username"),
			Password:            v.GetString("outbound.password"),
			TLSMode:             strings.ToLower(v.GetString("outbound.tls_mode")),
			InsecureSkipVerify:  v.GetBool("outbound.insecure_skip_verify"),
			HeloName:            v.GetString("outbound.helo_name"),
			SESRegion:           v.GetString("outbound.ses_region"),
			SESAccessKeyID:      v.GetString("outbound.ses_access_key_id"),
			SESSecretAccessKey:  v.GetString("outbound.ses_secret_access_key"),
			SESConfigurationSet: v.GetString("outbound.ses_configuration_set"),
		},
		Transaction: TransactionConfig{
			BatchSize:         v.GetInt("transaction.batch_size"),
			DropNotFound:      v.GetBool("transaction.drop_not_found"),
			MaxAge:            v.GetInt("transaction.max_age"),
			DeleteChunkSize:   v.GetInt("transaction.delete_chunk_size"),
			DeleteMaxRounds:   v.GetInt("transaction.delete_max_rounds"),
			StatisticsMaxDays: v.GetInt("transaction.statistics_max_days"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
			MaxSize:     v.GetInt("log.max_size"),
			MaxBackups:  v.GetInt("log.max_backups"),
			MaxAge:      v.GetInt("log.max_age"),
			Compress:    v.GetBool("log.compress"),
		},
		Database: DatabaseConfig{
			Type:         strings.ToLower(v.GetString("database.type")),
			DSN:          v.GetString("database.dsn"),
			MaxOpenConns: v.GetInt("database.max_open_conns"),
			MaxIdleConns: v.GetInt("database.max_idle_conns"),
		},
		Redis: RedisConfig{
			Address:  v.GetString("redis.address"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Alert: AlertConfig{
			QueueBacklog:   v.GetInt("alert.queue_backlog"),
			ForwardBacklog: v.GetInt("alert.forward_backlog"),
			MemoryLimitMB:  v.GetFloat64("alert.memory_limit_mb"),
			WebhookURL:     v.GetString("alert.webhook_url"),
		},
	}

	durations["smtp.read_timeout"] = &cfg.SMTP.ReadTimeout
	durations["smtp.write_timeout"] = &cfg.SMTP.WriteTimeout
	durations["forward.send_timeout"] = &cfg.Forward.SendTimeout
	durations["forward.shutdown_grace"] = &cfg.Forward.ShutdownGrace
	durations["outbound.timeout"] = &cfg.Outbound.Timeout
	durations["transaction.sweep_interval"] = &cfg.Transaction.SweepInterval
	durations["database.conn_max_lifetime"] = &cfg.Database.ConnMaxLifetime
	durations["redis.mailbox_ttl"] = &cfg.Redis.MailboxTTL
	durations["alert.interval"] = &cfg.Alert.Interval
	durations["alert.webhook_timeout"] = &cfg.Alert.WebhookTimeout
	for key, target := range durations {
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		*target = d
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("smtp.bind_addr", ":25")
	v.SetDefault("smtp.alt_bind_addr", "")
	v.SetDefault("smtp.domain", "xcmailr.test")
	v.SetDefault("smtp.max_message_bytes", 10*1024*1024)
	v.SetDefault("smtp.max_recipients", 50)
	v.SetDefault("smtp.read_timeout", "60s")
	v.SetDefault("smtp.write_timeout", "60s")
	v.SetDefault("smtp.max_connections", 200)
	v.SetDefault("smtp.max_connection_rate", 50)
	v.SetDefault("smtp.tls_cert_file", "")
	v.SetDefault("smtp.tls_key_file", "")
	v.SetDefault("mailbox.allowed_domains", "xcmailr.test")
	v.SetDefault("forward.loop_header", "X-Loop")
	v.SetDefault("forward.loop_prefix", "loopbreaker")
	v.SetDefault("forward.rewrite_message", false)
	v.SetDefault("forward.workers", 10)
	v.SetDefault("forward.queue_size", 1000)
	v.SetDefault("forward.send_timeout", "30s")
	v.SetDefault("forward.shutdown_grace", "10s")
	v.SetDefault("outbound.transport", "smtp")
	v.SetDefault("outbound.host", "localhost")
	v.SetDefault("outbound.port", 25)
	v.SetDefault("outbound.username", "")
	v.SetDefault("outbound.password", "")
	v.SetDefault("outbound.tls_mode", "none")
	v.SetDefault("outbound.insecure_skip_verify", false)
	v.SetDefault("outbound.helo_name", "localhost")
	v.SetDefault("outbound.timeout", "30s")
	v.SetDefault("outbound.ses_region", "us-east-1")
	v.SetDefault("outbound.ses_access_key_id", "")
	v.SetDefault("outbound.ses_secret_access_key", "")
	v.SetDefault("outbound.ses_configuration_set", "")
	v.SetDefault("transaction.sweep_interval", "1m")
	v.SetDefault("transaction.batch_size", 500)
	v.SetDefault("transaction.drop_not_found", true)
	v.SetDefault("transaction.max_age", -1)
	v.SetDefault("transaction.delete_chunk_size", 1000)
	v.SetDefault("transaction.delete_max_rounds", 100)
	v.SetDefault("transaction.statistics_max_days", 30)
	v.SetDefault("cors.allowed_origins", "*")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)
	v.SetDefault("database.type", "") // 默认为空，使用内存存储
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.mailbox_ttl", "5m")
	v.SetDefault("alert.interval", "30s")
	v.SetDefault("alert.queue_backlog", 50000)
	v.SetDefault("alert.forward_backlog", 800)
	v.SetDefault("alert.memory_limit_mb", 1024)
	v.SetDefault("alert.webhook_url", "")
	v.SetDefault("alert.webhook_timeout", "10s")
}

// validate 检查取值范围
func (c *Config) validate() error {
	if c.Transaction.SweepInterval <= 0 {
		return fmt.Errorf("transaction.sweep_interval must be positive")
	}
	if c.Transaction.BatchSize <= 0 {
		return fmt.Errorf("transaction.batch_size must be positive")
	}
	if c.Transaction.MaxAge < -1 {
		return fmt.Errorf("transaction.max_age must be -1, 0 or a positive number of hours")
	}
	if c.Forward.Workers <= 0 || c.Forward.QueueSize <= 0 {
		return fmt.Errorf("forward.workers and forward.queue_size must be positive")
	}
	if c.Forward.LoopHeader == "" {
		return fmt.Errorf("forward.loop_header must not be empty")
	}

	switch c.Outbound.Transport {
	case "smtp", "ses", "stdout":
	default:
		return fmt.Errorf("unsupported outbound.transport: %s (supported: smtp, ses, stdout)", c.Outbound.Transport)
	}
	switch c.Outbound.TLSMode {
	case "none", "starttls", "tls":
	default:
		return fmt.Errorf("unsupported outbound.tls_mode: %s (supported: none, starttls, tls)", c.Outbound.TLSMode)
	}

	switch c.Database.Type {
	case "", "mysql", "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported database.type: %s (supported: mysql, postgres)", c.Database.Type)
	}
	if c.Database.Type != "" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required when database.type is set")
	}

	if (c.SMTP.TLSCertFile == "") != (c.SMTP.TLSKeyFile == "") {
		return fmt.Errorf("smtp.tls_cert_file and smtp.tls_key_file must be set together")
	}
	return nil
}

// stringList 读取列表配置，兼容逗号分隔的字符串（环境变量）和 YAML 列表
func stringList(v *viper.Viper, key string) []string {
	switch raw := v.Get(key).(type) {
	case string:
		return parseList(raw)
	case []string:
		return parseList(strings.Join(raw, ","))
	case []interface{}:
		items := make([]string, 0, len(raw))
		for _, item := range raw {
			items = append(items, fmt.Sprint(item))
		}
		return parseList(strings.Join(items, ","))
	default:
		return nil
	}
}

// parseDomains 将域名列表转为小写
func parseDomains(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		out = append(out, strings.ToLower(value))
	}
	return out
}

// parseList 将逗号分隔的字符串解析为字符串切片，已去除空白字符
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 先找当前目录，再找父目录；文件不存在时静默跳过，已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
