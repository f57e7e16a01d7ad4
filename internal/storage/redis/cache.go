package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"mailrelay/backend/internal/domain"
)

const keyPrefix = "mailrelay:"

// MailboxCache 按地址缓存邮箱记录
//
// 缓存只加速投递路径上的地址查找，计数器和激活状态变化后由调用方失效。
type MailboxCache struct {
	client *Client
	ttl    time.Duration
}

// NewMailboxCache 创建邮箱缓存
func NewMailboxCache(client *Client, ttl time.Duration) *MailboxCache {
	return &MailboxCache{client: client, ttl: ttl}
}

// MailboxKey 返回邮箱缓存键
func MailboxKey(local, domainName string) string {
	return fmt.Sprintf("%smailbox:%s@%s", keyPrefix, local, domainName)
}

// Get 读取缓存的邮箱，未命中时返回 nil, false
func (c *MailboxCache) Get(ctx context.Context, local, domainName string) (*domain.Mailbox, bool, error) {
	data, err := c.client.rdb.Get(ctx, MailboxKey(local, domainName)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}

	mailbox, err := decodeMailbox(data)
	if err != nil {
		// 无法解析的条目直接丢弃
		_ = c.client.rdb.Del(ctx, MailboxKey(local, domainName)).Err()
		return nil, false, nil
	}
	return mailbox, true, nil
}

// Set 写入邮箱缓存
func (c *MailboxCache) Set(ctx context.Context, mailbox *domain.Mailbox) error {
	data, err := json.Marshal(mailbox)
	if err != nil {
		return err
	}
	return c.client.rdb.Set(ctx, MailboxKey(mailbox.LocalPart, mailbox.Domain), data, c.ttl).Err()
}

// Invalidate 删除邮箱缓存
func (c *MailboxCache) Invalidate(ctx context.Context, local, domainName string) error {
	return c.client.rdb.Del(ctx, MailboxKey(local, domainName)).Err()
}

func decodeMailbox(data []byte) (*domain.Mailbox, error) {
	var mailbox domain.Mailbox
	if err := json.Unmarshal(data, &mailbox); err != nil {
		return nil, err
	}
	if mailbox.ID == "" {
		return nil, errors.New("cached mailbox without id")
	}
	return &mailbox, nil
}
