package outbound

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// SESSenderConfig AWS SES 外发配置
type SESSenderConfig struct {
	Region           string
	AccessKeyID      string // 为空时使用默认凭证链
	SecretAccessKey  string
	ConfigurationSet string
}

// SendEmailAPI SES v2 SendEmail 接口，测试中可替换
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender 通过 AWS SES v2 投递原始邮件
type SESSender struct {
	client           SendEmailAPI
	configurationSet string
}

// NewSESSender 加载 AWS 配置并创建 SES 外发通道
func NewSESSender(ctx context.Context, cfg SESSenderConfig) (*SESSender, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewSESSenderWithClient(sesv2.NewFromConfig(awsCfg), cfg.ConfigurationSet), nil
}

// NewSESSenderWithClient 使用给定客户端创建 SES 外发通道
func NewSESSenderWithClient(client SendEmailAPI, configurationSet string) *SESSender {
	return &SESSender{client: client, configurationSet: configurationSet}
}

// Name 实现 Sender
func (s *SESSender) Name() string {
	return "ses"
}

// Send 以原始 MIME 形式提交邮件，头部已在转发时改写
func (s *SESSender) Send(ctx context.Context, env Envelope, msg []byte) error {
	if len(env.To) == 0 {
		return fmt.Errorf("ses send: no recipients")
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(env.From),
		Destination: &types.Destination{
			ToAddresses: env.To,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: msg},
		},
	}
	if s.configurationSet != "" {
		input.ConfigurationSetName = aws.String(s.configurationSet)
	}

	if _, err := s.client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("ses send email: %w", err)
	}
	return nil
}
