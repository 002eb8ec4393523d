// Package sms provides SMS delivery through Amazon SNS.
package sms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/smithy-go"
	"github.com/bissquit/queueline/internal/domain"
	"github.com/bissquit/queueline/internal/notifications"
	"golang.org/x/time/rate"
)

const (
	defaultRateLimit = 10

	attrSenderID = "AWS.SNS.SMS.SenderID"
	attrSMSType  = "AWS.SNS.SMS.SMSType"
)

// SNS error codes that are worth another attempt.
var retryableCodes = map[string]bool{
	"Throttling":             true,
	"ThrottledException":     true,
	"InternalError":          true,
	"InternalFailure":        true,
	"ServiceUnavailable":     true,
	"KMSThrottlingException": true,
}

// Publisher is the subset of the SNS client used by Sender.
type Publisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Config holds SMS sender configuration.
type Config struct {
	Enabled         bool
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string // optional, for SNS-compatible endpoints
	SenderID        string
	RateLimit       float64 // messages per second
}

// Sender implements the SMS channel.
type Sender struct {
	config  Config
	client  Publisher
	limiter *rate.Limiter
}

// NewSender creates an SMS sender backed by an SNS client built from config.
func NewSender(ctx context.Context, cfg Config) (*Sender, error) {
	if cfg.Enabled && cfg.Region == "" {
		return nil, errors.New("sms sender: region is required when enabled")
	}

	awsOptions := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsOptions = append(awsOptions,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				"",
			)),
		)
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, awsOptions...)
	if err != nil {
		return nil, fmt.Errorf("sms sender: load aws config: %w", err)
	}

	client := sns.NewFromConfig(awsConfig, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	slog.Info("sms sender configured",
		"enabled", cfg.Enabled,
		"region", cfg.Region,
		"custom_endpoint", cfg.Endpoint != "",
	)

	return NewSenderWithClient(cfg, client), nil
}

// NewSenderWithClient creates an SMS sender on top of an existing client.
func NewSenderWithClient(cfg Config, client Publisher) *Sender {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	return &Sender{
		config:  cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
	}
}

// Type returns the channel type.
func (s *Sender) Type() domain.ChannelType {
	return domain.ChannelTypeSMS
}

// Send publishes a text message. notification.To is an E.164 phone number.
func (s *Sender) Send(ctx context.Context, notification notifications.Notification) error {
	if !s.config.Enabled {
		slog.Warn("sms sender disabled, skipping send")
		return nil
	}

	if notification.To == "" {
		return notifications.NewNonRetryableError(errors.New("sms: phone number is empty"))
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return notifications.NewRetryableError(fmt.Errorf("sms: rate limiter: %w", err))
	}

	attrs := map[string]types.MessageAttributeValue{
		attrSMSType: {
			DataType:    aws.String("String"),
			StringValue: aws.String("Transactional"),
		},
	}
	if s.config.SenderID != "" {
		attrs[attrSenderID] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(s.config.SenderID),
		}
	}

	out, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(notification.To),
		Message:           aws.String(notification.Body),
		MessageAttributes: attrs,
	})
	if err != nil {
		return classify(err)
	}

	slog.Debug("sms sent", "message_id", aws.ToString(out.MessageId))
	return nil
}

// classify marks SNS errors as retryable or permanent. Errors that did not
// come from the API, such as network failures, are retried.
func classify(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return notifications.NewRetryableError(fmt.Errorf("sms: publish: %w", err))
	}

	if apiErr.ErrorFault() == smithy.FaultServer || retryableCodes[apiErr.ErrorCode()] {
		return notifications.NewRetryableError(fmt.Errorf("sms: publish: %w", err))
	}
	return notifications.NewNonRetryableError(fmt.Errorf("sms: publish: %w", err))
}
