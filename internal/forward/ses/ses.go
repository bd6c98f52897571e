// Package ses implements a Forwarder that sends a copy of each stored message
// through AWS SES v2.
package ses

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/tmpmail/internal/email"
	"github.com/shineum/tmpmail/internal/parser"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// subjectPrefix marks forwarded copies.
const subjectPrefix = "[tmp-mail] "

// SESForwarderConfig holds the configuration for creating a SESForwarder.
type SESForwarderConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// Sender is the verified SES identity forwarded copies are sent from.
	Sender string

	// To lists the mailboxes that receive forwarded copies.
	To []string
}

// SESForwarder sends forwarded copies via the AWS SES v2 API.
type SESForwarder struct {
	sender     string
	to         []string
	client     SendEmailAPI
	retryDelay time.Duration
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a new SESForwarder with the given configuration.
func New(ctx context.Context, cfg SESForwarderConfig) (*SESForwarder, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, cfg.To, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a SESForwarder with a custom client, used for testing.
func NewWithClient(sender string, to []string, client SendEmailAPI) *SESForwarder {
	return &SESForwarder{
		sender:     sender,
		to:         to,
		client:     client,
		retryDelay: baseRetryDelay,
	}
}

// Forward sends a copy of mail to the configured mailboxes.
func (s *SESForwarder) Forward(ctx context.Context, mail email.Mail) error {
	input := buildInput(s.sender, s.to, mail)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying SES API request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
			if err := sleepWithContext(ctx, s.backoffDelay(attempt)); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		_, err := s.client.SendEmail(ctx, input)
		if err == nil {
			return nil
		}

		lastErr = err
		slog.Warn("SES API error",
			"attempt", attempt,
			"error", err,
		)
	}

	return fmt.Errorf("SES API request failed after %d retries: %w", maxRetries, lastErr)
}

// Name returns the forwarder name.
func (s *SESForwarder) Name() string {
	return "ses"
}

// buildInput creates the SES request for a forwarded copy. The envelope is
// listed above the body; data that does not parse as a message is sent as
// plain text.
func buildInput(sender string, to []string, mail email.Mail) *sesv2.SendEmailInput {
	var text strings.Builder
	fmt.Fprintf(&text, "Envelope-From: %s\n", mail.From)
	fmt.Fprintf(&text, "Envelope-To: %s\n\n", strings.Join(mail.To, ", "))

	subject := "(no subject)"
	body := &types.Body{}

	if summary, err := parser.Summarize(mail.Body()); err == nil {
		if summary.Subject != "" {
			subject = summary.Subject
		}
		text.WriteString(summary.TextBody)
		if summary.HtmlBody != "" {
			body.Html = &types.Content{
				Data:    aws.String(summary.HtmlBody),
				Charset: aws.String("UTF-8"),
			}
		}
	} else {
		text.WriteString(mail.Body())
	}

	body.Text = &types.Content{
		Data:    aws.String(text.String()),
		Charset: aws.String("UTF-8"),
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender),
		Destination: &types.Destination{
			ToAddresses: to,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(subjectPrefix + subject),
					Charset: aws.String("UTF-8"),
				},
				Body: body,
			},
		},
	}
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
func (s *SESForwarder) backoffDelay(attempt int) time.Duration {
	delay := s.retryDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
