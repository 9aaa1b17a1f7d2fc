// Package notify tells webhook owners about sustained delivery failures.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"
)

type Sender interface {
	Send(ctx context.Context, to string, subject string, body string) error
}

type SESSender struct {
	client    *sesv2.Client
	fromEmail string
}

func NewSESSender(cfg aws.Config, from string) (*SESSender, error) {
	if from == "" {
		return nil, fmt.Errorf("SES_FROM_EMAIL is not set")
	}
	return &SESSender{
		client:    sesv2.NewFromConfig(cfg),
		fromEmail: from,
	}, nil
}

// NewSESSenderFromEnv loads AWS credentials the default way for region.
func NewSESSenderFromEnv(ctx context.Context, region, from string) (*SESSender, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSESSender(cfg, from)
}

func (s *SESSender) Send(ctx context.Context, to, subject, body string) error {
	_, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.fromEmail),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(body)},
				},
			},
		},
	})
	return err
}

// LogSender writes notifications to the log instead of mailing them. Used
// when no sender address is configured.
type LogSender struct {
	Logger *zap.Logger
}

func (l LogSender) Send(_ context.Context, to, subject, _ string) error {
	l.Logger.Info("notification not mailed; no sender configured", zap.String("to", to), zap.String("subject", subject))
	return nil
}

type WebhookFailure struct {
	UserName    string
	WebhookName string
	WebhookURL  string
	WebhookID   string
	Event       string
	StatusCode  int
	Error       string
	Response    string
	Retries     int
	At          time.Time
}

// WebhookFailureEmail renders the subject and plain-text body sent when a
// webhook is abandoned.
func WebhookFailureEmail(frontendDomain string, f WebhookFailure) (string, string) {
	name := f.WebhookName
	if name == "" {
		name = f.WebhookURL
	}
	subject := fmt.Sprintf("Your webhook %s is failing", name)

	var b strings.Builder
	greeting := f.UserName
	if greeting == "" {
		greeting = "there"
	}
	fmt.Fprintf(&b, "Hi %s,\n\n", greeting)
	fmt.Fprintf(&b, "We stopped delivering %q events to your webhook %s (%s) after %d attempts.\n\n", f.Event, name, f.WebhookURL, f.Retries)
	fmt.Fprintf(&b, "Last attempt: %s\n", f.At.UTC().Format(time.RFC1123))
	if f.StatusCode != 0 {
		fmt.Fprintf(&b, "Response status: %d\n", f.StatusCode)
	}
	if f.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", f.Error)
	}
	if f.Response != "" {
		fmt.Fprintf(&b, "Response body: %s\n", truncate(f.Response, 1024))
	}
	fmt.Fprintf(&b, "\nCheck your webhook at https://%s/dashboard/developers/webhooks/%s\n", frontendDomain, f.WebhookID)
	return subject, b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
