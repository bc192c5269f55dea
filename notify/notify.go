// Package notify sends operator notifications.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	hub "github.com/goliatone/go-hub"
)

// Notifier delivers admin emails.
type Notifier interface {
	SendEmailToAdmins(ctx context.Context, subject, body string) error
}

// Noop drops notifications.
type Noop struct{}

func (Noop) SendEmailToAdmins(context.Context, string, string) error { return nil }

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	logger hub.Logger
}

// NewLogNotifier builds a notifier that logs at warn level.
func NewLogNotifier(logger hub.Logger) *LogNotifier {
	return &LogNotifier{logger: hub.NormalizeLogger(logger)}
}

func (n *LogNotifier) SendEmailToAdmins(ctx context.Context, subject, body string) error {
	n.logger.WithContext(ctx).Warn("admin notification: %s\n%s", subject, body)
	return nil
}

// sesAPI is the subset of the SES client the notifier uses.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESNotifier sends admin emails through Amazon SES.
type SESNotifier struct {
	client    sesAPI
	fromEmail string
	admins    []string
}

// NewSESNotifier builds a notifier from an AWS config.
func NewSESNotifier(cfg aws.Config, from string, admins []string) (*SESNotifier, error) {
	return newSESNotifier(sesv2.NewFromConfig(cfg), from, admins)
}

// LoadSESNotifier resolves AWS credentials from the environment for region.
func LoadSESNotifier(ctx context.Context, region, from string, admins []string) (*SESNotifier, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSESNotifier(cfg, from, admins)
}

func newSESNotifier(client sesAPI, from string, admins []string) (*SESNotifier, error) {
	if strings.TrimSpace(from) == "" {
		return nil, hub.NewError(hub.ErrValidation, "notification sender address is required", nil, nil)
	}
	var to []string
	for _, a := range admins {
		if a = strings.TrimSpace(a); a != "" {
			to = append(to, a)
		}
	}
	if len(to) == 0 {
		return nil, hub.NewError(hub.ErrValidation, "at least one admin address is required", nil, nil)
	}
	return &SESNotifier{client: client, fromEmail: from, admins: to}, nil
}

func (s *SESNotifier) SendEmailToAdmins(ctx context.Context, subject, body string) error {
	_, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.fromEmail),
		Destination: &types.Destination{
			ToAddresses: s.admins,
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
	if err != nil {
		return fmt.Errorf("send admin email: %w", err)
	}
	return nil
}

// FailedMessageEmail renders the admin notice for a message that reached FAILED.
func FailedMessageEmail(msg *hub.Message) (subject, body string) {
	subject = fmt.Sprintf("Message %d (%s/%s) failed", msg.ID, msg.SourceSystem, msg.CorrelationID)
	var sb strings.Builder
	fmt.Fprintf(&sb, "Message ID: %d\n", msg.ID)
	fmt.Fprintf(&sb, "Source system: %s\n", msg.SourceSystem)
	fmt.Fprintf(&sb, "Correlation ID: %s\n", msg.CorrelationID)
	fmt.Fprintf(&sb, "Operation: %s/%s\n", msg.Service, msg.Operation)
	fmt.Fprintf(&sb, "Failed count: %d\n", msg.FailedCount)
	fmt.Fprintf(&sb, "Error code: %s\n", msg.FailedErrorCode)
	fmt.Fprintf(&sb, "Description: %s\n", msg.FailedDesc)
	if errs := msg.BusinessErrorList(); len(errs) > 0 {
		fmt.Fprintf(&sb, "Business errors: %s\n", strings.Join(errs, "; "))
	}
	return subject, sb.String()
}
