// Package ses wraps the AWS SES API used for domain identity
// provisioning, verification status checks, and outbound mail.
package ses

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsses "github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// CheckStatus is a provider-reported verification sub-status for one of
// the three identity checks (ownership, DKIM, MAIL FROM).
type CheckStatus string

const (
	CheckSuccess          CheckStatus = "Success"
	CheckPending          CheckStatus = "Pending"
	CheckFailed           CheckStatus = "Failed"
	CheckTemporaryFailure CheckStatus = "TemporaryFailure"
	CheckNotStarted       CheckStatus = "NotStarted"
)

// IdentityStatus is the provider's live view of a domain identity.
type IdentityStatus struct {
	Verification CheckStatus
	DKIM         CheckStatus
	MailFrom     CheckStatus
	DKIMTokens   []string
}

// API is the subset of the SES client the service depends on. Tests
// substitute fakes; production wires *ses.Client.
type API interface {
	VerifyDomainIdentity(ctx context.Context, params *awsses.VerifyDomainIdentityInput, optFns ...func(*awsses.Options)) (*awsses.VerifyDomainIdentityOutput, error)
	VerifyDomainDkim(ctx context.Context, params *awsses.VerifyDomainDkimInput, optFns ...func(*awsses.Options)) (*awsses.VerifyDomainDkimOutput, error)
	SetIdentityMailFromDomain(ctx context.Context, params *awsses.SetIdentityMailFromDomainInput, optFns ...func(*awsses.Options)) (*awsses.SetIdentityMailFromDomainOutput, error)
	GetIdentityVerificationAttributes(ctx context.Context, params *awsses.GetIdentityVerificationAttributesInput, optFns ...func(*awsses.Options)) (*awsses.GetIdentityVerificationAttributesOutput, error)
	GetIdentityDkimAttributes(ctx context.Context, params *awsses.GetIdentityDkimAttributesInput, optFns ...func(*awsses.Options)) (*awsses.GetIdentityDkimAttributesOutput, error)
	GetIdentityMailFromDomainAttributes(ctx context.Context, params *awsses.GetIdentityMailFromDomainAttributesInput, optFns ...func(*awsses.Options)) (*awsses.GetIdentityMailFromDomainAttributesOutput, error)
	SendEmail(ctx context.Context, params *awsses.SendEmailInput, optFns ...func(*awsses.Options)) (*awsses.SendEmailOutput, error)
}

// Client exposes domain-level SES operations over the raw API.
type Client struct {
	api    API
	logger *zap.Logger
}

// Config holds SES client settings.
type Config struct {
	Region string
}

// NewClient builds a Client backed by the real AWS SES service.
func NewClient(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &Client{
		api:    awsses.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// NewClientWithAPI builds a Client over an injected API implementation.
func NewClientWithAPI(api API, logger *zap.Logger) *Client {
	return &Client{api: api, logger: logger}
}

// VerifyDomain requests a domain ownership verification token.
func (c *Client) VerifyDomain(ctx context.Context, domain string) (string, error) {
	out, err := c.api.VerifyDomainIdentity(ctx, &awsses.VerifyDomainIdentityInput{
		Domain: aws.String(domain),
	})
	if err != nil {
		return "", fmt.Errorf("verify domain identity: %w", err)
	}
	return aws.ToString(out.VerificationToken), nil
}

// EnableDKIM turns on provider-managed DKIM signing for the domain and
// returns the CNAME tokens to publish. The provider generates and
// rotates the keys; the token list may be empty until propagation.
func (c *Client) EnableDKIM(ctx context.Context, domain string) ([]string, error) {
	out, err := c.api.VerifyDomainDkim(ctx, &awsses.VerifyDomainDkimInput{
		Domain: aws.String(domain),
	})
	if err != nil {
		return nil, fmt.Errorf("verify domain dkim: %w", err)
	}
	return out.DkimTokens, nil
}

// SetMailFrom configures the custom MAIL FROM subdomain for the identity.
func (c *Client) SetMailFrom(ctx context.Context, domain, mailFromDomain string) error {
	_, err := c.api.SetIdentityMailFromDomain(ctx, &awsses.SetIdentityMailFromDomainInput{
		Identity:            aws.String(domain),
		MailFromDomain:      aws.String(mailFromDomain),
		BehaviorOnMXFailure: types.BehaviorOnMXFailureUseDefaultValue,
	})
	if err != nil {
		return fmt.Errorf("set identity mail from domain: %w", err)
	}
	return nil
}

// GetIdentityStatus fetches the live verification, DKIM, and MAIL FROM
// status of the domain identity in one pass.
func (c *Client) GetIdentityStatus(ctx context.Context, domain string) (*IdentityStatus, error) {
	identities := []string{domain}

	verif, err := c.api.GetIdentityVerificationAttributes(ctx, &awsses.GetIdentityVerificationAttributesInput{
		Identities: identities,
	})
	if err != nil {
		return nil, fmt.Errorf("get identity verification attributes: %w", err)
	}

	dkim, err := c.api.GetIdentityDkimAttributes(ctx, &awsses.GetIdentityDkimAttributesInput{
		Identities: identities,
	})
	if err != nil {
		return nil, fmt.Errorf("get identity dkim attributes: %w", err)
	}

	mailFrom, err := c.api.GetIdentityMailFromDomainAttributes(ctx, &awsses.GetIdentityMailFromDomainAttributesInput{
		Identities: identities,
	})
	if err != nil {
		return nil, fmt.Errorf("get identity mail from attributes: %w", err)
	}

	status := &IdentityStatus{
		Verification: CheckNotStarted,
		DKIM:         CheckNotStarted,
		MailFrom:     CheckNotStarted,
	}

	if attrs, ok := verif.VerificationAttributes[domain]; ok {
		status.Verification = CheckStatus(attrs.VerificationStatus)
	}
	if attrs, ok := dkim.DkimAttributes[domain]; ok {
		status.DKIM = CheckStatus(attrs.DkimVerificationStatus)
		status.DKIMTokens = attrs.DkimTokens
	}
	if attrs, ok := mailFrom.MailFromDomainAttributes[domain]; ok {
		status.MailFrom = CheckStatus(attrs.MailFromDomainStatus)
	}

	return status, nil
}

// Send dispatches a single HTML email and returns the provider message id.
func (c *Client) Send(ctx context.Context, from, to, subject, htmlBody string) (string, error) {
	input := &awsses.SendEmailInput{
		Source: aws.String(from),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Html: &types.Content{
					Data:    aws.String(htmlBody),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := c.api.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses send failed: %w", err)
	}

	messageID := aws.ToString(result.MessageId)

	c.logger.Info("email sent via SES",
		zap.String("to", to),
		zap.String("message_id", messageID),
	)

	return messageID, nil
}

// IsAlreadyExists reports whether err means the identity is already
// registered with the provider, a recoverable continuation condition
// distinct from transport failure.
func IsAlreadyExists(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if apiErr.ErrorCode() == "AlreadyExists" || apiErr.ErrorCode() == "AlreadyExistsException" {
			return true
		}
	}
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already exists")
}
