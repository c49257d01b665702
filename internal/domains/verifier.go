// Package domains implements the sending-domain verification workflow:
// SES identity provisioning, the verification status ladder, and the
// DNS records an operator must publish.
package domains

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sablemail/sable/internal/db"
	"github.com/sablemail/sable/internal/ses"
)

const (
	spfRecordValue  = "v=spf1 include:amazonses.com ~all"
	dkimCNAMEDomain = "dkim.amazonses.com"

	// One fixed delayed retry for DKIM tokens the provider has not yet
	// generated. Overridable in tests via Engine.TokenRetryDelay.
	defaultTokenRetryDelay = 5 * time.Second
)

var hostnamePattern = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)

// ErrInvalidDomain is returned for syntactically invalid domain names.
var ErrInvalidDomain = errors.New("invalid domain name")

// Store is the subset of the record store the engine needs.
type Store interface {
	GetDomain(ctx context.Context, id uuid.UUID) (*db.Domain, error)
	GetDomainByName(ctx context.Context, projectID uuid.UUID, name string) (*db.Domain, error)
	CreateDomain(ctx context.Context, domain *db.Domain) error
	UpdateDomainStatus(ctx context.Context, id uuid.UUID, status string, statusMessage *string) error
	UpdateDomainTokens(ctx context.Context, id uuid.UUID, tokens []string) error
}

// Provider is the mail provider surface used for identity provisioning.
type Provider interface {
	VerifyDomain(ctx context.Context, domain string) (string, error)
	EnableDKIM(ctx context.Context, domain string) ([]string, error)
	SetMailFrom(ctx context.Context, domain, mailFromDomain string) error
	GetIdentityStatus(ctx context.Context, domain string) (*ses.IdentityStatus, error)
}

// VerificationResult carries everything an operator needs after a
// verification request, even when provisioning only partially succeeded.
type VerificationResult struct {
	DomainID          uuid.UUID `json:"domain_id"`
	Name              string    `json:"name"`
	Status            string    `json:"status"`
	StatusMessage     *string   `json:"status_message,omitempty"`
	DKIMTokens        []string  `json:"dkim_tokens"`
	VerificationToken string    `json:"verification_token"`
	SPFRecord         string    `json:"spf_record"`
	DMARCRecord       string    `json:"dmarc_record"`
	MailFromSubdomain string    `json:"mail_from_subdomain"`
	MailFromMXRecord  string    `json:"mail_from_mx_record"`
}

// StatusResult reports the outcome of a status refresh, including the
// raw provider sub-statuses so callers can tell a failed check apart
// from a failed domain.
type StatusResult struct {
	DomainID      uuid.UUID       `json:"domain_id"`
	Status        string          `json:"status"`
	StatusMessage string          `json:"status_message"`
	Verification  ses.CheckStatus `json:"verification"`
	DKIM          ses.CheckStatus `json:"dkim"`
	MailFrom      ses.CheckStatus `json:"mail_from"`
	DKIMTokens    []string        `json:"dkim_tokens"`
}

// Engine drives the domain verification state machine.
type Engine struct {
	store    Store
	provider Provider
	region   string
	logger   *zap.Logger

	// TokenRetryDelay is the wait before the single DKIM token re-fetch.
	TokenRetryDelay time.Duration
}

// NewEngine creates a verification engine. All collaborators are
// injected; no global provider clients.
func NewEngine(store Store, provider Provider, region string, logger *zap.Logger) *Engine {
	return &Engine{
		store:           store,
		provider:        provider,
		region:          region,
		logger:          logger,
		TokenRetryDelay: defaultTokenRetryDelay,
	}
}

func (e *Engine) mailFromMX() string {
	return fmt.Sprintf("feedback-smtp.%s.amazonses.com", e.region)
}

func dmarcRecord(domain string) string {
	return fmt.Sprintf("v=DMARC1; p=none; rua=mailto:dmarc-reports@%s", domain)
}

// VerifyDomain provisions a sending identity for the domain, or
// refreshes the existing one. Repeated calls for the same (domain,
// project) pair are idempotent: they return the stored row's payload
// instead of re-provisioning.
func (e *Engine) VerifyDomain(ctx context.Context, name string, projectID uuid.UUID) (*VerificationResult, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if !hostnamePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDomain, name)
	}

	existing, err := e.store.GetDomainByName(ctx, projectID, name)
	if err == nil {
		if _, refreshErr := e.CheckStatus(ctx, existing.ID); refreshErr != nil {
			e.logger.Warn("status refresh during re-verification failed",
				zap.Error(refreshErr),
				zap.String("domain", name),
			)
		}
		refreshed, err := e.store.GetDomain(ctx, existing.ID)
		if err != nil {
			refreshed = existing
		}
		return resultFromDomain(refreshed), nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("look up domain %s: %w", name, err)
	}

	token, err := e.provider.VerifyDomain(ctx, name)
	if err != nil {
		return nil, e.persistFailedAttempt(ctx, name, projectID, fmt.Errorf("request verification token: %w", err))
	}

	tokens, notes, err := e.provisionDKIM(ctx, name)
	if err != nil {
		return nil, e.persistFailedAttempt(ctx, name, projectID, fmt.Errorf("provision identity: %w", err))
	}

	mailFromSubdomain := "mail." + name
	if err := e.provider.SetMailFrom(ctx, name, mailFromSubdomain); err != nil {
		// Non-fatal: the identity still works, MAIL FROM can be retried
		// via a later status check.
		notes = append(notes, "MAIL FROM configuration failed: "+err.Error())
		e.logger.Warn("mail from configuration failed",
			zap.Error(err),
			zap.String("domain", name),
		)
	}

	domain := &db.Domain{
		ID:                uuid.New(),
		ProjectID:         projectID,
		Name:              name,
		Status:            db.DomainStatusPending,
		DKIMTokens:        tokens,
		VerificationToken: token,
		SPFRecord:         spfRecordValue,
		DMARCRecord:       dmarcRecord(name),
		MailFromSubdomain: mailFromSubdomain,
		MailFromMXRecord:  e.mailFromMX(),
	}
	if len(notes) > 0 {
		msg := strings.Join(notes, "; ")
		domain.StatusMessage = &msg
	}

	if err := e.store.CreateDomain(ctx, domain); err != nil {
		return nil, fmt.Errorf("persist domain %s: %w", name, err)
	}

	return resultFromDomain(domain), nil
}

// provisionDKIM enables provider-managed DKIM and fetches the CNAME
// tokens, retrying the fetch exactly once after a short delay when the
// provider has not generated tokens yet. An identity that already
// exists at the provider is a continuation, not an error.
func (e *Engine) provisionDKIM(ctx context.Context, name string) (tokens []string, notes []string, err error) {
	tokens, err = e.provider.EnableDKIM(ctx, name)
	if err != nil {
		if !ses.IsAlreadyExists(err) {
			return nil, nil, err
		}
		e.logger.Info("identity already exists at provider, reusing it",
			zap.String("domain", name),
		)
		notes = append(notes, "identity already exists at the provider; reusing it")
		tokens = nil
		err = nil
	}

	if len(tokens) == 0 {
		if werr := e.wait(ctx, e.TokenRetryDelay); werr != nil {
			return nil, nil, werr
		}
		retried, retryErr := e.provider.EnableDKIM(ctx, name)
		if retryErr == nil {
			tokens = retried
		}
		if len(tokens) == 0 {
			notes = append(notes, "DKIM tokens not yet issued by the provider; check again shortly")
		}
	}

	return tokens, notes, nil
}

// persistFailedAttempt records a FAILED domain row so aborted
// verification attempts stay visible, then returns the original error.
func (e *Engine) persistFailedAttempt(ctx context.Context, name string, projectID uuid.UUID, cause error) error {
	msg := cause.Error()
	domain := &db.Domain{
		ID:                uuid.New(),
		ProjectID:         projectID,
		Name:              name,
		Status:            db.DomainStatusFailed,
		StatusMessage:     &msg,
		SPFRecord:         spfRecordValue,
		DMARCRecord:       dmarcRecord(name),
		MailFromSubdomain: "mail." + name,
		MailFromMXRecord:  e.mailFromMX(),
	}
	if err := e.store.CreateDomain(ctx, domain); err != nil {
		e.logger.Error("failed to persist failed verification attempt",
			zap.Error(err),
			zap.String("domain", name),
		)
	}
	return cause
}

// CheckStatus refreshes a domain's verification status from live
// provider state. Safe to call repeatedly; a failing provider call is
// recorded, not thrown.
func (e *Engine) CheckStatus(ctx context.Context, domainID uuid.UUID) (*StatusResult, error) {
	domain, err := e.store.GetDomain(ctx, domainID)
	if err != nil {
		return nil, err
	}

	identity, err := e.provider.GetIdentityStatus(ctx, domain.Name)
	if err != nil {
		// The check itself failed: keep the stored status, persist the
		// error text, and report all sub-checks as failed so callers can
		// tell this apart from a failed domain.
		msg := "status check failed: " + err.Error()
		if updateErr := e.store.UpdateDomainStatus(ctx, domainID, domain.Status, &msg); updateErr != nil {
			e.logger.Error("failed to record status check error",
				zap.Error(updateErr),
				zap.String("domain", domain.Name),
			)
		}
		return &StatusResult{
			DomainID:      domainID,
			Status:        domain.Status,
			StatusMessage: msg,
			Verification:  ses.CheckFailed,
			DKIM:          ses.CheckFailed,
			MailFrom:      ses.CheckFailed,
			DKIMTokens:    domain.DKIMTokens,
		}, nil
	}

	tokens := domain.DKIMTokens
	if len(identity.DKIMTokens) > 0 && !equalTokens(identity.DKIMTokens, domain.DKIMTokens) {
		if err := e.store.UpdateDomainTokens(ctx, domainID, identity.DKIMTokens); err != nil {
			e.logger.Error("failed to persist dkim tokens",
				zap.Error(err),
				zap.String("domain", domain.Name),
			)
		} else {
			tokens = identity.DKIMTokens
		}
	}

	status, message := deriveStatus(identity)

	// The ladder never regresses: once VERIFIED, only FAILED can move it.
	if domain.Status == db.DomainStatusVerified && status != db.DomainStatusFailed {
		status = db.DomainStatusVerified
		message = "Domain verified successfully"
	}

	if err := e.store.UpdateDomainStatus(ctx, domainID, status, &message); err != nil {
		return nil, fmt.Errorf("persist domain status: %w", err)
	}

	e.logger.Info("domain status refreshed",
		zap.String("domain", domain.Name),
		zap.String("status", status),
		zap.String("verification", string(identity.Verification)),
		zap.String("dkim", string(identity.DKIM)),
		zap.String("mail_from", string(identity.MailFrom)),
	)

	return &StatusResult{
		DomainID:      domainID,
		Status:        status,
		StatusMessage: message,
		Verification:  identity.Verification,
		DKIM:          identity.DKIM,
		MailFrom:      identity.MailFrom,
		DKIMTokens:    tokens,
	}, nil
}

// deriveStatus maps provider sub-statuses onto the domain ladder.
// Evaluated in priority order: full success, partial success, explicit
// failure, then pending.
func deriveStatus(s *ses.IdentityStatus) (string, string) {
	switch {
	case s.Verification == ses.CheckSuccess && s.DKIM == ses.CheckSuccess && s.MailFrom == ses.CheckSuccess:
		return db.DomainStatusVerified, "Domain verified successfully"
	case s.Verification == ses.CheckSuccess && s.DKIM == ses.CheckSuccess:
		return db.DomainStatusDKIMVerified, "Domain and DKIM verified, MAIL FROM pending"
	case s.Verification == ses.CheckSuccess:
		return db.DomainStatusDKIMPending, "Domain verified, DKIM pending verification"
	case s.Verification == ses.CheckFailed:
		return db.DomainStatusFailed, "Domain ownership verification failed"
	case s.DKIM == ses.CheckFailed:
		return db.DomainStatusFailed, "DKIM verification failed"
	case s.MailFrom == ses.CheckFailed:
		return db.DomainStatusFailed, "MAIL FROM verification failed"
	default:
		return db.DomainStatusPending, "Verification pending, wait for DNS propagation"
	}
}

func resultFromDomain(d *db.Domain) *VerificationResult {
	return &VerificationResult{
		DomainID:          d.ID,
		Name:              d.Name,
		Status:            d.Status,
		StatusMessage:     d.StatusMessage,
		DKIMTokens:        d.DKIMTokens,
		VerificationToken: d.VerificationToken,
		SPFRecord:         d.SPFRecord,
		DMARCRecord:       d.DMARCRecord,
		MailFromSubdomain: d.MailFromSubdomain,
		MailFromMXRecord:  d.MailFromMXRecord,
	}
}

func equalTokens(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (e *Engine) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
