package domains

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DNSRecord describes one record an operator must publish.
type DNSRecord struct {
	Type       string `json:"type"` // TXT, SPF, DMARC, MX, DKIM
	Name       string `json:"name"`
	Value      string `json:"value"`
	Purpose    string `json:"purpose"`
	RecordType string `json:"recordType"` // TXT, MX, CNAME
	Token      string `json:"token,omitempty"`
}

// DNSRecords returns the records for a domain: one ownership TXT, one
// SPF TXT, one DMARC TXT, one MAIL FROM MX, and one CNAME per DKIM
// token. Always 4 + len(tokens) records.
func (e *Engine) DNSRecords(ctx context.Context, domainID uuid.UUID) ([]DNSRecord, error) {
	domain, err := e.store.GetDomain(ctx, domainID)
	if err != nil {
		return nil, err
	}

	// Best-effort token refresh; record listing must not fail just
	// because DKIM isn't ready yet.
	if len(domain.DKIMTokens) == 0 {
		tokens, err := e.provider.EnableDKIM(ctx, domain.Name)
		if err != nil {
			e.logger.Debug("dkim token refresh failed",
				zap.Error(err),
				zap.String("domain", domain.Name),
			)
		} else if len(tokens) > 0 {
			if err := e.store.UpdateDomainTokens(ctx, domainID, tokens); err != nil {
				e.logger.Warn("failed to persist refreshed dkim tokens",
					zap.Error(err),
					zap.String("domain", domain.Name),
				)
			}
			domain.DKIMTokens = tokens
		}
	}

	records := []DNSRecord{
		{
			Type:       "TXT",
			Name:       "_amazonses." + domain.Name,
			Value:      domain.VerificationToken,
			Purpose:    "Proves domain ownership to the mail provider",
			RecordType: "TXT",
		},
		{
			Type:       "SPF",
			Name:       domain.MailFromSubdomain,
			Value:      domain.SPFRecord,
			Purpose:    "Authorizes the mail provider to send on behalf of this domain",
			RecordType: "TXT",
		},
		{
			Type:       "DMARC",
			Name:       "_dmarc." + domain.Name,
			Value:      domain.DMARCRecord,
			Purpose:    "Publishes the domain's DMARC policy",
			RecordType: "TXT",
		},
		{
			Type:       "MX",
			Name:       domain.MailFromSubdomain,
			Value:      "10 " + domain.MailFromMXRecord,
			Purpose:    "Routes MAIL FROM bounce traffic back to the provider",
			RecordType: "MX",
		},
	}

	for _, token := range domain.DKIMTokens {
		records = append(records, DNSRecord{
			Type:       "DKIM",
			Name:       token + "._domainkey." + domain.Name,
			Value:      token + "." + dkimCNAMEDomain,
			Purpose:    "Enables DKIM signature verification",
			RecordType: "CNAME",
			Token:      token,
		})
	}

	return records, nil
}
