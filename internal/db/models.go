package db

import (
	"time"

	"github.com/google/uuid"
)

// Task statuses. Transitions: PENDING -> PROCESSING -> COMPLETED|FAILED,
// FAILED -> PROCESSING (retry). COMPLETED is terminal.
const (
	TaskStatusPending    = "PENDING"
	TaskStatusProcessing = "PROCESSING"
	TaskStatusCompleted  = "COMPLETED"
	TaskStatusFailed     = "FAILED"
)

// Task types
const (
	TaskTypeSendEmail    = "SEND_EMAIL"
	TaskTypeSendCampaign = "SEND_CAMPAIGN"
)

// Email statuses
const (
	EmailStatusQueued     = "QUEUED"
	EmailStatusSent       = "SENT"
	EmailStatusDelivered  = "DELIVERED"
	EmailStatusBounced    = "BOUNCED"
	EmailStatusComplained = "COMPLAINED"
	EmailStatusFailed     = "FAILED"
)

// Domain verification statuses. The ladder only advances forward:
// PENDING -> DKIM_PENDING -> DKIM_VERIFIED -> VERIFIED, or sideways to
// FAILED from any state.
const (
	DomainStatusPending      = "PENDING"
	DomainStatusDKIMPending  = "DKIM_PENDING"
	DomainStatusDKIMVerified = "DKIM_VERIFIED"
	DomainStatusVerified     = "VERIFIED"
	DomainStatusFailed       = "FAILED"
)

// Contact subscription statuses
const (
	ContactStatusSubscribed   = "SUBSCRIBED"
	ContactStatusUnsubscribed = "UNSUBSCRIBED"
	ContactStatusBounced      = "BOUNCED"
	ContactStatusComplained   = "COMPLAINED"
)

// Task is a unit of deferred work drained by the scheduler. scheduled_at
// is immutable after creation; retries reuse the original schedule.
type Task struct {
	ID          uuid.UUID  `json:"id"`
	ProjectID   uuid.UUID  `json:"project_id"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CampaignID  *uuid.UUID `json:"campaign_id,omitempty"`
	EmailID     *uuid.UUID `json:"email_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Email is a single outbound message instance. MessageID is assigned by
// the provider on a successful send.
type Email struct {
	ID         uuid.UUID  `json:"id"`
	ProjectID  uuid.UUID  `json:"project_id"`
	ContactID  uuid.UUID  `json:"contact_id"`
	CampaignID *uuid.UUID `json:"campaign_id,omitempty"`
	MessageID  *string    `json:"message_id,omitempty"`
	Subject    string     `json:"subject"`
	From       string     `json:"from"`
	Body       string     `json:"body"`
	Status     string     `json:"status"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Contact is a recipient belonging to a project.
type Contact struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Campaign groups emails under a shared sender and subject.
type Campaign struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`
	Name      string    `json:"name"`
	From      string    `json:"from"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Domain is a sending identity candidate for a project. DKIM tokens are
// provider-issued and may be empty until the provider generates them.
type Domain struct {
	ID                uuid.UUID `json:"id"`
	ProjectID         uuid.UUID `json:"project_id"`
	Name              string    `json:"name"`
	Status            string    `json:"status"`
	StatusMessage     *string   `json:"status_message,omitempty"`
	DKIMTokens        []string  `json:"dkim_tokens"`
	VerificationToken string    `json:"verification_token"`
	SPFRecord         string    `json:"spf_record"`
	DMARCRecord       string    `json:"dmarc_record"`
	MailFromSubdomain string    `json:"mail_from_subdomain"`
	MailFromMXRecord  string    `json:"mail_from_mx_record"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// EmailWithRelations is an Email joined with its Contact and, when the
// email belongs to a campaign, the Campaign.
type EmailWithRelations struct {
	Email
	Contact  Contact   `json:"contact"`
	Campaign *Campaign `json:"campaign,omitempty"`
}
