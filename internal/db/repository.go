package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Repository handles database operations for tasks, emails, and domains
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const taskColumns = `
	id, project_id, type, status, scheduled_at, processed_at,
	error, campaign_id, email_id, created_at, updated_at
`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(
		&t.ID,
		&t.ProjectID,
		&t.Type,
		&t.Status,
		&t.ScheduledAt,
		&t.ProcessedAt,
		&t.Error,
		&t.CampaignID,
		&t.EmailID,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTask retrieves a task by ID
func (r *Repository) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	task, err := scanTask(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

// DueTasks returns all tasks eligible for processing: status PENDING or
// FAILED with scheduled_at at or before now, oldest schedule first.
func (r *Repository) DueTasks(ctx context.Context, now time.Time) ([]*Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status IN ($1, $2) AND scheduled_at <= $3
		ORDER BY scheduled_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, TaskStatusPending, TaskStatusFailed, now)
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return tasks, nil
}

// UpdateTaskStatus updates a task's status, error message, and processed
// timestamp. scheduled_at is never touched: retries reuse the original
// schedule.
func (r *Repository) UpdateTaskStatus(ctx context.Context, id uuid.UUID, status string, errorMsg *string, processedAt *time.Time) error {
	query := `
		UPDATE tasks
		SET status = $1, error = $2, processed_at = $3, updated_at = NOW()
		WHERE id = $4
	`

	result, err := r.db.Pool().Exec(ctx, query, status, errorMsg, processedAt, id)
	if err != nil {
		r.logger.Error("failed to update task status",
			zap.Error(err),
			zap.String("task_id", id.String()),
			zap.String("status", status),
		)
		return fmt.Errorf("update task status: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}

	return nil
}

// EnqueueEmail creates an Email row and its SEND_EMAIL task in one
// transaction so a queued email always has an owning task.
func (r *Repository) EnqueueEmail(ctx context.Context, email *Email, scheduledAt time.Time) (*Task, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insertEmail := `
		INSERT INTO emails (
			id, project_id, contact_id, campaign_id, subject, "from", body, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	err = tx.QueryRow(ctx, insertEmail,
		email.ID,
		email.ProjectID,
		email.ContactID,
		email.CampaignID,
		email.Subject,
		email.From,
		email.Body,
		email.Status,
	).Scan(&email.CreatedAt, &email.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert email: %w", err)
	}

	task := &Task{
		ID:          uuid.New(),
		ProjectID:   email.ProjectID,
		Type:        TaskTypeSendEmail,
		Status:      TaskStatusPending,
		ScheduledAt: scheduledAt,
		CampaignID:  email.CampaignID,
		EmailID:     &email.ID,
	}

	insertTask := `
		INSERT INTO tasks (
			id, project_id, type, status, scheduled_at, campaign_id, email_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	err = tx.QueryRow(ctx, insertTask,
		task.ID,
		task.ProjectID,
		task.Type,
		task.Status,
		task.ScheduledAt,
		task.CampaignID,
		task.EmailID,
	).Scan(&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("email enqueued",
		zap.String("email_id", email.ID.String()),
		zap.String("task_id", task.ID.String()),
		zap.Time("scheduled_at", scheduledAt),
	)

	return task, nil
}

// GetEmail retrieves an email by ID
func (r *Repository) GetEmail(ctx context.Context, id uuid.UUID) (*Email, error) {
	query := `
		SELECT
			id, project_id, contact_id, campaign_id, message_id, subject,
			"from", body, status, sent_at, created_at, updated_at
		FROM emails
		WHERE id = $1
	`

	var e Email
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&e.ID,
		&e.ProjectID,
		&e.ContactID,
		&e.CampaignID,
		&e.MessageID,
		&e.Subject,
		&e.From,
		&e.Body,
		&e.Status,
		&e.SentAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("email %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query email: %w", err)
	}
	return &e, nil
}

// GetEmailWithRelations retrieves an email together with its contact and
// optional campaign. Task execution re-fetches through this instead of
// trusting join data captured at tick time.
func (r *Repository) GetEmailWithRelations(ctx context.Context, id uuid.UUID) (*EmailWithRelations, error) {
	query := `
		SELECT
			e.id, e.project_id, e.contact_id, e.campaign_id, e.message_id,
			e.subject, e."from", e.body, e.status, e.sent_at, e.created_at, e.updated_at,
			c.id, c.project_id, c.email, c.name, c.status, c.created_at,
			camp.id, camp.project_id, camp.name, camp."from", camp.subject, camp.body, camp.created_at
		FROM emails e
		JOIN contacts c ON c.id = e.contact_id
		LEFT JOIN campaigns camp ON camp.id = e.campaign_id
		WHERE e.id = $1
	`

	var (
		out         EmailWithRelations
		campID      *uuid.UUID
		campProject *uuid.UUID
		campName    *string
		campFrom    *string
		campSubject *string
		campBody    *string
		campCreated *time.Time
	)

	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&out.ID,
		&out.ProjectID,
		&out.ContactID,
		&out.CampaignID,
		&out.MessageID,
		&out.Subject,
		&out.From,
		&out.Body,
		&out.Status,
		&out.SentAt,
		&out.CreatedAt,
		&out.UpdatedAt,
		&out.Contact.ID,
		&out.Contact.ProjectID,
		&out.Contact.Email,
		&out.Contact.Name,
		&out.Contact.Status,
		&out.Contact.CreatedAt,
		&campID,
		&campProject,
		&campName,
		&campFrom,
		&campSubject,
		&campBody,
		&campCreated,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("email %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query email with relations: %w", err)
	}

	if campID != nil {
		out.Campaign = &Campaign{
			ID:        *campID,
			ProjectID: *campProject,
			Name:      *campName,
			From:      *campFrom,
			Subject:   *campSubject,
			Body:      *campBody,
			CreatedAt: *campCreated,
		}
	}

	return &out, nil
}

// MarkEmailSent records the provider message id and sent timestamp
func (r *Repository) MarkEmailSent(ctx context.Context, id uuid.UUID, messageID string, sentAt time.Time) error {
	query := `
		UPDATE emails
		SET status = $1, message_id = $2, sent_at = $3, updated_at = NOW()
		WHERE id = $4
	`

	result, err := r.db.Pool().Exec(ctx, query, EmailStatusSent, messageID, sentAt, id)
	if err != nil {
		return fmt.Errorf("mark email sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("email %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateEmailStatus sets an email's delivery status
func (r *Repository) UpdateEmailStatus(ctx context.Context, id uuid.UUID, status string) error {
	query := `UPDATE emails SET status = $1, updated_at = NOW() WHERE id = $2`

	result, err := r.db.Pool().Exec(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("update email status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("email %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateEmailStatusByMessageID sets the delivery status of the email the
// provider assigned the given message id. Used by SES event ingestion.
func (r *Repository) UpdateEmailStatusByMessageID(ctx context.Context, messageID, status string) error {
	query := `UPDATE emails SET status = $1, updated_at = NOW() WHERE message_id = $2`

	result, err := r.db.Pool().Exec(ctx, query, status, messageID)
	if err != nil {
		return fmt.Errorf("update email status by message id: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("email with message id %s: %w", messageID, ErrNotFound)
	}
	return nil
}

// GetContact retrieves a contact by ID
func (r *Repository) GetContact(ctx context.Context, id uuid.UUID) (*Contact, error) {
	query := `SELECT id, project_id, email, name, status, created_at FROM contacts WHERE id = $1`

	var c Contact
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&c.ID,
		&c.ProjectID,
		&c.Email,
		&c.Name,
		&c.Status,
		&c.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("contact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query contact: %w", err)
	}
	return &c, nil
}

const domainColumns = `
	id, project_id, name, status, status_message, dkim_tokens,
	verification_token, spf_record, dmarc_record, mail_from_subdomain,
	mail_from_mx_record, created_at, updated_at
`

func scanDomain(row pgx.Row) (*Domain, error) {
	var d Domain
	err := row.Scan(
		&d.ID,
		&d.ProjectID,
		&d.Name,
		&d.Status,
		&d.StatusMessage,
		&d.DKIMTokens,
		&d.VerificationToken,
		&d.SPFRecord,
		&d.DMARCRecord,
		&d.MailFromSubdomain,
		&d.MailFromMXRecord,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateDomain inserts a new domain row
func (r *Repository) CreateDomain(ctx context.Context, domain *Domain) error {
	query := `
		INSERT INTO domains (
			id, project_id, name, status, status_message, dkim_tokens,
			verification_token, spf_record, dmarc_record, mail_from_subdomain,
			mail_from_mx_record
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		domain.ID,
		domain.ProjectID,
		domain.Name,
		domain.Status,
		domain.StatusMessage,
		domain.DKIMTokens,
		domain.VerificationToken,
		domain.SPFRecord,
		domain.DMARCRecord,
		domain.MailFromSubdomain,
		domain.MailFromMXRecord,
	).Scan(&domain.CreatedAt, &domain.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create domain",
			zap.Error(err),
			zap.String("domain", domain.Name),
		)
		return fmt.Errorf("insert domain: %w", err)
	}

	r.logger.Info("domain created",
		zap.String("domain_id", domain.ID.String()),
		zap.String("domain", domain.Name),
		zap.String("status", domain.Status),
	)

	return nil
}

// GetDomain retrieves a domain by ID
func (r *Repository) GetDomain(ctx context.Context, id uuid.UUID) (*Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM domains WHERE id = $1`

	domain, err := scanDomain(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("domain %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query domain: %w", err)
	}
	return domain, nil
}

// GetDomainByName retrieves a project's domain by DNS name
func (r *Repository) GetDomainByName(ctx context.Context, projectID uuid.UUID, name string) (*Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM domains WHERE project_id = $1 AND name = $2`

	domain, err := scanDomain(r.db.Pool().QueryRow(ctx, query, projectID, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("domain %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query domain by name: %w", err)
	}
	return domain, nil
}

// UpdateDomainStatus updates a domain's verification status and message
func (r *Repository) UpdateDomainStatus(ctx context.Context, id uuid.UUID, status string, statusMessage *string) error {
	query := `
		UPDATE domains
		SET status = $1, status_message = $2, updated_at = NOW()
		WHERE id = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, status, statusMessage, id)
	if err != nil {
		return fmt.Errorf("update domain status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("domain %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateDomainTokens replaces a domain's DKIM tokens. Callers only invoke
// this with a non-empty token list; stored tokens are never cleared.
func (r *Repository) UpdateDomainTokens(ctx context.Context, id uuid.UUID, tokens []string) error {
	query := `UPDATE domains SET dkim_tokens = $1, updated_at = NOW() WHERE id = $2`

	result, err := r.db.Pool().Exec(ctx, query, tokens, id)
	if err != nil {
		return fmt.Errorf("update domain tokens: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("domain %s: %w", id, ErrNotFound)
	}
	return nil
}
