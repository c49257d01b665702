package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sablemail/sable/internal/db"
	"github.com/sablemail/sable/internal/domains"
	"github.com/sablemail/sable/internal/metrics"
	"github.com/sablemail/sable/internal/redis"
)

// Repository defines the record-store operations the API needs.
type Repository interface {
	EnqueueEmail(ctx context.Context, email *db.Email, scheduledAt time.Time) (*db.Task, error)
	GetEmail(ctx context.Context, id uuid.UUID) (*db.Email, error)
	GetTask(ctx context.Context, id uuid.UUID) (*db.Task, error)
	GetContact(ctx context.Context, id uuid.UUID) (*db.Contact, error)
	GetDomain(ctx context.Context, id uuid.UUID) (*db.Domain, error)
	UpdateEmailStatusByMessageID(ctx context.Context, messageID, status string) error
}

// DomainEngine defines the verification operations the API exposes.
type DomainEngine interface {
	VerifyDomain(ctx context.Context, name string, projectID uuid.UUID) (*domains.VerificationResult, error)
	CheckStatus(ctx context.Context, id uuid.UUID) (*domains.StatusResult, error)
	DNSRecords(ctx context.Context, id uuid.UUID) ([]domains.DNSRecord, error)
}

// EmailRequest is the enqueue request body.
type EmailRequest struct {
	ProjectID   string `json:"project_id"`
	ContactID   string `json:"contact_id"`
	CampaignID  string `json:"campaign_id,omitempty"`
	Subject     string `json:"subject"`
	From        string `json:"from,omitempty"`
	Body        string `json:"body"`
	ScheduledAt string `json:"scheduled_at,omitempty"` // RFC 3339, defaults to now
}

// EmailResponse is returned after enqueueing an email.
type EmailResponse struct {
	EmailID     string    `json:"email_id"`
	TaskID      string    `json:"task_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// DomainRequest is the domain verification request body.
type DomainRequest struct {
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	repo        Repository
	engine      DomainEngine
	idempotency *redis.IdempotencyService // nil if Redis not configured
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, repo Repository, engine DomainEngine, idempotency *redis.IdempotencyService) *Handler {
	return &Handler{
		logger:      logger,
		repo:        repo,
		engine:      engine,
		idempotency: idempotency,
	}
}

// CreateEmail handles POST /v1/emails: it creates an Email row and its
// SEND_EMAIL task. Supports deduplication via the Idempotency-Key header.
func (h *Handler) CreateEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req EmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.ProjectID == "" || req.ContactID == "" || req.Subject == "" || req.Body == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "project_id, contact_id, subject, and body are required")
		return
	}

	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid project_id", "project_id must be a valid UUID")
		return
	}

	contactID, err := uuid.Parse(req.ContactID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid contact_id", "contact_id must be a valid UUID")
		return
	}

	var campaignID *uuid.UUID
	if req.CampaignID != "" {
		id, err := uuid.Parse(req.CampaignID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign_id", "campaign_id must be a valid UUID")
			return
		}
		campaignID = &id
	}

	scheduledAt := time.Now()
	if req.ScheduledAt != "" {
		t, err := time.Parse(time.RFC3339, req.ScheduledAt)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid scheduled_at", "scheduled_at must be RFC 3339")
			return
		}
		scheduledAt = t
	}

	if _, err := h.repo.GetContact(ctx, contactID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Contact not found", "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load contact", "")
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, req.ProjectID, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			resp := EmailResponse{EmailID: cached.EmailID, TaskID: cached.TaskID}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_ = json.NewEncoder(w).Encode(resp)
			return
		}
	}

	email := &db.Email{
		ID:         uuid.New(),
		ProjectID:  projectID,
		ContactID:  contactID,
		CampaignID: campaignID,
		Subject:    req.Subject,
		From:       req.From,
		Body:       req.Body,
		Status:     db.EmailStatusQueued,
	}

	task, err := h.repo.EnqueueEmail(ctx, email, scheduledAt)
	if err != nil {
		h.logger.Error("failed to enqueue email",
			zap.Error(err),
			zap.String("project_id", req.ProjectID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to enqueue email", "")
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			EmailID:    email.ID.String(),
			TaskID:     task.ID.String(),
			StatusCode: http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, req.ProjectID, idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.writeJSON(w, http.StatusCreated, EmailResponse{
		EmailID:     email.ID.String(),
		TaskID:      task.ID.String(),
		ScheduledAt: task.ScheduledAt,
	})
}

// GetEmail handles GET /v1/emails/{id}
func (h *Handler) GetEmail(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid email id", "id must be a valid UUID")
		return
	}

	email, err := h.repo.GetEmail(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Email not found", "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load email", "")
		return
	}

	h.writeJSON(w, http.StatusOK, email)
}

// GetTask handles GET /v1/tasks/{id}: delivery status of one scheduled
// task, including the retry breadcrumb while it is being reprocessed.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid task id", "id must be a valid UUID")
		return
	}

	task, err := h.repo.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Task not found", "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load task", "")
		return
	}

	h.writeJSON(w, http.StatusOK, task)
}

// VerifyDomain handles POST /v1/domains
func (h *Handler) VerifyDomain(w http.ResponseWriter, r *http.Request) {
	var req DomainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.ProjectID == "" || req.Name == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "project_id and name are required")
		return
	}

	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid project_id", "project_id must be a valid UUID")
		return
	}

	result, err := h.engine.VerifyDomain(r.Context(), req.Name, projectID)
	if err != nil {
		if errors.Is(err, domains.ErrInvalidDomain) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid domain name", err.Error())
			return
		}
		h.logger.Error("domain verification failed",
			zap.Error(err),
			zap.String("domain", req.Name),
		)
		h.writeError(w, http.StatusBadGateway, "provider_error", "Domain verification failed", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// GetDomain handles GET /v1/domains/{id}
func (h *Handler) GetDomain(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid domain id", "id must be a valid UUID")
		return
	}

	domain, err := h.repo.GetDomain(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Domain not found", "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load domain", "")
		return
	}

	h.writeJSON(w, http.StatusOK, domain)
}

// DomainStatus handles GET /v1/domains/{id}/status
func (h *Handler) DomainStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid domain id", "id must be a valid UUID")
		return
	}

	result, err := h.engine.CheckStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Domain not found", "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to check domain status", "")
		return
	}

	metrics.RecordDomainStatusCheck(result.Status)
	h.writeJSON(w, http.StatusOK, result)
}

// DomainDNSRecords handles GET /v1/domains/{id}/dns
func (h *Handler) DomainDNSRecords(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid domain id", "id must be a valid UUID")
		return
	}

	records, err := h.engine.DNSRecords(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Domain not found", "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to build DNS records", "")
		return
	}

	h.writeJSON(w, http.StatusOK, records)
}

// snsEnvelope is the SNS HTTPS delivery wrapper around an SES event.
type snsEnvelope struct {
	Type         string `json:"Type"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL"`
}

type sesEvent struct {
	NotificationType string `json:"notificationType"`
	EventType        string `json:"eventType"`
	Mail             struct {
		MessageID string `json:"messageId"`
	} `json:"mail"`
}

// SESEvents handles POST /v1/ses/events: delivery, bounce, and complaint
// notifications forwarded by SNS, matched to emails by provider message id.
func (h *Handler) SESEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable body", "")
		return
	}

	var envelope snsEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed SNS envelope", err.Error())
		return
	}

	if envelope.Type == "SubscriptionConfirmation" {
		// Confirm the subscription so SES events start flowing. The
		// endpoint is unauthenticated, so only genuine SNS confirmation
		// URLs are ever fetched.
		if isSNSEndpoint(envelope.SubscribeURL) {
			resp, err := http.Get(envelope.SubscribeURL)
			if err != nil {
				h.logger.Warn("failed to confirm sns subscription", zap.Error(err))
			} else {
				resp.Body.Close()
			}
		} else {
			h.logger.Warn("ignoring subscription confirmation with non-sns url",
				zap.String("subscribe_url", envelope.SubscribeURL),
			)
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	var event sesEvent
	if err := json.Unmarshal([]byte(envelope.Message), &event); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed SES event", err.Error())
		return
	}

	eventType := event.NotificationType
	if eventType == "" {
		eventType = event.EventType
	}

	var status string
	switch eventType {
	case "Delivery":
		status = db.EmailStatusDelivered
	case "Bounce":
		status = db.EmailStatusBounced
	case "Complaint":
		status = db.EmailStatusComplained
	default:
		h.logger.Debug("ignoring ses event", zap.String("event_type", eventType))
		w.WriteHeader(http.StatusOK)
		return
	}

	if event.Mail.MessageID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing message id", "")
		return
	}

	if err := h.repo.UpdateEmailStatusByMessageID(r.Context(), event.Mail.MessageID, status); err != nil {
		// The email may predate event tracking; acknowledge so SNS does
		// not redeliver forever.
		h.logger.Warn("ses event did not match an email",
			zap.Error(err),
			zap.String("message_id", event.Mail.MessageID),
			zap.String("status", status),
		)
	}

	w.WriteHeader(http.StatusOK)
}

// isSNSEndpoint reports whether rawURL is an HTTPS URL on a real AWS
// SNS host (sns.<region>.amazonaws.com). Anything else is rejected so
// the webhook cannot be used to make the server fetch arbitrary URLs.
func isSNSEndpoint(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme != "https" {
		return false
	}
	host := u.Hostname()
	return strings.HasPrefix(host, "sns.") && strings.HasSuffix(host, ".amazonaws.com")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
