package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sablemail/sable/internal/db"
	"github.com/sablemail/sable/internal/mailer"
	"github.com/sablemail/sable/internal/metrics"
)

// execute dispatches a claimed task by type.
func (s *Scheduler) execute(ctx context.Context, task *db.Task) error {
	switch task.Type {
	case db.TaskTypeSendEmail:
		return s.executeSendEmail(ctx, task)
	default:
		return fmt.Errorf("unsupported task type %q", task.Type)
	}
}

// executeSendEmail sends the single queued email the task references.
// The email is re-fetched fresh with its contact and campaign: state may
// have changed since the eligibility query captured it.
func (s *Scheduler) executeSendEmail(ctx context.Context, task *db.Task) error {
	if task.EmailID == nil {
		return errors.New("email id not found on task")
	}

	email, err := s.repo.GetEmailWithRelations(ctx, *task.EmailID)
	if err != nil {
		return fmt.Errorf("load email: %w", err)
	}

	if email.Contact.Status != db.ContactStatusSubscribed {
		// Suppression honored: this is a deliberate skip, not a failure.
		// The task completes so it is not retried forever.
		metrics.RecordTaskSkipped()
		s.logger.Info("skipping send, contact is not subscribed",
			zap.String("email_id", email.ID.String()),
			zap.String("contact_status", email.Contact.Status),
		)
		return nil
	}

	from := email.From
	if from == "" && email.Campaign != nil {
		from = email.Campaign.From
	}
	if from == "" {
		from = s.config.DefaultFrom
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.config.SendTimeout)
	defer cancel()

	messageID, err := s.mailer.Send(sendCtx, mailer.Message{
		From:    from,
		To:      email.Contact.Email,
		Subject: email.Subject,
		Body:    email.Body,
	})
	if err != nil {
		return err
	}

	if err := s.repo.MarkEmailSent(ctx, email.ID, messageID, s.now()); err != nil {
		return fmt.Errorf("mark email sent: %w", err)
	}

	metrics.RecordEmailSent()
	return nil
}
