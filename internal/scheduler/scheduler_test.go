package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sablemail/sable/internal/db"
	"github.com/sablemail/sable/internal/mailer"
)

type taskUpdate struct {
	id          uuid.UUID
	status      string
	errorMsg    *string
	processedAt *time.Time
}

type sentMail struct {
	emailID   uuid.UUID
	messageID string
}

type fakeRepo struct {
	due    []*db.Task
	dueErr error

	emails map[uuid.UUID]*db.EmailWithRelations

	taskUpdates  []taskUpdate
	emailStatus  map[uuid.UUID]string
	sent         []sentMail
	markSentErr  error
	claimFailErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		emails:      make(map[uuid.UUID]*db.EmailWithRelations),
		emailStatus: make(map[uuid.UUID]string),
	}
}

func (r *fakeRepo) DueTasks(ctx context.Context, now time.Time) ([]*db.Task, error) {
	if r.dueErr != nil {
		return nil, r.dueErr
	}
	return r.due, nil
}

func (r *fakeRepo) UpdateTaskStatus(ctx context.Context, id uuid.UUID, status string, errorMsg *string, processedAt *time.Time) error {
	if r.claimFailErr != nil && status == db.TaskStatusProcessing {
		return r.claimFailErr
	}
	r.taskUpdates = append(r.taskUpdates, taskUpdate{id: id, status: status, errorMsg: errorMsg, processedAt: processedAt})
	return nil
}

func (r *fakeRepo) GetEmailWithRelations(ctx context.Context, id uuid.UUID) (*db.EmailWithRelations, error) {
	email, ok := r.emails[id]
	if !ok {
		return nil, fmt.Errorf("email %s: %w", id, db.ErrNotFound)
	}
	return email, nil
}

func (r *fakeRepo) MarkEmailSent(ctx context.Context, id uuid.UUID, messageID string, sentAt time.Time) error {
	if r.markSentErr != nil {
		return r.markSentErr
	}
	r.sent = append(r.sent, sentMail{emailID: id, messageID: messageID})
	return nil
}

func (r *fakeRepo) UpdateEmailStatus(ctx context.Context, id uuid.UUID, status string) error {
	r.emailStatus[id] = status
	return nil
}

// lastUpdateFor returns the most recent status update for a task.
func (r *fakeRepo) lastUpdateFor(id uuid.UUID) *taskUpdate {
	for i := len(r.taskUpdates) - 1; i >= 0; i-- {
		if r.taskUpdates[i].id == id {
			return &r.taskUpdates[i]
		}
	}
	return nil
}

type fakeMailer struct {
	messages  []mailer.Message
	messageID string
	err       error
}

func (m *fakeMailer) Send(ctx context.Context, msg mailer.Message) (string, error) {
	m.messages = append(m.messages, msg)
	if m.err != nil {
		return "", m.err
	}
	return m.messageID, nil
}

func queuedEmail(repo *fakeRepo, contactStatus string) (*db.Task, *db.EmailWithRelations) {
	emailID := uuid.New()
	projectID := uuid.New()

	email := &db.EmailWithRelations{
		Email: db.Email{
			ID:        emailID,
			ProjectID: projectID,
			ContactID: uuid.New(),
			Subject:   "Hello",
			Body:      "# Welcome",
			Status:    db.EmailStatusQueued,
		},
		Contact: db.Contact{
			ID:     uuid.New(),
			Email:  "reader@example.com",
			Status: contactStatus,
		},
	}
	repo.emails[emailID] = email

	task := &db.Task{
		ID:          uuid.New(),
		ProjectID:   projectID,
		Type:        db.TaskTypeSendEmail,
		Status:      db.TaskStatusPending,
		ScheduledAt: time.Now().Add(-time.Minute),
		EmailID:     &emailID,
	}
	repo.due = append(repo.due, task)

	return task, email
}

func newTestScheduler(repo *fakeRepo, m Mailer) *Scheduler {
	return New(repo, m, Config{
		TickInterval: time.Minute,
		SendTimeout:  time.Second,
		DefaultFrom:  "hello@sable.local",
	}, zap.NewNop())
}

func TestRunTick_SendsDueEmail(t *testing.T) {
	repo := newFakeRepo()
	task, email := queuedEmail(repo, db.ContactStatusSubscribed)
	m := &fakeMailer{messageID: "ses-msg-1"}
	s := newTestScheduler(repo, m)

	s.runTick(context.Background())

	if len(m.messages) != 1 {
		t.Fatalf("expected 1 send, got %d", len(m.messages))
	}
	if m.messages[0].To != "reader@example.com" {
		t.Errorf("unexpected recipient %q", m.messages[0].To)
	}
	if m.messages[0].From != "hello@sable.local" {
		t.Errorf("expected default sender, got %q", m.messages[0].From)
	}

	if len(repo.sent) != 1 || repo.sent[0].messageID != "ses-msg-1" || repo.sent[0].emailID != email.ID {
		t.Errorf("unexpected sent record: %+v", repo.sent)
	}

	final := repo.lastUpdateFor(task.ID)
	if final == nil || final.status != db.TaskStatusCompleted {
		t.Fatalf("expected task completed, got %+v", final)
	}
	if final.processedAt == nil {
		t.Error("expected processed_at on completion")
	}
	if final.errorMsg != nil {
		t.Errorf("expected error cleared on completion, got %q", *final.errorMsg)
	}
}

func TestRunTick_TransportFailureFailsTaskAndEmail(t *testing.T) {
	repo := newFakeRepo()
	task, email := queuedEmail(repo, db.ContactStatusSubscribed)
	m := &fakeMailer{err: errors.New("smtp refused")}
	s := newTestScheduler(repo, m)

	s.runTick(context.Background())

	final := repo.lastUpdateFor(task.ID)
	if final == nil || final.status != db.TaskStatusFailed {
		t.Fatalf("expected task failed, got %+v", final)
	}
	if final.errorMsg == nil || !strings.Contains(*final.errorMsg, "smtp refused") {
		t.Errorf("expected transport error recorded, got %v", final.errorMsg)
	}
	if final.processedAt == nil {
		t.Error("expected processed_at on failure")
	}
	if repo.emailStatus[email.ID] != db.EmailStatusFailed {
		t.Errorf("expected email FAILED, got %q", repo.emailStatus[email.ID])
	}
}

func TestRunTick_RetryCarriesBreadcrumb(t *testing.T) {
	repo := newFakeRepo()
	task, _ := queuedEmail(repo, db.ContactStatusSubscribed)
	prev := "smtp refused"
	task.Status = db.TaskStatusFailed
	task.Error = &prev
	m := &fakeMailer{messageID: "ses-msg-2"}
	s := newTestScheduler(repo, m)

	s.runTick(context.Background())

	if len(repo.taskUpdates) == 0 {
		t.Fatal("expected task updates")
	}
	claim := repo.taskUpdates[0]
	if claim.status != db.TaskStatusProcessing {
		t.Fatalf("expected claim first, got %q", claim.status)
	}
	if claim.errorMsg == nil || *claim.errorMsg != "Retrying previously failed task: smtp refused" {
		t.Errorf("expected retry breadcrumb, got %v", claim.errorMsg)
	}

	final := repo.lastUpdateFor(task.ID)
	if final.status != db.TaskStatusCompleted {
		t.Errorf("expected retry to complete, got %q", final.status)
	}
}

func TestRunTick_RetryBreadcrumbDefaultsUnknownError(t *testing.T) {
	repo := newFakeRepo()
	task, _ := queuedEmail(repo, db.ContactStatusSubscribed)
	task.Status = db.TaskStatusFailed
	task.Error = nil
	m := &fakeMailer{messageID: "ses-msg-3"}
	s := newTestScheduler(repo, m)

	s.runTick(context.Background())

	claim := repo.taskUpdates[0]
	if claim.errorMsg == nil || *claim.errorMsg != "Retrying previously failed task: Unknown error" {
		t.Errorf("expected default breadcrumb, got %v", claim.errorMsg)
	}
}

func TestRunTick_SkipsUnsubscribedContact(t *testing.T) {
	repo := newFakeRepo()
	task, email := queuedEmail(repo, db.ContactStatusUnsubscribed)
	m := &fakeMailer{messageID: "should-not-send"}
	s := newTestScheduler(repo, m)

	s.runTick(context.Background())

	if len(m.messages) != 0 {
		t.Fatalf("expected no send for unsubscribed contact, got %d", len(m.messages))
	}

	// A suppressed send completes the task so it never retries.
	final := repo.lastUpdateFor(task.ID)
	if final == nil || final.status != db.TaskStatusCompleted {
		t.Fatalf("expected skipped task completed, got %+v", final)
	}
	if _, changed := repo.emailStatus[email.ID]; changed {
		t.Error("skipped email status should be untouched")
	}
}

func TestRunTick_FromFallsBackToCampaign(t *testing.T) {
	repo := newFakeRepo()
	_, email := queuedEmail(repo, db.ContactStatusSubscribed)
	email.Campaign = &db.Campaign{
		ID:   uuid.New(),
		From: "launch@example.com",
	}
	m := &fakeMailer{messageID: "ses-msg-4"}
	s := newTestScheduler(repo, m)

	s.runTick(context.Background())

	if len(m.messages) != 1 {
		t.Fatalf("expected 1 send, got %d", len(m.messages))
	}
	if m.messages[0].From != "launch@example.com" {
		t.Errorf("expected campaign sender, got %q", m.messages[0].From)
	}
}

func TestRunTick_UnsupportedTaskTypeFails(t *testing.T) {
	repo := newFakeRepo()
	task := &db.Task{
		ID:          uuid.New(),
		ProjectID:   uuid.New(),
		Type:        "REINDEX",
		Status:      db.TaskStatusPending,
		ScheduledAt: time.Now().Add(-time.Minute),
	}
	repo.due = []*db.Task{task}
	s := newTestScheduler(repo, &fakeMailer{})

	s.runTick(context.Background())

	final := repo.lastUpdateFor(task.ID)
	if final == nil || final.status != db.TaskStatusFailed {
		t.Fatalf("expected unsupported task failed, got %+v", final)
	}
	if final.errorMsg == nil || !strings.Contains(*final.errorMsg, "unsupported task type") {
		t.Errorf("expected unsupported type error, got %v", final.errorMsg)
	}
}

func TestRunTick_MissingEmailIDFails(t *testing.T) {
	repo := newFakeRepo()
	task := &db.Task{
		ID:          uuid.New(),
		ProjectID:   uuid.New(),
		Type:        db.TaskTypeSendEmail,
		Status:      db.TaskStatusPending,
		ScheduledAt: time.Now().Add(-time.Minute),
	}
	repo.due = []*db.Task{task}
	s := newTestScheduler(repo, &fakeMailer{})

	s.runTick(context.Background())

	final := repo.lastUpdateFor(task.ID)
	if final == nil || final.status != db.TaskStatusFailed {
		t.Fatalf("expected task failed, got %+v", final)
	}
	if final.errorMsg == nil || !strings.Contains(*final.errorMsg, "email id not found") {
		t.Errorf("expected missing email id error, got %v", final.errorMsg)
	}
}

func TestRunTick_OneFailureDoesNotStopBatch(t *testing.T) {
	repo := newFakeRepo()

	broken := &db.Task{
		ID:          uuid.New(),
		ProjectID:   uuid.New(),
		Type:        db.TaskTypeSendEmail,
		Status:      db.TaskStatusPending,
		ScheduledAt: time.Now().Add(-2 * time.Minute),
	}
	repo.due = []*db.Task{broken}

	healthy, _ := queuedEmail(repo, db.ContactStatusSubscribed)
	m := &fakeMailer{messageID: "ses-msg-5"}
	s := newTestScheduler(repo, m)

	s.runTick(context.Background())

	if got := repo.lastUpdateFor(broken.ID); got == nil || got.status != db.TaskStatusFailed {
		t.Errorf("expected first task failed, got %+v", got)
	}
	if got := repo.lastUpdateFor(healthy.ID); got == nil || got.status != db.TaskStatusCompleted {
		t.Errorf("expected second task completed, got %+v", got)
	}
}

func TestRunTick_ClaimFailureSkipsExecution(t *testing.T) {
	repo := newFakeRepo()
	queuedEmail(repo, db.ContactStatusSubscribed)
	repo.claimFailErr = errors.New("db down")
	m := &fakeMailer{messageID: "ses-msg-6"}
	s := newTestScheduler(repo, m)

	s.runTick(context.Background())

	if len(m.messages) != 0 {
		t.Errorf("expected no send when claim fails, got %d", len(m.messages))
	}
}

func TestStartStop(t *testing.T) {
	s := newTestScheduler(newFakeRepo(), &fakeMailer{})

	if s.IsRunning() {
		t.Fatal("scheduler should not be running before Start")
	}

	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !s.IsRunning() {
		t.Error("expected running after Start")
	}

	if err := s.Start(); err == nil {
		t.Error("expected error on double Start")
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if s.IsRunning() {
		t.Error("expected stopped after Stop")
	}

	// Stop is idempotent.
	if err := s.Stop(); err != nil {
		t.Fatalf("second stop failed: %v", err)
	}
}
