// Package scheduler drains the task queue on a recurring tick, claiming
// due tasks and recording their outcomes. Delivery is at-least-once:
// failed tasks stay eligible and are retried on every subsequent tick.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sablemail/sable/internal/db"
	"github.com/sablemail/sable/internal/mailer"
	"github.com/sablemail/sable/internal/metrics"
)

// Repository is the record-store surface the scheduler needs.
type Repository interface {
	DueTasks(ctx context.Context, now time.Time) ([]*db.Task, error)
	UpdateTaskStatus(ctx context.Context, id uuid.UUID, status string, errorMsg *string, processedAt *time.Time) error
	GetEmailWithRelations(ctx context.Context, id uuid.UUID) (*db.EmailWithRelations, error)
	MarkEmailSent(ctx context.Context, id uuid.UUID, messageID string, sentAt time.Time) error
	UpdateEmailStatus(ctx context.Context, id uuid.UUID, status string) error
}

// Mailer renders and dispatches a single email.
type Mailer interface {
	Send(ctx context.Context, msg mailer.Message) (string, error)
}

// Config holds scheduler settings.
type Config struct {
	TickInterval time.Duration // default 1 minute
	SendTimeout  time.Duration // bound on one transport call, default 30s
	DefaultFrom  string        // sender used when neither email nor campaign carries one
}

// Scheduler runs the recurring drain of the task queue.
type Scheduler struct {
	repo   Repository
	mailer Mailer
	config Config
	logger *zap.Logger

	cron    *cron.Cron
	entryID cron.EntryID

	mu       sync.Mutex
	running  bool
	inFlight atomic.Bool

	now func() time.Time
}

// New creates a scheduler. Dependencies are injected; nothing global.
func New(repo Repository, m Mailer, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 1 * time.Minute
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 30 * time.Second
	}

	return &Scheduler{
		repo:   repo,
		mailer: m,
		config: cfg,
		logger: logger,
		cron:   cron.New(),
		now:    time.Now,
	}
}

// Start begins the recurring tick.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	entryID, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.config.TickInterval), s.tick)
	if err != nil {
		return fmt.Errorf("add cron entry: %w", err)
	}

	s.entryID = entryID
	s.cron.Start()
	s.running = true

	s.logger.Info("scheduler started",
		zap.Duration("tick_interval", s.config.TickInterval),
	)
	return nil
}

// Stop halts the tick and waits for an in-progress drain to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	ctx := s.cron.Stop()

	select {
	case <-ctx.Done():
		s.logger.Info("scheduler stopped gracefully")
	case <-time.After(30 * time.Second):
		s.logger.Warn("scheduler stop timed out, abandoning in-flight tick")
	}

	s.running = false
	return nil
}

// IsRunning reports whether the scheduler is started.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// tick is the cron entrypoint. Ticks never overlap: if the previous
// drain is still running when the next fires, the new tick is skipped.
func (s *Scheduler) tick() {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.logger.Warn("previous tick still running, skipping")
		return
	}
	defer s.inFlight.Store(false)

	s.runTick(context.Background())
}

// runTick claims and processes every eligible task, strictly in order.
// A failure in one task never stops the rest of the batch.
func (s *Scheduler) runTick(ctx context.Context) {
	start := time.Now()

	tasks, err := s.repo.DueTasks(ctx, s.now())
	if err != nil {
		s.logger.Error("failed to query due tasks", zap.Error(err))
		return
	}
	if len(tasks) == 0 {
		return
	}

	s.logger.Info("processing due tasks", zap.Int("count", len(tasks)))

	processed := 0
	failed := 0
	for _, task := range tasks {
		if err := s.processTask(ctx, task); err != nil {
			failed++
		} else {
			processed++
		}
	}

	metrics.RecordTickDuration(time.Since(start))

	s.logger.Info("tick complete",
		zap.Int("processed", processed),
		zap.Int("failed", failed),
		zap.Duration("duration", time.Since(start)),
	)
}

// processTask claims one task, executes it, and finalizes its status.
func (s *Scheduler) processTask(ctx context.Context, task *db.Task) error {
	claimMsg := task.Error
	if task.Status == db.TaskStatusFailed {
		prev := "Unknown error"
		if task.Error != nil {
			prev = *task.Error
		}
		breadcrumb := "Retrying previously failed task: " + prev
		claimMsg = &breadcrumb
	}

	if err := s.repo.UpdateTaskStatus(ctx, task.ID, db.TaskStatusProcessing, claimMsg, nil); err != nil {
		s.logger.Error("failed to claim task",
			zap.Error(err),
			zap.String("task_id", task.ID.String()),
		)
		return err
	}

	execErr := s.execute(ctx, task)
	finishedAt := s.now()

	if execErr != nil {
		msg := execErr.Error()
		if msg == "" {
			msg = "Unknown error"
		}

		if err := s.repo.UpdateTaskStatus(ctx, task.ID, db.TaskStatusFailed, &msg, &finishedAt); err != nil {
			s.logger.Error("failed to finalize failed task",
				zap.Error(err),
				zap.String("task_id", task.ID.String()),
			)
		}

		if task.Type == db.TaskTypeSendEmail && task.EmailID != nil {
			if err := s.repo.UpdateEmailStatus(ctx, *task.EmailID, db.EmailStatusFailed); err != nil {
				s.logger.Error("failed to mark email failed",
					zap.Error(err),
					zap.String("email_id", task.EmailID.String()),
				)
			}
		}

		metrics.RecordTaskProcessed(task.Type, "failed")
		s.logger.Error("task failed",
			zap.Error(execErr),
			zap.String("task_id", task.ID.String()),
			zap.String("type", task.Type),
		)
		return execErr
	}

	if err := s.repo.UpdateTaskStatus(ctx, task.ID, db.TaskStatusCompleted, nil, &finishedAt); err != nil {
		s.logger.Error("failed to finalize completed task",
			zap.Error(err),
			zap.String("task_id", task.ID.String()),
		)
		return err
	}

	metrics.RecordTaskProcessed(task.Type, "completed")
	return nil
}
