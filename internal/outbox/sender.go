// Package outbox drains queued notification emails.
package outbox

import (
	"context"
	"time"

	"github.com/matheus3301/mediate/internal/metrics"
	"github.com/matheus3301/mediate/internal/store"
	"go.uber.org/zap"
)

// Options tunes the drain loop.
type Options struct {
	Interval    time.Duration
	Batch       int
	MaxAttempts int
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.Batch <= 0 {
		o.Batch = 50
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
}

// Sender drains the email outbox through a Mailer.
type Sender struct {
	db      *store.DB
	mailer  Mailer
	logger  *zap.Logger
	metrics *metrics.Metrics
	opts    Options
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, mailer Mailer, logger *zap.Logger, m *metrics.Metrics, opts Options) *Sender {
	opts.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:      db,
		mailer:  mailer,
		logger:  logger,
		metrics: m,
		opts:    opts,
	}
}

// Start begins polling the outbox for pending emails.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sender loop and waits for the current batch.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Drain(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("failed to drain outbox", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Drain sends one batch of queued emails and returns how many were sent.
// Failed entries are retried on later passes until MaxAttempts.
func (s *Sender) Drain(ctx context.Context) (int, error) {
	if _, err := s.db.RequeueFailedEmails(ctx, s.opts.MaxAttempts); err != nil {
		return 0, err
	}
	pending, err := s.db.PendingEmails(ctx, s.opts.Batch)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, entry := range pending {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if err := s.db.MarkEmailSending(ctx, entry.ID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.Int64("email", entry.ID))
			continue
		}

		if err := s.mailer.Send(ctx, entry.Recipient, entry.Subject, entry.HTMLBody); err != nil {
			s.metrics.EmailAttempt(false)
			s.logger.Warn("failed to send email",
				zap.Error(err),
				zap.Int64("email", entry.ID),
				zap.String("notification", entry.NotificationID),
				zap.Int("attempt", entry.Attempts+1))
			if err := s.db.MarkEmailFailed(ctx, entry.ID, err.Error()); err != nil {
				s.logger.Error("failed to mark failed", zap.Error(err), zap.Int64("email", entry.ID))
			}
			continue
		}

		s.metrics.EmailAttempt(true)
		if err := s.db.MarkEmailSent(ctx, entry.ID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.Int64("email", entry.ID))
			continue
		}
		sent++
		s.logger.Info("email sent", zap.Int64("email", entry.ID), zap.String("notification", entry.NotificationID))
	}
	return sent, nil
}
