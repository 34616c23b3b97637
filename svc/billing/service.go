package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/billingest/pkg/logger"
)

// Result reports what processing an event amounted to.
type Result struct {
	EventType   string
	AttemptNo   int
	Duplicate   bool
	Quarantined bool
}

// Service runs the ingestion pipeline for one verified event: ledger insert,
// duplicate short-circuit, attempt tracking, dispatch, and outcome recording.
// Construct it once at startup and share it across requests.
type Service struct {
	store      Store
	dispatcher *Dispatcher
	log        *slog.Logger
	now        func() time.Time
}

// NewService wires the pipeline.
func NewService(store Store, dispatcher *Dispatcher, log *slog.Logger) *Service {
	return &Service{
		store:      store,
		dispatcher: dispatcher,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ProcessEvent handles a single delivery. The event must already be
// signature-verified. Duplicate redelivery after a processed outcome returns
// Result.Duplicate with no business side effects; a delivery after a failed
// or interrupted attempt reprocesses. Handler failures are recorded as a
// failed attempt and returned wrapped in ErrHandlerFailed so the HTTP
// boundary surfaces a retryable status.
func (s *Service) ProcessEvent(ctx context.Context, ev Event) (Result, error) {
	inserted, err := s.store.InsertEvent(ctx, WebhookEvent{
		EventID:    ev.ID,
		EventType:  ev.Type,
		Payload:    ev.Raw,
		ReceivedAt: s.now(),
	})
	if err != nil {
		return Result{}, err
	}

	if !inserted {
		status, found, err := s.store.LastAttemptStatus(ctx, ev.ID)
		if err != nil {
			return Result{}, err
		}
		if found && status == AttemptProcessed {
			return s.acknowledgeDuplicate(ctx, ev)
		}
		// A prior failed or interrupted attempt must be retried, never
		// silently dropped; fall through and reprocess.
	}

	attemptNo, err := s.store.NextAttemptNumber(ctx, ev.ID)
	if err != nil {
		return Result{}, err
	}

	// The processing marker is durable before dispatch so a crash mid-handler
	// is distinguishable from "never tried".
	if err := s.recordAttempt(ctx, ev, attemptNo, AttemptProcessing, ""); err != nil {
		return Result{}, err
	}

	var quarantined bool
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		q, err := s.dispatcher.Dispatch(ctx, tx, ev)
		if err != nil {
			return err
		}
		quarantined = q
		return tx.RecordAttempt(ctx, WebhookAttempt{
			EventID:   ev.ID,
			EventType: ev.Type,
			AttemptNo: attemptNo,
			Status:    AttemptProcessed,
			CreatedAt: s.now(),
		})
	})
	if err != nil {
		s.log.ErrorContext(ctx, "webhook processing failed",
			logger.EventID(ev.ID),
			logger.EventType(ev.Type),
			logger.AttemptNo(attemptNo),
			logger.Error(err),
		)
		if recErr := s.recordAttempt(ctx, ev, attemptNo, AttemptFailed, err.Error()); recErr != nil {
			s.log.ErrorContext(ctx, "failed to record failed attempt",
				logger.EventID(ev.ID), logger.Error(recErr))
		}
		if errors.Is(err, ErrMalformedPayload) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: %w", ErrHandlerFailed, err)
	}

	s.log.InfoContext(ctx, "webhook event processed",
		logger.EventID(ev.ID),
		logger.EventType(ev.Type),
		logger.AttemptNo(attemptNo),
		slog.Bool("quarantined", quarantined),
	)

	return Result{EventType: ev.Type, AttemptNo: attemptNo, Quarantined: quarantined}, nil
}

// acknowledgeDuplicate appends a duplicate attempt row for the audit trail
// and returns without touching any business state.
func (s *Service) acknowledgeDuplicate(ctx context.Context, ev Event) (Result, error) {
	attemptNo, err := s.store.NextAttemptNumber(ctx, ev.ID)
	if err != nil {
		return Result{}, err
	}
	if err := s.recordAttempt(ctx, ev, attemptNo, AttemptDuplicate, ""); err != nil {
		return Result{}, err
	}

	s.log.InfoContext(ctx, "duplicate webhook delivery acknowledged",
		logger.EventID(ev.ID),
		logger.EventType(ev.Type),
		logger.AttemptNo(attemptNo),
	)
	return Result{EventType: ev.Type, AttemptNo: attemptNo, Duplicate: true}, nil
}

func (s *Service) recordAttempt(ctx context.Context, ev Event, attemptNo int, status AttemptStatus, errMsg string) error {
	return s.store.RecordAttempt(ctx, WebhookAttempt{
		EventID:      ev.ID,
		EventType:    ev.Type,
		AttemptNo:    attemptNo,
		Status:       status,
		ErrorMessage: errMsg,
		CreatedAt:    s.now(),
	})
}
