package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/punchamoorthee/bankops/internal/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SagaStore persists sagas. Every method is atomic on its own.
type SagaStore interface {
	OpenSaga(ctx context.Context, s *domain.Saga) error
	AdvanceSaga(ctx context.Context, s *domain.Saga, from domain.Stage) error
	CommitSaga(ctx context.Context, s *domain.Saga) error
	AbortSaga(ctx context.Context, s *domain.Saga) error
	GetSaga(ctx context.Context, uid string) (*domain.Saga, error)
	StaleSagas(ctx context.Context, before time.Time) ([]domain.Saga, error)
	Transfer(ctx context.Context, from, to int64, amount decimal.Decimal, reference string) error
}

// Notifier tells the initiating service how a saga went.
type Notifier interface {
	NotifySaga(ctx context.Context, ack domain.SagaAck) error
}

// Engine drives sagas through INITIALIZED -> ACK_PENDING -> COMMITTED, or to ROLLED_BACK.
// Work on one uid is serialized; distinct uids run concurrently.
type Engine struct {
	store   SagaStore
	notify  Notifier
	locks   *keyedMutex
	log     *zap.Logger
	timeout time.Duration
}

func NewEngine(store SagaStore, notify Notifier, timeout time.Duration, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: store, notify: notify, locks: newKeyedMutex(), log: log, timeout: timeout}
}

// Initiate opens a saga, places the seller hold and moves it to ACK_PENDING.
func (e *Engine) Initiate(ctx context.Context, in domain.SagaInitiation) (*domain.Saga, error) {
	if in.UID == "" {
		return nil, fmt.Errorf("%w: saga uid is required", domain.ErrMalformed)
	}
	if !in.Amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}

	unlock := e.locks.Lock(in.UID)
	defer unlock()

	now := time.Now()
	s := &domain.Saga{
		UID:             in.UID,
		SellerAccountID: in.SellerAccountID,
		BuyerAccountID:  in.BuyerAccountID,
		Amount:          in.Amount,
		Stage:           domain.StageInitialized,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.OpenSaga(ctx, s); err != nil {
		return nil, err
	}
	sagaTransitions.WithLabelValues(s.Stage.String()).Inc()

	from := s.Stage
	if err := s.NextStage(); err != nil {
		return nil, err
	}
	if err := e.store.AdvanceSaga(ctx, s, from); err != nil {
		// Left at INITIALIZED; the sweeper releases the hold.
		e.log.Error("saga advance failed", zap.String("uid", s.UID), zap.Error(err))
		return nil, err
	}
	sagaTransitions.WithLabelValues(s.Stage.String()).Inc()

	e.log.Info("saga initiated", zap.String("uid", s.UID),
		zap.Int64("seller", s.SellerAccountID), zap.Int64("buyer", s.BuyerAccountID),
		zap.String("amount", s.Amount.String()))
	e.publish(ctx, domain.SagaAck{UID: s.UID, Message: "initiated"})
	return s, nil
}

// Proceed advances the saga one stage. Entering COMMITTED settles it; if settlement fails the saga
// is rolled back and the settlement error returned.
func (e *Engine) Proceed(ctx context.Context, uid string) (*domain.Saga, error) {
	unlock := e.locks.Lock(uid)
	defer unlock()

	s, err := e.store.GetSaga(ctx, uid)
	if err != nil {
		return nil, err
	}
	from := s.Stage
	if err := s.NextStage(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrProtocolViolation, err)
	}
	s.UpdatedAt = time.Now()

	if s.Stage != domain.StageCommitted {
		if err := e.store.AdvanceSaga(ctx, s, from); err != nil {
			return nil, err
		}
		sagaTransitions.WithLabelValues(s.Stage.String()).Inc()
		return s, nil
	}

	if err := e.store.CommitSaga(ctx, s); err != nil {
		e.log.Error("saga settlement failed", zap.String("uid", uid), zap.Error(err))
		s.Stage = from
		if _, rerr := e.abort(ctx, s, "settlement failed: "+err.Error()); rerr != nil {
			e.log.Error("automatic rollback failed", zap.String("uid", uid), zap.Error(rerr))
		}
		return nil, err
	}
	sagaTransitions.WithLabelValues(s.Stage.String()).Inc()
	e.log.Info("saga committed", zap.String("uid", uid), zap.String("amount", s.Amount.String()))
	return s, nil
}

// Settle proceeds until the saga is COMMITTED. A saga left at INITIALIZED settles on one call.
func (e *Engine) Settle(ctx context.Context, uid string) (*domain.Saga, error) {
	for {
		s, err := e.Proceed(ctx, uid)
		if err != nil || s.Stage == domain.StageCommitted {
			return s, err
		}
	}
}

// SameInitiation reports whether the saga stored under in.UID was opened with the same accounts and
// amount, whatever stage it is in now.
func (e *Engine) SameInitiation(ctx context.Context, in domain.SagaInitiation) bool {
	s, err := e.store.GetSaga(ctx, in.UID)
	if err != nil {
		return false
	}
	return s.SellerAccountID == in.SellerAccountID &&
		s.BuyerAccountID == in.BuyerAccountID &&
		s.Amount.Equal(in.Amount)
}

// Rollback moves a non-terminal saga to ROLLED_BACK and releases its hold.
func (e *Engine) Rollback(ctx context.Context, uid, reason string) (*domain.Saga, error) {
	unlock := e.locks.Lock(uid)
	defer unlock()

	s, err := e.store.GetSaga(ctx, uid)
	if err != nil {
		return nil, err
	}
	return e.abort(ctx, s, reason)
}

// abort expects the uid lock to be held.
func (e *Engine) abort(ctx context.Context, s *domain.Saga, reason string) (*domain.Saga, error) {
	if err := s.RollBack(reason); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrProtocolViolation, err)
	}
	s.UpdatedAt = time.Now()
	if err := e.store.AbortSaga(ctx, s); err != nil {
		return nil, err
	}
	sagaTransitions.WithLabelValues(s.Stage.String()).Inc()
	e.log.Warn("saga rolled back", zap.String("uid", s.UID), zap.String("reason", reason))
	e.publish(ctx, domain.SagaAck{UID: s.UID, Failure: true, Message: reason})
	return s, nil
}

// Lookup returns an active saga. Archived sagas are reported as not found.
func (e *Engine) Lookup(ctx context.Context, uid string) (*domain.Saga, error) {
	s, err := e.store.GetSaga(ctx, uid)
	if err != nil {
		return nil, err
	}
	if s.Stage.Terminal() {
		return nil, fmt.Errorf("saga %s is archived: %w", uid, domain.ErrNotFound)
	}
	return s, nil
}

// History returns the saga whether or not it has been archived.
func (e *Engine) History(ctx context.Context, uid string) (*domain.Saga, error) {
	return e.store.GetSaga(ctx, uid)
}

func (e *Engine) publish(ctx context.Context, ack domain.SagaAck) {
	if e.notify == nil {
		return
	}
	if err := e.notify.NotifySaga(ctx, ack); err != nil {
		e.log.Warn("saga notification failed", zap.String("uid", ack.UID), zap.Error(err))
	}
}

// resolvedAs reports whether err came from touching a saga already archived in stage want.
func (e *Engine) resolvedAs(ctx context.Context, uid string, err error, want domain.Stage) bool {
	if !errors.Is(err, domain.ErrStageOutOfRange) {
		return false
	}
	s, herr := e.History(ctx, uid)
	return herr == nil && s.Stage == want
}
