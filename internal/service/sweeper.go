package service

import (
	"context"
	"errors"
	"time"

	"github.com/punchamoorthee/bankops/internal/domain"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const ReasonAckTimeout = "acknowledgement timeout"

// SweepExpired rolls back every open saga that has not moved since now minus the saga timeout.
// It returns how many sagas it rolled back.
func (e *Engine) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	stale, err := e.store.StaleSagas(ctx, now.Add(-e.timeout))
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, s := range stale {
		if _, err := e.Rollback(ctx, s.UID, ReasonAckTimeout); err != nil {
			// Finished between the scan and the lock.
			if errors.Is(err, domain.ErrStageOutOfRange) {
				continue
			}
			e.log.Error("sweeper rollback failed", zap.String("uid", s.UID), zap.Error(err))
			continue
		}
		sweeperRollbacks.Inc()
		swept++
	}
	return swept, nil
}

// Sweeper runs SweepExpired on a fixed interval. Overlapping runs are skipped.
type Sweeper struct {
	engine *Engine
	cron   *cron.Cron
	log    *zap.Logger
}

func NewSweeper(engine *Engine, interval time.Duration, log *zap.Logger) (*Sweeper, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Sweeper{
		engine: engine,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		log:    log,
	}
	if _, err := s.cron.AddFunc("@every "+interval.String(), s.run); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := s.engine.SweepExpired(ctx, time.Now())
	if err != nil {
		s.log.Error("saga sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("saga sweep rolled back expired sagas", zap.Int("count", n))
	}
}

func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts scheduling and returns a context that is done once a running sweep finishes.
func (s *Sweeper) Stop() context.Context { return s.cron.Stop() }
