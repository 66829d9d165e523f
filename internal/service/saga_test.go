package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/punchamoorthee/bankops/internal/domain"
	"github.com/punchamoorthee/bankops/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initiation(f *fixture, uid, amount string) domain.SagaInitiation {
	return domain.SagaInitiation{
		UID:             uid,
		SellerAccountID: f.seller.ID,
		BuyerAccountID:  f.buyer.ID,
		Amount:          dec(amount),
	}
}

func TestEngineInitiate(t *testing.T) {
	ctx := context.Background()

	t.Run("places hold and waits for ack", func(t *testing.T) {
		f := newFixture(t)
		s, err := f.engine.Initiate(ctx, initiation(f, "otc-1", "250"))
		require.NoError(t, err)
		assert.Equal(t, domain.StageAckPending, s.Stage)
		assert.True(t, s.Held.Equal(dec("250")))

		seller := f.account(t, f.seller.ID)
		assert.True(t, seller.Balance.Equal(dec("1000")))
		assert.True(t, seller.Available.Equal(dec("750")))

		acks := f.notifier.all()
		require.Len(t, acks, 1)
		assert.Equal(t, "otc-1", acks[0].UID)
		assert.False(t, acks[0].Failure)
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.Initiate(ctx, initiation(f, "otc-1", "0"))
		assert.ErrorIs(t, err, domain.ErrInvalidAmount)
		_, err = f.engine.Initiate(ctx, initiation(f, "otc-2", "-5"))
		assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	})

	t.Run("insufficient funds leaves nothing behind", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.Initiate(ctx, initiation(f, "otc-1", "1000.01"))
		assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
		_, err = f.engine.History(ctx, "otc-1")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.True(t, f.account(t, f.seller.ID).Available.Equal(dec("1000")))
	})

	t.Run("duplicate uid conflicts even after archive", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.Initiate(ctx, initiation(f, "otc-1", "10"))
		require.NoError(t, err)
		_, err = f.engine.Initiate(ctx, initiation(f, "otc-1", "10"))
		assert.ErrorIs(t, err, domain.ErrConflict)

		_, err = f.engine.Rollback(ctx, "otc-1", "test")
		require.NoError(t, err)
		_, err = f.engine.Initiate(ctx, initiation(f, "otc-1", "10"))
		assert.ErrorIs(t, err, domain.ErrConflict)
	})

	t.Run("currency mismatch", func(t *testing.T) {
		f := newFixture(t)
		in := initiation(f, "otc-1", "10")
		in.BuyerAccountID = f.euro.ID
		_, err := f.engine.Initiate(ctx, in)
		assert.ErrorIs(t, err, domain.ErrCurrencyMismatch)
	})
}

func TestEngineProceedCommits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.engine.Initiate(ctx, initiation(f, "otc-1", "100"))
	require.NoError(t, err)

	s, err := f.engine.Proceed(ctx, "otc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageCommitted, s.Stage)

	seller := f.account(t, f.seller.ID)
	buyer := f.account(t, f.buyer.ID)
	assert.True(t, seller.Balance.Equal(dec("900")), seller.Balance.String())
	assert.True(t, seller.Available.Equal(dec("900")), seller.Available.String())
	assert.True(t, buyer.Balance.Equal(dec("100")))
	assert.True(t, buyer.Available.Equal(dec("100")))

	_, err = f.engine.Lookup(ctx, "otc-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	h, err := f.engine.History(ctx, "otc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageCommitted, h.Stage)

	_, err = f.engine.Proceed(ctx, "otc-1")
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
	assert.ErrorIs(t, err, domain.ErrStageOutOfRange)

	_, err = f.engine.Rollback(ctx, "otc-1", "late")
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)

	entries, err := f.store.Entries(ctx, f.seller.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "otc-1", entries[0].Reference)
	assert.True(t, entries[0].Delta.Equal(dec("-100")))
}

func TestEngineRollbackIsNetZero(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.engine.Initiate(ctx, initiation(f, "otc-1", "400"))
	require.NoError(t, err)

	s, err := f.engine.Rollback(ctx, "otc-1", "buyer cancelled")
	require.NoError(t, err)
	assert.Equal(t, domain.StageRolledBack, s.Stage)
	assert.Equal(t, "buyer cancelled", s.Reason)

	seller := f.account(t, f.seller.ID)
	buyer := f.account(t, f.buyer.ID)
	assert.True(t, seller.Balance.Equal(dec("1000")))
	assert.True(t, seller.Available.Equal(dec("1000")))
	assert.True(t, buyer.Balance.IsZero())

	acks := f.notifier.all()
	require.Len(t, acks, 2)
	assert.True(t, acks[1].Failure)
	assert.Equal(t, "buyer cancelled", acks[1].Message)

	_, err = f.engine.Rollback(ctx, "otc-1", "again")
	assert.ErrorIs(t, err, domain.ErrStageOutOfRange)
}

func TestEngineUnknownSaga(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.engine.Proceed(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.engine.Rollback(ctx, "missing", "x")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.engine.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEngineConcurrentProceedSettlesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.engine.Initiate(ctx, initiation(f, "otc-1", "100"))
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		committed atomic.Int32
		violated  atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Proceed(ctx, "otc-1")
			switch {
			case err == nil:
				committed.Add(1)
			case errors.Is(err, domain.ErrProtocolViolation):
				violated.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), committed.Load())
	assert.Equal(t, int32(15), violated.Load())
	assert.True(t, f.account(t, f.seller.ID).Balance.Equal(dec("900")))
	assert.True(t, f.account(t, f.buyer.ID).Balance.Equal(dec("100")))
}

func TestEngineStagesNeverMoveBackwards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	s, err := f.engine.Initiate(ctx, initiation(f, "otc-1", "1"))
	require.NoError(t, err)
	seen := []domain.Stage{s.Stage}

	for i := 0; i < 3; i++ {
		s, err := f.engine.Proceed(ctx, "otc-1")
		if err != nil {
			break
		}
		seen = append(seen, s.Stage)
	}
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, int(seen[i]), int(seen[i-1]))
	}
	assert.Equal(t, domain.StageCommitted, seen[len(seen)-1])
}

type failingCommitStore struct {
	*store.Memory
}

func (failingCommitStore) CommitSaga(context.Context, *domain.Saga) error {
	return domain.ErrTransient
}

func TestEngineSettlementFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	engine := NewEngine(failingCommitStore{f.store}, f.notifier, time.Minute, nil)

	_, err := engine.Initiate(ctx, initiation(f, "otc-1", "300"))
	require.NoError(t, err)

	_, err = engine.Proceed(ctx, "otc-1")
	assert.ErrorIs(t, err, domain.ErrTransient)

	h, err := engine.History(ctx, "otc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageRolledBack, h.Stage)
	assert.True(t, f.account(t, f.seller.ID).Available.Equal(dec("1000")))
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.engine.Initiate(ctx, initiation(f, "otc-old", "100"))
	require.NoError(t, err)

	n, err := f.engine.SweepExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n, "fresh sagas are left alone")

	n, err = f.engine.SweepExpired(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h, err := f.engine.History(ctx, "otc-old")
	require.NoError(t, err)
	assert.Equal(t, domain.StageRolledBack, h.Stage)
	assert.Equal(t, ReasonAckTimeout, h.Reason)
	assert.True(t, f.account(t, f.seller.ID).Available.Equal(dec("1000")))

	n, err = f.engine.SweepExpired(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNewSweeperSchedules(t *testing.T) {
	f := newFixture(t)
	s, err := NewSweeper(f.engine, 15*time.Second, nil)
	require.NoError(t, err)
	s.Start()
	<-s.Stop().Done()
}

func TestPayPremium(t *testing.T) {
	ctx := context.Background()

	t.Run("moves funds", func(t *testing.T) {
		f := newFixture(t)
		ref, err := f.engine.PayPremium(ctx, domain.PremiumRequest{FromAccountID: f.seller.ID, ToAccountID: f.buyer.ID, Amount: dec("12.5")})
		require.NoError(t, err)
		assert.NotEmpty(t, ref)
		assert.True(t, f.account(t, f.seller.ID).Balance.Equal(dec("987.5")))
		assert.True(t, f.account(t, f.buyer.ID).Balance.Equal(dec("12.5")))
	})

	t.Run("respects holds", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.Initiate(ctx, initiation(f, "otc-1", "995"))
		require.NoError(t, err)
		_, err = f.engine.PayPremium(ctx, domain.PremiumRequest{FromAccountID: f.seller.ID, ToAccountID: f.buyer.ID, Amount: dec("10")})
		assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	})

	t.Run("rejects bad requests", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.PayPremium(ctx, domain.PremiumRequest{FromAccountID: f.seller.ID, ToAccountID: f.euro.ID, Amount: dec("1")})
		assert.ErrorIs(t, err, domain.ErrCurrencyMismatch)
		_, err = f.engine.PayPremium(ctx, domain.PremiumRequest{FromAccountID: f.seller.ID, ToAccountID: f.seller.ID, Amount: dec("1")})
		assert.ErrorIs(t, err, domain.ErrMalformed)
		_, err = f.engine.PayPremium(ctx, domain.PremiumRequest{FromAccountID: f.seller.ID, ToAccountID: f.buyer.ID})
		assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	})
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	unlockB := k.Lock("b")
	unlock()
	unlockB()
	assert.Empty(t, k.locks)
}
