package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/punchamoorthee/bankops/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryClaimEventIsLinearizable(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := domain.IdempotenceKey{RoutingNumber: 222, LocallyGeneratedKey: "k"}

	var (
		wg      sync.WaitGroup
		created atomic.Int32
		ids     sync.Map
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := &domain.Event{Key: key, MessageType: domain.MessageNewTx, Direction: domain.DirectionIncoming}
			ok, err := m.ClaimEvent(ctx, e)
			assert.NoError(t, err)
			if ok {
				created.Add(1)
			}
			ids.Store(e.ID, true)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	n := 0
	ids.Range(func(_, _ interface{}) bool { n++; return true })
	assert.Equal(t, 1, n, "every caller sees the same event")
	assert.Len(t, m.ListEvents(), 1)
}

func TestMemoryDeliveries(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	err := m.AppendDelivery(ctx, &domain.EventDelivery{EventID: 99, HTTPStatus: 200})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	e := &domain.Event{Key: domain.NewIdempotenceKey(111), Direction: domain.DirectionOutgoing}
	require.NoError(t, m.CreateEvent(ctx, e))
	assert.ErrorIs(t, m.CreateEvent(ctx, &domain.Event{Key: e.Key}), domain.ErrConflict)

	_, err = m.FirstDelivery(ctx, e.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, m.AppendDelivery(ctx, &domain.EventDelivery{EventID: e.ID, Status: domain.DeliveryFailure, HTTPStatus: 500}))
	require.NoError(t, m.AppendDelivery(ctx, &domain.EventDelivery{EventID: e.ID, Status: domain.DeliverySuccess, HTTPStatus: 200}))

	first, err := m.FirstDelivery(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 500, first.HTTPStatus)

	all, err := m.ListDeliveries(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	found, err := m.FindEvent(ctx, e.Key)
	require.NoError(t, err)
	assert.Equal(t, e.ID, found.ID)
}

func TestMemorySagaAccounting(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seller := m.AddAccount(domain.Account{OwnerID: 1, Number: "111001", Currency: "RSD", Balance: decimal.NewFromInt(500)})
	buyer := m.AddAccount(domain.Account{OwnerID: 2, Number: "111002", Currency: "RSD"})
	now := time.Now()

	open := func(uid string, amount int64) *domain.Saga {
		return &domain.Saga{
			UID: uid, SellerAccountID: seller.ID, BuyerAccountID: buyer.ID,
			Amount: decimal.NewFromInt(amount), Stage: domain.StageInitialized, CreatedAt: now, UpdatedAt: now,
		}
	}

	a := open("a", 200)
	require.NoError(t, m.OpenSaga(ctx, a))
	b := open("b", 300)
	require.NoError(t, m.OpenSaga(ctx, b))
	assert.ErrorIs(t, m.OpenSaga(ctx, open("c", 1)), domain.ErrInsufficientFunds)
	assert.ErrorIs(t, m.OpenSaga(ctx, open("a", 1)), domain.ErrConflict)

	acct, _ := m.GetAccount(ctx, seller.ID)
	assert.True(t, acct.Available.IsZero())
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(500)))

	a.Stage = domain.StageAckPending
	require.NoError(t, m.AdvanceSaga(ctx, a, domain.StageInitialized))
	assert.ErrorIs(t, m.AdvanceSaga(ctx, a, domain.StageInitialized), domain.ErrConflict)

	require.NoError(t, m.CommitSaga(ctx, a))
	assert.Equal(t, domain.StageCommitted, a.Stage)
	assert.ErrorIs(t, m.CommitSaga(ctx, a), domain.ErrConflict)

	b.Reason = "cancelled"
	require.NoError(t, m.AbortSaga(ctx, b))
	assert.Equal(t, domain.StageRolledBack, b.Stage)

	acct, _ = m.GetAccount(ctx, seller.ID)
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(300)))
	assert.True(t, acct.Available.Equal(decimal.NewFromInt(300)))
	dst, _ := m.GetAccount(ctx, buyer.ID)
	assert.True(t, dst.Balance.Equal(decimal.NewFromInt(200)))

	stale, err := m.StaleSagas(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale, "archived sagas are never stale")

	sum := decimal.Zero
	for _, id := range []int64{seller.ID, buyer.ID} {
		entries, err := m.Entries(ctx, id)
		require.NoError(t, err)
		for _, e := range entries {
			sum = sum.Add(e.Delta)
		}
	}
	assert.True(t, sum.IsZero(), "ledger legs cancel out")
}

func TestMemoryOwnerLookups(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	acct := m.AddAccount(domain.Account{OwnerID: 7, Number: "111042", Currency: "RSD"})
	card := m.AddCard(domain.Card{AccountID: acct.ID, Number: "4111"})
	loan := m.AddLoan(domain.Loan{AccountID: acct.ID, Amount: decimal.NewFromInt(10)})
	rcv := m.AddReceiver(domain.Receiver{CustomerID: 7, AccountNumber: "222001"})

	owner, err := m.AccountOwner(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), owner)

	cardAcct, err := m.CardAccount(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, acct.ID, cardAcct)

	loanAcct, err := m.LoanAccount(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, acct.ID, loanAcct)

	customer, err := m.ReceiverCustomer(ctx, rcv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), customer)

	_, err = m.CardAccount(ctx, 9999)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	blocked, err := m.BlockCard(ctx, card.ID)
	require.NoError(t, err)
	assert.True(t, blocked.Blocked)
}
