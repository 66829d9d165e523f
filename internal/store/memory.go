package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/bankops/internal/domain"
	"github.com/shopspring/decimal"
)

// Memory keeps everything in maps behind a single mutex. Every method is one critical section,
// which gives the same atomicity the Postgres store gets from transactions.
type Memory struct {
	mu sync.Mutex

	accounts  map[int64]*domain.Account
	cards     map[int64]*domain.Card
	loans     map[int64]*domain.Loan
	receivers map[int64]*domain.Receiver
	entries   []domain.LedgerEntry
	sagas     map[string]*domain.Saga

	events     map[string]*domain.Event
	eventsByID map[int64]*domain.Event
	deliveries map[int64][]domain.EventDelivery

	seq int64
}

func NewMemory() *Memory {
	return &Memory{
		accounts:   make(map[int64]*domain.Account),
		cards:      make(map[int64]*domain.Card),
		loans:      make(map[int64]*domain.Loan),
		receivers:  make(map[int64]*domain.Receiver),
		sagas:      make(map[string]*domain.Saga),
		events:     make(map[string]*domain.Event),
		eventsByID: make(map[int64]*domain.Event),
		deliveries: make(map[int64][]domain.EventDelivery),
	}
}

func (m *Memory) Close() {}

func (m *Memory) next() int64 {
	m.seq++
	return m.seq
}

// AddAccount inserts a fixture account. A zero ID is assigned, Available defaults to Balance.
func (m *Memory) AddAccount(a domain.Account) domain.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == 0 {
		a.ID = m.next()
	} else if a.ID > m.seq {
		m.seq = a.ID
	}
	if a.Available.IsZero() && !a.Balance.IsZero() {
		a.Available = a.Balance
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	m.accounts[a.ID] = &a
	return a
}

func (m *Memory) AddCard(c domain.Card) domain.Card {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == 0 {
		c.ID = m.next()
	}
	m.cards[c.ID] = &c
	return c
}

func (m *Memory) AddLoan(l domain.Loan) domain.Loan {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ID == 0 {
		l.ID = m.next()
	}
	m.loans[l.ID] = &l
	return l
}

func (m *Memory) AddReceiver(r domain.Receiver) domain.Receiver {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == 0 {
		r.ID = m.next()
	}
	m.receivers[r.ID] = &r
	return r
}

// --- accounts and owned resources ---

func (m *Memory) GetAccount(_ context.Context, id int64) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %d: %w", id, domain.ErrNotFound)
	}
	out := *a
	return &out, nil
}

func (m *Memory) AccountByNumber(_ context.Context, number string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Number == number {
			out := *a
			return &out, nil
		}
	}
	return nil, fmt.Errorf("account %s: %w", number, domain.ErrNotFound)
}

func (m *Memory) AccountsByOwner(_ context.Context, ownerID int64) ([]domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Account
	for _, a := range m.accounts {
		if a.OwnerID == ownerID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateAccount(_ context.Context, a *domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.accounts {
		if existing.Number == a.Number {
			return fmt.Errorf("account number %s: %w", a.Number, domain.ErrConflict)
		}
	}
	a.ID = m.next()
	a.Available = a.Balance
	a.CreatedAt = time.Now()
	stored := *a
	m.accounts[a.ID] = &stored
	return nil
}

func (m *Memory) AccountOwner(ctx context.Context, id int64) (int64, error) {
	a, err := m.GetAccount(ctx, id)
	if err != nil {
		return 0, err
	}
	return a.OwnerID, nil
}

func (m *Memory) GetCard(_ context.Context, id int64) (*domain.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[id]
	if !ok {
		return nil, fmt.Errorf("card %d: %w", id, domain.ErrNotFound)
	}
	out := *c
	return &out, nil
}

func (m *Memory) CardAccount(ctx context.Context, id int64) (int64, error) {
	c, err := m.GetCard(ctx, id)
	if err != nil {
		return 0, err
	}
	return c.AccountID, nil
}

func (m *Memory) BlockCard(_ context.Context, id int64) (*domain.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[id]
	if !ok {
		return nil, fmt.Errorf("card %d: %w", id, domain.ErrNotFound)
	}
	c.Blocked = true
	out := *c
	return &out, nil
}

func (m *Memory) GetLoan(_ context.Context, id int64) (*domain.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.loans[id]
	if !ok {
		return nil, fmt.Errorf("loan %d: %w", id, domain.ErrNotFound)
	}
	out := *l
	return &out, nil
}

func (m *Memory) LoanAccount(ctx context.Context, id int64) (int64, error) {
	l, err := m.GetLoan(ctx, id)
	if err != nil {
		return 0, err
	}
	return l.AccountID, nil
}

func (m *Memory) GetReceiver(_ context.Context, id int64) (*domain.Receiver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receivers[id]
	if !ok {
		return nil, fmt.Errorf("receiver %d: %w", id, domain.ErrNotFound)
	}
	out := *r
	return &out, nil
}

func (m *Memory) ReceiverCustomer(ctx context.Context, id int64) (int64, error) {
	r, err := m.GetReceiver(ctx, id)
	if err != nil {
		return 0, err
	}
	return r.CustomerID, nil
}

func (m *Memory) Entries(_ context.Context, accountID int64) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[accountID]; !ok {
		return nil, fmt.Errorf("account %d: %w", accountID, domain.ErrNotFound)
	}
	var out []domain.LedgerEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].AccountID == accountID {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

func (m *Memory) addEntry(accountID int64, delta decimal.Decimal, ref string, at time.Time) {
	m.entries = append(m.entries, domain.LedgerEntry{
		ID: m.next(), AccountID: accountID, Delta: delta, Reference: ref, CreatedAt: at,
	})
}

// Transfer moves amount between two local accounts of the same currency.
func (m *Memory) Transfer(_ context.Context, from, to int64, amount decimal.Decimal, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.accounts[from]
	if !ok {
		return fmt.Errorf("account %d: %w", from, domain.ErrNotFound)
	}
	dst, ok := m.accounts[to]
	if !ok {
		return fmt.Errorf("account %d: %w", to, domain.ErrNotFound)
	}
	if src.Currency != dst.Currency {
		return fmt.Errorf("%w: %s to %s", domain.ErrCurrencyMismatch, src.Currency, dst.Currency)
	}
	if src.Available.LessThan(amount) {
		return fmt.Errorf("account %d: %w", from, domain.ErrInsufficientFunds)
	}
	now := time.Now()
	src.Balance = src.Balance.Sub(amount)
	src.Available = src.Available.Sub(amount)
	dst.Balance = dst.Balance.Add(amount)
	dst.Available = dst.Available.Add(amount)
	m.addEntry(from, amount.Neg(), reference, now)
	m.addEntry(to, amount, reference, now)
	return nil
}

// --- sagas ---

// OpenSaga stores s at its current stage and places the seller hold.
func (m *Memory) OpenSaga(_ context.Context, s *domain.Saga) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sagas[s.UID]; exists {
		return fmt.Errorf("saga %s: %w", s.UID, domain.ErrConflict)
	}

	var seller, buyer *domain.Account
	if s.SellerAccountID != 0 {
		a, ok := m.accounts[s.SellerAccountID]
		if !ok {
			return fmt.Errorf("account %d: %w", s.SellerAccountID, domain.ErrNotFound)
		}
		seller = a
	}
	if s.BuyerAccountID != 0 {
		a, ok := m.accounts[s.BuyerAccountID]
		if !ok {
			return fmt.Errorf("account %d: %w", s.BuyerAccountID, domain.ErrNotFound)
		}
		buyer = a
	}
	if seller != nil && buyer != nil && seller.Currency != buyer.Currency {
		return fmt.Errorf("%w: %s to %s", domain.ErrCurrencyMismatch, seller.Currency, buyer.Currency)
	}

	s.Held = decimal.Zero
	if seller != nil {
		if seller.Available.LessThan(s.Amount) {
			return fmt.Errorf("account %d: %w", seller.ID, domain.ErrInsufficientFunds)
		}
		seller.Available = seller.Available.Sub(s.Amount)
		s.Held = s.Amount
	}
	stored := *s
	m.sagas[s.UID] = &stored
	return nil
}

func (m *Memory) activeSaga(uid string) (*domain.Saga, error) {
	s, ok := m.sagas[uid]
	if !ok {
		return nil, fmt.Errorf("saga %s: %w", uid, domain.ErrNotFound)
	}
	if s.Stage.Terminal() {
		return nil, fmt.Errorf("saga %s is %s: %w", uid, s.Stage, domain.ErrConflict)
	}
	return s, nil
}

// AdvanceSaga persists s.Stage if the stored stage is still from.
func (m *Memory) AdvanceSaga(_ context.Context, s *domain.Saga, from domain.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.activeSaga(s.UID)
	if err != nil {
		return err
	}
	if cur.Stage != from {
		return fmt.Errorf("saga %s moved to %s: %w", s.UID, cur.Stage, domain.ErrConflict)
	}
	cur.Stage = s.Stage
	cur.UpdatedAt = s.UpdatedAt
	return nil
}

// CommitSaga settles an open saga and archives it as COMMITTED.
func (m *Memory) CommitSaga(_ context.Context, s *domain.Saga) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.activeSaga(s.UID)
	if err != nil {
		return err
	}

	var seller, buyer *domain.Account
	if cur.SellerAccountID != 0 {
		if seller = m.accounts[cur.SellerAccountID]; seller == nil {
			return fmt.Errorf("account %d: %w", cur.SellerAccountID, domain.ErrNotFound)
		}
		if seller.Balance.LessThan(cur.Amount) {
			return fmt.Errorf("account %d: %w", seller.ID, domain.ErrInsufficientFunds)
		}
	}
	if cur.BuyerAccountID != 0 {
		if buyer = m.accounts[cur.BuyerAccountID]; buyer == nil {
			return fmt.Errorf("account %d: %w", cur.BuyerAccountID, domain.ErrNotFound)
		}
	}

	if seller != nil {
		seller.Balance = seller.Balance.Sub(cur.Amount)
		seller.Available = seller.Available.Add(cur.Held).Sub(cur.Amount)
		m.addEntry(seller.ID, cur.Amount.Neg(), cur.UID, s.UpdatedAt)
	}
	if buyer != nil {
		buyer.Balance = buyer.Balance.Add(cur.Amount)
		buyer.Available = buyer.Available.Add(cur.Amount)
		m.addEntry(buyer.ID, cur.Amount, cur.UID, s.UpdatedAt)
	}
	cur.Held = decimal.Zero
	cur.Stage = domain.StageCommitted
	cur.UpdatedAt = s.UpdatedAt
	*s = *cur
	return nil
}

// AbortSaga releases the hold and archives the saga as ROLLED_BACK.
func (m *Memory) AbortSaga(_ context.Context, s *domain.Saga) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.activeSaga(s.UID)
	if err != nil {
		return err
	}
	if seller := m.accounts[cur.SellerAccountID]; seller != nil {
		seller.Available = seller.Available.Add(cur.Held)
	}
	cur.Held = decimal.Zero
	cur.Stage = domain.StageRolledBack
	cur.Reason = s.Reason
	cur.UpdatedAt = s.UpdatedAt
	*s = *cur
	return nil
}

// GetSaga returns the saga in any stage. Terminal sagas are archived.
func (m *Memory) GetSaga(_ context.Context, uid string) (*domain.Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sagas[uid]
	if !ok {
		return nil, fmt.Errorf("saga %s: %w", uid, domain.ErrNotFound)
	}
	out := *s
	return &out, nil
}

func (m *Memory) StaleSagas(_ context.Context, before time.Time) ([]domain.Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Saga
	for _, s := range m.sagas {
		if !s.Stage.Terminal() && s.UpdatedAt.Before(before) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// --- events ---

// ClaimEvent inserts e unless an event with the same key exists, in which case e is overwritten
// with the stored event and created is false.
func (m *Memory) ClaimEvent(_ context.Context, e *domain.Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.events[e.Key.String()]; ok {
		*e = *existing
		return false, nil
	}
	m.insertEvent(e)
	return true, nil
}

func (m *Memory) CreateEvent(_ context.Context, e *domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[e.Key.String()]; ok {
		return fmt.Errorf("event %s: %w", e.Key, domain.ErrConflict)
	}
	m.insertEvent(e)
	return nil
}

func (m *Memory) insertEvent(e *domain.Event) {
	e.ID = m.next()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	stored := *e
	m.events[e.Key.String()] = &stored
	m.eventsByID[e.ID] = &stored
}

func (m *Memory) FindEvent(_ context.Context, key domain.IdempotenceKey) (*domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[key.String()]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", key, domain.ErrNotFound)
	}
	out := *e
	return &out, nil
}

// ListEvents returns every stored event ordered by id.
func (m *Memory) ListEvents() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Event, 0, len(m.eventsByID))
	for _, e := range m.eventsByID {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) AppendDelivery(_ context.Context, d *domain.EventDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.eventsByID[d.EventID]; !ok {
		return fmt.Errorf("event %d: %w", d.EventID, domain.ErrNotFound)
	}
	d.ID = m.next()
	if d.SentAt.IsZero() {
		d.SentAt = time.Now()
	}
	m.deliveries[d.EventID] = append(m.deliveries[d.EventID], *d)
	return nil
}

// FirstDelivery returns the outcome recorded when the event was first processed.
func (m *Memory) FirstDelivery(_ context.Context, eventID int64) (*domain.EventDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds := m.deliveries[eventID]
	if len(ds) == 0 {
		return nil, fmt.Errorf("delivery for event %d: %w", eventID, domain.ErrNotFound)
	}
	out := ds[0]
	return &out, nil
}

func (m *Memory) ListDeliveries(_ context.Context, eventID int64) ([]domain.EventDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.EventDelivery, len(m.deliveries[eventID]))
	copy(out, m.deliveries[eventID])
	return out, nil
}
