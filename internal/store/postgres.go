package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/bankops/internal/domain"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schema string

type Postgres struct {
	Db *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{Db: pool}, nil
}

func (s *Postgres) Close() {
	s.Db.Close()
}

// Migrate creates any missing tables.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error, what string, id interface{}) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", what, id, domain.ErrNotFound)
	}
	return fmt.Errorf("%s %v: %w", what, id, err)
}

// --- accounts and owned resources ---

const accountColumns = "id, owner_id, number, currency, balance, available, created_at"

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.OwnerID, &a.Number, &a.Currency, &a.Balance, &a.Available, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Postgres) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	a, err := scanAccount(s.Db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, "account", id)
	}
	return a, nil
}

func (s *Postgres) AccountByNumber(ctx context.Context, number string) (*domain.Account, error) {
	a, err := scanAccount(s.Db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE number = $1", number))
	if err != nil {
		return nil, notFound(err, "account", number)
	}
	return a, nil
}

func (s *Postgres) AccountsByOwner(ctx context.Context, ownerID int64) ([]domain.Account, error) {
	rows, err := s.Db.Query(ctx, "SELECT "+accountColumns+" FROM accounts WHERE owner_id = $1 ORDER BY id", ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *Postgres) CreateAccount(ctx context.Context, a *domain.Account) error {
	err := s.Db.QueryRow(ctx,
		`INSERT INTO accounts (owner_id, number, currency, balance, available)
		 VALUES ($1, $2, $3, $4, $4) RETURNING id, available, created_at`,
		a.OwnerID, a.Number, a.Currency, a.Balance,
	).Scan(&a.ID, &a.Available, &a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("account number %s: %w", a.Number, domain.ErrConflict)
		}
		return fmt.Errorf("account insert failed: %w", err)
	}
	return nil
}

func (s *Postgres) AccountOwner(ctx context.Context, id int64) (int64, error) {
	return s.lookupID(ctx, "SELECT owner_id FROM accounts WHERE id = $1", "account", id)
}

func (s *Postgres) CardAccount(ctx context.Context, id int64) (int64, error) {
	return s.lookupID(ctx, "SELECT account_id FROM cards WHERE id = $1", "card", id)
}

func (s *Postgres) LoanAccount(ctx context.Context, id int64) (int64, error) {
	return s.lookupID(ctx, "SELECT account_id FROM loans WHERE id = $1", "loan", id)
}

func (s *Postgres) ReceiverCustomer(ctx context.Context, id int64) (int64, error) {
	return s.lookupID(ctx, "SELECT customer_id FROM receivers WHERE id = $1", "receiver", id)
}

func (s *Postgres) lookupID(ctx context.Context, query, what string, id int64) (int64, error) {
	var out int64
	if err := s.Db.QueryRow(ctx, query, id).Scan(&out); err != nil {
		return 0, notFound(err, what, id)
	}
	return out, nil
}

func (s *Postgres) GetCard(ctx context.Context, id int64) (*domain.Card, error) {
	var c domain.Card
	err := s.Db.QueryRow(ctx, "SELECT id, account_id, number, blocked FROM cards WHERE id = $1", id).
		Scan(&c.ID, &c.AccountID, &c.Number, &c.Blocked)
	if err != nil {
		return nil, notFound(err, "card", id)
	}
	return &c, nil
}

func (s *Postgres) BlockCard(ctx context.Context, id int64) (*domain.Card, error) {
	var c domain.Card
	err := s.Db.QueryRow(ctx,
		"UPDATE cards SET blocked = TRUE WHERE id = $1 RETURNING id, account_id, number, blocked", id).
		Scan(&c.ID, &c.AccountID, &c.Number, &c.Blocked)
	if err != nil {
		return nil, notFound(err, "card", id)
	}
	return &c, nil
}

func (s *Postgres) GetLoan(ctx context.Context, id int64) (*domain.Loan, error) {
	var l domain.Loan
	err := s.Db.QueryRow(ctx, "SELECT id, account_id, amount FROM loans WHERE id = $1", id).
		Scan(&l.ID, &l.AccountID, &l.Amount)
	if err != nil {
		return nil, notFound(err, "loan", id)
	}
	return &l, nil
}

func (s *Postgres) GetReceiver(ctx context.Context, id int64) (*domain.Receiver, error) {
	var r domain.Receiver
	err := s.Db.QueryRow(ctx, "SELECT id, customer_id, account_number, name FROM receivers WHERE id = $1", id).
		Scan(&r.ID, &r.CustomerID, &r.AccountNumber, &r.Name)
	if err != nil {
		return nil, notFound(err, "receiver", id)
	}
	return &r, nil
}

// Entries retrieves ledger entries for a specific account, newest first.
func (s *Postgres) Entries(ctx context.Context, accountID int64) ([]domain.LedgerEntry, error) {
	var exists bool
	err := s.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE id=$1)", accountID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("account %d: %w", accountID, domain.ErrNotFound)
	}

	rows, err := s.Db.Query(ctx,
		"SELECT id, account_id, delta, reference, created_at FROM ledger_entries WHERE account_id = $1 ORDER BY created_at DESC, id DESC",
		accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Delta, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// lockAccounts takes row locks on every non-zero id, lowest id first, so two transactions touching
// the same pair can never deadlock.
func lockAccounts(ctx context.Context, tx pgx.Tx, ids ...int64) (map[int64]*domain.Account, error) {
	var ordered []int64
	seen := make(map[int64]bool)
	for _, id := range ids {
		if id != 0 && !seen[id] {
			seen[id] = true
			ordered = append(ordered, id)
		}
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	locked := make(map[int64]*domain.Account, len(ordered))
	for _, id := range ordered {
		a, err := scanAccount(tx.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1 FOR UPDATE", id))
		if err != nil {
			return nil, notFound(err, "account", id)
		}
		locked[id] = a
	}
	return locked, nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, accountID int64, delta decimal.Decimal, ref string, at time.Time) error {
	_, err := tx.Exec(ctx,
		"INSERT INTO ledger_entries (account_id, delta, reference, created_at) VALUES ($1, $2, $3, $4)",
		accountID, delta, ref, at)
	if err != nil {
		return fmt.Errorf("ledger entry failed: %w", err)
	}
	return nil
}

// Transfer executes a double-entry movement between two local accounts.
func (s *Postgres) Transfer(ctx context.Context, from, to int64, amount decimal.Decimal, reference string) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	locked, err := lockAccounts(ctx, tx, from, to)
	if err != nil {
		return err
	}
	src, dst := locked[from], locked[to]
	if src.Currency != dst.Currency {
		return fmt.Errorf("%w: %s to %s", domain.ErrCurrencyMismatch, src.Currency, dst.Currency)
	}
	if src.Available.LessThan(amount) {
		return fmt.Errorf("account %d: %w", from, domain.ErrInsufficientFunds)
	}

	now := time.Now()
	if _, err := tx.Exec(ctx,
		"UPDATE accounts SET balance = balance - $1, available = available - $1 WHERE id = $2", amount, from); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		"UPDATE accounts SET balance = balance + $1, available = available + $1 WHERE id = $2", amount, to); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, from, amount.Neg(), reference, now); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, to, amount, reference, now); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

// --- sagas ---

const sagaColumns = "uid, seller_account_id, buyer_account_id, amount, held, stage, reason, created_at, updated_at"

func scanSaga(row pgx.Row) (*domain.Saga, error) {
	var (
		sg    domain.Saga
		stage string
	)
	err := row.Scan(&sg.UID, &sg.SellerAccountID, &sg.BuyerAccountID, &sg.Amount, &sg.Held,
		&stage, &sg.Reason, &sg.CreatedAt, &sg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if sg.Stage, err = domain.ParseStage(stage); err != nil {
		return nil, err
	}
	return &sg, nil
}

// OpenSaga stores sg and places the seller hold in one transaction.
func (s *Postgres) OpenSaga(ctx context.Context, sg *domain.Saga) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	locked, err := lockAccounts(ctx, tx, sg.SellerAccountID, sg.BuyerAccountID)
	if err != nil {
		return err
	}
	// A taken uid is a conflict whatever the balances say now.
	var taken bool
	if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM sagas WHERE uid = $1)", sg.UID).Scan(&taken); err != nil {
		return fmt.Errorf("saga lookup failed: %w", err)
	}
	if taken {
		return fmt.Errorf("saga %s: %w", sg.UID, domain.ErrConflict)
	}
	seller, buyer := locked[sg.SellerAccountID], locked[sg.BuyerAccountID]
	if seller != nil && buyer != nil && seller.Currency != buyer.Currency {
		return fmt.Errorf("%w: %s to %s", domain.ErrCurrencyMismatch, seller.Currency, buyer.Currency)
	}

	sg.Held = decimal.Zero
	if seller != nil {
		if seller.Available.LessThan(sg.Amount) {
			return fmt.Errorf("account %d: %w", seller.ID, domain.ErrInsufficientFunds)
		}
		if _, err := tx.Exec(ctx, "UPDATE accounts SET available = available - $1 WHERE id = $2",
			sg.Amount, seller.ID); err != nil {
			return fmt.Errorf("hold failed: %w", err)
		}
		sg.Held = sg.Amount
	}

	_, err = tx.Exec(ctx,
		"INSERT INTO sagas ("+sagaColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		sg.UID, sg.SellerAccountID, sg.BuyerAccountID, sg.Amount, sg.Held,
		sg.Stage.String(), sg.Reason, sg.CreatedAt, sg.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("saga %s: %w", sg.UID, domain.ErrConflict)
		}
		return fmt.Errorf("saga insert failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

// AdvanceSaga persists sg.Stage if the stored stage is still from.
func (s *Postgres) AdvanceSaga(ctx context.Context, sg *domain.Saga, from domain.Stage) error {
	tag, err := s.Db.Exec(ctx,
		"UPDATE sagas SET stage = $1, updated_at = $2 WHERE uid = $3 AND stage = $4",
		sg.Stage.String(), sg.UpdatedAt, sg.UID, from.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	cur, err := s.GetSaga(ctx, sg.UID)
	if err != nil {
		return err
	}
	return fmt.Errorf("saga %s moved to %s: %w", sg.UID, cur.Stage, domain.ErrConflict)
}

func lockActiveSaga(ctx context.Context, tx pgx.Tx, uid string) (*domain.Saga, error) {
	cur, err := scanSaga(tx.QueryRow(ctx, "SELECT "+sagaColumns+" FROM sagas WHERE uid = $1 FOR UPDATE", uid))
	if err != nil {
		return nil, notFound(err, "saga", uid)
	}
	if cur.Stage.Terminal() {
		return nil, fmt.Errorf("saga %s is %s: %w", uid, cur.Stage, domain.ErrConflict)
	}
	return cur, nil
}

// CommitSaga settles the saga and archives it as COMMITTED in one transaction: the hold is released,
// the seller debited, the buyer credited and both movements written to the ledger.
func (s *Postgres) CommitSaga(ctx context.Context, sg *domain.Saga) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	cur, err := lockActiveSaga(ctx, tx, sg.UID)
	if err != nil {
		return err
	}
	locked, err := lockAccounts(ctx, tx, cur.SellerAccountID, cur.BuyerAccountID)
	if err != nil {
		return err
	}

	if seller := locked[cur.SellerAccountID]; seller != nil {
		if seller.Balance.LessThan(cur.Amount) {
			return fmt.Errorf("account %d: %w", seller.ID, domain.ErrInsufficientFunds)
		}
		if _, err := tx.Exec(ctx,
			"UPDATE accounts SET balance = balance - $1, available = available + $2 - $1 WHERE id = $3",
			cur.Amount, cur.Held, seller.ID); err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, seller.ID, cur.Amount.Neg(), cur.UID, sg.UpdatedAt); err != nil {
			return err
		}
	}
	if buyer := locked[cur.BuyerAccountID]; buyer != nil {
		if _, err := tx.Exec(ctx,
			"UPDATE accounts SET balance = balance + $1, available = available + $1 WHERE id = $2",
			cur.Amount, buyer.ID); err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, buyer.ID, cur.Amount, cur.UID, sg.UpdatedAt); err != nil {
			return err
		}
	}

	cur.Held = decimal.Zero
	cur.Stage = domain.StageCommitted
	cur.UpdatedAt = sg.UpdatedAt
	if _, err := tx.Exec(ctx, "UPDATE sagas SET held = 0, stage = $1, updated_at = $2 WHERE uid = $3",
		cur.Stage.String(), cur.UpdatedAt, cur.UID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	*sg = *cur
	return nil
}

// AbortSaga releases the hold and archives the saga as ROLLED_BACK.
func (s *Postgres) AbortSaga(ctx context.Context, sg *domain.Saga) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	cur, err := lockActiveSaga(ctx, tx, sg.UID)
	if err != nil {
		return err
	}
	if cur.SellerAccountID != 0 && cur.Held.IsPositive() {
		if _, err := lockAccounts(ctx, tx, cur.SellerAccountID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, "UPDATE accounts SET available = available + $1 WHERE id = $2",
			cur.Held, cur.SellerAccountID); err != nil {
			return err
		}
	}

	cur.Held = decimal.Zero
	cur.Stage = domain.StageRolledBack
	cur.Reason = sg.Reason
	cur.UpdatedAt = sg.UpdatedAt
	if _, err := tx.Exec(ctx,
		"UPDATE sagas SET held = 0, stage = $1, reason = $2, updated_at = $3 WHERE uid = $4",
		cur.Stage.String(), cur.Reason, cur.UpdatedAt, cur.UID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	*sg = *cur
	return nil
}

func (s *Postgres) GetSaga(ctx context.Context, uid string) (*domain.Saga, error) {
	sg, err := scanSaga(s.Db.QueryRow(ctx, "SELECT "+sagaColumns+" FROM sagas WHERE uid = $1", uid))
	if err != nil {
		return nil, notFound(err, "saga", uid)
	}
	return sg, nil
}

func (s *Postgres) StaleSagas(ctx context.Context, before time.Time) ([]domain.Saga, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+sagaColumns+" FROM sagas WHERE stage IN ('INITIALIZED', 'ACK_PENDING') AND updated_at < $1 ORDER BY updated_at",
		before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Saga
	for rows.Next() {
		sg, err := scanSaga(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sg)
	}
	return out, rows.Err()
}

// --- events ---

const eventColumns = "id, routing_number, local_key, message_type, payload, url, direction, created_at"

func scanEvent(row pgx.Row) (*domain.Event, error) {
	var (
		e       domain.Event
		payload []byte
	)
	err := row.Scan(&e.ID, &e.Key.RoutingNumber, &e.Key.LocallyGeneratedKey, &e.MessageType,
		&payload, &e.URL, &e.Direction, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Payload = payload
	return &e, nil
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// ClaimEvent inserts e unless its key is already taken. On a lost race e is overwritten with the
// stored event and created is false. The unique constraint makes the claim linearizable.
func (s *Postgres) ClaimEvent(ctx context.Context, e *domain.Event) (bool, error) {
	err := s.Db.QueryRow(ctx,
		`INSERT INTO events (routing_number, local_key, message_type, payload, url, direction)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (routing_number, local_key) DO NOTHING
		 RETURNING id, created_at`,
		e.Key.RoutingNumber, e.Key.LocallyGeneratedKey, string(e.MessageType), nullableJSON(e.Payload),
		e.URL, string(e.Direction),
	).Scan(&e.ID, &e.CreatedAt)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("event claim failed: %w", err)
	}

	existing, err := s.FindEvent(ctx, e.Key)
	if err != nil {
		return false, err
	}
	*e = *existing
	return false, nil
}

func (s *Postgres) CreateEvent(ctx context.Context, e *domain.Event) error {
	err := s.Db.QueryRow(ctx,
		`INSERT INTO events (routing_number, local_key, message_type, payload, url, direction)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`,
		e.Key.RoutingNumber, e.Key.LocallyGeneratedKey, string(e.MessageType), nullableJSON(e.Payload),
		e.URL, string(e.Direction),
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("event %s: %w", e.Key, domain.ErrConflict)
		}
		return fmt.Errorf("event insert failed: %w", err)
	}
	return nil
}

func (s *Postgres) FindEvent(ctx context.Context, key domain.IdempotenceKey) (*domain.Event, error) {
	e, err := scanEvent(s.Db.QueryRow(ctx,
		"SELECT "+eventColumns+" FROM events WHERE routing_number = $1 AND local_key = $2",
		key.RoutingNumber, key.LocallyGeneratedKey))
	if err != nil {
		return nil, notFound(err, "event", key)
	}
	return e, nil
}

const deliveryColumns = "id, event_id, status, http_status, response_body, duration_ms, sent_at"

func scanDelivery(row pgx.Row) (*domain.EventDelivery, error) {
	var (
		d    domain.EventDelivery
		body []byte
	)
	if err := row.Scan(&d.ID, &d.EventID, &d.Status, &d.HTTPStatus, &body, &d.DurationMs, &d.SentAt); err != nil {
		return nil, err
	}
	d.ResponseBody = body
	return &d, nil
}

func (s *Postgres) AppendDelivery(ctx context.Context, d *domain.EventDelivery) error {
	if d.SentAt.IsZero() {
		d.SentAt = time.Now()
	}
	err := s.Db.QueryRow(ctx,
		`INSERT INTO event_deliveries (event_id, status, http_status, response_body, duration_ms, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		d.EventID, string(d.Status), d.HTTPStatus, nullableJSON(d.ResponseBody), d.DurationMs, d.SentAt,
	).Scan(&d.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("event %d: %w", d.EventID, domain.ErrNotFound)
		}
		return fmt.Errorf("delivery insert failed: %w", err)
	}
	return nil
}

func (s *Postgres) FirstDelivery(ctx context.Context, eventID int64) (*domain.EventDelivery, error) {
	d, err := scanDelivery(s.Db.QueryRow(ctx,
		"SELECT "+deliveryColumns+" FROM event_deliveries WHERE event_id = $1 ORDER BY id LIMIT 1", eventID))
	if err != nil {
		return nil, notFound(err, "delivery for event", eventID)
	}
	return d, nil
}

func (s *Postgres) ListDeliveries(ctx context.Context, eventID int64) ([]domain.EventDelivery, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+deliveryColumns+" FROM event_deliveries WHERE event_id = $1 ORDER BY id", eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.EventDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}
