package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/punchamoorthee/bankops/internal/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type AccountLookup interface {
	AccountByNumber(ctx context.Context, number string) (*domain.Account, error)
}

const ReasonCounterpartyRollback = "rolled back by counterparty"

// Protocol answers the three interbank message types against the saga engine.
type Protocol struct {
	engine   *Engine
	accounts AccountLookup
	routing  int
	prefix   string
	log      *zap.Logger
}

func NewProtocol(engine *Engine, accounts AccountLookup, routingNumber int, log *zap.Logger) *Protocol {
	if log == nil {
		log = zap.NewNop()
	}
	return &Protocol{
		engine:   engine,
		accounts: accounts,
		routing:  routingNumber,
		prefix:   RoutingPrefix(routingNumber),
		log:      log,
	}
}

// Handle runs msg and returns the HTTP status and body to answer with.
func (p *Protocol) Handle(ctx context.Context, msg *domain.InterbankMessage) (int, domain.Response) {
	var (
		data interface{}
		err  error
	)
	switch msg.MessageType {
	case domain.MessageNewTx:
		var tx domain.InterbankTransaction
		if err = decodePayload(msg.Message, &tx); err == nil {
			data, err = p.newTx(ctx, &tx)
		}
	case domain.MessageCommitTx:
		var c domain.CommitTransaction
		if err = decodePayload(msg.Message, &c); err == nil {
			err = p.commit(ctx, c.TransactionID)
		}
	case domain.MessageRollbackTx:
		var r domain.RollbackTransaction
		if err = decodePayload(msg.Message, &r); err == nil {
			err = p.rollback(ctx, r.TransactionID)
		}
	default:
		err = fmt.Errorf("%w: unknown message type %q", domain.ErrMalformed, msg.MessageType)
	}

	if err != nil {
		p.log.Warn("interbank message rejected", zap.Stringer("key", msg.IdempotenceKey),
			zap.String("messageType", string(msg.MessageType)), zap.Error(err))
		return domain.HTTPStatus(err), domain.Fail(domain.PublicMessage(err))
	}
	return http.StatusOK, domain.Ok(data)
}

func decodePayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: message payload is required", domain.ErrMalformed)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformed, err)
	}
	return nil
}

type localLeg struct {
	posting *domain.Posting
	account *domain.Account
}

// newTx votes on a proposed transaction. A YES vote means the local legs are held and the saga waits
// for COMMIT_TX or ROLLBACK_TX.
func (p *Protocol) newTx(ctx context.Context, tx *domain.InterbankTransaction) (domain.TransactionVote, error) {
	if err := tx.Validate(); err != nil {
		if errors.Is(err, domain.ErrProtocolViolation) {
			return domain.VoteNoBecause(domain.ReasonUnbalancedTx, nil), nil
		}
		return domain.TransactionVote{}, err
	}

	var debit, credit *localLeg
	for i := range tx.Postings {
		posting := &tx.Postings[i]
		local, err := p.isLocal(posting)
		if err != nil {
			return domain.VoteNoBecause(domain.ReasonUnsupported, posting), nil
		}
		if !local {
			continue
		}

		acct, err := p.accounts.AccountByNumber(ctx, posting.Account.Num)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.VoteNoBecause(domain.ReasonNoSuchAccount, posting), nil
		}
		if err != nil {
			return domain.TransactionVote{}, err
		}
		if posting.Asset.Type != domain.AssetMonas || !strings.EqualFold(posting.Asset.Asset.Currency, acct.Currency) {
			return domain.VoteNoBecause(domain.ReasonUnacceptableAsset, posting), nil
		}

		leg := &localLeg{posting: posting, account: acct}
		if posting.Amount.IsNegative() {
			if debit != nil {
				return domain.VoteNoBecause(domain.ReasonUnsupported, posting), nil
			}
			debit = leg
		} else {
			if credit != nil {
				return domain.VoteNoBecause(domain.ReasonUnsupported, posting), nil
			}
			credit = leg
		}
	}
	if debit == nil && credit == nil {
		return domain.VoteNoBecause(domain.ReasonUnsupported, nil), nil
	}

	in := domain.SagaInitiation{UID: tx.TransactionID.String()}
	var amount decimal.Decimal
	if debit != nil {
		in.SellerAccountID = debit.account.ID
		amount = debit.posting.Amount.Neg()
	}
	if credit != nil {
		in.BuyerAccountID = credit.account.ID
		if debit != nil && !credit.posting.Amount.Equal(amount) {
			return domain.VoteNoBecause(domain.ReasonUnsupported, credit.posting), nil
		}
		amount = credit.posting.Amount
	}
	in.Amount = amount

	_, err := p.engine.Initiate(ctx, in)
	switch {
	case err == nil:
		return domain.TransactionVote{Vote: domain.VoteYes}, nil
	case errors.Is(err, domain.ErrConflict) && p.engine.SameInitiation(ctx, in):
		// Already voted YES on this transaction.
		return domain.TransactionVote{Vote: domain.VoteYes}, nil
	case errors.Is(err, domain.ErrInsufficientFunds) && debit != nil:
		return domain.VoteNoBecause(domain.ReasonInsufficientAsset, debit.posting), nil
	case errors.Is(err, domain.ErrCurrencyMismatch):
		return domain.VoteNoBecause(domain.ReasonUnacceptableAsset, nil), nil
	case errors.Is(err, domain.ErrNotFound):
		return domain.VoteNoBecause(domain.ReasonNoSuchAccount, nil), nil
	default:
		return domain.TransactionVote{}, err
	}
}

// isLocal reports whether a posting touches an account held here. A PERSON posting naming this bank
// cannot be settled without an account number and is rejected.
func (p *Protocol) isLocal(posting *domain.Posting) (bool, error) {
	switch posting.Account.Type {
	case domain.TxAccountPerson:
		if posting.Account.ID != nil && posting.Account.ID.RoutingNumber == p.routing {
			return false, fmt.Errorf("person posting at routing %d", p.routing)
		}
		return false, nil
	case domain.TxAccountAccount:
		return strings.HasPrefix(posting.Account.Num, p.prefix), nil
	default:
		return false, fmt.Errorf("account type %q", posting.Account.Type)
	}
}

// commit drives the saga to COMMITTED. Committing an already committed transaction succeeds.
func (p *Protocol) commit(ctx context.Context, id domain.IdempotenceKey) error {
	if err := id.Validate(); err != nil {
		return err
	}
	uid := id.String()
	_, err := p.engine.Settle(ctx, uid)
	if err != nil && p.engine.resolvedAs(ctx, uid, err, domain.StageCommitted) {
		return nil
	}
	return err
}

// rollback drives the saga to ROLLED_BACK. Rolling back an already rolled back transaction succeeds.
func (p *Protocol) rollback(ctx context.Context, id domain.IdempotenceKey) error {
	if err := id.Validate(); err != nil {
		return err
	}
	uid := id.String()
	_, err := p.engine.Rollback(ctx, uid, ReasonCounterpartyRollback)
	if err != nil && p.engine.resolvedAs(ctx, uid, err, domain.StageRolledBack) {
		return nil
	}
	return err
}
