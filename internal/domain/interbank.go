package domain

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

type MessageType string

const (
	MessageNewTx      MessageType = "NEW_TX"
	MessageCommitTx   MessageType = "COMMIT_TX"
	MessageRollbackTx MessageType = "ROLLBACK_TX"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageNewTx, MessageCommitTx, MessageRollbackTx:
		return true
	}
	return false
}

// InterbankMessage is the envelope exchanged between banks. Message stays raw until the
// dispatcher knows which payload type MessageType selects.
type InterbankMessage struct {
	IdempotenceKey IdempotenceKey  `json:"idempotenceKey"`
	MessageType    MessageType     `json:"messageType"`
	Message        json.RawMessage `json:"message"`
}

// ParseInterbankMessage decodes and validates an envelope without touching the payload.
func ParseInterbankMessage(raw []byte) (*InterbankMessage, error) {
	var msg InterbankMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !msg.MessageType.Valid() {
		return nil, fmt.Errorf("%w: unknown message type %q", ErrMalformed, msg.MessageType)
	}
	if err := msg.IdempotenceKey.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

type ForeignBankID struct {
	RoutingNumber int    `json:"routingNumber"`
	ID            string `json:"id"`
}

const (
	TxAccountPerson  = "PERSON"
	TxAccountAccount = "ACCOUNT"
)

// TxAccount is either a person at some bank or a concrete account number.
type TxAccount struct {
	Type string         `json:"type"`
	ID   *ForeignBankID `json:"id,omitempty"`
	Num  string         `json:"num,omitempty"`
}

func (a *TxAccount) UnmarshalJSON(data []byte) error {
	type plain TxAccount
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	switch p.Type {
	case TxAccountPerson:
		if p.ID == nil {
			return fmt.Errorf("PERSON account requires id")
		}
		p.Num = ""
	case TxAccountAccount:
		if p.Num == "" {
			return fmt.Errorf("ACCOUNT account requires num")
		}
		p.ID = nil
	default:
		return fmt.Errorf("unknown account type %q", p.Type)
	}
	*a = TxAccount(p)
	return nil
}

const AssetMonas = "MONAS"

type MonetaryAsset struct {
	Currency string `json:"currency"`
}

type Asset struct {
	Type  string        `json:"type"`
	Asset MonetaryAsset `json:"asset"`
}

func (a Asset) key() string {
	return a.Type + ":" + a.Asset.Currency
}

type Posting struct {
	Account TxAccount       `json:"account"`
	Amount  decimal.Decimal `json:"amount"`
	Asset   Asset           `json:"asset"`
}

type VerificationToken struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type InterbankTransaction struct {
	Postings          []Posting           `json:"postings"`
	Message           string              `json:"message"`
	VerificationToken []VerificationToken `json:"verificationToken,omitempty"`
	TransactionID     IdempotenceKey      `json:"transactionId"`
}

// Validate enforces the double-entry rule: for every asset the signed posting amounts sum to zero.
func (tx *InterbankTransaction) Validate() error {
	if err := tx.TransactionID.Validate(); err != nil {
		return err
	}
	if len(tx.Postings) == 0 {
		return fmt.Errorf("%w: transaction has no postings", ErrProtocolViolation)
	}
	sums := make(map[string]decimal.Decimal)
	for i, p := range tx.Postings {
		if p.Amount.IsZero() {
			return fmt.Errorf("%w: posting %d has zero amount", ErrProtocolViolation, i)
		}
		k := p.Asset.key()
		sums[k] = sums[k].Add(p.Amount)
	}
	for asset, sum := range sums {
		if !sum.IsZero() {
			return fmt.Errorf("%w: unbalanced postings for %s (sum %s)", ErrProtocolViolation, asset, sum)
		}
	}
	return nil
}

type CommitTransaction struct {
	TransactionID IdempotenceKey `json:"transactionId"`
}

type RollbackTransaction struct {
	TransactionID IdempotenceKey `json:"transactionId"`
}

const (
	VoteYes = "YES"
	VoteNo  = "NO"
)

const (
	ReasonUnbalancedTx      = "UNBALANCED_TX"
	ReasonNoSuchAccount     = "NO_SUCH_ACCOUNT"
	ReasonUnacceptableAsset = "UNACCEPTABLE_ASSET"
	ReasonInsufficientAsset = "INSUFFICIENT_ASSET"
	ReasonUnsupported       = "UNSUPPORTED_POSTINGS"
)

type NoVoteReason struct {
	Reason  string   `json:"reason"`
	Posting *Posting `json:"posting,omitempty"`
}

// TransactionVote answers a NEW_TX.
type TransactionVote struct {
	Vote    string         `json:"vote"`
	Reasons []NoVoteReason `json:"reasons,omitempty"`
}

func VoteNoBecause(reason string, p *Posting) TransactionVote {
	return TransactionVote{Vote: VoteNo, Reasons: []NoVoteReason{{Reason: reason, Posting: p}}}
}

// OutboundRequest asks this bank to deliver a message to a partner bank.
type OutboundRequest struct {
	URL         string          `json:"url" validate:"required,url"`
	MessageType MessageType     `json:"messageType" validate:"required,oneof=NEW_TX COMMIT_TX ROLLBACK_TX"`
	Message     json.RawMessage `json:"message" validate:"required"`
}
