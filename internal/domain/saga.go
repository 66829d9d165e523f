package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Stage is the position of a saga in the two-phase exchange.
type Stage int

const (
	StageInitialized Stage = iota
	StageAckPending
	StageCommitted
	StageRolledBack
)

var stageNames = [...]string{"INITIALIZED", "ACK_PENDING", "COMMITTED", "ROLLED_BACK"}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

func ParseStage(name string) (Stage, error) {
	for i, n := range stageNames {
		if n == name {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("unknown saga stage %q", name)
}

func (s Stage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Stage) UnmarshalText(b []byte) error {
	v, err := ParseStage(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s Stage) Terminal() bool {
	return s == StageCommitted || s == StageRolledBack
}

var ErrStageOutOfRange = errors.New("saga stage out of range")

// Saga is one OTC / interbank transaction in flight. An account id of 0 marks a leg that is
// settled by the counterparty bank.
type Saga struct {
	UID             string          `json:"uid"`
	SellerAccountID int64           `json:"sellerAccountId"`
	BuyerAccountID  int64           `json:"buyerAccountId"`
	Amount          decimal.Decimal `json:"amount"`
	Held            decimal.Decimal `json:"held"`
	Stage           Stage           `json:"stage"`
	Reason          string          `json:"reason,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// NextStage advances exactly one stage along INITIALIZED -> ACK_PENDING -> COMMITTED.
func (s *Saga) NextStage() error {
	if s.Stage.Terminal() {
		return fmt.Errorf("%w: saga %s is already %s", ErrStageOutOfRange, s.UID, s.Stage)
	}
	s.Stage++
	return nil
}

// RollBack moves any non-terminal saga straight to ROLLED_BACK.
func (s *Saga) RollBack(reason string) error {
	if s.Stage.Terminal() {
		return fmt.Errorf("%w: saga %s is already %s", ErrStageOutOfRange, s.UID, s.Stage)
	}
	s.Stage = StageRolledBack
	s.Reason = reason
	return nil
}

// SagaAck is the broker acknowledgement exchanged with the trading service.
type SagaAck struct {
	UID     string `json:"uid" validate:"required"`
	Failure bool   `json:"failure"`
	Message string `json:"message"`
}

// SagaInitiation asks the bank to open a saga between two local accounts.
type SagaInitiation struct {
	UID             string          `json:"uid" validate:"required,max=128"`
	SellerAccountID int64           `json:"sellerAccountId" validate:"required,gt=0"`
	BuyerAccountID  int64           `json:"buyerAccountId" validate:"required,gt=0,nefield=SellerAccountID"`
	Amount          decimal.Decimal `json:"amount"`
}
