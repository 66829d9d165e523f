package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account represents a customer's balance in the ledger.
// Available is Balance minus every provisional hold placed by an open saga.
type Account struct {
	ID        int64           `json:"id"`
	OwnerID   int64           `json:"ownerId"`
	Number    string          `json:"number"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Available decimal.Decimal `json:"available"`
	CreatedAt time.Time       `json:"createdAt"`
}

// CreateAccountRequest is the DTO for account opening, over HTTP or the broker.
type CreateAccountRequest struct {
	OwnerID        int64           `json:"ownerId" validate:"required,gt=0"`
	Currency       string          `json:"currency" validate:"required,len=3"`
	Number         string          `json:"number,omitempty" validate:"omitempty,numeric,max=32"`
	InitialBalance decimal.Decimal `json:"initialBalance"`
	EmployeeID     int64           `json:"employeeId,omitempty"`
}

type Card struct {
	ID        int64  `json:"id"`
	AccountID int64  `json:"accountId"`
	Number    string `json:"number"`
	Blocked   bool   `json:"blocked"`
}

type Loan struct {
	ID        int64           `json:"id"`
	AccountID int64           `json:"accountId"`
	Amount    decimal.Decimal `json:"amount"`
}

// Receiver is a saved payment recipient belonging to a customer.
type Receiver struct {
	ID            int64  `json:"id"`
	CustomerID    int64  `json:"customerId"`
	AccountNumber string `json:"accountNumber"`
	Name          string `json:"name"`
}

// LedgerEntry represents one leg of a settled movement.
// The sum of Deltas for a given Reference must always equal 0 unless one leg lives at another bank.
type LedgerEntry struct {
	ID        int64           `json:"id"`
	AccountID int64           `json:"accountId"`
	Delta     decimal.Decimal `json:"delta"`
	Reference string          `json:"reference"`
	CreatedAt time.Time       `json:"createdAt"`
}

// PremiumRequest moves an OTC option premium between two local accounts.
type PremiumRequest struct {
	FromAccountID int64           `json:"buyerAccountId" validate:"required,gt=0"`
	ToAccountID   int64           `json:"sellerAccountId" validate:"required,gt=0"`
	Amount        decimal.Decimal `json:"amount"`
}
