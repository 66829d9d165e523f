package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/punchamoorthee/bankops/internal/domain"
	"go.uber.org/zap"
)

type AccountStore interface {
	CreateAccount(ctx context.Context, a *domain.Account) error
}

// Accounts opens accounts under this bank's routing prefix.
type Accounts struct {
	store    AccountStore
	prefix   string
	validate *validator.Validate
	log      *zap.Logger
}

func NewAccounts(store AccountStore, routingNumber int, log *zap.Logger) *Accounts {
	if log == nil {
		log = zap.NewNop()
	}
	return &Accounts{store: store, prefix: RoutingPrefix(routingNumber), validate: validator.New(), log: log}
}

// RoutingPrefix is the leading part of every account number held at the bank.
func RoutingPrefix(routingNumber int) string {
	return fmt.Sprintf("%03d", routingNumber)
}

const accountNumberDigits = 13

var accountNumberSpace = new(big.Int).Exp(big.NewInt(10), big.NewInt(accountNumberDigits), nil)

func (a *Accounts) newNumber() (string, error) {
	n, err := rand.Int(rand.Reader, accountNumberSpace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%0*d", a.prefix, accountNumberDigits, n), nil
}

func (a *Accounts) Open(ctx context.Context, req domain.CreateAccountRequest) (*domain.Account, error) {
	if err := a.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformed, err)
	}
	if req.InitialBalance.IsNegative() {
		return nil, domain.ErrInvalidAmount
	}

	number := req.Number
	if number == "" {
		var err error
		if number, err = a.newNumber(); err != nil {
			return nil, err
		}
	} else if !strings.HasPrefix(number, a.prefix) {
		return nil, fmt.Errorf("%w: account number %s is not under routing prefix %s", domain.ErrMalformed, number, a.prefix)
	}

	acct := &domain.Account{
		OwnerID:  req.OwnerID,
		Number:   number,
		Currency: strings.ToUpper(req.Currency),
		Balance:  req.InitialBalance,
	}
	if err := a.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	a.log.Info("account opened", zap.Int64("account", acct.ID), zap.Int64("owner", acct.OwnerID),
		zap.String("number", acct.Number), zap.Int64("employee", req.EmployeeID))
	return acct, nil
}
