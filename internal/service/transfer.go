package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/punchamoorthee/bankops/internal/domain"
	"go.uber.org/zap"
)

// PayPremium moves an OTC option premium from the buyer to the seller. Both accounts are local and
// share a currency; the store locks them in id order.
func (e *Engine) PayPremium(ctx context.Context, req domain.PremiumRequest) (string, error) {
	if !req.Amount.IsPositive() {
		return "", domain.ErrInvalidAmount
	}
	if req.FromAccountID == req.ToAccountID {
		return "", fmt.Errorf("%w: premium payer and payee are the same account", domain.ErrMalformed)
	}

	ref := "premium-" + uuid.NewString()
	if err := e.store.Transfer(ctx, req.FromAccountID, req.ToAccountID, req.Amount, ref); err != nil {
		return "", err
	}
	e.log.Info("premium paid", zap.String("reference", ref),
		zap.Int64("from", req.FromAccountID), zap.Int64("to", req.ToAccountID),
		zap.String("amount", req.Amount.String()))
	return ref, nil
}
