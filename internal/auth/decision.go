package auth

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type Decision int

const (
	Allow Decision = iota
	Forbidden
	Unauthorized
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "ALLOW"
	case Forbidden:
		return "FORBIDDEN"
	case Unauthorized:
		return "UNAUTHORIZED"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Policy is declared next to an operation.
//
// CustomerOnlyOperation keeps employees from passing on their position alone.
// EmployeeOnlyOperation keeps customers out even when they own the resource.
// DisallowAdminFallback stops administrators from passing when nothing else matched.
type Policy struct {
	CustomerOnlyOperation bool
	EmployeeOnlyOperation bool
	DisallowAdminFallback bool
}

type ResourceKind int

const (
	KindNone ResourceKind = iota
	KindUser
	KindAccount
	KindCard
	KindLoan
	KindReceiver
)

func (k ResourceKind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindAccount:
		return "account"
	case KindCard:
		return "card"
	case KindLoan:
		return "loan"
	case KindReceiver:
		return "receiver"
	default:
		return "none"
	}
}

// ResourceRef names the thing an operation targets.
type ResourceRef struct {
	Kind ResourceKind
	ID   int64
}

var NoResource = ResourceRef{}

func UserRef(id int64) ResourceRef     { return ResourceRef{Kind: KindUser, ID: id} }
func AccountRef(id int64) ResourceRef  { return ResourceRef{Kind: KindAccount, ID: id} }
func CardRef(id int64) ResourceRef     { return ResourceRef{Kind: KindCard, ID: id} }
func LoanRef(id int64) ResourceRef     { return ResourceRef{Kind: KindLoan, ID: id} }
func ReceiverRef(id int64) ResourceRef { return ResourceRef{Kind: KindReceiver, ID: id} }

// OwnerFunc resolves a resource id to the id of the user owning it.
type OwnerFunc func(ctx context.Context, id int64) (int64, error)

// ViaAccount resolves through an intermediate account: parent maps the resource to its account,
// accounts maps the account to its owner.
func ViaAccount(parent, accounts OwnerFunc) OwnerFunc {
	return func(ctx context.Context, id int64) (int64, error) {
		accountID, err := parent(ctx, id)
		if err != nil {
			return 0, err
		}
		return accounts(ctx, accountID)
	}
}

// Resolver maps resource kinds to owner lookups.
type Resolver map[ResourceKind]OwnerFunc

func (r Resolver) Owner(ctx context.Context, ref ResourceRef) (int64, error) {
	if ref.Kind == KindUser {
		return ref.ID, nil
	}
	fn, ok := r[ref.Kind]
	if !ok {
		return 0, fmt.Errorf("no owner lookup for %s", ref.Kind)
	}
	return fn(ctx, ref.ID)
}

type Engine struct {
	resolver Resolver
	log      *zap.Logger
}

func NewEngine(resolver Resolver, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{resolver: resolver, log: log}
}

// Decide evaluates policy for the caller against ref. It performs read-only lookups only.
func (e *Engine) Decide(ctx context.Context, claims *Claims, policy Policy, ref ResourceRef) Decision {
	if claims == nil {
		return Unauthorized
	}

	if !policy.CustomerOnlyOperation && claims.IsEmployee() {
		return Allow
	}

	if !policy.EmployeeOnlyOperation && ref.Kind != KindNone {
		if ref.Kind == KindUser {
			if ref.ID == claims.UserID {
				return Allow
			}
		} else {
			owner, err := e.resolver.Owner(ctx, ref)
			if err != nil {
				e.log.Debug("owner resolution failed",
					zap.Stringer("kind", ref.Kind), zap.Int64("id", ref.ID), zap.Error(err))
			} else if owner == claims.UserID {
				return Allow
			}
		}
	}

	if !policy.DisallowAdminFallback && claims.IsAdmin {
		return Allow
	}

	return Forbidden
}
