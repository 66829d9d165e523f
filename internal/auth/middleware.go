package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

type ctxKey struct{}

// ClaimsFrom returns the claims Guard stored for an authorized request.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Claims)
	return c, ok
}

func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// RefFunc extracts the targeted resource from a request.
type RefFunc func(r *http.Request) (ResourceRef, error)

// PathRef reads a numeric route variable as a reference of the given kind.
func PathRef(kind ResourceKind, param string) RefFunc {
	return func(r *http.Request) (ResourceRef, error) {
		raw, ok := mux.Vars(r)[param]
		if !ok {
			return NoResource, errors.New("missing route variable " + param)
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return NoResource, err
		}
		return ResourceRef{Kind: kind, ID: id}, nil
	}
}

func NoRef(*http.Request) (ResourceRef, error) { return NoResource, nil }

const (
	MsgInvalidLogin = "token missing, invalid or expired"
	MsgForbidden    = "insufficient authorization"
)

// DenyFunc writes a failure response.
type DenyFunc func(w http.ResponseWriter, r *http.Request, code int, msg string)

// Guard turns policies into route middleware.
type Guard struct {
	engine   *Engine
	verifier *Verifier
	deny     DenyFunc
}

func NewGuard(engine *Engine, verifier *Verifier, deny DenyFunc) *Guard {
	if deny == nil {
		deny = writeFailure
	}
	return &Guard{engine: engine, verifier: verifier, deny: deny}
}

// Require wraps a handler with a declared policy.
func (g *Guard) Require(policy Policy, ref RefFunc) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := g.verifier.Parse(r.Header.Get("Authorization"))
			if err != nil {
				claims = nil
			}

			target, err := ref(r)
			if err != nil {
				g.deny(w, r, http.StatusBadRequest, "invalid resource id")
				return
			}

			switch g.engine.Decide(r.Context(), claims, policy, target) {
			case Allow:
				next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
			case Unauthorized:
				g.deny(w, r, http.StatusUnauthorized, MsgInvalidLogin)
			default:
				g.deny(w, r, http.StatusForbidden, MsgForbidden)
			}
		})
	}
}

// Wrap is Require for a single handler func.
func (g *Guard) Wrap(policy Policy, ref RefFunc, h http.HandlerFunc) http.Handler {
	return g.Require(policy, ref)(h)
}

func writeFailure(w http.ResponseWriter, _ *http.Request, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "error": msg})
}
