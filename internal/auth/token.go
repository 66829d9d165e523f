package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/punchamoorthee/bankops/internal/domain"
)

var (
	ErrMissingToken = fmt.Errorf("%w: token not provided", domain.ErrUnauthenticated)
	ErrInvalidToken = fmt.Errorf("%w: token invalid or expired", domain.ErrUnauthenticated)
)

// Verifier decodes HS256 access tokens issued by the user service.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Parse accepts the raw Authorization header value ("Bearer <jwt>").
func (v *Verifier) Parse(header string) (*Claims, error) {
	token, ok := strings.CutPrefix(strings.TrimSpace(header), "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		return nil, ErrInvalidToken
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Position == "" {
		claims.Position = PositionNone
	}
	return claims, nil
}

// Issue signs claims. Used by the seeder and tests; production tokens come from the user service.
func (v *Verifier) Issue(c Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	c.IssuedAt = jwt.NewNumericDate(now)
	if ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, &c).SignedString(v.secret)
}
