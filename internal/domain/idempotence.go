package domain

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const MaxLocalKeyLength = 64

// IdempotenceKey identifies a message across the interbank network: the routing number names the
// bank of origin, the local key is unique within that bank.
type IdempotenceKey struct {
	RoutingNumber       int    `json:"routingNumber"`
	LocallyGeneratedKey string `json:"locallyGeneratedKey"`
}

// NewIdempotenceKey mints a key owned by the bank with the given routing number.
func NewIdempotenceKey(routingNumber int) IdempotenceKey {
	return IdempotenceKey{RoutingNumber: routingNumber, LocallyGeneratedKey: uuid.NewString()}
}

func (k IdempotenceKey) Validate() error {
	if k.RoutingNumber <= 0 {
		return fmt.Errorf("%w: routing number must be positive", ErrMalformed)
	}
	if k.LocallyGeneratedKey == "" {
		return fmt.Errorf("%w: locally generated key is required", ErrMalformed)
	}
	if len(k.LocallyGeneratedKey) > MaxLocalKeyLength {
		return fmt.Errorf("%w: locally generated key exceeds %d characters", ErrMalformed, MaxLocalKeyLength)
	}
	return nil
}

// String renders the unique form "<routing>-<key>" used as the dedup column and saga uid.
func (k IdempotenceKey) String() string {
	return strconv.Itoa(k.RoutingNumber) + "-" + k.LocallyGeneratedKey
}

// ParseIdempotenceKey is the inverse of String.
func ParseIdempotenceKey(s string) (IdempotenceKey, error) {
	routing, local, ok := strings.Cut(s, "-")
	if !ok {
		return IdempotenceKey{}, fmt.Errorf("%w: key %q has no routing prefix", ErrMalformed, s)
	}
	n, err := strconv.Atoi(routing)
	if err != nil {
		return IdempotenceKey{}, fmt.Errorf("%w: routing number %q: %v", ErrMalformed, routing, err)
	}
	k := IdempotenceKey{RoutingNumber: n, LocallyGeneratedKey: local}
	return k, k.Validate()
}
