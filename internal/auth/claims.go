package auth

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Position is an employee grade. Customers carry PositionNone.
type Position string

const (
	PositionNone     Position = "NONE"
	PositionDirector Position = "DIRECTOR"
	PositionManager  Position = "MANAGER"
	PositionWorker   Position = "WORKER"
	PositionHR       Position = "HR"
)

func (p *Position) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch v := Position(strings.ToUpper(s)); v {
	case "":
		*p = PositionNone
	case PositionNone, PositionDirector, PositionManager, PositionWorker, PositionHR:
		*p = v
	default:
		return fmt.Errorf("invalid position %q", s)
	}
	return nil
}

// Claims are the verified fields of an access token.
type Claims struct {
	UserID      int64    `json:"id"`
	Position    Position `json:"position"`
	IsAdmin     bool     `json:"isAdmin"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) IsEmployee() bool {
	return c.Position != "" && c.Position != PositionNone
}

func (c *Claims) HasPermission(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}
