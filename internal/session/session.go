// Package session parses the staff access token the agent runs under.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/rxportal/internal/errs"
)

// Leeway tolerates clock skew between the token issuer and the agent.
const Leeway = 30 * time.Second

// Staff is an authenticated staff session.
type Staff struct {
	StaffID    uuid.UUID
	LocationID string
	ExpiresAt  time.Time
}

type claims struct {
	jwt.RegisteredClaims
	LocationID string `json:"loc,omitempty"`
}

// Parse verifies an HS256 token signed with key and returns its session. Every
// failure wraps errs.ErrUnauthorized.
func Parse(token string, key []byte) (Staff, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return key, nil
	}, jwt.WithLeeway(Leeway), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return Staff{}, fmt.Errorf("%w: invalid token", errs.ErrUnauthorized)
	}
	id, err := uuid.FromString(c.Subject)
	if err != nil {
		return Staff{}, fmt.Errorf("%w: bad subject", errs.ErrUnauthorized)
	}
	s := Staff{StaffID: id, LocationID: c.LocationID}
	if c.ExpiresAt != nil {
		s.ExpiresAt = c.ExpiresAt.Time
	}
	return s, nil
}

// Issue signs a token for s valid for ttl. Used for development tokens.
func Issue(key []byte, s Staff, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.StaffID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		LocationID: s.LocationID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(key)
}

// Bearer extracts the token from an "Authorization: Bearer <token>" value.
func Bearer(header string) (string, error) {
	v := strings.TrimSpace(header)
	if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
		if t := strings.TrimSpace(v[7:]); t != "" {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: no bearer token", errs.ErrUnauthorized)
}
