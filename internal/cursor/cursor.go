// Package cursor encodes keyset pagination positions as signed, opaque tokens.
package cursor

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"caseflow/internal/errs"
)

// SortKey is the position of the last item on a page.
type SortKey struct {
	Priority int
	Time     time.Time
	ID       string
}

type claims struct {
	Scope    string `json:"scp"`
	Priority int    `json:"pri,omitempty"`
	Time     int64  `json:"ts"`
	ID       string `json:"id"`
	jwt.RegisteredClaims
}

// Codec signs and verifies cursors with an HMAC secret.
type Codec struct {
	secret []byte
	parser *jwt.Parser
}

// NewCodec returns a codec keyed by secret. An empty secret generates a
// random per-process key, so cursors do not survive a restart.
func NewCodec(secret string) (*Codec, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate cursor secret: %w", err)
		}
	}
	return &Codec{
		secret: key,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}, nil
}

// Scope names a list and its filter. A cursor only decodes under the scope
// it was issued for.
func Scope(list string, filter string) string {
	return list + ":" + filter
}

func (c *Codec) Encode(scope string, key SortKey) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Scope:    scope,
		Priority: key.Priority,
		Time:     key.Time.UnixNano(),
		ID:       key.ID,
	})
	s, err := token.SignedString(c.secret)
	if err != nil {
		return "", errs.Internal(err, "sign cursor")
	}
	return s, nil
}

func (c *Codec) Decode(scope string, raw string) (SortKey, error) {
	var cl claims
	_, err := c.parser.ParseWithClaims(raw, &cl, func(*jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return SortKey{}, errs.InvalidCursor("cursor signature is invalid")
		}
		return SortKey{}, errs.InvalidCursor("cursor is malformed")
	}
	if cl.Scope != scope {
		return SortKey{}, errs.InvalidCursor("cursor was issued for a different listing")
	}
	if cl.ID == "" {
		return SortKey{}, errs.InvalidCursor("cursor is missing its position")
	}
	return SortKey{Priority: cl.Priority, Time: time.Unix(0, cl.Time).UTC(), ID: cl.ID}, nil
}
