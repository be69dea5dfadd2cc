package guru

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenExpired is returned by CheckToken for a JWT past its expiry.
var ErrTokenExpired = errors.New("guru: api token expired")

// ErrTokenMissing is returned by CheckToken for an empty token.
var ErrTokenMissing = errors.New("guru: api token missing")

// CheckToken fails fast on tokens that cannot work. Opaque tokens are
// accepted as-is; JWT tokens are checked for expiry without verifying the
// signature, which only the API can do.
func CheckToken(token string, now time.Time) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrTokenMissing
	}
	if strings.Count(token, ".") != 2 {
		return nil
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		// Not a JWT after all.
		return nil
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil {
		return fmt.Errorf("guru: api token exp claim: %w", err)
	}
	if exp != nil && !now.Before(exp.Time) {
		return fmt.Errorf("%w at %s", ErrTokenExpired, exp.Time.Format(time.RFC3339))
	}
	return nil
}
