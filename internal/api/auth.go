package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"volarbiter/internal/model"
)

// RoleOperator may act on behalf of either role.
const RoleOperator = "operator"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrForbidden    = errors.New("forbidden")
)

// Claims is the body of an arbiter bearer token.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator signs and verifies HS256 role tokens.
type Authenticator struct {
	secret []byte
	issuer string
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

func validTokenRole(role string) bool {
	return role == RoleOperator || model.Role(role).Valid()
}

// Issue mints a token for role. ttl <= 0 means no expiry.
func (a *Authenticator) Issue(role, subject string, ttl time.Duration, now time.Time) (string, error) {
	if !validTokenRole(role) {
		return "", fmt.Errorf("%w: %q", model.ErrUnknownRole, role)
	}
	c := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   a.issuer,
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, &c)
	return tok.SignedString(a.secret)
}

func (a *Authenticator) Verify(token string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	c := &Claims{}
	_, err := jwt.ParseWithClaims(token, c, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	if !validTokenRole(c.Role) {
		return nil, fmt.Errorf("%w: role claim %q", ErrInvalidToken, c.Role)
	}
	return c, nil
}

const claimsKey contextKey = "claims"

// middleware rejects requests without a valid bearer token. A nil
// Authenticator lets everything through.
func (a *Authenticator) middleware(next http.Handler) http.Handler {
	if a == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="volarbiter"`)
			writeErr(w, http.StatusUnauthorized, "UNAUTHORIZED", "bearer token required")
			return
		}
		c, err := a.Verify(strings.TrimSpace(raw))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="volarbiter", error="invalid_token"`)
			writeErr(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, c)))
	})
}

// authorize checks that the caller may act as role. Requests that went
// through no authenticator are always allowed.
func authorize(ctx context.Context, role model.Role) error {
	c, ok := ctx.Value(claimsKey).(*Claims)
	if !ok {
		return nil
	}
	if c.Role == RoleOperator || c.Role == string(role) {
		return nil
	}
	return fmt.Errorf("%w: token role %s cannot act as %s", ErrForbidden, c.Role, role)
}
