// Package auth issues and verifies the HS256 bearer tokens that identify a
// user on the live connection.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/blackmichael/campusfeed/internal/domain"
)

// Principal is the verified caller of a connection.
type Principal struct {
	UID   string
	Email string
	Admin bool
}

type claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// Authenticator verifies bearer tokens signed with a shared secret. With an
// empty secret it is disabled and every caller is anonymous.
type Authenticator struct {
	secret []byte
	admins map[string]struct{}
	now    func() time.Time
}

// NewAuthenticator creates an Authenticator. adminEmails are compared
// case-insensitively.
func NewAuthenticator(secret string, adminEmails []string) *Authenticator {
	admins := make(map[string]struct{}, len(adminEmails))
	for _, email := range adminEmails {
		admins[strings.ToLower(strings.TrimSpace(email))] = struct{}{}
	}
	return &Authenticator{
		secret: []byte(secret),
		admins: admins,
		now:    time.Now,
	}
}

// Enabled reports whether tokens are required.
func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0
}

// IsAdmin reports whether email belongs to an admin.
func (a *Authenticator) IsAdmin(email string) bool {
	_, ok := a.admins[strings.ToLower(strings.TrimSpace(email))]
	return ok
}

// Authenticate returns the principal of r. It returns a nil principal and
// no error when authentication is disabled.
func (a *Authenticator) Authenticate(r *http.Request) (*Principal, error) {
	if !a.Enabled() {
		return nil, nil
	}
	raw := bearerToken(r)
	if raw == "" {
		return nil, domain.NewError(domain.CodePermissionDenied, "bearer token required")
	}
	return a.Verify(raw)
}

// Verify checks a token and returns its principal.
func (a *Authenticator) Verify(raw string) (*Principal, error) {
	var parsed claims
	_, err := jwt.ParseWithClaims(raw, &parsed, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, mapJWTError(err)
	}
	if strings.TrimSpace(parsed.Subject) == "" {
		return nil, domain.NewError(domain.CodePermissionDenied, "token subject is required")
	}
	return &Principal{
		UID:   parsed.Subject,
		Email: parsed.Email,
		Admin: a.IsAdmin(parsed.Email),
	}, nil
}

// Mint signs a token for uid valid for ttl.
func (a *Authenticator) Mint(uid, email string, ttl time.Duration) (string, error) {
	if !a.Enabled() {
		return "", errors.New("token secret not configured")
	}
	now := a.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email: email,
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter for browsers that cannot set headers on a
// websocket upgrade.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return domain.WrapError(domain.CodePermissionDenied, "token is expired", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return domain.WrapError(domain.CodePermissionDenied, "token signature is invalid", err)
	default:
		return domain.WrapError(domain.CodePermissionDenied, "token is invalid", err)
	}
}
