// Package auth issues and verifies the bearer tokens accepted by the HTTP API.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuerName = "qazna-telemetry"
	clockSkew  = 5 * time.Second
)

// Roles understood by the HTTP boundary.
const (
	RoleAdmin  = "telemetry:admin"
	RoleIngest = "telemetry:ingest"
)

var (
	ErrMissingSecret = errors.New("auth secret is not configured")
	ErrInvalidToken  = errors.New("invalid token")
)

// Claims carries the subject and its roles.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 tokens with a shared secret.
type Issuer struct {
	key []byte
	now func() time.Time
}

func NewIssuer(secret string) (*Issuer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &Issuer{
		key: []byte(secret),
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// GenerateToken returns a signed token for subject valid for ttl.
func (i *Issuer) GenerateToken(subject string, roles []string, ttl time.Duration) (string, error) {
	subject = strings.TrimSpace(subject)
	switch {
	case subject == "":
		return "", errors.New("subject is required")
	case ttl <= 0:
		return "", fmt.Errorf("ttl must be positive, got %s", ttl)
	}
	issued := i.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Roles: normalizeRoles(roles),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuerName,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(ttl)),
		},
	})
	signed, err := tok.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseAndValidate checks signature, issuer, expiry and issued-at. Every
// failure is reported as ErrInvalidToken.
func (i *Issuer) ParseAndValidate(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(clockSkew),
		jwt.WithTimeFunc(i.now),
	)
	claims := &Claims{}
	if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return i.key, nil }); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.IssuedAt == nil {
		return nil, ErrInvalidToken
	}
	claims.Roles = normalizeRoles(claims.Roles)
	return claims, nil
}

// normalizeRoles lowercases, trims and dedupes roles, keeping first-seen order.
func normalizeRoles(roles []string) []string {
	var out []string
	for _, r := range roles {
		r = strings.ToLower(strings.TrimSpace(r))
		if r != "" && !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	return out
}
