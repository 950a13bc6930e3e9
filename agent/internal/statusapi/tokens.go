package statusapi

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultTokenTTL = 24 * time.Hour
	tokenIssuer     = "nat-tunnel-agent"
	scopeStatus     = "status:read"
)

var ErrUnauthorized = errors.New("unauthorized")

type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Tokens mints and checks bearer tokens for the status API.
type Tokens struct {
	secret []byte
	now    func() time.Time
}

func NewTokens(secret string) (*Tokens, error) {
	if secret == "" {
		return nil, errors.New("status API secret is required (NAT_TUNNEL_STATUS_SECRET)")
	}
	return &Tokens{secret: []byte(secret), now: time.Now}, nil
}

// Mint returns a read-only token for subject valid for ttl.
func (t *Tokens) Mint(subject string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := t.now()
	claims := Claims{
		Scope: scopeStatus,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

func (t *Tokens) Validate(tokenString string) (Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(t.now))
	if err != nil {
		return Claims{}, ErrUnauthorized
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Scope != scopeStatus {
		return Claims{}, ErrUnauthorized
	}
	return *claims, nil
}
