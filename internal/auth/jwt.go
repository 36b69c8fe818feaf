package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mhartley/printflow-go/internal/config"
)

const (
	tokenIssuer   = "printflow"
	tokenAudience = "printflow-api"
)

// TokenPayload represents the validated payload data.
type TokenPayload struct {
	Sub     string
	Service string
}

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

type tokenClaims struct {
	Service string `json:"service"`
	jwt.RegisteredClaims
}

// GenerateServiceToken creates a signed token for a calling service.
// A non-positive ttl falls back to the configured access token expiry.
func GenerateServiceToken(cfg config.Config, payload TokenPayload, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = time.Duration(cfg.JWTAccessTokenExpirySec) * time.Second
	}

	now := time.Now()
	claims := tokenClaims{
		Service: payload.Service,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   payload.Sub,
			Issuer:    tokenIssuer,
			Audience:  []string{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.JWTSecret))
}

// VerifyToken parses and validates the JWT.
func VerifyToken(cfg config.Config, token string) (TokenPayload, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithAudience(tokenAudience),
		jwt.WithIssuer(tokenIssuer),
	)

	claims := &tokenClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(_ *jwt.Token) (any, error) {
		return []byte(cfg.JWTSecret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return TokenPayload{}, ErrTokenExpired
		}
		return TokenPayload{}, ErrTokenInvalid
	}
	if parsed == nil || !parsed.Valid {
		return TokenPayload{}, ErrTokenInvalid
	}

	payload := TokenPayload{
		Sub:     claims.Subject,
		Service: claims.Service,
	}
	if payload.Sub == "" || payload.Service == "" {
		return TokenPayload{}, ErrTokenInvalid
	}

	return payload, nil
}
