package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/satriahrh/voxbridge/domain/entities"
)

// Token roles
const (
	RoleStream        = "stream"
	RoleSessionConfig = "session_config"
)

// DefaultStreamTokenTTL is how long a telephony stream token stays valid
const DefaultStreamTokenTTL = 10 * time.Minute

var ErrInvalidToken = errors.New("invalid token")

// StreamClaims authorizes one telephony media stream for a business
type StreamClaims struct {
	BusinessID string `json:"business_id"`
	AgentType  string `json:"agent_type,omitempty"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

// SessionConfigClaims carries a signed per-call session config for outbound calls
type SessionConfigClaims struct {
	BusinessID string                 `json:"business_id"`
	Config     entities.SessionConfig `json:"session_config"`
	Role       string                 `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and validates stream tokens with a shared HMAC secret
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates an issuer; the secret must not be empty
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	if secret == "" {
		return nil, errors.New("token secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultStreamTokenTTL
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

func (i *TokenIssuer) registered() (jwt.RegisteredClaims, time.Time) {
	now := i.now()
	expiresAt := now.Add(i.ttl)
	return jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(now),
	}, expiresAt
}

// GenerateStreamToken generates a token placed in the stream's custom parameters
func (i *TokenIssuer) GenerateStreamToken(businessID, agentType string) (string, time.Time, error) {
	if businessID == "" {
		return "", time.Time{}, errors.New("business id is required")
	}
	registered, expiresAt := i.registered()
	claims := &StreamClaims{
		BusinessID:       businessID,
		AgentType:        agentType,
		Role:             RoleStream,
		RegisteredClaims: registered,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign stream token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateStreamToken validates a stream token and returns its claims
func (i *TokenIssuer) ValidateStreamToken(tokenString string) (*StreamClaims, error) {
	claims := &StreamClaims{}
	if err := i.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.Role != RoleStream {
		return nil, fmt.Errorf("%w: unexpected role %q", ErrInvalidToken, claims.Role)
	}
	return claims, nil
}

// SignSessionConfig signs an outbound-call session config
func (i *TokenIssuer) SignSessionConfig(businessID string, cfg entities.SessionConfig) (string, error) {
	registered, _ := i.registered()
	claims := &SessionConfigClaims{
		BusinessID:       businessID,
		Config:           cfg,
		Role:             RoleSessionConfig,
		RegisteredClaims: registered,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// ParseSessionConfig validates a signed session config
func (i *TokenIssuer) ParseSessionConfig(tokenString string) (*SessionConfigClaims, error) {
	claims := &SessionConfigClaims{}
	if err := i.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.Role != RoleSessionConfig {
		return nil, fmt.Errorf("%w: unexpected role %q", ErrInvalidToken, claims.Role)
	}
	return claims, nil
}

func (i *TokenIssuer) parse(tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}
