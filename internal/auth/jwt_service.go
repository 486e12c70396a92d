package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultSessionTokenTTL defines the fallback validity period for session tokens.
const DefaultSessionTokenTTL = 15 * time.Minute

// MFA states carried on a session token. A session starts pending once a
// verified factor exists and becomes satisfied after a successful
// verification (or a trusted-device bypass).
const (
	MFAStatePending   = "pending"
	MFAStateSatisfied = "satisfied"
)

// JWTConfig bundles the configuration required to build a JWTService.
type JWTConfig struct {
	Secret string
	Issuer string
	TTL    time.Duration
	Clock  func() time.Time
}

// Claims represents the custom claims embedded in issued session tokens.
type Claims struct {
	AccountID string `json:"acct"`
	MFA       string `json:"mfa,omitempty"`
	jwt.RegisteredClaims
}

// Satisfied reports whether the session has passed second-factor verification.
func (c *Claims) Satisfied() bool {
	return c.MFA == MFAStateSatisfied
}

// JWTService issues and validates the session tokens that mark a login's MFA
// progress. The session provider that authenticates passwords lives outside
// this service; only the second-factor state transition is handled here.
type JWTService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewJWTService constructs a JWTService from the provided configuration.
func NewJWTService(cfg JWTConfig) (*JWTService, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt: secret must be provided")
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTokenTTL
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}

	return &JWTService{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    ttl,
		now:    now,
	}, nil
}

// GenerateSessionToken issues a signed token for the account with the given
// MFA state.
func (s *JWTService) GenerateSessionToken(accountID, mfaState string) (string, error) {
	if accountID == "" {
		return "", errors.New("jwt: account id is required")
	}
	if mfaState != MFAStatePending && mfaState != MFAStateSatisfied {
		return "", fmt.Errorf("jwt: unknown mfa state %q", mfaState)
	}

	now := s.now()
	claims := &Claims{
		AccountID: accountID,
		MFA:       mfaState,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("jwt: sign token: %w", err)
	}

	return signed, nil
}

// ValidateSessionToken parses and validates a signed token, returning the
// application claims.
func (s *JWTService) ValidateSessionToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("jwt: token string is empty")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)

	var claims Claims
	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("jwt: parse token: %w", err)
	}

	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, errors.New("jwt: invalid issuer")
	}

	if claims.AccountID == "" {
		return nil, errors.New("jwt: missing account id claim")
	}

	return &claims, nil
}
