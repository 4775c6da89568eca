package gateway

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/shipsec/shipsec/runtime/fault"
)

// SessionTokenTTL bounds how long an agent may hold one gateway session.
const SessionTokenTTL = 15 * time.Minute

type (
	// SessionClaims scope one agent session to a run and the tool nodes it
	// may reach. Tokens are opaque to agents.
	SessionClaims struct {
		RunID          string   `json:"runId"`
		OrganizationID string   `json:"organizationId,omitempty"`
		AllowedNodeIDs []string `json:"allowedNodeIds"`
		jwt.RegisteredClaims
	}

	// TokenIssuer mints and verifies HS256 session tokens under the shared
	// internal secret.
	TokenIssuer struct {
		secret []byte
		ttl    time.Duration
		now    func() time.Time
	}
)

// NewTokenIssuer constructs an issuer. An empty secret is a configuration
// fault: unsigned sessions are never acceptable.
func NewTokenIssuer(secret string) (*TokenIssuer, error) {
	if secret == "" {
		return nil, fault.New(fault.KindConfiguration, "session token secret is required")
	}
	return &TokenIssuer{secret: []byte(secret), ttl: SessionTokenTTL, now: time.Now}, nil
}

// Mint issues a session token for one run.
func (i *TokenIssuer) Mint(runID, organizationID string, allowedNodeIDs []string) (string, time.Time, error) {
	if runID == "" {
		return "", time.Time{}, fault.New(fault.KindValidation, "runId is required")
	}
	now := i.now()
	expires := now.Add(i.ttl)
	claims := SessionClaims{
		RunID:          runID,
		OrganizationID: organizationID,
		AllowedNodeIDs: allowedNodeIDs,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   runID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fault.Wrap(fault.KindService, "sign session token", err)
	}
	return token, expires, nil
}

// Verify checks signature and expiry and returns the session claims.
func (i *TokenIssuer) Verify(token string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !parsed.Valid {
		return nil, fault.Wrap(fault.KindAuth, "invalid session token", err)
	}
	if claims.RunID == "" {
		return nil, fault.New(fault.KindAuth, "session token lacks run scope")
	}
	return claims, nil
}
