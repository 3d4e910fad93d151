// Package rpc implements the daemon-facing half of the RPC fabric: bearer
// tokens identifying a connected client, and a pubsub fan-out used to push
// narrative events to hosts. This is the daemon/host split described in
// spec.md §4.4, scoped to what a single-process daemon needs to mint and
// verify its own tokens and publish its own events.
package rpc

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"wold/types"
)

// ClientClaims identifies a connected client and, once logged in, the
// player object it authenticated as.
type ClientClaims struct {
	ClientID string `json:"client_id"`
	Player   int64  `json:"player,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies ClientToken/AuthToken bearer tokens with a
// single HS256 signing key, per spec.md §4.4's token contract.
type TokenIssuer struct {
	key []byte
	ttl time.Duration
}

// NewTokenIssuer builds an issuer from a signing key (loaded by the caller
// from the path named in config.Config) and token lifetime.
func NewTokenIssuer(signingKey []byte, ttl time.Duration) *TokenIssuer {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{key: signingKey, ttl: ttl}
}

// NewClientID mints a fresh client identity for a newly accepted transport
// connection, before any login has happened.
func NewClientID() string {
	return uuid.New().String()
}

// IssueClientToken mints an unauthenticated ClientToken scoped to clientID,
// carrying no player claim.
func (i *TokenIssuer) IssueClientToken(clientID string) (string, error) {
	return i.issue(ClientClaims{ClientID: clientID})
}

// IssueAuthToken mints an AuthToken scoped to clientID once it has logged in
// as player, allowing reconnection without re-authenticating.
func (i *TokenIssuer) IssueAuthToken(clientID string, player types.ObjID) (string, error) {
	return i.issue(ClientClaims{ClientID: clientID, Player: int64(player)})
}

func (i *TokenIssuer) issue(claims ClientClaims) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(i.key)
}

// Verify parses and validates a bearer token, returning its claims.
func (i *TokenIssuer) Verify(tokenString string) (*ClientClaims, error) {
	claims := &ClientClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	if !tok.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// HasPlayer reports whether the token was issued after login.
func (c *ClientClaims) HasPlayer() bool {
	return c.Player != 0
}
