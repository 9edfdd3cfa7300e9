// Package auth signs and checks the tokens that tie a media stream to the
// TwiML response that opened it.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer   = "voice-relay"
	audience = "media-stream"
)

// ErrInvalidToken covers missing, malformed, expired and mismatched tokens.
var ErrInvalidToken = errors.New("auth: invalid stream token")

// StreamClaims are carried in a stream token.
type StreamClaims struct {
	CallSid   string `json:"call_sid"`
	Direction string `json:"direction,omitempty"`
	jwt.RegisteredClaims
}

// StreamTokens issues HS256 tokens bound to a call sid.
type StreamTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewStreamTokens(secret string, ttl time.Duration) *StreamTokens {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &StreamTokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Sign issues a token for callSid.
func (s *StreamTokens) Sign(callSid, direction string) (string, error) {
	now := s.now()
	claims := StreamClaims{
		CallSid:   callSid,
		Direction: direction,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign stream token: %w", err)
	}
	return token, nil
}

// Verify checks the token's signature, expiry and call sid.
func (s *StreamTokens) Verify(token, callSid string) (*StreamClaims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing", ErrInvalidToken)
	}
	claims := &StreamClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.CallSid != callSid {
		return nil, fmt.Errorf("%w: issued for call %s", ErrInvalidToken, claims.CallSid)
	}
	return claims, nil
}
