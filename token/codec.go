// Package token decodes and inspects bearer tokens without verifying their
// signatures. Signature trust is delegated to the service that issued the
// token; this codec only answers structural and lifetime questions.
package token

import (
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

// Info is a read-only view of a decoded token.
type Info struct {
	Claims           map[string]any
	IsValid          bool
	IsExpired        bool
	ExpiresAt        *time.Time
	RemainingSeconds int64
}

// Decode splits a token into its three dot-delimited segments and returns
// the payload claims. It reports false for anything that is not exactly
// three segments, fails base64url decoding, or does not carry a structured
// payload. It never panics; failure is only the false return.
func Decode(raw string) (map[string]any, bool) {
	parser := jwtlib.NewParser()
	parsed, parts, err := parser.ParseUnverified(raw, jwtlib.MapClaims{})
	if err != nil {
		return nil, false
	}
	if _, err := parser.DecodeSegment(parts[2]); err != nil {
		return nil, false
	}
	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, false
	}
	return claims, true
}

// ExpirationOf returns the token's expiry, or nil if the token cannot be
// decoded or carries no exp claim.
func ExpirationOf(raw string) *time.Time {
	claims, ok := Decode(raw)
	if !ok {
		return nil
	}
	exp, err := jwtlib.MapClaims(claims).GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	t := exp.Time
	return &t
}

// IssuedAtOf returns the token's iat claim, or nil if the token cannot be
// decoded or carries no iat.
func IssuedAtOf(raw string) *time.Time {
	claims, ok := Decode(raw)
	if !ok {
		return nil
	}
	iat, err := jwtlib.MapClaims(claims).GetIssuedAt()
	if err != nil || iat == nil {
		return nil
	}
	t := iat.Time
	return &t
}

// IsExpired reports whether the token is past its expiry. Undecodable
// tokens and tokens without an exp claim count as expired. An expiry equal
// to the current instant counts as expired.
func IsExpired(raw string) bool {
	exp := ExpirationOf(raw)
	if exp == nil {
		return true
	}
	return !exp.After(NowTimeFunc())
}

// RemainingSeconds returns the whole seconds until expiry, floored at zero
// for invalid, expired, and exp-less tokens.
func RemainingSeconds(raw string) int64 {
	exp := ExpirationOf(raw)
	if exp == nil {
		return 0
	}
	remaining := exp.Unix() - NowTimeFunc().Unix()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Introspect composes the codec operations into a single snapshot. IsValid
// is true only when the token decodes, carries an exp claim, and that exp
// is in the future.
func Introspect(raw string) Info {
	claims, ok := Decode(raw)
	if !ok {
		return Info{IsExpired: true}
	}
	exp := ExpirationOf(raw)
	expired := IsExpired(raw)
	return Info{
		Claims:           claims,
		IsValid:          exp != nil && !expired,
		IsExpired:        expired,
		ExpiresAt:        exp,
		RemainingSeconds: RemainingSeconds(raw),
	}
}
