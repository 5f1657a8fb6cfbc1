// Package tokentest builds unsigned bearer tokens for tests. The codec
// never verifies signatures, so a fixed placeholder signature segment is
// enough to exercise every code path.
package tokentest

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const signatureSegment = "dGVzdC1zaWduYXR1cmUtc2VnbWVudA"

// Make assembles a token from raw claims.
func Make(claims map[string]any) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	body, err := json.Marshal(claims)
	if err != nil {
		panic(err)
	}
	payload := base64.RawURLEncoding.EncodeToString(body)
	return header + "." + payload + "." + signatureSegment
}

// Access builds an access token for the given subject expiring at exp.
func Access(did string, iat, exp time.Time) string {
	return Make(map[string]any{
		"scope": "com.atproto.access",
		"sub":   did,
		"iat":   iat.Unix(),
		"exp":   exp.Unix(),
		"jti":   uuid.New().String(),
	})
}

// Refresh builds a refresh token for the given subject expiring at exp.
// Each call produces a distinct token, so rotation is observable.
func Refresh(did string, iat, exp time.Time) string {
	return Make(map[string]any{
		"scope": "com.atproto.refresh",
		"sub":   did,
		"iat":   iat.Unix(),
		"exp":   exp.Unix(),
		"jti":   uuid.New().String(),
	})
}
