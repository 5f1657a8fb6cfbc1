// Package transport defines the boundary to the remote identity service.
// Everything here is fallible and network-bound; timeouts belong to the
// implementation, and callers treat them as ordinary failures.
package transport

import (
	"context"
	"errors"
)

// ErrCredentialRejected is returned when the remote service refuses the
// presented credential (bad password, expired or reused refresh token).
// Every other transport failure is considered transient.
var ErrCredentialRejected = errors.New("credential rejected by service")

// SessionTokens is the signed token pair returned by login and refresh.
type SessionTokens struct {
	AccessToken  string
	RefreshToken string
	Handle       string
	DID          string
}

// ProfileMetadata is the refreshable public profile of a subject.
type ProfileMetadata struct {
	Handle      string
	DisplayName *string
	AvatarURL   *string
}

// Client is the remote transport collaborator.
type Client interface {
	// Login exchanges an identifier and secret for a fresh session.
	Login(ctx context.Context, identifier, secret, serviceURL string) (*SessionTokens, error)

	// RefreshSession rotates a refresh token into a new token pair. The
	// presented token is single-use; after a successful rotation the
	// service must never accept it again.
	RefreshSession(ctx context.Context, refreshToken, serviceURL string) (*SessionTokens, error)

	// GetProfile fetches the subject's profile metadata.
	GetProfile(ctx context.Context, did, serviceURL string) (*ProfileMetadata, error)
}
