// Package accounts holds the durable account records and their store.
package accounts

import "time"

// Session is the credential pair bound 1:1 to an account. IssuedAt and
// ExpiresAt are derived from the access token's claims when the session is
// written; validity checks always re-derive them from the token itself so
// the stored copies can never drift into being trusted on their own.
type Session struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	IssuedAt     time.Time `json:"issuedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Active       bool      `json:"active"`
}

// Scrub overwrites the session's token material.
func (s *Session) Scrub() {
	s.AccessToken = ""
	s.RefreshToken = ""
	s.Active = false
}

// Account is one authenticated identity.
type Account struct {
	// ID is the opaque, locally generated account identifier (UUID).
	ID string `json:"id"`
	// DID is the remote subject identifier, immutable once bound.
	DID string `json:"did"`
	// Handle is the mutable display name on the network.
	Handle string `json:"handle"`
	// ServiceURL is the PDS this account authenticates against.
	ServiceURL string `json:"serviceUrl"`

	DisplayName *string `json:"displayName,omitempty"`
	AvatarURL   *string `json:"avatarUrl,omitempty"`

	Session Session `json:"session"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Scrub overwrites the account's token material.
func (a *Account) Scrub() {
	a.Session.Scrub()
}

// Clone returns a deep copy so callers can never mutate stored state.
func (a *Account) Clone() *Account {
	clone := *a
	if a.DisplayName != nil {
		v := *a.DisplayName
		clone.DisplayName = &v
	}
	if a.AvatarURL != nil {
		v := *a.AvatarURL
		clone.AvatarURL = &v
	}
	return &clone
}
