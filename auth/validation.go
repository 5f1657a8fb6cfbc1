package auth

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/moodesky/atproto-auth/accounts"
	autherrors "github.com/moodesky/atproto-auth/internal/errors"
)

// maxFieldBytes is the practical cap on any single account field. Nothing
// legitimate approaches it; anything beyond it is hostile or corrupt.
const maxFieldBytes = 2048

var (
	// DID syntax per the did-core grammar, constrained to the lowercase
	// method names seen on the network.
	didPattern = regexp.MustCompile(`^did:[a-z]+:[A-Za-z0-9._:%-]+$`)

	// Handles are hostnames: dot-separated labels, no leading/trailing
	// hyphens, at least two labels.
	handlePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?)+$`)
)

// ValidateAccountID validates the opaque local account identifier.
func ValidateAccountID(id string) error {
	if err := validateField(id); err != nil {
		return err
	}
	if uuid.Validate(id) != nil {
		return errors.Wrap(autherrors.ErrInvalidArgument, "[ValidateAccountID] not an account identifier")
	}
	return nil
}

// ValidateDID validates a remote subject identifier.
func ValidateDID(did string) error {
	if err := validateField(did); err != nil {
		return err
	}
	if !didPattern.MatchString(did) {
		return errors.Wrap(autherrors.ErrInvalidArgument, "[ValidateDID] malformed subject identifier")
	}
	return nil
}

// ValidateHandle validates a network handle.
func ValidateHandle(handle string) error {
	if err := validateField(handle); err != nil {
		return err
	}
	if !handlePattern.MatchString(handle) {
		return errors.Wrap(autherrors.ErrInvalidArgument, "[ValidateHandle] malformed handle")
	}
	return nil
}

// ValidateServiceURL validates the PDS endpoint URL.
func ValidateServiceURL(raw string) error {
	if err := validateField(raw); err != nil {
		return err
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return errors.Wrap(autherrors.ErrInvalidArgument, "[ValidateServiceURL] unparseable URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.Wrap(autherrors.ErrInvalidArgument, "[ValidateServiceURL] scheme must be http or https")
	}
	if parsed.Host == "" {
		return errors.Wrap(autherrors.ErrInvalidArgument, "[ValidateServiceURL] missing host")
	}
	return nil
}

// ValidateIdentifier validates a login identifier (handle or email).
func ValidateIdentifier(identifier string) error {
	if err := validateField(identifier); err != nil {
		return err
	}
	if strings.Contains(identifier, "@") {
		at := strings.LastIndex(identifier, "@")
		if at == 0 || !strings.Contains(identifier[at:], ".") {
			return errors.Wrap(autherrors.ErrInvalidArgument, "[ValidateIdentifier] malformed email")
		}
		return nil
	}
	return ValidateHandle(identifier)
}

// ValidateAccount validates every field of an account prior to persisting.
// Rejection leaves nothing behind.
func ValidateAccount(account *accounts.Account) error {
	if account == nil {
		return errors.Wrap(autherrors.ErrInvalidArgument, "[ValidateAccount] nil account")
	}
	if err := ValidateAccountID(account.ID); err != nil {
		return err
	}
	if err := ValidateDID(account.DID); err != nil {
		return err
	}
	if err := ValidateHandle(account.Handle); err != nil {
		return err
	}
	if err := ValidateServiceURL(account.ServiceURL); err != nil {
		return err
	}
	if account.DisplayName != nil {
		if err := validateField(*account.DisplayName); err != nil {
			return err
		}
	}
	if account.AvatarURL != nil {
		if err := validateField(*account.AvatarURL); err != nil {
			return err
		}
	}
	if len(account.Session.AccessToken) > maxTokenBytes || len(account.Session.RefreshToken) > maxTokenBytes {
		return errors.Wrap(autherrors.ErrInvalidArgument, "[ValidateAccount] oversized token")
	}
	return nil
}

// Tokens carry claims and can legitimately exceed the field cap.
const maxTokenBytes = 64 * 1024

// validateField enforces the shared field rules: non-empty, valid UTF-8,
// capped length, no control characters.
func validateField(s string) error {
	if s == "" {
		return errors.Wrap(autherrors.ErrInvalidArgument, "[validateField] empty field")
	}
	if len(s) > maxFieldBytes {
		return errors.Wrap(autherrors.ErrInvalidArgument, "[validateField] field too long")
	}
	if !utf8.ValidString(s) {
		return errors.Wrap(autherrors.ErrInvalidArgument, "[validateField] invalid encoding")
	}
	if strings.ContainsFunc(s, unicode.IsControl) {
		return errors.Wrap(autherrors.ErrInvalidArgument, "[validateField] control characters")
	}
	return nil
}
