// Package auth is the single entry point for account lifecycle operations.
// It validates every external input, delegates persistence and refresh to
// its collaborators, and collapses internal error detail into a small
// public taxonomy.
package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/moodesky/atproto-auth/accounts"
	autherrors "github.com/moodesky/atproto-auth/internal/errors"
	"github.com/moodesky/atproto-auth/internal/redact"
	"github.com/moodesky/atproto-auth/sessions"
	"github.com/moodesky/atproto-auth/token"
	"github.com/moodesky/atproto-auth/transport"
)

// probeID is a syntactically valid identifier that is never issued to an
// account. Lookups that fail validation still probe the store with it so
// that malformed and unknown identifiers cost the same wall time.
const probeID = "00000000-0000-4000-8000-000000000000"

// Service orchestrates account lifecycle operations. Construct one at
// startup and share it; it is safe for concurrent use.
type Service struct {
	store             *accounts.Store
	manager           *sessions.Manager
	client            transport.Client
	defaultServiceURL string
	log               zerolog.Logger
	nowTime           func() time.Time
}

// ServiceOption modifies a Service instance.
type ServiceOption func(*Service)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) ServiceOption {
	return func(s *Service) {
		s.nowTime = nowFunc
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(log zerolog.Logger) ServiceOption {
	return func(s *Service) {
		s.log = log
	}
}

// WithDefaultServiceURL sets the PDS used when a login does not name one.
func WithDefaultServiceURL(serviceURL string) ServiceOption {
	return func(s *Service) {
		s.defaultServiceURL = serviceURL
	}
}

// NewService initializes the Service with its collaborators.
func NewService(store *accounts.Store, manager *sessions.Manager, client transport.Client, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("[NewService] account store is required")
	}
	if manager == nil {
		return nil, errors.New("[NewService] session manager is required")
	}
	if client == nil {
		return nil, errors.New("[NewService] transport client is required")
	}

	service := &Service{
		store:             store,
		manager:           manager,
		client:            client,
		defaultServiceURL: "https://bsky.social",
		log:               zerolog.Nop(),
		nowTime:           time.Now,
	}
	for _, opt := range options {
		opt(service)
	}
	return service, nil
}

// Login authenticates against the identity service and persists the
// resulting account. If the subject is already stored, its session is
// rotated in place and the existing account identifier is kept, so a
// re-login is the way back from an invalidated session.
func (s *Service) Login(ctx context.Context, identifier, secret, serviceURL string) (*accounts.Account, error) {
	if serviceURL == "" {
		serviceURL = s.defaultServiceURL
	}
	if err := ValidateIdentifier(identifier); err != nil {
		return nil, s.fail("Login", err)
	}
	if secret == "" {
		return nil, s.fail("Login", errors.Wrap(autherrors.ErrInvalidArgument, "[Login] empty secret"))
	}
	if err := ValidateServiceURL(serviceURL); err != nil {
		return nil, s.fail("Login", err)
	}

	tokens, err := s.client.Login(ctx, identifier, secret, serviceURL)
	if err != nil {
		return nil, s.fail("Login", err)
	}

	session := s.buildSession(tokens)
	existing, err := s.store.GetByDID(ctx, tokens.DID)
	switch {
	case err == nil:
		existing.Session = session
		existing.Handle = tokens.Handle
		existing.ServiceURL = serviceURL
		s.applyProfile(ctx, existing)
		stored, err := s.store.Update(ctx, existing)
		if err != nil {
			return nil, s.fail("Login", err)
		}
		s.manager.Track(stored)
		s.log.Info().Str("subject", redact.String(stored.DID)).Msg("session rotated via login")
		return stored, nil

	case errors.Is(err, autherrors.ErrNotFound):
		account := &accounts.Account{
			ID:         uuid.NewString(),
			DID:        tokens.DID,
			Handle:     tokens.Handle,
			ServiceURL: serviceURL,
			Session:    session,
		}
		s.applyProfile(ctx, account)
		stored, err := s.store.Add(ctx, account)
		if err != nil {
			return nil, s.fail("Login", err)
		}
		s.manager.Track(stored)
		s.log.Info().Str("subject", redact.String(stored.DID)).Msg("account created")
		return stored, nil

	default:
		return nil, s.fail("Login", err)
	}
}

// GetAccount looks up an account by its local identifier. A malformed
// identifier and an unknown one are indistinguishable to the caller: both
// probe the store, and both report that the reference cannot be resolved.
func (s *Service) GetAccount(ctx context.Context, id string) (*accounts.Account, error) {
	if err := ValidateAccountID(id); err != nil {
		_, _ = s.store.Get(ctx, probeID)
		return nil, s.fail("GetAccount", err)
	}

	account, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, s.fail("GetAccount", err)
	}
	return account, nil
}

// GetAllAccounts returns every stored account, oldest first.
func (s *Service) GetAllAccounts(ctx context.Context) ([]*accounts.Account, error) {
	listed, err := s.store.List(ctx)
	if err != nil {
		return nil, s.fail("GetAllAccounts", err)
	}
	return listed, nil
}

// AddAccount validates and persists an externally assembled account, for
// callers that already hold a token pair (migration, import). An empty ID
// is assigned a fresh identifier. Validation failure persists nothing.
func (s *Service) AddAccount(ctx context.Context, account *accounts.Account) (*accounts.Account, error) {
	if account == nil {
		return nil, s.fail("AddAccount", errors.Wrap(autherrors.ErrInvalidArgument, "[AddAccount] nil account"))
	}

	candidate := account.Clone()
	if candidate.ID == "" {
		candidate.ID = uuid.NewString()
	}
	if err := ValidateAccount(candidate); err != nil {
		return nil, s.fail("AddAccount", err)
	}

	stored, err := s.store.Add(ctx, candidate)
	if err != nil {
		return nil, s.fail("AddAccount", err)
	}
	s.manager.Track(stored)
	return stored, nil
}

// RemoveAccount deletes the account and everything derived from it: the
// persisted record, the runtime session state, and any scheduled refresh.
func (s *Service) RemoveAccount(ctx context.Context, id string) error {
	if err := ValidateAccountID(id); err != nil {
		_, _ = s.store.Get(ctx, probeID)
		return s.fail("RemoveAccount", err)
	}

	account, err := s.store.Get(ctx, id)
	if err != nil {
		return s.fail("RemoveAccount", err)
	}

	s.manager.Forget(account.DID)
	if err := s.store.Remove(ctx, id); err != nil {
		return s.fail("RemoveAccount", err)
	}
	s.log.Info().Str("subject", redact.String(account.DID)).Msg("account removed")
	return nil
}

// RefreshSession forces a token rotation for the subject. Concurrent calls
// share one rotation.
func (s *Service) RefreshSession(ctx context.Context, did string) (*accounts.Session, error) {
	if err := ValidateDID(did); err != nil {
		return nil, s.fail("RefreshSession", err)
	}

	session, err := s.manager.ProactiveRefresh(ctx, did)
	if err != nil {
		return nil, s.fail("RefreshSession", err)
	}
	return session, nil
}

// RefreshProfile re-fetches the subject's profile metadata and persists
// any change. Token material is untouched.
func (s *Service) RefreshProfile(ctx context.Context, did string) (*accounts.Account, error) {
	if err := ValidateDID(did); err != nil {
		return nil, s.fail("RefreshProfile", err)
	}

	account, err := s.store.GetByDID(ctx, did)
	if err != nil {
		return nil, s.fail("RefreshProfile", err)
	}

	profile, err := s.client.GetProfile(ctx, did, account.ServiceURL)
	if err != nil {
		return nil, s.fail("RefreshProfile", err)
	}

	account.Handle = profile.Handle
	account.DisplayName = profile.DisplayName
	account.AvatarURL = profile.AvatarURL
	stored, err := s.store.Update(ctx, account)
	if err != nil {
		return nil, s.fail("RefreshProfile", err)
	}
	return stored, nil
}

// buildSession derives the persisted session from a fresh token pair.
func (s *Service) buildSession(tokens *transport.SessionTokens) accounts.Session {
	issuedAt := s.nowTime()
	if iat := token.IssuedAtOf(tokens.AccessToken); iat != nil {
		issuedAt = *iat
	}
	session := accounts.Session{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		IssuedAt:     issuedAt,
		Active:       true,
	}
	if exp := token.ExpirationOf(tokens.AccessToken); exp != nil {
		session.ExpiresAt = *exp
	}
	return session
}

// applyProfile decorates the account with profile metadata. Best effort: a
// profile fetch failure never fails the login that triggered it.
func (s *Service) applyProfile(ctx context.Context, account *accounts.Account) {
	profile, err := s.client.GetProfile(ctx, account.DID, account.ServiceURL)
	if err != nil {
		s.log.Debug().Str("subject", redact.String(account.DID)).Msg("profile fetch skipped")
		return
	}
	account.Handle = profile.Handle
	account.DisplayName = profile.DisplayName
	account.AvatarURL = profile.AvatarURL
}

// fail logs the full cause privately and returns only the bare taxonomy
// sentinel, so callers and their logs never see internal detail.
func (s *Service) fail(op string, cause error) error {
	s.log.Debug().
		Str("op", op).
		Str("detail", redact.String(cause.Error())).
		Msg("operation failed")
	return normalize(cause)
}

// normalize maps any internal error onto the public taxonomy. Order
// matters: an input that is both malformed and unknown reports as
// malformed, and the two share one message anyway.
func normalize(err error) error {
	switch {
	case errors.Is(err, autherrors.ErrInvalidArgument):
		return autherrors.ErrInvalidArgument
	case errors.Is(err, autherrors.ErrNotFound):
		return autherrors.ErrNotFound
	case errors.Is(err, autherrors.ErrConflict):
		return autherrors.ErrConflict
	case errors.Is(err, autherrors.ErrUnauthorized), errors.Is(err, transport.ErrCredentialRejected):
		return autherrors.ErrUnauthorized
	default:
		return autherrors.ErrUnavailable
	}
}
