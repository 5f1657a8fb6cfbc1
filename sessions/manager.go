// Package sessions owns the per-account session state machine, the
// single-flight refresh coordination, and the proactive refresh scheduler.
package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/moodesky/atproto-auth/accounts"
	autherrors "github.com/moodesky/atproto-auth/internal/errors"
	"github.com/moodesky/atproto-auth/internal/redact"
	"github.com/moodesky/atproto-auth/token"
	"github.com/moodesky/atproto-auth/transport"
)

// Phase is the session lifecycle state. Invalid is terminal: only a fresh
// login re-enters, never a refresh.
type Phase int

const (
	PhaseUnvalidated Phase = iota
	PhaseValid
	PhaseRefreshPending
	PhaseInvalid
)

func (p Phase) String() string {
	switch p {
	case PhaseValid:
		return "valid"
	case PhaseRefreshPending:
		return "refresh-pending"
	case PhaseInvalid:
		return "invalid"
	default:
		return "unvalidated"
	}
}

// SessionState is a per-account runtime snapshot. It is owned exclusively
// by the Manager and rebuilt from persisted accounts on startup.
type SessionState struct {
	Phase                   Phase
	IsValid                 bool
	RefreshInProgress       bool
	LastValidatedAt         time.Time
	LastRefreshedAt         time.Time
	ConsecutiveFailureCount int
}

// ValidationResult is one entry of a local-only validation sweep.
type ValidationResult struct {
	DID       string
	Handle    string
	IsValid   bool
	ExpiresAt *time.Time
}

// Constraints are the platform resource inputs the scheduler reacts to.
type Constraints struct {
	PowerSave        bool
	NetworkAvailable bool
}

// ConstraintsFunc reports the current platform constraints.
type ConstraintsFunc func() Constraints

// Config carries the refresh policy. Margin and backoff are policy knobs,
// deliberately not constants.
type Config struct {
	// RefreshMargin is how much remaining token lifetime triggers a
	// proactive refresh.
	RefreshMargin time.Duration
	// RefreshBackoff is the initial delay after a skipped or failed cycle.
	RefreshBackoff time.Duration
	// MaxRefreshBackoff caps the growth of the backoff delay.
	MaxRefreshBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.RefreshMargin <= 0 {
		c.RefreshMargin = 5 * time.Minute
	}
	if c.RefreshBackoff <= 0 {
		c.RefreshBackoff = 30 * time.Second
	}
	if c.MaxRefreshBackoff <= 0 {
		c.MaxRefreshBackoff = 10 * time.Minute
	}
	return c
}

type accountState struct {
	phase           Phase
	isValid         bool
	refreshing      bool
	lastValidatedAt time.Time
	lastRefreshedAt time.Time
	failures        int
}

// Manager coordinates session validity and refresh across all accounts.
// One instance is constructed at startup and handed to consumers; there is
// no ambient singleton.
type Manager struct {
	store       *accounts.Store
	client      transport.Client
	cfg         Config
	log         zerolog.Logger
	nowTime     func() time.Time
	constraints ConstraintsFunc

	flight singleflight.Group

	lock   sync.RWMutex
	states map[string]*accountState
	tasks  map[string]context.CancelFunc
	runCtx context.Context
}

// ManagerOption modifies a Manager instance.
type ManagerOption func(*Manager)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowTime = nowFunc
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(log zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = log
	}
}

// WithConstraints sets the platform constraint provider.
func WithConstraints(constraints ConstraintsFunc) ManagerOption {
	return func(m *Manager) {
		m.constraints = constraints
	}
}

// NewManager initializes a Manager and rebuilds its runtime state from the
// persisted accounts.
func NewManager(ctx context.Context, store *accounts.Store, client transport.Client, cfg Config, options ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, errors.New("[NewManager] account store is required")
	}
	if client == nil {
		return nil, errors.New("[NewManager] transport client is required")
	}

	manager := &Manager{
		store:       store,
		client:      client,
		cfg:         cfg.withDefaults(),
		log:         zerolog.Nop(),
		nowTime:     time.Now,
		constraints: func() Constraints { return Constraints{NetworkAvailable: true} },
		states:      make(map[string]*accountState),
		tasks:       make(map[string]context.CancelFunc),
	}
	for _, opt := range options {
		opt(manager)
	}

	known, err := store.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "[NewManager] rebuilding session state")
	}
	for _, account := range known {
		manager.Track(account)
	}
	return manager, nil
}

// GetSessionState answers from the in-memory snapshot: no network access,
// no mutation. Unknown subjects yield a zero-value, invalid state.
func (m *Manager) GetSessionState(did string) SessionState {
	m.lock.RLock()
	defer m.lock.RUnlock()

	st, ok := m.states[did]
	if !ok {
		return SessionState{}
	}
	return SessionState{
		Phase:                   st.phase,
		IsValid:                 st.isValid,
		RefreshInProgress:       st.refreshing,
		LastValidatedAt:         st.lastValidatedAt,
		LastRefreshedAt:         st.lastRefreshedAt,
		ConsecutiveFailureCount: st.failures,
	}
}

// ValidateAllSessions recomputes validity for every known account from its
// current access token. Local-only: safe to call on every foreground
// resume. Results are ordered by subject identifier.
func (m *Manager) ValidateAllSessions(ctx context.Context) ([]ValidationResult, error) {
	known, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}

	now := m.nowTime()
	results := make([]ValidationResult, 0, len(known))

	m.lock.Lock()
	for _, account := range known {
		exp := token.ExpirationOf(account.Session.AccessToken)
		valid := account.Session.Active && exp != nil && exp.After(now)

		st := m.stateLocked(account.DID)
		st.isValid = valid
		st.lastValidatedAt = now
		if valid && st.phase == PhaseUnvalidated {
			st.phase = PhaseValid
		}

		results = append(results, ValidationResult{
			DID:       account.DID,
			Handle:    account.Handle,
			IsValid:   valid,
			ExpiresAt: exp,
		})
	}
	m.lock.Unlock()

	sort.Slice(results, func(i, j int) bool { return results[i].DID < results[j].DID })
	return results, nil
}

// ProactiveRefresh rotates the account's token pair. Concurrent calls for
// the same subject collapse into one in-flight rotation whose outcome all
// callers share; different subjects refresh independently.
func (m *Manager) ProactiveRefresh(ctx context.Context, did string) (*accounts.Session, error) {
	m.lock.RLock()
	st, tracked := m.states[did]
	terminal := tracked && st.phase == PhaseInvalid
	m.lock.RUnlock()

	if terminal {
		return nil, errors.Wrap(autherrors.ErrUnauthorized, "[Manager.ProactiveRefresh] session requires a fresh login")
	}

	result, err, _ := m.flight.Do(did, func() (any, error) {
		return m.refresh(ctx, did)
	})
	if err != nil {
		return nil, err
	}
	session := result.(accounts.Session)
	return &session, nil
}

// Track registers (or re-registers) an account with the manager. A fresh
// login goes through here, which is the only way out of the Invalid phase.
func (m *Manager) Track(account *accounts.Account) {
	now := m.nowTime()
	exp := token.ExpirationOf(account.Session.AccessToken)
	valid := account.Session.Active && exp != nil && exp.After(now)

	m.lock.Lock()
	st := &accountState{isValid: valid, lastValidatedAt: now}
	if valid {
		st.phase = PhaseValid
	}
	m.states[account.DID] = st
	if m.runCtx != nil {
		m.spawnTaskLocked(account.DID)
	}
	m.lock.Unlock()
}

// Forget drops an account's runtime state and cancels its scheduled
// refresh task. Called on account removal.
func (m *Manager) Forget(did string) {
	m.lock.Lock()
	if cancel, ok := m.tasks[did]; ok {
		cancel()
		delete(m.tasks, did)
	}
	delete(m.states, did)
	m.lock.Unlock()

	m.flight.Forget(did)
}

func (m *Manager) refresh(ctx context.Context, did string) (accounts.Session, error) {
	account, err := m.store.GetByDID(ctx, did)
	if err != nil {
		return accounts.Session{}, err
	}

	m.setRefreshing(did, true)
	defer m.setRefreshing(did, false)

	tokens, err := m.client.RefreshSession(ctx, account.Session.RefreshToken, account.ServiceURL)
	if err != nil {
		return accounts.Session{}, m.recordFailure(did, err)
	}

	info := token.Introspect(tokens.AccessToken)
	if info.ExpiresAt == nil {
		return accounts.Session{}, m.recordFailure(did, errors.New("service returned an undecodable access token"))
	}

	issuedAt := m.nowTime()
	if iat := token.IssuedAtOf(tokens.AccessToken); iat != nil {
		issuedAt = *iat
	}
	session := accounts.Session{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		IssuedAt:     issuedAt,
		ExpiresAt:    *info.ExpiresAt,
		Active:       true,
	}

	updated := account.Clone()
	updated.Session = session
	if tokens.Handle != "" {
		updated.Handle = tokens.Handle
	}
	// The account may have been removed while the rotation was in flight;
	// Update refuses to resurrect it.
	if _, err := m.store.Update(ctx, updated); err != nil {
		return accounts.Session{}, err
	}

	now := m.nowTime()
	m.lock.Lock()
	st := m.stateLocked(did)
	st.phase = PhaseValid
	st.isValid = true
	st.failures = 0
	st.lastRefreshedAt = now
	st.lastValidatedAt = now
	m.lock.Unlock()

	m.log.Debug().Str("subject", redact.String(did)).Msg("session rotated")
	return session, nil
}

func (m *Manager) recordFailure(did string, cause error) error {
	rejected := errors.Is(cause, transport.ErrCredentialRejected)

	m.lock.Lock()
	st := m.stateLocked(did)
	st.failures++
	if rejected {
		st.phase = PhaseInvalid
		st.isValid = false
	}
	failures := st.failures
	m.lock.Unlock()

	m.log.Warn().
		Str("subject", redact.String(did)).
		Int("consecutiveFailures", failures).
		Str("detail", redact.String(cause.Error())).
		Msg("session refresh failed")

	if rejected {
		return errors.Wrap(autherrors.ErrUnauthorized, "[Manager.refresh] refresh token rejected")
	}
	return errors.Wrap(autherrors.ErrUnavailable, "[Manager.refresh] transient refresh failure")
}

func (m *Manager) setRefreshing(did string, refreshing bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	st := m.stateLocked(did)
	st.refreshing = refreshing
	if refreshing {
		st.phase = PhaseRefreshPending
		return
	}
	// A transient failure leaves the prior session intact, so the phase
	// falls back to whatever the surviving token supports.
	if st.phase == PhaseRefreshPending {
		if st.isValid {
			st.phase = PhaseValid
		} else {
			st.phase = PhaseUnvalidated
		}
	}
}

// stateLocked returns the state for did, creating it if needed. Callers
// must hold m.lock.
func (m *Manager) stateLocked(did string) *accountState {
	st, ok := m.states[did]
	if !ok {
		st = &accountState{}
		m.states[did] = st
	}
	return st
}
